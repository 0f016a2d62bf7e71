// Package statetest holds a conformance suite shared by Store implementations.
package statetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/state"
)

// Run exercises s against the Store contract. newStore must return an
// empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetVehicle(context.Background(), "nope")
		assert.True(t, errors.Is(err, state.ErrNotFound), "got %v", err)
		_, err = s.GetBin(context.Background(), "nope")
		assert.True(t, errors.Is(err, state.ErrNotFound), "got %v", err)
	})

	t.Run("UpsertMergesPartial", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		patrol := []geo.Coordinate{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
		_, err := s.UpsertVehicle(ctx, "V1", model.VehiclePatch{
			DriverID:     model.Ptr("D1"),
			State:        model.Ptr(model.Patrolling),
			PatrolRoute:  &patrol,
			PatrolIndex:  model.Ptr(1),
			CleanedCount: model.Ptr(3),
		})
		require.NoError(t, err)

		pos := geo.Coordinate{Lat: 5, Lon: 5}
		got, err := s.UpsertVehicle(ctx, "V1", model.VehiclePatch{Position: &pos})
		require.NoError(t, err)
		assert.Equal(t, pos, got.Position)

		got, err = s.GetVehicle(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, "D1", got.DriverID)
		assert.Equal(t, 1, got.PatrolIndex)
		assert.Equal(t, 3, got.CleanedCount)
		assert.Equal(t, patrol, got.PatrolRoute)
		assert.Equal(t, pos, got.Position)
	})

	t.Run("UpsertCreatesPatrolling", func(t *testing.T) {
		s := newStore(t)
		v, err := s.UpsertVehicle(context.Background(), "V9", model.VehiclePatch{})
		require.NoError(t, err)
		assert.Equal(t, "V9", v.ID)
		assert.Equal(t, model.Patrolling, v.State)
	})

	t.Run("ListSorted", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for _, id := range []string{"V3", "V1", "V2"} {
			_, err := s.UpsertVehicle(ctx, id, model.VehiclePatch{})
			require.NoError(t, err)
		}
		for _, id := range []string{"B2", "B1"} {
			_, err := s.UpsertBin(ctx, id, model.BinPatch{FillLevel: model.Ptr(10)})
			require.NoError(t, err)
		}
		vs, err := s.ListVehicles(ctx)
		require.NoError(t, err)
		require.Len(t, vs, 3)
		assert.Equal(t, []string{"V1", "V2", "V3"}, []string{vs[0].ID, vs[1].ID, vs[2].ID})
		bs, err := s.ListBins(ctx)
		require.NoError(t, err)
		require.Len(t, bs, 2)
		assert.Equal(t, "B1", bs[0].ID)
	})

	t.Run("BinRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cleaned := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
		_, err := s.UpsertBin(ctx, "B1", model.BinPatch{
			Name:          model.Ptr("Registan"),
			Location:      &geo.Coordinate{Lat: 39.65, Lon: 66.96},
			FillLevel:     model.Ptr(95),
			LastCleanedAt: &cleaned,
		})
		require.NoError(t, err)
		_, err = s.UpsertBin(ctx, "B1", model.BinPatch{CleanedCount: model.Ptr(2)})
		require.NoError(t, err)

		b, err := s.GetBin(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, "Registan", b.Name)
		assert.Equal(t, 95, b.FillLevel)
		assert.Equal(t, model.BinFull, b.Status())
		assert.Equal(t, 2, b.CleanedCount)
		require.NotNil(t, b.LastCleanedAt)
		assert.True(t, cleaned.Equal(*b.LastCleanedAt))
	})

	t.Run("ApplyBatch", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		route := []geo.Coordinate{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
		var b state.Batch
		b.Vehicle("V1", model.VehiclePatch{State: model.Ptr(model.EnRoute), CurrentRoute: &route, TargetBinID: model.Ptr("B1")})
		b.Vehicle("V1", model.VehiclePatch{RouteIndex: model.Ptr(1)})
		b.Bin("B1", model.BinPatch{FillLevel: model.Ptr(15)})
		require.NoError(t, s.Apply(ctx, b))

		v, err := s.GetVehicle(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, model.EnRoute, v.State)
		assert.Equal(t, 1, v.RouteIndex)
		assert.Equal(t, "B1", v.TargetBinID)
		assert.Equal(t, route, v.CurrentRoute)

		bin, err := s.GetBin(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, 15, bin.FillLevel)
	})

	t.Run("ClearRoute", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		at := time.Now().UTC()
		route := []geo.Coordinate{{Lat: 1, Lon: 1}}
		_, err := s.UpsertVehicle(ctx, "V1", model.VehiclePatch{CurrentRoute: &route, TargetBinID: model.Ptr("B1"), AssignedAt: &at})
		require.NoError(t, err)
		_, err = s.UpsertVehicle(ctx, "V1", model.VehiclePatch{CurrentRoute: &[]geo.Coordinate{}, TargetBinID: model.Ptr(""), AssignedAt: &time.Time{}})
		require.NoError(t, err)
		v, err := s.GetVehicle(ctx, "V1")
		require.NoError(t, err)
		assert.False(t, v.Busy())
		assert.Nil(t, v.AssignedAt)
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.ListVehicles(context.Background())
		assert.Error(t, err)
		assert.Error(t, s.Apply(context.Background(), state.Batch{}))
	})
}
