package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/routing"
	"github.com/tozahudud/patrol/core/state"
)

// lineProvider returns an n-point straight route and counts its calls.
type lineProvider struct {
	n     int
	calls atomic.Int32
}

func (p *lineProvider) ComputeRoute(_ context.Context, from, to geo.Coordinate) routing.Route {
	p.calls.Add(1)
	n := p.n
	if n < 2 {
		n = 2
	}
	wps := make([]geo.Coordinate, n)
	for i := range wps {
		f := float64(i) / float64(n-1)
		wps[i] = geo.Coordinate{Lat: from.Lat + (to.Lat-from.Lat)*f, Lon: from.Lon + (to.Lon-from.Lon)*f}
	}
	wps[n-1] = to
	return routing.Route{Waypoints: wps, DistanceKm: geo.DistanceKm(from, to)}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore fails Apply on demand.
type failingStore struct {
	*state.MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Apply(ctx context.Context, b state.Batch) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Apply(ctx, b)
}

func newTestEngine(t *testing.T, store state.Store, p routing.Provider, cfg Config) *Engine {
	t.Helper()
	ResetMetrics(nil)
	e, err := NewEngine(cfg, store, p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seedBin(t *testing.T, s state.Store, b model.Bin) {
	t.Helper()
	loc := b.Location
	fill := b.FillLevel
	_, err := s.UpsertBin(context.Background(), b.ID, model.BinPatch{Location: &loc, FillLevel: &fill})
	require.NoError(t, err)
}

func seedVehicle(t *testing.T, s state.Store, id string, pos geo.Coordinate) {
	t.Helper()
	_, err := s.UpsertVehicle(context.Background(), id, model.VehiclePatch{Position: &pos, State: model.Ptr(model.Patrolling)})
	require.NoError(t, err)
}

// fleet seeds B1 at baseline and three vehicles 1.2, 0.4 and 3.0 km away.
func fleet(t *testing.T, s state.Store) {
	t.Helper()
	seedBin(t, s, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	seedVehicle(t, s, "V1", northOf(binB1.Location, 1.2))
	seedVehicle(t, s, "V2", northOf(binB1.Location, 0.4))
	seedVehicle(t, s, "V3", northOf(binB1.Location, 3.0))
}

func fullReading(bin string) model.SensorReading {
	return model.SensorReading{BinID: bin, DistanceCm: 10}
}

// drain collects envelopes until the subscription has been quiet for a
// moment. Delivery runs on a separate goroutine.
func drain(ch <-chan events.Envelope) []events.Envelope {
	var out []events.Envelope
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, env)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestEngineAssignsNearestVehicle(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	p := &lineProvider{n: 5}
	e := newTestEngine(t, store, p, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()

	v, err := store.GetVehicle(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.EnRoute, v.State)
	assert.Equal(t, "B1", v.TargetBinID)
	require.Len(t, v.CurrentRoute, 5)
	assert.Equal(t, v.CurrentRoute[0], v.Position)
	assert.Equal(t, 0, v.RouteIndex)
	assert.NotNil(t, v.AssignedAt)

	for _, id := range []string{"V1", "V3"} {
		other, err := store.GetVehicle(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.Patrolling, other.State, id)
	}
	b, err := store.GetBin(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, model.FullFillLevel, b.FillLevel)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestEngineArrivalCleansBin(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	_, err := store.UpsertVehicle(ctx, "V2", model.VehiclePatch{PatrolIndex: model.Ptr(3)})
	require.NoError(t, err)
	e := newTestEngine(t, store, &lineProvider{n: 5}, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()

	for i := 1; i <= 4; i++ {
		require.NoError(t, e.Tick(ctx))
		v, _ := store.GetVehicle(ctx, "V2")
		if v.State != model.EnRoute || v.RouteIndex != i {
			t.Fatalf("tick %d: state=%s index=%d", i, v.State, v.RouteIndex)
		}
	}
	ch := e.Subscribe()
	require.NoError(t, e.Tick(ctx))

	v, err := store.GetVehicle(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.Patrolling, v.State)
	assert.True(t, v.HasCleanedOnce)
	assert.Equal(t, 1, v.CleanedCount)
	assert.Equal(t, 3, v.PatrolIndex)
	assert.Empty(t, v.CurrentRoute)
	assert.Empty(t, v.TargetBinID)
	assert.Equal(t, binB1.Location, v.Position)

	b, err := store.GetBin(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, model.EmptyFillLevel, b.FillLevel)
	assert.Equal(t, 1, b.CleanedCount)
	assert.NotNil(t, b.LastCleanedAt)

	var states []model.State
	for _, env := range drain(ch) {
		if env.Type != events.VehicleState {
			continue
		}
		var ev events.VehicleStateEvent
		require.NoError(t, env.Decode(&ev))
		if ev.VehicleID == "V2" && ev.Status != nil {
			states = append(states, *ev.Status)
		}
	}
	assert.Equal(t, []model.State{model.Cleaning, model.Patrolling}, states)
}

func TestEngineFallsBackWhenProviderTimesOut(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	slow := routing.ProviderFunc(func(ctx context.Context, _, _ geo.Coordinate) routing.Route {
		<-ctx.Done()
		return routing.Route{}
	})
	e := newTestEngine(t, store, slow, Config{RouteTimeout: 20 * time.Millisecond})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()

	v, err := store.GetVehicle(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.EnRoute, v.State)
	assert.Equal(t, []geo.Coordinate{northOf(binB1.Location, 0.4), binB1.Location}, v.CurrentRoute)
}

func TestEngineIgnoresDuplicateFullSignal(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	p := &lineProvider{n: 3}
	e := newTestEngine(t, store, p, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()
	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	require.NoError(t, e.HandleBinStatus(ctx, "B1", "full"))
	e.WaitIdle()

	assert.EqualValues(t, 1, p.calls.Load())
	assigned := 0
	vehicles, err := store.ListVehicles(ctx)
	require.NoError(t, err)
	for _, v := range vehicles {
		if v.TargetBinID == "B1" {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestEngineIgnoresFullSignalWhileRouteResolves(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := routing.ProviderFunc(func(_ context.Context, from, to geo.Coordinate) routing.Route {
		calls.Add(1)
		<-release
		return routing.Fallback(from, to)
	})
	e := newTestEngine(t, store, blocking, Config{RouteTimeout: time.Second})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	close(release)
	e.WaitIdle()

	assert.EqualValues(t, 1, calls.Load())
}

func TestEngineNewFullSignalClearsCleanedFlags(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seedBin(t, store, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	seedVehicle(t, store, "V1", northOf(binB1.Location, 1))
	seedVehicle(t, store, "V2", northOf(binB1.Location, 2))
	for _, id := range []string{"V1", "V2"} {
		_, err := store.UpsertVehicle(ctx, id, model.VehiclePatch{HasCleanedOnce: model.Ptr(true)})
		require.NoError(t, err)
	}
	e := newTestEngine(t, store, &lineProvider{n: 2}, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()

	v1, _ := store.GetVehicle(ctx, "V1")
	v2, _ := store.GetVehicle(ctx, "V2")
	assert.False(t, v1.HasCleanedOnce)
	assert.False(t, v2.HasCleanedOnce)
	assert.Equal(t, "B1", v1.TargetBinID)
}

func TestEngineFailedTickPublishesNothing(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: state.NewMemoryStore()}
	loop := []geo.Coordinate{{Lat: 39.65, Lon: 66.95}, {Lat: 39.66, Lon: 66.95}, {Lat: 39.66, Lon: 66.96}}
	_, err := store.UpsertVehicle(ctx, "V1", model.VehiclePatch{
		Position:    &loop[0],
		State:       model.Ptr(model.Patrolling),
		PatrolRoute: &loop,
	})
	require.NoError(t, err)
	e := newTestEngine(t, store, &lineProvider{}, Config{})

	ch := e.Subscribe()
	store.fail.Store(true)
	if err := e.Tick(ctx); err == nil {
		t.Fatalf("expected tick error")
	}
	assert.Empty(t, drain(ch))
	v, _ := store.GetVehicle(ctx, "V1")
	assert.Equal(t, 0, v.PatrolIndex)
	assert.Equal(t, loop[0], v.Position)

	store.fail.Store(false)
	require.NoError(t, e.Tick(ctx))
	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, events.VehiclePosition, got[0].Type)
	assert.Equal(t, events.VehicleState, got[1].Type)
	var ev events.VehicleStateEvent
	require.NoError(t, got[1].Decode(&ev))
	require.NotNil(t, ev.PatrolIndex)
	assert.Equal(t, 1, *ev.PatrolIndex)
	assert.Nil(t, ev.Status)
	v, _ = store.GetVehicle(ctx, "V1")
	assert.Equal(t, 1, v.PatrolIndex)
}

func TestEngineReassignsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seedBin(t, store, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	seedVehicle(t, store, "V1", northOf(binB1.Location, 0.5))
	seedVehicle(t, store, "V2", northOf(binB1.Location, 2))
	clk := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, store, &lineProvider{n: 50}, Config{AssignmentTimeout: 10 * time.Minute})
	e.SetClock(clk.Now)

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()
	v1, _ := store.GetVehicle(ctx, "V1")
	require.Equal(t, "B1", v1.TargetBinID)

	clk.Advance(11 * time.Minute)
	require.NoError(t, e.Tick(ctx))
	e.WaitIdle()

	v1, _ = store.GetVehicle(ctx, "V1")
	v2, _ := store.GetVehicle(ctx, "V2")
	assert.Equal(t, model.Patrolling, v1.State)
	assert.False(t, v1.HasCleanedOnce)
	assert.Equal(t, 0, v1.CleanedCount)
	assert.Equal(t, model.EnRoute, v2.State)
	assert.Equal(t, "B1", v2.TargetBinID)
}

func TestEnginePendingBinRetried(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seedBin(t, store, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	seedBin(t, store, model.Bin{ID: "B2", Location: northOf(binB1.Location, 1), FillLevel: model.FullFillLevel})
	route := []geo.Coordinate{northOf(binB1.Location, 3), northOf(binB1.Location, 2), northOf(binB1.Location, 1)}
	_, err := store.UpsertVehicle(ctx, "V1", model.VehiclePatch{
		Position:     &route[0],
		State:        model.Ptr(model.EnRoute),
		CurrentRoute: &route,
		TargetBinID:  model.Ptr("B2"),
	})
	require.NoError(t, err)
	e := newTestEngine(t, store, &lineProvider{n: 2}, Config{PendingRetryTicks: 1})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()
	assert.Equal(t, []string{"B1"}, e.Pending())

	require.NoError(t, e.CompleteCleaning(ctx, "V1"))
	b2, _ := store.GetBin(ctx, "B2")
	assert.Equal(t, model.EmptyFillLevel, b2.FillLevel)

	require.NoError(t, e.Tick(ctx))
	e.WaitIdle()
	v1, _ := store.GetVehicle(ctx, "V1")
	assert.Equal(t, "B1", v1.TargetBinID)
	assert.Empty(t, e.Pending())
}

func TestEngineMarkBinCleanedReleasesVehicle(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	e := newTestEngine(t, store, &lineProvider{n: 4}, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()
	require.NoError(t, e.MarkBinCleaned(ctx, "B1"))

	b, _ := store.GetBin(ctx, "B1")
	assert.Equal(t, model.EmptyFillLevel, b.FillLevel)
	assert.Equal(t, 1, b.CleanedCount)
	v2, _ := store.GetVehicle(ctx, "V2")
	assert.Equal(t, model.Patrolling, v2.State)
	assert.True(t, v2.HasCleanedOnce)
	assert.Equal(t, 1, v2.CleanedCount)

	err := e.MarkBinCleaned(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownBin)
}

func TestEngineCompleteCleaningErrors(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	e := newTestEngine(t, store, &lineProvider{}, Config{})

	assert.ErrorIs(t, e.CompleteCleaning(ctx, "V9"), ErrUnknownVehicle)
	assert.ErrorIs(t, e.CompleteCleaning(ctx, "V1"), ErrNotEnRoute)
}

func TestEngineSensorEstimatesFill(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	e := newTestEngine(t, store, &lineProvider{}, Config{})

	require.NoError(t, e.HandleSensor(ctx, model.SensorReading{BinID: "B1", DistanceCm: 60}))
	b, _ := store.GetBin(ctx, "B1")
	assert.Equal(t, 50, b.FillLevel)

	require.NoError(t, e.HandleSensor(ctx, model.SensorReading{BinID: "B1", DistanceCm: 21}))
	b, _ = store.GetBin(ctx, "B1")
	assert.Equal(t, 83, b.FillLevel)
	assert.False(t, b.IsFull())

	err := e.HandleSensor(ctx, fullReading("missing"))
	assert.ErrorIs(t, err, ErrUnknownBin)
	assert.ErrorIs(t, e.HandleBinStatus(ctx, "B1", "half"), ErrBadStatus)
}

func TestEngineSequenceIsContiguous(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	fleet(t, store)
	e := newTestEngine(t, store, &lineProvider{n: 3}, Config{})

	snap, ch, err := e.SubscribeWithSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Vehicles, 3)

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	e.WaitIdle()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Tick(ctx))
	}

	got := drain(ch)
	require.NotEmpty(t, got)
	want := snap.Seq + 1
	for _, env := range got {
		if env.Seq != want {
			t.Fatalf("seq gap: got %d want %d (%s)", env.Seq, want, env.Type)
		}
		want++
	}
	after, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, want-1, after.Seq)
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	store := state.NewMemoryStore()
	fleet(t, store)
	e := newTestEngine(t, store, &lineProvider{n: 2}, Config{TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	readings := make(chan model.SensorReading, 1)
	readings <- fullReading("B1")
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, readings) }()

	require.Eventually(t, func() bool {
		v, _ := store.GetVehicle(context.Background(), "V2")
		return v.CleanedCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewEngineRejectsNil(t *testing.T) {
	if _, err := NewEngine(Config{}, nil, routing.Straight{}, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewEngine(Config{}, state.NewMemoryStore(), nil, nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

// gateProvider blocks every route until release is closed.
type gateProvider struct {
	lineProvider
	release chan struct{}
}

func (p *gateProvider) ComputeRoute(ctx context.Context, from, to geo.Coordinate) routing.Route {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return p.lineProvider.ComputeRoute(ctx, from, to)
}

func TestEngineHoldsVehicleWhileRouteResolves(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seedBin(t, store, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	loop := []geo.Coordinate{
		northOf(binB1.Location, 1),
		northOf(binB1.Location, 2),
		northOf(binB1.Location, 3),
		northOf(binB1.Location, 4),
	}
	_, err := store.UpsertVehicle(ctx, "V1", model.VehiclePatch{
		Position:    &loop[0],
		State:       model.Ptr(model.Patrolling),
		PatrolRoute: &loop,
	})
	require.NoError(t, err)
	p := &gateProvider{lineProvider: lineProvider{n: 5}, release: make(chan struct{})}
	e := newTestEngine(t, store, p, Config{})

	require.NoError(t, e.HandleSensor(ctx, fullReading("B1")))
	for i := 0; i < 2; i++ {
		require.NoError(t, e.Tick(ctx))
		v, _ := store.GetVehicle(ctx, "V1")
		assert.Equal(t, loop[0], v.Position, "tick %d moved a reserved vehicle", i)
		assert.Equal(t, 0, v.PatrolIndex)
	}
	close(p.release)
	e.WaitIdle()

	v, _ := store.GetVehicle(ctx, "V1")
	require.Equal(t, model.EnRoute, v.State)
	assert.Equal(t, loop[0], v.Position)
	assert.Equal(t, loop[0], v.CurrentRoute[0])
	assert.Equal(t, 0, v.PatrolIndex)

	before := geo.DistanceKm(v.Position, binB1.Location)
	require.NoError(t, e.Tick(ctx))
	v, _ = store.GetVehicle(ctx, "V1")
	assert.Less(t, geo.DistanceKm(v.Position, binB1.Location), before)
}

func TestEngineLargeFleetTickLosesNothing(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	const n = 300
	for i := 0; i < n; i++ {
		loop := []geo.Coordinate{northOf(binB1.Location, float64(i)*0.01), northOf(binB1.Location, float64(i)*0.01+0.5)}
		_, err := store.UpsertVehicle(ctx, fmt.Sprintf("V%03d", i), model.VehiclePatch{
			Position:    &loop[0],
			State:       model.Ptr(model.Patrolling),
			PatrolRoute: &loop,
		})
		require.NoError(t, err)
	}
	e := newTestEngine(t, store, &lineProvider{}, Config{})

	snap, ch, err := e.SubscribeWithSnapshot(ctx)
	require.NoError(t, err)
	got := make(chan []events.Envelope, 1)
	go func() {
		var out []events.Envelope
		timeout := time.After(2 * time.Second)
		for len(out) < 2*n {
			select {
			case env := <-ch:
				out = append(out, env)
			case <-timeout:
				got <- out
				return
			}
		}
		got <- out
	}()
	require.NoError(t, e.Tick(ctx))

	envs := <-got
	require.Len(t, envs, 2*n)
	for i, env := range envs {
		if env.Seq != snap.Seq+uint64(i)+1 {
			t.Fatalf("seq gap at %d: got %d", i, env.Seq)
		}
	}
	assert.Zero(t, e.Dropped())
}

func TestEngineEmptyStatusForgetsTimedOutVehicles(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seedBin(t, store, model.Bin{ID: "B1", Location: binB1.Location, FillLevel: model.EmptyFillLevel})
	seedVehicle(t, store, "V1", northOf(binB1.Location, 0.5))
	clk := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, store, &lineProvider{n: 50}, Config{AssignmentTimeout: 10 * time.Minute})
	e.SetClock(clk.Now)

	require.NoError(t, e.HandleBinStatus(ctx, "B1", events.StatusFull))
	e.WaitIdle()
	clk.Advance(11 * time.Minute)
	require.NoError(t, e.Tick(ctx))
	e.WaitIdle()
	v, _ := store.GetVehicle(ctx, "V1")
	require.Equal(t, model.Patrolling, v.State)
	require.Equal(t, []string{"B1"}, e.Pending())

	require.NoError(t, e.HandleBinStatus(ctx, "B1", events.StatusEmpty))
	assert.Empty(t, e.Pending())
	require.NoError(t, e.HandleBinStatus(ctx, "B1", events.StatusFull))
	e.WaitIdle()

	v, _ = store.GetVehicle(ctx, "V1")
	assert.Equal(t, model.EnRoute, v.State)
	assert.Equal(t, "B1", v.TargetBinID)
	assert.Empty(t, e.Pending())
}
