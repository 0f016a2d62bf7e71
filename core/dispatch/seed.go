package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/roster"
	"github.com/tozahudud/patrol/core/routing"
	"github.com/tozahudud/patrol/core/state"
)

// SeedResult counts records created by Seed.
type SeedResult struct {
	BinsCreated     int
	BinsUpdated     int
	VehiclesCreated int
	VehiclesUpdated int
}

// Seed loads a roster into the store. Missing records are created. For
// existing records only descriptive fields are refreshed, so position,
// state and counters survive a restart. Patrol loops are expanded through
// the route provider for vehicles that do not have one yet.
func (e *Engine) Seed(ctx context.Context, r roster.Roster) (SeedResult, error) {
	if err := r.Validate(); err != nil {
		return SeedResult{}, fmt.Errorf("dispatch: seed: %w", err)
	}

	loops := make(map[string][]geo.Coordinate, len(r.Vehicles))
	for _, spec := range r.Vehicles {
		cur, err := e.store.GetVehicle(ctx, spec.ID)
		if err == nil && len(cur.PatrolRoute) > 0 {
			continue
		}
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return SeedResult{}, fmt.Errorf("dispatch: seed vehicle %s: %w", spec.ID, err)
		}
		if len(spec.Patrol) == 0 {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, e.cfg.RouteTimeout*time.Duration(len(spec.Patrol)+1))
		loops[spec.ID] = routing.ExpandLoop(lctx, e.provider, spec.Patrol)
		cancel()
	}

	var res SeedResult
	err := e.run(func(o *outbox) error {
		now := e.now()
		var batch state.Batch
		for _, spec := range r.Bins {
			name, addr, loc := spec.Name, spec.Address, spec.Location
			p := model.BinPatch{Name: &name, Address: &addr, Location: &loc, UpdatedAt: &now}
			_, err := e.store.GetBin(ctx, spec.ID)
			switch {
			case errors.Is(err, state.ErrNotFound):
				fill := model.EmptyFillLevel
				if spec.FillLevel != nil {
					fill = *spec.FillLevel
				}
				p.FillLevel = &fill
				res.BinsCreated++
			case err != nil:
				return fmt.Errorf("dispatch: seed bin %s: %w", spec.ID, err)
			default:
				res.BinsUpdated++
			}
			batch.Bin(spec.ID, p)
		}
		for _, spec := range r.Vehicles {
			driver := spec.DriverID
			p := model.VehiclePatch{DriverID: &driver, UpdatedAt: &now}
			if loop, ok := loops[spec.ID]; ok && len(loop) > 0 {
				p.PatrolRoute = &loop
			}
			_, err := e.store.GetVehicle(ctx, spec.ID)
			switch {
			case errors.Is(err, state.ErrNotFound):
				start := spec.StartOf()
				if p.PatrolRoute != nil {
					start = (*p.PatrolRoute)[0]
				}
				p.Position = &start
				p.State = model.Ptr(model.Patrolling)
				p.PatrolIndex = model.Ptr(0)
				res.VehiclesCreated++
			case err != nil:
				return fmt.Errorf("dispatch: seed vehicle %s: %w", spec.ID, err)
			default:
				res.VehiclesUpdated++
			}
			batch.Vehicle(spec.ID, p)
		}
		if batch.Empty() {
			return nil
		}
		if err := e.store.Apply(ctx, batch); err != nil {
			return fmt.Errorf("dispatch: seed: %w", err)
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	e.log.Infof("roster seeded: bins %d new %d updated, vehicles %d new %d updated",
		res.BinsCreated, res.BinsUpdated, res.VehiclesCreated, res.VehiclesUpdated)
	return res, nil
}
