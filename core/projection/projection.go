// Package projection rebuilds engine state on the observer side from a
// snapshot followed by sequenced deltas.
package projection

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
)

// ErrGap is returned when an envelope skips sequence numbers. The view is
// left untouched and must be reset from a fresh snapshot.
var ErrGap = errors.New("projection: sequence gap")

// View is a read model of vehicles and bins.
type View struct {
	mu       sync.RWMutex
	seq      uint64
	synced   bool
	vehicles map[string]model.VehicleState
	bins     map[string]model.Bin
}

// New returns an empty view that waits for a snapshot.
func New() *View {
	return &View{vehicles: map[string]model.VehicleState{}, bins: map[string]model.Bin{}}
}

// Reset replaces the view with snap taken at seq.
func (v *View) Reset(snap events.SnapshotEvent, seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vehicles = make(map[string]model.VehicleState, len(snap.Vehicles))
	for _, vs := range snap.Vehicles {
		v.vehicles[vs.ID] = vs.Clone()
	}
	v.bins = make(map[string]model.Bin, len(snap.Bins))
	for _, b := range snap.Bins {
		v.bins[b.ID] = b
	}
	v.seq = seq
	v.synced = true
}

// Seq returns the last applied sequence number.
func (v *View) Seq() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seq
}

// Synced reports whether a snapshot has been applied.
func (v *View) Synced() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.synced
}

// Apply folds env into the view. Envelopes at or below the current
// sequence are ignored so replays are harmless.
func (v *View) Apply(env events.Envelope) error {
	if env.Type == events.Snapshot {
		var snap events.SnapshotEvent
		if err := env.Decode(&snap); err != nil {
			return err
		}
		v.Reset(snap, env.Seq)
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.synced {
		return fmt.Errorf("%w: no snapshot before seq %d", ErrGap, env.Seq)
	}
	if env.Seq <= v.seq {
		return nil
	}
	if env.Seq != v.seq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrGap, v.seq, env.Seq)
	}
	if err := v.applyLocked(env); err != nil {
		return err
	}
	v.seq = env.Seq
	return nil
}

func (v *View) applyLocked(env events.Envelope) error {
	switch env.Type {
	case events.BinUpdate:
		var ev events.BinUpdateEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		b := v.bins[ev.BinID]
		b.ID = ev.BinID
		b.FillLevel = ev.FillLevel
		if ev.CleanedCount != nil {
			b.CleanedCount = *ev.CleanedCount
		}
		v.bins[ev.BinID] = b
	case events.SensorData:
		var ev events.SensorDataEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if b, ok := v.bins[ev.BinID]; ok {
			d := ev.Distance
			b.LastDistanceCm = &d
			v.bins[ev.BinID] = b
		}
	case events.VehiclePosition:
		var ev events.VehiclePositionEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		vs := v.vehicles[ev.VehicleID]
		vs.ID = ev.VehicleID
		vs.Position.Lat, vs.Position.Lon = ev.Latitude, ev.Longitude
		v.vehicles[ev.VehicleID] = vs
	case events.VehicleState:
		var ev events.VehicleStateEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		v.vehicles[ev.VehicleID] = mergeState(v.vehicles[ev.VehicleID], ev)
	case events.DispatchAssign:
		var ev events.DispatchAssignedEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		vs := v.vehicles[ev.VehicleID]
		vs.ID = ev.VehicleID
		vs.State = model.EnRoute
		vs.TargetBinID = ev.BinID
		vs.CurrentRoute = ev.Waypoints
		vs.RouteIndex = 0
		v.vehicles[ev.VehicleID] = vs
	default:
		// binStatus and unknown types carry nothing the view keeps
	}
	return nil
}

func mergeState(vs model.VehicleState, ev events.VehicleStateEvent) model.VehicleState {
	vs.ID = ev.VehicleID
	if ev.Status != nil {
		vs.State = *ev.Status
	}
	if ev.HasCleanedOnce != nil {
		vs.HasCleanedOnce = *ev.HasCleanedOnce
	}
	if ev.PatrolIndex != nil {
		vs.PatrolIndex = *ev.PatrolIndex
	}
	if ev.PatrolRoute != nil {
		vs.PatrolRoute = *ev.PatrolRoute
	}
	if ev.CurrentRoute != nil {
		vs.CurrentRoute = *ev.CurrentRoute
		vs.RouteIndex = 0
	}
	if ev.TargetBinID != nil {
		vs.TargetBinID = *ev.TargetBinID
	}
	if ev.CleanedCount != nil {
		vs.CleanedCount = *ev.CleanedCount
	}
	return vs
}

// Vehicles returns the projected vehicles sorted by ID.
func (v *View) Vehicles() []model.VehicleState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.VehicleState, 0, len(v.vehicles))
	for _, vs := range v.vehicles {
		out = append(out, vs.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bins returns the projected bins sorted by ID.
func (v *View) Bins() []model.Bin {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Bin, 0, len(v.bins))
	for _, b := range v.bins {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Vehicle returns one projected vehicle.
func (v *View) Vehicle(id string) (model.VehicleState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vs, ok := v.vehicles[id]
	return vs.Clone(), ok
}

// Bin returns one projected bin.
func (v *View) Bin(id string) (model.Bin, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.bins[id]
	return b, ok
}
