package dispatch

import (
	"time"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
)

// Arrival is raised when an en-route vehicle reaches the end of its route.
type Arrival struct {
	BinID    string
	Position geo.Coordinate
}

// StepResult is the outcome of advancing one vehicle by one tick.
type StepResult struct {
	Vehicle model.VehicleState
	Patch   model.VehiclePatch
	Moved   bool
	Arrival *Arrival
	// Transitions lists the states entered during the step, in order.
	Transitions []model.State
}

// Step advances v by exactly one waypoint. It is pure: callers commit the
// returned patch. Patrolling vehicles walk their loop cyclically and
// en-route vehicles walk their route until the cursor would pass the last
// waypoint, which is the arrival. Routes shorter than two waypoints arrive
// on the first step.
func Step(v model.VehicleState, now time.Time) StepResult {
	switch v.State {
	case model.EnRoute:
		return stepRoute(v, now)
	case model.Cleaning:
		// left over from an interrupted cycle
		p := model.VehiclePatch{State: model.Ptr(model.Patrolling), UpdatedAt: &now}
		return StepResult{Vehicle: p.Merge(v), Patch: p, Transitions: []model.State{model.Patrolling}}
	default:
		return stepPatrol(v, now)
	}
}

func stepPatrol(v model.VehicleState, now time.Time) StepResult {
	n := len(v.PatrolRoute)
	if n == 0 {
		return StepResult{Vehicle: v}
	}
	idx := v.PatrolIndex
	if idx < 0 || idx >= n {
		idx = 0
	}
	next := (idx + 1) % n
	pos := v.PatrolRoute[next]
	p := model.VehiclePatch{PatrolIndex: &next, Position: &pos, UpdatedAt: &now}
	return StepResult{Vehicle: p.Merge(v), Patch: p, Moved: pos != v.Position}
}

func stepRoute(v model.VehicleState, now time.Time) StepResult {
	route := v.CurrentRoute
	next := v.RouteIndex + 1
	if len(route) >= 2 && next < len(route) {
		pos := route[next]
		p := model.VehiclePatch{RouteIndex: &next, Position: &pos, UpdatedAt: &now}
		return StepResult{Vehicle: p.Merge(v), Patch: p, Moved: pos != v.Position}
	}

	pos := v.Position
	if len(route) > 0 {
		pos = route[len(route)-1]
	}
	p := arrivalPatch(v, pos, now)
	return StepResult{
		Vehicle:     p.Merge(v),
		Patch:       p,
		Moved:       pos != v.Position,
		Arrival:     &Arrival{BinID: v.TargetBinID, Position: pos},
		Transitions: []model.State{model.Cleaning, model.Patrolling},
	}
}

// arrivalPatch is the cleaning transition folded into a single update: the
// vehicle passes through Cleaning and resumes patrolling at its preserved
// patrol index.
func arrivalPatch(v model.VehicleState, pos geo.Coordinate, now time.Time) model.VehiclePatch {
	return model.VehiclePatch{
		Position:       &pos,
		State:          model.Ptr(model.Patrolling),
		CurrentRoute:   &[]geo.Coordinate{},
		RouteIndex:     model.Ptr(0),
		TargetBinID:    model.Ptr(""),
		AssignedAt:     &time.Time{},
		HasCleanedOnce: model.Ptr(true),
		CleanedCount:   model.Ptr(v.CleanedCount + 1),
		UpdatedAt:      &now,
	}
}

// releasePatch returns a vehicle to patrol without counting a cleaning.
func releasePatch(now time.Time) model.VehiclePatch {
	return model.VehiclePatch{
		State:        model.Ptr(model.Patrolling),
		CurrentRoute: &[]geo.Coordinate{},
		RouteIndex:   model.Ptr(0),
		TargetBinID:  model.Ptr(""),
		AssignedAt:   &time.Time{},
		UpdatedAt:    &now,
	}
}
