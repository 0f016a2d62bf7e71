package model

import (
	"time"

	"github.com/tozahudud/patrol/core/geo"
)

// State is the behavioural state of a collection vehicle.
type State string

const (
	Patrolling State = "patrolling"
	EnRoute    State = "enroute"
	Cleaning   State = "cleaning"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Patrolling, EnRoute, Cleaning:
		return true
	}
	return false
}

// VehicleState is the live record of a vehicle kept by the state store.
type VehicleState struct {
	ID       string         `json:"id"`
	DriverID string         `json:"driverId,omitempty"`
	Position geo.Coordinate `json:"position"`
	State    State          `json:"state"`

	// CurrentRoute is the active dispatch route; RouteIndex points at the
	// waypoint the vehicle currently occupies.
	CurrentRoute []geo.Coordinate `json:"currentRoute,omitempty"`
	RouteIndex   int              `json:"routeIndex"`
	TargetBinID  string           `json:"targetBinId,omitempty"`
	AssignedAt   *time.Time       `json:"assignedAt,omitempty"`

	PatrolRoute []geo.Coordinate `json:"patrolRoute,omitempty"`
	PatrolIndex int              `json:"patrolIndex"`

	HasCleanedOnce bool      `json:"hasCleanedOnce"`
	CleanedCount   int       `json:"cleanedCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Busy reports whether the vehicle is tied to a bin.
func (v VehicleState) Busy() bool {
	return len(v.CurrentRoute) > 0 || v.TargetBinID != ""
}

// Clone returns a deep copy of v.
func (v VehicleState) Clone() VehicleState {
	v.CurrentRoute = cloneCoords(v.CurrentRoute)
	v.PatrolRoute = cloneCoords(v.PatrolRoute)
	if v.AssignedAt != nil {
		ts := *v.AssignedAt
		v.AssignedAt = &ts
	}
	return v
}

func cloneCoords(in []geo.Coordinate) []geo.Coordinate {
	if in == nil {
		return nil
	}
	out := make([]geo.Coordinate, len(in))
	copy(out, in)
	return out
}

// VehiclePatch carries a partial vehicle update. Nil fields are left
// unchanged. A non-nil pointer to an empty route clears it, and a non-nil
// zero AssignedAt clears the assignment time.
type VehiclePatch struct {
	DriverID       *string
	Position       *geo.Coordinate
	State          *State
	CurrentRoute   *[]geo.Coordinate
	RouteIndex     *int
	TargetBinID    *string
	AssignedAt     *time.Time
	PatrolRoute    *[]geo.Coordinate
	PatrolIndex    *int
	HasCleanedOnce *bool
	CleanedCount   *int
	UpdatedAt      *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p VehiclePatch) IsEmpty() bool {
	return p == VehiclePatch{}
}

// Merge applies the supplied fields of p onto v and returns the result.
func (p VehiclePatch) Merge(v VehicleState) VehicleState {
	v = v.Clone()
	if p.DriverID != nil {
		v.DriverID = *p.DriverID
	}
	if p.Position != nil {
		v.Position = *p.Position
	}
	if p.State != nil {
		v.State = *p.State
	}
	if p.CurrentRoute != nil {
		v.CurrentRoute = nilIfEmpty(cloneCoords(*p.CurrentRoute))
	}
	if p.RouteIndex != nil {
		v.RouteIndex = *p.RouteIndex
	}
	if p.TargetBinID != nil {
		v.TargetBinID = *p.TargetBinID
	}
	if p.AssignedAt != nil {
		if p.AssignedAt.IsZero() {
			v.AssignedAt = nil
		} else {
			ts := *p.AssignedAt
			v.AssignedAt = &ts
		}
	}
	if p.PatrolRoute != nil {
		v.PatrolRoute = nilIfEmpty(cloneCoords(*p.PatrolRoute))
	}
	if p.PatrolIndex != nil {
		v.PatrolIndex = *p.PatrolIndex
	}
	if p.HasCleanedOnce != nil {
		v.HasCleanedOnce = *p.HasCleanedOnce
	}
	if p.CleanedCount != nil {
		v.CleanedCount = *p.CleanedCount
	}
	if p.UpdatedAt != nil {
		v.UpdatedAt = *p.UpdatedAt
	}
	return v
}

func nilIfEmpty(in []geo.Coordinate) []geo.Coordinate {
	if len(in) == 0 {
		return nil
	}
	return in
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
