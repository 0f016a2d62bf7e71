package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
)

// Type names an envelope payload.
type Type string

const (
	SensorData      Type = "sensorData"
	BinStatus       Type = "binStatus"
	BinUpdate       Type = "binUpdate"
	VehiclePosition Type = "vehiclePositionUpdate"
	VehicleState    Type = "vehicleStateUpdate"
	DispatchAssign  Type = "dispatchAssigned"
	Snapshot        Type = "snapshot"
)

// Status values carried by binStatus.
const (
	StatusFull  = "FULL"
	StatusEmpty = "EMPTY"
)

// Envelope is the unit delivered to subscribers.
type Envelope struct {
	Type Type            `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// New encodes payload into an envelope of type t.
func New(t Type, seq uint64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s: %w", t, err)
	}
	return Envelope{Type: t, Seq: seq, Data: raw}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("events: decode %s: %w", e.Type, err)
	}
	return nil
}

type SensorDataEvent struct {
	BinID     string    `json:"binId"`
	Distance  float64   `json:"distance"`
	Timestamp time.Time `json:"timestamp"`
}

type BinStatusEvent struct {
	BinID  string `json:"binId"`
	Status string `json:"status"`
}

type BinUpdateEvent struct {
	BinID        string          `json:"binId"`
	FillLevel    int             `json:"fillLevel"`
	Status       model.BinStatus `json:"status"`
	CleanedCount *int            `json:"cleanedCount,omitempty"`
}

type VehiclePositionEvent struct {
	VehicleID string  `json:"vehicleId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VehicleStateEvent is a partial update. Nil fields mean unchanged; a
// non-nil empty CurrentRoute means the route was cleared.
type VehicleStateEvent struct {
	VehicleID      string            `json:"vehicleId"`
	IsPatrolling   *bool             `json:"isPatrolling,omitempty"`
	HasCleanedOnce *bool             `json:"hasCleanedOnce,omitempty"`
	PatrolIndex    *int              `json:"patrolIndex,omitempty"`
	Status         *model.State      `json:"status,omitempty"`
	PatrolRoute    *[]geo.Coordinate `json:"patrolRoute,omitempty"`
	CurrentRoute   *[]geo.Coordinate `json:"currentRoute,omitempty"`
	TargetBinID    *string           `json:"targetBinId,omitempty"`
	CleanedCount   *int              `json:"cleanedCount,omitempty"`
}

type DispatchAssignedEvent struct {
	BinID       string           `json:"binId"`
	VehicleID   string           `json:"vehicleId"`
	DistanceKm  float64          `json:"distanceKm"`
	DurationMin *float64         `json:"durationMin,omitempty"`
	Fallback    bool             `json:"fallback"`
	Waypoints   []geo.Coordinate `json:"waypoints"`
}

type SnapshotEvent struct {
	Vehicles []model.VehicleState `json:"vehicles"`
	Bins     []model.Bin          `json:"bins"`
}

// StateEventFor builds a full vehicleStateUpdate from a vehicle record.
func StateEventFor(v model.VehicleState) VehicleStateEvent {
	patrolling := v.State == model.Patrolling
	st := v.State
	route := v.CurrentRoute
	if route == nil {
		route = []geo.Coordinate{}
	}
	target := v.TargetBinID
	return VehicleStateEvent{
		VehicleID:      v.ID,
		IsPatrolling:   &patrolling,
		HasCleanedOnce: model.Ptr(v.HasCleanedOnce),
		PatrolIndex:    model.Ptr(v.PatrolIndex),
		Status:         &st,
		CurrentRoute:   &route,
		TargetBinID:    &target,
		CleanedCount:   model.Ptr(v.CleanedCount),
	}
}
