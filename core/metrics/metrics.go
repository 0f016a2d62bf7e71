package metrics

import (
	"time"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
)

// DispatchEvent describes one committed assignment.
type DispatchEvent struct {
	BinID        string
	VehicleID    string
	DistanceKm   float64
	DurationMin  *float64
	Waypoints    int
	Fallback     bool
	RouteLatency time.Duration
	Reassigned   bool
	Time         time.Time
}

// MetricsSink records dispatch decisions for observability purposes.
type MetricsSink interface {
	RecordDispatch(ev DispatchEvent) error
}

// CleaningEvent is emitted when a bin is reset to its baseline.
type CleaningEvent struct {
	BinID     string
	VehicleID string
	// Source is "arrival", "driver" or "manual".
	Source string
	Time   time.Time
}

// CleaningRecorder records cleaning transitions.
type CleaningRecorder interface {
	RecordCleaning(ev CleaningEvent) error
}

// TickEvent summarizes one simulation step.
type TickEvent struct {
	Vehicles int
	Moved    int
	Arrivals int
	Duration time.Duration
	Failed   bool
	Time     time.Time
}

// TickRecorder records tick summaries.
type TickRecorder interface {
	RecordTick(ev TickEvent) error
}

// PositionEvent is a committed vehicle position.
type PositionEvent struct {
	VehicleID string
	Position  geo.Coordinate
	State     model.State
	Time      time.Time
}

// PositionRecorder records vehicle positions.
type PositionRecorder interface {
	RecordPosition(ev PositionEvent) error
}

// PendingRecorder records how many full bins wait for a vehicle.
type PendingRecorder interface {
	RecordPending(count int) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordDispatch(DispatchEvent) error { return nil }
func (NopSink) RecordCleaning(CleaningEvent) error { return nil }
func (NopSink) RecordTick(TickEvent) error         { return nil }
func (NopSink) RecordPosition(PositionEvent) error { return nil }
func (NopSink) RecordPending(int) error            { return nil }
