// Package logging keeps an append-only history of dispatch outcomes.
package logging

import (
	"context"
	"time"
)

// Outcome names what happened to an assignment.
type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomeCleaned  Outcome = "cleaned"
	OutcomeManual   Outcome = "manual_clean"
	OutcomeTimeout  Outcome = "timeout"
	OutcomePending  Outcome = "pending"
)

// LogRecord captures one dispatch decision or its resolution.
type LogRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Outcome     Outcome   `json:"outcome"`
	BinID       string    `json:"bin_id"`
	VehicleID   string    `json:"vehicle_id,omitempty"`
	DistanceKm  float64   `json:"distance_km,omitempty"`
	DurationMin *float64  `json:"duration_min,omitempty"`
	Waypoints   int       `json:"waypoints,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
}

// LogQuery defines filters for retrieving records.
type LogQuery struct {
	Start     time.Time
	End       time.Time
	VehicleID string
	BinID     string
	Outcome   Outcome
	Limit     int
}

// Match reports whether r passes every filter of q.
func (q LogQuery) Match(r LogRecord) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.VehicleID != "" && r.VehicleID != q.VehicleID {
		return false
	}
	if q.BinID != "" && r.BinID != q.BinID {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	return true
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}

// NopStore drops every record.
type NopStore struct{}

func (NopStore) Append(context.Context, LogRecord) error               { return nil }
func (NopStore) Query(context.Context, LogQuery) ([]LogRecord, error) { return nil, nil }
func (NopStore) Close() error                                          { return nil }

// New opens a store for the given backend: "jsonl", "sqlite" or "none".
func New(backend, path string) (LogStore, error) {
	switch backend {
	case "jsonl":
		return NewJSONLStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "", "none":
		return NopStore{}, nil
	default:
		return nil, &UnknownBackendError{Backend: backend}
	}
}

// UnknownBackendError reports an unsupported history backend.
type UnknownBackendError struct{ Backend string }

func (e *UnknownBackendError) Error() string { return "logging: unknown backend " + e.Backend }
