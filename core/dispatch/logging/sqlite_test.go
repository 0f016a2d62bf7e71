package logging

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func sampleRecords() []LogRecord {
	t0 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return []LogRecord{
		{Timestamp: t0, Outcome: OutcomeAssigned, BinID: "B1", VehicleID: "V2", DistanceKm: 0.4, Waypoints: 5},
		{Timestamp: t0.Add(time.Minute), Outcome: OutcomeCleaned, BinID: "B1", VehicleID: "V2"},
		{Timestamp: t0.Add(2 * time.Minute), Outcome: OutcomePending, BinID: "B3"},
	}
}

func exercise(t *testing.T, store LogStore) {
	t.Helper()
	ctx := context.Background()
	for _, r := range sampleRecords() {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	out, err := store.Query(ctx, LogQuery{VehicleID: "V2"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].Outcome != OutcomeAssigned || out[0].Waypoints != 5 {
		t.Fatalf("unexpected first record %+v", out[0])
	}
	out, err = store.Query(ctx, LogQuery{Outcome: OutcomePending})
	if err != nil || len(out) != 1 || out[0].BinID != "B3" {
		t.Fatalf("outcome filter failed: %v %+v", err, out)
	}
	out, err = store.Query(ctx, LogQuery{Limit: 1})
	if err != nil || len(out) != 1 || out[0].Outcome != OutcomePending {
		t.Fatalf("limit failed: %v %+v", err, out)
	}
	start := sampleRecords()[1].Timestamp
	out, err = store.Query(ctx, LogQuery{Start: start})
	if err != nil || len(out) != 2 {
		t.Fatalf("start filter failed: %v %+v", err, out)
	}
}

func TestSQLiteStore_PersistQuery(t *testing.T) {
	store, err := NewSQLiteStore("file:history.db?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	exercise(t, store)
}

func TestJSONLStore_PersistQuery(t *testing.T) {
	store, err := NewJSONLStore(filepath.Join(t.TempDir(), "hist", "dispatch.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	exercise(t, store)
}

func TestNewBackends(t *testing.T) {
	s, err := New("none", "")
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := s.(NopStore); !ok {
		t.Fatalf("expected NopStore, got %T", s)
	}
	if _, err := New("kafka", "x"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
