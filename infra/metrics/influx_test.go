package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tozahudud/patrol/core/geo"
	coremetrics "github.com/tozahudud/patrol/core/metrics"
	"github.com/tozahudud/patrol/core/model"
)

type lineRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (l *lineRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		l.mu.Lock()
		l.bodies = append(l.bodies, strings.TrimSpace(string(data)))
		l.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (l *lineRecorder) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.bodies...)
}

func newTestInflux(t *testing.T) (*InfluxSink, *lineRecorder) {
	rec := &lineRecorder{}
	srv := rec.server(t)
	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	t.Cleanup(func() { _ = sink.Close() })
	return sink, rec
}

func TestInfluxSink_RecordDispatch(t *testing.T) {
	sink, rec := newTestInflux(t)
	now := time.Now()
	dur := 4.25
	ev := coremetrics.DispatchEvent{
		BinID:        "B1",
		VehicleID:    "V2",
		DistanceKm:   1.23456,
		DurationMin:  &dur,
		Waypoints:    12,
		RouteLatency: 40 * time.Millisecond,
		Time:         now,
	}
	if err := sink.RecordDispatch(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_assigned").
		AddTag("vehicle_id", "V2").
		AddTag("bin_id", "B1").
		AddTag("fallback", "false").
		AddTag("reassigned", "false").
		AddField("distance_km", 1.235).
		AddField("waypoints", 12).
		AddField("route_latency_ms", 40.0).
		AddField("duration_min", 4.25).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if bodies := rec.all(); len(bodies) != 1 || bodies[0] != expected {
		t.Errorf("unexpected bodies: %#v", bodies)
	}
}

func TestInfluxSink_RecordCleaningAndPosition(t *testing.T) {
	sink, rec := newTestInflux(t)
	now := time.Now()
	if err := sink.RecordCleaning(coremetrics.CleaningEvent{BinID: "B1", Source: "manual", Time: now}); err != nil {
		t.Fatalf("record cleaning: %v", err)
	}
	pos := geo.Coordinate{Lat: 39.65, Lon: 66.96}
	if err := sink.RecordPosition(coremetrics.PositionEvent{VehicleID: "V1", Position: pos, State: model.EnRoute, Time: now}); err != nil {
		t.Fatalf("record position: %v", err)
	}
	p1 := write.NewPointWithMeasurement("bin_cleaned").
		AddTag("bin_id", "B1").
		AddTag("source", "manual").
		AddField("count", 1).
		SetTime(now)
	p2 := write.NewPointWithMeasurement("vehicle_position").
		AddTag("vehicle_id", "V1").
		AddTag("state", "enroute").
		AddField("lat", 39.65).
		AddField("lon", 66.96).
		SetTime(now)
	exp1 := strings.TrimSpace(write.PointToLineProtocol(p1, time.Nanosecond))
	exp2 := strings.TrimSpace(write.PointToLineProtocol(p2, time.Nanosecond))
	if bodies := rec.all(); len(bodies) != 2 || bodies[0] != exp1 || bodies[1] != exp2 {
		t.Errorf("unexpected bodies: %#v", bodies)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{URL: srv.URL + "/api/v2/write", Token: "tok", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
