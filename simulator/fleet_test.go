package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/roster"
)

func testConfig() Config {
	return Config{HTTP: "http://x", Bins: 3, Interval: time.Second, FillRate: 5, Seed: 1}
}

func TestGenerateSensorsDeterministic(t *testing.T) {
	a := GenerateSensors(roster.Roster{}, testConfig())
	b := GenerateSensors(roster.Roster{}, testConfig())
	require.Equal(t, 3, a.Len())
	for i := range a.sensors {
		assert.Equal(t, a.sensors[i].BinID, b.sensors[i].BinID)
		assert.Equal(t, a.sensors[i].DistanceCm, b.sensors[i].DistanceCm)
		assert.GreaterOrEqual(t, a.sensors[i].DistanceCm, model.MaxSensorRangeCm/2)
		assert.LessOrEqual(t, a.sensors[i].DistanceCm, model.MaxSensorRangeCm)
	}
	assert.Equal(t, "bin001", a.sensors[0].BinID)
}

func TestGenerateSensorsFromRoster(t *testing.T) {
	r := roster.Roster{Bins: []roster.BinSpec{{ID: "B1"}, {ID: "B2"}}}
	f := GenerateSensors(r, testConfig())
	if f.Len() != 2 {
		t.Fatalf("expected 2 sensors, got %d", f.Len())
	}
	_, ok := f.Distance("B2")
	assert.True(t, ok)
}

func TestSensorFillsAndEmpties(t *testing.T) {
	f := GenerateSensors(roster.Roster{Bins: []roster.BinSpec{{ID: "B1"}}}, testConfig())
	start, _ := f.Distance("B1")
	f.Tick(func(*SimulatedSensor) {})
	d, _ := f.Distance("B1")
	assert.InDelta(t, start-5, d, 1e-9)

	for i := 0; i < 50; i++ {
		f.Tick(func(*SimulatedSensor) {})
	}
	d, _ = f.Distance("B1")
	assert.Equal(t, 0.0, d)
	assert.True(t, f.Emptied("B1"))
	d, _ = f.Distance("B1")
	assert.Equal(t, model.MaxSensorRangeCm, d)
	assert.False(t, f.Emptied("nope"))
}

func TestJitterStaysInBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0.5
	f := GenerateSensors(roster.Roster{Bins: []roster.BinSpec{{ID: "B1"}}}, cfg)
	s := f.sensors[0]
	s.DistanceCm = 100
	s.Step()
	assert.InDelta(t, 95, s.DistanceCm, 2.5)
}

func TestHandleEnvelopeOnlyOnCleaning(t *testing.T) {
	var got []string
	fn := func(id string) { got = append(got, id) }

	fill, err := events.New(events.BinUpdate, 1, events.BinUpdateEvent{BinID: "B1", FillLevel: 60})
	require.NoError(t, err)
	assert.False(t, handleEnvelope(fill, fn))

	n := 1
	clean, err := events.New(events.BinUpdate, 2, events.BinUpdateEvent{BinID: "B1", CleanedCount: &n})
	require.NoError(t, err)
	assert.True(t, handleEnvelope(clean, fn))

	other, err := events.New(events.BinStatus, 3, events.BinStatusEvent{BinID: "B2"})
	require.NoError(t, err)
	assert.False(t, handleEnvelope(other, fn))

	assert.Equal(t, []string{"B1"}, got)
}

func TestHTTPPublisher(t *testing.T) {
	var got model.SensorReading
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sensors" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := newHTTPPublisher(srv.URL + "/")
	err := p.Publish(context.Background(), model.SensorReading{BinID: "B1", DistanceCm: 12.5, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "B1", got.BinID)
	assert.Equal(t, 12.5, got.DistanceCm)

	bad := newHTTPPublisher(srv.URL + "/nope")
	assert.Error(t, bad.Publish(context.Background(), model.SensorReading{BinID: "B1"}))
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://patrol.example/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://patrol.example/base/ws", u)
	_, err = wsURL("ftp://x")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	cfg.HTTP = ""
	assert.Error(t, cfg.Validate())
	cfg = testConfig()
	cfg.Jitter = 1
	assert.Error(t, cfg.Validate())
	cfg = testConfig()
	cfg.Bins = 0
	assert.Error(t, cfg.Validate())
}
