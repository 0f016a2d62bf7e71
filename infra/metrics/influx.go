package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/tozahudud/patrol/core/metrics"
	"github.com/tozahudud/patrol/infra/logger"
)

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes dispatch, cleaning and position events to InfluxDB
// using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

var (
	_ coremetrics.MetricsSink      = (*InfluxSink)(nil)
	_ coremetrics.CleaningRecorder = (*InfluxSink)(nil)
	_ coremetrics.PositionRecorder = (*InfluxSink)(nil)
	_ coremetrics.PendingRecorder  = (*InfluxSink)(nil)
)

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordDispatch writes one committed assignment.
func (s *InfluxSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	p := write.NewPointWithMeasurement("dispatch_assigned").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("bin_id", ev.BinID).
		AddTag("fallback", strconv.FormatBool(ev.Fallback)).
		AddTag("reassigned", strconv.FormatBool(ev.Reassigned)).
		AddField("distance_km", round3(ev.DistanceKm)).
		AddField("waypoints", ev.Waypoints).
		AddField("route_latency_ms", round3(ev.RouteLatency.Seconds()*1000))
	if ev.DurationMin != nil {
		p = p.AddField("duration_min", round3(*ev.DurationMin))
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordCleaning writes a bin reset.
func (s *InfluxSink) RecordCleaning(ev coremetrics.CleaningEvent) error {
	p := write.NewPointWithMeasurement("bin_cleaned").
		AddTag("bin_id", ev.BinID).
		AddTag("source", ev.Source)
	if ev.VehicleID != "" {
		p = p.AddTag("vehicle_id", ev.VehicleID)
	}
	return s.write(p.AddField("count", 1).SetTime(ev.Time))
}

// RecordPosition writes a vehicle position sample.
func (s *InfluxSink) RecordPosition(ev coremetrics.PositionEvent) error {
	p := write.NewPointWithMeasurement("vehicle_position").
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("state", string(ev.State)).
		AddField("lat", ev.Position.Lat).
		AddField("lon", ev.Position.Lon).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordPending writes the number of bins waiting for a vehicle.
func (s *InfluxSink) RecordPending(count int) error {
	p := write.NewPointWithMeasurement("pending_bins").
		AddField("count", count).
		SetTime(time.Now())
	return s.write(p)
}

// Close flushes and closes the client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
