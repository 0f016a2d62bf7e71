package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/tozahudud/patrol/core/metrics"
)

// PromSink records per-vehicle dispatch and cleaning metrics in Prometheus.
// Engine-wide counters live in the dispatch package; this sink adds the
// labelled series that are only known per event.
type PromSink struct {
	dispatches *prometheus.CounterVec
	distance   prometheus.Histogram
	cleanings  *prometheus.CounterVec
	tick       prometheus.Histogram
	moved      prometheus.Gauge
}

var (
	_ coremetrics.MetricsSink      = (*PromSink)(nil)
	_ coremetrics.CleaningRecorder = (*PromSink)(nil)
	_ coremetrics.TickRecorder     = (*PromSink)(nil)
)

// NewPromSink registers the sink's collectors on the default registerer.
// The /metrics endpoint is served separately, see StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered under the same name are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	s := &PromSink{}
	if s.dispatches, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_vehicle_dispatches_total",
		Help: "Dispatch assignments per vehicle",
	}, []string{"vehicle_id", "fallback"})); err != nil {
		return nil, err
	}
	if s.distance, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "patrol_dispatch_distance_km",
		Help:    "Route length of committed assignments",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
	})); err != nil {
		return nil, err
	}
	if s.cleanings, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "patrol_vehicle_cleanings_total",
		Help: "Bins cleaned per vehicle",
	}, []string{"vehicle_id", "source"})); err != nil {
		return nil, err
	}
	if s.tick, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "patrol_tick_duration_seconds",
		Help:    "Wall time spent committing a tick",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})); err != nil {
		return nil, err
	}
	if s.moved, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "patrol_vehicles_moved",
		Help: "Vehicles that moved during the last tick",
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordDispatch counts the assignment and observes its distance.
func (s *PromSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	s.dispatches.WithLabelValues(ev.VehicleID, strconv.FormatBool(ev.Fallback)).Inc()
	s.distance.Observe(ev.DistanceKm)
	return nil
}

// RecordCleaning counts a cleaning. Manual resets without a vehicle are
// labelled with an empty vehicle id.
func (s *PromSink) RecordCleaning(ev coremetrics.CleaningEvent) error {
	s.cleanings.WithLabelValues(ev.VehicleID, ev.Source).Inc()
	return nil
}

// RecordTick observes tick duration and the number of moved vehicles.
func (s *PromSink) RecordTick(ev coremetrics.TickEvent) error {
	if ev.Failed {
		return nil
	}
	s.tick.Observe(ev.Duration.Seconds())
	s.moved.Set(float64(ev.Moved))
	return nil
}
