package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal      prometheus.Counter
	tickFailures    prometheus.Counter
	dispatchesTotal *prometheus.CounterVec
	cleaningsTotal  *prometheus.CounterVec
	pendingBins     prometheus.Gauge
	routeLatency    prometheus.Histogram
	ignoredSignals  prometheus.Counter
	assignTimeouts  prometheus.Counter
)

type collectors struct {
	ticks, failures, ignored, timeouts prometheus.Counter
	dispatches, cleanings              *prometheus.CounterVec
	pending                            prometheus.Gauge
	latency                            prometheus.Histogram
}

// newCollectors creates new metric collectors.
func newCollectors() collectors {
	return collectors{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_ticks_total",
			Help: "Number of committed simulation ticks",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_tick_failures_total",
			Help: "Number of ticks that could not be committed",
		}),
		ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_duplicate_full_signals_total",
			Help: "Full signals ignored because the bin was already assigned",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_assignment_timeouts_total",
			Help: "Assignments released after exceeding the timeout",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_dispatches_total",
			Help: "Committed dispatch assignments",
		}, []string{"fallback"}),
		cleanings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_cleanings_total",
			Help: "Bins reset to baseline",
		}, []string{"source"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patrol_pending_bins",
			Help: "Full bins waiting for an eligible vehicle",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patrol_route_latency_seconds",
			Help:    "Time spent resolving dispatch routes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c collectors) install() {
	ticksTotal, tickFailures = c.ticks, c.failures
	ignoredSignals, assignTimeouts = c.ignored, c.timeouts
	dispatchesTotal, cleaningsTotal = c.dispatches, c.cleanings
	pendingBins, routeLatency = c.pending, c.latency
}

func init() {
	newCollectors().install()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers engine metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(ticksTotal, tickFailures, ignoredSignals, assignTimeouts,
		dispatchesTotal, cleaningsTotal, pendingBins, routeLatency)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	newCollectors().install()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
