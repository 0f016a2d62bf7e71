package dispatch

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistration(t *testing.T) {
	ResetMetrics(nil)
	t.Cleanup(func() { ResetMetrics(nil) })
	reg := prometheus.NewRegistry()
	MustRegisterMetrics(reg)
	// touch metrics so they are exported
	ticksTotal.Inc()
	tickFailures.Inc()
	ignoredSignals.Inc()
	assignTimeouts.Inc()
	dispatchesTotal.WithLabelValues("false").Inc()
	cleaningsTotal.WithLabelValues("arrival").Inc()
	pendingBins.Set(1)
	routeLatency.Observe(0.1)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[*mf.Name] = true
	}
	expected := []string{
		"patrol_ticks_total",
		"patrol_tick_failures_total",
		"patrol_duplicate_full_signals_total",
		"patrol_assignment_timeouts_total",
		"patrol_dispatches_total",
		"patrol_cleanings_total",
		"patrol_pending_bins",
		"patrol_route_latency_seconds",
	}
	for _, n := range expected {
		if !names[n] {
			t.Errorf("metric %s not registered", n)
		}
	}
}
