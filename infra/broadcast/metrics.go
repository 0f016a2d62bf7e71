package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedClients prometheus.Gauge
	broadcastDrops   *prometheus.CounterVec
)

type collectors struct {
	clients prometheus.Gauge
	drops   *prometheus.CounterVec
}

func newCollectors() collectors {
	return collectors{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patrol_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_broadcast_drops_total",
			Help: "WebSocket clients dropped by the hub",
		}, []string{"reason"}),
	}
}

func (c collectors) install() {
	connectedClients, broadcastDrops = c.clients, c.drops
}

func init() {
	newCollectors().install()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers hub metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(connectedClients, broadcastDrops)
}

// ResetMetrics reinitializes the collectors for tests.
func ResetMetrics(reg prometheus.Registerer) {
	newCollectors().install()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
