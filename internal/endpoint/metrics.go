package endpoint

import "github.com/prometheus/client_golang/prometheus"

// promMetrics is EndpointManager's Prometheus registry: one gauge per
// configured endpoint reporting whether its ProxyServer's WebSocket dial
// is currently up. Grounded on prometheus/client_golang's GaugeVec usage
// for per-target up/down reporting (the idiom every pack repo that wires
// prometheus reaches for instead of a hand-rolled counter map).
type promMetrics struct {
	registry  *prometheus.Registry
	connected *prometheus.GaugeVec
}

func newPromMetrics() *promMetrics {
	registry := prometheus.NewRegistry()
	connected := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcp_gateway_endpoint_connected",
		Help: "1 if this endpoint's ProxyServer WebSocket dial is currently connected, 0 otherwise.",
	}, []string{"endpoint"})
	registry.MustRegister(connected)
	return &promMetrics{registry: registry, connected: connected}
}

func (m *promMetrics) setConnected(endpoint string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.connected.WithLabelValues(endpoint).Set(v)
}
