package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/dccp/internal/core"
)

// Metrics holds the Prometheus metrics for the registry.
type Metrics struct {
	Nodes *prometheus.GaugeVec
}

// NewMetrics creates and registers the registry metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Nodes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dccp_registry_nodes",
				Help: "Registered backend nodes by status",
			},
			[]string{"status"}, // active, dormant, offline
		),
	}
}

func (m *Metrics) setNodeCounts(counts map[core.NodeStatus]int) {
	for status, n := range counts {
		m.Nodes.WithLabelValues(string(status)).Set(float64(n))
	}
}
