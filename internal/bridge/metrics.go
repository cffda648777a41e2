package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the disk materializer.
type Metrics struct {
	Ingests      *prometheus.CounterVec
	BytesWritten prometheus.Counter
	Backups      *prometheus.CounterVec
	Pruned       prometheus.Counter
}

// NewMetrics creates and registers the bridge metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ingests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccp_bridge_ingests_total",
				Help: "Ingest attempts by outcome and zone",
			},
			[]string{"outcome", "zone"}, // success, rejected, error
		),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dccp_bridge_bytes_written_total",
			Help: "Bytes materialized to disk",
		}),
		Backups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccp_bridge_backups_total",
				Help: "Backups taken before overwrite",
			},
			[]string{"result"}, // created, failed
		),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "dccp_bridge_backups_pruned_total",
			Help: "Expired backups removed",
		}),
	}
}
