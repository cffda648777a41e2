package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for packet routing.
type Metrics struct {
	InFlight        prometheus.Gauge
	Routes          *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	HandshakeScore  prometheus.Histogram
	AuditScore      prometheus.Histogram
	Signals         *prometheus.CounterVec
}

var scoreBuckets = []float64{10, 30, 50, 70, 75, 90, 100}

// NewMetrics creates and registers the routing metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dccp_router_in_flight",
			Help: "Packets currently being routed",
		}),
		Routes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccp_router_routes_total",
				Help: "Completed routes by outcome",
			},
			[]string{"outcome", "error_kind"},
		),
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccp_router_attempts_total",
				Help: "Backend execution attempts",
			},
			[]string{"adapter", "outcome"}, // success, error, timeout, rejected
		),
		AttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dccp_router_attempt_duration_seconds",
				Help:    "Backend execution attempt latency",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"adapter"},
		),
		HandshakeScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dccp_router_handshake_score",
			Help:    "Alignment scores of handshakes",
			Buckets: scoreBuckets,
		}),
		AuditScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dccp_router_audit_score",
			Help:    "Combined audit scores",
			Buckets: scoreBuckets,
		}),
		Signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccp_router_ingest_signals_total",
				Help: "Materialization instructions emitted",
			},
			[]string{"result"}, // sent, dropped
		),
	}
}
