package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpAudit.
type Metrics struct {
	// --- Gateway ---
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	GatewayRetries  prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	PagesFetched    prometheus.Counter

	// --- Normalizer ---
	LogsDecoded    *prometheus.CounterVec
	DecodeFailures prometheus.Counter

	// --- Topology ---
	MarketsDiscovered prometheus.Gauge

	// --- Pipeline ---
	PipelineDuration *prometheus.HistogramVec
	PipelineFailures *prometheus.CounterVec
	Anomalies        *prometheus.CounterVec
	SampleTruncated  prometheus.Counter

	// --- Reports ---
	ReportsEmitted *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	requestBuckets := []float64{
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
	}

	stageBuckets := []float64{
		0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600,
	}

	return &Metrics{
		GatewayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_gateway_requests_total",
			Help: "Gateway API requests by action and outcome",
		}, []string{"action", "status"}),

		GatewayLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_gateway_request_duration_seconds",
			Help:    "Gateway request latency",
			Buckets: requestBuckets,
		}, []string{"action"}),

		GatewayRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_gateway_retries_total",
			Help: "Retried gateway requests",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_cache_hits_total",
			Help: "Response cache hits",
		}),

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_cache_misses_total",
			Help: "Response cache misses",
		}),

		PagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_log_pages_fetched_total",
			Help: "Event-log pages fetched",
		}),

		LogsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_logs_decoded_total",
			Help: "Log entries decoded into typed events",
		}, []string{"kind"}),

		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_decode_failures_total",
			Help: "Log entries skipped due to decode failure",
		}),

		MarketsDiscovered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "audit_markets_discovered",
			Help: "Markets found in the registry",
		}),

		PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_pipeline_stage_duration_seconds",
			Help:    "Per-market stage duration",
			Buckets: stageBuckets,
		}, []string{"stage"}),

		PipelineFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_pipeline_failures_total",
			Help: "Per-market stage failures",
		}, []string{"stage"}),

		Anomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_anomalies_total",
			Help: "Findings reported (zombie, ghost, insolvency, ...)",
		}, []string{"kind"}),

		SampleTruncated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_sample_truncations_total",
			Help: "Runs where the open-position sample cap truncated results",
		}),

		ReportsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_reports_emitted_total",
			Help: "Report documents emitted by kind and status",
		}, []string{"kind", "status"}),
	}
}
