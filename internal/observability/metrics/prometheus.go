// Package metrics provides Prometheus metrics for the claims engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	RequestRetries      prometheus.Counter
	RateLimitRejections prometheus.Counter
	TokenRefreshes      prometheus.Counter
	AuditWriteFailures  prometheus.Counter
	ClaimsValidated     prometheus.Counter
	ClaimsRejected      prometheus.Counter
	EDIFilesGenerated   prometheus.Counter
	KafkaEventsProduced prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearinghouse_requests_total",
			Help: "Outbound clearinghouse requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearinghouse_request_duration_seconds",
			Help:    "Outbound request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearinghouse_request_retries_total",
			Help: "Retried outbound requests",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearinghouse_rate_limit_rejections_total",
			Help: "Requests rejected pre-flight by the rate limiter",
		}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearinghouse_token_refreshes_total",
			Help: "OAuth token refresh round trips",
		}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearinghouse_audit_write_failures_total",
			Help: "Best-effort audit log writes that failed",
		}),
		ClaimsValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_validated_total",
			Help: "Claims run through the validator",
		}),
		ClaimsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_rejected_total",
			Help: "Claims that failed validation",
		}),
		EDIFilesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edi_837p_files_generated_total",
			Help: "837P transaction files generated",
		}),
		KafkaEventsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_events_produced_total",
			Help: "Claim lifecycle events produced",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestRetries,
		m.RateLimitRejections,
		m.TokenRefreshes,
		m.AuditWriteFailures,
		m.ClaimsValidated,
		m.ClaimsRejected,
		m.EDIFilesGenerated,
		m.KafkaEventsProduced,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
