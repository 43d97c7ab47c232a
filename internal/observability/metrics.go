package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision and flag outcome label values
const (
	outcomeAdmitted = "admitted"
	outcomeRejected = "rejected"
	resultEnabled   = "enabled"
	resultDisabled  = "disabled"
)

// Metrics is the Prometheus sink shared by the rate limiter, circuit
// breakers, flag store, audit pipeline and HTTP layer. Each instance owns
// its registry, so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions *prometheus.CounterVec
	RateLimitBuckets   prometheus.Gauge
	CircuitTransitions *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	FlagEvaluations    *prometheus.CounterVec
	AuditEvents        *prometheus.CounterVec
	AuditBatchSeconds  prometheus.Histogram
	AuditBatchSize     prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Rate limit decisions by route group and outcome.",
			},
			[]string{"route", "outcome"},
		),
		RateLimitBuckets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimit_buckets",
				Help: "Token buckets currently held in memory.",
			},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_transitions_total",
				Help: "Circuit breaker phase transitions.",
			},
			[]string{"dependency", "from", "to"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Current breaker phase per dependency (0 closed, 1 open, 2 half-open).",
			},
			[]string{"dependency"},
		),
		FlagEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feature_flag_evaluations_total",
				Help: "Feature flag evaluations by flag and result.",
			},
			[]string{"flag", "result"},
		),
		AuditEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Audit events by outcome (enqueued, written, dropped, failed).",
			},
			[]string{"outcome"},
		),
		AuditBatchSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_batch_write_seconds",
				Help:    "Time spent writing one audit batch, retries included.",
				Buckets: prometheus.DefBuckets,
			},
		),
		AuditBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_batch_size",
				Help:    "Events per audit batch write.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 11),
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by method, route pattern and status code.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by method and route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	m.registry = reg
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRateLimitDecision counts one limiter decision
func (m *Metrics) RecordRateLimitDecision(route string, admitted bool) {
	outcome := outcomeRejected
	if admitted {
		outcome = outcomeAdmitted
	}
	m.RateLimitDecisions.WithLabelValues(route, outcome).Inc()
}

// SetRateLimitBuckets reports the number of live buckets
func (m *Metrics) SetRateLimitBuckets(n int) {
	m.RateLimitBuckets.Set(float64(n))
}

// RecordCircuitTransition counts one breaker transition
func (m *Metrics) RecordCircuitTransition(dependency, from, to string) {
	m.CircuitTransitions.WithLabelValues(dependency, from, to).Inc()
}

// SetCircuitState reports the current phase of a breaker
func (m *Metrics) SetCircuitState(dependency string, phase int) {
	m.CircuitState.WithLabelValues(dependency).Set(float64(phase))
}

// RecordFlagEvaluation counts one flag evaluation
func (m *Metrics) RecordFlagEvaluation(flag string, enabled bool) {
	result := resultDisabled
	if enabled {
		result = resultEnabled
	}
	m.FlagEvaluations.WithLabelValues(flag, result).Inc()
}

// RecordAuditEvent counts n audit events reaching outcome
func (m *Metrics) RecordAuditEvent(outcome string, n int) {
	m.AuditEvents.WithLabelValues(outcome).Add(float64(n))
}

// ObserveAuditBatch records the size and duration of one batch write
func (m *Metrics) ObserveAuditBatch(size int, elapsed time.Duration) {
	m.AuditBatchSize.Observe(float64(size))
	m.AuditBatchSeconds.Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordRateLimitDecision(string, bool)                 {}
func (NopMetrics) SetRateLimitBuckets(int)                              {}
func (NopMetrics) RecordCircuitTransition(string, string, string)       {}
func (NopMetrics) SetCircuitState(string, int)                          {}
func (NopMetrics) RecordFlagEvaluation(string, bool)                    {}
func (NopMetrics) RecordAuditEvent(string, int)                         {}
func (NopMetrics) ObserveAuditBatch(int, time.Duration)                 {}
func (NopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
