// Package observability provides structured logging and Prometheus metrics
// for the traffic control plane.
//
// Metrics satisfies the metrics interfaces declared by the rate limiter,
// circuit breaker, feature flag and audit packages, so a single instance can
// be handed to all of them. NopMetrics is the drop-in for tests and for
// deployments with METRICS_ENABLED=false.
package observability
