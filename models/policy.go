package models

import "time"

// RateLimitPolicy configures the token bucket for one route group
type RateLimitPolicy struct {
	Capacity   uint32  `json:"capacity" yaml:"capacity" validate:"gt=0"`
	RefillRate float64 `json:"refill_rate" yaml:"refill_rate" validate:"gt=0"` // tokens per second
}

// BreakerPolicy configures the circuit breaker guarding one dependency.
//
// When FailureRate is zero the breaker trips once FailureThreshold failures are
// seen inside Window. Otherwise it trips once at least MinimumRequests outcomes
// were observed in the window and the failure ratio reaches FailureRate.
type BreakerPolicy struct {
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold" validate:"gt=0"`
	FailureRate      float64       `json:"failure_rate" yaml:"failure_rate" validate:"gte=0,lte=1"`
	MinimumRequests  uint32        `json:"minimum_requests" yaml:"minimum_requests"`
	Window           time.Duration `json:"window" yaml:"window" validate:"gt=0"`
	OpenDuration     time.Duration `json:"open_duration" yaml:"open_duration" validate:"gt=0"`
	HalfOpenProbes   uint32        `json:"half_open_probes" yaml:"half_open_probes" validate:"gt=0"`
	SuccessesToClose uint32        `json:"successes_to_close" yaml:"successes_to_close"`
}

// DefaultBreakerPolicy mirrors the production defaults: five failures per
// minute open the circuit for sixty seconds and three probes are allowed.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold: 5,
		Window:           time.Minute,
		OpenDuration:     60 * time.Second,
		HalfOpenProbes:   3,
		SuccessesToClose: 3,
	}
}
