package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/services/circuit"
	"github.com/upb/traffic-control-plane/services/flags"
	"github.com/upb/traffic-control-plane/services/ratelimit"
	"github.com/upb/traffic-control-plane/utils"
	"gopkg.in/yaml.v3"
)

// Route groups used by the HTTP layer
const (
	RouteDefault = "default"
	RouteAdmin   = "admin"
	RouteFlags   = "flags"
)

// Dependencies guarded by circuit breakers
const (
	DependencyDatabase = "database"
	DependencyCache    = "cache"
)

// Policy is the declarative part of the configuration: rate limits per
// route group, breakers per dependency and the initial feature flags.
type Policy struct {
	RateLimits RateLimitPolicies               `yaml:"rate_limits"`
	Breakers   map[string]models.BreakerPolicy `yaml:"breakers" validate:"dive"`
	Flags      []models.FeatureFlag            `yaml:"flags" validate:"dive"`
}

// RateLimitPolicies holds the default bucket policy and per-route overrides
type RateLimitPolicies struct {
	Default models.RateLimitPolicy            `yaml:"default"`
	Routes  map[string]models.RateLimitPolicy `yaml:"routes" validate:"dive"`
}

// DefaultPolicy returns the policy used when no policy file is configured.
// Callers get 100 requests per minute, admin endpoints a tenth of that.
func DefaultPolicy() *Policy {
	return &Policy{
		RateLimits: RateLimitPolicies{
			Default: models.RateLimitPolicy{Capacity: 100, RefillRate: 100.0 / 60},
			Routes: map[string]models.RateLimitPolicy{
				RouteAdmin: {Capacity: 10, RefillRate: 10.0 / 60},
				RouteFlags: {Capacity: 100, RefillRate: 100.0 / 60},
			},
		},
		Breakers: map[string]models.BreakerPolicy{
			DependencyDatabase: models.DefaultBreakerPolicy(),
			DependencyCache:    models.DefaultBreakerPolicy(),
		},
		Flags: flags.DefaultFlags(),
	}
}

// LoadPolicy reads the policy file at path. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.NewConfigurationError(fmt.Sprintf("failed to read policy file %s", path), err)
	}

	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document. Unknown keys are
// rejected. Sections left out of the document take their default values.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, services.NewConfigurationError("failed to parse policy file", err)
	}

	defaults := DefaultPolicy()
	if p.RateLimits.Default == (models.RateLimitPolicy{}) {
		p.RateLimits.Default = defaults.RateLimits.Default
	}
	if p.RateLimits.Routes == nil {
		p.RateLimits.Routes = defaults.RateLimits.Routes
	}
	if p.Breakers == nil {
		p.Breakers = defaults.Breakers
	}
	if p.Flags == nil {
		p.Flags = defaults.Flags
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every section of the policy
func (p *Policy) Validate() error {
	if err := utils.ValidateStruct(p); err != nil {
		return services.NewConfigurationError("invalid policy", err).
			WithDetail("fields", utils.GetValidationFields(err))
	}

	if err := ratelimit.Validate(ratelimit.Config{Default: p.RateLimits.Default, Routes: p.RateLimits.Routes}); err != nil {
		return services.NewConfigurationError("invalid rate limit policy", err)
	}

	if err := circuit.ValidateAll(p.Breakers); err != nil {
		return services.NewConfigurationError("invalid breaker policy", err)
	}
	// audit writes go through this breaker
	if _, ok := p.Breakers[DependencyDatabase]; !ok {
		return services.NewConfigurationError(fmt.Sprintf("missing breaker policy for %q", DependencyDatabase), nil)
	}

	seen := make(map[string]struct{}, len(p.Flags))
	for _, flag := range p.Flags {
		if _, dup := seen[flag.Name]; dup {
			return services.NewConfigurationError(fmt.Sprintf("duplicate feature flag %q", flag.Name), nil)
		}
		seen[flag.Name] = struct{}{}
		if err := flags.ValidateFlag(flag); err != nil {
			return services.NewConfigurationError("invalid feature flag", err)
		}
	}

	return nil
}

// LimiterConfig combines the rate limit policies with the limiter settings
func (p *Policy) LimiterConfig(rl RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Default: p.RateLimits.Default,
		Routes:  p.RateLimits.Routes,
		IdleTTL: rl.IdleTTL,
		Shards:  rl.Shards,
	}
}
