package circuit

import (
	"context"
	"sort"

	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"go.uber.org/zap"
)

// Registry holds one breaker per dependency. The set of dependencies is fixed
// when the registry is built.
type Registry struct {
	breakers map[string]*Breaker
	names    []string
}

// NewRegistry builds a breaker for each configured dependency
func NewRegistry(policies map[string]models.BreakerPolicy, clk clock.Clock, metrics Metrics, logger *zap.Logger) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(policies))}
	for name, policy := range policies {
		r.breakers[name] = NewBreaker(name, policy, clk, metrics, logger)
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// Get returns the breaker for a dependency
func (r *Registry) Get(dependency string) (*Breaker, bool) {
	b, ok := r.breakers[dependency]
	return b, ok
}

// Acquire asks the named dependency's breaker for a permit
func (r *Registry) Acquire(dependency string) (*Permit, error) {
	b, ok := r.breakers[dependency]
	if !ok {
		return nil, services.NewNotFoundError("dependency", dependency)
	}
	return b.Acquire()
}

// Execute runs fn under the named dependency's breaker
func (r *Registry) Execute(ctx context.Context, dependency string, fn func(context.Context) error, classify FailureClassifier) error {
	b, ok := r.breakers[dependency]
	if !ok {
		return services.NewNotFoundError("dependency", dependency)
	}
	return b.Execute(ctx, fn, classify)
}

// Names returns the dependency names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Snapshots returns the state of every breaker, sorted by dependency
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}

// ValidateAll checks every policy in a dependency set
func ValidateAll(policies map[string]models.BreakerPolicy) error {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := Validate(name, policies[name]); err != nil {
			return err
		}
	}
	return nil
}
