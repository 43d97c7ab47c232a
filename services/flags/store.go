package flags

import (
	"fmt"
	"sort"
	"sync"

	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// Metrics receives flag evaluation results
type Metrics interface {
	RecordFlagEvaluation(flag string, enabled bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordFlagEvaluation(string, bool) {}

// DefaultFlags returns the flags every deployment starts with
func DefaultFlags() []models.FeatureFlag {
	return []models.FeatureFlag{
		{Name: "user_registration", Enabled: true, RolloutPercentage: 100},
		{
			Name:              "beta_features",
			Enabled:           false,
			RolloutPercentage: 10,
			Conditions:        map[string][]string{"user_tier": {"premium", "enterprise"}},
		},
		{Name: "advanced_analytics", Enabled: true, RolloutPercentage: 50},
	}
}

// Store holds the current flag definitions in memory.
// Readers always get copies, so evaluation never observes a partial update.
type Store struct {
	mu      sync.RWMutex
	flags   map[string]models.FeatureFlag
	clock   clock.Clock
	metrics Metrics
	logger  *zap.Logger
}

// NewStore creates a Store seeded with the given flags
func NewStore(initial []models.FeatureFlag, clk clock.Clock, metrics Metrics, logger *zap.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		flags:   make(map[string]models.FeatureFlag, len(initial)),
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
	for _, flag := range initial {
		if err := s.Set(flag); err != nil {
			return nil, err
		}
	}

	logger.Info("initialized feature flags", zap.Int("count", len(s.flags)))
	return s, nil
}

// Get returns a copy of the named flag
func (s *Store) Get(name string) (models.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[name]
	if !ok {
		return models.FeatureFlag{}, services.NewNotFoundError("feature_flag", name)
	}
	return flag.Clone(), nil
}

// Set validates and stores a flag, replacing any flag with the same name
func (s *Store) Set(flag models.FeatureFlag) error {
	if err := ValidateFlag(flag); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	flag = flag.Clone()
	flag.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.flags[flag.Name]; ok {
		flag.CreatedAt = existing.CreatedAt
	} else if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	s.flags[flag.Name] = flag
	return nil
}

// Delete removes a flag and reports whether it existed
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.flags[name]
	delete(s.flags, name)
	return ok
}

// List returns copies of all flags sorted by name
func (s *Store) List() []models.FeatureFlag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FeatureFlag, 0, len(s.flags))
	for _, flag := range s.flags {
		out = append(out, flag.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Toggle flips the enabled state of a flag and returns the updated copy
func (s *Store) Toggle(name string) (models.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[name]
	if !ok {
		return models.FeatureFlag{}, services.NewNotFoundError("feature_flag", name)
	}
	flag.Enabled = !flag.Enabled
	flag.UpdatedAt = s.clock.Now().UTC()
	s.flags[name] = flag

	s.logger.Info("feature flag toggled",
		zap.String("flag_name", name),
		zap.Bool("enabled", flag.Enabled))

	return flag.Clone(), nil
}

// IsEnabled evaluates the named flag for ctx. Unknown flags are off.
func (s *Store) IsEnabled(name string, ctx Context) bool {
	s.mu.RLock()
	flag, ok := s.flags[name]
	s.mu.RUnlock()

	enabled := ok && Evaluate(flag, ctx)
	s.metrics.RecordFlagEvaluation(name, enabled)
	return enabled
}

// ValidateFlag checks a flag definition
func ValidateFlag(flag models.FeatureFlag) error {
	if err := utils.ValidateStruct(flag); err != nil {
		return fmt.Errorf("feature flag %q: %w", flag.Name, err)
	}
	for key, allowed := range flag.Conditions {
		if len(allowed) == 0 {
			return fmt.Errorf("feature flag %q: condition %q has no allowed values", flag.Name, key)
		}
	}
	return nil
}
