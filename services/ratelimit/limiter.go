package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"go.uber.org/zap"
)

// RetryNever is the RetryAfter reported when a request can never be admitted,
// e.g. its cost exceeds the bucket capacity.
const RetryNever = time.Duration(math.MaxInt64)

// Key identifies one token bucket: a principal (user id or origin address)
// within a route group.
type Key struct {
	Principal string
	Route     string
}

// String returns a string representation of the key
func (k Key) String() string {
	return "route:" + k.Route + ":principal:" + k.Principal
}

// Decision is the outcome of a TryConsume call
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration // zero when admitted, RetryNever when unsatisfiable
	Remaining  float64       // tokens left after the call
	Limit      uint32        // bucket capacity
}

// Unsatisfiable reports whether the request can never be admitted
func (d Decision) Unsatisfiable() bool {
	return !d.Admitted && d.RetryAfter == RetryNever
}

// Metrics receives rate limiter observations
type Metrics interface {
	RecordRateLimitDecision(route string, admitted bool)
	SetRateLimitBuckets(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRateLimitDecision(string, bool) {}
func (nopMetrics) SetRateLimitBuckets(int)              {}

// Config holds configuration for the Limiter
type Config struct {
	Default models.RateLimitPolicy            // policy for routes without an explicit entry
	Routes  map[string]models.RateLimitPolicy // per route group
	IdleTTL time.Duration                     // buckets untouched for this long are evicted
	Shards  int                               // number of independently locked key shards
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Default: models.RateLimitPolicy{Capacity: 100, RefillRate: 10},
		IdleTTL: 10 * time.Minute,
		Shards:  64,
	}
}

// bucket is the mutable state behind one Key.
// All fields are guarded by mu.
type bucket struct {
	mu         sync.Mutex
	capacity   uint32
	refillRate float64
	tokens     float64
	lastRefill time.Time
	evicted    bool
}

// refill tops the bucket up for the time elapsed since lastRefill.
// Must be called with mu held.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.capacity), b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

type shard struct {
	mu      sync.RWMutex
	buckets map[Key]*bucket
}

// Limiter is a per-key token bucket admission controller.
//
// Keys are spread over shards; each shard map has its own lock and each
// bucket its own mutex, so distinct keys never serialize on a single lock and
// consumptions on the same key are linearizable.
type Limiter struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics Metrics
	config  Config
	shards  []*shard
}

// NewLimiter creates a new Limiter instance
func NewLimiter(cfg Config, clk clock.Clock, metrics Metrics, logger *zap.Logger) *Limiter {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[Key]*bucket)}
	}

	return &Limiter{
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		shards:  shards,
	}
}

// PolicyFor returns the policy applied to a route group
func (l *Limiter) PolicyFor(route string) models.RateLimitPolicy {
	if p, ok := l.config.Routes[route]; ok {
		return p
	}
	return l.config.Default
}

// Allow is TryConsume with a cost of one token
func (l *Limiter) Allow(key Key) Decision {
	return l.TryConsume(key, 1)
}

// TryConsume refills the bucket for key and takes cost tokens from it if
// enough are available. A cost of zero is treated as one. Consumed tokens are
// never refunded.
func (l *Limiter) TryConsume(key Key, cost uint32) Decision {
	if cost == 0 {
		cost = 1
	}
	policy := l.PolicyFor(key.Route)

	if cost > policy.Capacity {
		l.metrics.RecordRateLimitDecision(key.Route, false)
		return Decision{RetryAfter: RetryNever, Remaining: l.Peek(key), Limit: policy.Capacity}
	}

	for {
		b := l.getOrCreate(key, policy)
		b.mu.Lock()
		if b.evicted {
			// Lost a race with eviction; the key will be recreated.
			b.mu.Unlock()
			continue
		}
		decision := b.consume(l.clock.Now(), cost)
		b.mu.Unlock()

		l.metrics.RecordRateLimitDecision(key.Route, decision.Admitted)
		return decision
	}
}

// consume must be called with mu held
func (b *bucket) consume(now time.Time, cost uint32) Decision {
	b.refill(now)

	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return Decision{Admitted: true, Remaining: b.tokens, Limit: b.capacity}
	}

	if need > float64(b.capacity) || b.refillRate <= 0 {
		return Decision{RetryAfter: RetryNever, Remaining: b.tokens, Limit: b.capacity}
	}

	wait := (need - b.tokens) / b.refillRate
	return Decision{
		RetryAfter: time.Duration(math.Ceil(wait * float64(time.Second))),
		Remaining:  b.tokens,
		Limit:      b.capacity,
	}
}

// Peek returns the current token level for key without consuming. Unknown
// keys report a full bucket.
func (l *Limiter) Peek(key Key) float64 {
	s := l.shardFor(key)
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return float64(l.PolicyFor(key.Route).Capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.clock.Now())
	return b.tokens
}

// Len returns the number of live buckets
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

func (l *Limiter) shardFor(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Route))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Principal))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// getOrCreate lazily creates a full bucket on first observation of key
func (l *Limiter) getOrCreate(key Key, policy models.RateLimitPolicy) *bucket {
	s := l.shardFor(key)

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	b = &bucket{
		capacity:   policy.Capacity,
		refillRate: policy.RefillRate,
		tokens:     float64(policy.Capacity),
		lastRefill: l.clock.Now(),
	}
	s.buckets[key] = b
	return b
}

// EvictIdle removes buckets that have not been touched for IdleTTL.
// A bucket is only considered idle once it has refilled to capacity, since
// dropping a partially drained bucket would hand its key a fresh allowance.
func (l *Limiter) EvictIdle() int {
	if l.config.IdleTTL <= 0 {
		return 0
	}
	now := l.clock.Now()
	evicted := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			if now.Sub(b.lastRefill) >= l.config.IdleTTL {
				b.refill(now)
				if b.tokens >= float64(b.capacity) {
					b.evicted = true
					delete(s.buckets, key)
					evicted++
				}
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}

	l.metrics.SetRateLimitBuckets(l.Len())
	return evicted
}

// StartCleanupWorker periodically evicts idle buckets until ctx is cancelled
func (l *Limiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("idle_ttl", l.config.IdleTTL))

	for {
		select {
		case <-ticker.C:
			if n := l.EvictIdle(); n > 0 {
				l.logger.Debug("evicted idle rate limit buckets", zap.Int("evicted", n))
			}
		case <-ctx.Done():
			l.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

// Validate checks a policy set; returned errors name the offending route
func Validate(cfg Config) error {
	if err := validatePolicy("default", cfg.Default); err != nil {
		return err
	}
	for route, p := range cfg.Routes {
		if err := validatePolicy(route, p); err != nil {
			return err
		}
	}
	if cfg.IdleTTL < 0 {
		return fmt.Errorf("idle ttl must not be negative: %v", cfg.IdleTTL)
	}
	return nil
}

func validatePolicy(route string, p models.RateLimitPolicy) error {
	if p.Capacity == 0 {
		return fmt.Errorf("route %q: capacity must be greater than zero", route)
	}
	if p.RefillRate <= 0 || math.IsNaN(p.RefillRate) || math.IsInf(p.RefillRate, 0) {
		return fmt.Errorf("route %q: refill rate must be a positive number, got %v", route, p.RefillRate)
	}
	return nil
}
