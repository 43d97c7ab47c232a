// Package circuit isolates callers from failing downstream dependencies.
//
// A Breaker moves between Closed, Open and HalfOpen. Every call goes through
// Acquire, which hands out a Permit; the holder reports the call's outcome on
// the permit exactly once. All state changes for one dependency happen under
// that breaker's mutex, so concurrent callers see a single serial history and
// distinct dependencies never contend.
package circuit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"go.uber.org/zap"
)

// Phase is the breaker state
type Phase int32

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Metrics receives breaker observations
type Metrics interface {
	RecordCircuitTransition(dependency, from, to string)
	SetCircuitState(dependency string, phase int)
}

type nopMetrics struct{}

func (nopMetrics) RecordCircuitTransition(string, string, string) {}
func (nopMetrics) SetCircuitState(string, int)                    {}

// FailureClassifier decides whether an error returned by a protected call
// counts against the dependency. Callers choose, e.g. to ignore client errors.
type FailureClassifier func(error) bool

// AnyError counts every non-nil error as a failure
func AnyError(err error) bool {
	return err != nil
}

// Snapshot is a read-only view of a breaker
type Snapshot struct {
	Dependency      string     `json:"dependency"`
	Phase           string     `json:"phase"`
	Failures        uint32     `json:"failures"`
	Requests        uint32     `json:"requests"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	ProbesRemaining uint32     `json:"probes_remaining"`
}

// Breaker guards a single dependency
type Breaker struct {
	name    string
	policy  models.BreakerPolicy
	clock   clock.Clock
	metrics Metrics
	logger  *zap.Logger

	mu              sync.Mutex
	phase           Phase
	generation      uint64
	window          slidingWindow
	openedAt        time.Time
	probesRemaining uint32
	probeSuccesses  uint32
}

// NewBreaker creates a closed breaker for a dependency
func NewBreaker(name string, policy models.BreakerPolicy, clk clock.Clock, metrics Metrics, logger *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.SuccessesToClose == 0 {
		policy.SuccessesToClose = policy.HalfOpenProbes
	}

	b := &Breaker{
		name:    name,
		policy:  policy,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With(zap.String("dependency", name)),
		window:  newSlidingWindow(policy.Window, clk.Now()),
	}
	metrics.SetCircuitState(name, int(PhaseClosed))
	return b
}

// Name returns the dependency name
func (b *Breaker) Name() string {
	return b.name
}

// Policy returns the breaker policy
func (b *Breaker) Policy() models.BreakerPolicy {
	return b.policy
}

// Acquire asks permission to call the dependency. It returns a CircuitOpen
// error while the circuit is open or while every half-open probe slot is
// taken. An open circuit whose cool-down has elapsed moves to HalfOpen here.
func (b *Breaker) Acquire() (*Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.phase == PhaseOpen {
		if now.Sub(b.openedAt) < b.policy.OpenDuration {
			return nil, services.NewCircuitOpenError(b.name)
		}
		b.transition(PhaseHalfOpen, now)
	}

	if b.phase == PhaseHalfOpen {
		if b.probesRemaining == 0 {
			return nil, services.NewCircuitOpenError(b.name)
		}
		b.probesRemaining--
		return &Permit{breaker: b, generation: b.generation, probe: true}, nil
	}

	return &Permit{breaker: b, generation: b.generation}, nil
}

// Execute runs fn under a permit. The outcome is a failure when classify
// reports the returned error as one, when ctx is done by the time fn returns,
// or when fn panics; the panic is re-raised after reporting.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, classify FailureClassifier) (err error) {
	if classify == nil {
		classify = AnyError
	}

	permit, err := b.Acquire()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			permit.RecordFailure()
			panic(r)
		}
	}()

	err = fn(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		permit.RecordFailure()
		if err == nil {
			err = ctxErr
		}
		return err
	}
	if err != nil && classify(err) {
		permit.RecordFailure()
		return err
	}
	permit.RecordSuccess()
	return err
}

// Snapshot returns the current breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures, requests := b.window.counts(b.clock.Now())
	s := Snapshot{
		Dependency:      b.name,
		Phase:           b.phase.String(),
		Failures:        failures,
		Requests:        requests,
		ProbesRemaining: b.probesRemaining,
	}
	if b.phase == PhaseOpen {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Phase returns the current phase without applying the Open cool-down
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Breaker) report(p *Permit, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// the circuit changed phase since the permit was issued
	if p.generation != b.generation {
		return
	}

	now := b.clock.Now()

	switch b.phase {
	case PhaseClosed:
		b.window.record(now, failed)
		if failed && b.tripped(now) {
			b.transition(PhaseOpen, now)
		}
	case PhaseHalfOpen:
		if failed {
			b.transition(PhaseOpen, now)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.policy.SuccessesToClose {
			b.transition(PhaseClosed, now)
			return
		}
		b.probesRemaining++
	}
}

// Must be called with mu held.
func (b *Breaker) tripped(now time.Time) bool {
	failures, requests := b.window.counts(now)
	if b.policy.FailureRate <= 0 {
		return failures >= b.policy.FailureThreshold
	}
	minimum := b.policy.MinimumRequests
	if minimum == 0 {
		minimum = 1
	}
	if requests < minimum {
		return false
	}
	return float64(failures)/float64(requests) >= b.policy.FailureRate
}

// Must be called with mu held.
func (b *Breaker) transition(to Phase, now time.Time) {
	from := b.phase
	b.phase = to
	b.generation++

	switch to {
	case PhaseOpen:
		b.openedAt = now
		b.probesRemaining = 0
	case PhaseHalfOpen:
		b.probesRemaining = b.policy.HalfOpenProbes
		b.probeSuccesses = 0
	case PhaseClosed:
		b.window.reset()
		b.probesRemaining = 0
	}

	b.metrics.RecordCircuitTransition(b.name, from.String(), to.String())
	b.metrics.SetCircuitState(b.name, int(to))

	failures, _ := b.window.counts(now)
	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	}
	if to == PhaseOpen {
		b.logger.Warn("circuit opened", append(fields, zap.Duration("open_duration", b.policy.OpenDuration))...)
		return
	}
	b.logger.Info("circuit transition", fields...)
}

// Permit is the right to make one call to a dependency
type Permit struct {
	breaker    *Breaker
	generation uint64
	probe      bool
	done       atomic.Bool
}

// IsProbe reports whether the permit was issued in HalfOpen
func (p *Permit) IsProbe() bool {
	return p.probe
}

// RecordSuccess reports a successful call. Only the first report counts.
func (p *Permit) RecordSuccess() {
	if p.done.CompareAndSwap(false, true) {
		p.breaker.report(p, false)
	}
}

// RecordFailure reports a failed call. Only the first report counts.
func (p *Permit) RecordFailure() {
	if p.done.CompareAndSwap(false, true) {
		p.breaker.report(p, true)
	}
}

// Validate checks a breaker policy
func Validate(name string, p models.BreakerPolicy) error {
	switch {
	case p.FailureThreshold == 0:
		return fmt.Errorf("dependency %q: failure threshold must be greater than zero", name)
	case math.IsNaN(p.FailureRate) || p.FailureRate < 0 || p.FailureRate > 1:
		return fmt.Errorf("dependency %q: failure rate must be within [0,1], got %v", name, p.FailureRate)
	case p.Window <= 0:
		return fmt.Errorf("dependency %q: window must be positive", name)
	case p.OpenDuration <= 0:
		return fmt.Errorf("dependency %q: open duration must be positive", name)
	case p.HalfOpenProbes == 0:
		return fmt.Errorf("dependency %q: half-open probe count must be greater than zero", name)
	}
	return nil
}
