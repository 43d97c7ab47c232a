// Package controlplane composes the rate limiter, circuit breakers, feature
// flags and audit pipeline into the per-request decision sequence:
// admit, evaluate flags, call the dependency under its breaker, then audit.
//
// It is the only package that depends on all four components.
package controlplane

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/services/circuit"
	"github.com/upb/traffic-control-plane/services/flags"
	"github.com/upb/traffic-control-plane/services/ratelimit"
	"go.uber.org/zap"
)

// Limiter admits requests by token bucket
type Limiter interface {
	TryConsume(key ratelimit.Key, cost uint32) ratelimit.Decision
}

// Breakers runs calls under per-dependency circuit breakers
type Breakers interface {
	Execute(ctx context.Context, dependency string, fn func(context.Context) error, classify circuit.FailureClassifier) error
	Snapshots() []circuit.Snapshot
}

// FlagEvaluator answers feature flag checks
type FlagEvaluator interface {
	IsEnabled(name string, ctx flags.Context) bool
}

// Recorder accepts audit events without blocking
type Recorder interface {
	Record(event *models.AuditEvent) error
}

// Request is the caller-facing identity of one inbound operation
type Request struct {
	UserID        string            // authenticated subject, empty for anonymous callers
	ActorID       *uuid.UUID        // subject as a UUID when it parses as one
	OriginAddress string            // client address
	UserAgent     string            // may be empty
	Route         string            // rate limit route group
	RequestID     string            // correlation id
	Attributes    map[string]string // flag targeting attributes
}

// Principal is the rate limit identity: the user when known, otherwise the origin address
func (r Request) Principal() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.OriginAddress
}

// Key returns the token bucket key for the request
func (r Request) Key() ratelimit.Key {
	return ratelimit.Key{Principal: r.Principal(), Route: r.Route}
}

// FlagContext returns the flag evaluation context for the request
func (r Request) FlagContext() flags.Context {
	return flags.Context{
		UserID:        r.UserID,
		OriginAddress: r.OriginAddress,
		Attributes:    r.Attributes,
	}
}

// Operation describes the work a request performs
type Operation struct {
	Action       string // audit action, defaults to models.AuditActionRequest
	ResourceType string
	ResourceID   *uuid.UUID
	Cost         uint32   // tokens consumed, zero means one
	Flags        []string // flags evaluated before the call
	Dependency   string   // breaker guarding Call, empty for local work
	Classify     circuit.FailureClassifier
	Call         func(ctx context.Context, enabled map[string]bool) error
	Details      map[string]interface{} // extra audit details
}

func (op Operation) action() string {
	if op.Action == "" {
		return models.AuditActionRequest
	}
	return op.Action
}

// Outcome reports what happened to a request
type Outcome struct {
	Decision ratelimit.Decision
	Flags    map[string]bool
	Action   string // audit action recorded
}

// Components groups the collaborators of a Service
type Components struct {
	Limiter  Limiter
	Breakers Breakers
	Flags    FlagEvaluator
	Audit    Recorder
}

// Service is the control plane facade
type Service struct {
	limiter  Limiter
	breakers Breakers
	flags    FlagEvaluator
	audit    Recorder
	clock    clock.Clock
	logger   *zap.Logger
}

// NewService creates a new control plane service
func NewService(c Components, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		limiter:  c.Limiter,
		breakers: c.Breakers,
		flags:    c.Flags,
		audit:    c.Audit,
		clock:    clk,
		logger:   logger,
	}
}

// Admit takes cost tokens from the caller's bucket for the request's route.
// A rejection is audited and returned as a Rejected error carrying the
// retry-after hint together with the decision.
func (s *Service) Admit(ctx context.Context, req Request, cost uint32) (ratelimit.Decision, error) {
	return s.admit(req, Operation{Cost: cost})
}

func (s *Service) admit(req Request, op Operation) (ratelimit.Decision, error) {
	decision := s.limiter.TryConsume(req.Key(), op.Cost)
	if decision.Admitted {
		return decision, nil
	}

	retryAfter := decision.RetryAfter
	if decision.Unsatisfiable() {
		retryAfter = -1
	}
	s.logger.Debug("request rate limited",
		zap.String("route", req.Route),
		zap.String("principal", req.Principal()),
		zap.Duration("retry_after", decision.RetryAfter),
	)

	err := services.NewRateLimitedError(req.Route, retryAfter)
	s.Audit(s.event(req, op, models.AuditActionRateLimited, map[string]interface{}{
		"requested_action":    op.action(),
		"retry_after_seconds": services.RetryAfterSeconds(retryAfter),
	}))
	return decision, err
}

// Flag evaluates a single feature flag for the request
func (s *Service) Flag(name string, req Request) bool {
	return s.flags.IsEnabled(name, req.FlagContext())
}

// Call runs fn under the dependency's breaker. An open circuit returns a
// CircuitOpen error without calling fn. Cancellation after the permit was
// granted counts as a failure.
func (s *Service) Call(ctx context.Context, dependency string, fn func(context.Context) error, classify circuit.FailureClassifier) error {
	return s.breakers.Execute(ctx, dependency, fn, classify)
}

// Breakers returns a snapshot of every breaker
func (s *Service) Breakers() []circuit.Snapshot {
	return s.breakers.Snapshots()
}

// Audit hands an event to the audit pipeline. Drops are counted by the
// pipeline and never reported to the caller.
func (s *Service) Audit(event *models.AuditEvent) {
	if err := s.audit.Record(event); err != nil {
		s.logger.Debug("audit event not recorded", zap.String("action", event.Action), zap.Error(err))
	}
}

// Handle runs the full per-request sequence for op. Exactly one audit event
// is emitted whatever the outcome.
func (s *Service) Handle(ctx context.Context, req Request, op Operation) (Outcome, error) {
	decision, err := s.admit(req, op)
	if err != nil {
		return Outcome{Decision: decision, Action: models.AuditActionRateLimited}, err
	}

	outcome, err := s.Run(ctx, req, op)
	outcome.Decision = decision
	return outcome, err
}

// Run is Handle for a request that was already admitted: it evaluates the
// operation's flags, runs its call and audits the result.
func (s *Service) Run(ctx context.Context, req Request, op Operation) (Outcome, error) {
	action := op.action()

	outcome := Outcome{
		Decision: ratelimit.Decision{Admitted: true},
		Flags:    make(map[string]bool, len(op.Flags)),
	}
	for _, name := range op.Flags {
		outcome.Flags[name] = s.Flag(name, req)
	}

	err := s.run(ctx, op, outcome.Flags)
	details := map[string]interface{}{}
	switch {
	case err == nil:
		outcome.Action = action
	case services.IsCircuitOpenError(err):
		outcome.Action = models.AuditActionCircuitRejected
		details["requested_action"] = action
		details["dependency"] = op.Dependency
	default:
		outcome.Action = models.AuditActionDependencyFailure
		details["requested_action"] = action
		details["error"] = err.Error()
		if op.Dependency != "" {
			details["dependency"] = op.Dependency
		}
	}
	if len(outcome.Flags) > 0 {
		details["flags"] = outcome.Flags
	}

	s.Audit(s.event(req, op, outcome.Action, details))
	return outcome, err
}

func (s *Service) run(ctx context.Context, op Operation, enabled map[string]bool) error {
	if op.Call == nil {
		return nil
	}
	call := func(ctx context.Context) error {
		return op.Call(ctx, enabled)
	}
	if op.Dependency == "" {
		return call(ctx)
	}
	return s.Call(ctx, op.Dependency, call, op.Classify)
}

func (s *Service) event(req Request, op Operation, action string, details map[string]interface{}) *models.AuditEvent {
	resourceType := op.ResourceType
	if resourceType == "" {
		resourceType = req.Route
	}

	merged := make(map[string]interface{}, len(op.Details)+len(details)+1)
	for k, v := range op.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	if req.RequestID != "" {
		merged["request_id"] = req.RequestID
	}

	event := models.NewAuditEvent(action, resourceType, req.OriginAddress, s.clock.Now()).
		WithUserAgent(req.UserAgent).
		WithDetails(merged)
	if req.ActorID != nil {
		event.WithActor(*req.ActorID)
	}
	if op.ResourceID != nil {
		event.WithResource(*op.ResourceID)
	}
	return event
}
