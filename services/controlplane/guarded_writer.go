package controlplane

import (
	"context"
	"time"

	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/repositories"
	"github.com/upb/traffic-control-plane/services/circuit"
)

// GuardedWriter runs audit store writes under a dependency's breaker so a
// failing database is not hammered by the audit drain's retries.
type GuardedWriter struct {
	next       repositories.AuditWriter
	breakers   Breakers
	dependency string
}

// NewGuardedWriter wraps next with the breaker for dependency
func NewGuardedWriter(next repositories.AuditWriter, breakers Breakers, dependency string) *GuardedWriter {
	return &GuardedWriter{next: next, breakers: breakers, dependency: dependency}
}

// EnsurePartition implements repositories.AuditWriter
func (w *GuardedWriter) EnsurePartition(ctx context.Context, month time.Time) error {
	return w.breakers.Execute(ctx, w.dependency, func(ctx context.Context) error {
		return w.next.EnsurePartition(ctx, month)
	}, circuit.AnyError)
}

// AppendBatch implements repositories.AuditWriter
func (w *GuardedWriter) AppendBatch(ctx context.Context, month time.Time, events []*models.AuditEvent) error {
	return w.breakers.Execute(ctx, w.dependency, func(ctx context.Context) error {
		return w.next.AppendBatch(ctx, month, events)
	}, circuit.AnyError)
}
