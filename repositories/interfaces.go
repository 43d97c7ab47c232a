package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/traffic-control-plane/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditWriter is the append-only side of the audit store.
// Months are identified by their first instant in UTC.
type AuditWriter interface {
	// EnsurePartition creates the partition for month if it does not exist.
	// Concurrent calls for the same month must all succeed.
	EnsurePartition(ctx context.Context, month time.Time) error

	// AppendBatch appends events, all of which occurred in month, preserving order
	AppendBatch(ctx context.Context, month time.Time, events []*models.AuditEvent) error
}

// AuditRepository handles audit event persistence and lookups
type AuditRepository interface {
	AuditWriter

	// GetByActor retrieves events for an actor, newest first
	GetByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)

	// GetByResource retrieves events for a resource, newest first
	GetByResource(ctx context.Context, resourceType string, resourceID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)

	// GetByAction retrieves events by action, newest first
	GetByAction(ctx context.Context, action string, limit, offset int) ([]*models.AuditEvent, error)

	// GetByDateRange retrieves events with start <= occurred_at < end, oldest first
	GetByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditEvent, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	AuditEvents AuditRepository
}
