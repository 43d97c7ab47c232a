package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/repositories"
	"go.uber.org/zap"
)

const (
	auditColumns = "id, actor_id, action, resource_type, resource_id, origin_address, user_agent, details, occurred_at"

	// nine parameters per row keeps a full chunk well below the protocol limit of 65535
	maxRowsPerInsert = 1000

	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// PostgreSQL error codes that mean a concurrent writer created the partition first
const (
	pqDuplicateTable  = "42P07"
	pqUniqueViolation = "23505"
	pqDuplicateObject = "42710"
)

// AuditRepository implements the repositories.AuditRepository interface
// on a table partitioned by calendar month.
type AuditRepository struct {
	db     *DB
	tx     *sql.Tx // set by WithTx
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// EnsurePartition creates the partition holding month. Losing a creation
// race against another writer counts as success.
func (r *AuditRepository) EnsurePartition(ctx context.Context, month time.Time) error {
	start := models.PartitionStart(month)
	end := models.PartitionEnd(month)
	name := models.PartitionName(month)

	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF audit_events FOR VALUES FROM ('%s') TO ('%s')`,
		pq.QuoteIdentifier(name),
		start.Format(time.RFC3339),
		end.Format(time.RFC3339),
	)

	if _, err := r.executor(ctx).ExecContext(ctx, query); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqDuplicateTable, pqUniqueViolation, pqDuplicateObject:
				r.logger.Debug("audit partition created concurrently", zap.String("partition", name))
				return nil
			}
		}
		return fmt.Errorf("failed to create audit partition %s: %w", name, err)
	}

	r.logger.Debug("audit partition ensured", zap.String("partition", name))
	return nil
}

// AppendBatch inserts events into the partition for month in one
// transaction, preserving their order.
func (r *AuditRepository) AppendBatch(ctx context.Context, month time.Time, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := models.PartitionStart(month)
	for _, e := range events {
		if e == nil {
			return fmt.Errorf("nil audit event in batch")
		}
		if !e.Partition().Equal(start) {
			return fmt.Errorf("audit event %s occurred at %s, outside partition %s",
				e.ID, e.OccurredAt.Format(time.RFC3339), models.PartitionName(start))
		}
	}

	table := pq.QuoteIdentifier(models.PartitionName(start))
	insert := func(ctx context.Context) error {
		exec := r.executor(ctx)
		for offset := 0; offset < len(events); offset += maxRowsPerInsert {
			end := offset + maxRowsPerInsert
			if end > len(events) {
				end = len(events)
			}
			query, args := buildInsert(table, events[offset:end])
			if _, err := exec.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert audit events: %w", err)
			}
		}
		return nil
	}

	var err error
	if r.tx != nil {
		err = insert(ctx)
	} else {
		err = NewTransactionManager(r.db, r.logger).InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
			return insert(ctx)
		})
	}
	if err != nil {
		return err
	}

	r.logger.Debug("audit batch appended",
		zap.String("partition", models.PartitionName(start)),
		zap.Int("events", len(events)))
	return nil
}

// buildInsert renders a multi-row insert for events
func buildInsert(table string, events []*models.AuditEvent) (string, []interface{}) {
	const columns = 9

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (" + auditColumns + ") VALUES ")

	args := make([]interface{}, 0, len(events)*columns)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < columns; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*columns+c+1)
		}
		sb.WriteString(")")

		details := e.Details
		if len(details) == 0 {
			details = []byte(`{}`)
		}
		args = append(args,
			e.ID,
			e.ActorID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.OriginAddress,
			e.UserAgent,
			string(details),
			e.OccurredAt.UTC(),
		)
	}

	return sb.String(), args
}

// GetByActor retrieves audit events for an actor with pagination
func (r *AuditRepository) GetByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE actor_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2 OFFSET $3
	`

	return r.queryAuditEvents(ctx, query, actorID, clampLimit(limit), clampOffset(offset))
}

// GetByResource retrieves audit events for a resource with pagination
func (r *AuditRepository) GetByResource(ctx context.Context, resourceType string, resourceID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY occurred_at DESC, id
		LIMIT $3 OFFSET $4
	`

	return r.queryAuditEvents(ctx, query, resourceType, resourceID, clampLimit(limit), clampOffset(offset))
}

// GetByAction retrieves audit events by action
func (r *AuditRepository) GetByAction(ctx context.Context, action string, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE action = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2 OFFSET $3
	`

	return r.queryAuditEvents(ctx, query, action, clampLimit(limit), clampOffset(offset))
}

// GetByDateRange retrieves audit events with start <= occurred_at < end.
// Partition pruning limits the scan to the months the range touches.
func (r *AuditRepository) GetByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditEvent, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid date range: end %s is not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC, id
		LIMIT $3 OFFSET $4
	`

	return r.queryAuditEvents(ctx, query, start.UTC(), end.UTC(), clampLimit(limit), clampOffset(offset))
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	bound := &AuditRepository{
		db:     r.db,
		logger: r.logger,
	}
	if pgTx, ok := tx.(*Transaction); ok {
		bound.tx = pgTx.GetTx()
	}
	return bound
}

func (r *AuditRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

// queryAuditEvents is a helper method to query multiple audit events
func (r *AuditRepository) queryAuditEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEvent, error) {
	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		e := &models.AuditEvent{}
		var details []byte
		err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.Action,
			&e.ResourceType,
			&e.ResourceID,
			&e.OriginAddress,
			&e.UserAgent,
			&details,
			&e.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Details = details
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return events, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return limit
	}
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
