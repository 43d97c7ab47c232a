package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known audit actions emitted by the control plane
const (
	AuditActionRequest           = "request"
	AuditActionRateLimited       = "rate_limited"
	AuditActionCircuitRejected   = "circuit_rejected"
	AuditActionDependencyFailure = "dependency_failure"
	AuditActionViewAuditTrail    = "view_audit_trail"
	AuditActionListFeatureFlags  = "list_feature_flags"
	AuditActionCheckFeatureFlag  = "check_feature_flag"
	AuditActionToggleFeatureFlag = "toggle_feature_flag"
)

// AuditEvent is a single append-only audit record.
// Once handed to the audit pipeline it must not be modified by the producer.
type AuditEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	ActorID       *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	Action        string          `json:"action" db:"action"`
	ResourceType  string          `json:"resource_type" db:"resource_type"`
	ResourceID    *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	OriginAddress string          `json:"origin_address" db:"origin_address"`
	UserAgent     *string         `json:"user_agent,omitempty" db:"user_agent"`
	Details       json.RawMessage `json:"details" db:"details"` // JSONB
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
}

// NewAuditEvent creates an event with a fresh ID and empty details
func NewAuditEvent(action, resourceType, originAddress string, occurredAt time.Time) *AuditEvent {
	return &AuditEvent{
		ID:            uuid.New(),
		Action:        action,
		ResourceType:  resourceType,
		OriginAddress: originAddress,
		Details:       json.RawMessage(`{}`),
		OccurredAt:    occurredAt.UTC(),
	}
}

// WithActor sets the acting identity
func (e *AuditEvent) WithActor(actorID uuid.UUID) *AuditEvent {
	e.ActorID = &actorID
	return e
}

// WithResource sets the resource ID
func (e *AuditEvent) WithResource(resourceID uuid.UUID) *AuditEvent {
	e.ResourceID = &resourceID
	return e
}

// WithUserAgent sets the user agent; empty strings are stored as NULL
func (e *AuditEvent) WithUserAgent(userAgent string) *AuditEvent {
	if userAgent != "" {
		e.UserAgent = &userAgent
	}
	return e
}

// WithDetails replaces the structured details.
// Values that cannot be marshalled leave the previous details untouched.
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// Partition returns the first instant of the calendar month (UTC) the event belongs to
func (e *AuditEvent) Partition() time.Time {
	return PartitionStart(e.OccurredAt)
}

// PartitionStart truncates t to the start of its calendar month in UTC
func PartitionStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionEnd returns the exclusive upper bound of the month partition containing t
func PartitionEnd(t time.Time) time.Time {
	return PartitionStart(t).AddDate(0, 1, 0)
}

// PartitionName returns the physical table name of the month partition containing t,
// e.g. audit_events_2024_01
func PartitionName(t time.Time) string {
	start := PartitionStart(t)
	return fmt.Sprintf("audit_events_%04d_%02d", start.Year(), int(start.Month()))
}
