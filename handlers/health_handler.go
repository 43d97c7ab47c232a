package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/traffic-control-plane/services/audit"
	"github.com/upb/traffic-control-plane/services/circuit"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string             `json:"status"`
	Timestamp string             `json:"timestamp"`
	Checks    map[string]string  `json:"checks,omitempty"`
	Breakers  []circuit.Snapshot `json:"breakers,omitempty"`
	Audit     *audit.Stats       `json:"audit,omitempty"`
}

// BreakerReporter exposes circuit breaker state
type BreakerReporter interface {
	Breakers() []circuit.Snapshot
}

// AuditReporter exposes audit pipeline counters
type AuditReporter interface {
	Stats() audit.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	breakers BreakerReporter
	audit    AuditReporter
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. Any collaborator may be nil.
func NewHealthHandler(db *sql.DB, breakers BreakerReporter, audit AuditReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		breakers: breakers,
		audit:    audit,
		logger:   logger,
	}
}

// HandleHealth handles GET /health
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /health/ready
//
// The database and the audit drain must be up for the service to be ready.
// An open circuit only degrades readiness: breakers recover on their own and
// pulling the instance would not help.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := StatusHealthy

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = StatusUnhealthy
		status = StatusUnhealthy
	} else {
		checks["database"] = StatusHealthy
	}

	var stats *audit.Stats
	if h.audit != nil {
		s := h.audit.Stats()
		stats = &s
		if s.Running {
			checks["audit"] = StatusHealthy
		} else {
			checks["audit"] = StatusUnhealthy
			status = StatusUnhealthy
		}
	}

	var snapshots []circuit.Snapshot
	if h.breakers != nil {
		snapshots = h.breakers.Breakers()
		for _, s := range snapshots {
			checks["circuit:"+s.Dependency] = s.Phase
			if s.Phase != circuit.PhaseClosed.String() && status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	httpStatus := http.StatusOK
	if status == StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Breakers:  snapshots,
		Audit:     stats,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // No database configured
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
