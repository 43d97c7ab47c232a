package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/traffic-control-plane/middleware"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services"
	"github.com/upb/traffic-control-plane/services/controlplane"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// AuditReader reads the audit trail
type AuditReader interface {
	GetByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)
}

// AuditTrailResponse is a page of audit events for one user
type AuditTrailResponse struct {
	UserID uuid.UUID            `json:"user_id"`
	Events []*models.AuditEvent `json:"events"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// AuditHandler handles audit trail HTTP requests
type AuditHandler struct {
	runner     Runner
	reader     AuditReader
	dependency string
	logger     *zap.Logger
}

// NewAuditHandler creates a new AuditHandler. Reads run under the breaker
// named by dependency.
func NewAuditHandler(runner Runner, reader AuditReader, dependency string, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		runner:     runner,
		reader:     reader,
		dependency: dependency,
		logger:     logger,
	}
}

// HandleUserTrail handles GET /api/v1/audit/users/{id}
func (h *AuditHandler) HandleUserTrail(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.ParseUUID(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	limit, offset, err := utils.ParsePagination(r.URL.Query())
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var events []*models.AuditEvent
	_, err = h.runner.Run(r.Context(), middleware.RequestFromHTTP(r), controlplane.Operation{
		Action:       models.AuditActionViewAuditTrail,
		ResourceType: ResourceAuditTrail,
		ResourceID:   &userID,
		Dependency:   h.dependency,
		Details:      map[string]interface{}{"limit": limit, "offset": offset},
		Call: func(ctx context.Context, _ map[string]bool) error {
			var err error
			events, err = h.reader.GetByActor(ctx, userID, limit, offset)
			return err
		},
	})
	if err != nil {
		if services.GetErrorType(err) == "" {
			err = services.WrapInternal("failed to read audit trail", err)
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	if events == nil {
		events = []*models.AuditEvent{}
	}
	_ = utils.WriteOK(w, AuditTrailResponse{
		UserID: userID,
		Events: events,
		Limit:  limit,
		Offset: offset,
	})
}
