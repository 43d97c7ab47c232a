package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/traffic-control-plane/middleware"
	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/services/controlplane"
	"github.com/upb/traffic-control-plane/utils"
	"go.uber.org/zap"
)

// Resource types recorded in audit events
const (
	ResourceFeatureFlag = "feature_flag"
	ResourceAuditTrail  = "audit_trail"
)

// Runner runs an admitted request through the control plane
type Runner interface {
	Run(ctx context.Context, req controlplane.Request, op controlplane.Operation) (controlplane.Outcome, error)
}

// FlagStore reads and updates feature flag definitions
type FlagStore interface {
	Get(name string) (models.FeatureFlag, error)
	List() []models.FeatureFlag
	Toggle(name string) (models.FeatureFlag, error)
}

// FlagView is a flag definition with its evaluation for the caller
type FlagView struct {
	models.FeatureFlag
	EnabledForCaller bool `json:"enabled_for_caller"`
}

// FlagCheckResponse is the result of evaluating one flag for the caller
type FlagCheckResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// FlagHandler handles feature flag HTTP requests
type FlagHandler struct {
	runner Runner
	store  FlagStore
	logger *zap.Logger
}

// NewFlagHandler creates a new FlagHandler
func NewFlagHandler(runner Runner, store FlagStore, logger *zap.Logger) *FlagHandler {
	return &FlagHandler{
		runner: runner,
		store:  store,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/flags
func (h *FlagHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	flags := h.store.List()
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.Name
	}

	outcome, err := h.runner.Run(r.Context(), middleware.RequestFromHTTP(r), controlplane.Operation{
		Action:       models.AuditActionListFeatureFlags,
		ResourceType: ResourceFeatureFlag,
		Flags:        names,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	views := make([]FlagView, len(flags))
	for i, f := range flags {
		views[i] = FlagView{FeatureFlag: f, EnabledForCaller: outcome.Flags[f.Name]}
	}
	_ = utils.WriteOK(w, views)
}

// HandleCheck handles GET /api/v1/flags/{name}
func (h *FlagHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.store.Get(name); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	outcome, err := h.runner.Run(r.Context(), middleware.RequestFromHTTP(r), controlplane.Operation{
		Action:       models.AuditActionCheckFeatureFlag,
		ResourceType: ResourceFeatureFlag,
		Flags:        []string{name},
		Details:      map[string]interface{}{"flag_name": name},
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, FlagCheckResponse{Name: name, Enabled: outcome.Flags[name]})
}

// HandleToggle handles POST /api/v1/flags/{name}/toggle
func (h *FlagHandler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.store.Get(name); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var toggled models.FeatureFlag
	details := map[string]interface{}{"flag_name": name}
	_, err := h.runner.Run(r.Context(), middleware.RequestFromHTTP(r), controlplane.Operation{
		Action:       models.AuditActionToggleFeatureFlag,
		ResourceType: ResourceFeatureFlag,
		Details:      details,
		Call: func(context.Context, map[string]bool) error {
			flag, err := h.store.Toggle(name)
			if err != nil {
				return err
			}
			toggled = flag
			details["new_state"] = flag.Enabled
			return nil
		},
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("feature flag toggled via api",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("flag_name", name),
		zap.Bool("enabled", toggled.Enabled))
	_ = utils.WriteOK(w, toggled)
}
