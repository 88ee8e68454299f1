package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/engine"
	"github.com/klikdeploy/backend/internal/middleware"
	"github.com/klikdeploy/backend/internal/models"
)

// Engine is the subset of the deployment engine served over HTTP.
type Engine interface {
	Classify(ctx context.Context, req *models.DeploymentRequest) (admission.Decision, error)
	Submit(ctx context.Context, req *models.DeploymentRequest) (engine.Result, error)
	Status(ctx context.Context, id string) (*models.DeploymentRequest, error)
	List(ctx context.Context, status string) ([]*models.DeploymentRequest, error)
	Cancel(ctx context.Context, id string) (*models.DeploymentRequest, error)
	LedgerSnapshot(ctx context.Context) (models.LedgerSnapshot, error)
	Requester(ctx context.Context, requester string) (engine.RequesterView, error)
	Deposit(ctx context.Context, requester string, amountGwei int64, reference string) (engine.CreditResult, error)
	TopUp(ctx context.Context, bucket string, amountGwei int64, reference, reason string) (engine.CreditResult, error)
}

// DeploymentHandler serves /v1 deployment endpoints.
type DeploymentHandler struct {
	Engine Engine
	Logger *slog.Logger
}

// SubmitDeployment handles POST /v1/deployments.
// EventBody (via middleware) -> Submit -> 202 queued, 200 decided, 409 rejected.
func (h *DeploymentHandler) SubmitDeployment(w http.ResponseWriter, r *http.Request) {
	ev, ok := middleware.EventFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing event"})
		return
	}
	res, err := h.Engine.Submit(r.Context(), ev.Request())
	if err != nil {
		h.writeEngineError(w, "submit deployment", err)
		return
	}
	switch {
	case res.Rejection != "":
		writeJSON(w, http.StatusConflict, res)
	case res.Accepted && res.Status == models.StatusQueued:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ClassifyDeployment handles POST /v1/deployments/classify. It has no side effects.
func (h *DeploymentHandler) ClassifyDeployment(w http.ResponseWriter, r *http.Request) {
	ev, ok := middleware.EventFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing event"})
		return
	}
	dec, err := h.Engine.Classify(r.Context(), ev.Request())
	if err != nil {
		h.writeEngineError(w, "classify deployment", err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// GetDeployment handles GET /v1/deployments/{id}.
func (h *DeploymentHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, "get deployment", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDeployments handles GET /v1/deployments?status=queued.
func (h *DeploymentHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.StatusQueued
	}
	list, err := h.Engine.List(r.Context(), status)
	if err != nil {
		h.writeEngineError(w, "list deployments", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelDeployment handles POST /v1/deployments/{id}/cancel.
func (h *DeploymentHandler) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.Engine.Cancel(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "cancel deployment", err)
		return
	}
	h.Logger.Info("deployment cancelled", "request_id", id, "operator", middleware.OperatorFromCtx(r.Context()))
	writeJSON(w, http.StatusOK, d)
}

// GetLedger handles GET /v1/ledger.
func (h *DeploymentHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.LedgerSnapshot(r.Context())
	if err != nil {
		h.writeEngineError(w, "ledger snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetRequester handles GET /v1/requesters/{id}.
func (h *DeploymentHandler) GetRequester(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.Requester(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, "requester view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *DeploymentHandler) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "deployment not found"})
	case errors.Is(err, engine.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
