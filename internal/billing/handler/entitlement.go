package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/mapsheet/internal/auth"
	"github.com/dukerupert/mapsheet/internal/billing/entitlement"
)

// Gate is the entitlement surface the handlers need.
type Gate interface {
	Check(ctx context.Context, customerID string, action entitlement.Action) (entitlement.Decision, error)
	Snapshot(ctx context.Context, customerID string) (entitlement.PlanState, error)
}

type EntitlementHandler struct {
	gate   Gate
	logger *slog.Logger
}

func NewEntitlementHandler(g Gate, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{gate: g, logger: logger.With("component", "entitlement_api")}
}

type checkRequest struct {
	CustomerID string             `json:"customer_id"`
	Action     entitlement.Action `json:"action"`
}

// Check handles POST /api/entitlements/check. A deny is a 200 with
// allowed=false.
func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		req.Action = entitlement.ActionGeneratePDF
	}

	d, err := h.gate.Check(r.Context(), req.CustomerID, req.Action)
	switch {
	case errors.Is(err, entitlement.ErrMissingCustomer):
		writeError(w, http.StatusBadRequest, "customer_id is required")
		return
	case errors.Is(err, entitlement.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	case err != nil:
		h.logger.Error("entitlement check", "customer_id", req.CustomerID, "service", auth.Service(r.Context()), "error", err)
		writeError(w, http.StatusServiceUnavailable, "entitlement check unavailable")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Plan handles GET /api/customers/{id}/plan.
func (h *EntitlementHandler) Plan(w http.ResponseWriter, r *http.Request) {
	st, err := h.gate.Snapshot(r.Context(), r.PathValue("id"))
	if errors.Is(err, entitlement.ErrMissingCustomer) {
		writeError(w, http.StatusBadRequest, "customer id is required")
		return
	}
	if err != nil {
		h.logger.Error("plan snapshot", "customer_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusServiceUnavailable, "plan state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
