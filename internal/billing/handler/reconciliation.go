package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/mapsheet/internal/auth"
	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// ReconciliationQueue lists and closes events needing manual attention.
type ReconciliationQueue interface {
	ListOpen(ctx context.Context) ([]model.ReconciliationItem, error)
	Resolve(ctx context.Context, id int64) (bool, error)
}

type ReconciliationHandler struct {
	queue  ReconciliationQueue
	logger *slog.Logger
}

func NewReconciliationHandler(q ReconciliationQueue, logger *slog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{queue: q, logger: logger.With("component", "reconciliation_api")}
}

// List handles GET /api/reconciliation.
func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("list reconciliation items", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Resolve handles POST /api/reconciliation/{id}/resolve.
func (h *ReconciliationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	ok, err := h.queue.Resolve(r.Context(), id)
	if err != nil {
		h.logger.Error("resolve reconciliation item", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve item")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no open item with that id")
		return
	}
	h.logger.Info("reconciliation item resolved", "id", id, "service", auth.Service(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}
