package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/metrics"
	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/billing/processor"
	billingstripe "github.com/dukerupert/mapsheet/internal/billing/stripe"
)

// maxWebhookBody matches Stripe's documented payload ceiling with headroom.
const maxWebhookBody = 65536

// EventVerifier authenticates a raw delivery.
type EventVerifier interface {
	Verify(payload []byte, sigHeader string) (model.Event, error)
}

// EventProcessor applies a verified event.
type EventProcessor interface {
	Process(ctx context.Context, ev model.Event) (processor.Outcome, error)
}

type WebhookHandler struct {
	verifier  EventVerifier
	processor EventProcessor
	timeout   time.Duration
	logger    *slog.Logger
}

func NewWebhookHandler(v EventVerifier, p EventProcessor, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:  v,
		processor: p,
		timeout:   timeout,
		logger:    logger.With("component", "webhook"),
	}
}

// HandleStripeWebhook answers 400 only when the delivery cannot be
// authenticated, 200 for every acknowledged outcome, and 500 otherwise so
// Stripe retries. A signed body that does not decode is a 500.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.logger.Warn("webhook body too large", "limit", maxErr.Limit)
		}
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "unreadable").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, billingstripe.ErrInvalidSignature) {
		h.logger.Warn("webhook verification failed", "error", err, "remote", r.RemoteAddr)
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if err != nil {
		h.logger.Error("undecodable webhook event", "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "malformed").Inc()
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome, err := h.processor.Process(ctx, ev)
	metrics.WebhookRequestsTotal.WithLabelValues(ev.ProviderType, string(outcome)).Inc()
	metrics.WebhookDuration.WithLabelValues(ev.ProviderType).Observe(time.Since(start).Seconds())

	if err != nil || !outcome.Acknowledged() {
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  outcome,
	})
}
