package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/licensebridge/internal/apperr"
)

type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type Reconciler interface {
	HandlePaymentEvent(ctx context.Context, event stripe.Event)
	HandleLicenseNotification(ctx context.Context, eventID string) error
}

type WebhookHandler struct {
	verifier   EventVerifier
	reconciler Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(v EventVerifier, rec Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: v, reconciler: rec, logger: logger}
}

// HandleStripeWebhook verifies the signature over the raw body and then
// always acknowledges: downstream failures are the engine's to log.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("read body"))
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected payments webhook", "remote", r.RemoteAddr, "error", err)
		writeError(w, r, h.logger, err)
		return
	}

	// The vendor's own timeout must not cancel half-applied side effects.
	h.reconciler.HandlePaymentEvent(context.WithoutCancel(r.Context()), event)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// HandleKeygenWebhook takes the event id from the notification. A failure is
// answered with 500 so the license provider redelivers.
func (h *WebhookHandler) HandleKeygenWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.reconciler.HandleLicenseNotification(context.WithoutCancel(r.Context()), req.Data.ID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// HandleHealth reports liveness and whether the local index is reachable.
func HandleHealth(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
