package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/billing"
)

type Billing interface {
	CreateCheckoutSession(ctx context.Context, authAccountID string, req billing.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, authAccountID, paymentCustomerID, returnURL string) (string, error)
}

type CheckoutHandler struct {
	billing Billing
	logger  *slog.Logger
}

func NewCheckoutHandler(b Billing, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{billing: b, logger: logger}
}

// CreateCheckoutSession returns the hosted checkout URL for an existing customer.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	url, err := h.billing.CreateCheckoutSession(r.Context(), auth.AuthAccountID(r.Context()), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// BillingPortal returns a billing-portal URL for the caller's customer.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentCustomerID string `json:"stripeCustomerId"`
		ReturnURL         string `json:"returnUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	url, err := h.billing.CreatePortalSession(r.Context(), auth.AuthAccountID(r.Context()), req.PaymentCustomerID, req.ReturnURL)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
