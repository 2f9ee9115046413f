// Package billing creates hosted checkout and billing-portal sessions for an
// existing payment customer.
package billing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/model"
	billingstripe "github.com/dukerupert/licensebridge/internal/stripe"
)

type Payments interface {
	GetCustomer(ctx context.Context, id string) (*billingstripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, customerID, priceID, email string) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type Links interface {
	GetByAuthAccountID(id string) (*model.Link, error)
}

type Service struct {
	payments  Payments
	links     Links
	returnURL string
	logger    *slog.Logger
}

// NewService returns an orchestrator. returnURL is where the billing portal
// sends the user back to when the caller does not name one.
func NewService(payments Payments, links Links, returnURL string, logger *slog.Logger) *Service {
	return &Service{
		payments:  payments,
		links:     links,
		returnURL: returnURL,
		logger:    logger.With("component", "billing"),
	}
}

type CheckoutRequest struct {
	PriceID           string `json:"priceId"`
	CustomerEmail     string `json:"customerEmail"`
	PaymentCustomerID string `json:"stripeCustomerId"`
}

// CreateCheckoutSession returns the URL of a subscription checkout for an
// existing customer. It never creates a customer.
func (s *Service) CreateCheckoutSession(ctx context.Context, authAccountID string, req CheckoutRequest) (string, error) {
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.PaymentCustomerID = strings.TrimSpace(req.PaymentCustomerID)
	if req.PriceID == "" {
		return "", apperr.Validation("priceId is required")
	}
	if req.PaymentCustomerID == "" {
		return "", apperr.Validation("stripeCustomerId is required")
	}
	if err := s.checkOwnership(authAccountID, req.PaymentCustomerID); err != nil {
		return "", err
	}

	cust, err := s.payments.GetCustomer(ctx, req.PaymentCustomerID)
	if err != nil {
		return "", err
	}
	if cust.Deleted {
		return "", apperr.Validation("customer has been deleted")
	}

	email := req.CustomerEmail
	if email == "" {
		email = cust.Email
	}
	url, err := s.payments.CreateCheckoutSession(ctx, cust.ID, req.PriceID, email)
	if err != nil {
		return "", err
	}
	s.logger.Info("checkout session created", "auth_account_id", authAccountID, "payment_customer_id", cust.ID, "price_id", req.PriceID)
	return url, nil
}

// CreatePortalSession returns the URL of a billing-management session.
func (s *Service) CreatePortalSession(ctx context.Context, authAccountID, paymentCustomerID, returnURL string) (string, error) {
	paymentCustomerID = strings.TrimSpace(paymentCustomerID)
	if paymentCustomerID == "" {
		return "", apperr.Validation("stripeCustomerId is required")
	}
	if err := s.checkOwnership(authAccountID, paymentCustomerID); err != nil {
		return "", err
	}
	if returnURL == "" {
		returnURL = s.returnURL
	}
	return s.payments.CreateBillingPortalSession(ctx, paymentCustomerID, returnURL)
}

// checkOwnership refuses a customer id that the link index attributes to a
// different customer for this caller. An unknown caller is allowed through:
// the index may not have caught up yet.
func (s *Service) checkOwnership(authAccountID, paymentCustomerID string) error {
	if authAccountID == "" {
		return nil
	}
	link, err := s.links.GetByAuthAccountID(authAccountID)
	if err != nil {
		s.logger.Warn("lookup link", "auth_account_id", authAccountID, "error", err)
		return nil
	}
	if known := link.PaymentCustomer(); known != "" && known != paymentCustomerID {
		return apperr.Forbidden("customer does not belong to this account")
	}
	return nil
}
