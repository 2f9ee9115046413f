// Package stripe wraps the payments provider SDK with the handful of calls
// the bridge needs. Every call is bounded by the configured timeout and is
// never retried by the SDK.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/licensebridge/internal/apperr"
)

const (
	provider = "stripe"

	// Customer metadata keys.
	MetaLicenseAccountID = "license_account_id"
	MetaAuthAccountID    = "auth_account_id"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// APIURL overrides the API base URL; tests point it at httptest.
	APIURL  string
	Timeout time.Duration
}

type Client struct {
	cfg Config
	api *client.API
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		base.URL = stripe.String(cfg.APIURL)
	}
	backend := func(t stripe.SupportedBackend) stripe.Backend {
		bc := base
		return stripe.GetBackendWithConfig(t, &bc)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     backend(stripe.APIBackend),
		Connect: backend(stripe.ConnectBackend),
		Uploads: backend(stripe.UploadsBackend),
	})
	return &Client{cfg: cfg, api: api}
}

// Customer is the subset of a payment customer the bridge reads.
type Customer struct {
	ID       string
	Email    string
	Deleted  bool
	Metadata map[string]string
}

// CustomerParams describes a customer to create. IdempotencyKey makes a
// repeated create with the same key return the original customer.
type CustomerParams struct {
	Email          string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// CreateCustomer creates a Stripe customer and returns the customer ID.
func (c *Client) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(p.Email),
		Metadata: p.Metadata,
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	cust, err := c.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", mapError(err))
	}
	return cust.ID, nil
}

// GetCustomer retrieves a customer. Deleted customers are returned with
// Deleted set rather than as an error.
func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe customer: %w", mapError(err))
	}
	return toCustomer(cust), nil
}

// FindCustomerByMetadata returns the first live customer whose metadata[key]
// equals value, or nil. Search results lag writes by up to a minute, so this
// complements rather than replaces idempotency keys.
func (c *Client) FindCustomerByMetadata(ctx context.Context, key, value string) (*Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", key, escapeQuery(value))
	params.Limit = stripe.Int64(10)
	params.Context = ctx

	iter := c.api.Customers.Search(params)
	for iter.Next() {
		cust := iter.Customer()
		if cust != nil && !cust.Deleted {
			return toCustomer(cust), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search stripe customers: %w", mapError(err))
	}
	return nil, nil
}

// CreateCheckoutSession creates a subscription checkout session for an
// existing customer and returns its URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID, email string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(c.cfg.SuccessURL),
		CancelURL:           stripe.String(c.cfg.CancelURL),
	}
	if email != "" {
		params.Metadata = map[string]string{"customer_email": email}
	}
	params.Context = ctx
	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", mapError(err))
	}
	return sess.URL, nil
}

// CreateBillingPortalSession creates a Stripe billing portal session and returns the URL.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", mapError(err))
	}
	return sess.URL, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, apperr.Signature(errors.New("missing signature header"))
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, apperr.Signature(err)
	}
	return event, nil
}

func toCustomer(cust *stripe.Customer) *Customer {
	return &Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Deleted:  cust.Deleted,
		Metadata: cust.Metadata,
	}
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

func mapError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Code)
		}
		return apperr.Upstream(provider, se.HTTPStatusCode, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.UpstreamTimeout(provider, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.UpstreamTimeout(provider, err)
	}
	return apperr.UpstreamTransport(provider, err)
}
