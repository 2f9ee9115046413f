// Package reconcile keeps the payments, license and auth providers' records
// cross-referenced. It consumes both vendors' webhook streams.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/model"
	billingstripe "github.com/dukerupert/licensebridge/internal/stripe"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

// Payments is the slice of the payments client the engine uses.
type Payments interface {
	CreateCustomer(ctx context.Context, p billingstripe.CustomerParams) (string, error)
	GetCustomer(ctx context.Context, id string) (*billingstripe.Customer, error)
	FindCustomerByMetadata(ctx context.Context, key, value string) (*billingstripe.Customer, error)
}

// Licenses is the slice of the license client the engine uses.
type Licenses interface {
	GetWebhookEvent(ctx context.Context, id string) (*keygen.WebhookEvent, error)
	CreateLicense(ctx context.Context, p keygen.LicenseParams) (*keygen.License, error)
	ListLicensesForUser(ctx context.Context, userID string) ([]keygen.License, error)
	UpdateUserMetadata(ctx context.Context, id string, patch map[string]any) (*keygen.User, error)
}

// AuthAdmin writes auth account metadata.
type AuthAdmin interface {
	UpdateUserMetadata(ctx context.Context, id string, patch map[string]any) (*supabase.User, error)
}

type Links interface {
	GetByPaymentCustomerID(id string) (*model.Link, error)
	GetByLicenseAccountID(id string) (*model.Link, error)
	SetLicenseAccount(authAccountID, licenseAccountID string) error
	SetPaymentCustomer(authAccountID, paymentCustomerID string) error
}

// Ledger records processed webhook events.
type Ledger interface {
	Begin(provider, eventID, kind string) (bool, error)
	Complete(provider, eventID string) error
	Fail(provider, eventID string, cause error) error
}

type Engine struct {
	payments Payments
	licenses Licenses
	auth     AuthAdmin
	links    Links
	ledger   Ledger
	policy   SubscriptionPolicy
	logger   *slog.Logger
}

type Config struct {
	Payments Payments
	Licenses Licenses
	Auth     AuthAdmin
	Links    Links
	Ledger   Ledger
	// Policy handles subscription lifecycle transitions. Nil means NoopPolicy.
	Policy SubscriptionPolicy
	Logger *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reconcile")
	policy := cfg.Policy
	if policy == nil {
		policy = NewNoopPolicy(logger)
	}
	return &Engine{
		payments: cfg.Payments,
		licenses: cfg.Licenses,
		auth:     cfg.Auth,
		links:    cfg.Links,
		ledger:   cfg.Ledger,
		policy:   policy,
		logger:   logger,
	}
}
