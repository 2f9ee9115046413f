package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/multierr"

	"github.com/dukerupert/licensebridge/internal/keygen"
)

// Target identifies the accounts a subscription event applies to.
type Target struct {
	PaymentCustomerID string
	SubscriptionID    string
	LicenseAccountID  string
	AuthAccountID     string
}

// SubscriptionPolicy decides what a subscription lifecycle change does to the
// account's licenses.
type SubscriptionPolicy interface {
	SubscriptionDeleted(ctx context.Context, t Target) error
	PaymentFailed(ctx context.Context, t Target) error
	PaymentSucceeded(ctx context.Context, t Target) error
}

// NoopPolicy only logs. Licenses follow whatever the license provider's own
// policy rules do with them.
type NoopPolicy struct {
	logger *slog.Logger
}

func NewNoopPolicy(logger *slog.Logger) *NoopPolicy {
	return &NoopPolicy{logger: logger}
}

func (p *NoopPolicy) SubscriptionDeleted(ctx context.Context, t Target) error {
	p.log("subscription deleted", t)
	return nil
}

func (p *NoopPolicy) PaymentFailed(ctx context.Context, t Target) error {
	p.log("invoice payment failed", t)
	return nil
}

func (p *NoopPolicy) PaymentSucceeded(ctx context.Context, t Target) error {
	p.log("invoice payment succeeded", t)
	return nil
}

func (p *NoopPolicy) log(msg string, t Target) {
	p.logger.Info(msg,
		"policy", "noop",
		"payment_customer_id", t.PaymentCustomerID,
		"subscription_id", t.SubscriptionID,
		"license_account_id", t.LicenseAccountID,
	)
}

// LicenseActions is the slice of the license client LicenseActionPolicy uses.
type LicenseActions interface {
	ListLicensesForUser(ctx context.Context, userID string) ([]keygen.License, error)
	SuspendLicense(ctx context.Context, id string) error
	ReinstateLicense(ctx context.Context, id string) error
}

// LicenseActionPolicy suspends an account's licenses when its subscription
// ends or a payment fails, and reinstates suspended ones when a payment
// succeeds. When the event names a subscription, only licenses issued for
// that subscription are touched.
type LicenseActionPolicy struct {
	licenses LicenseActions
	logger   *slog.Logger
}

func NewLicenseActionPolicy(licenses LicenseActions, logger *slog.Logger) *LicenseActionPolicy {
	return &LicenseActionPolicy{licenses: licenses, logger: logger}
}

func (p *LicenseActionPolicy) SubscriptionDeleted(ctx context.Context, t Target) error {
	return p.apply(ctx, t, "suspend", p.licenses.SuspendLicense, func(l keygen.License) bool {
		return !strings.EqualFold(l.Status, "SUSPENDED")
	})
}

func (p *LicenseActionPolicy) PaymentFailed(ctx context.Context, t Target) error {
	return p.SubscriptionDeleted(ctx, t)
}

func (p *LicenseActionPolicy) PaymentSucceeded(ctx context.Context, t Target) error {
	return p.apply(ctx, t, "reinstate", p.licenses.ReinstateLicense, func(l keygen.License) bool {
		return strings.EqualFold(l.Status, "SUSPENDED")
	})
}

func (p *LicenseActionPolicy) apply(ctx context.Context, t Target, action string, do func(context.Context, string) error, want func(keygen.License) bool) error {
	licenses, err := p.licenses.ListLicensesForUser(ctx, t.LicenseAccountID)
	if err != nil {
		return fmt.Errorf("list licenses: %w", err)
	}

	var errs error
	for _, l := range licenses {
		if t.SubscriptionID != "" {
			if sub, _ := l.Metadata[keygen.MetaStripeSubscriptionID].(string); sub != "" && sub != t.SubscriptionID {
				continue
			}
		}
		if !want(l) {
			continue
		}
		if err := do(ctx, l.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.logger.Info("license "+action, "license_id", l.ID, "license_account_id", t.LicenseAccountID)
	}
	return errs
}
