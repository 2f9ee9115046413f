package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/multierr"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/model"
	"github.com/dukerupert/licensebridge/internal/store"
	billingstripe "github.com/dukerupert/licensebridge/internal/stripe"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

// HandleLicenseNotification processes a license webhook notification. The
// notification carries only an event id; the event itself is re-fetched from
// the license provider before any field is trusted. A returned error means
// the delivery should be retried by the provider.
func (e *Engine) HandleLicenseNotification(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return apperr.Validation("event id is required")
	}
	logger := e.logger.With("stream", "license", "event_id", eventID)

	ev, err := e.licenses.GetWebhookEvent(ctx, eventID)
	if err != nil {
		if isRejection(err) {
			logger.Info("event not confirmed by license provider, ignoring", "error", err)
			return nil
		}
		return apperr.Internal("fetch license event", err)
	}
	logger = logger.With("event_type", ev.Event)

	claimed, err := e.ledger.Begin(model.ProviderKeygen, ev.ID, ev.Event)
	if errors.Is(err, store.ErrEventInFlight) {
		return apperr.Internal("license event in flight", err)
	}
	if err != nil {
		return apperr.Internal("claim license event", err)
	}
	if !claimed {
		logger.Debug("event already processed")
		return nil
	}

	if err := e.applyLicenseEvent(ctx, ev); err != nil {
		logger.Error("license event failed", "error", err)
		if ferr := e.ledger.Fail(model.ProviderKeygen, ev.ID, err); ferr != nil {
			logger.Warn("record failed event", "error", ferr)
		}
		return apperr.Internal("reconcile license event", err)
	}
	if err := e.ledger.Complete(model.ProviderKeygen, ev.ID); err != nil {
		logger.Warn("complete event", "error", err)
	}
	return nil
}

func (e *Engine) applyLicenseEvent(ctx context.Context, ev *keygen.WebhookEvent) error {
	switch ev.Event {
	case "user.created":
		u, err := keygen.DecodeUserPayload(ev.Payload)
		if err != nil {
			// Redelivering the same authoritative payload cannot fix it.
			e.logger.Error("undecodable license account payload", "event_id", ev.ID, "error", err)
			return nil
		}
		return e.linkLicenseAccount(ctx, u)
	case "license.created", "license.validated", "license.invalidated":
		e.logger.Info("license event", "event_id", ev.ID, "event_type", ev.Event, "license_id", keygen.DecodeResourceID(ev.Payload))
		return nil
	default:
		e.logger.Debug("ignoring license event", "event_id", ev.ID, "event_type", ev.Event)
		return nil
	}
}

// linkLicenseAccount completes the cross-references for a new license
// account. Both side effects are always attempted.
func (e *Engine) linkLicenseAccount(ctx context.Context, u *keygen.User) error {
	authID := u.MetadataString(keygen.MetaAuthAccountID)
	if authID == "" {
		link, err := e.links.GetByLicenseAccountID(u.ID)
		if err != nil {
			e.logger.Warn("lookup link by license account", "license_account_id", u.ID, "error", err)
		}
		if link != nil {
			authID = link.AuthAccountID
		}
	}

	var errs error
	if authID != "" {
		errs = multierr.Append(errs, e.linkAuthAccount(ctx, authID, u.ID))
	}
	errs = multierr.Append(errs, e.linkPaymentCustomer(ctx, u, authID))
	return errs
}

func (e *Engine) linkAuthAccount(ctx context.Context, authID, licenseID string) error {
	if _, err := e.auth.UpdateUserMetadata(ctx, authID, map[string]any{
		supabase.MetaLicenseUserID: licenseID,
	}); err != nil {
		return fmt.Errorf("link auth account: %w", err)
	}
	if err := e.links.SetLicenseAccount(authID, licenseID); err != nil {
		e.logger.Warn("record license account link", "auth_account_id", authID, "license_account_id", licenseID, "error", err)
	}
	e.logger.Info("auth account linked", "auth_account_id", authID, "license_account_id", licenseID)
	return nil
}

func (e *Engine) linkPaymentCustomer(ctx context.Context, u *keygen.User, authID string) error {
	custID, err := e.findOrCreateCustomer(ctx, u, authID)
	if err != nil {
		return fmt.Errorf("payment customer: %w", err)
	}

	var errs error
	if u.MetadataString(keygen.MetaPaymentCustomerID) != custID {
		if _, err := e.licenses.UpdateUserMetadata(ctx, u.ID, map[string]any{
			keygen.MetaPaymentCustomerID: custID,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link license account: %w", err))
		}
	}
	if authID != "" {
		if _, err := e.auth.UpdateUserMetadata(ctx, authID, map[string]any{
			supabase.MetaPaymentCustomerID: custID,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link auth account to customer: %w", err))
		}
		if err := e.links.SetPaymentCustomer(authID, custID); err != nil {
			e.logger.Warn("record payment customer link", "auth_account_id", authID, "payment_customer_id", custID, "error", err)
		}
	}
	if errs == nil {
		e.logger.Info("payment customer linked", "license_account_id", u.ID, "payment_customer_id", custID)
	}
	return errs
}

// findOrCreateCustomer returns the account's payment customer, creating it
// only when no earlier attempt left one behind. Lookups go from cheapest to
// most expensive; the create itself carries an idempotency key derived from
// the license account so concurrent attempts converge on one customer.
func (e *Engine) findOrCreateCustomer(ctx context.Context, u *keygen.User, authID string) (string, error) {
	if id := u.MetadataString(keygen.MetaPaymentCustomerID); id != "" {
		return id, nil
	}

	link, err := e.links.GetByLicenseAccountID(u.ID)
	if err != nil {
		e.logger.Warn("lookup link by license account", "license_account_id", u.ID, "error", err)
	}
	if id := link.PaymentCustomer(); id != "" {
		return id, nil
	}

	cust, err := e.payments.FindCustomerByMetadata(ctx, billingstripe.MetaLicenseAccountID, u.ID)
	if err != nil {
		return "", err
	}
	if cust != nil {
		return cust.ID, nil
	}

	meta := map[string]string{billingstripe.MetaLicenseAccountID: u.ID}
	if authID != "" {
		meta[billingstripe.MetaAuthAccountID] = authID
	}
	id, err := e.payments.CreateCustomer(ctx, billingstripe.CustomerParams{
		Email:          u.Email,
		Metadata:       meta,
		IdempotencyKey: "license-account-created/" + u.ID,
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("payment customer created", "payment_customer_id", id, "license_account_id", u.ID)
	return id, nil
}

// isRejection reports whether the license provider refused to confirm an
// event, as opposed to being unreachable.
func isRejection(err error) bool {
	ae, ok := apperr.As(err)
	return ok && ae.Kind == apperr.KindUpstream && !ae.Timeout &&
		ae.Status >= http.StatusBadRequest && ae.Status < http.StatusInternalServerError
}
