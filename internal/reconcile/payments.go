package reconcile

import (
	"context"
	"encoding/json"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/model"
	"github.com/dukerupert/licensebridge/internal/store"
	billingstripe "github.com/dukerupert/licensebridge/internal/stripe"
)

// HandlePaymentEvent applies a verified payments event. It never fails: the
// caller acknowledges every verified delivery, and downstream failures are
// logged rather than retried through redelivery.
func (e *Engine) HandlePaymentEvent(ctx context.Context, event stripe.Event) {
	logger := e.logger.With("stream", "payments", "event_id", event.ID, "event_type", string(event.Type))

	claimed, err := e.ledger.Begin(model.ProviderStripe, event.ID, string(event.Type))
	switch {
	case errors.Is(err, store.ErrEventInFlight):
		logger.Info("event already in flight")
		return
	case err != nil:
		// The ledger is an optimization here; process anyway.
		logger.Warn("claim event", "error", err)
	case !claimed:
		logger.Debug("event already processed")
		return
	}

	err = e.applyPaymentEvent(ctx, event)
	if err != nil {
		logger.Error("payment event failed", "error", err)
	}
	// Payment events are never retried, so a failure still closes the row.
	if cerr := e.ledger.Complete(model.ProviderStripe, event.ID); cerr != nil {
		logger.Warn("complete event", "error", cerr)
	}
}

func (e *Engine) applyPaymentEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return e.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return e.applyPolicy(ctx, customerID(sub.Customer), sub.ID, e.policy.SubscriptionDeleted)
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		return e.applyPolicy(ctx, customerID(inv.Customer), invoiceSubscriptionID(inv), e.policy.PaymentFailed)
	case "invoice.payment_succeeded", "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		return e.applyPolicy(ctx, customerID(inv.Customer), invoiceSubscriptionID(inv), e.policy.PaymentSucceeded)
	default:
		e.logger.Debug("ignoring payment event", "event_type", string(event.Type))
		return nil
	}
}

func (e *Engine) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}
	custID := customerID(sess.Customer)
	var subID string
	if sess.Subscription != nil {
		subID = sess.Subscription.ID
	}
	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	if custID == "" {
		e.logger.Warn("checkout session has no customer", "session_id", sess.ID, "email", email)
		return nil
	}

	target := e.resolve(ctx, custID)
	if target.LicenseAccountID == "" {
		e.logger.Warn("checkout customer has no license account, issuing unassigned license", "payment_customer_id", custID)
	}

	// A redelivered checkout must not issue a second license.
	if target.LicenseAccountID != "" && subID != "" {
		existing, err := e.licenses.ListLicensesForUser(ctx, target.LicenseAccountID)
		if err != nil {
			return err
		}
		for _, l := range existing {
			if sub, _ := l.Metadata[keygen.MetaStripeSubscriptionID].(string); sub == subID {
				e.logger.Info("license already issued for subscription", "license_id", l.ID, "subscription_id", subID)
				return nil
			}
		}
	}

	lic, err := e.licenses.CreateLicense(ctx, keygen.LicenseParams{
		UserID: target.LicenseAccountID,
		Metadata: map[string]any{
			keygen.MetaStripeCustomerID:     custID,
			keygen.MetaStripeSubscriptionID: subID,
		},
	})
	if err != nil {
		return err
	}
	e.logger.Info("license provisioned",
		"license_id", lic.ID,
		"license_account_id", target.LicenseAccountID,
		"payment_customer_id", custID,
		"subscription_id", subID,
		"email", email,
	)
	return nil
}

func (e *Engine) applyPolicy(ctx context.Context, custID, subID string, transition func(context.Context, Target) error) error {
	if custID == "" {
		return nil
	}
	t := e.resolve(ctx, custID)
	t.SubscriptionID = subID
	if t.LicenseAccountID == "" {
		e.logger.Warn("no license account for payment customer", "payment_customer_id", custID)
		return nil
	}
	return transition(ctx, t)
}

// resolve finds the accounts linked to a payment customer, first through the
// local index and then through the customer's own metadata.
func (e *Engine) resolve(ctx context.Context, custID string) Target {
	t := Target{PaymentCustomerID: custID}

	link, err := e.links.GetByPaymentCustomerID(custID)
	if err != nil {
		e.logger.Warn("lookup link by payment customer", "payment_customer_id", custID, "error", err)
	}
	if link != nil {
		t.AuthAccountID = link.AuthAccountID
		t.LicenseAccountID = link.LicenseAccount()
	}
	if t.LicenseAccountID != "" {
		return t
	}

	cust, err := e.payments.GetCustomer(ctx, custID)
	if err != nil {
		e.logger.Warn("get payment customer", "payment_customer_id", custID, "error", err)
		return t
	}
	t.LicenseAccountID = cust.Metadata[billingstripe.MetaLicenseAccountID]
	if t.AuthAccountID == "" {
		t.AuthAccountID = cust.Metadata[billingstripe.MetaAuthAccountID]
	}
	return t
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// invoiceSubscriptionID extracts the subscription ID from an invoice's parent.
func invoiceSubscriptionID(inv stripe.Invoice) string {
	if inv.Parent != nil &&
		inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
