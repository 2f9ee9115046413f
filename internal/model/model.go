package model

import "time"

// Link is the local cross-reference between one auth account and the license
// account and payment customer created for it. The vendors own the records;
// a Link only caches their ids for reverse lookups.
type Link struct {
	AuthAccountID     string    `json:"auth_account_id"`
	Email             string    `json:"email"`
	LicenseAccountID  *string   `json:"license_account_id"`
	PaymentCustomerID *string   `json:"payment_customer_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LicenseAccount returns the linked license account id or "".
func (l *Link) LicenseAccount() string {
	if l == nil || l.LicenseAccountID == nil {
		return ""
	}
	return *l.LicenseAccountID
}

// PaymentCustomer returns the linked payment customer id or "".
func (l *Link) PaymentCustomer() string {
	if l == nil || l.PaymentCustomerID == nil {
		return ""
	}
	return *l.PaymentCustomerID
}

const (
	ProviderStripe = "stripe"
	ProviderKeygen = "keygen"

	EventProcessing = "processing"
	EventDone       = "done"
)

// WebhookEvent records a vendor webhook delivery so redeliveries of an
// already-completed event are acknowledged without repeating side effects.
type WebhookEvent struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
