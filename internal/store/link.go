package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/licensebridge/internal/model"
)

type LinkStore struct {
	db *sql.DB
}

func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{db: db}
}

func scanLink(scanner interface{ Scan(...any) error }) (*model.Link, error) {
	var l model.Link
	var licenseID, customerID sql.NullString
	err := scanner.Scan(&l.AuthAccountID, &l.Email, &licenseID, &customerID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if licenseID.Valid {
		l.LicenseAccountID = &licenseID.String
	}
	if customerID.Valid {
		l.PaymentCustomerID = &customerID.String
	}
	return &l, nil
}

const linkCols = `auth_account_id, email, license_account_id, payment_customer_id, created_at, updated_at`

// Ensure creates the link row for an auth account if it does not exist yet and
// records the email when one is given.
func (s *LinkStore) Ensure(authAccountID, email string) (*model.Link, error) {
	_, err := s.db.Exec(
		`INSERT INTO links (auth_account_id, email) VALUES (?, ?)
		 ON CONFLICT(auth_account_id) DO UPDATE SET
		   email = CASE WHEN excluded.email != '' THEN excluded.email ELSE links.email END,
		   updated_at = CURRENT_TIMESTAMP`,
		authAccountID, email,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure link: %w", err)
	}
	return s.GetByAuthAccountID(authAccountID)
}

// SetLicenseAccount records the license account for an auth account, creating
// the row if needed.
func (s *LinkStore) SetLicenseAccount(authAccountID, licenseAccountID string) error {
	_, err := s.db.Exec(
		`INSERT INTO links (auth_account_id, license_account_id) VALUES (?, ?)
		 ON CONFLICT(auth_account_id) DO UPDATE SET
		   license_account_id = excluded.license_account_id,
		   updated_at = CURRENT_TIMESTAMP`,
		authAccountID, licenseAccountID,
	)
	if err != nil {
		return fmt.Errorf("set license account: %w", err)
	}
	return nil
}

// SetPaymentCustomer records the payment customer for an auth account,
// creating the row if needed.
func (s *LinkStore) SetPaymentCustomer(authAccountID, paymentCustomerID string) error {
	_, err := s.db.Exec(
		`INSERT INTO links (auth_account_id, payment_customer_id) VALUES (?, ?)
		 ON CONFLICT(auth_account_id) DO UPDATE SET
		   payment_customer_id = excluded.payment_customer_id,
		   updated_at = CURRENT_TIMESTAMP`,
		authAccountID, paymentCustomerID,
	)
	if err != nil {
		return fmt.Errorf("set payment customer: %w", err)
	}
	return nil
}

func (s *LinkStore) GetByAuthAccountID(id string) (*model.Link, error) {
	return s.getOne(`auth_account_id`, id)
}

func (s *LinkStore) GetByLicenseAccountID(id string) (*model.Link, error) {
	return s.getOne(`license_account_id`, id)
}

func (s *LinkStore) GetByPaymentCustomerID(id string) (*model.Link, error) {
	return s.getOne(`payment_customer_id`, id)
}

// getOne returns nil, nil when no row matches. col is always a constant.
func (s *LinkStore) getOne(col, value string) (*model.Link, error) {
	row := s.db.QueryRow(`SELECT `+linkCols+` FROM links WHERE `+col+` = ?`, value)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get link by %s: %w", col, err)
	}
	return l, nil
}

func (s *LinkStore) Delete(authAccountID string) error {
	_, err := s.db.Exec(`DELETE FROM links WHERE auth_account_id = ?`, authAccountID)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}
