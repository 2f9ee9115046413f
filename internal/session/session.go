// Package session issues and verifies the signed, short-lived tokens that
// identify an auth account to protected routes. Tokens are never stored;
// they stop working only when they expire.
package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/dukerupert/licensebridge/internal/apperr"
)

const (
	issuer   = "licensebridge"
	hkdfInfo = "licensebridge session signing key v1"
)

// Claims is what a session token carries.
type Claims struct {
	Subject          string
	Email            string
	LicenseAccountID string
	LicenseToken     string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	ID               string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email            string `json:"email"`
	LicenseAccountID string `json:"lid,omitempty"`
	LicenseToken     string `json:"ltk,omitempty"`
}

// Issued is a freshly signed token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	TTL       time.Duration
}

type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewManager derives the HMAC key from secret. now may be nil.
func NewManager(secret string, ttl time.Duration, now func() time.Time) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return &Manager{key: key, ttl: ttl, now: now}, nil
}

// Issue signs a token for c. Subject is required; timestamps and ID are set here.
func (m *Manager) Issue(c Claims) (Issued, error) {
	if c.Subject == "" {
		return Issued{}, errors.New("session subject is required")
	}
	now := m.now().UTC().Truncate(time.Second)
	exp := now.Add(m.ttl)
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Email:            c.Email,
		LicenseAccountID: c.LicenseAccountID,
		LicenseToken:     c.LicenseToken,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(m.key)
	if err != nil {
		return Issued{}, fmt.Errorf("sign session: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: exp, TTL: m.ttl}, nil
}

// Verify checks signature and expiry. An absent or malformed token is a 401;
// a token that fails its signature or has expired is a 403.
func (m *Manager) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperr.Unauthorized("missing session token")
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if tc.Subject == "" {
		return Claims{}, apperr.Unauthorized("session token has no subject")
	}

	c := Claims{
		Subject:          tc.Subject,
		Email:            tc.Email,
		LicenseAccountID: tc.LicenseAccountID,
		LicenseToken:     tc.LicenseToken,
		ID:               tc.ID,
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Forbidden("session expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperr.Forbidden("invalid session signature")
	default:
		return apperr.Unauthorized("invalid session token")
	}
}
