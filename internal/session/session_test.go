package session

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/licensebridge/internal/apperr"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T, c *clock) *Manager {
	t.Helper()
	m, err := NewManager(strings.Repeat("k", 32), time.Hour, c.now)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueAndVerify(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	m := newTestManager(t, c)

	issued, err := m.Issue(Claims{Subject: "auth-1", Email: "alice@example.com", LicenseAccountID: "lic-1", LicenseToken: "user-token"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !issued.ExpiresAt.Equal(c.t.Add(time.Hour)) {
		t.Errorf("expires at = %v, want %v", issued.ExpiresAt, c.t.Add(time.Hour))
	}

	claims, err := m.Verify(issued.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "auth-1" || claims.LicenseAccountID != "lic-1" || claims.LicenseToken != "user-token" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("expected a token id")
	}
}

func TestVerifyExpired(t *testing.T) {
	c := &clock{t: time.Now()}
	m := newTestManager(t, c)

	issued, _ := m.Issue(Claims{Subject: "auth-1"})
	c.t = c.t.Add(2 * time.Hour)

	_, err := m.Verify(issued.Token)
	if got := apperr.StatusOf(err); got != http.StatusForbidden {
		t.Errorf("status = %d, want 403 (err %v)", got, err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	c := &clock{t: time.Now()}
	m := newTestManager(t, c)
	other, _ := NewManager(strings.Repeat("x", 32), time.Hour, c.now)

	issued, _ := other.Issue(Claims{Subject: "auth-1"})
	_, err := m.Verify(issued.Token)
	if got := apperr.StatusOf(err); got != http.StatusForbidden {
		t.Errorf("status = %d, want 403 (err %v)", got, err)
	}
}

func TestVerifyMissingAndMalformed(t *testing.T) {
	m := newTestManager(t, &clock{t: time.Now()})

	if _, err := m.Verify(""); apperr.StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("empty token: err = %v, want 401", err)
	}
	if _, err := m.Verify("not-a-jwt"); apperr.StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("malformed token: err = %v, want 401", err)
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	m := newTestManager(t, &clock{t: time.Now()})
	if _, err := m.Issue(Claims{}); err == nil {
		t.Error("expected error without subject")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager("", time.Hour, nil); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewManager("secret", 0, nil); err == nil {
		t.Error("expected error for zero ttl")
	}
}
