package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/session"
)

func newTestManager(t *testing.T, now *time.Time) *session.Manager {
	t.Helper()
	m, err := session.NewManager(strings.Repeat("k", 32), time.Hour, func() time.Time { return *now })
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestRequireSession(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, &now)
	issued, err := m.Issue(session.Claims{Subject: "auth-1", LicenseAccountID: "lic-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var gotSubject string
	handler := RequireSession(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = auth.AuthAccountID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/user", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotSubject != "auth-1" {
		t.Errorf("subject = %q, want %q", gotSubject, "auth-1")
	}
}

func TestRequireSessionRejects(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, &now)
	issued, err := m.Issue(session.Claims{Subject: "auth-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	forged, err := session.NewManager(strings.Repeat("x", 32), time.Hour, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	forgedToken, _ := forged.Issue(session.Claims{Subject: "auth-1"})

	handler := RequireSession(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	tests := []struct {
		name   string
		header string
		later  time.Duration
		want   int
	}{
		{"missing", "", 0, http.StatusUnauthorized},
		{"wrong scheme", "Basic " + issued.Token, 0, http.StatusUnauthorized},
		{"malformed", "Bearer not-a-token", 0, http.StatusUnauthorized},
		{"forged", "Bearer " + forgedToken.Token, 0, http.StatusForbidden},
		{"expired", "Bearer " + issued.Token, 2 * time.Hour, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := now
			now = now.Add(tt.later)
			defer func() { now = saved }()

			req := httptest.NewRequest("GET", "/user", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("body = %v, err = %v, want error message", body, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header, want string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Token abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", tt.header)
		if got := BearerToken(req); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
