package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/licensebridge/internal/config"
	"github.com/dukerupert/licensebridge/internal/database"
	"github.com/dukerupert/licensebridge/internal/store"
)

const testWebhookSecret = "whsec_test"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Vendor URLs point nowhere unless a test overrides them.
	cfg := config.Config{
		FrontendURL:    "http://localhost:5173",
		AllowedOrigins: []string{"http://localhost:5173"},
		Stripe:         config.StripeConfig{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret, APIURL: "http://127.0.0.1:1"},
		Keygen:         config.KeygenConfig{AccountID: "acct", PolicyID: "pol", ProductToken: "prod", APIURL: "http://127.0.0.1:1"},
		Supabase:       config.SupabaseConfig{URL: "http://127.0.0.1:1", ServiceRoleKey: "service"},
		Session:        config.SessionConfig{Secret: strings.Repeat("s", 32), TTL: time.Hour},
		VendorTimeout:  time.Second,
		LicensePolicy:  config.PolicyNoop,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(db, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestRouter(t *testing.T) {
	router := newTestServer(t).Router()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/health", "", http.StatusOK},
		{"GET", "/user", "", http.StatusUnauthorized},
		{"GET", "/verify", "", http.StatusUnauthorized},
		{"POST", "/signout", "", http.StatusUnauthorized},
		{"POST", "/create-checkout-session", `{"priceId":"price_1"}`, http.StatusUnauthorized},
		{"GET", "/api/v1/licenses/me", "", http.StatusUnauthorized},
		{"GET", "/api/v1/dashboard", "", http.StatusUnauthorized},
		{"POST", "/signup", `{"email":"a@b.c","password":"123"}`, http.StatusBadRequest},
		{"POST", "/stripe-webhooks", `{"id":"evt_1"}`, http.StatusBadRequest},
		{"POST", "/keygen-webhooks", `{"data":{}}`, http.StatusBadRequest},
		{"GET", "/signup", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	router := newTestServer(t).Router()

	req := httptest.NewRequest("OPTIONS", "/signin", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestRouterRateLimitsSignIn(t *testing.T) {
	router := newTestServer(t).Router()

	var last int
	for i := 0; i < authRateLimit+1; i++ {
		req := httptest.NewRequest("POST", "/signin", strings.NewReader(`{}`))
		req.RemoteAddr = "10.0.0.9:5555"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status after limit = %d, want %d", last, http.StatusTooManyRequests)
	}
}

func TestRouterNeverRateLimitsSignedPaymentWebhooks(t *testing.T) {
	router := newTestServer(t).Router()

	codes := map[int]int{}
	for i := 0; i < hooksRateLimit+10; i++ {
		req := signedRequest(t, fmt.Sprintf(`{"id":"evt_%d","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`, i))
		req.RemoteAddr = "10.0.0.7:443"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes[rec.Code]++
	}

	if codes[http.StatusOK] != hooksRateLimit+10 {
		t.Errorf("status counts = %v, want all %d", codes, http.StatusOK)
	}
}

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest("POST", "/stripe-webhooks", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestRouterAcksCheckoutWhenLicenseCreationFails(t *testing.T) {
	var creates atomic.Int32
	keygenAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acct/licenses" {
			t.Errorf("path = %q", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"data":[],"links":{"next":null}}`)
		case http.MethodPost:
			creates.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"errors":[{"title":"Internal server error"}]}`)
		}
	}))
	t.Cleanup(keygenAPI.Close)

	srv := newTestServerWith(t, func(cfg *config.Config) {
		cfg.Keygen.APIURL = keygenAPI.URL
	})
	links := store.NewLinkStore(srv.db)
	if err := links.SetLicenseAccount("auth-1", "lic-user-1"); err != nil {
		t.Fatalf("set license account: %v", err)
	}
	if err := links.SetPaymentCustomer("auth-1", "cus_1"); err != nil {
		t.Fatalf("set payment customer: %v", err)
	}

	req := signedRequest(t, `{"id":"evt_co","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","customer":"cus_1","subscription":"sub_1"}}}`)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if n := creates.Load(); n != 1 {
		t.Errorf("license creates = %d, want 1", n)
	}
	ev, err := srv.EventStore().Get("stripe", "evt_co")
	if err != nil || ev == nil || ev.Status != "done" {
		t.Errorf("ledger row = %+v, err = %v", ev, err)
	}
}
