package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("KEYGEN_ACCOUNT_ID", "acct")
	t.Setenv("KEYGEN_POLICY_ID", "pol")
	t.Setenv("KEYGEN_PRODUCT_TOKEN", "prod-token")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-role")
	t.Setenv("SESSION_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("session ttl = %v, want 1h", cfg.Session.TTL)
	}
	if cfg.VendorTimeout != 10*time.Second {
		t.Errorf("vendor timeout = %v, want 10s", cfg.VendorTimeout)
	}
	if cfg.Supabase.URL != "https://example.supabase.co" {
		t.Errorf("supabase url = %q, want trailing slash trimmed", cfg.Supabase.URL)
	}
	if cfg.Supabase.AnonKey != "service-role" {
		t.Errorf("anon key = %q, want fallback to service role key", cfg.Supabase.AnonKey)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("allowed origins = %v, want frontend url", cfg.AllowedOrigins)
	}
	if cfg.LicensePolicy != PolicyNoop {
		t.Errorf("license policy = %q, want %q", cfg.LicensePolicy, PolicyNoop)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("allowed origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("SESSION_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "STRIPE_SECRET_KEY is required") {
		t.Errorf("error %q should name STRIPE_SECRET_KEY", msg)
	}
	if !strings.Contains(msg, "SESSION_SECRET must be at least") {
		t.Errorf("error %q should reject short secret", msg)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("LICENSE_POLICY", "revoke-everything")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
