// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	PolicyNoop    = "noop"
	PolicySuspend = "suspend"

	minSessionSecretLen = 32
)

// Config is built once in main and passed down explicitly.
type Config struct {
	Port      string `env:"PORT"       envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	DBPath    string `env:"DB_PATH"    envDefault:"bridge.db"`

	FrontendURL    string   `env:"FRONTEND_URL"    envDefault:"http://localhost:5173"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	Stripe   StripeConfig
	Keygen   KeygenConfig
	Supabase SupabaseConfig
	Session  SessionConfig

	VendorTimeout time.Duration `env:"VENDOR_TIMEOUT" envDefault:"10s"`
	LicensePolicy string        `env:"LICENSE_POLICY" envDefault:"noop"`
}

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	APIURL        string `env:"STRIPE_API_URL"`
}

type KeygenConfig struct {
	AccountID    string `env:"KEYGEN_ACCOUNT_ID"`
	PolicyID     string `env:"KEYGEN_POLICY_ID"`
	ProductToken string `env:"KEYGEN_PRODUCT_TOKEN"`
	APIURL       string `env:"KEYGEN_API_URL" envDefault:"https://api.keygen.sh"`
}

type SupabaseConfig struct {
	URL            string `env:"SUPABASE_URL"`
	AnonKey        string `env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
}

type SessionConfig struct {
	Secret string        `env:"SESSION_SECRET"`
	TTL    time.Duration `env:"SESSION_TTL" envDefault:"1h"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.FrontendURL = strings.TrimRight(strings.TrimSpace(c.FrontendURL), "/")
	c.Keygen.APIURL = strings.TrimRight(strings.TrimSpace(c.Keygen.APIURL), "/")
	c.Supabase.URL = strings.TrimRight(strings.TrimSpace(c.Supabase.URL), "/")
	c.LicensePolicy = strings.ToLower(strings.TrimSpace(c.LicensePolicy))

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	if len(c.AllowedOrigins) == 0 && c.FrontendURL != "" {
		c.AllowedOrigins = []string{c.FrontendURL}
	}
	if c.Supabase.AnonKey == "" {
		c.Supabase.AnonKey = c.Supabase.ServiceRoleKey
	}
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"STRIPE_SECRET_KEY", c.Stripe.SecretKey},
		{"STRIPE_WEBHOOK_SECRET", c.Stripe.WebhookSecret},
		{"KEYGEN_ACCOUNT_ID", c.Keygen.AccountID},
		{"KEYGEN_POLICY_ID", c.Keygen.PolicyID},
		{"KEYGEN_PRODUCT_TOKEN", c.Keygen.ProductToken},
		{"SUPABASE_URL", c.Supabase.URL},
		{"SUPABASE_SERVICE_ROLE_KEY", c.Supabase.ServiceRoleKey},
		{"SESSION_SECRET", c.Session.Secret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < minSessionSecretLen {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLen))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.VendorTimeout <= 0 {
		errs = append(errs, errors.New("VENDOR_TIMEOUT must be positive"))
	}
	switch c.LicensePolicy {
	case PolicyNoop, PolicySuspend:
	default:
		errs = append(errs, fmt.Errorf("LICENSE_POLICY must be %q or %q", PolicyNoop, PolicySuspend))
	}
	return errors.Join(errs...)
}
