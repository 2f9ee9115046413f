package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/billing"
	"github.com/dukerupert/licensebridge/internal/config"
	"github.com/dukerupert/licensebridge/internal/handler"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/middleware"
	"github.com/dukerupert/licensebridge/internal/readmodel"
	"github.com/dukerupert/licensebridge/internal/reconcile"
	"github.com/dukerupert/licensebridge/internal/session"
	"github.com/dukerupert/licensebridge/internal/store"
	billingstripe "github.com/dukerupert/licensebridge/internal/stripe"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

const (
	// eventLease is how long an unfinished webhook claim blocks redelivery.
	eventLease = 5 * time.Minute

	authRateLimit   = 10
	authRateWindow  = time.Minute
	hooksRateLimit  = 120
	hooksRateWindow = time.Minute
)

type Server struct {
	db          *sql.DB
	cfg         config.Config
	authSvc     *auth.Service
	authH       *handler.AuthHandler
	checkoutH   *handler.CheckoutHandler
	licenseH    *handler.LicenseHandler
	webhookH    *handler.WebhookHandler
	eventStore  *store.EventStore
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New wires the vendor clients, stores and services from cfg.
func New(db *sql.DB, cfg config.Config, logger *slog.Logger) (*Server, error) {
	linkStore := store.NewLinkStore(db)
	eventStore := store.NewEventStore(db, eventLease)

	stripeClient := billingstripe.NewClient(billingstripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.FrontendURL + "/dashboard?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     cfg.FrontendURL + "/dashboard?canceled=true",
		APIURL:        cfg.Stripe.APIURL,
		Timeout:       cfg.VendorTimeout,
	})
	keygenClient := keygen.NewClient(keygen.Config{
		BaseURL:      cfg.Keygen.APIURL,
		AccountID:    cfg.Keygen.AccountID,
		PolicyID:     cfg.Keygen.PolicyID,
		ProductToken: cfg.Keygen.ProductToken,
		Timeout:      cfg.VendorTimeout,
	})
	supabaseClient := supabase.NewClient(supabase.Config{
		URL:            cfg.Supabase.URL,
		AnonKey:        cfg.Supabase.AnonKey,
		ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
		Timeout:        cfg.VendorTimeout,
	})

	sessions, err := session.NewManager(cfg.Session.Secret, cfg.Session.TTL, time.Now)
	if err != nil {
		return nil, err
	}

	var policy reconcile.SubscriptionPolicy
	if cfg.LicensePolicy == config.PolicySuspend {
		policy = reconcile.NewLicenseActionPolicy(keygenClient, logger.With("component", "policy"))
	}
	engine := reconcile.New(reconcile.Config{
		Payments: stripeClient,
		Licenses: keygenClient,
		Auth:     supabaseClient,
		Links:    linkStore,
		Ledger:   eventStore,
		Policy:   policy,
		Logger:   logger,
	})

	authSvc := auth.NewService(supabaseClient, keygenClient, linkStore, sessions, logger.With("component", "auth"))
	billingSvc := billing.NewService(stripeClient, linkStore, cfg.FrontendURL+"/dashboard", logger)
	reader := readmodel.NewService(supabaseClient, keygenClient, logger)

	return &Server{
		db:          db,
		cfg:         cfg,
		authSvc:     authSvc,
		authH:       handler.NewAuthHandler(authSvc, reader, logger.With("component", "auth")),
		checkoutH:   handler.NewCheckoutHandler(billingSvc, logger.With("component", "checkout")),
		licenseH:    handler.NewLicenseHandler(reader, logger.With("component", "license")),
		webhookH:    handler.NewWebhookHandler(stripeClient, engine, logger.With("component", "webhook")),
		eventStore:  eventStore,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}, nil
}

// EventStore returns the webhook ledger for cleanup tasks.
func (s *Server) EventStore() *store.EventStore {
	return s.eventStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.HandleHealth(s.db.PingContext))

	// Credential routes are rate-limited per client address.
	authLimit := middleware.RateLimit(s.rateLimiter, "auth", middleware.RealIP, authRateLimit, authRateWindow)
	mux.Handle("POST /signup", authLimit(http.HandlerFunc(s.authH.SignUp)))
	mux.Handle("POST /signin", authLimit(http.HandlerFunc(s.authH.SignIn)))

	// Payment webhooks are authenticated by signature and always acknowledged,
	// so they are never rate-limited. License notifications carry only an id
	// that is re-fetched, and a 429 there is redelivered like any failure.
	mux.HandleFunc("POST /stripe-webhooks", s.webhookH.HandleStripeWebhook)
	hooksLimit := middleware.RateLimit(s.rateLimiter, "hooks", middleware.RealIP, hooksRateLimit, hooksRateWindow)
	mux.Handle("POST /keygen-webhooks", hooksLimit(http.HandlerFunc(s.webhookH.HandleKeygenWebhook)))

	authMw := middleware.RequireSession(s.authSvc)
	mux.Handle("POST /signout", authMw(http.HandlerFunc(s.authH.SignOut)))
	mux.Handle("GET /verify", authMw(http.HandlerFunc(s.authH.CurrentUser)))
	mux.Handle("GET /user", authMw(http.HandlerFunc(s.authH.CurrentUser)))
	mux.Handle("POST /create-checkout-session", authMw(http.HandlerFunc(s.checkoutH.CreateCheckoutSession)))
	mux.Handle("POST /create-customer-portal-session", authMw(http.HandlerFunc(s.checkoutH.BillingPortal)))
	mux.Handle("GET /api/v1/licenses/{userId}", authMw(http.HandlerFunc(s.licenseH.List)))
	mux.Handle("GET /api/v1/dashboard", authMw(http.HandlerFunc(s.licenseH.Dashboard)))

	var h http.Handler = mux
	h = middleware.CORS(s.cfg.AllowedOrigins)(h)
	h = middleware.RequestLogger(s.logger.With("component", "http"))(h)
	return h
}
