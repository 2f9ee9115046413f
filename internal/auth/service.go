// Package auth is the gateway between end users and the three vendors'
// identity records: it signs users up, signs them in against both the
// user-database and license providers, and issues session tokens.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/model"
	"github.com/dukerupert/licensebridge/internal/session"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

const MinPasswordLength = 6

type UserProvider interface {
	SignUp(ctx context.Context, email, password string) (*supabase.User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error)
}

type LicenseProvider interface {
	Authenticate(ctx context.Context, email, password string) (*keygen.Token, error)
	CreateUser(ctx context.Context, email, password string, metadata map[string]any) (*keygen.User, error)
}

type LinkStore interface {
	Ensure(authAccountID, email string) (*model.Link, error)
	SetLicenseAccount(authAccountID, licenseAccountID string) error
}

type Service struct {
	users    UserProvider
	licenses LicenseProvider
	links    LinkStore
	sessions *session.Manager
	logger   *slog.Logger
}

func NewService(users UserProvider, licenses LicenseProvider, links LinkStore, sessions *session.Manager, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		licenses: licenses,
		links:    links,
		sessions: sessions,
		logger:   logger,
	}
}

type SignUpResult struct {
	Message string         `json:"message"`
	User    *supabase.User `json:"user"`
}

type SessionInfo struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   int64  `json:"expires_at"`
}

type SignInResult struct {
	User    *supabase.User `json:"user"`
	Session SessionInfo    `json:"session"`
	Token   string         `json:"token"`
}

// SignUp creates the auth account and provisions its license account. A
// failed license provisioning is logged, not returned: the auth account
// already exists and linkage is completed later.
func (s *Service) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	user, err := s.users.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, apperr.Upstream("supabase", http.StatusBadGateway, "sign up returned no user id")
	}

	s.provisionLicenseAccount(ctx, user.ID, email, password)

	msg := "Check your email to confirm your account"
	if user.ConfirmedAt != nil || user.EmailConfirmedAt != nil {
		msg = "Account created"
	}
	return &SignUpResult{Message: msg, User: user}, nil
}

func (s *Service) provisionLicenseAccount(ctx context.Context, authID, email, password string) {
	link, err := s.links.Ensure(authID, email)
	if err != nil {
		s.logger.Error("ensure link", "auth_account_id", authID, "error", err)
	}
	if id := link.LicenseAccount(); id != "" {
		s.logger.Info("license account already provisioned", "auth_account_id", authID, "license_account_id", id)
		return
	}

	lu, err := s.licenses.CreateUser(ctx, email, password, map[string]any{
		keygen.MetaAuthAccountID: authID,
	})
	if err != nil {
		s.logger.Error("provision license account", "auth_account_id", authID, "error", err)
		return
	}
	if err := s.links.SetLicenseAccount(authID, lu.ID); err != nil {
		s.logger.Error("record license account link", "auth_account_id", authID, "license_account_id", lu.ID, "error", err)
	}
	s.logger.Info("license account provisioned", "auth_account_id", authID, "license_account_id", lu.ID)
}

// SignIn authenticates against both providers and issues a session token.
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	sess, err := s.users.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, rejectCredentials(err)
	}
	user := &sess.User

	tok, err := s.licenses.Authenticate(ctx, email, password)
	if err != nil {
		return nil, rejectCredentials(err)
	}

	licenseAccountID := tok.UserID
	if licenseAccountID == "" {
		licenseAccountID = user.MetadataString(supabase.MetaLicenseUserID)
	}
	if licenseAccountID != "" {
		if err := s.links.SetLicenseAccount(user.ID, licenseAccountID); err != nil {
			s.logger.Warn("record license account link", "auth_account_id", user.ID, "error", err)
		}
	}

	issued, err := s.sessions.Issue(session.Claims{
		Subject:          user.ID,
		Email:            user.Email,
		LicenseAccountID: licenseAccountID,
		LicenseToken:     tok.Token,
	})
	if err != nil {
		return nil, apperr.Internal("issue session", err)
	}

	return &SignInResult{
		User: user,
		Session: SessionInfo{
			AccessToken: issued.Token,
			TokenType:   "bearer",
			ExpiresIn:   int64(issued.TTL.Seconds()),
			ExpiresAt:   issued.ExpiresAt.Unix(),
		},
		Token: issued.Token,
	}, nil
}

// Verify checks a session token. It is stateless.
func (s *Service) Verify(token string) (session.Claims, error) {
	return s.sessions.Verify(token)
}

// SignOut changes no server state: tokens are not revocable, so signing out
// means the client discards its token.
func (s *Service) SignOut(ctx context.Context, claims session.Claims) string {
	s.logger.Debug("sign out", "auth_account_id", claims.Subject)
	return "Signed out"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" || password == "" {
		return apperr.Validation("email and password are required")
	}
	if !strings.Contains(email, "@") {
		return apperr.Validation("email is invalid")
	}
	if len(password) < MinPasswordLength {
		return apperr.Validation(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// rejectCredentials turns a vendor's 4xx answer to a credential check into a
// 401. Vendor outages stay upstream errors.
func rejectCredentials(err error) error {
	e, ok := apperr.As(err)
	if ok && e.Kind == apperr.KindUpstream && !e.Timeout && e.Status >= 400 && e.Status < 500 {
		msg := e.Detail
		if msg == "" {
			msg = "invalid credentials"
		}
		return &apperr.Error{Kind: apperr.KindAuth, Status: http.StatusUnauthorized, Message: msg, Err: err}
	}
	return err
}
