// Package readmodel assembles the per-user views the frontend renders from
// live vendor reads.
package readmodel

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/session"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

type Users interface {
	GetUser(ctx context.Context, id string) (*supabase.User, error)
}

type Licenses interface {
	ListLicenses(ctx context.Context, userToken string) ([]keygen.License, error)
}

type Service struct {
	users    Users
	licenses Licenses
	logger   *slog.Logger
}

func NewService(users Users, licenses Licenses, logger *slog.Logger) *Service {
	return &Service{users: users, licenses: licenses, logger: logger.With("component", "readmodel")}
}

type Profile struct {
	User         *supabase.User `json:"user"`
	KeygenUserID string         `json:"keygenUserId"`
}

type Dashboard struct {
	User         *supabase.User   `json:"user"`
	KeygenUserID string           `json:"keygenUserId"`
	Licenses     []keygen.License `json:"licenses"`
}

// Licenses lists the caller's licenses. The result is never nil.
func (s *Service) Licenses(ctx context.Context, claims session.Claims) ([]keygen.License, error) {
	if claims.LicenseToken == "" {
		s.logger.Debug("session has no license token", "auth_account_id", claims.Subject)
		return []keygen.License{}, nil
	}
	licenses, err := s.licenses.ListLicenses(ctx, claims.LicenseToken)
	if err != nil {
		return nil, err
	}
	if licenses == nil {
		licenses = []keygen.License{}
	}
	return licenses, nil
}

// CurrentUser reads the caller's auth account fresh from the provider. An
// account deleted after the session was issued is an auth failure.
func (s *Service) CurrentUser(ctx context.Context, claims session.Claims) (*Profile, error) {
	u, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Unauthorized("account no longer exists")
		}
		return nil, err
	}
	id := u.MetadataString(supabase.MetaLicenseUserID)
	if id == "" {
		id = claims.LicenseAccountID
	}
	return &Profile{User: u, KeygenUserID: id}, nil
}

// Dashboard fetches the profile and license list concurrently.
func (s *Service) Dashboard(ctx context.Context, claims session.Claims) (*Dashboard, error) {
	var (
		profile  *Profile
		licenses []keygen.License
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.CurrentUser(ctx, claims)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		l, err := s.Licenses(ctx, claims)
		if err != nil {
			return fmt.Errorf("licenses: %w", err)
		}
		licenses = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Dashboard{User: profile.User, KeygenUserID: profile.KeygenUserID, Licenses: licenses}, nil
}
