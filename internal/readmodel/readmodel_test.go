package readmodel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/session"
	"github.com/dukerupert/licensebridge/internal/supabase"
)

type fakeUsers map[string]*supabase.User

func (f fakeUsers) GetUser(ctx context.Context, id string) (*supabase.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, apperr.Upstream("supabase", http.StatusNotFound, "User not found")
	}
	return u, nil
}

type fakeLicenses struct {
	byToken map[string][]keygen.License
	err     error
}

func (f *fakeLicenses) ListLicenses(ctx context.Context, token string) ([]keygen.License, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byToken[token], nil
}

func newTestService(users fakeUsers, licenses *fakeLicenses) *Service {
	return NewService(users, licenses, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLicensesNeverNil(t *testing.T) {
	svc := newTestService(fakeUsers{}, &fakeLicenses{byToken: map[string][]keygen.License{}})

	for _, claims := range []session.Claims{
		{Subject: "auth-1", LicenseToken: "tok"},
		{Subject: "auth-1"},
	} {
		got, err := svc.Licenses(context.Background(), claims)
		if err != nil {
			t.Fatalf("licenses: %v", err)
		}
		if got == nil {
			t.Errorf("licenses(%+v) = nil, want empty slice", claims)
		}
	}
}

func TestLicensesForToken(t *testing.T) {
	svc := newTestService(fakeUsers{}, &fakeLicenses{byToken: map[string][]keygen.License{
		"tok": {{ID: "L1", Key: "K-1", Status: "ACTIVE"}},
	}})

	got, err := svc.Licenses(context.Background(), session.Claims{LicenseToken: "tok"})
	if err != nil {
		t.Fatalf("licenses: %v", err)
	}
	if len(got) != 1 || got[0].Key != "K-1" {
		t.Errorf("licenses = %+v", got)
	}
}

func TestCurrentUser(t *testing.T) {
	svc := newTestService(fakeUsers{
		"auth-1": {ID: "auth-1", UserMetadata: map[string]any{supabase.MetaLicenseUserID: "lic-meta"}},
		"auth-2": {ID: "auth-2", UserMetadata: map[string]any{}},
	}, &fakeLicenses{})

	p, err := svc.CurrentUser(context.Background(), session.Claims{Subject: "auth-1", LicenseAccountID: "lic-claim"})
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if p.KeygenUserID != "lic-meta" {
		t.Errorf("keygenUserId = %q, want lic-meta", p.KeygenUserID)
	}

	p, err = svc.CurrentUser(context.Background(), session.Claims{Subject: "auth-2", LicenseAccountID: "lic-claim"})
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if p.KeygenUserID != "lic-claim" {
		t.Errorf("keygenUserId = %q, want lic-claim", p.KeygenUserID)
	}
}

func TestCurrentUserDeleted(t *testing.T) {
	svc := newTestService(fakeUsers{}, &fakeLicenses{})

	_, err := svc.CurrentUser(context.Background(), session.Claims{Subject: "gone"})
	if apperr.StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("err = %v, want 401", err)
	}
}

func TestDashboard(t *testing.T) {
	svc := newTestService(
		fakeUsers{"auth-1": {ID: "auth-1", Email: "alice@example.com"}},
		&fakeLicenses{byToken: map[string][]keygen.License{"tok": {{ID: "L1"}, {ID: "L2"}}}},
	)

	d, err := svc.Dashboard(context.Background(), session.Claims{Subject: "auth-1", LicenseAccountID: "lic-1", LicenseToken: "tok"})
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.User.Email != "alice@example.com" || d.KeygenUserID != "lic-1" || len(d.Licenses) != 2 {
		t.Errorf("dashboard = %+v", d)
	}
}

func TestDashboardPropagatesErrors(t *testing.T) {
	svc := newTestService(
		fakeUsers{"auth-1": {ID: "auth-1"}},
		&fakeLicenses{err: apperr.Upstream("keygen", http.StatusBadGateway, "bad gateway")},
	)

	_, err := svc.Dashboard(context.Background(), session.Claims{Subject: "auth-1", LicenseToken: "tok"})
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Errorf("err = %v, want upstream error", err)
	}
}
