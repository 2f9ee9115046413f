package auth

import (
	"context"

	"github.com/dukerupert/licensebridge/internal/session"
)

type contextKey struct{}

func WithSession(ctx context.Context, c session.Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (session.Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(session.Claims)
	return c, ok
}

func AuthAccountID(ctx context.Context) string {
	c, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return c.Subject
}

func LicenseAccountID(ctx context.Context) string {
	c, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return c.LicenseAccountID
}
