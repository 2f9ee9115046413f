package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/session"
)

// Verifier checks a session token.
type Verifier interface {
	Verify(token string) (session.Claims, error)
}

// RequireSession validates the bearer token and stores its claims in the
// request context. A missing or malformed token is answered with 401, an
// expired or forged one with 403.
func RequireSession(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Verify(BearerToken(r))
			if err != nil {
				writeError(w, apperr.StatusOf(err), apperr.PublicMessage(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), claims)))
		})
	}
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
