package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/readmodel"
	"github.com/dukerupert/licensebridge/internal/session"
)

type AuthService interface {
	SignUp(ctx context.Context, email, password string) (*auth.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error)
	SignOut(ctx context.Context, claims session.Claims) string
}

type Profiles interface {
	CurrentUser(ctx context.Context, claims session.Claims) (*readmodel.Profile, error)
}

type AuthHandler struct {
	auth     AuthService
	profiles Profiles
	logger   *slog.Logger
}

func NewAuthHandler(as AuthService, profiles Profiles, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: as, profiles: profiles, logger: logger}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": h.auth.SignOut(r.Context(), claims)})
}

// CurrentUser serves both GET /verify and GET /user.
func (h *AuthHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperr.Unauthorized("missing session"))
		return
	}
	p, err := h.profiles.CurrentUser(r.Context(), claims)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
