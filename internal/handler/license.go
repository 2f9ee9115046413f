package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/licensebridge/internal/apperr"
	"github.com/dukerupert/licensebridge/internal/auth"
	"github.com/dukerupert/licensebridge/internal/keygen"
	"github.com/dukerupert/licensebridge/internal/readmodel"
	"github.com/dukerupert/licensebridge/internal/session"
)

type LicenseReader interface {
	Licenses(ctx context.Context, claims session.Claims) ([]keygen.License, error)
	Dashboard(ctx context.Context, claims session.Claims) (*readmodel.Dashboard, error)
}

type LicenseHandler struct {
	reader LicenseReader
	logger *slog.Logger
}

func NewLicenseHandler(reader LicenseReader, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{reader: reader, logger: logger}
}

// List serves GET /api/v1/licenses/{userId}. The path id must name the
// caller, by license account id, auth account id, or "me".
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperr.Unauthorized("missing session"))
		return
	}
	userID := r.PathValue("userId")
	if userID != "me" && userID != claims.Subject && (claims.LicenseAccountID == "" || userID != claims.LicenseAccountID) {
		writeError(w, r, h.logger, apperr.Forbidden("cannot list another user's licenses"))
		return
	}

	licenses, err := h.reader.Licenses(r.Context(), claims)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, licenses)
}

func (h *LicenseHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperr.Unauthorized("missing session"))
		return
	}
	d, err := h.reader.Dashboard(r.Context(), claims)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
