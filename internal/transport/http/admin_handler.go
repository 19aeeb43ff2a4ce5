package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apiErrors "relaylic/internal/errors"
	"relaylic/internal/license"
	"relaylic/internal/middleware"
	"relaylic/internal/services"
	"relaylic/internal/store"
	"relaylic/pkg/contracts/domain"
)

// AdminHandler serves the bearer-token admin API.
type AdminHandler struct {
	service  services.LicensingService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(service services.LicensingService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "admin")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for admin endpoints. Authentication is
// applied by the caller so tests can exercise handlers directly.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/revoke", h.Revoke)
	r.Post("/restore", h.Restore)
	r.Post("/licenses", h.ImportLicense)
	r.Get("/licenses", h.ListLicenses)
	r.Get("/licenses/{licenseID}/installations", h.ListInstallations)
	return r
}

// ImportLicense handles POST /api/v1/admin/licenses: registering an
// issued key so it becomes revocable and installation-capped.
func (h *AdminHandler) ImportLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.ImportLicenseRequest{}
	if err := render.Decode(r, req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}

	summary, err := h.service.ImportLicense(ctx, req.LicenseKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license imported via admin API",
		slog.String("license_id", summary.LicenseID),
		slog.String("request_id", middleware.GetReqID(ctx)))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, summary)
}

// Revoke handles POST /api/v1/admin/revoke. Idempotent: revoking an
// already-revoked license is a no-op success.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.RevokeRequest{}
	if err := render.Decode(r, req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}

	if err := h.service.Revoke(ctx, req.LicenseID, req.Reason); err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"success":    true,
		"license_id": req.LicenseID,
		"revoked_at": time.Now().UTC(),
	})
}

// Restore handles POST /api/v1/admin/restore. Clears revocation; does
// not touch installation history.
func (h *AdminHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.RestoreRequest{}
	if err := render.Decode(r, req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}

	if err := h.service.Restore(ctx, req.LicenseID); err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"success":    true,
		"license_id": req.LicenseID,
	})
}

// ListLicenses handles GET /api/v1/admin/licenses.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	licenses, err := h.service.ListLicenses(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// ListInstallations handles GET /api/v1/admin/licenses/{licenseID}/installations
// with the exact active-window computation verify enforces.
func (h *AdminHandler) ListInstallations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	resp, err := h.service.ListInstallations(ctx, licenseID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, resp)
}

// handleError maps service errors onto API errors.
func (h *AdminHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	h.logger.ErrorContext(ctx, "admin request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(ctx)))

	switch {
	case errors.Is(err, store.ErrLicenseNotFound):
		render.Render(w, r, apiErrors.NotFoundError("license"))
	case errors.Is(err, store.ErrDuplicate):
		render.Render(w, r, apiErrors.NewWithDetails(http.StatusConflict, "DUPLICATE_LICENSE",
			"License is already registered", err.Error()))
	case errors.Is(err, license.ErrMalformedKey), errors.Is(err, license.ErrUnknownSchema),
		errors.Is(err, license.ErrInvalidSignature):
		render.Render(w, r, apiErrors.NewWithDetails(http.StatusBadRequest, license.ClassifyError(err),
			"License key rejected", err.Error()))
	default:
		render.Render(w, r, apiErrors.InternalError(err))
	}
}
