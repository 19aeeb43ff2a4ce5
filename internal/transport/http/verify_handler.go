package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apiErrors "relaylic/internal/errors"
	"relaylic/internal/license"
	"relaylic/internal/middleware"
	"relaylic/internal/services"
	"relaylic/pkg/contracts/domain"
)

// VerifyHandler serves POST /api/v1/verify.
type VerifyHandler struct {
	service  services.LicensingService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewVerifyHandler creates the verify handler.
func NewVerifyHandler(service services.LicensingService, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "verify")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for the verify endpoint.
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Verify)
	return r
}

// Verify handles one check-in from a deployed instance.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	start := time.Now()

	ctx, span := otel.Tracer("verify-handler").Start(ctx, "verify_handler.verify",
		trace.WithAttributes(
			attribute.String("http.route", "/api/v1/verify"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	req := &domain.VerifyRequest{}
	if err := render.Decode(r, req); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "failed to decode verify request",
			slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "verify request failed validation",
			slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.InvalidRequestWithError(err))
		return
	}

	verdict, resp, err := h.service.Verify(ctx, req, remoteIP(r))
	latency := time.Since(start)
	span.SetAttributes(attribute.Int64("request.latency_ms", latency.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "verify failed",
			slog.String("error", err.Error()),
			slog.Duration("latency", latency))
		render.Render(w, r, apiErrors.InternalError(err))
		return
	}

	span.SetAttributes(
		attribute.Bool("license.valid", resp.Valid),
		attribute.String("license.id", resp.LicenseID),
	)
	h.logger.InfoContext(ctx, "verify completed",
		slog.String("license_id", resp.LicenseID),
		slog.String("key", license.MaskKey(req.LicenseKey)),
		slog.Bool("valid", resp.Valid),
		slog.Duration("latency", latency))

	switch verdict {
	case services.VerdictValid:
		render.Status(r, http.StatusOK)
	case services.VerdictRevoked, services.VerdictLimitExceeded:
		render.Status(r, http.StatusForbidden)
	case services.VerdictNotRegistered:
		render.Status(r, http.StatusNotFound)
	}
	render.JSON(w, r, resp)
}

// remoteIP strips the port from RemoteAddr, honoring X-Forwarded-For
// populated by chi's RealIP middleware upstream.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
