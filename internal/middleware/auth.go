package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"relaylic/internal/infrastructure"
)

// AdminAuth requires Authorization: Bearer <token> with the configured
// admin credential on every admin route. A distinct credential from the
// customer-facing verify endpoint, which is intentionally
// unauthenticated. Token comparison is constant time.
func AdminAuth(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				logger.ErrorContext(ctx, "admin API disabled: no admin token configured")
				unauthorized(w, infrastructure.GetTraceID(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "admin request missing bearer token",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				unauthorized(w, infrastructure.GetTraceID(ctx))
				return
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.WarnContext(ctx, "admin request with invalid token",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				unauthorized(w, infrastructure.GetTraceID(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, traceID string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"trace_id":"` + traceID + `"}`
	w.Write([]byte(response))
}
