package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type principalKey struct{}

// WithPrincipal stores the authenticated subject in the context.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// PrincipalFromContext extracts the authenticated subject from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(principalKey{}).(string)
	return name, ok
}

// Authenticate requires a valid bearer token on every request. A nil
// validator disables authentication.
func Authenticate(v TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				logger.DebugContext(r.Context(), "bearer token rejected",
					"request_id", RequestIDFromContext(r.Context()),
					"error", err,
				)
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			subject := claims.Subject
			if subject == "" {
				subject = "anonymous"
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), subject)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="lineage"`)
	writeError(w, http.StatusUnauthorized, "unauthorized: "+msg)
}

// writeError writes the API's {"code","message"} error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{status, msg})
}
