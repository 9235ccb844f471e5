package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Validator validates a raw bearer token.
type Validator interface {
	Validate(token string) (*Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims attached by Middleware, or nil when
// authentication is disabled.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token. A nil validator
// disables authentication. Paths listed in public bypass the check.
func Middleware(v Validator, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token := TokenFromRequest(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := v.Validate(token)
			if err != nil {
				logger.Warn("Token validation failed", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="aitools-relay"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
