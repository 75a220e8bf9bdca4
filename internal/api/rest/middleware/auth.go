package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/davidmoltin/crm-rules/pkg/auth"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
)

type contextKey string

const claimsKey contextKey = "claims"

// JWTAuth is a middleware that validates bearer tokens
func JWTAuth(tokens *auth.JWTManager, m *metrics.Metrics, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				recordAuthFailure(m, "missing_header")
				respondError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			// Check Bearer token format
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				recordAuthFailure(m, "malformed_header")
				respondError(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}

			claims, err := tokens.ValidateAccessToken(parts[1])
			if err != nil {
				log.Warn("Invalid JWT token", logger.Err(err), logger.String("path", r.URL.Path))
				recordAuthFailure(m, "invalid_token")
				respondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims returns a copy of ctx carrying claims
func WithClaims(ctx context.Context, claims *auth.JWTClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims extracts JWT claims from request context
func GetClaims(ctx context.Context) *auth.JWTClaims {
	if claims, ok := ctx.Value(claimsKey).(*auth.JWTClaims); ok {
		return claims
	}
	return nil
}

// GetSubject returns the authenticated subject, or "" for anonymous requests
func GetSubject(ctx context.Context) string {
	if claims := GetClaims(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

func recordAuthFailure(m *metrics.Metrics, reason string) {
	if m != nil {
		m.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// respondError sends an error response with proper JSON encoding
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Use proper JSON encoding to prevent injection attacks
	response := map[string]string{"error": message}
	json.NewEncoder(w).Encode(response)
}
