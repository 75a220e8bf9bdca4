package middleware

import (
	"net/http"

	"github.com/davidmoltin/crm-rules/pkg/logger"
)

// RequireRole is a middleware that checks the authenticated subject holds role
func RequireRole(role string, log *logger.Logger) func(next http.Handler) http.Handler {
	return RequireAnyRole([]string{role}, log)
}

// RequireAnyRole is a middleware that checks the authenticated subject holds one of roles
func RequireAnyRole(roles []string, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				log.Warn("No claims found in context for role check")
				respondError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Warn("Role check failed",
				logger.String("subject", claims.Subject),
				logger.Strings("required_roles", roles),
			)
			respondError(w, http.StatusForbidden, "Insufficient permissions")
		})
	}
}
