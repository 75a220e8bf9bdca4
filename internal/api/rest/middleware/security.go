package middleware

import (
	"fmt"
	"net/http"
)

// DefaultMaxRequestBytes bounds request bodies. Sync batches carry full email bodies,
// so the limit is generous.
const DefaultMaxRequestBytes int64 = 10 << 20

// apiContentSecurityPolicy forbids every resource type; the API only serves JSON
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// RequestSizeLimit rejects bodies larger than maxBytes. Requests that declare a
// Content-Length over the limit are refused before the handler runs; others are cut off
// by http.MaxBytesReader while decoding.
func RequestSizeLimit(maxBytes int64) func(next http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				respondError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", maxBytes))
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders adds the response headers expected of a JSON API.
// An empty csp uses a deny-all policy.
func SecurityHeaders(csp string) func(next http.Handler) http.Handler {
	if csp == "" {
		csp = apiContentSecurityPolicy
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", csp)
			h.Set("Referrer-Policy", "no-referrer")

			// Responses carry contact and deal data
			h.Set("Cache-Control", "no-store")

			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
