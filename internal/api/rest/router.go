package rest

import (
	"net/http"

	"github.com/davidmoltin/crm-rules/internal/api/rest/handlers"
	customMiddleware "github.com/davidmoltin/crm-rules/internal/api/rest/middleware"
	"github.com/davidmoltin/crm-rules/pkg/auth"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRole is required for every mutating API call when auth is enabled
const AdminRole = "admin"

// Options configures the optional parts of the router
type Options struct {
	AllowedOrigins []string

	// MaxRequestBytes bounds request bodies; zero uses the middleware default
	MaxRequestBytes int64

	// ContentSecurityPolicy overrides the deny-all API policy when set
	ContentSecurityPolicy string

	// Tokens enables bearer-token auth on /api/v1 when set
	Tokens *auth.JWTManager

	// RateLimiter enables per-client rate limiting on /api/v1 when set
	RateLimiter *customMiddleware.RateLimiter

	// Gatherer serves /metrics; defaults to the global registry
	Gatherer prometheus.Gatherer
}

// Router holds the HTTP router and dependencies
type Router struct {
	router   *chi.Mux
	logger   *logger.Logger
	handlers *handlers.Handlers
	metrics  *metrics.Metrics
	opts     Options
}

// NewRouter creates a new HTTP router
func NewRouter(log *logger.Logger, h *handlers.Handlers, m *metrics.Metrics, opts Options) *Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Metrics middleware
	r.Use(customMiddleware.Metrics(m))

	// Security middleware
	r.Use(customMiddleware.SecurityHeaders(opts.ContentSecurityPolicy))
	r.Use(customMiddleware.RequestSizeLimit(opts.MaxRequestBytes))

	allowedOrigins := opts.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"} // Default for development
	}

	// Security: Never allow "*" with credentials enabled
	allowCredentials := true
	for _, origin := range allowedOrigins {
		if origin == "*" {
			log.Warn("CORS: Wildcard origin '*' detected with credentials enabled. Disabling credentials for security.")
			allowCredentials = false
			break
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	return &Router{
		router:   r,
		logger:   log,
		handlers: h,
		metrics:  m,
		opts:     opts,
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	// Prometheus metrics endpoint (no auth required)
	r.router.Handle("/metrics", promhttp.HandlerFor(r.opts.Gatherer, promhttp.HandlerOpts{}))

	// Health endpoints (no auth required)
	r.router.Get("/health", r.handlers.Health.Health)
	r.router.Get("/ready", r.handlers.Health.Ready)

	r.router.Route("/api/v1", func(router chi.Router) {
		if r.opts.Tokens != nil {
			router.Use(customMiddleware.JWTAuth(r.opts.Tokens, r.metrics, r.logger))
		}
		if r.opts.RateLimiter != nil {
			router.Use(customMiddleware.RateLimit(r.opts.RateLimiter))
		}
		write := r.requireAdmin()

		// Rules
		router.Route("/rules", func(router chi.Router) {
			router.Get("/", r.handlers.Rule.List)
			router.Get("/{id}", r.handlers.Rule.Get)
			router.Post("/{id}/test", r.handlers.Rule.Test)
			router.Post("/validate", r.handlers.Rule.Validate)

			router.With(write).Post("/", r.handlers.Rule.Create)
			router.With(write).Put("/{id}", r.handlers.Rule.Update)
			router.With(write).Delete("/{id}", r.handlers.Rule.Delete)
			router.With(write).Post("/{id}/enable", r.handlers.Rule.Enable)
			router.With(write).Post("/{id}/disable", r.handlers.Rule.Disable)
		})

		// Category mappings
		router.Route("/categories", func(router chi.Router) {
			router.Get("/", r.handlers.Category.List)
			router.Get("/{name}", r.handlers.Category.Get)
			router.With(write).Put("/{name}", r.handlers.Category.Put)
			router.With(write).Delete("/{name}", r.handlers.Category.Delete)
		})

		// Emails
		router.Route("/emails", func(router chi.Router) {
			router.With(write).Post("/", r.handlers.Email.Process)
			router.With(write).Post("/sync", r.handlers.Email.Sync)
			router.With(write).Post("/reprocess-pending", r.handlers.Email.ReprocessPending)
			router.With(write).Post("/{id}/reprocess", r.handlers.Email.Reprocess)
		})

		// Opportunities
		router.Route("/opportunities", func(router chi.Router) {
			router.Get("/{id}", r.handlers.Opportunity.Get)
			router.Get("/{id}/audit-trail", r.handlers.Opportunity.AuditTrail)
			router.Get("/{id}/snapshot", r.handlers.Opportunity.Snapshot)
			router.With(write).Post("/{id}/status", r.handlers.Opportunity.ChangeStatus)
		})
	})
}

// requireAdmin gates mutations on the admin role; without auth it is a no-op
func (r *Router) requireAdmin() func(http.Handler) http.Handler {
	if r.opts.Tokens == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return customMiddleware.RequireRole(AdminRole, r.logger)
}

// Handler returns the http.Handler
func (r *Router) Handler() http.Handler {
	return r.router
}
