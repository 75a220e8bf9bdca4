// Package app assembles the rule-processing services from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/davidmoltin/crm-rules/internal/api/rest"
	"github.com/davidmoltin/crm-rules/internal/api/rest/handlers"
	"github.com/davidmoltin/crm-rules/internal/api/rest/middleware"
	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/repository/postgres"
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/internal/workers"
	"github.com/davidmoltin/crm-rules/pkg/auth"
	"github.com/davidmoltin/crm-rules/pkg/config"
	"github.com/davidmoltin/crm-rules/pkg/database"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
)

// App holds the wired services and their connections
type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	DB      *database.PostgresDB
	Redis   *database.RedisClient

	Rules         *services.RuleService
	Categories    *services.CategoryMapper
	Processor     *services.EmailProcessor
	Sync          *services.SyncService
	Opportunities *services.OpportunityService
}

// New connects to PostgreSQL and Redis and wires the services
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := database.NewPostgresDB(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redis, err := database.NewRedisClient(cfg, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	m := metrics.New(nil)

	// Initialize repositories
	ruleRepo := postgres.NewRuleRepository(db, log.Named("repository"))
	contactRepo := postgres.NewContactRepository(db)
	opportunityRepo := postgres.NewOpportunityRepository(db)
	activityRepo := postgres.NewActivityRepository(db)
	communicationRepo := postgres.NewCommunicationRepository(db)
	categoryRepo := postgres.NewCategoryRepository(db)

	// Initialize rule engine components
	engineLog := log.Named("engine")
	serviceLog := log.Named("services")
	evaluator := engine.NewEvaluator(engineLog)
	ruleService := services.NewRuleService(ruleRepo, evaluator, redis, serviceLog)
	categoryMapper := services.NewCategoryMapper(categoryRepo, redis, cfg.Rules.CategoryCacheTTL, m, serviceLog)

	executor := engine.NewActionExecutor(engine.Stores{
		Contacts:       contactRepo,
		Opportunities:  opportunityRepo,
		Activities:     activityRepo,
		Communications: communicationRepo,
	}, categoryMapper, engine.ActionExecutorConfig{
		DefaultFollowupDays: cfg.Rules.DefaultFollowupDays,
		DefaultFollowupType: cfg.Rules.DefaultFollowupType,
	}, m, engineLog)
	ruleEngine := engine.NewRuleEngine(ruleService, evaluator, executor, communicationRepo, m, engineLog)

	processor := services.NewEmailProcessor(contactRepo, communicationRepo, ruleEngine, nil, services.EmailProcessorConfig{
		MailboxOwner:       cfg.Rules.MailboxOwner,
		AutoCreateContacts: cfg.Rules.AutoCreateContacts,
		ProcessingLease:    cfg.Rules.ProcessingLease,
	}, m, serviceLog)

	locker := distlock.NewLocker(redis.Client, cfg.Rules.SyncLockTTL)

	return &App{
		Config:        cfg,
		Logger:        log,
		Metrics:       m,
		DB:            db,
		Redis:         redis,
		Rules:         ruleService,
		Categories:    categoryMapper,
		Processor:     processor,
		Sync:          services.NewSyncService(processor, locker, cfg.Rules.SyncLockTTL, m, log.Named("sync")),
		Opportunities: services.NewOpportunityService(opportunityRepo, activityRepo, serviceLog),
	}, nil
}

// Close releases the connections
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warnf("Failed to close redis: %v", err)
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warnf("Failed to close database: %v", err)
	}
}

// Migrate applies pending schema migrations
func (a *App) Migrate() error {
	migrator, err := database.NewMigrator(a.DB.DB, a.Logger)
	if err != nil {
		return err
	}
	// Not closed: closing the migrator closes the shared connection pool
	return migrator.Up()
}

// Serve runs the HTTP API and the reprocess worker until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	var tokens *auth.JWTManager
	if cfg.Auth.Enabled {
		tokens = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenIssuer, cfg.Auth.TokenDuration)
	} else {
		a.Logger.Warn("API authentication disabled (AUTH_ENABLED=false)")
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, a.Logger)
		go limiter.Cleanup(ctx, 0)
	}

	h := handlers.NewHandlers(a.Logger, &handlers.Services{
		Rules:         a.Rules,
		Categories:    a.Categories,
		Processor:     a.Processor,
		Sync:          a.Sync,
		Opportunities: a.Opportunities,
	}, &handlers.HealthCheckers{DB: a.DB, Redis: a.Redis}, cfg.App.Version)

	router := rest.NewRouter(a.Logger, h, a.Metrics, rest.Options{
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		MaxRequestBytes:       cfg.Server.MaxRequestBytes,
		ContentSecurityPolicy: cfg.Server.CSPPolicy,
		Tokens:                tokens,
		RateLimiter:           limiter,
	})
	router.SetupRoutes()

	// Initialize and start the reprocess worker
	worker := workers.NewReprocessWorker(
		a.Processor,
		distlock.NewLocker(a.Redis.Client, cfg.Rules.ReprocessInterval),
		a.Metrics,
		a.Logger,
		cfg.Rules.ReprocessInterval,
		cfg.Rules.ReprocessBatchSize,
	)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	worker.Start(workerCtx)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		a.Logger.Info("API server listening", logger.String("address", addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		worker.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.Logger.Info("Shutting down")

		// Stop background workers first
		worker.Stop()

		// Give outstanding requests a deadline for completion
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		a.Logger.Info("Server stopped gracefully")
	}

	return nil
}
