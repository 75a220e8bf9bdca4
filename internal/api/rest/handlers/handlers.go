package handlers

import (
	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	Health      *HealthHandler
	Rule        *RuleHandler
	Category    *CategoryHandler
	Email       *EmailHandler
	Opportunity *OpportunityHandler
}

// HealthCheckers holds all health check dependencies
type HealthCheckers struct {
	DB    HealthChecker
	Redis HealthChecker
}

// Services holds the services the handlers delegate to
type Services struct {
	Rules         *services.RuleService
	Categories    *services.CategoryMapper
	Processor     *services.EmailProcessor
	Sync          *services.SyncService
	Opportunities *services.OpportunityService
}

// NewHandlers creates a new handlers instance
func NewHandlers(log *logger.Logger, svc *Services, healthCheckers *HealthCheckers, version string) *Handlers {
	return &Handlers{
		Health:      NewHealthHandler(log, healthCheckers.DB, healthCheckers.Redis, version),
		Rule:        NewRuleHandler(log, svc.Rules),
		Category:    NewCategoryHandler(log, svc.Categories),
		Email:       NewEmailHandler(log, svc.Processor, svc.Sync),
		Opportunity: NewOpportunityHandler(log, svc.Opportunities),
	}
}
