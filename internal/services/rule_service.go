package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidmoltin/crm-rules/internal/engine"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/database"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/validator"
)

const (
	enabledRulesCacheKey = "rules:enabled"
	ruleCacheTTL         = 5 * time.Minute
)

// RuleStore persists rules
type RuleStore interface {
	engine.RuleLoader
	Create(ctx context.Context, rule *models.Rule) error
	GetByID(ctx context.Context, id int64) (*models.Rule, error)
	List(ctx context.Context) ([]*models.Rule, error)
	Update(ctx context.Context, rule *models.Rule) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// RuleService handles rule business logic
type RuleService struct {
	store     RuleStore
	evaluator *engine.Evaluator
	validator *validator.Validator
	redis     *database.RedisClient
	logger    *logger.Logger
}

// NewRuleService creates a new rule service. redis may be nil, which disables caching.
func NewRuleService(
	store RuleStore,
	evaluator *engine.Evaluator,
	redis *database.RedisClient,
	log *logger.Logger,
) *RuleService {
	if log == nil {
		log = logger.Default()
	}
	if evaluator == nil {
		evaluator = engine.NewEvaluator(log)
	}
	return &RuleService{
		store:     store,
		evaluator: evaluator,
		validator: validator.New(),
		redis:     redis,
		logger:    log,
	}
}

// Create validates and stores a new rule
func (s *RuleService) Create(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error) {
	rule, err := s.buildRule(req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.invalidateCache(ctx)

	s.logger.Info("Rule created",
		logger.RuleID(rule.ID),
		logger.String("name", rule.Name),
		logger.Int("priority", rule.Priority),
	)

	return rule, nil
}

// ValidateDefinition checks a rule definition without storing it
func (s *RuleService) ValidateDefinition(req *models.CreateRuleRequest) error {
	_, err := s.buildRule(req)
	return err
}

func (s *RuleService) buildRule(req *models.CreateRuleRequest) (*models.Rule, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, "validate_rule", err)
	}
	rule, err := req.ToRule()
	if err != nil {
		return nil, fmt.Errorf("invalid rule definition: %w", err)
	}
	return rule, nil
}

// GetByID retrieves a rule
func (s *RuleService) GetByID(ctx context.Context, id int64) (*models.Rule, error) {
	return s.store.GetByID(ctx, id)
}

// List returns every rule in evaluation order
func (s *RuleService) List(ctx context.Context) ([]*models.Rule, error) {
	return s.store.List(ctx)
}

// Update merges the request into a stored rule
func (s *RuleService) Update(ctx context.Context, id int64, req *models.UpdateRuleRequest) (*models.Rule, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, "validate_rule", err)
	}

	rule, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Apply(rule); err != nil {
		return nil, fmt.Errorf("invalid rule definition: %w", err)
	}
	if len(rule.Actions) == 0 {
		return nil, models.ConfigErrorf("update_rule", "rule %d must keep at least one action", id)
	}

	if err := s.store.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	s.invalidateCache(ctx)

	s.logger.Info("Rule updated", logger.RuleID(rule.ID))
	return rule, nil
}

// Enable enables a rule
func (s *RuleService) Enable(ctx context.Context, id int64) error {
	return s.setEnabled(ctx, id, true)
}

// Disable disables a rule
func (s *RuleService) Disable(ctx context.Context, id int64) error {
	return s.setEnabled(ctx, id, false)
}

func (s *RuleService) setEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.store.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.invalidateCache(ctx)

	s.logger.Info("Rule enabled state changed",
		logger.RuleID(id),
		logger.Bool("enabled", enabled),
	)
	return nil
}

// Delete removes a rule
func (s *RuleService) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateCache(ctx)

	s.logger.Info("Rule deleted", logger.RuleID(id))
	return nil
}

// Test evaluates a stored rule against an email record without running its actions
func (s *RuleService) Test(ctx context.Context, id int64, req *models.TestRuleRequest) (*models.TestRuleResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, "test_rule", err)
	}

	rule, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	email := newEmail(&req.Email, "")
	resp := &models.TestRuleResponse{
		Matched:    true,
		Conditions: make([]models.ConditionResult, 0, len(rule.Conditions)),
	}

	for _, condition := range rule.Conditions {
		matched, err := s.evaluator.EvaluateCondition(condition, email)
		if err != nil {
			return nil, err
		}
		resp.Conditions = append(resp.Conditions, models.ConditionResult{
			Condition: models.EncodeCondition(condition),
			Matched:   matched,
		})
		if !matched {
			resp.Matched = false
		}
	}

	if resp.Matched {
		for _, action := range rule.Actions {
			resp.Actions = append(resp.Actions, action.ActionType())
		}
	}

	return resp, nil
}

// LoadEnabledRules returns the enabled rules, served from cache when possible
func (s *RuleService) LoadEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	if rules, ok := s.getCachedRules(ctx); ok {
		return rules, nil
	}

	rules, err := s.store.LoadEnabledRules(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cacheRules(ctx, rules); err != nil {
		s.logger.Warn("Failed to cache enabled rules", logger.Err(err))
	}
	return rules, nil
}

func (s *RuleService) cacheRules(ctx context.Context, rules []*models.Rule) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.SetJSON(ctx, enabledRulesCacheKey, rules, ruleCacheTTL)
}

func (s *RuleService) getCachedRules(ctx context.Context) ([]*models.Rule, bool) {
	if s.redis == nil {
		return nil, false
	}

	var rules []*models.Rule
	if err := s.redis.GetJSON(ctx, enabledRulesCacheKey, &rules); err != nil {
		if !errors.Is(err, database.ErrCacheMiss) {
			s.logger.Warn("Failed to read rule cache", logger.Err(err))
		}
		return nil, false
	}
	return rules, true
}

func (s *RuleService) invalidateCache(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Delete(ctx, enabledRulesCacheKey); err != nil {
		s.logger.Warn("Failed to invalidate rule cache", logger.Err(err))
	}
}
