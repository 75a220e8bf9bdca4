package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/google/uuid"
)

// RuleMatch is the outcome of one matched rule
type RuleMatch struct {
	RuleID        int64          `json:"rule_id"`
	RuleName      string         `json:"rule_name"`
	ActionResults []ActionResult `json:"action_results"`
}

// SkippedRule is a rule that could not be evaluated
type SkippedRule struct {
	RuleID    int64            `json:"rule_id"`
	RuleName  string           `json:"rule_name"`
	Error     string           `json:"error"`
	ErrorKind models.ErrorKind `json:"error_kind"`
}

// RuleEngineResult is the outcome of running every enabled rule against one email
type RuleEngineResult struct {
	EmailID        uuid.UUID      `json:"email_id"`
	RulesEvaluated int            `json:"rules_evaluated"`
	MatchedRules   []RuleMatch    `json:"matched_rules"`
	SkippedRules   []SkippedRule  `json:"skipped_rules,omitempty"`
	ActionResults  []ActionResult `json:"action_results"`
}

// RuleEngine runs enabled rules against emails
type RuleEngine struct {
	rules          RuleLoader
	evaluator      *Evaluator
	executor       *ActionExecutor
	communications CommunicationStore
	logger         *logger.Logger
	metrics        *metrics.Metrics
}

// NewRuleEngine creates a new rule engine
func NewRuleEngine(
	rules RuleLoader,
	evaluator *Evaluator,
	executor *ActionExecutor,
	communications CommunicationStore,
	m *metrics.Metrics,
	log *logger.Logger,
) *RuleEngine {
	if log == nil {
		log = logger.Default()
	}
	return &RuleEngine{
		rules:          rules,
		evaluator:      evaluator,
		executor:       executor,
		communications: communications,
		logger:         log,
		metrics:        m,
	}
}

// SortRules orders rules by priority descending, then id ascending.
// The sort is stable and does not modify the input.
func SortRules(rules []*models.Rule) []*models.Rule {
	sorted := make([]*models.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// ProcessEmail evaluates every enabled rule against the email and runs the actions of
// each matched rule in order. Rules are independent: a failing action or a misconfigured
// rule never stops the rules after it, and an opportunity one rule creates is invisible
// to the rules after it. A contact resolved by one rule does carry over.
//
// The email is marked processed exactly once, after all rules ran. A transient store
// error aborts the run and is returned; the email then stays unprocessed.
func (re *RuleEngine) ProcessEmail(ctx context.Context, email *models.Email, contact *models.Contact) (*RuleEngineResult, error) {
	result := &RuleEngineResult{
		EmailID:       email.ID,
		MatchedRules:  []RuleMatch{},
		ActionResults: []ActionResult{},
	}

	rules, err := re.rules.LoadEnabledRules(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load rules: %w", err)
	}
	emailPass := newPass(email)

	for _, rule := range SortRules(rules) {
		if err := ctx.Err(); err != nil {
			return result, models.WrapError(models.ErrTransient, "process_email", err)
		}
		if !rule.Enabled {
			continue
		}

		result.RulesEvaluated++
		ruleID := strconv.FormatInt(rule.ID, 10)

		matched, err := re.evaluator.Matches(rule, email)
		if err != nil {
			re.logger.Warn("Skipping misconfigured rule",
				logger.RuleID(rule.ID),
				logger.String("rule_name", rule.Name),
				logger.Err(err),
			)
			kind := models.KindOf(err)
			re.metrics.RecordRuleError(ruleID, string(kind))
			result.SkippedRules = append(result.SkippedRules, SkippedRule{
				RuleID:    rule.ID,
				RuleName:  rule.Name,
				Error:     err.Error(),
				ErrorKind: kind,
			})
			continue
		}
		re.metrics.RecordRuleEvaluation(ruleID, matched)
		if !matched {
			continue
		}

		re.logger.Debug("Rule matched",
			logger.RuleID(rule.ID),
			logger.EmailID(email.ID),
		)

		run, err := re.runActions(ctx, rule, email, contact, emailPass)
		result.MatchedRules = append(result.MatchedRules, run.RuleMatch)
		result.ActionResults = append(result.ActionResults, run.ActionResults...)
		if err != nil {
			return result, err
		}
		if run.state.Contact != nil {
			contact = run.state.Contact
		}
	}

	if email.ID != uuid.Nil {
		if err := re.communications.MarkProcessed(ctx, email.ID); err != nil {
			return result, fmt.Errorf("failed to mark email processed: %w", err)
		}
	}
	email.ProcessedByRules = true

	return result, nil
}

type ruleRun struct {
	RuleMatch
	state *ExecutionState
}

// runActions executes the rule's actions in declared order. Only a transient error stops it.
func (re *RuleEngine) runActions(ctx context.Context, rule *models.Rule, email *models.Email, contact *models.Contact, p *pass) (ruleRun, error) {
	state := NewExecutionState(rule.ID, email, contact)
	state.pass = p
	run := ruleRun{
		RuleMatch: RuleMatch{
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			ActionResults: make([]ActionResult, 0, len(rule.Actions)),
		},
		state: state,
	}

	for _, action := range rule.Actions {
		res := re.executor.Execute(ctx, action, state)
		run.ActionResults = append(run.ActionResults, res)
		if res.Err != nil && models.IsTransient(res.Err) {
			return run, fmt.Errorf("rule %d action %s: %w", rule.ID, res.ActionType, res.Err)
		}
	}
	return run, nil
}
