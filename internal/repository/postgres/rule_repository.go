package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

const ruleColumns = `id, name, description, priority, enabled, conditions, actions, created_at, updated_at`

// RuleRepository handles rule database operations
type RuleRepository struct {
	db     DB
	logger *logger.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db DB, log *logger.Logger) *RuleRepository {
	if log == nil {
		log = logger.Default()
	}
	return &RuleRepository{db: db, logger: log}
}

// Create creates a new rule
func (r *RuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rules (name, description, priority, enabled, conditions, actions)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowContext(
		ctx, query,
		rule.Name, rule.Description, rule.Priority, rule.Enabled, conditions, actions,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return mapError("create_rule", fmt.Errorf("failed to create rule: %w", err))
	}

	return nil
}

// GetByID retrieves a rule by id
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_rule", "rule %d not found", id)
	}
	if err != nil {
		return nil, mapError("get_rule", err)
	}

	return rule, nil
}

// List returns every rule in evaluation order
func (r *RuleRepository) List(ctx context.Context) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY priority DESC, id ASC`
	return r.query(ctx, "list_rules", query, false)
}

// LoadEnabledRules returns enabled rules sorted by priority descending then id ascending.
// Rules whose stored definition no longer decodes are logged and left out.
func (r *RuleRepository) LoadEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE enabled = TRUE ORDER BY priority DESC, id ASC`
	return r.query(ctx, "load_enabled_rules", query, true)
}

func (r *RuleRepository) query(ctx context.Context, op, query string, skipMalformed bool) ([]*models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(op, fmt.Errorf("failed to query rules: %w", err))
	}
	defer rows.Close()

	rules := []*models.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			if skipMalformed && models.KindOf(err) == models.ErrorKindConfiguration {
				r.logger.Warn("Skipping rule with malformed definition", logger.Err(err))
				continue
			}
			return nil, mapError(op, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}

	return rules, nil
}

// Update replaces a rule's name, description, priority and body
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE rules
		SET name = $2, description = $3, priority = $4, enabled = $5,
			conditions = $6, actions = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(
		ctx, query,
		rule.ID, rule.Name, rule.Description, rule.Priority, rule.Enabled, conditions, actions,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.NotFoundf("update_rule", "rule %d not found", rule.ID)
	}
	if err != nil {
		return mapError("update_rule", fmt.Errorf("failed to update rule: %w", err))
	}

	return nil
}

// SetEnabled enables or disables a rule
func (r *RuleRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE rules SET enabled = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "set_rule_enabled", query, id, enabled)
}

// Delete deletes a rule
func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, "delete_rule", `DELETE FROM rules WHERE id = $1`, id)
}

func (r *RuleRepository) execOne(ctx context.Context, op, query string, id int64, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return mapError(op, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return models.NotFoundf(op, "rule %d not found", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	rule := &models.Rule{}
	var conditions, actions []byte

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Priority, &rule.Enabled,
		&conditions, &actions, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var condDefs []models.ConditionDefinition
	if err := json.Unmarshal(conditions, &condDefs); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, fmt.Sprintf("rule %d conditions", rule.ID), err)
	}
	var actionDefs []models.ActionDefinition
	if err := json.Unmarshal(actions, &actionDefs); err != nil {
		return nil, models.WrapError(models.ErrConfiguration, fmt.Sprintf("rule %d actions", rule.ID), err)
	}

	if rule.Conditions, err = models.DecodeConditions(condDefs); err != nil {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}
	if rule.Actions, err = models.DecodeActions(actionDefs); err != nil {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	return rule, nil
}

func encodeRuleBody(rule *models.Rule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(models.EncodeConditions(rule.Conditions))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err := json.Marshal(models.EncodeActions(rule.Actions))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return conditions, actions, nil
}
