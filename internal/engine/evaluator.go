package engine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/logger"
)

// Evaluator handles condition evaluation
type Evaluator struct {
	logger *logger.Logger

	// patterns caches subject_matches patterns that reached the evaluator uncompiled
	patterns sync.Map
}

// NewEvaluator creates a new condition evaluator
func NewEvaluator(log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Default()
	}
	return &Evaluator{logger: log}
}

// Matches reports whether every condition of the rule holds for the email.
// An empty condition list matches every email.
func (e *Evaluator) Matches(rule *models.Rule, email *models.Email) (bool, error) {
	for _, condition := range rule.Conditions {
		matched, err := e.EvaluateCondition(condition, email)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateCondition evaluates a single condition against an email.
// A missing value is a configuration error; any other malformed input evaluates to false.
func (e *Evaluator) EvaluateCondition(condition models.Condition, email *models.Email) (bool, error) {
	if condition == nil || email == nil {
		return false, nil
	}

	switch c := condition.(type) {
	case models.SubjectContains:
		if c.Value == "" {
			return false, missingValue(c)
		}
		return contains(email.Subject, c.Value, c.CaseSensitive), nil

	case models.SubjectMatches:
		if c.Pattern == "" && c.Regexp == nil {
			return false, missingValue(c)
		}
		return e.matchesPattern(email.Subject, c), nil

	case models.FromContains:
		if c.Value == "" {
			return false, missingValue(c)
		}
		return contains(email.FromAddress, c.Value, c.CaseSensitive), nil

	case models.ToContains:
		if c.Value == "" {
			return false, missingValue(c)
		}
		return contains(email.ToAddress, c.Value, c.CaseSensitive), nil

	case models.BodyContains:
		if c.Value == "" {
			return false, missingValue(c)
		}
		return contains(email.Body, c.Value, c.CaseSensitive), nil

	case models.HasCategory:
		if c.Category == "" {
			return false, missingValue(c)
		}
		return email.HasCategory(c.Category), nil

	case models.IsFlagged:
		return email.IsFlagged, nil

	case models.InFolder:
		if c.FolderID == "" {
			return false, missingValue(c)
		}
		return email.FolderID == c.FolderID, nil

	default:
		return false, models.ConfigErrorf("evaluate_condition", "unsupported condition type %T", condition)
	}
}

// contains checks if haystack contains needle. An absent haystack never matches.
func contains(haystack, needle string, caseSensitive bool) bool {
	if haystack == "" {
		return false
	}
	if caseSensitive {
		return strings.Contains(haystack, needle)
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// matchesPattern tests the subject against a case-insensitive pattern.
// Invalid patterns are logged and evaluate to false.
func (e *Evaluator) matchesPattern(subject string, c models.SubjectMatches) bool {
	if subject == "" {
		return false
	}

	re := c.Regexp
	if re == nil {
		if cached, ok := e.patterns.Load(c.Pattern); ok {
			re, _ = cached.(*regexp.Regexp)
		} else {
			compiled, err := models.CompileSubjectPattern(c.Pattern)
			if err != nil {
				e.logger.Warn("Invalid subject pattern",
					logger.String("pattern", c.Pattern),
					logger.Err(err),
				)
			}
			// failed compiles are cached as nil so they are only logged once
			e.patterns.Store(c.Pattern, compiled)
			re = compiled
		}
	}
	if re == nil {
		return false
	}
	return re.MatchString(subject)
}

func missingValue(c models.Condition) error {
	return models.ConfigErrorf("evaluate_condition", "%s requires a value", c.ConditionType())
}
