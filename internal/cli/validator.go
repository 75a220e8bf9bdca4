package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/validator"
	"gopkg.in/yaml.v3"
)

// ValidationResult reports the outcome of validating a rule file
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Rules  int      `json:"rules"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateRuleFile validates the rule definitions in a JSON or YAML file.
// The file holds either one rule object or an array of them.
func ValidateRuleFile(filename string) (*ValidationResult, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	rules, err := parseRuleFile(filename, data)
	if err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Invalid %s: %v", formatName(filename), err)},
		}, nil
	}

	return ValidateRules(rules), nil
}

// LoadRulesFromFile reads rule definitions from a JSON or YAML file
func LoadRulesFromFile(filename string) ([]*models.CreateRuleRequest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parseRuleFile(filename, data)
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

func formatName(filename string) string {
	if isYAML(filename) {
		return "YAML"
	}
	return "JSON"
}

// parseRuleFile decodes YAML into its JSON form first so both formats share the
// rule definition codec
func parseRuleFile(filename string, data []byte) ([]*models.CreateRuleRequest, error) {
	if !isYAML(filename) {
		return parseRules(data)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("empty document")
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return parseRules(converted)
}

func parseRules(data []byte) ([]*models.CreateRuleRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var rules []*models.CreateRuleRequest
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, err
		}
		return rules, nil
	}

	var rule models.CreateRuleRequest
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, err
	}
	return []*models.CreateRuleRequest{&rule}, nil
}

// ValidateRules validates rule definitions the same way the API does on create
func ValidateRules(rules []*models.CreateRuleRequest) *ValidationResult {
	result := &ValidationResult{Valid: true, Rules: len(rules), Errors: []string{}}
	if len(rules) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "no rules defined")
		return result
	}

	for i, rule := range rules {
		label := fmt.Sprintf("rule %d", i+1)
		if rule != nil && rule.Name != "" {
			label = fmt.Sprintf("rule %q", rule.Name)
		}
		if rule == nil {
			result.Valid = false
			result.Errors = append(result.Errors, label+": empty definition")
			continue
		}

		if err := validator.Validate(rule); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		if _, err := rule.ToRule(); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", label, err))
		}
	}

	return result
}
