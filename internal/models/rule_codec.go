package models

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConditionDefinition is the stored (JSON blob) form of a condition
type ConditionDefinition struct {
	Type     ConditionType `json:"type" validate:"required"`
	Value    string        `json:"value,omitempty"`
	Operator string        `json:"operator,omitempty"`
}

// ActionDefinition is the stored (JSON blob) form of an action
type ActionDefinition struct {
	Type   ActionType             `json:"type" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty"`
}

const (
	OperatorCaseSensitive   = "case_sensitive"
	OperatorCaseInsensitive = "case_insensitive"
)

// CompileSubjectPattern compiles a subject_matches pattern case-insensitively
func CompileSubjectPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// DecodeCondition turns a stored condition into its typed form.
// A missing value on a type that requires one is a configuration error.
func DecodeCondition(def ConditionDefinition) (Condition, error) {
	op := "decode_condition"

	caseSensitive := false
	switch strings.ToLower(def.Operator) {
	case "", OperatorCaseInsensitive:
	case OperatorCaseSensitive:
		caseSensitive = true
	default:
		return nil, ConfigErrorf(op, "unsupported operator %q for %s", def.Operator, def.Type)
	}

	if def.Type != ConditionIsFlagged && def.Value == "" {
		if def.Type == "" {
			return nil, ConfigErrorf(op, "condition type is required")
		}
		if isKnownCondition(def.Type) {
			return nil, ConfigErrorf(op, "%s requires a value", def.Type)
		}
	}

	switch def.Type {
	case ConditionSubjectContains:
		return SubjectContains{Value: def.Value, CaseSensitive: caseSensitive}, nil
	case ConditionSubjectMatches:
		re, err := CompileSubjectPattern(def.Value)
		if err != nil {
			return nil, WrapError(ErrConfiguration, op, fmt.Errorf("invalid pattern %q: %w", def.Value, err))
		}
		return SubjectMatches{Pattern: def.Value, Regexp: re}, nil
	case ConditionFromContains:
		return FromContains{Value: def.Value, CaseSensitive: caseSensitive}, nil
	case ConditionToContains:
		return ToContains{Value: def.Value, CaseSensitive: caseSensitive}, nil
	case ConditionBodyContains:
		return BodyContains{Value: def.Value, CaseSensitive: caseSensitive}, nil
	case ConditionHasCategory:
		return HasCategory{Category: def.Value}, nil
	case ConditionIsFlagged:
		return IsFlagged{}, nil
	case ConditionInFolder:
		return InFolder{FolderID: def.Value}, nil
	default:
		return nil, ConfigErrorf(op, "unsupported condition type %q", def.Type)
	}
}

func isKnownCondition(t ConditionType) bool {
	switch t {
	case ConditionSubjectContains, ConditionSubjectMatches, ConditionFromContains, ConditionToContains,
		ConditionBodyContains, ConditionHasCategory, ConditionIsFlagged, ConditionInFolder:
		return true
	}
	return false
}

// EncodeCondition turns a typed condition into its stored form
func EncodeCondition(c Condition) ConditionDefinition {
	def := ConditionDefinition{Type: c.ConditionType()}
	operator := func(caseSensitive bool) string {
		if caseSensitive {
			return OperatorCaseSensitive
		}
		return ""
	}
	switch v := c.(type) {
	case SubjectContains:
		def.Value, def.Operator = v.Value, operator(v.CaseSensitive)
	case SubjectMatches:
		def.Value = v.Pattern
	case FromContains:
		def.Value, def.Operator = v.Value, operator(v.CaseSensitive)
	case ToContains:
		def.Value, def.Operator = v.Value, operator(v.CaseSensitive)
	case BodyContains:
		def.Value, def.Operator = v.Value, operator(v.CaseSensitive)
	case HasCategory:
		def.Value = v.Category
	case InFolder:
		def.Value = v.FolderID
	}
	return def
}

// DecodeConditions decodes a list of stored conditions, stopping at the first error
func DecodeConditions(defs []ConditionDefinition) ([]Condition, error) {
	conditions := make([]Condition, 0, len(defs))
	for i, def := range defs {
		c, err := DecodeCondition(def)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conditions = append(conditions, c)
	}
	return conditions, nil
}

// EncodeConditions encodes a list of typed conditions
func EncodeConditions(conditions []Condition) []ConditionDefinition {
	defs := make([]ConditionDefinition, 0, len(conditions))
	for _, c := range conditions {
		defs = append(defs, EncodeCondition(c))
	}
	return defs
}

// DecodeAction turns a stored action into its typed form, checking its required params
func DecodeAction(def ActionDefinition) (Action, error) {
	p := params{values: def.Params, op: "decode_action:" + string(def.Type)}

	var action Action
	switch def.Type {
	case ActionAssignCategory:
		action = AssignCategory{Category: p.string("category")}

	case ActionCreateContact:
		ct := ContactType(p.string("contact_type"))
		if ct != "" && !ct.IsValid() {
			p.fail("invalid contact_type %q", ct)
		}
		action = CreateContact{Name: p.string("name"), ContactType: ct}

	case ActionCreateOpportunity:
		action = CreateOpportunity{
			Title:     p.string("title"),
			Source:    p.string("source"),
			SubSource: p.string("sub_source"),
			Stage:     p.string("stage"),
			Value:     p.int64("value"),
			Owner:     p.string("owner"),
		}

	case ActionCreateActivity:
		action = CreateActivity{ActivityType: p.string("activity_type"), Notes: p.string("notes")}

	case ActionCreateFollowup:
		days := p.int64("days_offset")
		if days < 0 {
			p.fail("days_offset must not be negative")
		}
		action = CreateFollowup{
			DaysOffset:    int(days),
			ScheduledDate: p.time("scheduled_date"),
			FollowupType:  p.string("followup_type"),
			Notes:         p.string("notes"),
		}

	case ActionUpdateOpportunityStage:
		stage := p.string("stage")
		if stage == "" && p.err == nil {
			p.fail("stage is required")
		}
		action = UpdateOpportunityStage{Stage: stage, ChangedBy: p.string("changed_by")}

	case ActionLinkToOpportunity:
		action = LinkToOpportunity{OpportunityID: p.uuid("opportunity_id")}

	case ActionMarkOpportunityWon:
		var finalValue *int64
		if p.has("final_value") {
			v := p.int64("final_value")
			finalValue = &v
		}
		action = MarkOpportunityWon{
			FinalValue: finalValue,
			Owner:      p.string("owner"),
			LockOwner:  p.string("lock_owner"),
			ChangedBy:  p.string("changed_by"),
		}

	case ActionCreateCommissionSnapshot:
		action = CreateCommissionSnapshot{LockOwner: p.string("lock_owner"), ChangedBy: p.string("changed_by")}

	case "":
		return nil, ConfigErrorf("decode_action", "action type is required")

	default:
		return nil, ConfigErrorf("decode_action", "unsupported action type %q", def.Type)
	}

	if p.err != nil {
		return nil, p.err
	}
	return action, nil
}

// EncodeAction turns a typed action into its stored form
func EncodeAction(a Action) ActionDefinition {
	values := map[string]interface{}{}
	set := func(key, value string) {
		if value != "" {
			values[key] = value
		}
	}

	switch v := a.(type) {
	case AssignCategory:
		set("category", v.Category)
	case CreateContact:
		set("name", v.Name)
		set("contact_type", string(v.ContactType))
	case CreateOpportunity:
		set("title", v.Title)
		set("source", v.Source)
		set("sub_source", v.SubSource)
		set("stage", v.Stage)
		set("owner", v.Owner)
		if v.Value != 0 {
			values["value"] = v.Value
		}
	case CreateActivity:
		set("activity_type", v.ActivityType)
		set("notes", v.Notes)
	case CreateFollowup:
		if v.DaysOffset != 0 {
			values["days_offset"] = v.DaysOffset
		}
		if v.ScheduledDate != nil {
			values["scheduled_date"] = v.ScheduledDate.Format(time.RFC3339)
		}
		set("followup_type", v.FollowupType)
		set("notes", v.Notes)
	case UpdateOpportunityStage:
		set("stage", v.Stage)
		set("changed_by", v.ChangedBy)
	case LinkToOpportunity:
		if v.OpportunityID != nil {
			values["opportunity_id"] = v.OpportunityID.String()
		}
	case MarkOpportunityWon:
		if v.FinalValue != nil {
			values["final_value"] = *v.FinalValue
		}
		set("owner", v.Owner)
		set("lock_owner", v.LockOwner)
		set("changed_by", v.ChangedBy)
	case CreateCommissionSnapshot:
		set("lock_owner", v.LockOwner)
		set("changed_by", v.ChangedBy)
	}

	def := ActionDefinition{Type: a.ActionType()}
	if len(values) > 0 {
		def.Params = values
	}
	return def
}

// DecodeActions decodes a list of stored actions, stopping at the first error
func DecodeActions(defs []ActionDefinition) ([]Action, error) {
	actions := make([]Action, 0, len(defs))
	for i, def := range defs {
		a, err := DecodeAction(def)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// EncodeActions encodes a list of typed actions
func EncodeActions(actions []Action) []ActionDefinition {
	defs := make([]ActionDefinition, 0, len(actions))
	for _, a := range actions {
		defs = append(defs, EncodeAction(a))
	}
	return defs
}

// params reads typed values out of an action's param map, keeping the first error
type params struct {
	values map[string]interface{}
	op     string
	err    error
}

func (p *params) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = ConfigErrorf(p.op, format, args...)
	}
}

func (p *params) has(key string) bool {
	v, ok := p.values[key]
	return ok && v != nil
}

func (p *params) string(key string) string {
	v, ok := p.values[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.fail("%s must be a string", key)
		return ""
	}
	return strings.TrimSpace(s)
}

func (p *params) int64(key string) int64 {
	v, ok := p.values[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			p.fail("%s must be an integer", key)
			return 0
		}
		// float64(math.MaxInt64) rounds up to 2^63, which no int64 holds
		if n >= math.MaxInt64 || n < math.MinInt64 {
			p.fail("%s is out of range", key)
			return 0
		}
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			p.fail("%s must be an integer", key)
		}
		return i
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			p.fail("%s must be an integer", key)
		}
		return i
	default:
		p.fail("%s must be an integer", key)
		return 0
	}
}

func (p *params) time(key string) *time.Time {
	s := p.string(key)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	p.fail("%s must be an RFC3339 timestamp or YYYY-MM-DD date", key)
	return nil
}

func (p *params) uuid(key string) *uuid.UUID {
	s := p.string(key)
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail("%s must be a UUID", key)
		return nil
	}
	return &id
}
