package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ConditionType enumerates the supported condition predicates
type ConditionType string

const (
	ConditionSubjectContains ConditionType = "subject_contains"
	ConditionSubjectMatches  ConditionType = "subject_matches"
	ConditionFromContains    ConditionType = "from_contains"
	ConditionToContains      ConditionType = "to_contains"
	ConditionBodyContains    ConditionType = "body_contains"
	ConditionHasCategory     ConditionType = "has_category"
	ConditionIsFlagged       ConditionType = "is_flagged"
	ConditionInFolder        ConditionType = "in_folder"
)

// ActionType enumerates the supported CRM mutations
type ActionType string

const (
	ActionAssignCategory           ActionType = "assign_category"
	ActionCreateContact            ActionType = "create_contact"
	ActionCreateOpportunity        ActionType = "create_opportunity"
	ActionCreateActivity           ActionType = "create_activity"
	ActionCreateFollowup           ActionType = "create_followup"
	ActionUpdateOpportunityStage   ActionType = "update_opportunity_stage"
	ActionLinkToOpportunity        ActionType = "link_to_opportunity"
	ActionMarkOpportunityWon       ActionType = "mark_opportunity_won"
	ActionCreateCommissionSnapshot ActionType = "create_commission_snapshot"
)

// Condition is a predicate over one email. The concrete types below form a closed set.
type Condition interface {
	ConditionType() ConditionType
}

// SubjectContains matches a substring of the subject
type SubjectContains struct {
	Value         string
	CaseSensitive bool
}

// SubjectMatches matches the subject against a case-insensitive pattern
type SubjectMatches struct {
	Pattern string
	Regexp  *regexp.Regexp
}

// FromContains matches a substring of the sender address
type FromContains struct {
	Value         string
	CaseSensitive bool
}

// ToContains matches a substring of the recipient address
type ToContains struct {
	Value         string
	CaseSensitive bool
}

// BodyContains matches a substring of the body
type BodyContains struct {
	Value         string
	CaseSensitive bool
}

// HasCategory matches an exact provider category
type HasCategory struct {
	Category string
}

// IsFlagged matches flagged emails
type IsFlagged struct{}

// InFolder matches the provider folder id
type InFolder struct {
	FolderID string
}

func (SubjectContains) ConditionType() ConditionType { return ConditionSubjectContains }
func (SubjectMatches) ConditionType() ConditionType  { return ConditionSubjectMatches }
func (FromContains) ConditionType() ConditionType    { return ConditionFromContains }
func (ToContains) ConditionType() ConditionType      { return ConditionToContains }
func (BodyContains) ConditionType() ConditionType    { return ConditionBodyContains }
func (HasCategory) ConditionType() ConditionType     { return ConditionHasCategory }
func (IsFlagged) ConditionType() ConditionType       { return ConditionIsFlagged }
func (InFolder) ConditionType() ConditionType        { return ConditionInFolder }

// Action is one CRM mutation. The concrete types below form a closed set.
type Action interface {
	ActionType() ActionType
}

// AssignCategory tags the pending opportunity (or the email) with a mapped category.
// An empty Category means every category already on the email.
type AssignCategory struct {
	Category string
}

// CreateContact resolves or creates the counterparty contact
type CreateContact struct {
	Name        string
	ContactType ContactType
}

// CreateOpportunity opens an opportunity for the resolved contact
type CreateOpportunity struct {
	Title     string
	Source    string
	SubSource string
	Stage     string
	Value     int64
	Owner     string
}

// CreateActivity records the email as an activity
type CreateActivity struct {
	ActivityType string
	Notes        string
}

// CreateFollowup schedules a followup. ScheduledDate wins over DaysOffset.
type CreateFollowup struct {
	DaysOffset    int
	ScheduledDate *time.Time
	FollowupType  string
	Notes         string
}

// UpdateOpportunityStage moves the resolved opportunity to a new stage
type UpdateOpportunityStage struct {
	Stage     string
	ChangedBy string
}

// LinkToOpportunity links the email to an opportunity
type LinkToOpportunity struct {
	OpportunityID *uuid.UUID
}

// MarkOpportunityWon moves the resolved opportunity from open to won
type MarkOpportunityWon struct {
	FinalValue *int64
	Owner      string
	LockOwner  string
	ChangedBy  string
}

// CreateCommissionSnapshot snapshots a won opportunity
type CreateCommissionSnapshot struct {
	LockOwner string
	ChangedBy string
}

func (AssignCategory) ActionType() ActionType           { return ActionAssignCategory }
func (CreateContact) ActionType() ActionType            { return ActionCreateContact }
func (CreateOpportunity) ActionType() ActionType        { return ActionCreateOpportunity }
func (CreateActivity) ActionType() ActionType           { return ActionCreateActivity }
func (CreateFollowup) ActionType() ActionType           { return ActionCreateFollowup }
func (UpdateOpportunityStage) ActionType() ActionType   { return ActionUpdateOpportunityStage }
func (LinkToOpportunity) ActionType() ActionType        { return ActionLinkToOpportunity }
func (MarkOpportunityWon) ActionType() ActionType       { return ActionMarkOpportunityWon }
func (CreateCommissionSnapshot) ActionType() ActionType { return ActionCreateCommissionSnapshot }

// Rule is a named, prioritized automation unit. Conditions are ANDed; actions run in order.
type Rule struct {
	ID          int64       `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Description string      `json:"description,omitempty" db:"description"`
	Priority    int         `json:"priority" db:"priority"`
	Enabled     bool        `json:"enabled" db:"enabled"`
	Conditions  []Condition `json:"-" db:"conditions"`
	Actions     []Action    `json:"-" db:"actions"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

type ruleJSON struct {
	ID          int64                 `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Priority    int                   `json:"priority"`
	Enabled     bool                  `json:"enabled"`
	Conditions  []ConditionDefinition `json:"conditions"`
	Actions     []ActionDefinition    `json:"actions"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// MarshalJSON renders conditions and actions in their stored form
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		Enabled:     r.Enabled,
		Conditions:  EncodeConditions(r.Conditions),
		Actions:     EncodeActions(r.Actions),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	})
}

// UnmarshalJSON decodes and validates conditions and actions
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	conditions, err := DecodeConditions(raw.Conditions)
	if err != nil {
		return err
	}
	actions, err := DecodeActions(raw.Actions)
	if err != nil {
		return err
	}
	*r = Rule{
		ID:          raw.ID,
		Name:        raw.Name,
		Description: raw.Description,
		Priority:    raw.Priority,
		Enabled:     raw.Enabled,
		Conditions:  conditions,
		Actions:     actions,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}

// CreateRuleRequest represents the request to create a rule
type CreateRuleRequest struct {
	Name        string                `json:"name" validate:"required,notblank,max=200"`
	Description string                `json:"description,omitempty"`
	Priority    int                   `json:"priority"`
	Enabled     *bool                 `json:"enabled,omitempty"`
	Conditions  []ConditionDefinition `json:"conditions" validate:"dive"`
	Actions     []ActionDefinition    `json:"actions" validate:"required,min=1,dive"`
}

// ToRule decodes the request into a rule
func (req *CreateRuleRequest) ToRule() (*Rule, error) {
	conditions, err := DecodeConditions(req.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := DecodeActions(req.Actions)
	if err != nil {
		return nil, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &Rule{
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Enabled:     enabled,
		Conditions:  conditions,
		Actions:     actions,
	}, nil
}

// UpdateRuleRequest represents the request to update a rule
type UpdateRuleRequest struct {
	Name        *string               `json:"name,omitempty" validate:"omitempty,max=200"`
	Description *string               `json:"description,omitempty"`
	Priority    *int                  `json:"priority,omitempty"`
	Conditions  []ConditionDefinition `json:"conditions,omitempty" validate:"omitempty,dive"`
	Actions     []ActionDefinition    `json:"actions,omitempty" validate:"omitempty,dive"`
}

// Apply decodes the request and merges it into rule
func (req *UpdateRuleRequest) Apply(rule *Rule) error {
	if req.Conditions != nil {
		conditions, err := DecodeConditions(req.Conditions)
		if err != nil {
			return err
		}
		rule.Conditions = conditions
	}
	if req.Actions != nil {
		actions, err := DecodeActions(req.Actions)
		if err != nil {
			return err
		}
		rule.Actions = actions
	}
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	return nil
}

// TestRuleRequest represents a dry run of a rule against an email record
type TestRuleRequest struct {
	Email EmailRecord `json:"email" validate:"required"`
}

// ConditionResult is the outcome of one condition in a dry run
type ConditionResult struct {
	Condition ConditionDefinition `json:"condition"`
	Matched   bool                `json:"matched"`
}

// TestRuleResponse represents the response of a rule dry run
type TestRuleResponse struct {
	Matched    bool              `json:"matched"`
	Conditions []ConditionResult `json:"conditions"`
	Actions    []ActionType      `json:"actions,omitempty"`
}
