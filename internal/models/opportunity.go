package models

import (
	"time"

	"github.com/google/uuid"
)

// OpportunityStatus represents the commercial state of an opportunity
type OpportunityStatus string

const (
	OpportunityStatusOpen     OpportunityStatus = "open"
	OpportunityStatusWon      OpportunityStatus = "won"
	OpportunityStatusLost     OpportunityStatus = "lost"
	OpportunityStatusReversed OpportunityStatus = "reversed"
)

// DefaultOpportunityStage is the stage given to opportunities created without one
const DefaultOpportunityStage = "new"

var allowedTransitions = map[OpportunityStatus][]OpportunityStatus{
	OpportunityStatusOpen: {OpportunityStatusWon, OpportunityStatusLost},
	OpportunityStatusWon:  {OpportunityStatusReversed},
}

// CanTransition reports whether an opportunity may move from one status to another
func CanTransition(from, to OpportunityStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status
func (s OpportunityStatus) IsValid() bool {
	switch s {
	case OpportunityStatusOpen, OpportunityStatusWon, OpportunityStatusLost, OpportunityStatusReversed:
		return true
	}
	return false
}

// Opportunity is a potential deal with one contact
type Opportunity struct {
	ID                  uuid.UUID         `json:"id" db:"id"`
	ContactID           uuid.UUID         `json:"contact_id" db:"contact_id"`
	Title               string            `json:"title" db:"title"`
	Source              string            `json:"source,omitempty" db:"source"`
	SubSource           string            `json:"sub_source,omitempty" db:"sub_source"`
	Stage               string            `json:"stage" db:"stage"`
	Status              OpportunityStatus `json:"status" db:"status"`
	Value               int64             `json:"value" db:"value"` // in cents
	Owner               string            `json:"owner,omitempty" db:"owner"`
	LinkedOpportunityID *uuid.UUID        `json:"linked_opportunity_id,omitempty" db:"linked_opportunity_id"`
	WonAt               *time.Time        `json:"won_at,omitempty" db:"won_at"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// FieldValue returns the value of a category-mappable field
func (o *Opportunity) FieldValue(ft FieldType) string {
	switch ft {
	case FieldTypeSource:
		return o.Source
	case FieldTypeSubSource:
		return o.SubSource
	case FieldTypeStage:
		return o.Stage
	}
	return ""
}

// SetFieldValue sets a category-mappable field
func (o *Opportunity) SetFieldValue(ft FieldType, value string) {
	switch ft {
	case FieldTypeSource:
		o.Source = value
	case FieldTypeSubSource:
		o.SubSource = value
	case FieldTypeStage:
		o.Stage = value
	}
}

// FirstTouch describes the earliest recorded interaction with a contact
type FirstTouch struct {
	Date time.Time `json:"date"`
	Type string    `json:"type"`
}

// WinRequest carries the inputs of an open→won transition
type WinRequest struct {
	FinalValue *int64
	Owner      string
	LockOwner  string
	ChangedBy  string
	FirstTouch FirstTouch
}

// SnapshotRequest carries the inputs of a commission snapshot
type SnapshotRequest struct {
	LockOwner  string
	ChangedBy  string
	FirstTouch FirstTouch
}

// StatusChangeRequest represents a manual status transition (lost, reversed)
type StatusChangeRequest struct {
	Status    OpportunityStatus `json:"status" validate:"required,oneof=won lost reversed"`
	ChangedBy string            `json:"changed_by" validate:"required"`
}
