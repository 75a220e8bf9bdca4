package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionRecord is the persisted outcome of one action run against one email
type ActionRecord struct {
	ID              int64      `json:"id" db:"id"`
	CommunicationID uuid.UUID  `json:"communication_id" db:"communication_id"`
	RuleID          int64      `json:"rule_id" db:"rule_id"`
	ActionType      ActionType `json:"action_type" db:"action_type"`
	Success         bool       `json:"success" db:"success"`
	CreatedEntityID *uuid.UUID `json:"created_entity_id,omitempty" db:"created_entity_id"`
	Error           string     `json:"error,omitempty" db:"error"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty" db:"error_kind"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
