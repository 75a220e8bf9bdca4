package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultActivityType is used when a create_activity action names no type
const DefaultActivityType = "email"

// Activity is an immutable record of an interaction with a contact
type Activity struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	ContactID       uuid.UUID  `json:"contact_id" db:"contact_id"`
	OpportunityID   *uuid.UUID `json:"opportunity_id,omitempty" db:"opportunity_id"`
	CommunicationID *uuid.UUID `json:"communication_id,omitempty" db:"communication_id"`
	ActivityType    string     `json:"activity_type" db:"activity_type"`
	Direction       Direction  `json:"direction" db:"direction"`
	Source          string     `json:"source,omitempty" db:"source"`
	SubSource       string     `json:"sub_source,omitempty" db:"sub_source"`
	Notes           string     `json:"notes,omitempty" db:"notes"`
	OccurredAt      time.Time  `json:"occurred_at" db:"occurred_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// FollowupStatus tracks whether a followup was done
type FollowupStatus string

const (
	FollowupStatusPending   FollowupStatus = "pending"
	FollowupStatusCompleted FollowupStatus = "completed"
)

// Followup is a scheduled reminder to contact someone
type Followup struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	ContactID     uuid.UUID      `json:"contact_id" db:"contact_id"`
	OpportunityID *uuid.UUID     `json:"opportunity_id,omitempty" db:"opportunity_id"`
	ScheduledDate time.Time      `json:"scheduled_date" db:"scheduled_date"`
	FollowupType  string         `json:"followup_type" db:"followup_type"`
	Status        FollowupStatus `json:"status" db:"status"`
	Notes         string         `json:"notes,omitempty" db:"notes"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
