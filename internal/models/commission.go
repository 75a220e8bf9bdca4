package models

import (
	"time"

	"github.com/google/uuid"
)

// CommissionSnapshot captures deal economics at the moment an opportunity is won.
// Snapshots are never updated or deleted, including on reversal.
type CommissionSnapshot struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OpportunityID  uuid.UUID `json:"opportunity_id" db:"opportunity_id"`
	FinalValue     int64     `json:"final_value" db:"final_value"`
	Owner          string    `json:"owner,omitempty" db:"owner"`
	Source         string    `json:"source,omitempty" db:"source"`
	SubSource      string    `json:"sub_source,omitempty" db:"sub_source"`
	FirstTouchDate time.Time `json:"first_touch_date" db:"first_touch_date"`
	FirstTouchType string    `json:"first_touch_type" db:"first_touch_type"`
	LockOwner      string    `json:"lock_owner,omitempty" db:"lock_owner"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NewCommissionSnapshot builds a snapshot from a won opportunity
func NewCommissionSnapshot(opp *Opportunity, ft FirstTouch, lockOwner string, now time.Time) *CommissionSnapshot {
	if lockOwner == "" {
		lockOwner = opp.Owner
	}
	return &CommissionSnapshot{
		ID:             uuid.New(),
		OpportunityID:  opp.ID,
		FinalValue:     opp.Value,
		Owner:          opp.Owner,
		Source:         opp.Source,
		SubSource:      opp.SubSource,
		FirstTouchDate: ft.Date,
		FirstTouchType: ft.Type,
		LockOwner:      lockOwner,
		CreatedAt:      now,
	}
}

// AuditTrailEntry is an append-only record of a field change on an opportunity
type AuditTrailEntry struct {
	ID            uuid.UUID `json:"id" db:"id"`
	OpportunityID uuid.UUID `json:"opportunity_id" db:"opportunity_id"`
	FieldName     string    `json:"field_name" db:"field_name"`
	OldValue      string    `json:"old_value" db:"old_value"`
	NewValue      string    `json:"new_value" db:"new_value"`
	ChangedBy     string    `json:"changed_by" db:"changed_by"`
	ChangedAt     time.Time `json:"changed_at" db:"changed_at"`
}

// NewAuditTrailEntry creates an audit entry for a field change
func NewAuditTrailEntry(opportunityID uuid.UUID, field, oldValue, newValue, changedBy string, now time.Time) *AuditTrailEntry {
	return &AuditTrailEntry{
		ID:            uuid.New(),
		OpportunityID: opportunityID,
		FieldName:     field,
		OldValue:      oldValue,
		NewValue:      newValue,
		ChangedBy:     changedBy,
		ChangedAt:     now,
	}
}
