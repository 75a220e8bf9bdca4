package engine

import (
	"context"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
)

// RuleLoader returns the enabled rules, sorted by priority descending then id ascending
type RuleLoader interface {
	LoadEnabledRules(ctx context.Context) ([]*models.Rule, error)
}

// ContactStore resolves and persists contacts
type ContactStore interface {
	FindByEmail(ctx context.Context, normalizedEmail string) (*models.Contact, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) error
	Update(ctx context.Context, id uuid.UUID, update *models.ContactUpdate) (*models.Contact, error)
}

// OpportunityStore persists opportunities along with their audit trail and commission snapshots.
// MarkWon and CreateCommissionSnapshot must check status and write as one critical section.
type OpportunityStore interface {
	Create(ctx context.Context, opp *models.Opportunity) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	FindOpenByContact(ctx context.Context, contactID uuid.UUID) (*models.Opportunity, error)
	UpdateStage(ctx context.Context, id uuid.UUID, stage, changedBy string) (*models.Opportunity, error)
	SetField(ctx context.Context, id uuid.UUID, field models.FieldType, value, changedBy string) (*models.Opportunity, error)
	MarkWon(ctx context.Context, id uuid.UUID, req models.WinRequest) (*models.CommissionSnapshot, error)
	CreateCommissionSnapshot(ctx context.Context, id uuid.UUID, req models.SnapshotRequest) (*models.CommissionSnapshot, error)
	Transition(ctx context.Context, id uuid.UUID, status models.OpportunityStatus, changedBy string) (*models.Opportunity, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (*models.CommissionSnapshot, error)
	ListAuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditTrailEntry, error)
}

// ActivityStore persists activities and followups
type ActivityStore interface {
	CreateActivity(ctx context.Context, activity *models.Activity) error
	FindActivityByCommunication(ctx context.Context, communicationID uuid.UUID, activityType string) (*models.Activity, error)
	EarliestForContact(ctx context.Context, contactID uuid.UUID) (*models.Activity, error)
	CreateFollowup(ctx context.Context, followup *models.Followup) error
}

// CommunicationStore persists synced emails and their processing outcome
type CommunicationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Email, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Email, error)
	Upsert(ctx context.Context, email *models.Email) error
	LinkContact(ctx context.Context, id, contactID uuid.UUID) error
	LinkOpportunity(ctx context.Context, id, opportunityID uuid.UUID) error
	AddCategories(ctx context.Context, id uuid.UUID, categories []string) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// Claim takes the processing claim on an email. It reports false when another run
	// holds a claim younger than lease, when unprocessedOnly is set and the email is
	// already processed, or when the email does not exist. MarkProcessed drops the claim.
	Claim(ctx context.Context, id uuid.UUID, lease time.Duration, unprocessedOnly bool) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error

	RecordActions(ctx context.Context, records []*models.ActionRecord) error
	ListUnprocessed(ctx context.Context, limit int) ([]*models.Email, error)
}

// CategoryMapper maps a provider category to a CRM field. Unmapped categories return nil, nil.
type CategoryMapper interface {
	MapCategoryToField(ctx context.Context, categoryName string) (*models.FieldMapping, error)
}

// Clock returns the current time
type Clock func() time.Time
