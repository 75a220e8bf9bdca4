package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
)

const activityColumns = `id, contact_id, opportunity_id, communication_id, activity_type, direction,
	source, sub_source, notes, occurred_at, created_at`

// ActivityRepository handles activity and followup database operations
type ActivityRepository struct {
	db DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// CreateActivity records an immutable activity
func (r *ActivityRepository) CreateActivity(ctx context.Context, a *models.Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	query := `
		INSERT INTO activities (
			id, contact_id, opportunity_id, communication_id, activity_type, direction,
			source, sub_source, notes, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	err := r.db.QueryRowContext(
		ctx, query,
		a.ID, a.ContactID, a.OpportunityID, a.CommunicationID, a.ActivityType, a.Direction,
		a.Source, a.SubSource, a.Notes, a.OccurredAt,
	).Scan(&a.CreatedAt)
	if err != nil {
		return mapError("create_activity", fmt.Errorf("failed to create activity: %w", err))
	}

	return nil
}

// FindActivityByCommunication finds the activity of a given type recorded for an email
func (r *ActivityRepository) FindActivityByCommunication(ctx context.Context, communicationID uuid.UUID, activityType string) (*models.Activity, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activities
		WHERE communication_id = $1 AND activity_type = $2
		LIMIT 1`

	a, err := scanActivity(r.db.QueryRowContext(ctx, query, communicationID, activityType))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("find_activity", "no %s activity for communication %s", activityType, communicationID)
	}
	if err != nil {
		return nil, mapError("find_activity", err)
	}

	return a, nil
}

// EarliestForContact returns the contact's earliest activity, the first touch
func (r *ActivityRepository) EarliestForContact(ctx context.Context, contactID uuid.UUID) (*models.Activity, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activities
		WHERE contact_id = $1
		ORDER BY occurred_at ASC
		LIMIT 1`

	a, err := scanActivity(r.db.QueryRowContext(ctx, query, contactID))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("earliest_activity", "no activity for contact %s", contactID)
	}
	if err != nil {
		return nil, mapError("earliest_activity", err)
	}

	return a, nil
}

// CreateFollowup schedules a followup
func (r *ActivityRepository) CreateFollowup(ctx context.Context, f *models.Followup) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = models.FollowupStatusPending
	}

	query := `
		INSERT INTO followups (id, contact_id, opportunity_id, scheduled_date, followup_type, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := r.db.QueryRowContext(
		ctx, query,
		f.ID, f.ContactID, f.OpportunityID, f.ScheduledDate, f.FollowupType, f.Status, f.Notes,
	).Scan(&f.CreatedAt)
	if err != nil {
		return mapError("create_followup", fmt.Errorf("failed to create followup: %w", err))
	}

	return nil
}

func scanActivity(row rowScanner) (*models.Activity, error) {
	a := &models.Activity{}
	err := row.Scan(
		&a.ID, &a.ContactID, &a.OpportunityID, &a.CommunicationID, &a.ActivityType, &a.Direction,
		&a.Source, &a.SubSource, &a.Notes, &a.OccurredAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
