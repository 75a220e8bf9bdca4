package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const communicationColumns = `id, external_id, subject, body, from_address, to_address, direction,
	occurred_at, conversation_id, categories, is_flagged, folder_id, processed_by_rules,
	contact_id, opportunity_id, created_at, updated_at`

// CommunicationRepository handles synced email database operations
type CommunicationRepository struct {
	db DB
}

// NewCommunicationRepository creates a new communication repository
func NewCommunicationRepository(db DB) *CommunicationRepository {
	return &CommunicationRepository{db: db}
}

// GetByID retrieves an email by id
func (r *CommunicationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Email, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE id = $1`

	email, err := scanEmail(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_communication", "communication %s not found", id)
	}
	if err != nil {
		return nil, mapError("get_communication", err)
	}

	return email, nil
}

// GetByExternalID retrieves an email by its provider id
func (r *CommunicationRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Email, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE external_id = $1`

	email, err := scanEmail(r.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_communication", "communication %s not found", externalID)
	}
	if err != nil {
		return nil, mapError("get_communication", err)
	}

	return email, nil
}

// Upsert inserts an email or refreshes the provider fields of an existing one.
// The processed flag and links survive a refresh, and categories are only ever added:
// the stored ones keep their order and new provider categories follow. email is
// overwritten with the stored row.
func (r *CommunicationRepository) Upsert(ctx context.Context, email *models.Email) error {
	if email.ID == uuid.Nil {
		email.ID = uuid.New()
	}
	categories := email.Categories
	if categories == nil {
		categories = []string{}
	}

	query := `
		INSERT INTO communications (
			id, external_id, subject, body, from_address, to_address, direction,
			occurred_at, conversation_id, categories, is_flagged, folder_id, contact_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			direction = EXCLUDED.direction,
			occurred_at = EXCLUDED.occurred_at,
			conversation_id = EXCLUDED.conversation_id,
			categories = ARRAY(
				SELECT category FROM unnest(communications.categories || EXCLUDED.categories)
					WITH ORDINALITY AS c(category, n)
				GROUP BY category ORDER BY MIN(n)
			),
			is_flagged = EXCLUDED.is_flagged,
			folder_id = EXCLUDED.folder_id,
			contact_id = COALESCE(communications.contact_id, EXCLUDED.contact_id),
			updated_at = NOW()
		RETURNING ` + communicationColumns

	stored, err := scanEmail(r.db.QueryRowContext(
		ctx, query,
		email.ID, email.ExternalID, email.Subject, email.Body, email.FromAddress, email.ToAddress,
		email.Direction, email.OccurredAt, email.ConversationID, pq.Array(categories),
		email.IsFlagged, email.FolderID, email.ContactID,
	))
	if err != nil {
		return mapError("upsert_communication", fmt.Errorf("failed to upsert communication: %w", err))
	}

	*email = *stored
	return nil
}

// LinkContact sets the email's contact
func (r *CommunicationRepository) LinkContact(ctx context.Context, id, contactID uuid.UUID) error {
	query := `UPDATE communications SET contact_id = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "link_contact", query, id, contactID)
}

// LinkOpportunity sets the email's opportunity
func (r *CommunicationRepository) LinkOpportunity(ctx context.Context, id, opportunityID uuid.UUID) error {
	query := `UPDATE communications SET opportunity_id = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "link_opportunity", query, id, opportunityID)
}

// MarkProcessed sets processed_by_rules and drops the processing claim
func (r *CommunicationRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE communications
		SET processed_by_rules = TRUE, processing_started_at = NULL, updated_at = NOW()
		WHERE id = $1`
	return r.execOne(ctx, "mark_processed", query, id)
}

// Claim stamps processing_started_at unless a live claim exists. The check and the
// stamp are one statement, so two runs can never both win.
func (r *CommunicationRepository) Claim(ctx context.Context, id uuid.UUID, lease time.Duration, unprocessedOnly bool) (bool, error) {
	query := `
		UPDATE communications
		SET processing_started_at = NOW()
		WHERE id = $1
			AND (processing_started_at IS NULL OR processing_started_at < NOW() - make_interval(secs => $2))
			AND ($3 = FALSE OR processed_by_rules = FALSE)
		RETURNING id`

	var claimed uuid.UUID
	err := r.db.QueryRowContext(ctx, query, id, lease.Seconds(), unprocessedOnly).Scan(&claimed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapError("claim_communication", err)
	}
	return true, nil
}

// ReleaseClaim clears processing_started_at
func (r *CommunicationRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE communications SET processing_started_at = NULL WHERE id = $1`, id)
	return mapError("release_claim", err)
}

// AddCategories appends categories the email does not carry yet, keeping order
func (r *CommunicationRepository) AddCategories(ctx context.Context, id uuid.UUID, categories []string) error {
	return withTx(ctx, r.db, "add_categories", func(tx *sql.Tx) error {
		var current []string
		err := tx.QueryRowContext(ctx,
			`SELECT categories FROM communications WHERE id = $1 FOR UPDATE`, id,
		).Scan(pq.Array(&current))
		if err == sql.ErrNoRows {
			return models.NotFoundf("add_categories", "communication %s not found", id)
		}
		if err != nil {
			return mapError("add_categories", err)
		}

		merged := mergeCategories(current, categories)
		if len(merged) == len(current) {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE communications SET categories = $2, updated_at = NOW() WHERE id = $1`,
			id, pq.Array(merged),
		)
		return mapError("add_categories", err)
	})
}

// RecordActions appends action outcomes to the rule action log
func (r *CommunicationRepository) RecordActions(ctx context.Context, records []*models.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO rule_action_log (
			communication_id, rule_id, action_type, success, created_entity_id, error, error_kind, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	return withTx(ctx, r.db, "record_actions", func(tx *sql.Tx) error {
		for _, rec := range records {
			err := tx.QueryRowContext(
				ctx, query,
				rec.CommunicationID, rec.RuleID, string(rec.ActionType), rec.Success,
				rec.CreatedEntityID, rec.Error, string(rec.ErrorKind), rec.CreatedAt,
			).Scan(&rec.ID)
			if err != nil {
				return mapError("record_actions", fmt.Errorf("failed to record action: %w", err))
			}
		}
		return nil
	})
}

// ListActions returns the action log of an email, oldest first
func (r *CommunicationRepository) ListActions(ctx context.Context, communicationID uuid.UUID) ([]*models.ActionRecord, error) {
	query := `
		SELECT id, communication_id, rule_id, action_type, success, created_entity_id, error, error_kind, created_at
		FROM rule_action_log
		WHERE communication_id = $1
		ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, communicationID)
	if err != nil {
		return nil, mapError("list_actions", err)
	}
	defer rows.Close()

	records := []*models.ActionRecord{}
	for rows.Next() {
		rec := &models.ActionRecord{}
		err := rows.Scan(
			&rec.ID, &rec.CommunicationID, &rec.RuleID, &rec.ActionType, &rec.Success,
			&rec.CreatedEntityID, &rec.Error, &rec.ErrorKind, &rec.CreatedAt,
		)
		if err != nil {
			return nil, mapError("list_actions", err)
		}
		records = append(records, rec)
	}

	return records, mapError("list_actions", rows.Err())
}

// ListUnprocessed returns emails not yet processed by rules, oldest first
func (r *CommunicationRepository) ListUnprocessed(ctx context.Context, limit int) ([]*models.Email, error) {
	query := `
		SELECT ` + communicationColumns + `
		FROM communications
		WHERE processed_by_rules = FALSE
		ORDER BY occurred_at ASC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, mapError("list_unprocessed", fmt.Errorf("failed to list unprocessed: %w", err))
	}
	defer rows.Close()

	emails := []*models.Email{}
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, mapError("list_unprocessed", err)
		}
		emails = append(emails, email)
	}

	return emails, mapError("list_unprocessed", rows.Err())
}

func (r *CommunicationRepository) execOne(ctx context.Context, op, query string, id uuid.UUID, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return mapError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return models.NotFoundf(op, "communication %s not found", id)
	}
	return nil
}

func scanEmail(row rowScanner) (*models.Email, error) {
	email := &models.Email{}
	var categories []string

	err := row.Scan(
		&email.ID, &email.ExternalID, &email.Subject, &email.Body, &email.FromAddress,
		&email.ToAddress, &email.Direction, &email.OccurredAt, &email.ConversationID,
		pq.Array(&categories), &email.IsFlagged, &email.FolderID, &email.ProcessedByRules,
		&email.ContactID, &email.OpportunityID, &email.CreatedAt, &email.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if categories == nil {
		categories = []string{}
	}
	email.Categories = categories

	return email, nil
}

func mergeCategories(current, add []string) []string {
	seen := make(map[string]bool, len(current)+len(add))
	merged := make([]string, 0, len(current)+len(add))
	for _, c := range current {
		seen[c] = true
		merged = append(merged, c)
	}
	for _, c := range add {
		if !seen[c] {
			seen[c] = true
			merged = append(merged, c)
		}
	}
	return merged
}
