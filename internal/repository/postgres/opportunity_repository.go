package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
)

const opportunityColumns = `id, contact_id, title, source, sub_source, stage, status, value, owner,
	linked_opportunity_id, won_at, created_at, updated_at`

const snapshotColumns = `id, opportunity_id, final_value, owner, source, sub_source,
	first_touch_date, first_touch_type, lock_owner, created_at`

// fieldColumns whitelists the category-mappable columns
var fieldColumns = map[models.FieldType]string{
	models.FieldTypeSource:    "source",
	models.FieldTypeSubSource: "sub_source",
	models.FieldTypeStage:     "stage",
}

// OpportunityRepository handles opportunity database operations, including the
// audit trail and commission snapshots that must change together with an opportunity
type OpportunityRepository struct {
	db  DB
	now func() time.Time
}

// NewOpportunityRepository creates a new opportunity repository
func NewOpportunityRepository(db DB) *OpportunityRepository {
	return &OpportunityRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create creates an opportunity for an existing contact
func (r *OpportunityRepository) Create(ctx context.Context, opp *models.Opportunity) error {
	if opp.ID == uuid.Nil {
		opp.ID = uuid.New()
	}
	if opp.Status == "" {
		opp.Status = models.OpportunityStatusOpen
	}
	if opp.CreatedAt.IsZero() {
		opp.CreatedAt = r.now()
	}
	opp.UpdatedAt = opp.CreatedAt

	query := `
		INSERT INTO opportunities (
			id, contact_id, title, source, sub_source, stage, status, value, owner,
			linked_opportunity_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(
		ctx, query,
		opp.ID, opp.ContactID, opp.Title, opp.Source, opp.SubSource, opp.Stage, opp.Status,
		opp.Value, opp.Owner, opp.LinkedOpportunityID, opp.CreatedAt, opp.UpdatedAt,
	)
	if err != nil {
		return mapError("create_opportunity", fmt.Errorf("failed to create opportunity: %w", err))
	}

	return nil
}

// GetByID retrieves an opportunity by id
func (r *OpportunityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	return r.getOne(ctx, r.db, "get_opportunity", `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
}

// FindOpenByContact returns the newest open opportunity of a contact
func (r *OpportunityRepository) FindOpenByContact(ctx context.Context, contactID uuid.UUID) (*models.Opportunity, error) {
	query := `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE contact_id = $1 AND status = 'open'
		ORDER BY created_at DESC
		LIMIT 1`

	opp, err := scanOpportunity(r.db.QueryRowContext(ctx, query, contactID))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("find_open_opportunity", "no open opportunity for contact %s", contactID)
	}
	if err != nil {
		return nil, mapError("find_open_opportunity", err)
	}

	return opp, nil
}

// UpdateStage sets the stage and records the change
func (r *OpportunityRepository) UpdateStage(ctx context.Context, id uuid.UUID, stage, changedBy string) (*models.Opportunity, error) {
	return r.SetField(ctx, id, models.FieldTypeStage, stage, changedBy)
}

// SetField sets a category-mappable field and appends an audit entry in the same transaction
func (r *OpportunityRepository) SetField(ctx context.Context, id uuid.UUID, field models.FieldType, value, changedBy string) (*models.Opportunity, error) {
	const op = "set_opportunity_field"

	column, ok := fieldColumns[field]
	if !ok {
		return nil, models.ConfigErrorf(op, "unknown field type %q", field)
	}

	var updated *models.Opportunity
	err := withTx(ctx, r.db, op, func(tx *sql.Tx) error {
		opp, err := r.lock(ctx, tx, op, id)
		if err != nil {
			return err
		}

		now := r.now()
		old := opp.FieldValue(field)

		query := fmt.Sprintf(`UPDATE opportunities SET %s = $2, updated_at = $3 WHERE id = $1`, column)
		if _, err := tx.ExecContext(ctx, query, id, value, now); err != nil {
			return mapError(op, err)
		}
		if err := insertAudit(ctx, tx, models.NewAuditTrailEntry(id, string(field), old, value, changedBy, now)); err != nil {
			return err
		}

		opp.SetFieldValue(field, value)
		opp.UpdatedAt = now
		updated = opp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// MarkWon moves an open opportunity to won and creates its commission snapshot.
// The status check and both writes happen under a row lock in one transaction.
func (r *OpportunityRepository) MarkWon(ctx context.Context, id uuid.UUID, req models.WinRequest) (*models.CommissionSnapshot, error) {
	const op = "mark_opportunity_won"

	var snapshot *models.CommissionSnapshot
	err := withTx(ctx, r.db, op, func(tx *sql.Tx) error {
		opp, err := r.lock(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(opp.Status, models.OpportunityStatusWon) {
			return models.Conflictf(op, "cannot transition opportunity from %s to won", opp.Status)
		}
		if exists, err := snapshotExists(ctx, tx, id); err != nil {
			return mapError(op, err)
		} else if exists {
			return models.Conflictf(op, "opportunity %s already has a commission snapshot", id)
		}

		now := r.now()
		var entries []*models.AuditTrailEntry
		if req.FinalValue != nil && *req.FinalValue != opp.Value {
			entries = append(entries, models.NewAuditTrailEntry(id, "value",
				strconv.FormatInt(opp.Value, 10), strconv.FormatInt(*req.FinalValue, 10), req.ChangedBy, now))
			opp.Value = *req.FinalValue
		}
		if req.Owner != "" && req.Owner != opp.Owner {
			entries = append(entries, models.NewAuditTrailEntry(id, "owner", opp.Owner, req.Owner, req.ChangedBy, now))
			opp.Owner = req.Owner
		}
		entries = append(entries, models.NewAuditTrailEntry(id, "status",
			string(opp.Status), string(models.OpportunityStatusWon), req.ChangedBy, now))

		opp.Status = models.OpportunityStatusWon
		opp.WonAt = &now
		opp.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE opportunities
			SET status = $2, value = $3, owner = $4, won_at = $5, updated_at = $5
			WHERE id = $1`,
			id, opp.Status, opp.Value, opp.Owner, now,
		)
		if err != nil {
			return mapError(op, err)
		}

		for _, entry := range entries {
			if err := insertAudit(ctx, tx, entry); err != nil {
				return err
			}
		}

		snapshot = models.NewCommissionSnapshot(opp, req.FirstTouch, req.LockOwner, now)
		return insertSnapshot(ctx, tx, op, snapshot)
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// CreateCommissionSnapshot snapshots an already won opportunity, at most once
func (r *OpportunityRepository) CreateCommissionSnapshot(ctx context.Context, id uuid.UUID, req models.SnapshotRequest) (*models.CommissionSnapshot, error) {
	const op = "create_commission_snapshot"

	var snapshot *models.CommissionSnapshot
	err := withTx(ctx, r.db, op, func(tx *sql.Tx) error {
		opp, err := r.lock(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if opp.Status != models.OpportunityStatusWon {
			return models.Conflictf(op, "opportunity %s is %s, not won", id, opp.Status)
		}
		if exists, err := snapshotExists(ctx, tx, id); err != nil {
			return mapError(op, err)
		} else if exists {
			return models.Conflictf(op, "opportunity %s already has a commission snapshot", id)
		}

		snapshot = models.NewCommissionSnapshot(opp, req.FirstTouch, req.LockOwner, r.now())
		return insertSnapshot(ctx, tx, op, snapshot)
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Transition applies a legal status change other than won. Rejected transitions write nothing.
func (r *OpportunityRepository) Transition(ctx context.Context, id uuid.UUID, status models.OpportunityStatus, changedBy string) (*models.Opportunity, error) {
	const op = "transition_opportunity"

	if status == models.OpportunityStatusWon {
		return nil, models.ConfigErrorf(op, "won transitions must go through MarkWon")
	}

	var updated *models.Opportunity
	err := withTx(ctx, r.db, op, func(tx *sql.Tx) error {
		opp, err := r.lock(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(opp.Status, status) {
			return models.Conflictf(op, "cannot transition opportunity from %s to %s", opp.Status, status)
		}

		now := r.now()
		_, err = tx.ExecContext(ctx,
			`UPDATE opportunities SET status = $2, updated_at = $3 WHERE id = $1`,
			id, status, now,
		)
		if err != nil {
			return mapError(op, err)
		}
		if err := insertAudit(ctx, tx, models.NewAuditTrailEntry(id, "status", string(opp.Status), string(status), changedBy, now)); err != nil {
			return err
		}

		opp.Status = status
		opp.UpdatedAt = now
		updated = opp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetSnapshot returns the commission snapshot of an opportunity
func (r *OpportunityRepository) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.CommissionSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM commission_snapshots WHERE opportunity_id = $1`

	s := &models.CommissionSnapshot{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.OpportunityID, &s.FinalValue, &s.Owner, &s.Source, &s.SubSource,
		&s.FirstTouchDate, &s.FirstTouchType, &s.LockOwner, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_commission_snapshot", "no snapshot for opportunity %s", id)
	}
	if err != nil {
		return nil, mapError("get_commission_snapshot", err)
	}

	return s, nil
}

// ListAuditTrail returns an opportunity's audit entries, oldest first
func (r *OpportunityRepository) ListAuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditTrailEntry, error) {
	query := `
		SELECT id, opportunity_id, field_name, old_value, new_value, changed_by, changed_at
		FROM audit_trail
		WHERE opportunity_id = $1
		ORDER BY changed_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, mapError("list_audit_trail", err)
	}
	defer rows.Close()

	entries := []*models.AuditTrailEntry{}
	for rows.Next() {
		e := &models.AuditTrailEntry{}
		if err := rows.Scan(&e.ID, &e.OpportunityID, &e.FieldName, &e.OldValue, &e.NewValue, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, mapError("list_audit_trail", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_audit_trail", err)
	}

	return entries, nil
}

// lock reads an opportunity with a row lock held until the transaction ends
func (r *OpportunityRepository) lock(ctx context.Context, tx *sql.Tx, op string, id uuid.UUID) (*models.Opportunity, error) {
	return r.getOne(ctx, tx, op, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, id)
}

func (r *OpportunityRepository) getOne(ctx context.Context, q queryer, op, query string, id uuid.UUID) (*models.Opportunity, error) {
	opp, err := scanOpportunity(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf(op, "opportunity %s not found", id)
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	return opp, nil
}

func scanOpportunity(row rowScanner) (*models.Opportunity, error) {
	opp := &models.Opportunity{}
	err := row.Scan(
		&opp.ID, &opp.ContactID, &opp.Title, &opp.Source, &opp.SubSource, &opp.Stage,
		&opp.Status, &opp.Value, &opp.Owner, &opp.LinkedOpportunityID, &opp.WonAt,
		&opp.CreatedAt, &opp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return opp, nil
}

func snapshotExists(ctx context.Context, tx *sql.Tx, opportunityID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM commission_snapshots WHERE opportunity_id = $1)`, opportunityID,
	).Scan(&exists)
	return exists, err
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, op string, s *models.CommissionSnapshot) error {
	query := `
		INSERT INTO commission_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.ExecContext(
		ctx, query,
		s.ID, s.OpportunityID, s.FinalValue, s.Owner, s.Source, s.SubSource,
		s.FirstTouchDate, s.FirstTouchType, s.LockOwner, s.CreatedAt,
	)
	if err != nil {
		return mapError(op, fmt.Errorf("failed to create commission snapshot: %w", err))
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, e *models.AuditTrailEntry) error {
	query := `
		INSERT INTO audit_trail (id, opportunity_id, field_name, old_value, new_value, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.ExecContext(ctx, query, e.ID, e.OpportunityID, e.FieldName, e.OldValue, e.NewValue, e.ChangedBy, e.ChangedAt)
	if err != nil {
		return mapError("append_audit_trail", fmt.Errorf("failed to append audit entry: %w", err))
	}
	return nil
}
