package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
)

const contactColumns = `id, name, email, phone, company, contact_type, created_at, updated_at`

// ContactRepository handles contact database operations
type ContactRepository struct {
	db DB
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// FindByEmail finds a contact by its normalized email address
func (r *ContactRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE email = $1`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, normalizedEmail))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("find_contact", "no contact with email %s", normalizedEmail)
	}
	if err != nil {
		return nil, mapError("find_contact", err)
	}

	return contact, nil
}

// GetByID retrieves a contact by id
func (r *ContactRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_contact", "contact %s not found", id)
	}
	if err != nil {
		return nil, mapError("get_contact", err)
	}

	return contact, nil
}

// Create creates a contact. The email must already be normalized.
func (r *ContactRepository) Create(ctx context.Context, contact *models.Contact) error {
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	if contact.ContactType == "" {
		contact.ContactType = models.ContactTypeOther
	}

	query := `
		INSERT INTO contacts (id, name, email, phone, company, contact_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx, query,
		contact.ID, contact.Name, contact.Email, contact.Phone, contact.Company, contact.ContactType,
	).Scan(&contact.CreatedAt, &contact.UpdatedAt)
	if err != nil {
		return mapError("create_contact", fmt.Errorf("failed to create contact: %w", err))
	}

	return nil
}

// Update fills the contact's fields from update. Blank fields never overwrite stored values.
func (r *ContactRepository) Update(ctx context.Context, id uuid.UUID, update *models.ContactUpdate) (*models.Contact, error) {
	query := `
		UPDATE contacts
		SET name = COALESCE(NULLIF($2, ''), name),
			phone = COALESCE(NULLIF($3, ''), phone),
			company = COALESCE(NULLIF($4, ''), company),
			contact_type = COALESCE(NULLIF($5, ''), contact_type),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + contactColumns

	contact, err := scanContact(r.db.QueryRowContext(
		ctx, query,
		id, update.Name, update.Phone, update.Company, string(update.ContactType),
	))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("update_contact", "contact %s not found", id)
	}
	if err != nil {
		return nil, mapError("update_contact", fmt.Errorf("failed to update contact: %w", err))
	}

	return contact, nil
}

func scanContact(row rowScanner) (*models.Contact, error) {
	contact := &models.Contact{}
	err := row.Scan(
		&contact.ID, &contact.Name, &contact.Email, &contact.Phone,
		&contact.Company, &contact.ContactType, &contact.CreatedAt, &contact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return contact, nil
}
