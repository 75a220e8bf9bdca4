package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/models"
)

// CategoryRepository handles category mapping database operations
type CategoryRepository struct {
	db DB
}

// NewCategoryRepository creates a new category mapping repository
func NewCategoryRepository(db DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// GetByName retrieves the mapping of a provider category
func (r *CategoryRepository) GetByName(ctx context.Context, name string) (*models.CategoryMapping, error) {
	query := `
		SELECT category_name, field_type, field_value, created_at, updated_at
		FROM category_mappings
		WHERE category_name = $1`

	m := &models.CategoryMapping{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&m.CategoryName, &m.FieldType, &m.FieldValue, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("get_category_mapping", "no mapping for category %q", name)
	}
	if err != nil {
		return nil, mapError("get_category_mapping", err)
	}

	return m, nil
}

// List returns every mapping ordered by category name
func (r *CategoryRepository) List(ctx context.Context) ([]*models.CategoryMapping, error) {
	query := `
		SELECT category_name, field_type, field_value, created_at, updated_at
		FROM category_mappings
		ORDER BY category_name ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError("list_category_mappings", err)
	}
	defer rows.Close()

	mappings := []*models.CategoryMapping{}
	for rows.Next() {
		m := &models.CategoryMapping{}
		if err := rows.Scan(&m.CategoryName, &m.FieldType, &m.FieldValue, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, mapError("list_category_mappings", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_category_mappings", err)
	}

	return mappings, nil
}

// Upsert creates or replaces the mapping of a category
func (r *CategoryRepository) Upsert(ctx context.Context, m *models.CategoryMapping) error {
	query := `
		INSERT INTO category_mappings (category_name, field_type, field_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (category_name) DO UPDATE SET
			field_type = EXCLUDED.field_type,
			field_value = EXCLUDED.field_value,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, m.CategoryName, m.FieldType, m.FieldValue).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapError("upsert_category_mapping", fmt.Errorf("failed to upsert category mapping: %w", err))
	}

	return nil
}

// Delete removes the mapping of a category
func (r *CategoryRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM category_mappings WHERE category_name = $1`, name)
	if err != nil {
		return mapError("delete_category_mapping", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return mapError("delete_category_mapping", err)
	}
	if n == 0 {
		return models.NotFoundf("delete_category_mapping", "no mapping for category %q", name)
	}

	return nil
}
