package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contactRowCols = []string{"id", "name", "email", "phone", "company", "contact_type", "created_at", "updated_at"}

func TestContactRepository_FindByEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewContactRepository(db)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM contacts WHERE email = $1")).
		WithArgs("guest@example.com").
		WillReturnRows(sqlmock.NewRows(contactRowCols).AddRow(id.String(), "Guest", "guest@example.com", "", "", "Direct", now, now))

	contact, err := repo.FindByEmail(context.Background(), "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, contact.ID)
	assert.Equal(t, models.ContactTypeDirect, contact.ContactType)

	mock.ExpectQuery(regexp.QuoteMeta("FROM contacts WHERE email = $1")).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindByEmail(context.Background(), "nobody@example.com")
	assert.Equal(t, models.ErrorKindNotFound, models.KindOf(err))
}

func TestContactRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewContactRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO contacts")).
		WithArgs(sqlmock.AnyArg(), "", "guest@example.com", "", "", "Other").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &models.Contact{Email: "guest@example.com"})
	assert.Equal(t, models.ErrorKindConflict, models.KindOf(err))
}

func TestContactRepository_UpdateKeepsBlankFields(t *testing.T) {
	db, mock := newMock(t)
	repo := NewContactRepository(db)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(NULLIF($2, ''), name)")).
		WithArgs(id, "", "", "Acme Villas", "").
		WillReturnRows(sqlmock.NewRows(contactRowCols).AddRow(id.String(), "Jane", "jane@example.com", "+44", "Acme Villas", "Agent", now, now))

	contact, err := repo.Update(context.Background(), id, &models.ContactUpdate{Company: "Acme Villas"})
	require.NoError(t, err)
	assert.Equal(t, "Jane", contact.Name)
	assert.Equal(t, "Acme Villas", contact.Company)
}
