package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestMapError(t *testing.T) {
	classified := models.NotFoundf("get", "missing")

	tests := []struct {
		name string
		err  error
		kind models.ErrorKind
	}{
		{"nil", nil, ""},
		{"no rows", sql.ErrNoRows, models.ErrorKindNotFound},
		{"pq unique violation", &pq.Error{Code: "23505"}, models.ErrorKindConflict},
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, models.ErrorKindConflict},
		{"foreign key violation", &pq.Error{Code: "23503"}, models.ErrorKindNotFound},
		{"connection failure", &pq.Error{Code: "08006"}, models.ErrorKindTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, models.ErrorKindTransient},
		{"serialization failure", &pq.Error{Code: "40001"}, models.ErrorKindTransient},
		{"breaker open", gobreaker.ErrOpenState, models.ErrorKindTransient},
		{"breaker half open", gobreaker.ErrTooManyRequests, models.ErrorKindTransient},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), models.ErrorKindTransient},
		{"deadline", context.DeadlineExceeded, models.ErrorKindTransient},
		{"syntax error", &pq.Error{Code: "42601"}, models.ErrorKindUnknown},
		{"plain", errors.New("boom"), models.ErrorKindUnknown},
		{"already classified", classified, models.ErrorKindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("op", tt.err)
			assert.Equal(t, tt.kind, models.KindOf(err))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	want := models.Conflictf("op", "nope")
	err := withTx(context.Background(), db, "op", func(tx *sql.Tx) error { return want })
	assert.Equal(t, want, err)
}

func TestWithTx_BeginFailureIsTransient(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin().WillReturnError(driver.ErrBadConn)

	err := withTx(context.Background(), db, "op", func(tx *sql.Tx) error { return nil })
	assert.True(t, models.IsTransient(err))
}
