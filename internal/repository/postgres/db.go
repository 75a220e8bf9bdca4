package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
)

// DB is the subset of *sql.DB the repositories use.
// *database.PostgresDB satisfies it with circuit breaker protection.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// queryer is satisfied by both DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, committing on success
func withTx(ctx context.Context, db DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapError classifies a database error into a domain error kind.
// Errors that are already classified pass through unchanged.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var domainErr *models.Error
	if errors.As(err, &domainErr) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return models.WrapError(models.ErrNotFound, op, err)
	}

	if code := sqlState(err); code != "" {
		switch {
		case code == "23505":
			return models.WrapError(models.ErrConflict, op, err)
		case code == "23503":
			return models.WrapError(models.ErrNotFound, op, err)
		case strings.HasPrefix(code, "08"), code == "57P01", code == "40001", code == "40P01", code == "53300":
			return models.WrapError(models.ErrTransient, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if isTransient(err) {
		return models.WrapError(models.ErrTransient, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// sqlState extracts the SQLSTATE from either driver's error type
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isTransient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
