package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davidmoltin/crm-rules/pkg/config"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is reported by HealthCheck while the breaker rejects calls
var ErrCircuitOpen = errors.New("database circuit breaker open")

// connectBackoff is the wait before each retry when the database is not up yet
var connectBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// PostgresDB wraps the connection pool. Exec, Query and BeginTx go through a circuit
// breaker so an unreachable database fails fast as a transient error instead of
// stalling every email in a sync batch.
type PostgresDB struct {
	DB             *sql.DB
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *logger.Logger
}

// NewPostgresDB opens the pool with the configured driver and waits for the database,
// retrying on the connectBackoff schedule
func NewPostgresDB(cfg *config.Config, log *logger.Logger) (*PostgresDB, error) {
	driver := driverName(cfg.Database.Driver)

	db, err := sql.Open(driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	attempts := len(connectBackoff) + 1
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			break
		}
		if attempt == attempts {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, err)
		}

		wait := connectBackoff[attempt-1]
		log.Warn("Database not reachable, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("retry_in", wait),
			logger.Err(err),
		)
		time.Sleep(wait)
	}

	log.Info("PostgreSQL connection established",
		logger.String("driver", driver),
		logger.String("host", cfg.Database.Host),
		logger.Int("port", cfg.Database.Port),
		logger.String("database", cfg.Database.Database),
	)

	return NewPostgresDBFromConn(db, log), nil
}

// driverName maps the configured driver to its database/sql name.
// Both lib/pq and pgx accept the same key/value DSN.
func driverName(driver string) string {
	if driver == "pgx" {
		return "pgx"
	}
	return "postgres"
}

// NewPostgresDBFromConn wraps an already opened pool, e.g. one from sqlmock
func NewPostgresDBFromConn(db *sql.DB, log *logger.Logger) *PostgresDB {
	return &PostgresDB{
		DB:             db,
		circuitBreaker: newCircuitBreaker(log),
		logger:         log,
	}
}

func newCircuitBreaker(log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return !isServerFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
}

// isServerFault reports whether err means the database itself is unhealthy.
// Errors the server answered with (constraint violations, bad input, serialization
// failures) and cancelled requests do not count against the breaker.
func isServerFault(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	var class string
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		class = string(pqErr.Code.Class())
	case errors.As(err, &pgErr) && len(pgErr.Code) >= 2:
		class = pgErr.Code[:2]
	default:
		return true
	}

	switch class {
	case "08", "53", "57", "58": // connection, resources, operator intervention, system
		return true
	}
	return false
}

// Close closes the pool
func (p *PostgresDB) Close() error {
	return p.DB.Close()
}

// HealthCheck pings the database, bypassing the breaker, and reports an open breaker
// as unhealthy
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	if err := p.DB.PingContext(ctx); err != nil {
		return err
	}
	if p.IsCircuitBreakerOpen() {
		return ErrCircuitOpen
	}
	return nil
}

// ExecContext executes a statement through the breaker
func (p *PostgresDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.DB.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(sql.Result), nil
}

// QueryContext runs a query through the breaker
func (p *PostgresDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.DB.QueryContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.Rows), nil
}

// QueryRowContext runs a single-row query. Its error surfaces at Scan, outside the
// breaker.
func (p *PostgresDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction through the breaker
func (p *PostgresDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.DB.BeginTx(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.Tx), nil
}

// IsCircuitBreakerOpen returns true while the breaker rejects calls
func (p *PostgresDB) IsCircuitBreakerOpen() bool {
	return p.circuitBreaker.State() == gobreaker.StateOpen
}
