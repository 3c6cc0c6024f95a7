// Package database provides the Postgres connection pool, embedded
// migrations, and a circuit breaker (reachable through Client.Guard) shared
// by pkg/patternstore, pkg/idempotency, and pkg/fsm.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
)

//go:embed migrations
var migrationsFS embed.FS

// Client holds a connection pool and a circuit breaker. The breaker guards
// only the functions passed to Guard; Ping, Exec, queries and transactions
// made on DB do not pass through it, and no caller in this module uses Guard.
type Client struct {
	DB      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
}

// NewClient opens a pooled pgx-backed connection, runs embedded migrations,
// and wraps the result in breaker-guarded Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	sqlxDB := sqlx.NewDb(db, "pgx")

	if err := runMigrations(ctx, db, cfg); err != nil {
		_ = sqlxDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{DB: sqlxDB, breaker: breaker}, nil
}

// NewClientFromDB wraps an already-open *sqlx.DB, used by tests that set up
// sqlmock or testcontainers themselves.
func NewClientFromDB(db *sqlx.DB) *Client {
	return &Client{
		DB: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "database-test",
			Timeout: 15 * time.Second,
		}),
	}
}

// Guard runs fn through the circuit breaker, tripping after repeated
// consecutive failures so callers stop hammering a dead database.
func (c *Client) Guard(fn func() (any, error)) (any, error) {
	return c.breaker.Execute(fn)
}

// Tx is the externally-supplied transaction handle threaded through
// pkg/patternstore, pkg/idempotency, and pkg/fsm so a handler can compose
// several writes into one commit (spec.md §4.2).
type Tx = *sqlx.Tx

// BeginTx opens a new transaction at the default (read-committed)
// isolation level. Lifecycle transitions additionally request
// serializable isolation via BeginSerializableTx.
func (c *Client) BeginTx(ctx context.Context) (Tx, error) {
	return c.DB.BeginTxx(ctx, nil)
}

// BeginSerializableTx opens a transaction at serializable isolation, used
// by pkg/lifecycle for pattern transitions (spec.md §5: "lifecycle
// transitions use serializable isolation; other reads use read-committed").
func (c *Client) BeginSerializableTx(ctx context.Context) (Tx, error) {
	return c.DB.BeginTxx(ctx, &stdsql.TxOptions{Isolation: stdsql.LevelSerializable})
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

func runMigrations(ctx context.Context, db *stdsql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found, binary built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver; m.Close() would also close db, which
	// the caller still owns.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}

	if err := createSupportingIndexes(ctx, db); err != nil {
		return fmt.Errorf("create supporting indexes: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
