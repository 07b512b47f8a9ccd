package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// schema is portable between SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		document_name TEXT NOT NULL,
		sha256        TEXT NOT NULL,
		status        TEXT NOT NULL,
		pages         INTEGER NOT NULL DEFAULT 0,
		chunks        INTEGER NOT NULL DEFAULT 0,
		empty_pages   INTEGER NOT NULL DEFAULT 0,
		output_chars  INTEGER NOT NULL DEFAULT 0,
		cached        BOOLEAN NOT NULL DEFAULT FALSE,
		error_type    TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMP NOT NULL,
		finished_at   TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at)`,
	`CREATE INDEX IF NOT EXISTS runs_sha256_idx ON runs (sha256)`,
}

// Store bundles the database handle with its repositories.
type Store struct {
	db   *sql.DB
	Runs *RunRepository
}

// Open connects to the database selected by cfg and applies the schema.
// It returns nil when the run ledger is disabled.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	var driver string
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		driver = "sqlite3"
	case "postgres":
		driver = "postgres"
	default:
		return nil, domain.ConfigError(fmt.Sprintf("invalid storage driver: %s", cfg.Driver), nil)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, domain.StorageError("open database", err)
	}

	if driver == "sqlite3" {
		// SQLite allows a single writer, and each :memory: connection is its own database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, domain.StorageError(fmt.Sprintf("connect to %s", redactDSN(cfg.DSN)), err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, Runs: NewRunRepository(db)}, nil
}

// Migrate creates the ledger tables when missing.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return domain.StorageError("apply schema", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if user, _, ok := strings.Cut(creds, ":"); ok {
		return dsn[:scheme+3] + user + ":***" + dsn[at:]
	}
	return dsn
}
