package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the shared handle every repository in this package is built on.
// It carries the database connection and the master key used to derive
// per-field encryption keys; it holds no reference to any decrypted
// sensitive value.
type Store struct {
	db        *sqlx.DB
	masterKey []byte
}

// Open establishes a PostgreSQL connection using the provided DSN and
// verifies connectivity with a ping. The returned Store must be closed by
// the caller.
func Open(ctx context.Context, dsn string, masterKey []byte) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db, masterKey: masterKey}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, skipping the connectivity ping
// Open performs. Intended for callers that already hold a pool (or a
// sqlmock stand-in for one) rather than a DSN.
func NewWithDB(db *sqlx.DB, masterKey []byte) (*Store, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	return &Store{db: db, masterKey: masterKey}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ConfigurePool sets connection pool limits.
func (s *Store) ConfigurePool(maxOpen, maxIdle int, connMaxLifetime time.Duration) {
	s.db.SetMaxOpenConns(maxOpen)
	s.db.SetMaxIdleConns(maxIdle)
	s.db.SetConnMaxLifetime(connMaxLifetime)
}

// conn exposes the underlying *sqlx.DB for repository constructors in this
// package.
func (s *Store) conn() *sqlx.DB {
	return s.db
}

// DB exposes the underlying *sqlx.DB to callers outside this package that
// need direct query access, such as the ledger's own raw SQL.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
