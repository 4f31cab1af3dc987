package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const (
	// MaxRetries is the number of releases after which a queue item is dropped
	MaxRetries = 7

	// StaleLockTimeout is how long a claimed queue item may stay claimed
	// before another worker may take it over
	StaleLockTimeout = 10 * time.Minute
)

// backoffMinutes is the delay before retry N (1-indexed), capped at the last entry
var backoffMinutes = []int{1, 5, 15, 30, 60, 120, 240}

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens a connection to the SQLite database at the specified path
func Open(path string) (*DB, error) {
	// Open the database with appropriate pragmas
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers, which also makes every
	// read-merge-write transaction atomic with respect to other workers.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Init initializes the database schema by creating all tables and indexes
func (db *DB) Init() error {
	_, err := db.conn.Exec(Schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Health checks if the database connection is healthy
func (db *DB) Health() error {
	return db.conn.Ping()
}

// withTx runs fn inside a transaction. fn must only use tx: the pool holds a
// single connection, so touching db.conn inside fn would block forever.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nextRetryAt returns when an item released for the retryCount-th time
// becomes claimable again
func nextRetryAt(now time.Time, retryCount int) time.Time {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return now.Add(time.Duration(backoffMinutes[idx]) * time.Minute)
}

func unixPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.Unix()
	return &u
}

func timePtr(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
