// Package sqliteutil holds the low-level sqlite3 conventions shared by
// internal/spool and internal/eventstore: a single-writer connection
// opened with WAL + full synchronous durability, and a retry wrapper for
// SQLITE_BUSY/SQLITE_LOCKED contention.
package sqliteutil

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens path (creating its parent directory if needed) as a
// single-writer sqlite3 connection with busy-timeout, WAL journaling, and
// full synchronous durability — every write is fsync'd before the call
// that issued it returns, matching the spool's "durable before sent on
// the wire" invariant and the event store's append-only durability
// requirement.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configurePragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configurePragmas(db *sql.DB) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// RetryOnBusy retries f with exponential backoff and jitter while it keeps
// failing with SQLITE_BUSY/SQLITE_LOCKED, up to maxRetries attempts.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// IsBusy reports whether err is a SQLITE_BUSY/SQLITE_LOCKED condition.
// Matching on the error string avoids a direct dependency on the
// mattn/go-sqlite3 error type from callers that only import
// database/sql.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
