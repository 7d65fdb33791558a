package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/nifflerrors"
)

// Store is C2: the conversation store. All write paths are serializable
// per conversation (spec.md §4.2); under SQLITE_BUSY contention, writeRetry
// retries with linear backoff before surfacing nifflerrors.ErrLocked, which
// callers treat as fail-open per §7.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite database at path and ensures the
// schema in spec.md §6 exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writes; avoid spurious BUSY from concurrent conns
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'code',
			model_nickname TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			thinking_encrypted INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_conv_seq ON message(conversation_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS tool_call (
			id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (message_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS model_token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL DEFAULT 0,
			model_nickname TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			input_cost REAL NOT NULL DEFAULT 0,
			output_cost REAL NOT NULL DEFAULT 0,
			reasoning_cost REAL NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_conv_ts ON model_token_usage(conversation_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS conversation_created_files (
			conversation_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			PRIMARY KEY (conversation_id, path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrating schema: %w", err)
		}
	}
	return nil
}

const (
	lockRetryAttempts = 5
	lockRetryBase     = 200 * time.Millisecond
)

// writeRetry runs fn up to lockRetryAttempts times with linear backoff when
// fn's error looks like a sqlite busy/locked condition, matching spec.md
// §4.2's "locked, retry with linear backoff up to 5 attempts at 200ms base".
func writeRetry(fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= lockRetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		logger.WarnCF("store", "write attempt hit a lock, retrying", map[string]any{
			"attempt": attempt,
		})
		time.Sleep(time.Duration(attempt) * lockRetryBase)
	}
	return fmt.Errorf("store: %w: %v", nifflerrors.ErrLocked, lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
