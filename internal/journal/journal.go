// Package journal keeps a SQLite history of agent spawns and worktree
// cleanups so operators can see what the loop did while they were away.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds returned by History.
const (
	KindSpawn   = "spawn"
	KindCleanup = "cleanup"
)

// SpawnEntry records one provision-and-spawn attempt made by a tick.
type SpawnEntry struct {
	ID         int64     `json:"id"`
	TickID     string    `json:"tickId"`
	PRNumber   int       `json:"prNumber"`
	Branch     string    `json:"branch"`
	Identifier string    `json:"identifier"`
	Session    string    `json:"session"`
	Path       string    `json:"path"`
	Existed    bool      `json:"existed"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CleanupEntry records one decommission request and its outcome.
type CleanupEntry struct {
	ID         int64     `json:"id"`
	Branch     string    `json:"branch"`
	Path       string    `json:"path"`
	Identifier string    `json:"identifier,omitempty"`
	OK         bool      `json:"ok"`
	Errors     []string  `json:"errors"`
	Warnings   []string  `json:"warnings"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Event is a flattened history row of either kind.
type Event struct {
	Kind       string    `json:"kind"`
	Branch     string    `json:"branch"`
	Identifier string    `json:"identifier,omitempty"`
	OK         bool      `json:"ok"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Store persists journal entries to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store using an existing *sql.DB connection and runs
// migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return s, nil
}

// Open opens (creating if needed) the journal database at path. ":memory:"
// gives a private in-memory journal.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per-connection, and writes
	// are serialized by SQLite anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spawns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick_id TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			branch TEXT NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			session TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			existed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spawns_created ON spawns(created_at)`,
		`CREATE TABLE IF NOT EXISTS cleanups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			branch TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			identifier TEXT NOT NULL DEFAULT '',
			ok INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '',
			warnings TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cleanups_created ON cleanups(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordSpawn appends a spawn entry. A zero CreatedAt is set to now.
func (s *Store) RecordSpawn(ctx context.Context, e SpawnEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spawns (tick_id, pr_number, branch, identifier, session, path, existed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TickID, e.PRNumber, e.Branch, e.Identifier, e.Session, e.Path, boolToInt(e.Existed), e.Error, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record spawn: %w", err)
	}
	return nil
}

// RecordCleanup appends a cleanup entry. A zero CreatedAt is set to now.
func (s *Store) RecordCleanup(ctx context.Context, e CleanupEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanups (branch, path, identifier, ok, errors, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Branch, e.Path, e.Identifier, boolToInt(e.OK), joinLines(e.Errors), joinLines(e.Warnings), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record cleanup: %w", err)
	}
	return nil
}

// ListSpawns returns the most recent spawn entries, newest first.
func (s *Store) ListSpawns(ctx context.Context, limit int) ([]SpawnEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tick_id, pr_number, branch, identifier, session, path, existed, error, created_at
		FROM spawns ORDER BY created_at DESC, id DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SpawnEntry
	for rows.Next() {
		var (
			e       SpawnEntry
			existed int
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TickID, &e.PRNumber, &e.Branch, &e.Identifier, &e.Session, &e.Path, &existed, &e.Error, &created); err != nil {
			return nil, err
		}
		e.Existed = existed != 0
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCleanups returns the most recent cleanup entries, newest first.
func (s *Store) ListCleanups(ctx context.Context, limit int) ([]CleanupEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch, path, identifier, ok, errors, warnings, created_at
		FROM cleanups ORDER BY created_at DESC, id DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CleanupEntry
	for rows.Next() {
		var (
			e           CleanupEntry
			ok          int
			errs, warns string
			created     int64
		)
		if err := rows.Scan(&e.ID, &e.Branch, &e.Path, &e.Identifier, &ok, &errs, &warns, &created); err != nil {
			return nil, err
		}
		e.OK = ok != 0
		e.Errors = splitLines(errs)
		e.Warnings = splitLines(warns)
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns spawns and cleanups interleaved, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, branch, identifier, ok, detail, created_at FROM (
			SELECT 'spawn' AS kind, branch, identifier, error = '' AS ok,
				CASE WHEN error = '' THEN session ELSE error END AS detail, created_at, id
			FROM spawns
			UNION ALL
			SELECT 'cleanup' AS kind, branch, identifier, ok,
				CASE WHEN errors = '' THEN warnings ELSE errors END AS detail, created_at, id
			FROM cleanups
		) ORDER BY created_at DESC, id DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			ok      int
			created int64
		)
		if err := rows.Scan(&e.Kind, &e.Branch, &e.Identifier, &ok, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.OK = ok != 0
		e.At = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge deletes entries older than the given age and returns how many rows
// were removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var total int64
	for _, table := range []string{"spawns", "cleanups"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
