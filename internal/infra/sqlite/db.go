// Package sqlite provides SQLite-based persistent storage for guardian setup
// sessions. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/fedimint/guardianctl/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Persisted subset of each guardian's setup session
		`CREATE TABLE IF NOT EXISTS setup_state (
			guardian_id TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,

		// Remote status transitions seen by the pollers
		`CREATE TABLE IF NOT EXISTS status_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			guardian_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_log_guardian ON status_log(guardian_id, observed_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Setup State ────────────────────────────────────────────────────────────

// LoadSetupState returns the persisted setup state for a guardian.
// ok is false when nothing is stored.
func (d *DB) LoadSetupState(ctx context.Context, guardianID string) (domain.PersistedSetup, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx,
		`SELECT state FROM setup_state WHERE guardian_id = ?`, guardianID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PersistedSetup{}, false, nil
	}
	if err != nil {
		return domain.PersistedSetup{}, false, err
	}

	var state domain.PersistedSetup
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return domain.PersistedSetup{}, false, fmt.Errorf("decode setup state for %s: %w", guardianID, err)
	}
	return state, true, nil
}

// SaveSetupState writes the setup state for a guardian, replacing any
// previous record.
func (d *DB) SaveSetupState(ctx context.Context, guardianID string, state domain.PersistedSetup) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode setup state: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO setup_state (guardian_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(guardian_id) DO UPDATE SET
			state=excluded.state,
			updated_at=excluded.updated_at`,
		guardianID, string(raw), d.now().Unix(),
	)
	return err
}

// DeleteSetupState removes a guardian's setup state. Missing records are
// not an error.
func (d *DB) DeleteSetupState(ctx context.Context, guardianID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM setup_state WHERE guardian_id = ?`, guardianID)
	return err
}

// ListSetupGuardians returns the ids with a stored setup session.
func (d *DB) ListSetupGuardians(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT guardian_id FROM setup_state ORDER BY guardian_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Status Log ─────────────────────────────────────────────────────────────

// StatusEntry is one observed remote status.
type StatusEntry struct {
	Status     domain.ServerStatus `json:"status"`
	ObservedAt time.Time           `json:"observed_at"`
}

// RecordStatus appends status to the guardian's log when it differs from the
// latest entry. It reports whether a row was written.
func (d *DB) RecordStatus(ctx context.Context, guardianID string, status domain.ServerStatus) (bool, error) {
	var last string
	err := d.db.QueryRowContext(ctx,
		`SELECT status FROM status_log WHERE guardian_id = ? ORDER BY id DESC LIMIT 1`, guardianID,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if last == string(status) {
		return false, nil
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO status_log (guardian_id, status, observed_at) VALUES (?, ?, ?)`,
		guardianID, string(status), d.now().Unix(),
	)
	return err == nil, err
}

// StatusHistory returns up to limit most recent status changes, newest first.
func (d *DB) StatusHistory(ctx context.Context, guardianID string, limit int) ([]StatusEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status, observed_at FROM status_log WHERE guardian_id = ?
		 ORDER BY id DESC LIMIT ?`, guardianID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StatusEntry
	for rows.Next() {
		var (
			e  StatusEntry
			ts int64
		)
		if err := rows.Scan(&e.Status, &ts); err != nil {
			return nil, err
		}
		e.ObservedAt = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
