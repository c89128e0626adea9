package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Persistent store (SQLite)
// ============================================================================
//
//   settings     key/value device settings (display brightness)
//   reports      journal of every delta report the server accepted
//   checkpoints  periodic FullStateReport snapshots
//
// Both history tables are pruned to a fixed row count after each checkpoint.
// Nothing here feeds back into the StateStore; counters restart at zero on
// boot. The latest checkpoint is logged at startup as the previous boot's
// final state.
// ============================================================================

// JournalEntry is one delivered report.
type JournalEntry struct {
	ID     int64       `json:"id"`
	BootID string      `json:"boot_id"`
	SentAt time.Time   `json:"sent_at"`
	Report DeltaReport `json:"report"`
}

// DeviceDB is the SQLite-backed settings KV, report journal and checkpoint log.
type DeviceDB struct {
	db     *sql.DB
	bootID string
	now    func() time.Time
}

// OpenDeviceDB opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenDeviceDB(path, bootID string) (*DeviceDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	d := &DeviceDB{db: db, bootID: bootID, now: time.Now}
	if err := d.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return d, nil
}

func (d *DeviceDB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_sent_at ON reports(sent_at);
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		taken_at INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close releases the database.
func (d *DeviceDB) Close() error {
	return d.db.Close()
}

// GetSetting returns the stored value; ok is false when the key is absent.
func (d *DeviceDB) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = d.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutSetting inserts or replaces a setting.
func (d *DeviceDB) PutSetting(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, d.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// RecordReport appends a delivered delta report to the journal.
func (d *DeviceDB) RecordReport(ctx context.Context, r DeltaReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		"INSERT INTO reports (boot_id, sent_at, payload) VALUES (?, ?, ?)",
		d.bootID, d.now().UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// RecentReports returns up to limit journal entries, newest first.
func (d *DeviceDB) RecentReports(ctx context.Context, limit int) ([]JournalEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, boot_id, sent_at, payload FROM reports ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		var sentMs int64
		var payload string
		if err := rows.Scan(&e.ID, &e.BootID, &sentMs, &payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report %d: %w", e.ID, err)
		}
		e.SentAt = time.UnixMilli(sentMs).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return entries, nil
}

// SaveCheckpoint stores a full state snapshot.
func (d *DeviceDB) SaveCheckpoint(ctx context.Context, s FullStateReport) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		"INSERT INTO checkpoints (boot_id, taken_at, payload) VALUES (?, ?, ?)",
		d.bootID, d.now().Unix(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Checkpoint is one stored state snapshot.
type Checkpoint struct {
	BootID  string          `json:"boot_id"`
	TakenAt time.Time       `json:"taken_at"`
	State   FullStateReport `json:"state"`
}

// LatestCheckpoint returns the newest checkpoint; ok is false when none exist.
func (d *DeviceDB) LatestCheckpoint(ctx context.Context) (c Checkpoint, ok bool, err error) {
	var payload string
	var takenAt int64
	err = d.db.QueryRowContext(ctx,
		"SELECT boot_id, taken_at, payload FROM checkpoints ORDER BY id DESC LIMIT 1",
	).Scan(&c.BootID, &takenAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("query checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &c.State); err != nil {
		return Checkpoint{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	c.TakenAt = time.Unix(takenAt, 0).UTC()
	return c, true, nil
}

// Retention bounds the journal and checkpoint tables.
type Retention struct {
	Reports     int
	Checkpoints int
}

// Prune deletes all but the newest r.Reports journal rows and r.Checkpoints
// checkpoints, returning how many rows went.
func (d *DeviceDB) Prune(ctx context.Context, r Retention) (int64, error) {
	var removed int64
	for _, t := range []struct {
		table string
		keep  int
	}{
		{"reports", r.Reports},
		{"checkpoints", r.Checkpoints},
	} {
		if t.keep < 1 {
			return removed, fmt.Errorf("prune %s: keep must be >= 1, got %d", t.table, t.keep)
		}
		// The subquery yields NULL when the table holds fewer than keep+1
		// rows, and "id <= NULL" matches nothing.
		res, err := d.db.ExecContext(ctx,
			"DELETE FROM "+t.table+" WHERE id <= (SELECT id FROM "+t.table+" ORDER BY id DESC LIMIT 1 OFFSET ?)",
			t.keep,
		)
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}
