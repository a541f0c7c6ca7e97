package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pulsegrid/relink/internal/schema"
)

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_requests (
	request_id TEXT PRIMARY KEY,
	connect_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	payload TEXT,
	enqueued_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS pending_requests_enqueued_at
ON pending_requests(enqueued_at);
`,
	},
	{
		version: 2,
		upSQL: `
ALTER TABLE pending_requests ADD COLUMN last_failure TEXT NOT NULL DEFAULT '';
`,
	},
}

// Journal persists pending-request metadata so a restarted client can
// surface work deferred in a previous run. Payloads are stored as JSON
// text; replay closures themselves are not persisted.
type Journal struct {
	db *sql.DB
}

// JournalRecord is the persisted shape of one deferred request.
type JournalRecord struct {
	ID          string
	ConnectID   schema.ConnectID
	Name        string
	Payload     []byte
	EnqueuedAt  time.Time
	RetryCount  int
	LastFailure string
}

// OpenJournal opens (or creates) the journal at path and applies any
// missing migrations.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record upserts one deferred request.
func (j *Journal) Record(ctx context.Context, rec JournalRecord) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO pending_requests(request_id, connect_id, name, payload, enqueued_at, retry_count, last_failure)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
	connect_id=excluded.connect_id,
	name=excluded.name,
	payload=excluded.payload,
	retry_count=excluded.retry_count,
	last_failure=excluded.last_failure
`, rec.ID, string(rec.ConnectID), rec.Name, string(rec.Payload), ts(rec.EnqueuedAt), rec.RetryCount, rec.LastFailure)
	if err != nil {
		return fmt.Errorf("record pending request: %w", err)
	}
	return nil
}

// Remove deletes the request row. Missing rows are not an error.
func (j *Journal) Remove(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE request_id = ?`, id); err != nil {
		return fmt.Errorf("remove pending request: %w", err)
	}
	return nil
}

// List returns all persisted requests ordered by enqueue time.
func (j *Journal) List(ctx context.Context) ([]JournalRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT request_id, connect_id, name, payload, enqueued_at, retry_count, last_failure
FROM pending_requests
ORDER BY enqueued_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var out []JournalRecord
	for rows.Next() {
		var rec JournalRecord
		var connectID, payload, enqueued string
		if err := rows.Scan(&rec.ID, &connectID, &rec.Name, &payload, &enqueued, &rec.RetryCount, &rec.LastFailure); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		rec.ConnectID = schema.ConnectID(connectID)
		rec.Payload = []byte(payload)
		when, err := time.Parse(time.RFC3339Nano, enqueued)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		rec.EnqueuedAt = when
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending requests: %w", err)
	}
	return out, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
