// Package journal records every scan run in SQLite so operators can see
// what each scan fetched and how it ended.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/viewtrail/dbopen"
)

// Schema creates the scan_runs table.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_runs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	new_items   INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_scan_runs_user ON scan_runs(user_id, started_at DESC);`

// ErrUnknownRun is returned by Finish for a run id never started.
var ErrUnknownRun = errors.New("journal: unknown run")

// Run is one journal row. Times are epoch milliseconds.
type Run struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	NewItems   int    `json:"new_items"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// Journal reads and writes scan_runs.
type Journal struct {
	db *sql.DB
}

// Open applies the schema.
func Open(ctx context.Context, db *sql.DB) (*Journal, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Start inserts a running row.
func (j *Journal) Start(ctx context.Context, id, uid string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO scan_runs (id, user_id, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, uid, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: start %s: %w", id, err)
	}
	return nil
}

// Finish records the final state of a run.
func (j *Journal) Finish(ctx context.Context, r Run) error {
	return dbopen.RunTx(ctx, j.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE scan_runs
			SET status = ?, new_items = ?, total = ?, message = ?, finished_at = ?
			WHERE id = ?`,
			r.Status, r.NewItems, r.Total, r.Message, r.FinishedAt, r.ID)
		if err != nil {
			return fmt.Errorf("journal: finish %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownRun, r.ID)
		}
		return nil
	})
}

// List returns the latest runs of uid, newest first.
func (j *Journal) List(ctx context.Context, uid string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, user_id, status, new_items, total, message, started_at, COALESCE(finished_at, 0)
		FROM scan_runs WHERE user_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.UserID, &r.Status, &r.NewItems, &r.Total, &r.Message, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("journal: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AbandonRunning marks rows left running by a previous process as stopped.
func (j *Journal) AbandonRunning(ctx context.Context, at time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'stopped', message = 'process restarted', finished_at = ?
		WHERE status = 'running'`, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: abandon running: %w", err)
	}
	return res.RowsAffected()
}

// DeleteUser removes every run of uid.
func (j *Journal) DeleteUser(ctx context.Context, uid string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM scan_runs WHERE user_id = ?`, uid); err != nil {
		return fmt.Errorf("journal: delete user: %w", err)
	}
	return nil
}

// Prune deletes finished runs older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM scan_runs WHERE status != 'running' AND started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}
