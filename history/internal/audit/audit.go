// Package audit keeps a SQLite trail of operations that change or expose
// user data: record uploads and clears, sweeps, and admin settings access.
// Entries are queued and written in batches by a background goroutine.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/viewtrail/dbopen"
	"github.com/hazyhaar/viewtrail/idgen"
	"github.com/hazyhaar/viewtrail/kit"
)

// Schema creates the audit_log table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	operation     TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);`

// Entry is one audited operation. Timestamp is epoch milliseconds.
type Entry struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	Operation  string `json:"operation"`
	UserID     string `json:"user_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Parameters string `json:"parameters"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets the entry id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithFlushInterval sets how often queued entries are written. Default: 2s.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.interval = d }
}

// Logger persists audit entries.
type Logger struct {
	db       *sql.DB
	logger   *slog.Logger
	newID    idgen.Generator
	interval time.Duration
	now      func() time.Time

	ch        chan *Entry
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

const batchSize = 100

// Open applies the schema and starts the flush goroutine. Close must be
// called to write queued entries.
func Open(ctx context.Context, db *sql.DB, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("audit: schema: %w", err)
	}
	l := &Logger{
		db:       db,
		logger:   logger,
		newID:    idgen.Prefixed("audit_", idgen.Default),
		interval: 2 * time.Second,
		now:      time.Now,
		ch:       make(chan *Entry, 1000),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l, nil
}

// Record queues an entry for op. params is stored as JSON; a non-nil err
// marks the entry failed. User and trace ids come from ctx.
func (l *Logger) Record(ctx context.Context, op string, params any, err error, took time.Duration) {
	e := &Entry{
		Operation:  op,
		UserID:     kit.GetUserID(ctx),
		TraceID:    kit.GetTraceID(ctx),
		Parameters: "{}",
		DurationMs: took.Milliseconds(),
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.enqueue(e)
}

// Log writes e synchronously.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fill(e)
	return l.insert(ctx, l.db, e)
}

func (l *Logger) enqueue(e *Entry) {
	l.fill(e)
	select {
	case <-l.done:
		l.logger.Warn("audit: entry after close dropped", "operation", e.Operation)
		return
	default:
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, writing synchronously", "operation", e.Operation)
		if err := l.insert(context.Background(), l.db, e); err != nil {
			l.logger.Error("audit: sync insert", "error", err)
		}
	}
}

func (l *Logger) fill(e *Entry) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

// List returns the latest entries, newest first. limit defaults to 100.
func (l *Logger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, operation, user_id, trace_id, parameters,
		       status, error_message, duration_ms
		FROM audit_log ORDER BY timestamp DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Operation, &e.UserID, &e.TraceID,
			&e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before.
func (l *Logger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close writes queued entries and stops the flush goroutine. Safe to call
// more than once.
func (l *Logger) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	batch := make([]*Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := l.insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("audit: flush", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Logger) insert(ctx context.Context, x execer, e *Entry) error {
	_, err := x.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, operation, user_id, trace_id, parameters, status, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Operation, e.UserID, e.TraceID, e.Parameters, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.ID, err)
	}
	return nil
}
