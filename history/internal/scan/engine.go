package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/viewtrail/connectivity"
	"github.com/hazyhaar/viewtrail/history/internal/remote"
	"github.com/hazyhaar/viewtrail/history/internal/store"
)

// Source fetches history pages.
type Source interface {
	FetchPage(ctx context.Context, cookie string, cur *remote.Cursor) (*remote.Page, error)
}

// Enricher resolves a raw event into a stored item. It must not fail.
type Enricher interface {
	Enrich(ctx context.Context, cookie string, ev remote.Event) store.Item
}

// Store is the per-user record storage the engine reads and merges into.
type Store interface {
	Load(uid string) (*store.Record, error)
	Update(uid string, fn func(*store.Record) error) error
}

// Config configures the engine.
type Config struct {
	// TrackedCategory is the history business kept; others are skipped.
	// Default: "archive".
	TrackedCategory string
	// PageRetries is the number of retries for a failed page fetch.
	PageRetries int
	// RetryBackoff is the first retry delay, doubled per attempt. Default: 1s.
	RetryBackoff time.Duration
}

func (c *Config) defaults() {
	if c.TrackedCategory == "" {
		c.TrackedCategory = "archive"
	}
	if c.PageRetries < 0 {
		c.PageRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// Engine runs incremental scans.
type Engine struct {
	source   Source
	enricher Enricher
	store    Store
	pacer    *Pacer
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. A nil pacer disables the delay between
// detail lookups.
func NewEngine(src Source, enr Enricher, st Store, pacer *Pacer, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:   src,
		enricher: enr,
		store:    st,
		pacer:    pacer,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// errCleared aborts a merge whose task was forgotten mid-run.
var errCleared = errors.New("scan: task cleared")

// Outcome summarizes a finished run.
type Outcome struct {
	Task     Task
	NewItems int
	Finished bool
	Err      error
}

// Run crawls history newer than the newest stored item, merging each page
// into the record as it stands at write time before fetching the next, and
// finishes h when done. Pages are dropped once h is cleared.
//
// Network calls use ctx; a stop on h is observed between pages only.
func (e *Engine) Run(ctx context.Context, cookie string, h *Handle) Outcome {
	uid := h.UserID()
	log := e.logger.With("user_id", uid, "run_id", h.RunID())

	activeScans.Inc()
	defer activeScans.Dec()

	var (
		out Outcome
		msg string
	)
	finish := func() Outcome {
		out.Task = h.Finish(out.Finished, out.Err, msg)
		scansTotal.WithLabelValues(string(out.Task.Status)).Inc()
		log.Info("scan: finished",
			"status", out.Task.Status,
			"new_items", out.NewItems,
			"total", out.Task.Total,
			"error", out.Err)
		return out
	}

	rec, err := e.store.Load(uid)
	if err != nil {
		out.Err = fmt.Errorf("load record: %w", err)
		return finish()
	}
	boundary := rec.NewestViewAt()
	h.Progress(len(rec.List), boundary, 0, "starting incremental scan")
	log.Info("scan: started", "stored", len(rec.List), "boundary", boundary)

	policy := connectivity.RetryPolicy{
		MaxRetries:  e.config.PageRetries,
		BaseBackoff: e.config.RetryBackoff,
		Logger:      log,
	}

	var cur *remote.Cursor
	for {
		select {
		case <-h.Stopped():
			return finish()
		default:
		}

		start := e.now()
		page, err := connectivity.Retry(ctx, policy, "history page", func(ctx context.Context) (*remote.Page, error) {
			p, err := e.source.FetchPage(ctx, cookie, cur)
			if err != nil && !remote.Retryable(err) {
				return nil, connectivity.Permanent(err)
			}
			return p, err
		})
		pageFetchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			out.Err = err
			return finish()
		}
		pagesFetched.Inc()

		if len(page.List) == 0 {
			out.Finished = true
			msg = "remote history exhausted"
			return finish()
		}

		items, reached, err := e.collect(ctx, cookie, page.List, boundary)
		if err != nil {
			out.Err = err
			return finish()
		}

		if len(items) > 0 {
			next := page.Cursor
			var added, total int
			err := e.store.Update(uid, func(r *store.Record) error {
				if h.Cleared() {
					return errCleared
				}
				r.List, added = prepend(items, r.List)
				r.Cursor = &store.Cursor{Max: next.Max, ViewAt: next.ViewAt, Business: next.Business}
				r.LastUpdated = e.now().UnixMilli()
				total = len(r.List)
				return nil
			})
			if errors.Is(err, errCleared) {
				log.Info("scan: record cleared, page dropped", "new", len(items))
				return finish()
			}
			if err != nil {
				out.Err = fmt.Errorf("save record: %w", err)
				return finish()
			}
			out.NewItems += added
			newItemsTotal.Add(float64(added))

			oldest := items[len(items)-1].ViewAt
			h.Progress(total, oldest, out.NewItems,
				"fetched new records: "+time.Unix(oldest, 0).UTC().Format("2006-01-02"))
			log.Debug("scan: page merged", "new", added, "total", total)
		}

		if reached {
			out.Finished = true
			msg = "incremental update complete"
			return finish()
		}
		if page.Cursor.ViewAt == 0 && page.Cursor.Max == 0 {
			out.Finished = true
			msg = "remote history exhausted"
			return finish()
		}
		next := page.Cursor
		cur = &next
	}
}

type itemKey struct {
	videoID string
	viewAt  int64
}

// prepend puts items in front of the stored list, skipping those already
// stored, and keeps the result newest first. It reports how many were added.
func prepend(items, stored []store.Item) ([]store.Item, int) {
	seen := make(map[itemKey]struct{}, len(stored))
	for _, it := range stored {
		seen[itemKey{it.VideoID, it.ViewAt}] = struct{}{}
	}
	merged := make([]store.Item, 0, len(items)+len(stored))
	for _, it := range items {
		k := itemKey{it.VideoID, it.ViewAt}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, it)
	}
	added := len(merged)
	merged = append(merged, stored...)
	store.SortNewestFirst(merged)
	return merged, added
}

// collect enriches the page's tracked events newer than boundary, in page
// order. reached reports that an event at or below boundary was seen.
func (e *Engine) collect(ctx context.Context, cookie string, events []remote.Event, boundary int64) (items []store.Item, reached bool, err error) {
	for _, ev := range events {
		if ev.History.Business != e.config.TrackedCategory {
			continue
		}
		if ev.ViewAt <= boundary {
			return items, true, nil
		}
		if len(items) > 0 {
			if err := e.pacer.Wait(ctx); err != nil {
				return items, false, err
			}
		}
		items = append(items, e.enricher.Enrich(ctx, cookie, ev))
	}
	return items, false, nil
}
