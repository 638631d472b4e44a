// Package sweep deletes user records that have not been written within a
// retention window.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Records lists and deletes stored user records.
type Records interface {
	ModifiedBefore(cutoff time.Time) ([]string, error)
	Delete(uid string) error
}

// Options configures a Sweeper.
type Options struct {
	// Retention is the age after which an unmodified record is deleted.
	// Default: 24h.
	Retention time.Duration
	// Interval is the sweep frequency. Default: 1h.
	Interval time.Duration
	// Active reports users whose scan is still running; they are skipped.
	Active func(uid string) bool
	// OnDelete runs after a record is deleted.
	OnDelete func(ctx context.Context, uid string)
	// AfterCycle runs at the end of every sweep with the cycle's clock.
	AfterCycle func(ctx context.Context, now time.Time)
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.Active == nil {
		o.Active = func(string) bool { return false }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result reports one sweep.
type Result struct {
	Deleted []string `json:"deleted"`
	Skipped int      `json:"skipped"`
}

// Sweeper periodically removes stale records.
type Sweeper struct {
	records Records
	opts    Options
	now     func() time.Time
}

// New creates a Sweeper.
func New(records Records, opts Options) *Sweeper {
	opts.defaults()
	return &Sweeper{records: records, opts: opts, now: time.Now}
}

// Run sweeps every interval. Blocks until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	log := sw.opts.Logger
	log.Info("sweeper: started", "interval", sw.opts.Interval, "retention", sw.opts.Retention)
	ticker := time.NewTicker(sw.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper: stopped")
			return
		case <-ticker.C:
			res := sw.SweepOnce(ctx)
			if len(res.Deleted) > 0 || res.Skipped > 0 {
				log.Info("sweeper: cycle done", "deleted", len(res.Deleted), "skipped", res.Skipped)
			}
		}
	}
}

// SweepOnce deletes every record older than the retention window, except
// those of users with an active scan.
func (sw *Sweeper) SweepOnce(ctx context.Context) Result {
	var res Result
	log := sw.opts.Logger
	now := sw.now()
	if sw.opts.AfterCycle != nil {
		defer sw.opts.AfterCycle(ctx, now)
	}
	uids, err := sw.records.ModifiedBefore(now.Add(-sw.opts.Retention))
	if err != nil {
		log.Warn("sweeper: list records", "error", err)
		return res
	}
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		if sw.opts.Active(uid) {
			res.Skipped++
			continue
		}
		if err := sw.records.Delete(uid); err != nil {
			log.Warn("sweeper: delete record", "user_id", uid, "error", err)
			continue
		}
		if sw.opts.OnDelete != nil {
			sw.opts.OnDelete(ctx, uid)
		}
		res.Deleted = append(res.Deleted, uid)
		log.Info("sweeper: deleted stale record", "user_id", uid)
	}
	return res
}
