// Package analysis serves a per-user cached LLM analysis of the watch
// history. The cache is a single slot keyed by a coarse fingerprint of the
// data: total count, matched count and the newest view_at.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/viewtrail/history/internal/llm"
	"github.com/hazyhaar/viewtrail/history/internal/settings"
	"github.com/hazyhaar/viewtrail/history/internal/store"
)

var (
	// ErrNotConfigured is returned when no API key has been saved.
	ErrNotConfigured = errors.New("analysis: endpoint not configured")

	// ErrEmptyCompletion is returned when the endpoint answers without text.
	ErrEmptyCompletion = errors.New("analysis: empty completion")
)

// Stats is the caller's summary of the history being analyzed.
type Stats struct {
	Total      int             `json:"total"`
	Matched    int             `json:"matched"`
	Percentage any             `json:"percentage,omitempty"`
	Breakdown  json.RawMessage `json:"breakdown,omitempty"`
}

// Result is the analysis text and whether it came from the cache.
type Result struct {
	Content   string `json:"result"`
	FromCache bool   `json:"fromCache"`
}

// Completer runs one chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Store is the record storage holding the cache slot.
type Store interface {
	Load(uid string) (*store.Record, error)
	Update(uid string, fn func(*store.Record) error) error
}

// SettingsSource returns the current endpoint settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Config configures the gate.
type Config struct {
	MaxItems    int     // Items forwarded in the prompt. Default: 80.
	Temperature float64 // Default: 0.7.
}

func (c *Config) defaults() {
	if c.MaxItems <= 0 {
		c.MaxItems = 80
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
}

// Gate returns cached analyses and refreshes them when the data changed.
type Gate struct {
	completer Completer
	store     Store
	settings  SettingsSource
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate creates a Gate. A nil logger uses slog.Default().
func NewGate(c Completer, st Store, src SettingsSource, cfg Config, logger *slog.Logger) *Gate {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{completer: c, store: st, settings: src, config: cfg, logger: logger, now: time.Now}
}

// Fingerprint returns "<total>_<matched>_<newest view_at>". A nil stats
// counts items and zero matches.
func Fingerprint(stats *Stats, items []store.Item) string {
	total, matched := len(items), 0
	if stats != nil {
		total, matched = stats.Total, stats.Matched
	}
	var newest int64
	if len(items) > 0 {
		newest = items[0].ViewAt
	}
	return fmt.Sprintf("%d_%d_%d", total, matched, newest)
}

// GetOrCompute returns the cached analysis for uid when its fingerprint
// matches items and stats, and otherwise calls the endpoint once and stores
// the new result. Failed calls leave the cache untouched.
func (g *Gate) GetOrCompute(ctx context.Context, uid string, items []store.Item, stats *Stats) (Result, error) {
	cfg := g.settings.Current()
	if cfg.APIKey == "" {
		return Result{}, ErrNotConfigured
	}

	fp := Fingerprint(stats, items)
	rec, err := g.store.Load(uid)
	if err != nil {
		requests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("analysis: load record: %w", err)
	}
	if rec.Analysis != nil && rec.Analysis.Hash == fp {
		requests.WithLabelValues("cache_hit").Inc()
		g.logger.Info("analysis: cache hit", "user_id", uid, "hash", fp)
		return Result{Content: rec.Analysis.Content, FromCache: true}, nil
	}

	g.logger.Info("analysis: data changed, calling endpoint", "user_id", uid, "hash", fp, "model", cfg.Model)
	start := g.now()
	content, err := g.completer.Complete(ctx, llm.Request{
		URL:         cfg.APIURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		User:        BuildPrompt(stats, items, g.config.MaxItems),
		Temperature: g.config.Temperature,
	})
	completionDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, llm.ErrEmptyContent) {
		requests.WithLabelValues("error").Inc()
		return Result{}, ErrEmptyCompletion
	}
	if err != nil {
		requests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("analysis: %w", err)
	}

	err = g.store.Update(uid, func(r *store.Record) error {
		r.Analysis = &store.AnalysisCache{
			Hash:      fp,
			Content:   content,
			Timestamp: g.now().UnixMilli(),
		}
		return nil
	})
	if err != nil {
		requests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("analysis: save cache: %w", err)
	}
	requests.WithLabelValues("computed").Inc()
	return Result{Content: content}, nil
}

// BuildPrompt renders the stats block and the first maxItems items.
func BuildPrompt(stats *Stats, items []store.Item, maxItems int) string {
	var b strings.Builder
	if stats != nil {
		b.WriteString("[statistics]\n")
		fmt.Fprintf(&b, "total: %d\n", stats.Total)
		fmt.Fprintf(&b, "matched: %d\n", stats.Matched)
		if stats.Percentage != nil {
			fmt.Fprintf(&b, "percentage: %v\n", stats.Percentage)
		}
		if len(stats.Breakdown) > 0 {
			fmt.Fprintf(&b, "breakdown: %s\n", stats.Breakdown)
		}
	}
	b.WriteString("[records]\n")
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	for _, it := range items {
		fmt.Fprintf(&b, "title:%s, tags:%s\n", it.Title, it.Tags)
	}
	return b.String()
}
