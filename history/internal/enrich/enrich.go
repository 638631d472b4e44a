// Package enrich turns raw history events into stored items by looking up
// full video metadata. Lookups that fail fall back to the event's own fields.
package enrich

import (
	"context"
	"html"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/viewtrail/history/internal/remote"
	"github.com/hazyhaar/viewtrail/history/internal/store"
)

// DetailFetcher resolves video metadata by bvid.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, cookie, bvid string) (*remote.Detail, error)
}

// Enricher builds store items from history events.
type Enricher struct {
	fetcher DetailFetcher
	policy  *bluemonday.Policy
	logger  *slog.Logger
}

// New creates an Enricher. A nil logger uses slog.Default().
func New(f DetailFetcher, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		fetcher: f,
		policy:  bluemonday.StrictPolicy(),
		logger:  logger,
	}
}

// Enrich resolves ev into an item. It never fails: on any lookup error the
// item carries the event's title, cover and author with empty desc and tags.
func (e *Enricher) Enrich(ctx context.Context, cookie string, ev remote.Event) store.Item {
	bvid := ev.History.BVID
	d, err := e.fetcher.FetchDetail(ctx, cookie, bvid)
	if err == nil && d.Owner == nil {
		err = remote.ErrEmptyData
	}
	if err != nil {
		e.logger.Debug("enrich: detail lookup failed, using event fields",
			"bvid", bvid, "error", err)
		return Fallback(e.clean(ev.Title), ev)
	}
	return store.Item{
		Title:   e.clean(d.Title),
		Desc:    e.clean(d.Desc),
		Tags:    joinTags(d.TName, d.Dynamic),
		Cover:   d.Pic,
		VideoID: bvid,
		Author:  d.Owner.Name,
		ViewAt:  ev.ViewAt,
	}
}

// Fallback builds the minimal item for ev.
func Fallback(title string, ev remote.Event) store.Item {
	return store.Item{
		Title:   title,
		Cover:   ev.Cover,
		VideoID: ev.History.BVID,
		Author:  ev.AuthorName,
		ViewAt:  ev.ViewAt,
	}
}

// clean strips markup (search highlights, stray tags) and returns plain text.
func (e *Enricher) clean(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	return html.UnescapeString(e.policy.Sanitize(s))
}

func joinTags(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
