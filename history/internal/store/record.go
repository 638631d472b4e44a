// Package store persists one history record per user as a JSON document.
//
// Every write replaces the whole file atomically (temp file, fsync, rename)
// and read-modify-write cycles for one user are serialized, so a scan merge
// and an analysis cache write never lose each other's fields.
package store

import "sort"

// Item is one enriched watch-history entry. JSON names match the record
// format written by earlier versions of the service.
type Item struct {
	Title   string `json:"title"`
	Desc    string `json:"desc"`
	Tags    string `json:"tags"`
	Cover   string `json:"pic"`
	VideoID string `json:"bvid"`
	Author  string `json:"author"`
	ViewAt  int64  `json:"view_at"`
}

// Cursor is the last pagination position reached by a scan. It is kept for
// inspection only; scans resume from the newest stored view_at.
type Cursor struct {
	Max      int64  `json:"max"`
	ViewAt   int64  `json:"view_at"`
	Business string `json:"business"`
}

// AnalysisCache is the single cached analysis result for a user.
type AnalysisCache struct {
	Hash      string `json:"hash"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

// Record is the durable per-user document.
type Record struct {
	List        []Item         `json:"list"`
	Cursor      *Cursor        `json:"cursor"`
	LastUpdated int64          `json:"lastUpdated,omitempty"` // epoch ms
	Analysis    *AnalysisCache `json:"ai_analysis,omitempty"`
}

// NewestViewAt returns the view_at of the first (newest) item, or 0.
func (r *Record) NewestViewAt() int64 {
	if r == nil || len(r.List) == 0 {
		return 0
	}
	return r.List[0].ViewAt
}

// SortNewestFirst orders items by view_at descending. Equal timestamps keep
// their relative order.
func SortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ViewAt > items[j].ViewAt
	})
}

// Ordered reports whether items are sorted by view_at descending.
func Ordered(items []Item) bool {
	for i := 1; i < len(items); i++ {
		if items[i-1].ViewAt < items[i].ViewAt {
			return false
		}
	}
	return true
}
