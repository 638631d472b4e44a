package history

import (
	"github.com/hazyhaar/viewtrail/history/internal/analysis"
	"github.com/hazyhaar/viewtrail/history/internal/audit"
	"github.com/hazyhaar/viewtrail/history/internal/journal"
	"github.com/hazyhaar/viewtrail/history/internal/scan"
	"github.com/hazyhaar/viewtrail/history/internal/settings"
	"github.com/hazyhaar/viewtrail/history/internal/store"
)

// Re-exported types for external consumers.
type (
	Item           = store.Item
	Record         = store.Record
	Cursor         = store.Cursor
	AnalysisCache  = store.AnalysisCache
	Task           = scan.Task
	TaskStatus     = scan.Status
	Run            = journal.Run
	Stats          = analysis.Stats
	AnalysisResult = analysis.Result
	Settings       = settings.Settings
	AuditEntry     = audit.Entry
)

// Task statuses.
const (
	StatusIdle    = scan.StatusIdle
	StatusRunning = scan.StatusRunning
	StatusDone    = scan.StatusDone
	StatusStopped = scan.StatusStopped
	StatusError   = scan.StatusError
)

// DefaultSystemPrompt is the analysis prompt used until one is saved.
const DefaultSystemPrompt = analysis.DefaultSystemPrompt

// StartResult is returned by StartScan.
type StartResult struct {
	Started bool   `json:"started"`
	RunID   string `json:"run_id,omitempty"`
	Msg     string `json:"msg"`
}

// StatusReport is the scan status of one user.
type StatusReport struct {
	Status   TaskStatus `json:"status"`
	Msg      string     `json:"msg"`
	Total    int        `json:"total"`
	LastTime int64      `json:"lastTime"`
	RunID    string     `json:"run_id,omitempty"`
}
