// Package scan runs incremental watch-history crawls and tracks them in a
// process-wide task registry, one task per user.
package scan

import (
	"errors"
	"sync"
	"time"
)

// Status is the state of a scan task.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

var (
	// ErrAlreadyRunning is returned by Register when the user has a running task.
	ErrAlreadyRunning = errors.New("scan: already running")

	// ErrDraining is returned by Register when a stopped task's loop has not
	// exited yet.
	ErrDraining = errors.New("scan: previous scan still stopping")
)

// Task is a snapshot of one user's scan.
type Task struct {
	RunID      string    `json:"run_id"`
	Status     Status    `json:"status"`
	Total      int       `json:"total"`
	LastTime   int64     `json:"lastTime"`
	Msg        string    `json:"msg"`
	NewItems   int       `json:"new_items"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type entry struct {
	task     Task
	stop     chan struct{}
	stopOnce sync.Once
	exited   bool
	// cleared hides the task and forbids further record writes.
	cleared bool
}

func (e *entry) signalStop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Registry is the concurrency-safe map of scan tasks keyed by user id.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*entry
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*entry), now: time.Now}
}

// Register creates a running task for uid and returns its handle. A task
// whose loop is still active blocks registration.
func (r *Registry) Register(uid, runID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tasks[uid]; ok && !e.exited {
		if e.task.Status == StatusRunning {
			return nil, ErrAlreadyRunning
		}
		return nil, ErrDraining
	}
	e := &entry{
		task: Task{
			RunID:     runID,
			Status:    StatusRunning,
			StartedAt: r.now(),
		},
		stop: make(chan struct{}),
	}
	r.tasks[uid] = e
	return &Handle{reg: r, uid: uid, e: e}, nil
}

// Lookup returns the task for uid, if any.
func (r *Registry) Lookup(uid string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[uid]
	if !ok || e.cleared {
		return Task{}, false
	}
	return e.task, true
}

// Transition moves a running task to status with msg. Only running tasks
// change; the return value reports whether one did. Moving to anything
// other than running also signals the loop to stop.
func (r *Registry) Transition(uid string, status Status, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[uid]
	if !ok || e.task.Status != StatusRunning {
		return false
	}
	e.task.Status = status
	if msg != "" {
		e.task.Msg = msg
	}
	if status != StatusRunning {
		e.signalStop()
	}
	return true
}

// Stop requests cancellation of uid's running task. The loop observes it
// at the top of its next iteration.
func (r *Registry) Stop(uid string) bool {
	return r.Transition(uid, StatusStopped, "")
}

// Forget stops uid's task and hides it from Lookup. A loop that has not
// exited keeps its entry, marked cleared, until Finish: Register reports
// ErrDraining meanwhile and the loop must not write the record again.
func (r *Registry) Forget(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[uid]
	if !ok {
		return
	}
	if e.exited {
		delete(r.tasks, uid)
		return
	}
	if e.task.Status == StatusRunning {
		e.task.Status = StatusStopped
	}
	e.cleared = true
	e.signalStop()
}

// Active reports whether uid has a scan loop that has not exited.
func (r *Registry) Active(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[uid]
	return ok && !e.exited
}

// Running returns the number of loops that have not exited.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tasks {
		if !e.exited {
			n++
		}
	}
	return n
}

// StopAll signals every task to stop.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tasks {
		if e.task.Status == StatusRunning {
			e.task.Status = StatusStopped
		}
		e.signalStop()
	}
}

// Handle is the scan loop's view of its own task. It stays valid after the
// task is forgotten; updates then go nowhere visible.
type Handle struct {
	reg *Registry
	uid string
	e   *entry
}

// UserID returns the user the task belongs to.
func (h *Handle) UserID() string { return h.uid }

// RunID returns the task's run id.
func (h *Handle) RunID() string {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.e.task.RunID
}

// Stopped is closed once a stop has been requested.
func (h *Handle) Stopped() <-chan struct{} { return h.e.stop }

// Cleared reports whether the task was forgotten while its loop ran.
func (h *Handle) Cleared() bool {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	return h.e.cleared
}

// Progress updates the counters and message of a running task.
func (h *Handle) Progress(total int, lastTime int64, newItems int, msg string) {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	t := &h.e.task
	t.Total = total
	if lastTime > 0 {
		t.LastTime = lastTime
	}
	t.NewItems = newItems
	if msg != "" && t.Status == StatusRunning {
		t.Msg = msg
	}
}

// Finish records the loop's exit and returns the final snapshot. An error
// always wins. Otherwise a task that is still running becomes done when
// finished is set and stopped when not; a task already stopped stays so.
func (h *Handle) Finish(finished bool, err error, msg string) Task {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	t := &h.e.task
	switch {
	case err != nil:
		t.Status = StatusError
		t.Msg = "scan interrupted: " + err.Error()
	case t.Status == StatusRunning && finished:
		t.Status = StatusDone
		if msg != "" {
			t.Msg = msg
		}
	case t.Status == StatusRunning:
		t.Status = StatusStopped
	}
	if t.Status == StatusStopped {
		t.Msg = "scan stopped"
	}
	t.FinishedAt = h.reg.now()
	h.e.exited = true
	h.e.signalStop()
	if h.e.cleared && h.reg.tasks[h.uid] == h.e {
		delete(h.reg.tasks, h.uid)
	}
	return *t
}
