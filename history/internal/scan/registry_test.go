package scan

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_RegisterTwice(t *testing.T) {
	// WHAT: A second registration for a running user is refused.
	// WHY: One scan loop per user.
	r := NewRegistry()
	if _, err := r.Register("1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("1", "b"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestRegistry_Draining(t *testing.T) {
	// WHAT: A stopped task whose loop has not exited blocks a restart.
	// WHY: Two loops for one user would interleave merges.
	r := NewRegistry()
	h, _ := r.Register("1", "a")
	if !r.Stop("1") {
		t.Fatal("stop on running task returned false")
	}
	if task, _ := r.Lookup("1"); task.Status != StatusStopped {
		t.Errorf("status after stop: %s", task.Status)
	}
	if _, err := r.Register("1", "b"); !errors.Is(err, ErrDraining) {
		t.Fatalf("got %v, want ErrDraining", err)
	}
	h.Finish(false, nil, "")
	if _, err := r.Register("1", "c"); err != nil {
		t.Fatalf("register after exit: %v", err)
	}
}

func TestRegistry_StopClosesChannel(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register("1", "a")
	r.Stop("1")
	select {
	case <-h.Stopped():
	case <-time.After(time.Second):
		t.Fatal("stop channel not closed")
	}
	if r.Stop("1") {
		t.Error("second stop should report no transition")
	}
}

func TestHandle_FinishStatuses(t *testing.T) {
	cases := []struct {
		name     string
		stop     bool
		finished bool
		err      error
		want     Status
	}{
		{"finished", false, true, nil, StatusDone},
		{"not finished", false, false, nil, StatusStopped},
		{"stopped then finished", true, true, nil, StatusStopped},
		{"error wins", true, false, errors.New("boom"), StatusError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewRegistry()
			h, _ := r.Register("1", "a")
			if c.stop {
				r.Stop("1")
			}
			task := h.Finish(c.finished, c.err, "done msg")
			if task.Status != c.want {
				t.Errorf("status: got %s, want %s", task.Status, c.want)
			}
			if task.FinishedAt.IsZero() {
				t.Error("finished_at not set")
			}
			if r.Active("1") {
				t.Error("task still active after finish")
			}
		})
	}
}

func TestRegistry_Forget(t *testing.T) {
	// WHAT: Forget stops the loop and hides the task; registration is refused until the loop exits.
	// WHY: Clearing a user's data must not let a second loop run beside the first.
	r := NewRegistry()
	h, _ := r.Register("1", "a")
	r.Forget("1")
	if _, ok := r.Lookup("1"); ok {
		t.Error("task still visible")
	}
	select {
	case <-h.Stopped():
	default:
		t.Error("forgotten task not signalled")
	}
	if !h.Cleared() {
		t.Error("handle not marked cleared")
	}
	h.Progress(3, 1, 1, "late")
	if _, ok := r.Lookup("1"); ok {
		t.Error("late progress resurrected the task")
	}
	if _, err := r.Register("1", "b"); !errors.Is(err, ErrDraining) {
		t.Fatalf("register while draining: %v", err)
	}
	if !r.Active("1") {
		t.Error("draining loop reported inactive")
	}

	if task := h.Finish(false, nil, ""); task.Status != StatusStopped {
		t.Errorf("final status: %s", task.Status)
	}
	if r.Active("1") {
		t.Error("exited loop still active")
	}
	if _, err := r.Register("1", "b"); err != nil {
		t.Fatalf("register after exit: %v", err)
	}
}

func TestRegistry_ForgetExited(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register("2", "a")
	h.Finish(true, nil, "done")
	r.Forget("2")
	if _, ok := r.Lookup("2"); ok {
		t.Error("exited task not removed")
	}
}

func TestPacer_Range(t *testing.T) {
	p := NewPacer(500*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		d := p.Next()
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("delay out of range: %v", d)
		}
	}
	if NewPacer(0, 0).Next() != 0 {
		t.Error("zero pacer should not wait")
	}
}
