package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/viewtrail/dbopen"
	"github.com/hazyhaar/viewtrail/idgen"
	"github.com/hazyhaar/viewtrail/kit"
)

func setupTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(context.Background(), dbopen.OpenMemory(t), nil,
		WithIDGenerator(idgen.Sequence("a")), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestRecord_FlushedOnClose(t *testing.T) {
	// WHAT: Queued entries are written when the logger closes.
	// WHY: Shutdown must not lose the trail of the last operations.
	l := setupTestLogger(t)
	ctx := kit.WithTraceID(kit.WithUserID(context.Background(), "42"), "abcd")

	l.Record(ctx, "record.clear", nil, nil, 3*time.Millisecond)
	l.Record(ctx, "record.upload", map[string]int{"items": 2}, errors.New("disk full"), 0)
	l.Close()
	l.Close()

	got, err := l.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: %+v", got)
	}
	byOp := map[string]Entry{}
	for _, e := range got {
		byOp[e.Operation] = e
	}
	cl := byOp["record.clear"]
	if cl.UserID != "42" || cl.TraceID != "abcd" || cl.Status != "success" || cl.Parameters != "{}" {
		t.Errorf("clear entry: %+v", cl)
	}
	up := byOp["record.upload"]
	if up.Status != "error" || up.Error != "disk full" || up.Parameters != `{"items":2}` {
		t.Errorf("upload entry: %+v", up)
	}
}

func TestLogAndPrune(t *testing.T) {
	// WHAT: Log writes synchronously; Prune drops entries older than the cutoff.
	// WHY: The trail is bounded by the sweeper.
	l := setupTestLogger(t)
	defer l.Close()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if err := l.Log(ctx, &Entry{Operation: "settings.save", Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := l.Log(ctx, &Entry{Operation: "settings.get"}); err != nil {
		t.Fatal(err)
	}

	n, err := l.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
	got, _ := l.List(ctx, 0)
	if len(got) != 1 || got[0].Operation != "settings.get" {
		t.Errorf("remaining: %+v", got)
	}
}
