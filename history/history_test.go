package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/viewtrail/dbopen"
	"github.com/hazyhaar/viewtrail/idgen"
)

// fakeRemote serves the history and detail endpoints. Pages are keyed by
// the view_at query parameter ("" for the first page).
type fakeRemote struct {
	mu         sync.Mutex
	pages      map[string]string
	detailHits map[string]int
	block      chan struct{} // when set, history requests wait on it
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{pages: map[string]string{}, detailHits: map[string]int{}}
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/x/web-interface/history/cursor":
		if f.block != nil {
			select {
			case <-f.block:
			case <-r.Context().Done():
				return
			}
		}
		f.mu.Lock()
		body, ok := f.pages[r.URL.Query().Get("view_at")]
		f.mu.Unlock()
		if !ok {
			body = historyPage(0)
		}
		w.Write([]byte(body))
	case "/x/web-interface/view":
		bvid := r.URL.Query().Get("bvid")
		f.mu.Lock()
		f.detailHits[bvid]++
		f.mu.Unlock()
		fmt.Fprintf(w, `{"code":0,"data":{"title":"full %s","desc":"d","tname":"Music","dynamic":"","pic":"p","owner":{"name":"o"}}}`, bvid)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRemote) hits(bvid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailHits[bvid]
}

func historyPage(next int64, viewAts ...int64) string {
	var list []string
	for _, v := range viewAts {
		list = append(list, fmt.Sprintf(
			`{"title":"ev %d","cover":"c","author_name":"a","view_at":%d,"history":{"oid":%d,"bvid":"BV%d","business":"archive"}}`,
			v, v, v, v))
	}
	return fmt.Sprintf(`{"code":0,"data":{"cursor":{"max":%d,"view_at":%d,"business":"archive","ps":20},"list":[%s]}}`,
		next, next, strings.Join(list, ","))
}

func setupTestService(t *testing.T, remote http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.AdminPassword = "pw"
	cfg.Remote.BaseURL = srv.URL
	cfg.Scan.MaxDelay = -1
	cfg.Scan.RetryBackoff = time.Millisecond
	cfg.Sweep.Retention = 0

	svc, err := New(cfg, dbopen.OpenMemory(t), nil,
		WithPasswordCost(bcrypt.MinCost),
		WithIDGenerator(idgen.Sequence("run")))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func waitIdle(t *testing.T, svc *Service, uid string) StatusReport {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.registry.Active(uid) {
			return svc.ScanStatus(uid)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scan for %s did not finish", uid)
	return StatusReport{}
}

// waitRun polls the journal until the latest run of uid has finished.
func waitRun(t *testing.T, svc *Service, uid string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := svc.ScanRuns(context.Background(), uid, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 1 && runs[0].Status != "running" {
			return runs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run for %s never finished in the journal", uid)
	return Run{}
}

func TestStartScan_Validation(t *testing.T) {
	// WHAT: Malformed ids and credentials are rejected without creating a task.
	// WHY: A rejected start must leave no trace.
	svc := setupTestService(t, newFakeRemote())
	ctx := context.Background()

	cases := []struct {
		uid, cookie string
		want        error
	}{
		{"abc", "SESSDATA=x", ErrInvalidUserID},
		{"", "SESSDATA=x", ErrInvalidUserID},
		{"42", "  ", ErrInvalidCredential},
		{"42", "SESSDATA=x; DedeUserID=43", ErrInvalidCredential},
	}
	for _, c := range cases {
		if _, err := svc.StartScan(ctx, c.uid, c.cookie); !errors.Is(err, c.want) {
			t.Errorf("StartScan(%q, %q): got %v, want %v", c.uid, c.cookie, err, c.want)
		}
	}
	if st := svc.ScanStatus("42"); st.Status != StatusIdle {
		t.Errorf("status: got %s, want idle", st.Status)
	}
}

func TestStartScan_IncrementalMerge(t *testing.T) {
	// WHAT: Stored 1000 + remote [1500,1200,1000,900] -> [1500,1200,1000], done, journaled.
	// WHY: End-to-end check of the boundary protocol through the service.
	fr := newFakeRemote()
	fr.pages[""] = historyPage(900, 1500, 1200, 1000, 900)
	svc := setupTestService(t, fr)
	ctx := context.Background()

	if err := svc.UploadRecord(context.Background(), "42", &Record{List: []Item{{Title: "old", VideoID: "BV1000", ViewAt: 1000}}}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.StartScan(ctx, "42", "SESSDATA=x; DedeUserID=42")
	if err != nil || !res.Started || res.RunID != "run-1" {
		t.Fatalf("start: %+v %v", res, err)
	}

	st := waitIdle(t, svc, "42")
	if st.Status != StatusDone || st.Total != 3 {
		t.Fatalf("status: %+v", st)
	}

	rec, _ := svc.LoadRecord("42")
	var got []int64
	for _, it := range rec.List {
		got = append(got, it.ViewAt)
	}
	if fmt.Sprint(got) != "[1500 1200 1000]" {
		t.Errorf("list: %v", got)
	}
	if rec.List[0].Title != "full BV1500" || rec.List[0].Tags != "Music" {
		t.Errorf("first item not enriched: %+v", rec.List[0])
	}
	if fr.hits("BV1000") != 0 || fr.hits("BV900") != 0 {
		t.Error("items at or below the boundary were looked up")
	}

	if run := waitRun(t, svc, "42"); run.Status != "done" || run.NewItems != 2 || run.ID != "run-1" {
		t.Errorf("run: %+v", run)
	}
}

func TestStartScan_SingleFlightAndDraining(t *testing.T) {
	// WHAT: A second start while running is a no-op; after stop, a restart waits for the loop to exit.
	// WHY: One scan loop per user.
	fr := newFakeRemote()
	fr.block = make(chan struct{})
	fr.pages[""] = historyPage(400, 500, 400)
	svc := setupTestService(t, fr)
	ctx := context.Background()
	cookie := "SESSDATA=x"

	first, err := svc.StartScan(ctx, "7", cookie)
	if err != nil || !first.Started {
		t.Fatalf("first start: %+v %v", first, err)
	}
	second, err := svc.StartScan(ctx, "7", cookie)
	if err != nil || second.Started || second.Msg != "scan already running" || second.RunID != first.RunID {
		t.Fatalf("second start: %+v %v", second, err)
	}

	stopped, err := svc.StopScan("7")
	if err != nil || !stopped {
		t.Fatalf("stop: %v %v", stopped, err)
	}
	if st := svc.ScanStatus("7"); st.Status != StatusStopped {
		t.Errorf("status after stop: %s", st.Status)
	}
	if _, err := svc.StartScan(ctx, "7", cookie); !errors.Is(err, ErrScanDraining) {
		t.Fatalf("start while draining: got %v", err)
	}

	close(fr.block)
	st := waitIdle(t, svc, "7")
	if st.Status != StatusStopped {
		t.Errorf("final status: %s", st.Status)
	}
	rec, _ := svc.LoadRecord("7")
	if len(rec.List) != 2 {
		t.Errorf("in-flight page not merged: %d items", len(rec.List))
	}

	again, err := svc.StartScan(ctx, "7", cookie)
	if err != nil || !again.Started {
		t.Fatalf("restart: %+v %v", again, err)
	}
	waitIdle(t, svc, "7")
}

func TestStopScan_NoTask(t *testing.T) {
	svc := setupTestService(t, newFakeRemote())
	stopped, err := svc.StopScan("5")
	if err != nil || stopped {
		t.Fatalf("got %v %v", stopped, err)
	}
}

func TestScanStatus_IdleFromRecord(t *testing.T) {
	// WHAT: With no task, status is idle with totals read from the record.
	// WHY: Status stays meaningful across restarts.
	svc := setupTestService(t, newFakeRemote())
	svc.UploadRecord(context.Background(), "3", &Record{List: []Item{{ViewAt: 10}, {ViewAt: 30}}})

	st := svc.ScanStatus("3")
	if st.Status != StatusIdle || st.Total != 2 || st.LastTime != 30 {
		t.Fatalf("status: %+v", st)
	}
	if st := svc.ScanStatus("not-a-uid"); st.Status != StatusIdle {
		t.Errorf("invalid uid status: %+v", st)
	}
}

func TestUploadRecord_KeepsAnalysisAndSorts(t *testing.T) {
	// WHAT: An upload without ai_analysis keeps the stored one; the list is re-sorted.
	// WHY: Restoring a backup must not drop the cached analysis or break ordering.
	svc := setupTestService(t, newFakeRemote())
	svc.store.Replace("9", &Record{List: []Item{}, Analysis: &AnalysisCache{Hash: "h", Content: "kept"}})

	err := svc.UploadRecord(context.Background(), "9", &Record{List: []Item{{ViewAt: 1}, {ViewAt: 3}, {ViewAt: 2}}})
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := svc.LoadRecord("9")
	if rec.Analysis == nil || rec.Analysis.Content != "kept" {
		t.Errorf("analysis: %+v", rec.Analysis)
	}
	if rec.List[0].ViewAt != 3 || rec.List[2].ViewAt != 1 {
		t.Errorf("list not sorted: %+v", rec.List)
	}

	if err := svc.UploadRecord(context.Background(), "9", &Record{}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("nil list: got %v", err)
	}
}

func TestClearRecord(t *testing.T) {
	svc := setupTestService(t, newFakeRemote())
	svc.UploadRecord(context.Background(), "4", &Record{List: []Item{{ViewAt: 1}}})
	if _, err := svc.RecordPath("4"); err != nil {
		t.Fatalf("path before clear: %v", err)
	}
	if err := svc.ClearRecord(context.Background(), "4"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordPath("4"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("path after clear: %v", err)
	}
	rec, err := svc.LoadRecord("4")
	if err != nil || len(rec.List) != 0 {
		t.Errorf("load after clear: %+v %v", rec, err)
	}
}

func TestAnalyze_CachedAfterFirstCall(t *testing.T) {
	// WHAT: The second analysis of unchanged data is served from the cache.
	// WHY: Completion calls are slow and billed.
	var calls int
	var mu sync.Mutex
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "profile"}}},
		})
	}))
	defer llmSrv.Close()

	svc := setupTestService(t, newFakeRemote())
	ctx := context.Background()
	svc.UploadRecord(context.Background(), "8", &Record{List: []Item{{Title: "a", ViewAt: 20}, {Title: "b", ViewAt: 10}}})

	if _, err := svc.Analyze(ctx, "8", nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("unconfigured: got %v", err)
	}
	if err := svc.SaveSettings(ctx, "pw", Settings{APIURL: llmSrv.URL + "/v1", APIKey: "sk", Model: "m"}); err != nil {
		t.Fatal(err)
	}

	stats := &Stats{Total: 2, Matched: 1}
	first, err := svc.Analyze(ctx, "8", nil, stats)
	if err != nil || first.FromCache || first.Content != "profile" {
		t.Fatalf("first: %+v %v", first, err)
	}
	second, err := svc.Analyze(ctx, "8", nil, stats)
	if err != nil || !second.FromCache {
		t.Fatalf("second: %+v %v", second, err)
	}
	if calls != 1 {
		t.Errorf("completion calls: got %d, want 1", calls)
	}
	rec, _ := svc.LoadRecord("8")
	if rec.Analysis == nil || rec.Analysis.Hash != "2_1_20" {
		t.Errorf("stored cache: %+v", rec.Analysis)
	}
}

func TestSettings_AdminGate(t *testing.T) {
	svc := setupTestService(t, newFakeRemote())
	ctx := context.Background()

	if _, err := svc.GetSettings("wrong"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("get wrong password: %v", err)
	}
	got, err := svc.GetSettings("pw")
	if err != nil {
		t.Fatal(err)
	}
	if got.SystemPrompt != DefaultSystemPrompt {
		t.Error("default prompt not reported")
	}
	if err := svc.SaveSettings(ctx, "pw", Settings{APIURL: "ftp://x"}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("bad url: got %v", err)
	}
	if err := svc.SaveSettings(ctx, "wrong", Settings{APIURL: "ftp://x"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("wrong password with bad url: got %v", err)
	}
}

func TestClose_StopsRunningScans(t *testing.T) {
	// WHAT: Close cancels in-flight calls and waits for scan loops.
	// WHY: Shutdown must not leave goroutines writing records.
	fr := newFakeRemote()
	fr.block = make(chan struct{})
	defer close(fr.block)
	svc := setupTestService(t, fr)

	if _, err := svc.StartScan(context.Background(), "6", "SESSDATA=x"); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if svc.registry.Active("6") {
		t.Error("scan still active after Close")
	}
}

func TestAuditLog(t *testing.T) {
	// WHAT: Uploads, clears and settings saves land in the audit trail; reading it needs the admin password.
	// WHY: Destructive operations must be traceable after the fact.
	svc := setupTestService(t, newFakeRemote())
	ctx := context.Background()

	svc.UploadRecord(ctx, "5", &Record{List: []Item{{ViewAt: 1}}})
	if err := svc.ClearRecord(ctx, "5"); err != nil {
		t.Fatal(err)
	}
	svc.SaveSettings(ctx, "wrong", Settings{})
	svc.Close()

	if _, err := svc.AuditLog(ctx, "wrong", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("wrong password: %v", err)
	}
	entries, err := svc.AuditLog(ctx, "pw", 10)
	if err != nil {
		t.Fatal(err)
	}
	ops := map[string]AuditEntry{}
	for _, e := range entries {
		ops[e.Operation] = e
	}
	if e, ok := ops["record.upload"]; !ok || e.UserID != "5" || e.Status != "success" {
		t.Errorf("upload entry: %+v", e)
	}
	if _, ok := ops["record.clear"]; !ok {
		t.Error("clear not audited")
	}
	if e := ops["settings.save"]; e.Status != "error" {
		t.Errorf("rejected save: %+v", e)
	}
}

func TestClearRecord_DuringScan(t *testing.T) {
	// WHAT: Clearing while a page is in flight refuses a new scan until the old loop exits, and the record stays deleted.
	// WHY: One loop per user, and a cleared record must not come back.
	fr := newFakeRemote()
	fr.block = make(chan struct{})
	fr.pages[""] = historyPage(0, 500)
	svc := setupTestService(t, fr)
	ctx := context.Background()
	cookie := "SESSDATA=x"

	if err := svc.UploadRecord(ctx, "7", &Record{List: []Item{{Title: "old", ViewAt: 100}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartScan(ctx, "7", cookie); err != nil {
		t.Fatal(err)
	}
	if err := svc.ClearRecord(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartScan(ctx, "7", cookie); !errors.Is(err, ErrScanDraining) {
		t.Fatalf("start while first loop in flight: got %v, want ErrScanDraining", err)
	}
	if st := svc.ScanStatus("7"); st.Status != StatusIdle || st.Total != 0 {
		t.Errorf("status after clear: %+v", st)
	}

	close(fr.block)
	waitIdle(t, svc, "7")
	if svc.store.Exists("7") {
		rec, _ := svc.LoadRecord("7")
		t.Fatalf("cleared record recreated: %+v", rec.List)
	}

	res, err := svc.StartScan(ctx, "7", cookie)
	if err != nil || !res.Started {
		t.Fatalf("restart: %+v %v", res, err)
	}
	waitIdle(t, svc, "7")
	rec, _ := svc.LoadRecord("7")
	if len(rec.List) != 1 || rec.List[0].ViewAt != 500 {
		t.Errorf("list after rescan: %+v", rec.List)
	}
}
