// Package history is the viewtrail service: incremental watch-history scans
// per user, durable per-user records, and a fingerprint-cached LLM analysis
// of those records.
//
// Usage:
//
//	svc, err := history.New(cfg, db, logger)
//	go svc.Run(ctx)        // sweeper + settings reload; stops scans on exit
//	svc.StartScan(ctx, uid, cookie)
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/viewtrail/horosafe"
	"github.com/hazyhaar/viewtrail/idgen"
	"github.com/hazyhaar/viewtrail/kit"

	"github.com/hazyhaar/viewtrail/history/internal/analysis"
	"github.com/hazyhaar/viewtrail/history/internal/audit"
	"github.com/hazyhaar/viewtrail/history/internal/enrich"
	"github.com/hazyhaar/viewtrail/history/internal/journal"
	"github.com/hazyhaar/viewtrail/history/internal/llm"
	"github.com/hazyhaar/viewtrail/history/internal/remote"
	"github.com/hazyhaar/viewtrail/history/internal/scan"
	"github.com/hazyhaar/viewtrail/history/internal/settings"
	"github.com/hazyhaar/viewtrail/history/internal/store"
	"github.com/hazyhaar/viewtrail/history/internal/sweep"
)

// Service is the viewtrail orchestrator.
type Service struct {
	config   *Config
	store    *store.FileStore
	registry *scan.Registry
	engine   *scan.Engine
	gate     *analysis.Gate
	settings *settings.Store
	journal  *journal.Journal
	audit    *audit.Logger
	sweeper  *sweep.Sweeper
	logger   *slog.Logger
	newID    idgen.Generator
	hashCost int

	// lifetime bounds every background scan; cancelled by Close.
	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithIDGenerator overrides the run id generator.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// WithPasswordCost sets the bcrypt cost used for the admin password.
func WithPasswordCost(cost int) ServiceOption {
	return func(s *Service) { s.hashCost = cost }
}

// New creates a Service. db holds the settings and the scan journal; the
// caller owns it.
func New(cfg *Config, db *sql.DB, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("history: config: %w", err)
	}
	if db == nil {
		return nil, errors.New("history: nil database")
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		config:   cfg,
		store:    store.New(cfg.DataDir),
		registry: scan.NewRegistry(),
		logger:   logger,
		newID:    idgen.Prefixed("scan_", idgen.Default),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.lifetime, svc.cancel = context.WithCancel(context.Background())

	ctx := context.Background()
	st, err := settings.Open(ctx, db, settings.Config{
		AdminPassword: cfg.AdminPassword,
		DefaultPrompt: analysis.DefaultSystemPrompt,
		HashCost:      svc.hashCost,
	}, logger)
	if err != nil {
		return nil, err
	}
	svc.settings = st

	j, err := journal.Open(ctx, db)
	if err != nil {
		return nil, err
	}
	if n, err := j.AbandonRunning(ctx, time.Now()); err != nil {
		logger.Warn("history: abandon stale runs", "error", err)
	} else if n > 0 {
		logger.Info("history: marked stale runs stopped", "count", n)
	}
	svc.journal = j

	al, err := audit.Open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	svc.audit = al

	client := remote.New(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		PageSize:  cfg.Remote.PageSize,
		UserAgent: cfg.Remote.UserAgent,
		Referer:   cfg.Remote.Referer,
		Timeout:   cfg.Remote.Timeout,
	})
	var pacer *scan.Pacer
	if cfg.Scan.MaxDelay >= 0 {
		pacer = scan.NewPacer(cfg.Scan.MinDelay, cfg.Scan.MaxDelay)
	}
	svc.engine = scan.NewEngine(
		client,
		enrich.New(client, logger),
		svc.store,
		pacer,
		scan.Config{
			TrackedCategory: cfg.Scan.TrackedCategory,
			PageRetries:     cfg.Scan.PageRetries,
			RetryBackoff:    cfg.Scan.RetryBackoff,
		},
		logger,
	)
	svc.gate = analysis.NewGate(
		llm.New(llm.Config{Timeout: cfg.Analysis.Timeout}, logger),
		svc.store,
		svc.settings,
		analysis.Config{MaxItems: cfg.Analysis.MaxItems, Temperature: cfg.Analysis.Temperature},
		logger,
	)
	if cfg.Sweep.Retention > 0 {
		svc.sweeper = sweep.New(svc.store, sweep.Options{
			Retention:  cfg.Sweep.Retention,
			Interval:   cfg.Sweep.Interval,
			Active:     svc.registry.Active,
			OnDelete:   svc.forgetUser,
			AfterCycle: svc.pruneRuns,
			Logger:     logger,
		})
	}
	return svc, nil
}

// Run starts the background loops (stale record sweeper, settings reload)
// and blocks until ctx is done, then stops every scan and waits for them.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sweeper.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.settings.Watch(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	s.Close()
	return nil
}

// Close stops every scan, cancels in-flight calls and waits for the loops
// to exit. Safe to call more than once.
func (s *Service) Close() {
	s.once.Do(func() {
		s.registry.StopAll()
		s.cancel()
	})
	s.wg.Wait()
	s.audit.Close()
}

// StartScan launches a background incremental scan for uid. If one is
// already running it reports so without starting another.
func (s *Service) StartScan(ctx context.Context, uid, cookie string) (*StartResult, error) {
	if err := validateUserID(uid); err != nil {
		return nil, err
	}
	if err := validateCookie(uid, cookie); err != nil {
		return nil, err
	}

	runID := s.newID()
	h, err := s.registry.Register(uid, runID)
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		task, _ := s.registry.Lookup(uid)
		return &StartResult{RunID: task.RunID, Msg: "scan already running"}, nil
	case errors.Is(err, scan.ErrDraining):
		return nil, ErrScanDraining
	case err != nil:
		return nil, err
	}

	if err := s.journal.Start(ctx, runID, uid, time.Now()); err != nil {
		s.logger.Warn("history: journal start", "run_id", runID, "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.engine.Run(s.lifetime, cookie, h)
		s.recordRun(runID, uid, out)
	}()

	s.logger.Info("history: scan started", "user_id", uid, "run_id", runID)
	return &StartResult{Started: true, RunID: runID, Msg: "background scan started"}, nil
}

func (s *Service) recordRun(runID, uid string, out scan.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.journal.Finish(ctx, journal.Run{
		ID:         runID,
		Status:     string(out.Task.Status),
		NewItems:   out.NewItems,
		Total:      out.Task.Total,
		Message:    out.Task.Msg,
		FinishedAt: out.Task.FinishedAt.UnixMilli(),
	})
	if err != nil && !errors.Is(err, journal.ErrUnknownRun) {
		s.logger.Warn("history: journal finish", "user_id", uid, "run_id", runID, "error", err)
	}
}

// StopScan asks uid's running scan to stop after its current page. It
// reports whether a running scan was found.
func (s *Service) StopScan(uid string) (bool, error) {
	if err := validateUserID(uid); err != nil {
		return false, err
	}
	stopped := s.registry.Stop(uid)
	if stopped {
		s.logger.Info("history: scan stop requested", "user_id", uid)
	}
	return stopped, nil
}

// ScanStatus returns the in-memory task of uid, or an idle report built
// from the stored record. It never fails.
func (s *Service) ScanStatus(uid string) StatusReport {
	if task, ok := s.registry.Lookup(uid); ok {
		return StatusReport{
			Status:   task.Status,
			Msg:      task.Msg,
			Total:    task.Total,
			LastTime: task.LastTime,
			RunID:    task.RunID,
		}
	}
	rep := StatusReport{Status: StatusIdle, Msg: "idle"}
	if validateUserID(uid) != nil {
		return rep
	}
	if rec, err := s.store.Load(uid); err == nil {
		rep.Total = len(rec.List)
		rep.LastTime = rec.NewestViewAt()
	}
	return rep
}

// ScanRuns returns the latest journaled runs of uid.
func (s *Service) ScanRuns(ctx context.Context, uid string, limit int) ([]Run, error) {
	if err := validateUserID(uid); err != nil {
		return nil, err
	}
	runs, err := s.journal.List(ctx, uid, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []Run{}
	}
	return runs, nil
}

// LoadRecord returns the stored record of uid, or an empty one.
func (s *Service) LoadRecord(uid string) (*Record, error) {
	if err := validateUserID(uid); err != nil {
		return nil, err
	}
	return s.store.Load(uid)
}

// RecordPath returns the record file of uid for download.
func (s *Service) RecordPath(uid string) (string, error) {
	if err := validateUserID(uid); err != nil {
		return "", err
	}
	if !s.store.Exists(uid) {
		return "", ErrRecordNotFound
	}
	return s.store.Path(uid)
}

// UploadRecord replaces the record of uid. The stored analysis is kept when
// the upload carries none, and the list is re-sorted newest first.
func (s *Service) UploadRecord(ctx context.Context, uid string, rec *Record) (err error) {
	if err := validateUserID(uid); err != nil {
		return err
	}
	if rec == nil || rec.List == nil {
		return ErrInvalidRecord
	}
	list := make([]Item, len(rec.List))
	copy(list, rec.List)
	store.SortNewestFirst(list)

	start := time.Now()
	defer func() {
		s.audit.Record(kit.WithUserID(ctx, uid), "record.upload", map[string]int{"items": len(list)}, err, time.Since(start))
	}()
	err = s.store.Update(uid, func(r *store.Record) error {
		kept := r.Analysis
		*r = *rec
		r.List = list
		if r.Analysis == nil {
			r.Analysis = kept
		}
		return nil
	})
	if errors.Is(err, store.ErrCorrupt) {
		fresh := *rec
		fresh.List = list
		err = s.store.Replace(uid, &fresh)
	}
	if err != nil {
		return fmt.Errorf("history: upload: %w", err)
	}
	s.logger.Info("history: record uploaded", "user_id", uid, "items", len(list))
	return nil
}

// ClearRecord deletes the record and run journal of uid and drops its task.
func (s *Service) ClearRecord(ctx context.Context, uid string) error {
	if err := validateUserID(uid); err != nil {
		return err
	}
	start := time.Now()
	s.registry.Forget(uid)
	err := s.store.Delete(uid)
	if err == nil {
		err = s.journal.DeleteUser(ctx, uid)
	}
	s.audit.Record(kit.WithUserID(ctx, uid), "record.clear", nil, err, time.Since(start))
	if err != nil {
		return err
	}
	s.logger.Info("history: record cleared", "user_id", uid)
	return nil
}

// forgetUser drops the task and run journal of a user whose record was swept.
func (s *Service) forgetUser(ctx context.Context, uid string) {
	if !s.registry.Active(uid) {
		s.registry.Forget(uid)
	}
	err := s.journal.DeleteUser(ctx, uid)
	if err != nil {
		s.logger.Warn("history: drop journal of swept user", "user_id", uid, "error", err)
	}
	s.audit.Record(kit.WithUserID(ctx, uid), "record.sweep", nil, err, 0)
}

func (s *Service) pruneRuns(ctx context.Context, now time.Time) {
	if s.config.Sweep.RunRetention <= 0 {
		return
	}
	cutoff := now.Add(-s.config.Sweep.RunRetention)
	n, err := s.journal.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn("history: prune scan runs", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("history: pruned scan runs", "count", n)
	}
	if _, err := s.audit.Prune(ctx, cutoff); err != nil {
		s.logger.Warn("history: prune audit log", "error", err)
	}
}

// Analyze returns the analysis of uid's history. When items is empty the
// stored list is analyzed.
func (s *Service) Analyze(ctx context.Context, uid string, items []Item, stats *Stats) (*AnalysisResult, error) {
	if err := validateUserID(uid); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		rec, err := s.store.Load(uid)
		if err != nil {
			return nil, fmt.Errorf("history: analyze: %w", err)
		}
		items = rec.List
	}
	res, err := s.gate.GetOrCompute(ctx, uid, items, stats)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetSettings returns the analysis settings for an admin.
func (s *Service) GetSettings(password string) (*Settings, error) {
	cur, err := s.settings.Get(password)
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

// SaveSettings replaces the analysis settings for an admin.
func (s *Service) SaveSettings(ctx context.Context, password string, in Settings) error {
	if err := s.settings.Authorize(password); err != nil {
		s.audit.Record(ctx, "settings.save", nil, err, 0)
		return err
	}
	if in.APIURL != "" {
		if err := horosafe.ValidateScheme(in.APIURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	start := time.Now()
	err := s.settings.Save(ctx, password, in)
	s.audit.Record(ctx, "settings.save", map[string]string{"apiUrl": in.APIURL, "model": in.Model}, err, time.Since(start))
	return err
}

// AuditLog returns the latest audit entries for an admin.
func (s *Service) AuditLog(ctx context.Context, password string, limit int) ([]AuditEntry, error) {
	if err := s.settings.Authorize(password); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, limit)
}

func validateUserID(uid string) error {
	if err := horosafe.ValidateNumericID(uid); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, uid)
	}
	return nil
}

// validateCookie rejects empty cookies and cookies whose DedeUserID names
// another user.
func validateCookie(uid, cookie string) error {
	if strings.TrimSpace(cookie) == "" {
		return fmt.Errorf("%w: empty cookie", ErrInvalidCredential)
	}
	for _, part := range strings.Split(cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name != "DedeUserID" {
			continue
		}
		if value != uid {
			return fmt.Errorf("%w: cookie belongs to another user", ErrInvalidCredential)
		}
	}
	return nil
}
