// Package settings stores the analysis endpoint settings in SQLite behind an
// admin password, and keeps an in-memory copy current across processes.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/viewtrail/watch"
)

// Schema creates the settings table. The table holds at most one row.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_settings (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	api_url       TEXT NOT NULL DEFAULT '',
	api_key       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);`

var (
	// ErrAdminDisabled is returned when no admin password is configured.
	ErrAdminDisabled = errors.New("settings: admin access disabled")

	// ErrForbidden is returned for a wrong admin password.
	ErrForbidden = errors.New("settings: wrong admin password")
)

// Settings configure the completion endpoint.
type Settings struct {
	APIURL       string `json:"apiUrl"`
	APIKey       string `json:"apiKey"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

// Config configures the store.
type Config struct {
	// AdminPassword gates Get and Save. Empty disables both.
	AdminPassword string
	// DefaultPrompt is returned while no system prompt is saved.
	DefaultPrompt string
	// HashCost is the bcrypt cost. Default: bcrypt.DefaultCost.
	HashCost int
	// PollInterval is the change detection frequency for Watch. Default: 2s.
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Store reads and writes the settings row.
type Store struct {
	db        *sql.DB
	config    Config
	adminHash []byte
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current Settings
}

// Open applies the schema, hashes the admin password and loads the current
// settings. A nil logger uses slog.Default().
func Open(ctx context.Context, db *sql.DB, cfg Config, logger *slog.Logger) (*Store, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("settings: schema: %w", err)
	}
	s := &Store{db: db, config: cfg, logger: logger, now: time.Now}
	if cfg.AdminPassword != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), cfg.HashCost)
		if err != nil {
			return nil, fmt.Errorf("settings: hash admin password: %w", err)
		}
		s.adminHash = h
	} else {
		logger.Warn("settings: no admin password configured, settings endpoints disabled")
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the cached settings with the default prompt filled in.
func (s *Store) Current() Settings {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur.SystemPrompt == "" {
		cur.SystemPrompt = s.config.DefaultPrompt
	}
	return cur
}

// Authorize checks the admin password.
func (s *Store) Authorize(password string) error {
	if s.adminHash == nil {
		return ErrAdminDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)); err != nil {
		return ErrForbidden
	}
	return nil
}

// Get returns the current settings for an authorized caller.
func (s *Store) Get(password string) (Settings, error) {
	if err := s.Authorize(password); err != nil {
		return Settings{}, err
	}
	return s.Current(), nil
}

// Save replaces the stored settings for an authorized caller.
func (s *Store) Save(ctx context.Context, password string, in Settings) error {
	if err := s.Authorize(password); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_settings (id, api_url, api_key, model, system_prompt, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			api_url = excluded.api_url,
			api_key = excluded.api_key,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at`,
		in.APIURL, in.APIKey, in.Model, in.SystemPrompt, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	s.mu.Lock()
	s.current = in
	s.mu.Unlock()
	s.logger.Info("settings: saved", "model", in.Model, "api_url", in.APIURL)
	return nil
}

// Reload reads the row into the in-memory copy.
func (s *Store) Reload(ctx context.Context) error {
	var cur Settings
	err := s.db.QueryRowContext(ctx,
		`SELECT api_url, api_key, model, system_prompt FROM analysis_settings WHERE id = 1`,
	).Scan(&cur.APIURL, &cur.APIKey, &cur.Model, &cur.SystemPrompt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("settings: load: %w", err)
	}
	s.mu.Lock()
	s.current = cur
	s.mu.Unlock()
	return nil
}

// Watch reloads the settings whenever the row changes, until ctx is done.
func (s *Store) Watch(ctx context.Context) {
	w := watch.New(s.db, watch.Options{
		Interval: s.config.PollInterval,
		Detector: watch.MaxColumnDetector("analysis_settings", "updated_at"),
		Logger:   s.logger,
	})
	w.OnChange(ctx, func() error { return s.Reload(ctx) })
}
