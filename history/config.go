package history

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full viewtrail configuration.
type Config struct {
	Listen        string         `yaml:"listen"`
	DataDir       string         `yaml:"data_dir"`
	SettingsDB    string         `yaml:"settings_db"`
	AdminPassword string         `yaml:"admin_password"`
	MaxBodyMB     int            `yaml:"max_body_mb"`
	MCPEnabled    bool           `yaml:"mcp_enabled"`
	Remote        RemoteConfig   `yaml:"remote"`
	Scan          ScanConfig     `yaml:"scan"`
	Analysis      AnalysisConfig `yaml:"analysis"`
	Sweep         SweepConfig    `yaml:"sweep"`
}

// RemoteConfig configures the history API client.
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	PageSize  int           `yaml:"page_size"`
	UserAgent string        `yaml:"user_agent"`
	Referer   string        `yaml:"referer"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ScanConfig configures the scan engine. A negative MaxDelay disables the
// pause between detail lookups.
type ScanConfig struct {
	TrackedCategory string        `yaml:"tracked_category"`
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	PageRetries     int           `yaml:"page_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// AnalysisConfig configures the analysis gate.
type AnalysisConfig struct {
	MaxItems    int           `yaml:"max_items"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
}

// SweepConfig configures stale record deletion. A zero Retention disables
// the sweeper. Finished scan runs older than RunRetention are pruned from
// the journal on each sweep.
type SweepConfig struct {
	Retention    time.Duration `yaml:"retention"`
	Interval     time.Duration `yaml:"interval"`
	RunRetention time.Duration `yaml:"run_retention"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":3000",
		DataDir:    "user_data",
		SettingsDB: "viewtrail.db",
		MaxBodyMB:  50,
		MCPEnabled: true,
		Remote: RemoteConfig{
			BaseURL:  "https://api.bilibili.com",
			PageSize: 20,
			Referer:  "https://www.bilibili.com/",
			Timeout:  15 * time.Second,
		},
		Scan: ScanConfig{
			TrackedCategory: "archive",
			MinDelay:        500 * time.Millisecond,
			MaxDelay:        time.Second,
			PageRetries:     2,
			RetryBackoff:    time.Second,
		},
		Analysis: AnalysisConfig{
			MaxItems:    80,
			Timeout:     120 * time.Second,
			Temperature: 0.7,
		},
		Sweep: SweepConfig{
			Retention:    24 * time.Hour,
			Interval:     time.Hour,
			RunRetention: 30 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxBodyMB <= 0 {
		return fmt.Errorf("max_body_mb must be > 0")
	}
	if c.Remote.PageSize < 0 || c.Remote.PageSize > 50 {
		return fmt.Errorf("remote.page_size must be between 1 and 50")
	}
	if c.Scan.MaxDelay >= 0 && c.Scan.MinDelay > c.Scan.MaxDelay {
		return fmt.Errorf("scan.min_delay must not exceed scan.max_delay")
	}
	if c.Scan.PageRetries < 0 {
		return fmt.Errorf("scan.page_retries must be >= 0")
	}
	if c.Sweep.Retention < 0 {
		return fmt.Errorf("sweep.retention must be >= 0")
	}
	if c.Sweep.RunRetention < 0 {
		return fmt.Errorf("sweep.run_retention must be >= 0")
	}
	if c.Analysis.Temperature < 0 || c.Analysis.Temperature > 2 {
		return fmt.Errorf("analysis.temperature must be between 0 and 2")
	}
	return nil
}

// MaxBodyBytes returns the request body cap in bytes.
func (c *Config) MaxBodyBytes() int64 { return int64(c.MaxBodyMB) << 20 }
