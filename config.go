package yardwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/yardwatch/internal/enrich"
)

// Config holds all yardwatch configuration. Secrets (provider API keys,
// the HTTP API key) never live in the YAML file; they come from the
// environment, optionally seeded from a .env file.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	Timezone    string `yaml:"timezone"`

	Capture    CaptureConfig   `yaml:"capture"`
	Scan       ScanConfig      `yaml:"scan"`
	Validation ValidateConfig  `yaml:"validate"`
	Describe   ProviderConfig  `yaml:"describe"`
	Summarize  ProviderConfig  `yaml:"summarize"`
	Worker     WorkerConfig    `yaml:"worker"`
	Enrich     EnrichConfig    `yaml:"enrich"`
	Retention  RetentionConfig `yaml:"retention"`
	Health     HealthConfig    `yaml:"health"`

	// Resolved from the environment, not the file.
	APIKey string `yaml:"-"`

	loc *time.Location
}

// CaptureConfig controls the optional built-in HTTP capture loop.
type CaptureConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ScanConfig controls snapshot discovery.
type ScanConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	QueueCapacity int           `yaml:"queue_capacity"`
	ListingTTL    time.Duration `yaml:"listing_ttl"`
}

// ValidateConfig controls snapshot validation.
type ValidateConfig struct {
	MaxFileSizeMB      int     `yaml:"max_file_size_mb"`
	MinWidth           int     `yaml:"min_width"`
	MinHeight          int     `yaml:"min_height"`
	MaxWidth           int     `yaml:"max_width"`
	MaxHeight          int     `yaml:"max_height"`
	DarkFrameCheck     bool    `yaml:"dark_frame_check"`
	DarkFrameLuma      float64 `yaml:"dark_frame_luma"`
	MotionCheck        bool    `yaml:"motion_check"`
	MotionThresholdPct float64 `yaml:"motion_threshold_pct"`
}

// ProviderConfig configures one inference provider.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	RatePerMinute    int           `yaml:"rate_per_minute"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	CostInputPerM    float64       `yaml:"cost_input_per_m"`
	CostOutputPerM   float64       `yaml:"cost_output_per_m"`

	apiKey string
}

// WorkerConfig controls the pipeline worker.
type WorkerConfig struct {
	CompareWindow time.Duration `yaml:"compare_window"`
	CompareLimit  int           `yaml:"compare_limit"`
}

// EnrichConfig controls the clock-driven jobs.
type EnrichConfig struct {
	HourlyMaxDelta time.Duration `yaml:"hourly_max_delta"`
	DailyAt        string        `yaml:"daily_at"`
}

// RetentionConfig controls snapshot retention.
type RetentionConfig struct {
	MaxAgeDays int  `yaml:"max_age_days"`
	Floor      int  `yaml:"floor"`
	DryRun     bool `yaml:"dry_run"`
	RunAt      int  `yaml:"run_at"`
}

// HealthConfig sets the degraded/unhealthy thresholds.
type HealthConfig struct {
	MinDiskFreeMB  int           `yaml:"min_disk_free_mb"`
	MaxQueueDepth  int           `yaml:"max_queue_depth"`
	MaxSnapshotAge time.Duration `yaml:"max_snapshot_age"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Capture.Interval <= 0 {
		c.Capture.Interval = 10 * time.Minute
	}
	if c.Scan.PollInterval <= 0 {
		c.Scan.PollInterval = 30 * time.Second
	}
	if c.Scan.SettleDelay <= 0 {
		c.Scan.SettleDelay = 2 * time.Second
	}
	if c.Scan.QueueCapacity <= 0 {
		c.Scan.QueueCapacity = 256
	}
	if c.Scan.ListingTTL <= 0 {
		c.Scan.ListingTTL = 2 * time.Second
	}
	if c.Describe.Name == "" {
		c.Describe.Name = "groq"
	}
	if c.Describe.BaseURL == "" {
		c.Describe.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Describe.APIKeyEnv == "" {
		c.Describe.APIKeyEnv = "GROQ_API_KEY"
	}
	if c.Summarize.Name == "" {
		c.Summarize.Name = "gemini"
	}
	if c.Summarize.BaseURL == "" {
		c.Summarize.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	if c.Summarize.APIKeyEnv == "" {
		c.Summarize.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.Worker.CompareWindow <= 0 {
		c.Worker.CompareWindow = c.Capture.Interval + c.Capture.Interval/2
	}
	if c.Worker.CompareLimit <= 0 {
		c.Worker.CompareLimit = 200
	}
	if c.Enrich.HourlyMaxDelta <= 0 {
		c.Enrich.HourlyMaxDelta = 2 * time.Hour
	}
	if c.Enrich.DailyAt == "" {
		c.Enrich.DailyAt = "00:10"
	}
	if c.Retention.MaxAgeDays <= 0 {
		c.Retention.MaxAgeDays = 30
	}
	if c.Retention.Floor <= 0 {
		c.Retention.Floor = 100
	}
	if c.Retention.RunAt <= 0 {
		c.Retention.RunAt = 3
	}
	if c.Health.MinDiskFreeMB <= 0 {
		c.Health.MinDiskFreeMB = 100
	}
	if c.Health.MaxQueueDepth <= 0 {
		c.Health.MaxQueueDepth = 20
	}
	if c.Health.MaxSnapshotAge <= 0 {
		c.Health.MaxSnapshotAge = 2 * c.Capture.Interval
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if c.SnapshotDir == "" {
		return fmt.Errorf("yardwatch: snapshot_dir is required")
	}
	if c.Capture.Enabled && c.Capture.URL == "" {
		return fmt.Errorf("yardwatch: capture.url is required when capture is enabled")
	}
	if c.Describe.Model == "" {
		return fmt.Errorf("yardwatch: describe.model is required")
	}
	if c.Summarize.Model == "" {
		return fmt.Errorf("yardwatch: summarize.model is required")
	}
	if c.Describe.apiKey == "" {
		return fmt.Errorf("yardwatch: %s is not set", c.Describe.APIKeyEnv)
	}
	if c.Summarize.apiKey == "" {
		return fmt.Errorf("yardwatch: %s is not set", c.Summarize.APIKeyEnv)
	}
	if _, _, err := enrich.ParseDailyAt(c.Enrich.DailyAt); err != nil {
		return fmt.Errorf("yardwatch: enrich.daily_at: %w", err)
	}
	return nil
}

// Location returns the configured timezone, defaulting to local time.
func (c *Config) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	return time.Local
}

// DBPath is the SQLite database location under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "records.db")
}

// StatePath is the last-processed marker location.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "last_processed.json")
}

// LoadConfigFile reads a YAML config file, applies defaults, and resolves
// secrets from the environment. envFile, when non-empty, is loaded first
// without overriding variables already set.
func LoadConfigFile(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("yardwatch: load env file: %w", err)
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("yardwatch: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yardwatch: parse config: %w", err)
		}
	}
	cfg.defaults()

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("yardwatch: timezone: %w", err)
		}
		cfg.loc = loc
	}

	cfg.Describe.apiKey = os.Getenv(cfg.Describe.APIKeyEnv)
	cfg.Summarize.apiKey = os.Getenv(cfg.Summarize.APIKeyEnv)
	cfg.APIKey = os.Getenv("YARDWATCH_API_KEY")
	return cfg, nil
}
