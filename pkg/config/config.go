package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultLedgerPath is the default path of the file-backed run ledger.
	DefaultLedgerPath = "./pulsed-runs.json"

	// DefaultResultsTable is the table the external workflow writes
	// per-platform analysis rows into.
	DefaultResultsTable = "platform_results"

	// DefaultNotifyChannel is the Postgres NOTIFY channel carrying
	// result-insert events.
	DefaultNotifyChannel = "pulsed_result_inserts"

	// DefaultPollInterval is how often pending runs are re-checked.
	DefaultPollInterval = "15s"

	// DefaultRunTimeout is how long a run may stay pending before it is
	// finalized from whatever results have arrived.
	DefaultRunTimeout = "10m"

	// DefaultCheckConcurrency bounds how many pending runs are checked
	// in parallel during a poll pass.
	DefaultCheckConcurrency = 4
)

// DefaultPlatforms are the platforms a run may request.
var DefaultPlatforms = []string{
	"tiktok", "instagram", "youtube", "twitter", "linkedin", "facebook",
}

// Config is the root configuration for pulsed.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Ledger   LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	Results  ResultsConfig  `yaml:"results" mapstructure:"results"`
	Workflow WorkflowConfig `yaml:"workflow" mapstructure:"workflow"`
	Archive  *ArchiveConfig `yaml:"archive,omitempty" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// LedgerConfig selects and configures the run ledger backend.
type LedgerConfig struct {
	Driver   string           `yaml:"driver" mapstructure:"driver"`
	File     FileLedgerConfig `yaml:"file,omitempty" mapstructure:"file"`
	SQLite   SQLiteConfig     `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig   `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// FileLedgerConfig configures the single-document JSON ledger.
type FileLedgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SQLiteConfig configures the sqlite-backed ledger.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig configures the postgres-backed ledger.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ResultsConfig configures access to the remote result store.
type ResultsConfig struct {
	// URL is the Postgres connection string used for result queries.
	URL string `yaml:"url" mapstructure:"url"`

	// NotifyURL overrides the connection used for LISTEN/NOTIFY. Set
	// this when URL points at a connection pooler, which cannot carry
	// LISTEN sessions.
	NotifyURL string `yaml:"notify_url,omitempty" mapstructure:"notify_url"`

	Table   string `yaml:"table,omitempty" mapstructure:"table"`
	Channel string `yaml:"channel,omitempty" mapstructure:"channel"`
}

// WorkflowConfig configures run triggering and reconciliation.
type WorkflowConfig struct {
	// WebhookURL is the external workflow endpoint invoked per run.
	// Empty means runs are created without firing the workflow.
	WebhookURL string `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`

	PollInterval string   `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	RunTimeout   string   `yaml:"run_timeout,omitempty" mapstructure:"run_timeout"`
	Concurrency  int      `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Platforms    []string `yaml:"platforms,omitempty" mapstructure:"platforms"`
}

// ArchiveConfig configures S3 archival of finished runs.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads and merges one or more yaml configuration files, applies
// PULSED_* environment overrides, and fills in defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PULSED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		v.SetConfigFile(path)

		if i == 0 {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}

	if c.Ledger.File.Path == "" {
		c.Ledger.File.Path = DefaultLedgerPath
	}

	if c.Results.Table == "" {
		c.Results.Table = DefaultResultsTable
	}

	if c.Results.Channel == "" {
		c.Results.Channel = DefaultNotifyChannel
	}

	if c.Workflow.PollInterval == "" {
		c.Workflow.PollInterval = DefaultPollInterval
	}

	if c.Workflow.RunTimeout == "" {
		c.Workflow.RunTimeout = DefaultRunTimeout
	}

	if c.Workflow.Concurrency <= 0 {
		c.Workflow.Concurrency = DefaultCheckConcurrency
	}

	if len(c.Workflow.Platforms) == 0 {
		c.Workflow.Platforms = append([]string(nil), DefaultPlatforms...)
	}
}

// validDrivers is the set of supported ledger backends.
var validDrivers = map[string]struct{}{
	"file":     {},
	"sqlite":   {},
	"postgres": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validDrivers[c.Ledger.Driver]; !ok {
		return fmt.Errorf("unsupported ledger driver: %s", c.Ledger.Driver)
	}

	if c.Ledger.Driver == "sqlite" && c.Ledger.SQLite.Path == "" {
		return fmt.Errorf("ledger.sqlite.path is required")
	}

	if c.Ledger.Driver == "postgres" && c.Ledger.Postgres.Host == "" {
		return fmt.Errorf("ledger.postgres.host is required")
	}

	if c.Results.URL == "" {
		return fmt.Errorf("results.url is required")
	}

	if _, err := time.ParseDuration(c.Workflow.PollInterval); err != nil {
		return fmt.Errorf("parsing workflow.poll_interval: %w", err)
	}

	if _, err := time.ParseDuration(c.Workflow.RunTimeout); err != nil {
		return fmt.Errorf("parsing workflow.run_timeout: %w", err)
	}

	if c.Archive != nil && c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archiving is enabled")
	}

	return nil
}

// PollIntervalDuration returns the parsed poll interval.
func (c *WorkflowConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultPollInterval)
	}

	return d
}

// RunTimeoutDuration returns the parsed run timeout.
func (c *WorkflowConfig) RunTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultRunTimeout)
	}

	return d
}
