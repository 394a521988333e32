// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	collysource "github.com/JakeFAU/catalog-harvester/internal/source/colly"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

const (
	defaultJobConcurrency   = 4
	defaultJobBatchSize     = 10
	defaultJobPagesPerBatch = 1
)

// Storage and archive providers.
const (
	ProviderNone     = "none"
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Retry     RetryConfig          `mapstructure:"retry"`
	RateLimit ratelimit.Config     `mapstructure:"rate_limit"`
	Storage   StorageConfig        `mapstructure:"storage"`
	DB        DBConfig             `mapstructure:"db"`
	Archive   ArchiveConfig        `mapstructure:"archive"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Progress  ProgressConfig       `mapstructure:"progress"`
	Source    collysource.Config   `mapstructure:"source"`
	Jobs      map[string]JobConfig `mapstructure:"jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the outbound HTTP client of the data source.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RetryConfig configures the shared retry policy.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	InitialBackoffMs int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
}

// Policy builds the retry policy described by r.
func (r RetryConfig) Policy() *crawler.ExponentialRetryPolicy {
	return crawler.NewExponentialRetryPolicy(
		r.MaxRetries,
		time.Duration(r.InitialBackoffMs)*time.Millisecond,
		crawler.WithMaxBackoff(time.Duration(r.MaxBackoffMs)*time.Millisecond),
	)
}

// StorageConfig selects where items, checkpoints, failures and runs live.
type StorageConfig struct {
	Provider string       `mapstructure:"provider"`
	Local    local.Config `mapstructure:"local"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where raw listing pages are kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for item notifications. An empty topic disables
// publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// JobConfig describes one registered job type. Viper lowercases map keys, so
// job type names are lowercase.
type JobConfig struct {
	Kind          crawler.JobKind `mapstructure:"kind"`
	Concurrency   int             `mapstructure:"concurrency"`
	BatchSize     int             `mapstructure:"batch_size"`
	PagesPerBatch int             `mapstructure:"pages_per_batch"`
	// Interval enables the recurring trigger when positive.
	Interval     time.Duration      `mapstructure:"interval"`
	TaskTimeout  time.Duration      `mapstructure:"task_timeout"`
	RefreshLimit int                `mapstructure:"refresh_limit"`
	RefreshAge   time.Duration      `mapstructure:"refresh_age"`
	PageType     string             `mapstructure:"page_type"`
	Action       crawler.ActionKind `mapstructure:"action"`
	Targets      []crawler.Target   `mapstructure:"targets"`
	// Spec seeds recurring firings, for example a fixed id range.
	Spec crawler.WorkSpec `mapstructure:"spec"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyJobDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "catalog-harvester/0.1")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("rate_limit.requests_per_second", 2)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("archive.provider", ProviderNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 1000)
}

// defaultJobs registers one job type per kind when the file names none.
func defaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		"range":      {Kind: crawler.JobKindRange},
		"category":   {Kind: crawler.JobKindCategory},
		"collection": {Kind: crawler.JobKindCollection},
		"refresh":    {Kind: crawler.JobKindRefresh, Interval: time.Hour},
	}
}

func (c *Config) applyJobDefaults() {
	if len(c.Jobs) == 0 {
		c.Jobs = defaultJobs()
	}
	for name, job := range c.Jobs {
		if job.Kind == "" {
			job.Kind = crawler.JobKind(name)
		}
		if job.Concurrency == 0 {
			job.Concurrency = defaultJobConcurrency
		}
		if job.BatchSize == 0 {
			job.BatchSize = defaultJobBatchSize
		}
		if job.PagesPerBatch == 0 {
			job.PagesPerBatch = defaultJobPagesPerBatch
		}
		c.Jobs[name] = job
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}

	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres storage provider"))
		}
	case ProviderLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local storage provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider))
	}

	switch c.Archive.Provider {
	case "", ProviderNone, ProviderMemory:
	case ProviderLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir is required for the local archive"))
		}
	case ProviderGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for the gcs archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider))
	}

	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic is set"))
	}

	for name, job := range c.Jobs {
		if !job.Kind.Valid() {
			errs = append(errs, fmt.Errorf("jobs.%s.kind %q is not supported", name, job.Kind))
		}
		if job.Concurrency < 1 || job.Concurrency > crawler.MaxConcurrency {
			errs = append(errs, fmt.Errorf("jobs.%s.concurrency must be between 1 and %d", name, crawler.MaxConcurrency))
		}
		if job.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.batch_size must be > 0", name))
		}
		if job.Interval != 0 && job.Interval < time.Second {
			errs = append(errs, fmt.Errorf("jobs.%s.interval must be at least 1s", name))
		}
		switch job.Action {
		case "", crawler.ActionFavorite, crawler.ActionUnfavorite:
		default:
			errs = append(errs, fmt.Errorf("jobs.%s.action %q is not supported", name, job.Action))
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeout converts the configured grace period into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout converts the outbound HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
