package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config represents an ingestd.yaml configuration file. Zero values
// fall back to Default(); environment references in the file are
// expanded before unmarshal.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Bus       BusConfig       `yaml:"bus"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	// ReadTimeout guards slow request bodies; uploads stream within it.
	ReadTimeout Duration `yaml:"read_timeout"`
	// AdminTokens lists bearer identities admitted to the /admin routes.
	// Empty leaves the admin surface open.
	AdminTokens []string `yaml:"admin_tokens"`
	// IdentityTiers maps a bearer identity to its rate-limit tier;
	// unlisted identities are free tier.
	IdentityTiers map[string]string `yaml:"identity_tiers"`
}

// StoreConfig holds the persistent store settings.
type StoreConfig struct {
	// DSN is the SQLite data source name; ":memory:" is accepted for
	// ephemeral runs.
	DSN string `yaml:"dsn"`
}

// BlobConfig holds blob storage settings.
type BlobConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=fs s3 memory"`
	Root        string `yaml:"root"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// MaxUploadBytes caps a single upload; 0 means the 50 MiB default.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// QueueConfig holds worker pool and retry settings.
type QueueConfig struct {
	Workers           int      `yaml:"workers" validate:"min=0,max=1024"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxAttempts       int      `yaml:"max_attempts" validate:"min=0,max=25"`
	// PollBackoffMax caps the idle acquire back-off sleep.
	PollBackoffMax Duration `yaml:"poll_backoff_max"`
}

// PipelineConfig holds per-stage timeouts and parser thresholds.
type PipelineConfig struct {
	ParseTimeout   Duration `yaml:"parse_timeout"`
	ExtractTimeout Duration `yaml:"extract_timeout"`
	PersistTimeout Duration `yaml:"persist_timeout"`
	// OCRTextThreshold is the minimum extracted text length below which
	// the OCR fallback parser is chained on a PDF.
	OCRTextThreshold int `yaml:"ocr_text_threshold"`
}

// WebhookConfig holds dispatcher settings.
type WebhookConfig struct {
	Concurrency int      `yaml:"concurrency" validate:"min=0,max=256"`
	Timeout     Duration `yaml:"timeout"`
	UserAgent   string   `yaml:"user_agent"`
}

// RateLimitConfig holds limiter backend and tier settings.
type RateLimitConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=redis memory"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	// FailMode selects behavior when the backend is unavailable:
	// "open" admits (upstream default), "closed" denies.
	FailMode string `yaml:"fail_mode" validate:"oneof=open closed"`
	// Tiers optionally overrides quota defaults, keyed by tier then
	// bucket name.
	Tiers map[string]map[string]QuotaConfig `yaml:"tiers"`
}

// QuotaConfig overrides one (tier, bucket) quota.
type QuotaConfig struct {
	Limit  int      `yaml:"limit" validate:"min=1"`
	Window Duration `yaml:"window"`
}

// BusConfig holds in-process event bus settings.
type BusConfig struct {
	// QueueSize bounds each subscriber's pending-event queue; a full
	// queue drops the oldest event.
	QueueSize int `yaml:"queue_size" validate:"min=0,max=65536"`
}

// ArchiveConfig holds the completed-inspection dataset exporter settings.
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend" validate:"omitempty,oneof=fs s3 memory"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Seconds constructs a Duration; a convenience for defaults and tests.
func Seconds(n int) Duration {
	return Duration{Duration: time.Duration(n) * time.Second}
}

// Default returns the configuration used when a field (or the whole
// file) is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: Duration{5 * time.Minute},
		},
		Store: StoreConfig{DSN: "ingest.db"},
		Blob: BlobConfig{
			Backend:        "fs",
			Root:           "blobs",
			MaxUploadBytes: 50 << 20,
		},
		Queue: QueueConfig{
			Workers:           runtime.NumCPU(),
			VisibilityTimeout: Duration{5 * time.Minute},
			MaxAttempts:       3,
			PollBackoffMax:    Duration{2 * time.Second},
		},
		Pipeline: PipelineConfig{
			ParseTimeout:     Duration{5 * time.Minute},
			ExtractTimeout:   Duration{60 * time.Second},
			PersistTimeout:   Duration{30 * time.Second},
			OCRTextThreshold: 100,
		},
		Webhook: WebhookConfig{
			Concurrency: 8,
			Timeout:     Duration{30 * time.Second},
			UserAgent:   "iv-ingestion-webhook/1.0",
		},
		RateLimit: RateLimitConfig{
			Backend:  "memory",
			FailMode: "open",
		},
		Bus:     BusConfig{QueueSize: 256},
		Archive: ArchiveConfig{Backend: "fs", Dataset: "inspections", Path: "archive"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks field constraints and cross-field invariants.
// Active workers heartbeat at a third of the visibility timeout, so
// the lease survives stages longer than the timeout itself; the
// timeout only needs enough room for heartbeat cadence.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config field %s rejected: %s", f.Namespace(), f.Tag())
		}
		return err
	}

	if v := c.Queue.VisibilityTimeout.Duration; v > 0 && v < 3*time.Second {
		return fmt.Errorf("queue.visibility_timeout %s leaves no room for heartbeats", v)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("ratelimit.redis_addr is required with the redis backend")
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required with the s3 backend")
	}
	return nil
}
