package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables,
// applies defaults for absent sections, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	applyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFallbacks restores defaults for fields an explicit section
// zeroed out (yaml overwrites whole structs, not individual fields).
func applyFallbacks(cfg *Config) {
	def := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = def.Store.DSN
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = def.Blob.Backend
	}
	if cfg.Blob.MaxUploadBytes == 0 {
		cfg.Blob.MaxUploadBytes = def.Blob.MaxUploadBytes
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = def.Queue.Workers
	}
	if cfg.Queue.VisibilityTimeout.Duration == 0 {
		cfg.Queue.VisibilityTimeout = def.Queue.VisibilityTimeout
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if cfg.Queue.PollBackoffMax.Duration == 0 {
		cfg.Queue.PollBackoffMax = def.Queue.PollBackoffMax
	}
	if cfg.Pipeline.ParseTimeout.Duration == 0 {
		cfg.Pipeline.ParseTimeout = def.Pipeline.ParseTimeout
	}
	if cfg.Pipeline.ExtractTimeout.Duration == 0 {
		cfg.Pipeline.ExtractTimeout = def.Pipeline.ExtractTimeout
	}
	if cfg.Pipeline.PersistTimeout.Duration == 0 {
		cfg.Pipeline.PersistTimeout = def.Pipeline.PersistTimeout
	}
	if cfg.Pipeline.OCRTextThreshold == 0 {
		cfg.Pipeline.OCRTextThreshold = def.Pipeline.OCRTextThreshold
	}
	if cfg.Webhook.Concurrency == 0 {
		cfg.Webhook.Concurrency = def.Webhook.Concurrency
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout = def.Webhook.Timeout
	}
	if cfg.Webhook.UserAgent == "" {
		cfg.Webhook.UserAgent = def.Webhook.UserAgent
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = def.RateLimit.Backend
	}
	if cfg.RateLimit.FailMode == "" {
		cfg.RateLimit.FailMode = def.RateLimit.FailMode
	}
	if cfg.Bus.QueueSize == 0 {
		cfg.Bus.QueueSize = def.Bus.QueueSize
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = def.Archive.Backend
	}
	if cfg.Archive.Dataset == "" {
		cfg.Archive.Dataset = def.Archive.Dataset
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}
