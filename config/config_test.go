package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `server:
  addr: 127.0.0.1:9090
  cors_origins:
    - https://app.example.com

store:
  dsn: /var/lib/ingest/ingest.db

blob:
  backend: s3
  bucket: inspection-docs
  prefix: uploads
  region: us-east-1
  endpoint: https://minio.internal:9000
  s3_path_style: true

queue:
  workers: 4
  visibility_timeout: 5m
  max_attempts: 3
  poll_backoff_max: 2s

pipeline:
  parse_timeout: 5m
  extract_timeout: 60s
  persist_timeout: 30s
  ocr_text_threshold: 80

webhook:
  concurrency: 8
  timeout: 30s
  user_agent: iv-ingestion-webhook/1.0

ratelimit:
  backend: redis
  redis_addr: 127.0.0.1:6379
  fail_mode: open

bus:
  queue_size: 512

log:
  level: debug
  format: console
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "server.addr", cfg.Server.Addr, "127.0.0.1:9090")
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}

	assertEqual(t, "store.dsn", cfg.Store.DSN, "/var/lib/ingest/ingest.db")

	assertEqual(t, "blob.backend", cfg.Blob.Backend, "s3")
	assertEqual(t, "blob.bucket", cfg.Blob.Bucket, "inspection-docs")
	assertEqual(t, "blob.region", cfg.Blob.Region, "us-east-1")
	if !cfg.Blob.S3PathStyle {
		t.Error("expected blob.s3_path_style=true")
	}

	if cfg.Queue.Workers != 4 {
		t.Errorf("queue.workers = %d, want 4", cfg.Queue.Workers)
	}
	if cfg.Queue.VisibilityTimeout.Duration != 5*time.Minute {
		t.Errorf("queue.visibility_timeout = %v, want 5m", cfg.Queue.VisibilityTimeout.Duration)
	}
	if cfg.Pipeline.ParseTimeout.Duration != 5*time.Minute {
		t.Errorf("pipeline.parse_timeout = %v, want 5m", cfg.Pipeline.ParseTimeout.Duration)
	}
	if cfg.Pipeline.OCRTextThreshold != 80 {
		t.Errorf("pipeline.ocr_text_threshold = %d, want 80", cfg.Pipeline.OCRTextThreshold)
	}
	if cfg.Webhook.Timeout.Duration != 30*time.Second {
		t.Errorf("webhook.timeout = %v, want 30s", cfg.Webhook.Timeout.Duration)
	}

	assertEqual(t, "ratelimit.backend", cfg.RateLimit.Backend, "redis")
	assertEqual(t, "ratelimit.redis_addr", cfg.RateLimit.RedisAddr, "127.0.0.1:6379")
	if cfg.Bus.QueueSize != 512 {
		t.Errorf("bus.queue_size = %d, want 512", cfg.Bus.QueueSize)
	}
	assertEqual(t, "log.level", cfg.Log.Level, "debug")
	assertEqual(t, "log.format", cfg.Log.Format, "console")
}

func TestLoad_EmptyConfigUsesDefaults(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	assertEqual(t, "server.addr", cfg.Server.Addr, def.Server.Addr)
	assertEqual(t, "blob.backend", cfg.Blob.Backend, "fs")
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("queue.max_attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.VisibilityTimeout.Duration != 5*time.Minute {
		t.Errorf("queue.visibility_timeout = %v, want 5m", cfg.Queue.VisibilityTimeout.Duration)
	}
	assertEqual(t, "ratelimit.fail_mode", cfg.RateLimit.FailMode, "open")
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("bus.queue_size = %d, want 256", cfg.Bus.QueueSize)
	}
}

func TestLoad_PartialSectionKeepsDefaults(t *testing.T) {
	yaml := `queue:
  workers: 2
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("queue.workers = %d, want 2", cfg.Queue.Workers)
	}
	if cfg.Queue.VisibilityTimeout.Duration != 5*time.Minute {
		t.Errorf("visibility_timeout default lost: %v", cfg.Queue.VisibilityTimeout.Duration)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max_attempts default lost: %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/ingestd.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "{{invalid yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "cache:6379")

	yaml := `ratelimit:
  backend: redis
  redis_addr: ${TEST_REDIS_ADDR}
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "ratelimit.redis_addr", cfg.RateLimit.RedisAddr, "cache:6379")
}

func TestLoad_RejectsUnknownBlobBackend(t *testing.T) {
	path := writeTemp(t, "blob:\n  backend: tape\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "Blob.Backend") {
		t.Errorf("error should name the rejected field: %v", err)
	}
}

func TestValidate_RedisBackendNeedsAddr(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.RedisAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for redis backend without addr")
	}
}

func TestValidate_S3BackendNeedsBucket(t *testing.T) {
	cfg := Default()
	cfg.Blob.Backend = "s3"
	cfg.Blob.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for s3 backend without bucket")
	}
}

func TestValidate_VisibilityTimeoutFloor(t *testing.T) {
	cfg := Default()
	cfg.Queue.VisibilityTimeout = Duration{time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for 1s visibility timeout")
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	path := writeTemp(t, "webhook:\n  timeout: not-a-duration\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
