package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/justapithecus/lode/lode"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iv-ingestion/ingest/api"
	"github.com/iv-ingestion/ingest/archive"
	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/bus"
	"github.com/iv-ingestion/ingest/config"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/metrics"
	"github.com/iv-ingestion/ingest/parser"
	"github.com/iv-ingestion/ingest/pipeline"
	"github.com/iv-ingestion/ingest/queue"
	"github.com/iv-ingestion/ingest/ratelimit"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
	"github.com/iv-ingestion/ingest/webhook"
)

// shutdownGrace bounds the HTTP drain on SIGINT/SIGTERM.
const shutdownGrace = 15 * time.Second

// ServeCommand returns the serve command: the daemon itself.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the ingestion daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to ingestd.yaml (defaults apply when omitted)",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address override",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info("ingestd starting", map[string]any{
		"version": types.Version,
		"addr":    cfg.Server.Addr,
		"workers": cfg.Queue.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	eventBus := bus.New(cfg.Bus.QueueSize, logger)

	limiter, closeLimiter := buildLimiter(cfg.RateLimit, logger)
	defer closeLimiter()

	dispatcher := webhook.New(st, webhook.Options{
		Concurrency: cfg.Webhook.Concurrency,
		Timeout:     cfg.Webhook.Timeout.Duration,
		UserAgent:   cfg.Webhook.UserAgent,
		Logger:      logger,
	})
	unsubscribeWebhooks := eventBus.Subscribe("*", dispatcher.Dispatch)

	proc := pipeline.New(blobs, parser.NewRegistry(logger), st, pipeline.Options{
		Parser: parser.Options{OCRTextThreshold: cfg.Pipeline.OCRTextThreshold},
		Timeouts: pipeline.Timeouts{
			Parse:   cfg.Pipeline.ParseTimeout.Duration,
			Extract: cfg.Pipeline.ExtractTimeout.Duration,
			Persist: cfg.Pipeline.PersistTimeout.Duration,
		},
		Events: eventBus,
		Logger: logger,
	})

	pool := queue.New(st, proc, eventBus, queue.Options{
		Workers:        cfg.Queue.Workers,
		Visibility:     cfg.Queue.VisibilityTimeout.Duration,
		PollBackoffMax: cfg.Queue.PollBackoffMax.Duration,
		Logger:         logger,
	})

	var detachArchive func()
	if cfg.Archive.Enabled {
		exporter, err := openArchive(ctx, cfg.Archive, st, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		detachArchive = exporter.Attach(eventBus)
	}

	server := api.New(api.Deps{
		Store:      st,
		Blobs:      blobs,
		Bus:        eventBus,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Pool:       pool,
		Metrics:    metrics.NewCollector(),
	}, api.Options{
		MaxUploadBytes: cfg.Blob.MaxUploadBytes,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Tiers:          cfg.Server.IdentityTiers,
		AdminTokens:    cfg.Server.AdminTokens,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeout.Duration,
	}

	pool.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listener started", map[string]any{"addr": cfg.Server.Addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(drainCtx)
	})
	err = g.Wait()

	// Teardown in reverse dependency order: stop accepting, drain
	// workers, then stop the fan-out surfaces they publish to.
	pool.Close()
	if detachArchive != nil {
		detachArchive()
	}
	unsubscribeWebhooks()
	dispatcher.Close()
	eventBus.Close()

	logger.Info("ingestd stopped", nil)
	return err
}

// openBlobs selects the payload backend from config.
func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	case "memory":
		return blob.NewMemory(), nil
	default:
		return blob.NewFS(cfg.Root)
	}
}

// buildLimiter wires the rate-limit backend. The redis backend runs
// behind a circuit breaker so a struggling redis degrades to the
// configured fail mode instead of stalling every request.
func buildLimiter(cfg config.RateLimitConfig, logger *log.Logger) (*ratelimit.Limiter, func()) {
	var backend ratelimit.Backend
	cleanup := func() {}

	if cfg.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		backend = ratelimit.NewBreaker(ratelimit.NewRedis(client), ratelimit.BreakerOptions{Logger: logger})
		cleanup = func() { _ = client.Close() }
	} else {
		backend = ratelimit.NewMemory()
	}

	limiter := ratelimit.New(backend, ratelimit.Options{
		Quotas:     quotaOverrides(cfg.Tiers),
		FailClosed: cfg.FailMode == "closed",
		Logger:     logger,
	})
	return limiter, cleanup
}

// quotaOverrides converts the config tier table to limiter quotas.
func quotaOverrides(tiers map[string]map[string]config.QuotaConfig) map[ratelimit.Tier]map[ratelimit.Bucket]ratelimit.Quota {
	if len(tiers) == 0 {
		return nil
	}
	out := make(map[ratelimit.Tier]map[ratelimit.Bucket]ratelimit.Quota, len(tiers))
	for tier, buckets := range tiers {
		tq := make(map[ratelimit.Bucket]ratelimit.Quota, len(buckets))
		for bucket, q := range buckets {
			tq[ratelimit.Bucket(bucket)] = ratelimit.Quota{
				Limit:  q.Limit,
				Window: q.Window.Duration,
			}
		}
		out[ratelimit.Tier(tier)] = tq
	}
	return out
}

// openArchive selects the dataset backend from config. The s3 path is
// "bucket" or "bucket/prefix".
func openArchive(ctx context.Context, cfg config.ArchiveConfig, st *store.Store, logger *log.Logger) (*archive.Exporter, error) {
	switch cfg.Backend {
	case "s3":
		bucket, prefix, _ := strings.Cut(cfg.Path, "/")
		return archive.NewS3(ctx, cfg.Dataset, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		}, st, logger)
	case "memory":
		return archive.New(cfg.Dataset, lode.NewMemoryFactory(), st, logger)
	default:
		return archive.NewFS(cfg.Dataset, cfg.Path, st, logger)
	}
}
