package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/config"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
	"github.com/meshdocs/meshdocs/internal/v1/tracing"
	"github.com/meshdocs/meshdocs/internal/v1/worker"
)

const (
	exitConfig = 1
	exitRedis  = 2
)

func main() {
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateWorkerEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(exitConfig)
	}

	if err := logging.Initialize(cfg.LogLevel, cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(exitConfig)
	}
	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "meshdocs-worker", cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	streams, err := stream.NewClient(cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		logging.Error(ctx, "redis unavailable", zap.Error(err))
		os.Exit(exitRedis)
	}
	if err := streams.EnsureWorkerGroup(ctx); err != nil {
		logging.Error(ctx, "worker group setup failed", zap.Error(err))
		os.Exit(exitRedis)
	}

	provider := crdt.LWWMap{}
	store, err := storage.Open(ctx, cfg, provider)
	if err != nil {
		logging.Fatal(ctx, "storage setup failed", zap.Error(err))
	}

	apiClient := api.New(streams, store, provider, cfg.MinMessageLifetime)
	pool := worker.NewPool(apiClient, store, cfg.WorkerConcurrency,
		cfg.WorkerBlock, cfg.MinMessageLifetime, cfg.WorkerTimeout)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logging.Info(ctx, "shutting down")
		cancel()
	}()

	logging.Info(ctx, "worker pool starting", zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := pool.Run(runCtx); err != nil {
		logging.Error(ctx, "worker pool failed", zap.Error(err))
	}

	if err := streams.Close(); err != nil {
		logging.Error(ctx, "redis close failed", zap.Error(err))
	}
	logging.Info(ctx, "worker exiting")
}
