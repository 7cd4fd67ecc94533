package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/auth"
	"github.com/meshdocs/meshdocs/internal/v1/config"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/gateway"
	"github.com/meshdocs/meshdocs/internal/v1/health"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/ratelimit"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
	"github.com/meshdocs/meshdocs/internal/v1/subscription"
	"github.com/meshdocs/meshdocs/internal/v1/tracing"
)

// Exit codes: 1 for invalid configuration, 2 for an unreachable Redis.
const (
	exitConfig = 1
	exitRedis  = 2
)

func main() {
	// Load .env for local development; in deployment the environment is set
	// by the orchestrator.
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateServerEnv()
	if err != nil {
		// The logger is not configured yet; write the validation report raw.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(exitConfig)
	}

	if err := logging.Initialize(cfg.LogLevel, cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(exitConfig)
	}
	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "meshdocs-server", cfg.OTLPEndpoint)
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

	checker := buildChecker(ctx, cfg)
	apiClient := api.New(streams, store, provider, cfg.MinMessageLifetime)
	mux := subscription.NewMultiplexer(apiClient, cfg.ReadBlock)

	limiter, err := ratelimit.New(cfg.RateLimitWsIP, streams.Redis())
	if err != nil {
		logging.Fatal(ctx, "rate limiter setup failed", zap.Error(err))
	}

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := gateway.NewHub(mux, apiClient, provider, checker, limiter, cfg.SessionSendBuffer, allowedOrigins)

	muxCtx, stopMux := context.WithCancel(ctx)
	go mux.Run(muxCtx)

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("meshdocs-server"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins.SortedList()
	router.Use(cors.New(corsConfig))

	router.GET("/ws/:room", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(streams)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "gateway listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "hub shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shut down", zap.Error(err))
	}
	stopMux()

	if err := streams.Close(); err != nil {
		logging.Error(ctx, "redis close failed", zap.Error(err))
	}
	logging.Info(ctx, "gateway exiting")
}

// buildChecker selects the token checker: a static public key, a JWKS
// endpoint, or the development mock when auth is skipped.
func buildChecker(ctx context.Context, cfg *config.Config) auth.Checker {
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED - do not use in production")
		return &auth.MockChecker{}
	}

	if cfg.AuthPublicKey != "" {
		checker, err := auth.NewStaticValidator(cfg.AuthPublicKey)
		if err != nil {
			logging.Fatal(ctx, "invalid AUTH_PUBLIC_KEY", zap.Error(err))
		}
		return checker
	}

	checker, err := auth.NewJWKSValidator(ctx, cfg.AuthJWKSDomain, cfg.AuthAudience)
	if err != nil {
		logging.Fatal(ctx, "JWKS validator setup failed", zap.Error(err))
	}
	return checker
}
