// Command server starts the HTTP surface: POST /llm-query, POST
// /llm-worker, POST /llm-webhook, plus /healthz, /readyz, /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/llmbroker/internal/adapter/httpserver"
	"github.com/fairyhunter13/llmbroker/internal/adapter/providergw"
	"github.com/fairyhunter13/llmbroker/internal/adapter/queue/notify"
	"github.com/fairyhunter13/llmbroker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llmbroker/internal/app"
	"github.com/fairyhunter13/llmbroker/internal/config"
	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
	"github.com/fairyhunter13/llmbroker/internal/service/callback"
	"github.com/fairyhunter13/llmbroker/internal/service/dlqreplay"
	"github.com/fairyhunter13/llmbroker/internal/service/ingress"
	"github.com/fairyhunter13/llmbroker/internal/service/postprocessor"
	"github.com/fairyhunter13/llmbroker/internal/service/ratelimiter"
	"github.com/fairyhunter13/llmbroker/internal/service/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := app.ConnectPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	queueRepo := postgres.NewDispatchQueueRepo(pool)
	providersRepo := postgres.NewProvidersRepo(pool)
	rateLimiterRepo := postgres.NewRateLimiterRepo(pool)

	if cfg.ProvidersSeedFile != "" {
		if err := seedProviders(ctx, cfg.ProvidersSeedFile, providersRepo); err != nil {
			slog.Error("provider seed failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// The Redis front cache is a pure optimization: a nil client
	// still leaves every call correct, just slower under sustained
	// over-quota traffic.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
		} else {
			redisClient = redis.NewClient(opts)
			defer func() { _ = redisClient.Close() }()
		}
	}
	rateLimiter := ratelimiter.New(rateLimiterRepo, redisClient)

	gateway := providergw.New(cfg)

	notifier, err := notify.New(cfg.KafkaBrokers, cfg.NotifyTopic)
	if err != nil {
		slog.Error("notifier connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer notifier.Close()

	// The registry starts empty: no feature tags are wired by default, so
	// every job without one (or with an unrecognized one) completes on the
	// no-op path. Operators register processors at deployment time.
	postProcessors := postprocessor.New()

	ingressSvc := ingress.New(jobRepo, queueRepo, rateLimiter, providersRepo, cfg.DefaultMonthlyQuota)
	workerSvc := worker.New(jobRepo, queueRepo, providersRepo, gateway, postProcessors, notifier,
		int(cfg.DispatchVisibilityTimeout.Seconds()), cfg.DispatchBatchSize)

	secrets := callback.WebhookSecrets{
		domain.ProviderSlug("sync-a"):  cfg.SyncAWebhookSecret,
		domain.ProviderSlug("sync-b"):  cfg.SyncBWebhookSecret,
		domain.ProviderSlug("async-c"): cfg.AsyncCWebhookSecret,
	}
	callbackSvc := callback.New(jobRepo, queueRepo, providersRepo, gateway, postProcessors, notifier, secrets)
	dlqDriver := dlqreplay.New(jobRepo, callbackSvc, cfg.DLQReplayCooldown, cfg.DLQReplayBatch)

	dbCheck := app.BuildReadinessCheck(pool)
	srv := httpserver.NewServer(cfg, ingressSvc, workerSvc, callbackSvc, dlqDriver, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
