// Command worker drains the dispatch queue, sweeps the dead-letter
// queue for replay, and reaps jobs stuck in `running` longer than
// REAPER_STALE_AFTER. It carries no HTTP surface beyond /metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/llmbroker/internal/adapter/providergw"
	"github.com/fairyhunter13/llmbroker/internal/adapter/queue/notify"
	"github.com/fairyhunter13/llmbroker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llmbroker/internal/app"
	"github.com/fairyhunter13/llmbroker/internal/config"
	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
	"github.com/fairyhunter13/llmbroker/internal/service/callback"
	"github.com/fairyhunter13/llmbroker/internal/service/dlqreplay"
	"github.com/fairyhunter13/llmbroker/internal/service/postprocessor"
	"github.com/fairyhunter13/llmbroker/internal/service/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := app.ConnectPool(ctx, cfg)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	queueRepo := postgres.NewDispatchQueueRepo(pool)
	providersRepo := postgres.NewProvidersRepo(pool)

	gateway := providergw.New(cfg)

	notifier, err := notify.New(cfg.KafkaBrokers, cfg.NotifyTopic)
	if err != nil {
		slog.Error("notifier connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer notifier.Close()

	postProcessors := postprocessor.New()

	workerSvc := worker.New(jobRepo, queueRepo, providersRepo, gateway, postProcessors, notifier,
		int(cfg.DispatchVisibilityTimeout.Seconds()), cfg.DispatchBatchSize)

	secrets := callback.WebhookSecrets{
		domain.ProviderSlug("sync-a"):  cfg.SyncAWebhookSecret,
		domain.ProviderSlug("sync-b"):  cfg.SyncBWebhookSecret,
		domain.ProviderSlug("async-c"): cfg.AsyncCWebhookSecret,
	}
	callbackSvc := callback.New(jobRepo, queueRepo, providersRepo, gateway, postProcessors, notifier, secrets)
	dlqDriver := dlqreplay.New(jobRepo, callbackSvc, cfg.DLQReplayCooldown, cfg.DLQReplayBatch)

	reaper := app.NewReaper(jobRepo, cfg.ReaperStaleAfter, cfg.ReaperSweepInterval)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reaper.Run(runCtx)

	go func() {
		ticker := time.NewTicker(cfg.WorkerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := workerSvc.RunOnce(runCtx); err != nil {
					slog.Error("worker run failed", slog.Any("error", err))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.DLQReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := dlqDriver.RunOnce(runCtx); err != nil {
					slog.Error("dlq replay sweep failed", slog.Any("error", err))
				}
			}
		}
	}()

	slog.Info("worker started successfully, waiting for shutdown signal")
	<-runCtx.Done()
	slog.Info("shutdown signal received, stopping worker")
}
