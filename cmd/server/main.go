// Command server starts the AI gateway HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/media"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/webhook"
	"github.com/fairyhunter13/ai-gateway/internal/app"
	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-gateway/internal/usecase"
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

	pricing, err := config.LoadPricing(cfg.PricingConfigPath)
	if err != nil {
		slog.Error("pricing config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Queue gateway: two Redis clients, one dedicated to blocking pops.
	queue := redisq.New(redisq.Options{
		Addr:       cfg.RedisAddr(),
		LockTTL:    cfg.LockTTL,
		ResultTTL:  cfg.ResultTTL,
		PopTimeout: cfg.QueuePopTimeout,
	})

	// Usage ledger is optional; the gateway runs without Postgres.
	var (
		pool   *pgxpool.Pool
		ledger domain.UsageLedger
	)
	if cfg.LedgerEnabled() {
		pool, err = postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo := postgres.NewLedgerRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			slog.Error("ledger schema failed", slog.Any("error", err))
			os.Exit(1)
		}
		ledger = repo
		slog.Info("usage ledger enabled")
	}

	// Provider adapters share the media fetcher; Gemini needs the offline
	// token counter because its embedding endpoint reports no usage.
	fetcher := media.NewFetcher(cfg)
	openaiClient := openai.New(cfg, fetcher)
	geminiClient := gemini.New(cfg, fetcher, tokencount.NewCounter())

	router := usecase.NewProviderRouter(cfg.PrimaryProvider, cfg.ProviderOverrideEnabled(), openaiClient, geminiClient)

	var classifier *usecase.Classifier
	if cfg.WebhookEnabled() {
		classifier = usecase.NewClassifier(router, webhook.New(cfg))
		slog.Info("ticket classifier enabled", slog.String("webhook", cfg.WebhookBaseURL))
	}

	executor := usecase.NewExecutor(router, pricing, ledger, classifier)
	workers := redisq.NewWorkerPool(queue, executor, logger)

	chatSvc := usecase.NewChatService(queue, workers, router, cfg.ResultWaitTimeout, cfg.ResultPollInterval)
	if limiter := ratelimiter.New(ratelimiter.Options{Addr: cfg.RedisAddr(), PerMinute: cfg.TenantRateLimitPerMin}); limiter != nil {
		defer func() { _ = limiter.Close() }()
		chatSvc.Limiter = limiter
		slog.Info("tenant rate limit enabled", slog.Int("per_minute", cfg.TenantRateLimitPerMin))
	}
	embedSvc := usecase.NewEmbeddingService(cfg.EmbeddingProvider, cfg.ProviderOverrideEnabled(), pricing, ledger, openaiClient, geminiClient)
	audioSvc := usecase.AudioService{Transcriber: openaiClient}
	ocrSvc := usecase.OCRService{Reader: openaiClient}

	var dbPinger app.Pinger
	if pool != nil {
		dbPinger = pool
	}
	redisCheck, dbCheck := app.BuildReadinessChecks(queue, dbPinger)

	srv := httpserver.NewServer(chatSvc, embedSvc, audioSvc, ocrSvc, dbCheck, redisCheck)
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
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.String("primary_provider", cfg.PrimaryProvider),
			slog.Bool("provider_override", cfg.ProviderOverrideEnabled()))
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

	// Both Redis connections close after in-flight requests drain.
	if err := queue.Close(); err != nil {
		slog.Error("queue close failed", slog.Any("error", err))
	}
}
