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
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/verity/config"
	"github.com/vnmchuo/verity/internal/analysis"
	"github.com/vnmchuo/verity/internal/api"
	"github.com/vnmchuo/verity/internal/billing"
	"github.com/vnmchuo/verity/internal/budget"
	"github.com/vnmchuo/verity/internal/cache"
	"github.com/vnmchuo/verity/internal/classifier"
	"github.com/vnmchuo/verity/internal/extract"
	"github.com/vnmchuo/verity/internal/provider"
	"github.com/vnmchuo/verity/internal/provider/claude"
	"github.com/vnmchuo/verity/internal/provider/gemini"
	"github.com/vnmchuo/verity/internal/provider/openai"
	"github.com/vnmchuo/verity/internal/telemetry"
	"github.com/vnmchuo/verity/pkg/ratelimit"
)

const serviceName = "verity"

var providerFactories = map[string]func(apiKey string) provider.Provider{
	"claude": claude.New,
	"openai": openai.New,
	"gemini": gemini.New,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("verity exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init telemetry
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		ExporterType:   cfg.OTELExporterType,
		Endpoint:       cfg.OTELExporterEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 5. Budget: mirror table, then recover the running total
	budgetStore := budget.NewPostgresStore(pool)
	if err := budgetStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate budget store: %w", err)
	}
	tracker := budget.NewTracker(rdb, cfg.MonthlyBudgetUSD,
		budget.WithMirror(budgetStore),
		budget.WithLogger(logger),
	)
	if _, err := tracker.Restore(ctx); err != nil {
		logger.Warn("budget restore failed, continuing with redis total", "error", err)
	}

	// 6. Usage ledger
	usageStore := billing.NewPostgresStore(pool)
	if err := usageStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate usage store: %w", err)
	}

	// 7. Init classifier
	providers := make([]provider.Provider, 0, len(cfg.ClassifierProviders))
	for _, name := range cfg.ClassifierProviders {
		factory, ok := providerFactories[name]
		if !ok {
			logger.Warn("unknown classifier provider, skipping", "provider", name)
			continue
		}
		key := cfg.APIKey(name)
		if key == "" {
			logger.Info("no api key for classifier provider, skipping", "provider", name)
			continue
		}
		providers = append(providers, factory(key))
	}
	if len(providers) == 0 {
		return errors.New("no classifier provider configured: set at least one provider API key")
	}

	clfOpts := []classifier.Option{}
	for name, model := range cfg.ClassifierModels {
		clfOpts = append(clfOpts, classifier.WithModel(name, model))
	}
	clf := classifier.New(classifier.NewRouter(providers), clfOpts...)

	// 8. Init orchestrator
	resultCache := cache.New(rdb, logger)
	orchestrator := analysis.New(analysis.Config{
		MaxTextLength: cfg.MaxTextLength,
		CacheTTL:      cfg.CacheTTL,
		AnalyzeLimit:  cfg.AnalyzeRateLimit,
		AnalyzeWindow: cfg.AnalyzeRateWindow,
		GeneralLimit:  cfg.GeneralRateLimit,
		GeneralWindow: cfg.GeneralRateWindow,
		Pricing: budget.Pricing{
			InputUSDPerMTok:  cfg.ClassifierInputUSDPerMT,
			OutputUSDPerMTok: cfg.ClassifierOutputUSDPerMT,
		},
		ClassifierTimeout: cfg.ClassifierTimeout,
	},
		resultCache,
		ratelimit.NewLimiter(rdb, logger),
		tracker,
		clf,
		analysis.WithTracer(otel.GetTracerProvider().Tracer(serviceName)),
		analysis.WithLogger(logger),
		analysis.WithUsageRecorder(usageStore),
		analysis.WithExtractor(extract.New(nil, extract.WithMaxChars(cfg.MaxTextLength))),
	)

	// 9. Init HTTP router
	trusted, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	handler := api.NewHandler(orchestrator, usageStore, logger)
	edge := ratelimit.NewEdgeLimiter(rdb, cfg.EdgeRateLimitPerMinute, logger)
	router := api.NewRouter(handler, edge, trusted, map[string]api.Pinger{
		"redis":    resultCache,
		"postgres": pool,
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ClassifierTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("verity starting", "port", cfg.Port, "providers", len(providers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-quit:
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
