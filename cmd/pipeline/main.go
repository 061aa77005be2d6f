// Package main provides the all-in-one development runner: intake API, every
// pipeline stage and the sweeper in a single process, with the stub LLM
// client unless a provider is configured.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pantrypirate/pipeline/internal/adapter/contentstore"
	"github.com/pantrypirate/pipeline/internal/adapter/geocoding"
	"github.com/pantrypirate/pipeline/internal/adapter/llm"
	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/adapter/queue/redisq"
	"github.com/pantrypirate/pipeline/internal/adapter/recorder"
	"github.com/pantrypirate/pipeline/internal/adapter/repo/postgres"
	"github.com/pantrypirate/pipeline/internal/aligner"
	"github.com/pantrypirate/pipeline/internal/app"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
	"github.com/pantrypirate/pipeline/internal/reconciler"
	"github.com/pantrypirate/pipeline/internal/validator"
	"github.com/pantrypirate/pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.LLMAPIKey == "" && cfg.LLMProvider != "stub" {
		slog.Info("no LLM API key configured, using stub client")
		cfg.LLMProvider = "stub"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	bus := redisq.New(rdb, cfg.QueueMaxAttempts, cfg.ResultTTL)
	store := contentstore.New(rdb, cfg.ContentStoreEnabled)

	var client domain.LLMClient
	if cfg.LLMProvider == "stub" {
		client = llm.NewStub()
	} else {
		client = llm.NewRetryClient(llm.NewOpenAI(cfg), cfg)
	}
	gate := llm.NewQuotaGate(cfg.LLMQuotaBaseDelay, cfg.LLMQuotaMaxDelay, cfg.LLMQuotaMultiplier)

	providers, err := geocoding.BuildProviders(cfg)
	if err != nil {
		slog.Error("geocoding provider init failed", slog.Any("error", err))
		os.Exit(1)
	}
	geo := geocoding.NewProviderSet(cfg, providers,
		geocoding.NewCache(rdb, cfg.GeocodingCacheTTL),
		geocoding.NewRedisLuaLimiter(rdb, cfg.GeocodingRateLimitQPS))

	archive, err := recorder.New(cfg.ArchiveRoot)
	if err != nil {
		slog.Error("archive init failed", slog.Any("error", err))
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	align := worker.NewRunner(bus, &worker.AlignHandler{Store: store, Aligner: aligner.New(client, cfg)}, cfg).
		WithQuotaGate(gate).
		WithBackpressure(domain.QueueValidator)
	g.Go(func() error { return align.Run(ctx) })

	validate := worker.NewRunner(bus, &worker.ValidateHandler{Validator: validator.New(geo, cfg)}, cfg).
		WithBackpressure(domain.QueueReconciler)
	g.Go(func() error { return validate.Run(ctx) })

	reconcile := worker.NewRunner(bus, &worker.ReconcileHandler{Reconciler: reconciler.New(pool, cfg)}, cfg)
	g.Go(func() error { return reconcile.Run(ctx) })

	record := worker.NewRunner(bus, &worker.RecordHandler{Archive: archive}, cfg)
	g.Go(func() error { return record.Run(ctx) })

	g.Go(func() error { return worker.NewSweeper(bus, cfg.SweepInterval).Run(ctx) })

	ingestor := app.NewIngestor(store, bus, cfg)
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:           app.BuildRouter(ingestor, bus, dbCheck, redisCheck),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("pipeline listening", slog.String("addr", srv.Addr), slog.String("llm", cfg.LLMProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("pipeline exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("pipeline stopped")
}

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ rdb *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }
