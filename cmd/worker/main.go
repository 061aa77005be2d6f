// Package main provides the pipeline worker entry point. One process runs
// the selected stages (llm, validator, reconciler, recorder) plus the lease
// sweeper, each stage with its own consumer pool.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
	"github.com/pantrypirate/pipeline/internal/reconciler"
	"github.com/pantrypirate/pipeline/internal/validator"
	"github.com/pantrypirate/pipeline/internal/worker"
)

func main() {
	stagesFlag := flag.String("stages", "llm,validator,reconciler,recorder", "comma-separated stages to run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := ":" + strconv.Itoa(cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
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

	bus := redisq.New(rdb, cfg.QueueMaxAttempts, cfg.ResultTTL)
	store := contentstore.New(rdb, cfg.ContentStoreEnabled)

	stages := map[string]bool{}
	for _, s := range strings.Split(*stagesFlag, ",") {
		stages[strings.TrimSpace(s)] = true
	}
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("stages", *stagesFlag))

	g, ctx := errgroup.WithContext(ctx)

	if stages[domain.QueueLLM] {
		var client domain.LLMClient
		if cfg.LLMProvider == "stub" {
			client = llm.NewStub()
		} else {
			client = llm.NewRetryClient(llm.NewOpenAI(cfg), cfg)
		}
		gate := llm.NewQuotaGate(cfg.LLMQuotaBaseDelay, cfg.LLMQuotaMaxDelay, cfg.LLMQuotaMultiplier)
		h := &worker.AlignHandler{Store: store, Aligner: aligner.New(client, cfg)}
		runner := worker.NewRunner(bus, h, cfg).
			WithQuotaGate(gate).
			WithBackpressure(domain.QueueValidator)
		g.Go(func() error { return runner.Run(ctx) })
	}

	if stages[domain.QueueValidator] {
		providers, err := geocoding.BuildProviders(cfg)
		if err != nil {
			slog.Error("geocoding provider init failed", slog.Any("error", err))
			os.Exit(1)
		}
		set := geocoding.NewProviderSet(cfg, providers,
			geocoding.NewCache(rdb, cfg.GeocodingCacheTTL),
			geocoding.NewRedisLuaLimiter(rdb, cfg.GeocodingRateLimitQPS))
		h := &worker.ValidateHandler{Validator: validator.New(set, cfg)}
		runner := worker.NewRunner(bus, h, cfg).WithBackpressure(domain.QueueReconciler)
		g.Go(func() error { return runner.Run(ctx) })
	}

	if stages[domain.QueueReconciler] {
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

		h := &worker.ReconcileHandler{Reconciler: reconciler.New(pool, cfg)}
		runner := worker.NewRunner(bus, h, cfg)
		g.Go(func() error { return runner.Run(ctx) })
	}

	if stages[domain.QueueRecorder] {
		archive, err := recorder.New(cfg.ArchiveRoot)
		if err != nil {
			slog.Error("archive init failed", slog.Any("error", err))
			os.Exit(1)
		}
		h := &worker.RecordHandler{Archive: archive}
		runner := worker.NewRunner(bus, h, cfg)
		g.Go(func() error { return runner.Run(ctx) })
	}

	sweeper := worker.NewSweeper(bus, cfg.SweepInterval)
	g.Go(func() error { return sweeper.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
