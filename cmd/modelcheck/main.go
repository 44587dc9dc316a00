// model-check server - probes upstream model endpoints and serves the
// dashboard data API with a real-time progress feed.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Moyucharm/model-check/pkg/admission"
	"github.com/Moyucharm/model-check/pkg/api"
	"github.com/Moyucharm/model-check/pkg/catalog"
	"github.com/Moyucharm/model-check/pkg/config"
	"github.com/Moyucharm/model-check/pkg/database"
	"github.com/Moyucharm/model-check/pkg/detection"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/queue"
	"github.com/Moyucharm/model-check/pkg/repository"
	"github.com/Moyucharm/model-check/pkg/scheduler"
	"github.com/Moyucharm/model-check/pkg/version"
)

func main() {
	configPath := flag.String("config", "modelcheck.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Repository: Postgres when a database is configured, otherwise the
	// in-memory store (development mode; state is lost on restart).
	var (
		repo     repository.Repository
		dbHealth api.HealthChecker
	)
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("DB_PASSWORD") != "" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return err
		}
		client, err := database.NewClient(ctx, dbCfg)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		repo = repository.NewPostgres(client.DB())
		dbHealth = func(ctx context.Context) error {
			_, err := database.Health(ctx, client.DB())
			return err
		}
		slog.Info("Using PostgreSQL repository")
	} else {
		repo = repository.NewMemory()
		slog.Warn("No database configured, using in-memory repository")
	}

	// Admission capacities resolve once at startup from the stored
	// scheduler config plus environment overrides.
	overrides := queue.Overrides{
		ChannelConcurrency:   cfg.Detection.ChannelConcurrency,
		MaxGlobalConcurrency: cfg.Detection.MaxGlobalConcurrency,
		MinJitterMs:          cfg.Detection.MinJitterMs,
		MaxJitterMs:          cfg.Detection.MaxJitterMs,
	}
	schedCfg, err := repo.LoadSchedulerConfig(ctx)
	if err != nil {
		return err
	}
	globalCap := schedCfg.MaxGlobalConcurrency
	channelCap := schedCfg.ChannelConcurrency
	if overrides.MaxGlobalConcurrency > 0 {
		globalCap = overrides.MaxGlobalConcurrency
	}
	if overrides.ChannelConcurrency > 0 {
		channelCap = overrides.ChannelConcurrency
	}

	// Queue, admission and progress bus: Redis-backed when a broker is
	// configured, in-process otherwise.
	bus := events.NewBus()
	var (
		jobQueue  queue.Queue
		adm       admission.Controller
		publisher events.Publisher
		mirror    *events.Mirror
	)
	broker := cfg.Broker.URL != ""
	if broker {
		opts, err := redis.ParseURL(cfg.Broker.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		jobQueue = queue.NewRedisQueue(client)
		adm = admission.NewRedis(client, globalCap, channelCap)
		mirror = events.NewMirror(bus, client)
		mirror.Start(ctx)
		defer mirror.Stop()
		publisher = mirror
		slog.Info("Using Redis queue backend", "global_concurrency", globalCap, "channel_concurrency", channelCap)
	} else {
		jobQueue = queue.NewMemoryQueue()
		adm = admission.NewMemory(globalCap, channelCap)
		publisher = events.LocalPublisher{Bus: bus}
		slog.Info("Using in-memory queue backend", "global_concurrency", globalCap, "channel_concurrency", channelCap)
	}

	executor := probe.NewExecutor()
	pool := queue.NewWorkerPool(jobQueue, adm, repo, executor, publisher,
		queue.DefaultPoolConfig(broker), overrides)
	pool.Start(ctx)
	defer pool.Stop()

	syncer := catalog.NewSyncer(repo, executor)
	detService := detection.NewService(repo, jobQueue, pool, syncer, publisher)

	schedService := scheduler.NewService(repo, detService, cfg.Detection.CronSchedule)
	if err := schedService.StartAll(ctx); err != nil {
		return err
	}
	defer schedService.StopAll()

	server := api.NewServer(cfg, repo, detService, schedService, bus, dbHealth)
	server.Start()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// setupLogging configures the process-wide structured logger.
func setupLogging() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
