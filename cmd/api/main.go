package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iago/genjobs-back/internal/config"
	"github.com/iago/genjobs-back/internal/domain"
	httpserver "github.com/iago/genjobs-back/internal/http"
	"github.com/iago/genjobs-back/internal/http/handlers"
	"github.com/iago/genjobs-back/internal/http/middleware"
	"github.com/iago/genjobs-back/internal/idempotency"
	"github.com/iago/genjobs-back/internal/logging"
	"github.com/iago/genjobs-back/internal/provider"
	"github.com/iago/genjobs-back/internal/queue"
	"github.com/iago/genjobs-back/internal/quota"
	"github.com/iago/genjobs-back/internal/repository"
	"github.com/iago/genjobs-back/internal/service"
	"github.com/iago/genjobs-back/internal/storage"
	"github.com/iago/genjobs-back/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)
	if dotenvErr != nil {
		logger.Warn("failed loading .env files", slog.Any("error", dotenvErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, poolCloser := setupPostgres(ctx, cfg, logger)
	defer poolCloser()

	jobs := setupRepository(pool, logger)

	catalog, err := setupCatalog(cfg)
	if err != nil {
		logger.Error("failed loading plans file", slog.String("path", cfg.PlansFile), slog.Any("error", err))
		os.Exit(1)
	}
	ledger := setupLedger(pool, catalog, logger)

	store, storeCloser := setupIdempotency(ctx, cfg, pool, logger)
	defer storeCloser()
	runner := idempotency.NewRunner(store)
	// POST /v1/jobs holds its claim across a provider submit, retries included.
	requestRunner := idempotency.NewRunner(store, idempotency.WithClaimTTL(requestClaimTTL(cfg)))

	blobs, err := storage.NewFileStore(cfg.BlobDir)
	if err != nil {
		logger.Error("failed to initialize blob store", slog.String("path", cfg.BlobDir), slog.Any("error", err))
		os.Exit(1)
	}
	registry := setupProviders(cfg, blobs, logger)

	orchestrator := service.NewOrchestrator(jobs, registry, ledger, runner, service.OrchestratorConfig{
		CompletionRetention: cfg.CompletionRetention,
		Logger:              logger,
	})

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:           orchestrator,
		Providers:      registry,
		Callbacks:      producer,
		Requests:       requestRunner,
		CallbackSecret: cfg.CallbackSecret,
		Logger:         logger,
	})
	if cfg.CallbackSecret == "" {
		logger.Warn("CALLBACK_SECRET not configured, provider callbacks are not authenticated")
	}
	if len(cfg.APITokens) == 0 {
		logger.Warn("API_TOKENS not configured, every /v1/jobs request will be rejected")
	}

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Identity:       middleware.StaticTokens(cfg.APITokens),
		Logger:         logger,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	var workers sync.WaitGroup
	if cfg.WorkerEnabled {
		startWorkers(ctx, &workers, cfg, orchestrator, consumer, store, logger)
		logger.Info("workers enabled and started")
	} else {
		logger.Info("workers disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.ProviderTimeoutMS)*time.Millisecond*time.Duration(cfg.ProviderMaxRetries+1) + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	workers.Wait()
}

func startWorkers(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg config.Config,
	orchestrator *service.Orchestrator,
	consumer queue.Consumer,
	store idempotency.Store,
	logger *slog.Logger,
) {
	scheduler := worker.NewScheduler(orchestrator, worker.SchedulerConfig{
		Interval:    cfg.ReconcileInterval,
		Concurrency: cfg.ReconcileConcurrency,
	}, logger)
	processor := worker.NewCallbackProcessor(consumer, orchestrator, logger)
	reaper := worker.NewReaper(orchestrator, store, worker.ReaperConfig{
		Interval:  cfg.ReaperInterval,
		JobMaxAge: cfg.JobMaxAge,
	}, logger)

	for _, run := range []func(context.Context){scheduler.Start, processor.Start, reaper.Start} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
}

func requestClaimTTL(cfg config.Config) time.Duration {
	submit := provider.ClientConfig{
		Timeout:    time.Duration(cfg.ProviderTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.ProviderMaxRetries,
	}
	return max(submit.MaxCallDuration()+10*time.Second, idempotency.DefaultClaimTTL)
}

func setupPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pgxpool.Pool, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not configured, using in-memory backends")
		return nil, func() {}
	}

	pool, err := repository.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres, fallback to memory", slog.Any("error", err))
		return nil, func() {}
	}
	if err := repository.ApplySchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema, fallback to memory", slog.Any("error", err))
		pool.Close()
		return nil, func() {}
	}
	logger.Info("postgres initialized")
	return pool, pool.Close
}

func setupRepository(pool *pgxpool.Pool, logger *slog.Logger) repository.JobsRepository {
	if pool == nil {
		return repository.NewMemoryJobsRepository()
	}
	logger.Info("postgres job registry initialized")
	return repository.NewPostgresJobsRepository(pool)
}

func setupCatalog(cfg config.Config) (quota.Catalog, error) {
	if cfg.PlansFile == "" {
		return quota.DefaultCatalog(), nil
	}
	return quota.LoadCatalogFile(cfg.PlansFile)
}

func setupLedger(pool *pgxpool.Pool, catalog quota.Catalog, logger *slog.Logger) quota.Ledger {
	if pool == nil {
		return quota.NewMemoryLedger(catalog)
	}
	logger.Info("postgres usage ledger initialized", slog.String("default_plan", catalog.DefaultPlan))
	return quota.NewPostgresLedger(pool, catalog)
}

// setupIdempotency picks redis, then postgres, then memory unless
// IDEMPOTENCY_BACKEND forces one.
func setupIdempotency(
	ctx context.Context,
	cfg config.Config,
	pool *pgxpool.Pool,
	logger *slog.Logger,
) (idempotency.Store, func()) {
	backend := cfg.IdempotencyBackend
	if backend == "" {
		switch {
		case cfg.RedisAddr != "":
			backend = "redis"
		case pool != nil:
			backend = "postgres"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "redis":
		if cfg.RedisAddr == "" {
			logger.Warn("IDEMPOTENCY_BACKEND=redis without REDIS_ADDR, using memory")
			break
		}
		store, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to initialize redis idempotency store, fallback to memory", slog.Any("error", err))
			break
		}
		logger.Info("redis idempotency store initialized")
		return store, func() { _ = store.Close() }
	case "postgres":
		if pool == nil {
			logger.Warn("IDEMPOTENCY_BACKEND=postgres without a database, using memory")
			break
		}
		logger.Info("postgres idempotency store initialized")
		return idempotency.NewPostgresStore(pool), func() {}
	case "memory":
	default:
		logger.Warn("unknown IDEMPOTENCY_BACKEND, using memory", slog.String("backend", backend))
	}
	return idempotency.NewMemoryStore(), func() {}
}

func setupProviders(cfg config.Config, blobs storage.BlobStore, logger *slog.Logger) *provider.Registry {
	clientConfig := func(name domain.Provider) (provider.ClientConfig, bool) {
		settings := cfg.Providers[name]
		return provider.ClientConfig{
			APIKey:            settings.APIKey,
			BaseURL:           settings.BaseURL,
			Timeout:           time.Duration(cfg.ProviderTimeoutMS) * time.Millisecond,
			MaxRetries:        cfg.ProviderMaxRetries,
			RequestsPerSecond: cfg.ProviderRPS,
		}, settings.APIKey != ""
	}

	constructors := map[domain.Provider]func(provider.ClientConfig) provider.Adapter{
		domain.ProviderRunway:    func(c provider.ClientConfig) provider.Adapter { return provider.NewRunway(c) },
		domain.ProviderPika:      func(c provider.ClientConfig) provider.Adapter { return provider.NewPika(c, cfg.PikaWebhookURL) },
		domain.ProviderMiniMax:   func(c provider.ClientConfig) provider.Adapter { return provider.NewMiniMax(c) },
		domain.ProviderStability: func(c provider.ClientConfig) provider.Adapter { return provider.NewStability(c) },
		domain.ProviderDALLE3:    func(c provider.ClientConfig) provider.Adapter { return provider.NewDALLE3(c) },
		domain.ProviderOpenAITTS: func(c provider.ClientConfig) provider.Adapter { return provider.NewOpenAITTS(c, blobs) },
		domain.ProviderElevenLabs: func(c provider.ClientConfig) provider.Adapter {
			return provider.NewElevenLabs(c, blobs)
		},
		domain.ProviderGoogleTTS: func(c provider.ClientConfig) provider.Adapter { return provider.NewGoogleTTS(c, blobs) },
	}

	adapters := make([]provider.Adapter, 0, len(constructors))
	for name, build := range constructors {
		settings, ok := clientConfig(name)
		if !ok {
			logger.Info("provider disabled, no API key configured", slog.String("provider", string(name)))
			continue
		}
		adapters = append(adapters, build(settings))
	}
	registry := provider.NewRegistry(adapters...)
	logger.Info("providers registered", slog.Any("providers", registry.Providers()))
	return registry
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
) (queue.Producer, queue.Consumer, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		baseCloser   = func() {}
	)

	useLocal := func() {
		local := queue.NewLocalQueue(512, cfg.CallbackMaxAttempts, logger)
		baseProducer = local
		consumer = local
	}

	switch cfg.CallbackQueue {
	case "redis":
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.CallbackMaxAttempts,
		})
		if err != nil {
			logger.Error("failed to initialize redis streams queue, fallback to local", slog.Any("error", err))
			useLocal()
			break
		}
		logger.Info("redis streams callback queue initialized")
		baseProducer = streams
		consumer = streams
		baseCloser = func() { _ = streams.Close() }
	case "rabbitmq":
		amqpQueue, err := queue.NewAMQPQueue(queue.AMQPConfig{
			URL:         cfg.AMQPURL,
			Exchange:    cfg.AMQPExchange,
			Queue:       cfg.AMQPQueue,
			MaxAttempts: cfg.CallbackMaxAttempts,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize rabbitmq queue, fallback to local", slog.Any("error", err))
			useLocal()
			break
		}
		logger.Info("rabbitmq callback queue initialized")
		baseProducer = amqpQueue
		consumer = amqpQueue
		baseCloser = func() { _ = amqpQueue.Close() }
	default:
		logger.Info("using local callback queue")
		useLocal()
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Info("callback queue batching enabled",
			slog.Int("size", cfg.QueueBatchSize),
			slog.Int("flush_ms", cfg.QueueBatchFlushMS),
			slog.Int("queue_capacity", cfg.QueueBatchQueueCapacity),
			slog.Int("max_in_flight", cfg.QueueBatchMaxInFlight),
		)
	}

	return producer, consumer, func() {
		batchingCloser()
		baseCloser()
	}
}
