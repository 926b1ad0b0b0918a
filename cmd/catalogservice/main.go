package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-catalogcache/pkg/api"
	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/catalog"
	"github.com/illmade-knight/go-catalogcache/pkg/config"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/illmade-knight/go-catalogcache/pkg/invalidation"
	"github.com/illmade-knight/go-catalogcache/pkg/microservice"
	"github.com/illmade-knight/go-catalogcache/pkg/pgstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Catalog service failed.")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "catalogservice").Logger()
}

// run wires every component, serves until ctx is cancelled and then shuts
// down in reverse order.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	conn := cache.NewConnectionManager(cache.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	// Redis must be reachable at startup. Later outages are absorbed by the
	// reconnect loop while reads fall back to the database.
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	cacheCfg := cache.DefaultCacheConfig()
	cacheCfg.TTL = cfg.Cache.TTL()
	cacheCfg.ListTTL = cfg.Cache.ListTTL()
	redisCache := cache.NewRedisCache(cacheCfg, conn, logger)

	asyncCfg := cache.DefaultAsyncConfig()
	asyncCfg.AsyncEnabled = cfg.Cache.AsyncEnabled
	asyncCfg.InvalidationEnabled = cfg.Cache.InvalidationEnabled
	asyncCfg.ListInvalidationEnabled = cfg.Cache.ListInvalidationEnabled
	if cfg.Cache.Workers > 0 {
		asyncCfg.Workers = cfg.Cache.Workers
	}
	if cfg.Cache.QueueSize > 0 {
		asyncCfg.QueueSize = cfg.Cache.QueueSize
	}
	asyncCache := cache.NewAsyncCache(asyncCfg, redisCache, logger)

	if err := pgstore.Migrate(cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer pool.Close()
	store := pgstore.NewStore(pool, logger)

	bus := events.NewBus(events.DefaultBusConfig(), logger)
	gcp, err := setupEvents(ctx, bus, asyncCache, cfg.Events, logger)
	defer func() {
		if err := gcp.close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing Google Cloud clients.")
		}
	}()
	if err != nil {
		return err
	}

	svc := catalog.NewService(catalog.Config{
		DefaultPage:   cfg.Pagination.DefaultPage,
		DefaultLimit:  cfg.Pagination.DefaultLimit,
		MaxLimit:      cfg.Pagination.MaxLimit,
		CacheTTL:      cfg.Cache.TTL(),
		ListTTL:       cfg.Cache.ListTTL(),
		EventsEnabled: cfg.Events.Enabled,
	}, store, redisCache, asyncCache, bus, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		cache.NewStatsCollector(redisCache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := microservice.NewBaseServer(logger, microservice.ServerConfig{
		HTTPPort:     cfg.HTTPPort,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	})
	api.NewHandler(svc, redisCache, api.NewAuthenticator(cfg.JWTSecret, logger), registry, logger).Register(server.Mux())
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().Str("port", server.GetHTTPPort()).Msg("Catalog service started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if gcp.listener != nil {
		if err := gcp.listener.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("invalidation listener: %w", err))
		}
	}
	if err := asyncCache.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("async cache: %w", err))
	}
	if err := bus.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	logger.Info().Msg("Catalog service stopped.")
	return errors.Join(errs...)
}

// integrations holds the optional Google Cloud clients so they can be
// closed on shutdown.
type integrations struct {
	pubsub   *pubsub.Client
	listener *invalidation.Listener
	closers  []func() error
}

func (i *integrations) pubsubClient(ctx context.Context, projectID string, opts []option.ClientOption) (*pubsub.Client, error) {
	if i.pubsub != nil {
		return i.pubsub, nil
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	i.pubsub = client
	i.closers = append(i.closers, client.Close)
	return client, nil
}

func (i *integrations) close() error {
	var errs []error
	for _, c := range i.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// setupEvents attaches the log sink and, when configured, the Pub/Sub,
// BigQuery and Cloud Storage sinks, then starts the invalidation listener.
func setupEvents(ctx context.Context, bus *events.Bus, scheduler invalidation.Scheduler, cfg config.EventsConfig, logger zerolog.Logger) (*integrations, error) {
	in := &integrations{}
	bus.Subscribe(events.NewLogSink(logger))

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	if cfg.Enabled && cfg.PubsubTopicID != "" {
		client, err := in.pubsubClient(ctx, cfg.ProjectID, opts)
		if err != nil {
			return in, err
		}
		sink, err := events.NewPubsubSink(ctx, client, cfg.PubsubTopicID, logger)
		if err != nil {
			return in, err
		}
		bus.Subscribe(sink)
		logger.Info().Str("topic_id", cfg.PubsubTopicID).Msg("Publishing product events to Pub/Sub.")
	}

	if cfg.Enabled && cfg.BQTableID != "" {
		client, err := events.NewBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
		if err != nil {
			return in, err
		}
		in.closers = append(in.closers, client.Close)
		bqCfg := events.BigQueryConfig{DatasetID: cfg.BQDatasetID, TableID: cfg.BQTableID}
		inserter, err := events.EventTableInserter(ctx, client, bqCfg, logger)
		if err != nil {
			return in, err
		}
		bus.Subscribe(events.NewBigQuerySink(bqCfg, inserter, logger))
		logger.Info().Str("dataset_id", cfg.BQDatasetID).Str("table_id", cfg.BQTableID).Msg("Streaming product events to BigQuery.")
	}

	if cfg.Enabled && cfg.ArchiveBucket != "" {
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return in, fmt.Errorf("failed to create storage client: %w", err)
		}
		in.closers = append(in.closers, client.Close)
		sink, err := events.NewArchiveSink(events.ArchiveConfig{
			BucketName:   cfg.ArchiveBucket,
			ObjectPrefix: cfg.ArchivePrefix,
		}, events.NewGCSObjectStore(client), logger)
		if err != nil {
			return in, err
		}
		bus.Subscribe(sink)
		logger.Info().Str("bucket", cfg.ArchiveBucket).Msg("Archiving product events to Cloud Storage.")
	}

	if cfg.InvalidationID != "" {
		client, err := in.pubsubClient(ctx, cfg.ProjectID, opts)
		if err != nil {
			return in, err
		}
		listener, err := invalidation.NewListener(ctx, invalidation.Config{
			SubscriptionID: cfg.InvalidationID,
			IgnoreOrigin:   events.Origin,
		}, client, scheduler, logger)
		if err != nil {
			return in, err
		}
		listener.Start(context.Background())
		in.listener = listener
	}
	return in, nil
}
