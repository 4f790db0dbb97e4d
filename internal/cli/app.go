package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/auth"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/config"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/freshness"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/logging"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/normalizer"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/notify"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/push"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
	tracing "github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/telemetry/otel"
)

// app is the ingestion core shared by serve and poll.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	redis      *store.RedisStore
	sender     push.Sender
	dispatcher *notify.Dispatcher
	statePub   *ingest.RedisStatePublisher
	lanes      *ingest.Lanes
	resolver   *freshness.Resolver
	ingestor   *ingest.Ingestor
	tracing    *tracing.Providers
}

// loadBase reads configuration and builds the logger.
func loadBase() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemoryStore(), nil
	}
	ts, err := store.NewTimescaleStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*store.RedisStore, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	return store.NewRedisStore(ctx, cfg)
}

func newSender(cfg *config.Config, rs *store.RedisStore, logger *slog.Logger) (push.Sender, error) {
	switch cfg.PushBackend {
	case "redis":
		return push.NewRedisSender(rs), nil
	case "kafka":
		ks, err := push.NewKafkaSender(cfg.KafkaBrokerList(), cfg.PushKafkaTopic)
		if err != nil {
			return nil, err
		}
		return ks, nil
	default:
		return push.NewLogSender(logger), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.close(context.Background())
		}
	}()

	var err error

	if a.tracing, err = tracing.NewProviders(ctx, cfg.OTLPEndpoint, cfg.OTELServiceName); err != nil {
		return nil, err
	}
	a.tracing.SetGlobal()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	logger.Info("store ready", "backend", cfg.StoreBackend)

	if a.redis, err = openRedis(ctx, cfg); err != nil {
		return nil, err
	}
	if a.redis == nil {
		logger.Warn("redis disabled: no live feed, key lookup or state cache")
	}

	if a.sender, err = newSender(cfg, a.redis, logger); err != nil {
		return nil, fmt.Errorf("push backend: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(a.sender, cfg.NotifyQueueSize, logger)

	a.resolver = freshness.NewResolver(cfg.StaleAfter, time.Now)
	opts := []ingest.ProcessorOption{ingest.WithNotifier(a.dispatcher)}
	if a.redis != nil {
		a.statePub = ingest.NewRedisStatePublisher(a.redis, cfg.StateQueueSize, cfg.StateFlushInterval, logger)
		opts = append(opts, ingest.WithStatePublisher(a.statePub))
	}
	processor := ingest.NewProcessor(a.store, cfg.Retention(), a.resolver, logger, opts...)

	a.lanes = ingest.NewLanes(cfg.LaneCount, cfg.LaneQueueSize)
	a.ingestor = ingest.NewIngestor(normalizer.New(logger, time.Now), processor, a.lanes, cfg.EnvelopeTimeout, logger)
	ready = true
	return a, nil
}

// authenticator keeps the lookup a nil interface when Redis is off.
func (a *app) authenticator() *auth.Authenticator {
	var lookup auth.KeyLookup
	if a.redis != nil {
		lookup = a.redis
	}
	return auth.NewAuthenticator(a.cfg.APIKeys(), lookup, a.cfg.AuthCacheTTL(), a.logger)
}

// startWorkers runs the lanes, notification workers and state publisher on
// g until ctx is done.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return a.lanes.Run(ctx) })

	workers := max(a.cfg.NotifyWorkers, 1)
	for range workers {
		g.Go(func() error {
			a.dispatcher.Run(ctx)
			return nil
		})
	}

	if a.statePub != nil {
		g.Go(func() error {
			a.statePub.Run(ctx)
			return nil
		})
	}
	a.logger.Info("workers started", "lanes", a.cfg.LaneCount, "notify_workers", workers, "live_state", a.statePub != nil)
}

func (a *app) close(ctx context.Context) {
	if a.sender != nil {
		if err := a.sender.Close(); err != nil {
			a.logger.Warn("push sender close failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}
