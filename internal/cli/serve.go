package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cloudapi"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/fota"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/history"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
	httptransport "github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/transport/http"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/transport/ws"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SeedFile string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and device API",
		Long: `Run the HTTP server: the relay webhook, the device API and, when Redis
is configured, the /ws live feed.

Example:
  tracker serve
  STORE_BACKEND=memory REDIS_ADDR= tracker serve --seed fixtures.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.SeedFile, "seed", "", "fixtures file applied before serving")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, logger, err := loadBase()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if opts.SeedFile != "" {
		if err := seedFromFile(ctx, opts.SeedFile, a.store, a.redis, logger); err != nil {
			return err
		}
	}

	var firmware *fota.Service
	if cfg.FotaAPIKey != "" {
		firmware = fota.NewService(a.store, fota.NewHTTPClient(cloudapi.New(cfg.FotaAPIURL, cfg.FotaAPIKey, nil)), logger)
	} else {
		logger.Warn("FOTA_API_KEY not set, firmware update endpoints disabled")
	}

	// Workers outlive the HTTP server so in-flight webhooks can finish and
	// queued notifications drain after shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workers := new(errgroup.Group)
	a.startWorkers(workerCtx, workers)

	g, gctx := errgroup.WithContext(ctx)

	var live http.Handler
	if a.redis != nil {
		hub := ws.NewHub(logger)
		sub := a.redis.Subscribe(gctx)
		g.Go(func() error {
			defer sub.Close()
			hub.Pump(gctx, sub.Channel())
			return nil
		})
		live = hub
	}

	server := httptransport.NewServer(httptransport.Deps{
		Ingestor: a.ingestor,
		Store:    a.store,
		History:  history.NewService(a.store, cfg.Retention(), time.Now),
		Resolver: a.resolver,
		Firmware: firmware,
		Auth:     a.authenticator(),
		Live:     live,
		TeamID:   cfg.TeamID,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return httptransport.ListenAndServe(gctx, httpServer, logger) })
	g.Go(func() error {
		purgeLoop(gctx, a.store, cfg.PurgeInterval, logger)
		return nil
	})

	err = g.Wait()
	stopWorkers()
	if werr := workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	logger.Info("server stopped")
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// purgeLoop deletes history past its retention on every tick.
func purgeLoop(ctx context.Context, s store.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.PurgeExpired(ctx, now)
			if err != nil {
				logger.Error("history purge failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.HistoryPurged.Add(n)
				logger.Info("history purged", "rows", n)
			}
		}
	}
}
