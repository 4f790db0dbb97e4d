package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cloudapi"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/relay"
)

// PollOptions holds flags for the poll command.
type PollOptions struct {
	*RootOptions
	Once bool
}

func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Pull device messages from the relay's message API",
		Long: `Fetch device messages from the relay instead of waiting for webhook
deliveries. The cursor lives in Redis so restarts resume where the last
poll stopped, and duplicates of webhook deliveries are ignored.

Example:
  tracker poll
  tracker poll --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single poll and exit")

	return cmd
}

func runPoll(ctx context.Context, opts *PollOptions) error {
	cfg, logger, err := loadBase()
	if err != nil {
		return err
	}
	if cfg.RelayAPIKey == "" {
		return errors.New("poll: RELAY_API_KEY must be set")
	}
	if cfg.RedisAddr == "" {
		return errors.New("poll: REDIS_ADDR must be set to keep the poll cursor")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workers := new(errgroup.Group)
	a.startWorkers(workerCtx, workers)

	source := relay.NewHTTPSource(cloudapi.New(cfg.RelayAPIURL, cfg.RelayAPIKey, nil))
	poller := relay.NewPoller(source, a.redis, a.ingestor, logger)

	if opts.Once {
		_, err = poller.PollOnce(ctx)
	} else {
		err = poller.Run(ctx, cfg.RelayPollInterval)
	}
	stopWorkers()
	if werr := workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
