package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

const statePublishBatch = 100

// StateSink writes one snapshot to the live cache. *store.RedisStore
// implements it.
type StateSink interface {
	PipelineStateUpdate(ctx context.Context, snap store.StateSnapshot) error
}

// RedisStatePublisher batches committed snapshots and pushes them to the
// live cache. Within a batch only the latest snapshot per device is sent.
type RedisStatePublisher struct {
	ch       chan store.StateSnapshot
	sink     StateSink
	interval time.Duration
	logger   *slog.Logger
}

func NewRedisStatePublisher(sink StateSink, queueSize int, interval time.Duration, logger *slog.Logger) *RedisStatePublisher {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &RedisStatePublisher{
		ch:       make(chan store.StateSnapshot, queueSize),
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Publish never blocks; the live cache lags rather than slowing ingestion.
func (w *RedisStatePublisher) Publish(snap store.StateSnapshot) {
	select {
	case w.ch <- snap:
	default:
		metrics.StateQueueDrops.Add(1)
	}
}

func (w *RedisStatePublisher) Run(ctx context.Context) {
	batch := make([]store.StateSnapshot, 0, statePublishBatch)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case snap := <-w.ch:
			batch = append(batch, snap)
			if len(batch) >= statePublishBatch {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushBatch(context.WithoutCancel(ctx), batch)
			return
		}
	}
}

func (w *RedisStatePublisher) flushBatch(ctx context.Context, batch []store.StateSnapshot) {
	latest := make(map[string]int, len(batch))
	for i, snap := range batch {
		latest[snap.DeviceID] = i
	}
	for i, snap := range batch {
		if latest[snap.DeviceID] != i {
			continue
		}
		if err := w.sink.PipelineStateUpdate(ctx, snap); err != nil {
			metrics.StatePublishErrors.Add(1)
			w.logger.Warn("live state update failed", "device_id", snap.DeviceID, "error", err)
		}
	}
}
