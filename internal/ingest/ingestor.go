package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/normalizer"
)

var (
	// ErrDeadline means the envelope deadline fired before every event
	// started. Committed events stand; the rest wait for redelivery.
	ErrDeadline = errors.New("envelope deadline exceeded")

	// ErrIncomplete means at least one event failed to commit.
	ErrIncomplete = errors.New("envelope partially processed")
)

// Summary reports what one batch of relay messages did.
type Summary struct {
	MessagesProcessed int `json:"messagesProcessed"`
	Duplicates        int `json:"duplicates"`
	Rejected          int `json:"rejected"`
	Skipped           int `json:"skipped"`
	DevicesUpdated    int `json:"devicesUpdated"`
	NotStarted        int `json:"notStarted,omitempty"`
	Failed            int `json:"failed,omitempty"`
}

// EnvelopeResult is the outcome of one webhook delivery.
type EnvelopeResult struct {
	Control     *normalizer.ControlAck
	UnknownType string
	Summary     Summary
}

type Ingestor struct {
	normalizer *normalizer.Normalizer
	processor  *Processor
	lanes      *Lanes
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewIngestor(n *normalizer.Normalizer, p *Processor, lanes *Lanes, timeout time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		normalizer: n,
		processor:  p,
		lanes:      lanes,
		timeout:    timeout,
		logger:     logger,
		tracer:     p.tracer,
	}
}

// HandleEnvelope normalizes and applies one relay envelope. Verification
// and unknown envelope types return without touching storage.
func (in *Ingestor) HandleEnvelope(ctx context.Context, body []byte) (*EnvelopeResult, error) {
	metrics.EnvelopesReceived.Add(1)

	ctx, span := in.tracer.Start(ctx, "ingest.envelope")
	defer span.End()

	norm, err := in.normalizer.Normalize(body)
	if err != nil {
		span.SetStatus(codes.Error, "invalid envelope")
		metrics.EnvelopesFailed.Add(1)
		return nil, err
	}
	if norm.Control != nil || norm.UnknownType != "" {
		span.SetAttributes(attribute.Bool("envelope.control", true))
		return &EnvelopeResult{Control: norm.Control, UnknownType: norm.UnknownType}, nil
	}

	sum, err := in.apply(ctx, norm)
	span.SetAttributes(
		attribute.Int("envelope.processed", sum.MessagesProcessed),
		attribute.Int("envelope.duplicates", sum.Duplicates),
		attribute.Int("envelope.rejected", sum.Rejected),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.EnvelopesFailed.Add(1)
	}
	return &EnvelopeResult{Summary: sum}, err
}

// HandleMessages applies messages fetched from the relay's message API.
func (in *Ingestor) HandleMessages(ctx context.Context, msgs []normalizer.RelayMessage) (Summary, error) {
	return in.apply(ctx, in.normalizer.Messages(msgs))
}

type tally struct {
	mu      sync.Mutex
	sum     Summary
	updated map[string]struct{}
	failed  bool
}

func (t *tally) record(deviceID string, out Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil:
		t.sum.Failed++
		t.failed = true
	case out.Result == domain.AlreadyExists:
		t.sum.Duplicates++
	default:
		t.sum.MessagesProcessed++
		t.updated[deviceID] = struct{}{}
	}
}

func (t *tally) notStarted(n int) {
	t.mu.Lock()
	t.sum.NotStarted += n
	t.mu.Unlock()
	metrics.EventsNotStarted.Add(int64(n))
}

func (t *tally) result() (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sum
	s.DevicesUpdated = len(t.updated)
	return s, t.failed
}

func (in *Ingestor) apply(ctx context.Context, norm *normalizer.Result) (Summary, error) {
	metrics.EventsRejected.Add(int64(len(norm.Rejected)))
	metrics.EventsSkipped.Add(int64(norm.Skipped))

	t := &tally{updated: make(map[string]struct{})}
	t.sum.Rejected = len(norm.Rejected)
	t.sum.Skipped = norm.Skipped

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	byDevice := groupByDevice(norm.Events)
	var wg sync.WaitGroup
	for i, events := range byDevice {
		deviceID := events[0].Meta().DeviceID
		wg.Add(1)
		job := func() {
			defer wg.Done()
			in.runDevice(ctx, deviceID, events, t)
		}
		if err := in.lanes.Submit(ctx, deviceID, job); err != nil {
			wg.Done()
			for _, rest := range byDevice[i:] {
				t.notStarted(len(rest))
			}
			// Jobs already queued still release the wait group on their own.
			return in.finish(t, ErrDeadline)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return in.finish(t, nil)
	case <-ctx.Done():
		return in.finish(t, ErrDeadline)
	}
}

func (in *Ingestor) finish(t *tally, err error) (Summary, error) {
	sum, failed := t.result()
	if err == nil && failed {
		err = fmt.Errorf("%w: %d of %d events failed", ErrIncomplete, sum.Failed, sum.Failed+sum.MessagesProcessed+sum.Duplicates)
	}
	if err != nil {
		in.logger.Warn("envelope not fully applied", "error", err,
			"processed", sum.MessagesProcessed, "not_started", sum.NotStarted, "failed", sum.Failed)
	}
	return sum, err
}

// runDevice applies one device's events in timestamp order. Events that
// have not started when the deadline fires are left for redelivery.
func (in *Ingestor) runDevice(ctx context.Context, deviceID string, events []domain.TelemetryEvent, t *tally) {
	for i, ev := range events {
		if ctx.Err() != nil {
			t.notStarted(len(events) - i)
			return
		}
		out, err := in.processor.Process(ctx, ev)
		if err != nil {
			in.logger.Error("event not committed", "device_id", deviceID, "type", ev.Kind(), "error", err)
		}
		t.record(deviceID, out, err)
	}
}

// groupByDevice splits events per device, each group sorted by device
// timestamp. Equal timestamps keep envelope order.
func groupByDevice(events []domain.TelemetryEvent) [][]domain.TelemetryEvent {
	index := make(map[string]int)
	var groups [][]domain.TelemetryEvent
	for _, ev := range events {
		id := ev.Meta().DeviceID
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	for _, g := range groups {
		slices.SortStableFunc(g, func(a, b domain.TelemetryEvent) int {
			return cmp.Compare(a.Meta().DeviceTimeMs, b.Meta().DeviceTimeMs)
		})
	}
	return groups
}
