// Package ingest applies normalized telemetry to storage: history, device
// state and geofence containment commit together, then notifications and
// live updates go out.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/freshness"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/geofence"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

const tracerName = "github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/ingest"

// Notifier receives transitions after they are committed.
type Notifier interface {
	Notify(tr domain.Transition)
}

// StatePublisher receives the device snapshot after every committed update.
type StatePublisher interface {
	Publish(snap store.StateSnapshot)
}

// Outcome is what one event did to storage.
type Outcome struct {
	Result      domain.InsertResult
	Transitions []domain.Transition
	State       *domain.DeviceState
}

type Processor struct {
	store     store.Store
	retention time.Duration
	resolver  *freshness.Resolver
	notifier  Notifier
	publisher StatePublisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type ProcessorOption func(*Processor)

func WithNotifier(n Notifier) ProcessorOption { return func(p *Processor) { p.notifier = n } }

func WithStatePublisher(sp StatePublisher) ProcessorOption {
	return func(p *Processor) { p.publisher = sp }
}

func WithClock(now func() time.Time) ProcessorOption { return func(p *Processor) { p.now = now } }

func NewProcessor(s store.Store, retention time.Duration, resolver *freshness.Resolver, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:     s,
		retention: retention,
		resolver:  resolver,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process commits one event. A duplicate is a silent no-op: no state change,
// no containment change, no notification.
func (p *Processor) Process(ctx context.Context, ev domain.TelemetryEvent) (Outcome, error) {
	meta := ev.Meta()
	ctx, span := p.tracer.Start(ctx, "ingest.event", trace.WithAttributes(
		attribute.String("device.id", meta.DeviceID),
		attribute.String("message.type", string(ev.Kind())),
		attribute.String("message.timestamp", meta.Timestamp()),
	))
	defer span.End()

	var out Outcome
	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = Outcome{}

		res, err := tx.InsertHistory(ctx, domain.RecordFromEvent(ev, p.retention))
		if err != nil {
			return err
		}
		out.Result = res
		if res == domain.AlreadyExists {
			return nil
		}

		st, err := tx.LoadState(ctx, meta.DeviceID)
		if err != nil {
			return err
		}
		advanced := st.ApplyTelemetry(ev)

		if fix, ok := ev.(*domain.TrueFix); ok && advanced {
			zones, err := tx.Zones(ctx, meta.DeviceID)
			if err != nil {
				return err
			}
			out.Transitions = geofence.Evaluate(st, zones, fix, p.now())
			for i, tr := range out.Transitions {
				if st.PushToken != nil {
					out.Transitions[i].PushToken = *st.PushToken
				}
				if _, err := tx.InsertHistory(ctx, domain.RecordFromTransition(tr, p.retention)); err != nil {
					return err
				}
			}
		}

		if err := tx.SaveState(ctx, st); err != nil {
			return err
		}
		out.State = st
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return Outcome{}, fmt.Errorf("process %s event for %s: %w", ev.Kind(), meta.DeviceID, err)
	}

	span.SetAttributes(
		attribute.String("insert.result", out.Result.String()),
		attribute.Int("zone.transitions", len(out.Transitions)),
	)

	if out.Result == domain.AlreadyExists {
		metrics.EventsDuplicate.Add(1)
		p.logger.Debug("duplicate event", "device_id", meta.DeviceID, "type", ev.Kind(), "timestamp", meta.Timestamp())
		return out, nil
	}

	metrics.EventsAccepted.Add(1)
	metrics.ZoneTransitions.Add(int64(len(out.Transitions)))

	for _, tr := range out.Transitions {
		p.logger.Info("zone transition",
			"device_id", tr.DeviceID, "zone_id", tr.Zone.ZoneID, "zone_name", tr.Zone.Name, "type", tr.Kind)
		if p.notifier != nil {
			p.notifier.Notify(tr)
		}
	}
	if p.publisher != nil {
		p.publisher.Publish(p.Snapshot(out.State))
	}
	return out, nil
}

// Snapshot is the live view of a device: the display location picked by
// the freshness resolver plus the latest temperature.
func (p *Processor) Snapshot(st *domain.DeviceState) store.StateSnapshot {
	snap := store.StateSnapshot{
		DeviceID:        st.DeviceID,
		LastTemperature: domain.NewTemperatureView(st.LastTemperature),
		InSafeZone:      st.InSafeZone,
		LastSeen:        domain.TimestampPtr(st.LastSeen),
	}
	if fix, ok := p.resolver.Resolve(st); ok {
		snap.Location = domain.NewLocationView(fix)
	}
	return snap
}
