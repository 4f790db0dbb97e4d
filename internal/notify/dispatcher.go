// Package notify turns committed zone transitions into push notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/metrics"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/push"
)

const sendTimeout = 10 * time.Second

// Dispatcher builds alerts and hands them to a push.Sender. Transitions are
// queued after commit and delivered by Run workers; a failed or dropped
// delivery is logged and counted, never retried against stored state.
type Dispatcher struct {
	ch     chan domain.Transition
	sender push.Sender
	logger *slog.Logger
}

func NewDispatcher(sender push.Sender, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		ch:     make(chan domain.Transition, queueSize),
		sender: sender,
		logger: logger,
	}
}

// Dispatch delivers one notification synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, tr domain.Transition) error {
	if !tr.Kind.IsZone() {
		return fmt.Errorf("cannot notify %s", tr.Kind)
	}
	alert := BuildAlert(tr.DeviceID, tr.Zone, tr.Kind, tr.Fix, tr.DetectedAt)
	alert.Token = tr.PushToken
	if err := d.sender.Send(ctx, alert); err != nil {
		return fmt.Errorf("send %s alert for %s/%s: %w", tr.Kind, tr.DeviceID, tr.Zone.ZoneID, err)
	}
	return nil
}

// Notify queues a committed transition without blocking the caller.
func (d *Dispatcher) Notify(tr domain.Transition) {
	select {
	case d.ch <- tr:
	default:
		metrics.NotifyQueueDrops.Add(1)
		d.logger.Warn("notification queue full, dropping",
			"device_id", tr.DeviceID, "zone_id", tr.Zone.ZoneID, "type", tr.Kind)
	}
}

// Run delivers queued transitions until ctx is done, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case tr := <-d.ch:
			d.deliver(tr)

		case <-ctx.Done():
			for {
				select {
				case tr := <-d.ch:
					d.deliver(tr)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(tr domain.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := d.Dispatch(ctx, tr); err != nil {
		metrics.DispatchFailures.Add(1)
		d.logger.Warn("notification dispatch failed", "device_id", tr.DeviceID, "zone_id", tr.Zone.ZoneID, "error", err)
	}
}

func BuildAlert(deviceID string, zone domain.SafeZone, kind domain.MessageType, fix domain.TrueFix, detectedAt time.Time) push.Alert {
	title, verb := "Entered safe zone", "entered"
	if kind == domain.MessageZoneExit {
		title, verb = "Left safe zone", "left"
	}
	return push.Alert{
		Title: title,
		Body:  fmt.Sprintf("%s %s %s", deviceID, verb, zone.Name),
		Data: push.AlertData{
			Type:     string(kind),
			DeviceID: deviceID,
			ZoneID:   zone.ZoneID,
			ZoneName: zone.Name,
			Location: push.Location{
				Lat:      fix.Lat,
				Lon:      fix.Lon,
				Accuracy: fix.AccuracyMeters,
			},
			DetectedAt: domain.FormatTimestamp(detectedAt),
		},
	}
}
