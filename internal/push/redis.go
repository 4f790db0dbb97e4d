package push

import (
	"context"
	"fmt"
)

// AlertPublisher is the slice of the Redis store the sender needs.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, deviceID string, payload []byte) error
}

// RedisSender publishes alerts on the device's alert channel, where push
// gateways and the live dashboard feed pick them up.
type RedisSender struct {
	pub AlertPublisher
}

func NewRedisSender(pub AlertPublisher) *RedisSender {
	return &RedisSender{pub: pub}
}

func (s *RedisSender) Send(ctx context.Context, alert Alert) error {
	payload, err := marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.pub.PublishAlert(ctx, alert.Data.DeviceID, payload); err != nil {
		return fmt.Errorf("publish alert for %s: %w", alert.Data.DeviceID, err)
	}
	return nil
}

func (s *RedisSender) Close() error { return nil }
