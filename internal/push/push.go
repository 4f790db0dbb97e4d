// Package push hands notifications to a delivery backend. Delivery to
// phones happens downstream of the backend.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
)

type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy"`
}

type AlertData struct {
	Type       string   `json:"type"`
	DeviceID   string   `json:"deviceId"`
	ZoneID     string   `json:"zoneId"`
	ZoneName   string   `json:"zoneName"`
	Location   Location `json:"location"`
	DetectedAt string   `json:"detectedAt"`
}

// Alert is one push notification. Token is empty when no app has
// registered for the device; backends still publish it for topic consumers.
type Alert struct {
	Token string    `json:"token,omitempty"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Data  AlertData `json:"data"`
}

// Sender delivers alerts. Callers treat failures as best-effort: they log
// and move on.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Close() error
}

// LogSender writes alerts to the log. Used when no backend is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, alert Alert) error {
	s.logger.Info("push notification",
		"title", alert.Title,
		"device_id", alert.Data.DeviceID,
		"zone_id", alert.Data.ZoneID,
		"type", alert.Data.Type,
		"addressed", alert.Token != "",
	)
	return nil
}

func (s *LogSender) Close() error { return nil }

func marshal(alert Alert) ([]byte, error) {
	return json.Marshal(alert)
}
