// Package history serves validated reads over a device's stored history.
package history

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

const (
	DefaultLimit  = 100
	MaxLimit      = 1000
	DefaultWindow = 24 * time.Hour
)

// Query is a parsed and validated history request.
type Query struct {
	DeviceID string
	Type     domain.MessageType
	Start    time.Time
	End      time.Time
	Limit    int
}

// Entry is one history row in the uniform response shape. Every key is
// always present; fields that do not apply to the row's type are null.
type Entry struct {
	Timestamp   string             `json:"timestamp"`
	MessageType domain.MessageType `json:"messageType"`
	Lat         *float64           `json:"lat"`
	Lon         *float64           `json:"lon"`
	Accuracy    *float64           `json:"accuracy"`
	Temperature *float64           `json:"temperature"`
	ZoneID      *string            `json:"zoneId"`
	ZoneName    *string            `json:"zoneName"`
}

type Service struct {
	store   store.Store
	horizon time.Duration
	now     func() time.Time
}

// NewService builds a history reader. Requests may not start earlier than
// horizon before now.
func NewService(s store.Store, horizon time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, horizon: horizon, now: now}
}

func invalidParam(name string) error {
	return &domain.ValidationError{Code: domain.CodeInvalidParameter, Message: fmt.Sprintf("Parameter '%s' is invalid", name)}
}

// Parse reads type, start, end and limit from query parameters, applying
// defaults: end is now, start is 24 hours before end, limit is 100. A limit
// outside [1, 1000] is clamped.
func (s *Service) Parse(deviceID string, params url.Values) (Query, error) {
	now := s.now().UTC()
	q := Query{DeviceID: deviceID, End: now, Limit: DefaultLimit}

	if raw := params.Get("type"); raw != "" {
		t, ok := domain.ParseMessageType(raw)
		if !ok {
			return Query{}, invalidParam("type")
		}
		q.Type = t
	}

	if raw := params.Get("end"); raw != "" {
		end, err := domain.ParseTimestamp(raw)
		if err != nil {
			return Query{}, invalidParam("end")
		}
		q.End = end
	}

	q.Start = q.End.Add(-DefaultWindow)
	if raw := params.Get("start"); raw != "" {
		start, err := domain.ParseTimestamp(raw)
		if err != nil {
			return Query{}, invalidParam("start")
		}
		q.Start = start
	}
	if s.horizon > 0 && q.Start.Before(now.Add(-s.horizon)) {
		if params.Get("start") == "" {
			q.Start = now.Add(-s.horizon)
		} else {
			return Query{}, invalidParam("start")
		}
	}
	if !q.Start.Before(q.End) {
		return Query{}, &domain.ValidationError{Code: domain.CodeInvalidTimeRange, Message: "Start time must be before end time"}
	}

	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, invalidParam("limit")
		}
		q.Limit = min(max(n, 1), MaxLimit)
	}
	return q, nil
}

// History returns the device's records newest first. It returns
// domain.ErrNotFound for an unknown device.
func (s *Service) History(ctx context.Context, q Query) ([]Entry, error) {
	if _, err := s.store.GetState(ctx, q.DeviceID); err != nil {
		return nil, err
	}
	recs, err := s.store.QueryHistory(ctx, store.HistoryFilter{
		DeviceID: q.DeviceID,
		Type:     q.Type,
		Start:    q.Start,
		End:      q.End,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", q.DeviceID, err)
	}

	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, Project(rec))
	}
	return entries, nil
}

// Project maps a stored record onto the uniform response shape.
func Project(rec domain.HistoryRecord) Entry {
	e := Entry{
		Timestamp:   domain.FormatTimestamp(rec.Timestamp),
		MessageType: rec.MessageType,
	}
	switch {
	case rec.MessageType == domain.MessageTemperature:
		e.Temperature = rec.Temperature
	case rec.MessageType.IsPosition():
		e.Lat, e.Lon, e.Accuracy = rec.Lat, rec.Lon, rec.Accuracy
	case rec.MessageType.IsZone():
		e.Lat, e.Lon, e.Accuracy = rec.Lat, rec.Lon, rec.Accuracy
		zoneID, zoneName := rec.ZoneID, rec.ZoneName
		e.ZoneID, e.ZoneName = &zoneID, &zoneName
	}
	return e
}
