package domain

import (
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTrueFix     MessageType = "TRUE_FIX"
	MessageCoarseFix   MessageType = "COARSE_FIX"
	MessageTemperature MessageType = "TEMPERATURE"
	MessageZoneEnter   MessageType = "ZONE_ENTER"
	MessageZoneExit    MessageType = "ZONE_EXIT"
)

var messageTypes = map[string]MessageType{
	string(MessageTrueFix):     MessageTrueFix,
	string(MessageCoarseFix):   MessageCoarseFix,
	string(MessageTemperature): MessageTemperature,
	string(MessageZoneEnter):   MessageZoneEnter,
	string(MessageZoneExit):    MessageZoneExit,
}

// ParseMessageType accepts only the five canonical names.
func ParseMessageType(s string) (MessageType, bool) {
	t, ok := messageTypes[s]
	return t, ok
}

func (t MessageType) IsPosition() bool {
	return t == MessageTrueFix || t == MessageCoarseFix
}

func (t MessageType) IsZone() bool {
	return t == MessageZoneEnter || t == MessageZoneExit
}

// TimestampLayout is the wire and sort format for every timestamp the
// service emits: UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts ISO-8601 UTC with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{TimestampLayout, "2006-01-02T15:04:05Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}

// TelemetryEvent is the closed set of readings a device can report:
// *TrueFix, *CoarseFix and *Temperature.
type TelemetryEvent interface {
	Meta() EventMeta
	Kind() MessageType
	isTelemetryEvent()
}

// EventMeta is carried by every event. DeviceTimeMs and ReceivedAt come
// from independent clocks; only DeviceTimeMs orders history.
type EventMeta struct {
	DeviceID     string
	DeviceTimeMs int64
	ReceivedAt   time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

func (m EventMeta) DeviceTime() time.Time {
	return time.UnixMilli(m.DeviceTimeMs).UTC()
}

// Timestamp is the derived dedup/sort key component.
func (m EventMeta) Timestamp() string {
	return FormatTimestamp(m.DeviceTime())
}

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TrueFix struct {
	EventMeta
	LatLon
	AccuracyMeters *float64
}

type CoarseFix struct {
	EventMeta
	LatLon
	AccuracyMeters *float64
	// FulfilledWith names the positioning method the relay used (MCELL, SCELL, WIFI).
	FulfilledWith string
}

type Temperature struct {
	EventMeta
	Celsius float64
}

func (*TrueFix) Kind() MessageType     { return MessageTrueFix }
func (*CoarseFix) Kind() MessageType   { return MessageCoarseFix }
func (*Temperature) Kind() MessageType { return MessageTemperature }

func (*TrueFix) isTelemetryEvent()     {}
func (*CoarseFix) isTelemetryEvent()   {}
func (*Temperature) isTelemetryEvent() {}

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// HistoryRecord is one immutable row of per-device history. Telemetry rows
// are unique on (DeviceID, Timestamp); zone transition rows additionally
// carry the ZoneID so that one fix can move a device across several zones.
type HistoryRecord struct {
	DeviceID    string
	Timestamp   time.Time
	MessageType MessageType

	Lat         *float64
	Lon         *float64
	Accuracy    *float64
	Temperature *float64

	FulfilledWith string
	ZoneID        string
	ZoneName      string

	DeviceTimeMs int64
	ReceivedAt   time.Time
	ExpiresAt    time.Time
}

type RecordKey struct {
	DeviceID  string
	Timestamp string
	ZoneID    string
}

func (r HistoryRecord) Key() RecordKey {
	return RecordKey{DeviceID: r.DeviceID, Timestamp: FormatTimestamp(r.Timestamp), ZoneID: r.ZoneID}
}

// RecordFromEvent builds the history row for a telemetry event. Rows expire
// retention after the device clock reading.
func RecordFromEvent(ev TelemetryEvent, retention time.Duration) HistoryRecord {
	meta := ev.Meta()
	rec := HistoryRecord{
		DeviceID:     meta.DeviceID,
		Timestamp:    meta.DeviceTime(),
		MessageType:  ev.Kind(),
		DeviceTimeMs: meta.DeviceTimeMs,
		ReceivedAt:   meta.ReceivedAt,
		ExpiresAt:    meta.DeviceTime().Add(retention),
	}
	switch e := ev.(type) {
	case *TrueFix:
		rec.Lat, rec.Lon = ptr(e.Lat), ptr(e.Lon)
		rec.Accuracy = e.AccuracyMeters
	case *CoarseFix:
		rec.Lat, rec.Lon = ptr(e.Lat), ptr(e.Lon)
		rec.Accuracy = e.AccuracyMeters
		rec.FulfilledWith = e.FulfilledWith
	case *Temperature:
		rec.Temperature = ptr(e.Celsius)
	}
	return rec
}

// RecordFromTransition builds the synthetic zone row. It shares the
// triggering fix's timestamp and position.
func RecordFromTransition(tr Transition, retention time.Duration) HistoryRecord {
	fix := tr.Fix
	return HistoryRecord{
		DeviceID:     tr.DeviceID,
		Timestamp:    fix.DeviceTime(),
		MessageType:  tr.Kind,
		Lat:          ptr(fix.Lat),
		Lon:          ptr(fix.Lon),
		Accuracy:     fix.AccuracyMeters,
		ZoneID:       tr.Zone.ZoneID,
		ZoneName:     tr.Zone.Name,
		DeviceTimeMs: fix.DeviceTimeMs,
		ReceivedAt:   fix.ReceivedAt,
		ExpiresAt:    fix.DeviceTime().Add(retention),
	}
}

func ptr[T any](v T) *T { return &v }
