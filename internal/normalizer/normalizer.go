// Package normalizer turns raw relay envelopes into typed telemetry events.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

const (
	TypeVerification   = "system.verification"
	TypeDeviceMessages = "device.messages"
)

// Relay application ids.
const (
	AppGNSS        = "GNSS"
	AppGroundFix   = "GROUND_FIX"
	AppTemperature = "TEMP"
)

// ErrInvalidEnvelope is returned when the envelope itself cannot be parsed.
// Nothing in such an envelope is processed.
var ErrInvalidEnvelope = errors.New("invalid relay envelope")

// ControlAck marks an envelope that is answered without touching storage.
type ControlAck struct {
	Type string
}

// Result is the outcome of normalizing one envelope. Events keep envelope
// order.
type Result struct {
	Control  *ControlAck
	Events   []domain.TelemetryEvent
	Rejected []*domain.MalformedEventError
	// Skipped counts inner messages of unknown kind and location requests.
	Skipped int
	// UnknownType is set when the envelope type itself is not recognized.
	UnknownType string
}

// Envelope is the relay's top-level payload.
type Envelope struct {
	Type     string         `json:"type"`
	Messages []RelayMessage `json:"messages"`
}

// RelayMessage is one device message as delivered by the relay, either
// pushed inside an Envelope or returned by the relay's message API.
type RelayMessage struct {
	DeviceID   string          `json:"deviceId"`
	ReceivedAt string          `json:"receivedAt"`
	Message    json.RawMessage `json:"message"`
}

type innerMessage struct {
	AppID string          `json:"appId"`
	TS    json.Number     `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type decodeFunc func(meta domain.EventMeta, data json.RawMessage) (domain.TelemetryEvent, error)

// errSkip marks a recognized message that carries no reading.
var errSkip = errors.New("skip")

type Normalizer struct {
	logger   *slog.Logger
	now      func() time.Time
	decoders map[string]decodeFunc
}

func New(logger *slog.Logger, now func() time.Time) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		logger: logger,
		now:    now,
		decoders: map[string]decodeFunc{
			AppGNSS:        decodeGNSS,
			AppGroundFix:   decodeGroundFix,
			AppTemperature: decodeTemperature,
		},
	}
}

// Normalize parses one envelope body. It returns ErrInvalidEnvelope when the
// body is not a relay envelope; per-message problems land in the Result.
func (n *Normalizer) Normalize(body []byte) (*Result, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Type {
	case TypeVerification:
		return &Result{Control: &ControlAck{Type: env.Type}}, nil
	case TypeDeviceMessages:
		return n.Messages(env.Messages), nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	default:
		n.logger.Info("skipping envelope of unknown type", "type", env.Type)
		return &Result{UnknownType: env.Type}, nil
	}
}

// Messages normalizes relay messages one by one. A bad message never
// affects its siblings.
func (n *Normalizer) Messages(msgs []RelayMessage) *Result {
	res := &Result{}
	for _, m := range msgs {
		ev, err := n.message(m)
		var malformed *domain.MalformedEventError
		switch {
		case err == nil:
			res.Events = append(res.Events, ev)
		case errors.Is(err, errSkip):
			res.Skipped++
		case errors.Is(err, domain.ErrUnknownKind):
			n.logger.Info("skipping unsupported message", "device_id", m.DeviceID, "error", err)
			res.Skipped++
		case errors.As(err, &malformed):
			n.logger.Warn("rejecting malformed message", "device_id", m.DeviceID, "kind", malformed.Kind, "reason", malformed.Reason)
			res.Rejected = append(res.Rejected, malformed)
		}
	}
	return res
}

func (n *Normalizer) message(m RelayMessage) (domain.TelemetryEvent, error) {
	var inner innerMessage
	dec := json.NewDecoder(bytes.NewReader(m.Message))
	dec.UseNumber()
	if len(m.Message) == 0 || dec.Decode(&inner) != nil {
		return nil, &domain.MalformedEventError{DeviceID: m.DeviceID, Kind: "unknown", Reason: "message is not an object"}
	}

	decode, ok := n.decoders[inner.AppID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inner.AppID)
	}
	if m.DeviceID == "" {
		return nil, &domain.MalformedEventError{Kind: inner.AppID, Reason: "missing deviceId"}
	}

	receivedAt, err := domain.ParseTimestamp(m.ReceivedAt)
	if err != nil {
		receivedAt = n.now().UTC()
	}

	deviceMs, err := deviceTime(inner.TS, receivedAt)
	if err != nil {
		return nil, &domain.MalformedEventError{DeviceID: m.DeviceID, Kind: inner.AppID, Reason: err.Error()}
	}

	meta := domain.EventMeta{DeviceID: m.DeviceID, DeviceTimeMs: deviceMs, ReceivedAt: receivedAt}
	ev, err := decode(meta, inner.Data)
	if err != nil {
		if errors.Is(err, errSkip) {
			return nil, err
		}
		return nil, &domain.MalformedEventError{DeviceID: m.DeviceID, Kind: inner.AppID, Reason: err.Error()}
	}
	return ev, nil
}

// maxDeviceTimeMs is 9999-12-31T23:59:59.999Z, the last instant the
// timestamp layout can represent.
const maxDeviceTimeMs = 253402300799999

// deviceTime reads the device epoch-ms clock. An absent clock falls back to
// the relay receipt time.
func deviceTime(ts json.Number, receivedAt time.Time) (int64, error) {
	if ts == "" {
		return receivedAt.UnixMilli(), nil
	}
	ms, err := ts.Int64()
	if err != nil {
		f, ferr := ts.Float64()
		if ferr != nil {
			return 0, fmt.Errorf("ts %q is not a number", ts)
		}
		if f != math.Trunc(f) || f > maxDeviceTimeMs {
			return 0, fmt.Errorf("ts %s is not an epoch in milliseconds", ts)
		}
		ms = int64(f)
	}
	if ms <= 0 || ms > maxDeviceTimeMs {
		return 0, fmt.Errorf("ts %d is not a positive epoch before year 10000", ms)
	}
	return ms, nil
}

type gnssData struct {
	PVT *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
		Acc *float64 `json:"acc"`
	} `json:"pvt"`
}

func decodeGNSS(meta domain.EventMeta, raw json.RawMessage) (domain.TelemetryEvent, error) {
	var d gnssData
	if err := json.Unmarshal(raw, &d); err != nil || d.PVT == nil {
		return nil, errors.New("missing pvt")
	}
	p, err := position(d.PVT.Lat, d.PVT.Lon)
	if err != nil {
		return nil, err
	}
	return &domain.TrueFix{EventMeta: meta, LatLon: p, AccuracyMeters: d.PVT.Acc}, nil
}

type groundFixData struct {
	Lat           *float64        `json:"lat"`
	Lon           *float64        `json:"lon"`
	Uncertainty   *float64        `json:"uncertainty"`
	FulfilledWith string          `json:"fulfilledWith"`
	LTE           json.RawMessage `json:"lte"`
}

func decodeGroundFix(meta domain.EventMeta, raw json.RawMessage) (domain.TelemetryEvent, error) {
	var d groundFixData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.New("data is not an object")
	}
	// A device asking the relay to locate it sends its cell list, not a fix.
	if len(d.LTE) > 0 {
		return nil, errSkip
	}
	p, err := position(d.Lat, d.Lon)
	if err != nil {
		return nil, err
	}
	return &domain.CoarseFix{EventMeta: meta, LatLon: p, AccuracyMeters: d.Uncertainty, FulfilledWith: d.FulfilledWith}, nil
}

func decodeTemperature(meta domain.EventMeta, raw json.RawMessage) (domain.TelemetryEvent, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if len(raw) == 0 || dec.Decode(&v) != nil {
		return nil, errors.New("missing temperature")
	}

	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	default:
		return nil, errors.New("temperature is not numeric")
	}
	c, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(c) || math.IsInf(c, 0) {
		return nil, fmt.Errorf("temperature %q is not a finite number", s)
	}
	return &domain.Temperature{EventMeta: meta, Celsius: c}, nil
}

func position(lat, lon *float64) (domain.LatLon, error) {
	if lat == nil || lon == nil {
		return domain.LatLon{}, errors.New("missing lat/lon")
	}
	p := domain.LatLon{Lat: *lat, Lon: *lon}
	if p.Lat < -90 || p.Lat > 90 {
		return domain.LatLon{}, fmt.Errorf("lat %v out of range", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return domain.LatLon{}, fmt.Errorf("lon %v out of range", p.Lon)
	}
	return p, nil
}
