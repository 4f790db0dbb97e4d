package domain

import (
	"maps"
	"time"
)

// Fix is the stored form of the latest true or coarse position.
type Fix struct {
	Lat           float64     `json:"lat"`
	Lon           float64     `json:"lon"`
	Accuracy      *float64    `json:"accuracy"`
	Timestamp     time.Time   `json:"timestamp"`
	Source        MessageType `json:"source"`
	FulfilledWith string      `json:"fulfilledWith"`
}

func (f Fix) Position() LatLon { return LatLon{Lat: f.Lat, Lon: f.Lon} }

type TemperatureReading struct {
	Celsius   float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceState is the latest known state of one device. The ingestion
// pipeline is its only writer.
type DeviceState struct {
	DeviceID string

	LastTrueFix     *Fix
	LastCoarseFix   *Fix
	LastTemperature *TemperatureReading

	InSafeZone      bool
	ZoneContainment map[string]bool

	LastSeen *time.Time

	// Registration data; written by provisioning, read-only here.
	FirmwareVersion     *string
	FirmwareLastUpdated *time.Time
	LastFota            *FotaJob

	// PushToken addresses the parent app that receives zone alerts.
	PushToken *string

	UpdatedAt time.Time
}

func NewDeviceState(deviceID string) *DeviceState {
	return &DeviceState{
		DeviceID:        deviceID,
		ZoneContainment: make(map[string]bool),
	}
}

// Clone returns a deep copy so a staged state never aliases a committed one.
func (s *DeviceState) Clone() *DeviceState {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastTrueFix != nil {
		f := *s.LastTrueFix
		c.LastTrueFix = &f
	}
	if s.LastCoarseFix != nil {
		f := *s.LastCoarseFix
		c.LastCoarseFix = &f
	}
	if s.LastTemperature != nil {
		t := *s.LastTemperature
		c.LastTemperature = &t
	}
	if s.LastSeen != nil {
		t := *s.LastSeen
		c.LastSeen = &t
	}
	if s.LastFota != nil {
		j := *s.LastFota
		c.LastFota = &j
	}
	c.ZoneContainment = maps.Clone(s.ZoneContainment)
	if c.ZoneContainment == nil {
		c.ZoneContainment = make(map[string]bool)
	}
	return &c
}

// ApplyTelemetry folds ev into the state. It reports whether the per-kind
// latest reading advanced; an event older than the stored reading of the
// same kind leaves it untouched. LastSeen always moves to the later of the
// stored and the new receipt time.
func (s *DeviceState) ApplyTelemetry(ev TelemetryEvent) bool {
	meta := ev.Meta()
	ts := meta.DeviceTime()

	if s.LastSeen == nil || meta.ReceivedAt.After(*s.LastSeen) {
		seen := meta.ReceivedAt.UTC()
		s.LastSeen = &seen
	}

	switch e := ev.(type) {
	case *TrueFix:
		if s.LastTrueFix != nil && ts.Before(s.LastTrueFix.Timestamp) {
			return false
		}
		s.LastTrueFix = &Fix{
			Lat: e.Lat, Lon: e.Lon, Accuracy: e.AccuracyMeters,
			Timestamp: ts, Source: MessageTrueFix,
		}
	case *CoarseFix:
		if s.LastCoarseFix != nil && ts.Before(s.LastCoarseFix.Timestamp) {
			return false
		}
		s.LastCoarseFix = &Fix{
			Lat: e.Lat, Lon: e.Lon, Accuracy: e.AccuracyMeters,
			Timestamp: ts, Source: MessageCoarseFix, FulfilledWith: e.FulfilledWith,
		}
	case *Temperature:
		if s.LastTemperature != nil && ts.Before(s.LastTemperature.Timestamp) {
			return false
		}
		s.LastTemperature = &TemperatureReading{Celsius: e.Celsius, Timestamp: ts}
	default:
		return false
	}
	return true
}

// RecomputeInSafeZone sets the aggregate flag to the OR of every stored
// per-zone flag.
func (s *DeviceState) RecomputeInSafeZone() {
	s.InSafeZone = false
	for _, inside := range s.ZoneContainment {
		if inside {
			s.InSafeZone = true
			return
		}
	}
}
