package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)

func trueFix(device string, at time.Time, lat, lon float64) *TrueFix {
	return &TrueFix{
		EventMeta: EventMeta{DeviceID: device, DeviceTimeMs: at.UnixMilli(), ReceivedAt: at.Add(2 * time.Second)},
		LatLon:    LatLon{Lat: lat, Lon: lon},
	}
}

func TestApplyTelemetry_TrueFixRecency(t *testing.T) {
	s := NewDeviceState("nrf-1")

	newer := trueFix("nrf-1", base.Add(time.Minute), 35.0, 139.0)
	older := trueFix("nrf-1", base, 36.0, 140.0)

	require.True(t, s.ApplyTelemetry(newer))
	assert.False(t, s.ApplyTelemetry(older), "older fix must not advance state")

	require.NotNil(t, s.LastTrueFix)
	assert.Equal(t, 35.0, s.LastTrueFix.Lat)
	assert.Equal(t, base.Add(time.Minute), s.LastTrueFix.Timestamp)
	assert.Equal(t, MessageTrueFix, s.LastTrueFix.Source)
}

func TestApplyTelemetry_EqualTimestampAccepted(t *testing.T) {
	s := NewDeviceState("nrf-1")
	require.True(t, s.ApplyTelemetry(trueFix("nrf-1", base, 1, 1)))
	assert.True(t, s.ApplyTelemetry(trueFix("nrf-1", base, 2, 2)))
	assert.Equal(t, 2.0, s.LastTrueFix.Lat)
}

func TestApplyTelemetry_KindsAreIndependent(t *testing.T) {
	s := NewDeviceState("nrf-1")
	require.True(t, s.ApplyTelemetry(trueFix("nrf-1", base.Add(time.Hour), 1, 1)))

	coarse := &CoarseFix{
		EventMeta:     EventMeta{DeviceID: "nrf-1", DeviceTimeMs: base.UnixMilli(), ReceivedAt: base},
		LatLon:        LatLon{Lat: 3, Lon: 4},
		FulfilledWith: "MCELL",
	}
	temp := &Temperature{
		EventMeta: EventMeta{DeviceID: "nrf-1", DeviceTimeMs: base.UnixMilli(), ReceivedAt: base},
		Celsius:   23.5,
	}

	assert.True(t, s.ApplyTelemetry(coarse), "an old coarse fix is still the newest coarse fix")
	assert.True(t, s.ApplyTelemetry(temp))
	assert.Equal(t, "MCELL", s.LastCoarseFix.FulfilledWith)
	assert.Equal(t, 23.5, s.LastTemperature.Celsius)
	assert.Equal(t, 1.0, s.LastTrueFix.Lat)
}

func TestApplyTelemetry_LastSeenNeverRegresses(t *testing.T) {
	s := NewDeviceState("nrf-1")
	late := trueFix("nrf-1", base, 1, 1)
	late.ReceivedAt = base.Add(10 * time.Minute)
	early := trueFix("nrf-1", base.Add(time.Minute), 1, 1)
	early.ReceivedAt = base.Add(5 * time.Minute)

	s.ApplyTelemetry(late)
	s.ApplyTelemetry(early)

	require.NotNil(t, s.LastSeen)
	assert.Equal(t, base.Add(10*time.Minute), *s.LastSeen)
}

func TestRecomputeInSafeZone(t *testing.T) {
	s := NewDeviceState("nrf-1")
	s.RecomputeInSafeZone()
	assert.False(t, s.InSafeZone)

	s.ZoneContainment["a"] = false
	s.ZoneContainment["b"] = true
	s.RecomputeInSafeZone()
	assert.True(t, s.InSafeZone)
}

func TestClone_DoesNotAlias(t *testing.T) {
	s := NewDeviceState("nrf-1")
	s.ApplyTelemetry(trueFix("nrf-1", base, 1, 1))
	s.ZoneContainment["a"] = true

	c := s.Clone()
	c.ZoneContainment["a"] = false
	c.LastTrueFix.Lat = 9

	assert.True(t, s.ZoneContainment["a"])
	assert.Equal(t, 1.0, s.LastTrueFix.Lat)
}

func TestRecordFromEvent_Shape(t *testing.T) {
	temp := &Temperature{
		EventMeta: EventMeta{DeviceID: "nrf-1", DeviceTimeMs: 1738578600123, ReceivedAt: base},
		Celsius:   21,
	}
	rec := RecordFromEvent(temp, 30*24*time.Hour)

	assert.Equal(t, MessageTemperature, rec.MessageType)
	assert.Nil(t, rec.Lat)
	assert.Nil(t, rec.Lon)
	require.NotNil(t, rec.Temperature)
	assert.Equal(t, "2025-02-03T10:30:00.123Z", rec.Key().Timestamp)
	assert.Equal(t, rec.Timestamp.Add(30*24*time.Hour), rec.ExpiresAt)
}

func TestParseTimestamp(t *testing.T) {
	for _, in := range []string{"2026-02-03T10:30:00.000Z", "2026-02-03T10:30:00Z", "2026-02-03T19:30:00+09:00"} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.Equal(t, base, got, in)
	}
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}
