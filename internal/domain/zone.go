package domain

import (
	"time"
	"unicode/utf8"
)

const (
	MinZoneRadiusMeters = 50
	MaxZoneRadiusMeters = 10000
	MaxZoneNameLength   = 50
)

// SafeZone is a named circle attached to one device.
type SafeZone struct {
	DeviceID     string
	ZoneID       string
	Name         string
	Center       LatLon
	RadiusMeters int
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ZonePatch carries the fields a partial update may change.
type ZonePatch struct {
	Name         *string
	Center       *LatLon
	RadiusMeters *int
	Enabled      *bool
}

func (z *SafeZone) Apply(p ZonePatch, now time.Time) {
	if p.Name != nil {
		z.Name = *p.Name
	}
	if p.Center != nil {
		z.Center = *p.Center
	}
	if p.RadiusMeters != nil {
		z.RadiusMeters = *p.RadiusMeters
	}
	if p.Enabled != nil {
		z.Enabled = *p.Enabled
	}
	z.UpdatedAt = now.UTC()
}

func ValidateZoneName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > MaxZoneNameLength {
		return &ValidationError{Code: CodeInvalidZoneName, Message: "Zone name must be 1 to 50 characters"}
	}
	return nil
}

func ValidateCoordinate(p LatLon) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return &ValidationError{Code: CodeInvalidCoordinate, Message: "Latitude must be -90 to 90, longitude -180 to 180"}
	}
	return nil
}

func ValidateRadius(r int) error {
	if r < MinZoneRadiusMeters || r > MaxZoneRadiusMeters {
		return &ValidationError{Code: CodeInvalidRadius, Message: "Radius must be between 50 and 10000 meters"}
	}
	return nil
}

// Validate checks a fully populated zone.
func (z *SafeZone) Validate() error {
	if err := ValidateZoneName(z.Name); err != nil {
		return err
	}
	if err := ValidateCoordinate(z.Center); err != nil {
		return err
	}
	return ValidateRadius(z.RadiusMeters)
}

// Transition is a detected change of containment for one zone.
type Transition struct {
	DeviceID   string
	Zone       SafeZone
	Kind       MessageType
	Fix        TrueFix
	DetectedAt time.Time

	// PushToken is copied from the device state at commit. Empty when no
	// app has registered for alerts.
	PushToken string
}
