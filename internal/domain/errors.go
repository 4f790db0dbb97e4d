package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories for a missing device, zone or job.
	ErrNotFound = errors.New("not found")

	// ErrUnknownKind marks an inner relay message whose kind this service
	// does not decode. It is logged and skipped, never surfaced.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Stable machine-readable codes used in API error bodies.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidParameter     = "INVALID_PARAMETER"
	CodeInvalidTimeRange     = "INVALID_TIME_RANGE"
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodeInvalidCoordinate    = "INVALID_COORDINATE"
	CodeInvalidRadius        = "INVALID_RADIUS"
	CodeInvalidZoneName      = "INVALID_ZONE_NAME"
	CodeDeviceNotFound       = "DEVICE_NOT_FOUND"
	CodeZoneNotFound         = "ZONE_NOT_FOUND"
	CodeNoLocationData       = "NO_LOCATION_DATA"
	CodeNoTemperatureData    = "NO_TEMPERATURE_DATA"
	CodeNoFotaJob            = "NO_FOTA_JOB"
	CodeFotaError            = "FOTA_ERROR"
	CodeRouteNotFound        = "ROUTE_NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnavailable          = "SERVICE_UNAVAILABLE"
)

// ValidationError is a boundary rejection with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MalformedEventError rejects a single inner relay event. Sibling events in
// the same envelope are unaffected.
type MalformedEventError struct {
	DeviceID string
	Kind     string
	Reason   string
}

func (e *MalformedEventError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("malformed %s event from %s: %s", e.Kind, e.DeviceID, e.Reason)
}
