// Package store persists device history, latest device state, safe zones
// and FOTA job handles.
package store

import (
	"context"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// Tx is the unit of work for one telemetry event. Everything written
// through a Tx commits or rolls back together.
type Tx interface {
	// InsertHistory is a compare-and-swap on the record key. A record that
	// already exists is left untouched and AlreadyExists is returned.
	InsertHistory(ctx context.Context, rec domain.HistoryRecord) (domain.InsertResult, error)

	// LoadState locks the device's state row for the rest of the
	// transaction, creating an empty state if the device is new.
	LoadState(ctx context.Context, deviceID string) (*domain.DeviceState, error)

	// SaveState writes the telemetry and containment fields of the state.
	// Registration and FOTA fields are not touched.
	SaveState(ctx context.Context, state *domain.DeviceState) error

	Zones(ctx context.Context, deviceID string) ([]domain.SafeZone, error)
}

// HistoryFilter selects history rows in [Start, End], newest first.
// An empty Type matches every message type.
type HistoryFilter struct {
	DeviceID string
	Type     domain.MessageType
	Start    time.Time
	End      time.Time
	Limit    int
}

type Store interface {
	// InTx runs fn in one transaction and commits when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	QueryHistory(ctx context.Context, f HistoryFilter) ([]domain.HistoryRecord, error)

	// GetState returns domain.ErrNotFound for an unknown device.
	GetState(ctx context.Context, deviceID string) (*domain.DeviceState, error)
	ListStates(ctx context.Context) ([]*domain.DeviceState, error)

	ListZones(ctx context.Context, deviceID string) ([]domain.SafeZone, error)
	GetZone(ctx context.Context, deviceID, zoneID string) (domain.SafeZone, error)
	CreateZone(ctx context.Context, z domain.SafeZone) error
	UpdateZone(ctx context.Context, z domain.SafeZone) error
	DeleteZone(ctx context.Context, deviceID, zoneID string) error

	SetLastFota(ctx context.Context, deviceID string, job domain.FotaJob) error

	// SetPushToken registers the app token that zone alerts for the device
	// are addressed to. Returns domain.ErrNotFound for an unknown device.
	SetPushToken(ctx context.Context, deviceID, token string) error

	// EnsureDevice registers a device, recording its firmware version when
	// given. Existing telemetry state is kept.
	EnsureDevice(ctx context.Context, deviceID string, firmwareVersion *string) error

	// PurgeExpired deletes history rows whose expiry is before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}
