package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

var base = time.Date(2025, 2, 3, 10, 30, 0, 0, time.UTC)

func tempRecord(deviceID string, at time.Time, celsius float64) domain.HistoryRecord {
	ev := &domain.Temperature{
		EventMeta: domain.EventMeta{DeviceID: deviceID, DeviceTimeMs: at.UnixMilli(), ReceivedAt: at.Add(time.Second)},
		Celsius:   celsius,
	}
	return domain.RecordFromEvent(ev, 30*24*time.Hour)
}

func insert(t *testing.T, s Store, rec domain.HistoryRecord) domain.InsertResult {
	t.Helper()
	var res domain.InsertResult
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		res, err = tx.InsertHistory(ctx, rec)
		return err
	})
	require.NoError(t, err)
	return res
}

// runStoreContract exercises behavior every Store implementation shares.
// deviceID must not exist yet.
func runStoreContract(t *testing.T, s Store, deviceID string) {
	ctx := context.Background()

	t.Run("insert is idempotent", func(t *testing.T) {
		rec := tempRecord(deviceID, base, 21.5)
		assert.Equal(t, domain.Inserted, insert(t, s, rec))

		dup := rec
		dup.Temperature = ptrTo(99.0)
		assert.Equal(t, domain.AlreadyExists, insert(t, s, dup))

		got, err := s.QueryHistory(ctx, HistoryFilter{DeviceID: deviceID, Start: base.Add(-time.Hour), End: base.Add(time.Hour), Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 21.5, *got[0].Temperature, "first write wins")
	})

	t.Run("transition rows share the fix timestamp", func(t *testing.T) {
		at := base.Add(time.Minute)
		fix := domain.TrueFix{
			EventMeta: domain.EventMeta{DeviceID: deviceID, DeviceTimeMs: at.UnixMilli(), ReceivedAt: at},
			LatLon:    domain.LatLon{Lat: 35.68, Lon: 139.76},
		}
		assert.Equal(t, domain.Inserted, insert(t, s, domain.RecordFromEvent(&fix, time.Hour)))
		for _, zone := range []string{"home", "school"} {
			tr := domain.Transition{DeviceID: deviceID, Zone: domain.SafeZone{ZoneID: zone, Name: zone}, Kind: domain.MessageZoneEnter, Fix: fix}
			assert.Equal(t, domain.Inserted, insert(t, s, domain.RecordFromTransition(tr, time.Hour)))
		}

		got, err := s.QueryHistory(ctx, HistoryFilter{DeviceID: deviceID, Type: domain.MessageZoneEnter, Start: base, End: base.Add(time.Hour), Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "home", got[0].ZoneID)
		assert.Equal(t, "school", got[1].ZoneID)
	})

	t.Run("query orders newest first and limits", func(t *testing.T) {
		for i := 2; i <= 6; i++ {
			insert(t, s, tempRecord(deviceID, base.Add(time.Duration(i)*time.Minute), float64(i)))
		}
		got, err := s.QueryHistory(ctx, HistoryFilter{DeviceID: deviceID, Type: domain.MessageTemperature, Start: base, End: base.Add(time.Hour), Limit: 3})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 6.0, *got[0].Temperature)
		assert.Equal(t, 4.0, *got[2].Temperature)
	})

	t.Run("failed unit of work leaves nothing behind", func(t *testing.T) {
		boom := errors.New("boom")
		rec := tempRecord(deviceID, base.Add(30*time.Minute), 1)
		err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.InsertHistory(ctx, rec); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, domain.Inserted, insert(t, s, rec))
	})

	t.Run("state round trip keeps registration data", func(t *testing.T) {
		version := "v1.2.0"
		require.NoError(t, s.EnsureDevice(ctx, deviceID, &version))

		err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			st, err := tx.LoadState(ctx, deviceID)
			if err != nil {
				return err
			}
			st.ApplyTelemetry(&domain.TrueFix{
				EventMeta: domain.EventMeta{DeviceID: deviceID, DeviceTimeMs: base.UnixMilli(), ReceivedAt: base},
				LatLon:    domain.LatLon{Lat: 35.68, Lon: 139.76},
			})
			st.ZoneContainment["home"] = true
			st.RecomputeInSafeZone()
			return tx.SaveState(ctx, st)
		})
		require.NoError(t, err)

		st, err := s.GetState(ctx, deviceID)
		require.NoError(t, err)
		require.NotNil(t, st.LastTrueFix)
		assert.Equal(t, 35.68, st.LastTrueFix.Lat)
		assert.True(t, st.InSafeZone)
		assert.Equal(t, map[string]bool{"home": true}, st.ZoneContainment)
		require.NotNil(t, st.FirmwareVersion)
		assert.Equal(t, "v1.2.0", *st.FirmwareVersion)
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := s.GetState(ctx, deviceID+"-missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("zone crud", func(t *testing.T) {
		z := domain.SafeZone{
			DeviceID: deviceID, ZoneID: "zone-1", Name: "Home",
			Center: domain.LatLon{Lat: 35.681236, Lon: 139.767125}, RadiusMeters: 200, Enabled: true,
			CreatedAt: base, UpdatedAt: base,
		}
		require.NoError(t, s.CreateZone(ctx, z))

		z.Enabled = false
		z.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.UpdateZone(ctx, z))

		got, err := s.GetZone(ctx, deviceID, "zone-1")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, base.Add(time.Hour), got.UpdatedAt)

		zones, err := s.ListZones(ctx, deviceID)
		require.NoError(t, err)
		assert.Len(t, zones, 1)

		require.NoError(t, s.DeleteZone(ctx, deviceID, "zone-1"))
		assert.ErrorIs(t, s.DeleteZone(ctx, deviceID, "zone-1"), domain.ErrNotFound)
		_, err = s.GetZone(ctx, deviceID, "zone-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("fota job", func(t *testing.T) {
		job := domain.FotaJob{JobID: "job-1", FirmwareID: "fw-2", Status: domain.FotaQueued}
		require.NoError(t, s.SetLastFota(ctx, deviceID, job))

		st, err := s.GetState(ctx, deviceID)
		require.NoError(t, err)
		require.NotNil(t, st.LastFota)
		assert.Equal(t, "job-1", st.LastFota.JobID)
		assert.ErrorIs(t, s.SetLastFota(ctx, deviceID+"-missing", job), domain.ErrNotFound)
	})

	t.Run("push token survives telemetry commits", func(t *testing.T) {
		require.NoError(t, s.SetPushToken(ctx, deviceID, "apns-token-1"))
		require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			st, err := tx.LoadState(ctx, deviceID)
			if err != nil {
				return err
			}
			seen := base.Add(10 * time.Minute)
			st.LastSeen = &seen
			return tx.SaveState(ctx, st)
		}))

		st, err := s.GetState(ctx, deviceID)
		require.NoError(t, err)
		require.NotNil(t, st.PushToken)
		assert.Equal(t, "apns-token-1", *st.PushToken)
		assert.ErrorIs(t, s.SetPushToken(ctx, deviceID+"-missing", "t"), domain.ErrNotFound)
	})

	t.Run("purge expired", func(t *testing.T) {
		n, err := s.PurgeExpired(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 3, n, "the fix and both transitions expire after one hour")
	})
}

func ptrTo[T any](v T) *T { return &v }

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), "nrf-memory")
}

func TestMemoryStore_CreateZoneUnknownDevice(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateZone(context.Background(), domain.SafeZone{DeviceID: "ghost", ZoneID: "z"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_CommitStampsUpdatedAt(t *testing.T) {
	s := NewMemoryStore()
	s.now = func() time.Time { return base.Add(time.Hour) }
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		st, err := tx.LoadState(ctx, "nrf-stamp")
		if err != nil {
			return err
		}
		st.InSafeZone = true
		return tx.SaveState(ctx, st)
	})
	require.NoError(t, err)

	st, err := s.GetState(ctx, "nrf-stamp")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), st.UpdatedAt)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LoadState(ctx, "nrf-stamp")
		return err
	})
	require.NoError(t, err)
	st, err = s.GetState(ctx, "nrf-stamp")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), st.UpdatedAt, "a read-only unit of work does not touch the row")
}
