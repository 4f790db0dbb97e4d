package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/config"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// txAttempts bounds the in-process retry of a unit of work that lost a
// serialization race or a deadlock.
const txAttempts = 2

type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid db dsn: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *TimescaleStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{tx: tx})
		})
		if !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertHistory(ctx context.Context, rec domain.HistoryRecord) (domain.InsertResult, error) {
	query := `
		INSERT INTO device_history
			(device_id, ts, zone_id, message_type, lat, lon, accuracy, temperature,
			 fulfilled_with, zone_name, device_ts, received_at, expires_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
		ON CONFLICT (device_id, ts, zone_id) DO NOTHING
	`
	tag, err := t.tx.Exec(ctx, query,
		rec.DeviceID,
		rec.Timestamp,
		rec.ZoneID,
		string(rec.MessageType),
		rec.Lat,
		rec.Lon,
		rec.Accuracy,
		rec.Temperature,
		rec.FulfilledWith,
		rec.ZoneName,
		rec.DeviceTimeMs,
		rec.ReceivedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert history for %s: %w", rec.DeviceID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AlreadyExists, nil
	}
	return domain.Inserted, nil
}

const stateColumns = `device_id, last_true_fix, last_coarse_fix, last_temperature,
	in_safe_zone, zone_containment, last_seen, firmware_version,
	firmware_last_updated, last_fota, push_token, updated_at`

func (t *pgTx) LoadState(ctx context.Context, deviceID string) (*domain.DeviceState, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO device_state (device_id) VALUES ($1) ON CONFLICT (device_id) DO NOTHING`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("create state for %s: %w", deviceID, err)
	}

	row := t.tx.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM device_state WHERE device_id = $1 FOR UPDATE`,
		deviceID,
	)
	st, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("lock state for %s: %w", deviceID, err)
	}
	return st, nil
}

func (t *pgTx) SaveState(ctx context.Context, st *domain.DeviceState) error {
	trueFix, err := marshalNullable(st.LastTrueFix)
	if err != nil {
		return err
	}
	coarseFix, err := marshalNullable(st.LastCoarseFix)
	if err != nil {
		return err
	}
	temp, err := marshalNullable(st.LastTemperature)
	if err != nil {
		return err
	}
	containment, err := json.Marshal(st.ZoneContainment)
	if err != nil {
		return fmt.Errorf("marshal containment: %w", err)
	}

	query := `
		UPDATE device_state SET
			last_true_fix    = $2,
			last_coarse_fix  = $3,
			last_temperature = $4,
			in_safe_zone     = $5,
			zone_containment = $6,
			last_seen        = $7,
			updated_at       = NOW()
		WHERE device_id = $1
	`
	_, err = t.tx.Exec(ctx, query,
		st.DeviceID, trueFix, coarseFix, temp, st.InSafeZone, containment, st.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", st.DeviceID, err)
	}
	return nil
}

func (t *pgTx) Zones(ctx context.Context, deviceID string) ([]domain.SafeZone, error) {
	return listZones(ctx, t.tx, deviceID)
}

func (s *TimescaleStore) QueryHistory(ctx context.Context, f HistoryFilter) ([]domain.HistoryRecord, error) {
	query := `
		SELECT device_id, ts, zone_id, message_type, lat, lon, accuracy, temperature,
		       COALESCE(fulfilled_with, ''), COALESCE(zone_name, ''),
		       device_ts, received_at, expires_at
		FROM device_history
		WHERE device_id = $1
		  AND ts BETWEEN $2 AND $3
		  AND ($4 = '' OR message_type = $4)
		ORDER BY ts DESC, zone_id
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, query, f.DeviceID, f.Start, f.End, string(f.Type), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", f.DeviceID, err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HistoryRecord, error) {
		var rec domain.HistoryRecord
		var msgType string
		err := row.Scan(
			&rec.DeviceID, &rec.Timestamp, &rec.ZoneID, &msgType,
			&rec.Lat, &rec.Lon, &rec.Accuracy, &rec.Temperature,
			&rec.FulfilledWith, &rec.ZoneName,
			&rec.DeviceTimeMs, &rec.ReceivedAt, &rec.ExpiresAt,
		)
		rec.MessageType = domain.MessageType(msgType)
		rec.Timestamp = rec.Timestamp.UTC()
		return rec, err
	})
}

func (s *TimescaleStore) GetState(ctx context.Context, deviceID string) (*domain.DeviceState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM device_state WHERE device_id = $1`, deviceID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get state for %s: %w", deviceID, err)
	}
	return st, nil
}

func (s *TimescaleStore) ListStates(ctx context.Context) ([]*domain.DeviceState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateColumns+` FROM device_state ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.DeviceState, error) {
		return scanState(row)
	})
}

func scanState(row pgx.Row) (*domain.DeviceState, error) {
	var (
		st                          domain.DeviceState
		trueFix, coarseFix, temp    []byte
		containment, lastFota       []byte
		lastSeen, firmwareUpdatedAt *time.Time
	)
	err := row.Scan(
		&st.DeviceID, &trueFix, &coarseFix, &temp,
		&st.InSafeZone, &containment, &lastSeen, &st.FirmwareVersion,
		&firmwareUpdatedAt, &lastFota, &st.PushToken, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalNullable(trueFix, &st.LastTrueFix); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(coarseFix, &st.LastCoarseFix); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(temp, &st.LastTemperature); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(lastFota, &st.LastFota); err != nil {
		return nil, err
	}
	st.ZoneContainment = make(map[string]bool)
	if len(containment) > 0 {
		if err := json.Unmarshal(containment, &st.ZoneContainment); err != nil {
			return nil, fmt.Errorf("decode containment: %w", err)
		}
	}
	st.LastSeen = utcPtr(lastSeen)
	st.FirmwareLastUpdated = utcPtr(firmwareUpdatedAt)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const zoneColumns = `device_id, zone_id, name, center_lat, center_lon, radius_meters, enabled, created_at, updated_at`

func listZones(ctx context.Context, q querier, deviceID string) ([]domain.SafeZone, error) {
	rows, err := q.Query(ctx,
		`SELECT `+zoneColumns+` FROM safe_zones WHERE device_id = $1 ORDER BY created_at, zone_id`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list zones for %s: %w", deviceID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SafeZone, error) {
		return scanZone(row)
	})
}

func scanZone(row pgx.Row) (domain.SafeZone, error) {
	var z domain.SafeZone
	err := row.Scan(
		&z.DeviceID, &z.ZoneID, &z.Name, &z.Center.Lat, &z.Center.Lon,
		&z.RadiusMeters, &z.Enabled, &z.CreatedAt, &z.UpdatedAt,
	)
	z.CreatedAt = z.CreatedAt.UTC()
	z.UpdatedAt = z.UpdatedAt.UTC()
	return z, err
}

func (s *TimescaleStore) ListZones(ctx context.Context, deviceID string) ([]domain.SafeZone, error) {
	return listZones(ctx, s.pool, deviceID)
}

func (s *TimescaleStore) GetZone(ctx context.Context, deviceID, zoneID string) (domain.SafeZone, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+zoneColumns+` FROM safe_zones WHERE device_id = $1 AND zone_id = $2`,
		deviceID, zoneID,
	)
	z, err := scanZone(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SafeZone{}, fmt.Errorf("zone %s/%s: %w", deviceID, zoneID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SafeZone{}, fmt.Errorf("get zone %s/%s: %w", deviceID, zoneID, err)
	}
	return z, nil
}

func (s *TimescaleStore) CreateZone(ctx context.Context, z domain.SafeZone) error {
	query := `
		INSERT INTO safe_zones
			(device_id, zone_id, name, center_lat, center_lon, radius_meters, enabled, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		z.DeviceID, z.ZoneID, z.Name, z.Center.Lat, z.Center.Lon,
		z.RadiusMeters, z.Enabled, z.CreatedAt, z.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("device %s: %w", z.DeviceID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create zone %s/%s: %w", z.DeviceID, z.ZoneID, err)
	}
	return nil
}

func (s *TimescaleStore) UpdateZone(ctx context.Context, z domain.SafeZone) error {
	query := `
		UPDATE safe_zones SET
			name = $3, center_lat = $4, center_lon = $5,
			radius_meters = $6, enabled = $7, updated_at = $8
		WHERE device_id = $1 AND zone_id = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		z.DeviceID, z.ZoneID, z.Name, z.Center.Lat, z.Center.Lon,
		z.RadiusMeters, z.Enabled, z.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update zone %s/%s: %w", z.DeviceID, z.ZoneID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("zone %s/%s: %w", z.DeviceID, z.ZoneID, domain.ErrNotFound)
	}
	return nil
}

func (s *TimescaleStore) DeleteZone(ctx context.Context, deviceID, zoneID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM safe_zones WHERE device_id = $1 AND zone_id = $2`,
		deviceID, zoneID,
	)
	if err != nil {
		return fmt.Errorf("delete zone %s/%s: %w", deviceID, zoneID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("zone %s/%s: %w", deviceID, zoneID, domain.ErrNotFound)
	}
	return nil
}

func (s *TimescaleStore) SetLastFota(ctx context.Context, deviceID string, job domain.FotaJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal fota job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_state SET last_fota = $2 WHERE device_id = $1`,
		deviceID, payload,
	)
	if err != nil {
		return fmt.Errorf("set fota job for %s: %w", deviceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	return nil
}

func (s *TimescaleStore) SetPushToken(ctx context.Context, deviceID, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_state SET push_token = $2 WHERE device_id = $1`,
		deviceID, token,
	)
	if err != nil {
		return fmt.Errorf("set push token for %s: %w", deviceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, domain.ErrNotFound)
	}
	return nil
}

func (s *TimescaleStore) EnsureDevice(ctx context.Context, deviceID string, firmwareVersion *string) error {
	query := `
		INSERT INTO device_state (device_id, firmware_version, firmware_last_updated)
		VALUES ($1, $2, CASE WHEN $2::text IS NULL THEN NULL ELSE NOW() END)
		ON CONFLICT (device_id) DO UPDATE SET
			firmware_version      = COALESCE(EXCLUDED.firmware_version, device_state.firmware_version),
			firmware_last_updated = COALESCE(EXCLUDED.firmware_last_updated, device_state.firmware_last_updated)
	`
	if _, err := s.pool.Exec(ctx, query, deviceID, firmwareVersion); err != nil {
		return fmt.Errorf("ensure device %s: %w", deviceID, err)
	}
	return nil
}

func (s *TimescaleStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM device_history WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state field: %w", err)
	}
	return b, nil
}

func unmarshalNullable[T any](b []byte, dst **T) error {
	if len(b) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decode state field: %w", err)
	}
	*dst = &v
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
