package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/config"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

const (
	stateCacheTTL = 24 * time.Hour
	geoKey        = "devices:geo"
	cursorKey     = "relay:poll:cursor"

	// Channel patterns the live feed subscribes to.
	StateChannelPattern = "device:*:state"
	AlertChannelPattern = "device:*:alerts"
)

func StateChannel(deviceID string) string { return fmt.Sprintf("device:%s:state", deviceID) }
func AlertChannel(deviceID string) string { return fmt.Sprintf("device:%s:alerts", deviceID) }

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// StateSnapshot is the cached and published view of one device after a
// committed update.
type StateSnapshot struct {
	DeviceID        string                  `json:"deviceId"`
	Location        *domain.LocationView    `json:"location"`
	LastTemperature *domain.TemperatureView `json:"lastTemperature"`
	InSafeZone      bool                    `json:"inSafeZone"`
	LastSeen        *string                 `json:"lastSeen"`
}

// PipelineStateUpdate caches the snapshot, indexes its position and
// publishes it on the device's state channel in one round trip.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, snap StateSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateData := map[string]any{
		"device_id":    snap.DeviceID,
		"in_safe_zone": snap.InSafeZone,
		"snapshot":     payload,
	}
	if snap.LastSeen != nil {
		stateData["last_seen"] = *snap.LastSeen
	}
	if snap.Location != nil {
		stateData["lat"] = snap.Location.Lat
		stateData["lon"] = snap.Location.Lon
		stateData["source"] = string(snap.Location.Source)
	}
	if snap.LastTemperature != nil {
		stateData["temperature"] = snap.LastTemperature.Value
	}

	stateKey := fmt.Sprintf("device:%s:state", snap.DeviceID)

	pipe := r.client.Pipeline()

	pipe.HSet(ctx, stateKey, stateData)
	pipe.Expire(ctx, stateKey, stateCacheTTL)
	if snap.Location != nil {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      snap.DeviceID,
			Longitude: snap.Location.Lon,
			Latitude:  snap.Location.Lat,
		})
	}
	pipe.Publish(ctx, StateChannel(snap.DeviceID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// CachedSnapshot returns the last published snapshot, or nil when none is
// cached.
func (r *RedisStore) CachedSnapshot(ctx context.Context, deviceID string) (*StateSnapshot, error) {
	raw, err := r.client.HGet(ctx, fmt.Sprintf("device:%s:state", deviceID), "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot failed: %w", err)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("tracker:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// SetAPIKey registers apiKey for owner. The key never expires.
func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, owner string) error {
	return r.client.Set(ctx, fmt.Sprintf("tracker:auth:%s", apiKey), owner, 0).Err()
}

func (r *RedisStore) PublishAlert(ctx context.Context, deviceID string, payload []byte) error {
	return r.client.Publish(ctx, AlertChannel(deviceID), payload).Err()
}

// GetCursor returns the relay poll cursor, or the zero time when none is
// stored yet.
func (r *RedisStore) GetCursor(ctx context.Context) (time.Time, error) {
	val, err := r.client.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get cursor failed: %w", err)
	}
	return domain.ParseTimestamp(val)
}

func (r *RedisStore) SetCursor(ctx context.Context, t time.Time) error {
	return r.client.Set(ctx, cursorKey, domain.FormatTimestamp(t), 0).Err()
}

// Subscribe listens on every device state and alert channel.
func (r *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.PSubscribe(ctx, StateChannelPattern, AlertChannelPattern)
}
