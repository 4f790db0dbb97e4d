package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client)
}

func TestRedisStore_APIKey(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	owner, err := r.GetAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, r.SetAPIKey(ctx, key, "family-1"))
	t.Cleanup(func() { r.Client().Del(ctx, "tracker:auth:"+key) })

	owner, err = r.GetAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "family-1", owner)
}

func TestRedisStore_StateUpdatePublishes(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	deviceID := "nrf-" + uuid.NewString()

	sub := r.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	seen := time.Date(2025, 2, 3, 10, 30, 0, 0, time.UTC)
	snap := StateSnapshot{
		DeviceID:   deviceID,
		Location:   domain.NewLocationView(domain.Fix{Lat: 35.68, Lon: 139.76, Timestamp: seen, Source: domain.MessageTrueFix}),
		InSafeZone: true,
		LastSeen:   domain.TimestampPtr(&seen),
	}
	require.NoError(t, r.PipelineStateUpdate(ctx, snap))
	t.Cleanup(func() {
		r.Client().Del(ctx, "device:"+deviceID+":state")
		r.Client().ZRem(ctx, geoKey, deviceID)
	})

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, StateChannel(deviceID), msg.Channel)
		assert.Contains(t, msg.Payload, `"inSafeZone":true`)
		assert.Contains(t, msg.Payload, `"lastSeen":"2025-02-03T10:30:00.000Z"`)
		assert.Contains(t, msg.Payload, `"lastTemperature":null`)
	case <-time.After(2 * time.Second):
		t.Fatal("no state message published")
	}

	cached, err := r.CachedSnapshot(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 35.68, cached.Location.Lat)
}

func TestRedisStore_Cursor(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	t.Cleanup(func() { r.Client().Del(ctx, cursorKey) })

	at := time.Date(2025, 2, 3, 10, 30, 0, 123_000_000, time.UTC)
	require.NoError(t, r.SetCursor(ctx, at))

	got, err := r.GetCursor(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
}
