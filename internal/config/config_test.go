package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8001", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.EnvelopeTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, int32(15), cfg.DBMaxConns)
	assert.Equal(t, "log", cfg.PushBackend)
	assert.Empty(t, cfg.APIKeys())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENVELOPE_TIMEOUT", "5s")
	t.Setenv("LANE_COUNT", "4")
	t.Setenv("VALID_API_KEYS", "a, b,,c")
	t.Setenv("PUSH_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TEAM_ID", "team-42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.EnvelopeTimeout)
	assert.Equal(t, 4, cfg.LaneCount)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.APIKeys())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
	assert.Equal(t, "team-42", cfg.TeamID)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown push backend", map[string]string{"PUSH_BACKEND": "sns"}},
		{"kafka without brokers", map[string]string{"PUSH_BACKEND": "kafka"}},
		{"zero lanes", map[string]string{"LANE_COUNT": "0"}},
		{"unknown store", map[string]string{"STORE_BACKEND": "dynamo"}},
		{"redis push without redis", map[string]string{"PUSH_BACKEND": "redis", "REDIS_ADDR": ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyRedisAddrDisablesRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.RedisAddr)
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p@ss", DBHost: "db", DBPort: "5432", DBName: "tracker", DBSSLMode: "disable"}
	assert.Equal(t, "postgres://u:p%40ss@db:5432/tracker?sslmode=disable", cfg.DSN())

	cfg.DatabaseURL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.DSN())
}
