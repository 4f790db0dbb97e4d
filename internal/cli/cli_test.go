package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type mapKeys map[string]string

func (m mapKeys) SetAPIKey(_ context.Context, key, owner string) error {
	m[key] = owner
	return nil
}

const fixturesYAML = `
apiKeys:
  - key: parent-app-key
    owner: parent-app
devices:
  - deviceId: nrf-352656100123456
    firmwareVersion: "1.2.0"
    pushToken: apns-token-1
    safezones:
      - zoneId: home
        name: Home
        lat: 35.6812
        lon: 139.7671
        radius: 200
      - name: School
        lat: 35.6895
        lon: 139.6917
        radius: 150
        enabled: false
  - deviceId: nrf-352656100654321
`

func writeFixtures(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestApplyFixtures(t *testing.T) {
	ctx := context.Background()
	fx, err := loadFixtures(writeFixtures(t, fixturesYAML))
	require.NoError(t, err)

	s := store.NewMemoryStore()
	keys := mapKeys{}
	report, err := applyFixtures(ctx, fx, s, keys, func() time.Time { return t0 })
	require.NoError(t, err)
	assert.Equal(t, seedReport{Keys: 1, Devices: 2, Zones: 2}, report)
	assert.Equal(t, "parent-app", keys["parent-app-key"])

	st, err := s.GetState(ctx, "nrf-352656100123456")
	require.NoError(t, err)
	require.NotNil(t, st.FirmwareVersion)
	assert.Equal(t, "1.2.0", *st.FirmwareVersion)
	require.NotNil(t, st.PushToken)
	assert.Equal(t, "apns-token-1", *st.PushToken)

	zones, err := s.ListZones(ctx, "nrf-352656100123456")
	require.NoError(t, err)
	require.Len(t, zones, 2)
	home, err := s.GetZone(ctx, "nrf-352656100123456", "home")
	require.NoError(t, err)
	assert.True(t, home.Enabled)
	assert.Equal(t, 200, home.RadiusMeters)

	_, err = s.GetState(ctx, "nrf-352656100654321")
	assert.NoError(t, err)
}

func TestApplyFixtures_RepeatUpdatesNamedZones(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	fx, err := loadFixtures(writeFixtures(t, fixturesYAML))
	require.NoError(t, err)

	_, err = applyFixtures(ctx, fx, s, mapKeys{}, func() time.Time { return t0 })
	require.NoError(t, err)

	fx.Devices[0].SafeZones[0].Radius = 300
	_, err = applyFixtures(ctx, fx, s, mapKeys{}, func() time.Time { return t0.Add(time.Hour) })
	require.NoError(t, err)

	home, err := s.GetZone(ctx, "nrf-352656100123456", "home")
	require.NoError(t, err)
	assert.Equal(t, 300, home.RadiusMeters)
	assert.Equal(t, t0, home.CreatedAt, "creation time survives a reseed")
	assert.Equal(t, t0.Add(time.Hour), home.UpdatedAt)
}

func TestApplyFixtures_Rejects(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		fx   Fixtures
		keys KeySetter
	}{
		{"api keys without redis", Fixtures{APIKeys: []APIKeyFixture{{Key: "k", Owner: "o"}}}, nil},
		{"api key without owner", Fixtures{APIKeys: []APIKeyFixture{{Key: "k"}}}, mapKeys{}},
		{"device without id", Fixtures{Devices: []DeviceFixture{{}}}, mapKeys{}},
		{"zone radius out of range", Fixtures{Devices: []DeviceFixture{{
			DeviceID:  "nrf-1",
			SafeZones: []ZoneFixture{{Name: "Park", Lat: 1, Lon: 1, Radius: 10}},
		}}}, mapKeys{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyFixtures(ctx, &tt.fx, store.NewMemoryStore(), tt.keys, time.Now)
			assert.Error(t, err)
		})
	}
}

func TestApplyFixtures_ZoneValidationCode(t *testing.T) {
	fx := Fixtures{Devices: []DeviceFixture{{
		DeviceID:  "nrf-1",
		SafeZones: []ZoneFixture{{Name: "Park", Lat: 91, Lon: 1, Radius: 100}},
	}}}
	_, err := applyFixtures(context.Background(), &fx, store.NewMemoryStore(), nil, time.Now)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeInvalidCoordinate, verr.Code)
}

func TestLoadFixtures_BadYAML(t *testing.T) {
	_, err := loadFixtures(writeFixtures(t, "devices: [unterminated"))
	assert.Error(t, err)

	_, err = loadFixtures(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(""))
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TRACKER_CLI_TEST_VAR=from-file\n"), 0o600))
	t.Setenv("TRACKER_CLI_TEST_VAR", "")
	require.NoError(t, os.Unsetenv("TRACKER_CLI_TEST_VAR"))
	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("TRACKER_CLI_TEST_VAR"))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"serve", "poll", "migrate", "seed"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestMigrateCommand_RejectsDirection(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--env-file", "", "migrate", "sideways"})
	assert.Error(t, root.Execute())
}

type countingPurger struct {
	store.Store
	calls atomic.Int64
}

func (c *countingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	c.calls.Add(1)
	return 2, nil
}

func TestPurgeLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPurger{Store: store.NewMemoryStore()}
	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, p, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
