package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/store"
)

// Fixtures is the seed file layout.
type Fixtures struct {
	APIKeys []APIKeyFixture `yaml:"apiKeys"`
	Devices []DeviceFixture `yaml:"devices"`
}

type APIKeyFixture struct {
	Key   string `yaml:"key"`
	Owner string `yaml:"owner"`
}

type DeviceFixture struct {
	DeviceID        string        `yaml:"deviceId"`
	FirmwareVersion *string       `yaml:"firmwareVersion"`
	PushToken       string        `yaml:"pushToken"`
	SafeZones       []ZoneFixture `yaml:"safezones"`
}

type ZoneFixture struct {
	ZoneID  string  `yaml:"zoneId"`
	Name    string  `yaml:"name"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	Radius  int     `yaml:"radius"`
	Enabled *bool   `yaml:"enabled"`
}

// KeySetter stores an API key for the shared key lookup.
type KeySetter interface {
	SetAPIKey(ctx context.Context, apiKey, owner string) error
}

type seedReport struct {
	Keys    int
	Devices int
	Zones   int
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register devices, safe zones and API keys from a fixtures file",
		Long: `Load a YAML fixtures file into the configured store and Redis.

Seeding is repeatable: devices keep their telemetry, zones with a zoneId are
updated in place and API keys are overwritten.

Example:
  tracker seed --file fixtures.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadBase()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			rs, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			if rs != nil {
				defer rs.Close()
			}
			return seedFromFile(ctx, file, s, rs, logger)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "fixtures YAML file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fx, nil
}

func seedFromFile(ctx context.Context, path string, s store.Store, rs *store.RedisStore, logger *slog.Logger) error {
	fx, err := loadFixtures(path)
	if err != nil {
		return err
	}
	var keys KeySetter
	if rs != nil {
		keys = rs
	}
	report, err := applyFixtures(ctx, fx, s, keys, time.Now)
	if err != nil {
		return err
	}
	logger.Info("fixtures applied", "file", path, "api_keys", report.Keys, "devices", report.Devices, "zones", report.Zones)
	return nil
}

// applyFixtures writes fx. API keys are skipped with an error when keys is
// nil.
func applyFixtures(ctx context.Context, fx *Fixtures, s store.Store, keys KeySetter, now func() time.Time) (seedReport, error) {
	var report seedReport

	if len(fx.APIKeys) > 0 && keys == nil {
		return report, errors.New("fixtures contain apiKeys but REDIS_ADDR is not set")
	}
	for _, k := range fx.APIKeys {
		if k.Key == "" || k.Owner == "" {
			return report, errors.New("api key fixture needs key and owner")
		}
		if err := keys.SetAPIKey(ctx, k.Key, k.Owner); err != nil {
			return report, fmt.Errorf("set api key for %s: %w", k.Owner, err)
		}
		report.Keys++
	}

	for _, d := range fx.Devices {
		if d.DeviceID == "" {
			return report, errors.New("device fixture needs deviceId")
		}
		if err := s.EnsureDevice(ctx, d.DeviceID, d.FirmwareVersion); err != nil {
			return report, fmt.Errorf("register %s: %w", d.DeviceID, err)
		}
		if d.PushToken != "" {
			if err := s.SetPushToken(ctx, d.DeviceID, d.PushToken); err != nil {
				return report, fmt.Errorf("push token for %s: %w", d.DeviceID, err)
			}
		}
		report.Devices++

		for _, zf := range d.SafeZones {
			if err := seedZone(ctx, s, d.DeviceID, zf, now().UTC()); err != nil {
				return report, err
			}
			report.Zones++
		}
	}
	return report, nil
}

func seedZone(ctx context.Context, s store.Store, deviceID string, zf ZoneFixture, now time.Time) error {
	enabled := true
	if zf.Enabled != nil {
		enabled = *zf.Enabled
	}
	z := domain.SafeZone{
		DeviceID:     deviceID,
		ZoneID:       zf.ZoneID,
		Name:         zf.Name,
		Center:       domain.LatLon{Lat: zf.Lat, Lon: zf.Lon},
		RadiusMeters: zf.Radius,
		Enabled:      enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := z.Validate(); err != nil {
		return fmt.Errorf("zone %q for %s: %w", zf.Name, deviceID, err)
	}

	if z.ZoneID == "" {
		z.ZoneID = uuid.NewString()
	} else if existing, err := s.GetZone(ctx, deviceID, z.ZoneID); err == nil {
		z.CreatedAt = existing.CreatedAt
		if err := s.UpdateZone(ctx, z); err != nil {
			return fmt.Errorf("update zone %s: %w", z.ZoneID, err)
		}
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := s.CreateZone(ctx, z); err != nil {
		return fmt.Errorf("create zone %s: %w", z.ZoneID, err)
	}
	return nil
}
