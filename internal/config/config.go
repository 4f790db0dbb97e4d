// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// Storage backend: postgres or memory.
	StoreBackend string `mapstructure:"STORE_BACKEND"`

	// TimescaleDB / Postgres. DatabaseURL wins over the discrete fields.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBHost      string `mapstructure:"DB_HOST"`
	DBPort      string `mapstructure:"DB_PORT"`
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBName      string `mapstructure:"DB_NAME"`
	DBSSLMode   string `mapstructure:"DB_SSLMODE"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	// Redis. An empty address disables the cache, live feed and key lookup.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Ingestion lanes
	LaneCount       int           `mapstructure:"LANE_COUNT"`
	LaneQueueSize   int           `mapstructure:"LANE_QUEUE_SIZE"`
	EnvelopeTimeout time.Duration `mapstructure:"ENVELOPE_TIMEOUT"`
	RetentionDays   int           `mapstructure:"RETENTION_DAYS"`
	PurgeInterval   time.Duration `mapstructure:"PURGE_INTERVAL"`
	StaleAfter      time.Duration `mapstructure:"STALE_AFTER"`
	TeamID          string        `mapstructure:"TEAM_ID"`

	// Notifications
	NotifyWorkers   int    `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize int    `mapstructure:"NOTIFY_QUEUE_SIZE"`
	PushBackend     string `mapstructure:"PUSH_BACKEND"`
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	PushKafkaTopic  string `mapstructure:"PUSH_KAFKA_TOPIC"`

	// Live state publishing
	StateQueueSize     int           `mapstructure:"STATE_QUEUE_SIZE"`
	StateFlushInterval time.Duration `mapstructure:"STATE_FLUSH_INTERVAL"`

	// Auth
	AuthCacheTTLSeconds int    `mapstructure:"AUTH_CACHE_TTL_SECONDS"`
	ValidAPIKeys        string `mapstructure:"VALID_API_KEYS"`

	// Tracing
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Relay polling fallback
	RelayAPIURL       string        `mapstructure:"RELAY_API_URL"`
	RelayAPIKey       string        `mapstructure:"RELAY_API_KEY"`
	RelayPollInterval time.Duration `mapstructure:"RELAY_POLL_INTERVAL"`

	// Firmware over the air
	FotaAPIURL string `mapstructure:"FOTA_API_URL"`
	FotaAPIKey string `mapstructure:"FOTA_API_KEY"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]any{
	"HTTP_ADDR":                   ":8001",
	"STORE_BACKEND":               "postgres",
	"DATABASE_URL":                "",
	"DB_HOST":                     "localhost",
	"DB_PORT":                     "5432",
	"DB_USER":                     "tracker_user",
	"DB_PASSWORD":                 "tracker_password",
	"DB_NAME":                     "kid_tracker",
	"DB_SSLMODE":                  "disable",
	"DB_MAX_CONNS":                15,
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"LANE_COUNT":                  16,
	"LANE_QUEUE_SIZE":             256,
	"ENVELOPE_TIMEOUT":            "30s",
	"RETENTION_DAYS":              30,
	"PURGE_INTERVAL":              "1h",
	"STALE_AFTER":                 "10m",
	"TEAM_ID":                     "",
	"NOTIFY_WORKERS":              3,
	"NOTIFY_QUEUE_SIZE":           1000,
	"PUSH_BACKEND":                "log",
	"KAFKA_BROKERS":               "",
	"PUSH_KAFKA_TOPIC":            "tracker-push",
	"STATE_QUEUE_SIZE":            10000,
	"STATE_FLUSH_INTERVAL":        "50ms",
	"AUTH_CACHE_TTL_SECONDS":      300,
	"VALID_API_KEYS":              "",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"OTEL_SERVICE_NAME":           "kid-tracker",
	"RELAY_API_URL":               "https://api.nrfcloud.com/v1",
	"RELAY_API_KEY":               "",
	"RELAY_POLL_INTERVAL":         "1m",
	"FOTA_API_URL":                "https://api.nrfcloud.com/v1",
	"FOTA_API_KEY":                "",
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
}

// Load reads .env if present, then the environment. Environment variables
// override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	// An empty REDIS_ADDR must be able to switch Redis off.
	v.AllowEmptyEnv(true)
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend)
	}
	switch c.PushBackend {
	case "log", "redis", "kafka":
	default:
		return fmt.Errorf("config: PUSH_BACKEND must be log, redis or kafka, got %q", c.PushBackend)
	}
	if c.PushBackend == "kafka" && len(c.KafkaBrokerList()) == 0 {
		return errors.New("config: KAFKA_BROKERS must be set when PUSH_BACKEND=kafka")
	}
	if c.PushBackend == "redis" && c.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR must be set when PUSH_BACKEND=redis")
	}
	if c.LaneCount < 1 {
		return errors.New("config: LANE_COUNT must be at least 1")
	}
	if c.LaneQueueSize < 1 {
		return errors.New("config: LANE_QUEUE_SIZE must be at least 1")
	}
	if c.EnvelopeTimeout <= 0 {
		return errors.New("config: ENVELOPE_TIMEOUT must be positive")
	}
	if c.RetentionDays < 1 {
		return errors.New("config: RETENTION_DAYS must be at least 1")
	}
	return nil
}

// DSN returns the Postgres connection string. Pool sizing is applied
// separately so the same DSN works for migrations.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   c.DBHost + ":" + c.DBPort,
		Path:   c.DBName,
	}
	if c.DBSSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.DBSSLMode)
	}
	return u.String()
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSeconds) * time.Second
}

func (c *Config) APIKeys() []string {
	return splitList(c.ValidAPIKeys)
}

func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
