/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects where a key-value scope is persisted.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
	StoreMySQL    StoreBackend = "mysql"
	StoreRedis    StoreBackend = "redis"
	StoreS3       StoreBackend = "s3"
)

// BrowserBackend selects the tab controller implementation.
type BrowserBackend string

const (
	BrowserRod      BrowserBackend = "rod"
	BrowserChromedp BrowserBackend = "chromedp"
)

// EventBusBackend selects how bus events leave the process.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration. Values come from an optional
// YAML file first and environment variables second.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPBind    string `yaml:"http_bind"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsBind string `yaml:"metrics_bind"`
	// JWTSigningKey enables bearer auth on the control API when set.
	JWTSigningKey string `yaml:"jwt_signing_key"`

	// Scheduling
	CheckCron string        `yaml:"check_cron"`
	Lookahead time.Duration `yaml:"lookahead"`

	// Google Calendar
	CalendarEndpoint string `yaml:"calendar_endpoint"`
	CalendarID       string `yaml:"calendar_id"`
	OAuthClientID    string `yaml:"oauth_client_id"`
	OAuthSecret      string `yaml:"oauth_client_secret"`
	OAuthListenAddr  string `yaml:"oauth_listen_addr"`
	TokenPath        string `yaml:"token_path"`

	// Browser
	BrowserBackend    BrowserBackend `yaml:"browser_backend"`
	BrowserControlURL string         `yaml:"browser_control_url"`
	BrowserHeadless   bool           `yaml:"browser_headless"`

	// Key-value scopes
	SyncStoreBackend  StoreBackend `yaml:"sync_store_backend"`
	SyncStoreDSN      string       `yaml:"sync_store_dsn"`
	LocalStoreBackend StoreBackend `yaml:"local_store_backend"`
	LocalStoreDSN     string       `yaml:"local_store_dsn"`

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// S3 Object Storage configuration
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3Region          string `yaml:"s3_region"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Endpoint        string `yaml:"s3_endpoint"` // For S3-compatible services (MinIO, Spaces, etc.)
	S3Prefix          string `yaml:"s3_prefix"`
	S3UsePathStyle    bool   `yaml:"s3_use_path_style"`

	// Event fan-out
	EventBusBackend EventBusBackend `yaml:"event_bus_backend"`
	NATSURL         string          `yaml:"nats_url"`

	// Tracing configuration
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	InstanceID string `yaml:"instance_id"`

	// ConfigPath is the YAML file the values were read from, if any.
	ConfigPath string `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	dataDir := DataDir()
	dbPath := filepath.Join(dataDir, "autojoin.db")
	return &Config{
		Environment:       "production",
		HTTPBind:          "127.0.0.1",
		HTTPPort:          7420,
		MetricsBind:       "127.0.0.1:7421",
		CheckCron:         "*/15 * * * *",
		Lookahead:         24 * time.Hour,
		CalendarID:        "primary",
		OAuthListenAddr:   "127.0.0.1:0",
		TokenPath:         filepath.Join(dataDir, "token.json"),
		BrowserBackend:    BrowserRod,
		BrowserHeadless:   false,
		SyncStoreBackend:  StoreSQLite,
		SyncStoreDSN:      dbPath,
		LocalStoreBackend: StoreSQLite,
		LocalStoreDSN:     dbPath,
		RedisAddr:         "localhost:6379",
		S3Region:          "us-east-1",
		S3Prefix:          "autojoin",
		EventBusBackend:   EventBusMemory,
		NATSURL:           "nats://localhost:4222",
		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
	}
}

// DataDir returns the per-user directory holding the token and local database.
func DataDir() string {
	if dir := os.Getenv("AUTOJOIN_DATA_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".autojoin"
	}
	return filepath.Join(base, "autojoin")
}

// Load reads the YAML file named by AUTOJOIN_CONFIG (if any), then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("AUTOJOIN_CONFIG"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s not found", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.ConfigPath = path
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnvAny([]string{"AUTOJOIN_ENV"}, c.Environment)
	c.HTTPBind = getEnvAny([]string{"AUTOJOIN_HTTP_BIND"}, c.HTTPBind)
	c.HTTPPort = getEnvIntAny([]string{"AUTOJOIN_HTTP_PORT"}, c.HTTPPort)
	c.MetricsBind = getEnvAny([]string{"AUTOJOIN_METRICS_BIND"}, c.MetricsBind)
	c.JWTSigningKey = getEnvAny([]string{"AUTOJOIN_JWT_SIGNING_KEY"}, c.JWTSigningKey)

	c.CheckCron = getEnvAny([]string{"AUTOJOIN_CHECK_CRON"}, c.CheckCron)
	c.Lookahead = time.Duration(getEnvIntAny([]string{"AUTOJOIN_LOOKAHEAD_HOURS"}, int(c.Lookahead/time.Hour))) * time.Hour

	c.CalendarEndpoint = getEnvAny([]string{"AUTOJOIN_CALENDAR_ENDPOINT"}, c.CalendarEndpoint)
	c.CalendarID = getEnvAny([]string{"AUTOJOIN_CALENDAR_ID"}, c.CalendarID)
	c.OAuthClientID = getEnvAny([]string{"AUTOJOIN_OAUTH_CLIENT_ID", "GOOGLE_CLIENT_ID"}, c.OAuthClientID)
	c.OAuthSecret = getEnvAny([]string{"AUTOJOIN_OAUTH_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"}, c.OAuthSecret)
	c.OAuthListenAddr = getEnvAny([]string{"AUTOJOIN_OAUTH_LISTEN_ADDR"}, c.OAuthListenAddr)
	c.TokenPath = getEnvAny([]string{"AUTOJOIN_TOKEN_PATH"}, c.TokenPath)

	c.BrowserBackend = BrowserBackend(getEnvAny([]string{"AUTOJOIN_BROWSER_BACKEND"}, string(c.BrowserBackend)))
	c.BrowserControlURL = getEnvAny([]string{"AUTOJOIN_BROWSER_CONTROL_URL"}, c.BrowserControlURL)
	c.BrowserHeadless = getEnvBoolAny([]string{"AUTOJOIN_BROWSER_HEADLESS"}, c.BrowserHeadless)

	c.SyncStoreBackend = StoreBackend(getEnvAny([]string{"AUTOJOIN_SYNC_STORE_BACKEND"}, string(c.SyncStoreBackend)))
	c.SyncStoreDSN = getEnvAny([]string{"AUTOJOIN_SYNC_STORE_DSN"}, c.SyncStoreDSN)
	c.LocalStoreBackend = StoreBackend(getEnvAny([]string{"AUTOJOIN_LOCAL_STORE_BACKEND"}, string(c.LocalStoreBackend)))
	c.LocalStoreDSN = getEnvAny([]string{"AUTOJOIN_LOCAL_STORE_DSN"}, c.LocalStoreDSN)

	c.RedisAddr = getEnvAny([]string{"AUTOJOIN_REDIS_ADDR"}, c.RedisAddr)
	c.RedisPassword = getEnvAny([]string{"AUTOJOIN_REDIS_PASSWORD"}, c.RedisPassword)
	c.RedisDB = getEnvIntAny([]string{"AUTOJOIN_REDIS_DB"}, c.RedisDB)

	c.S3AccessKeyID = getEnvAny([]string{"AUTOJOIN_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, c.S3AccessKeyID)
	c.S3SecretAccessKey = getEnvAny([]string{"AUTOJOIN_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, c.S3SecretAccessKey)
	c.S3Region = getEnvAny([]string{"AUTOJOIN_S3_REGION", "AWS_REGION"}, c.S3Region)
	c.S3Bucket = getEnvAny([]string{"AUTOJOIN_S3_BUCKET", "S3_BUCKET"}, c.S3Bucket)
	c.S3Endpoint = getEnvAny([]string{"AUTOJOIN_S3_ENDPOINT", "S3_ENDPOINT"}, c.S3Endpoint)
	c.S3Prefix = getEnvAny([]string{"AUTOJOIN_S3_PREFIX"}, c.S3Prefix)
	c.S3UsePathStyle = getEnvBoolAny([]string{"AUTOJOIN_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, c.S3UsePathStyle)

	c.EventBusBackend = EventBusBackend(getEnvAny([]string{"AUTOJOIN_EVENT_BUS"}, string(c.EventBusBackend)))
	c.NATSURL = getEnvAny([]string{"AUTOJOIN_NATS_URL", "NATS_URL"}, c.NATSURL)

	c.TracingEnabled = getEnvBoolAny([]string{"AUTOJOIN_TRACING_ENABLED"}, c.TracingEnabled)
	c.OTLPEndpoint = getEnvAny([]string{"AUTOJOIN_OTLP_ENDPOINT"}, c.OTLPEndpoint)
	c.TracingSampleRate = getEnvFloatAny([]string{"AUTOJOIN_TRACING_SAMPLE_RATE"}, c.TracingSampleRate)

	c.InstanceID = getEnvAny([]string{"AUTOJOIN_INSTANCE_ID"}, c.InstanceID)
}

// Validate rejects combinations the daemon cannot run with.
func (c *Config) Validate() error {
	for _, scope := range []struct {
		name    string
		backend StoreBackend
		dsn     string
	}{
		{"sync", c.SyncStoreBackend, c.SyncStoreDSN},
		{"local", c.LocalStoreBackend, c.LocalStoreDSN},
	} {
		switch scope.backend {
		case StoreMemory, StoreRedis:
		case StoreSQLite, StorePostgres, StoreMySQL:
			if strings.TrimSpace(scope.dsn) == "" {
				return fmt.Errorf("%s store backend %q requires a DSN", scope.name, scope.backend)
			}
		case StoreS3:
			if c.S3Bucket == "" {
				return fmt.Errorf("%s store backend s3 requires AUTOJOIN_S3_BUCKET", scope.name)
			}
		default:
			return fmt.Errorf("unsupported %s store backend %q", scope.name, scope.backend)
		}
	}

	if c.BrowserBackend != BrowserRod && c.BrowserBackend != BrowserChromedp {
		return fmt.Errorf("unsupported browser backend %q", c.BrowserBackend)
	}

	switch c.EventBusBackend {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return fmt.Errorf("unsupported event bus backend %q", c.EventBusBackend)
	}

	if c.Lookahead <= 0 {
		return fmt.Errorf("lookahead must be positive, got %s", c.Lookahead)
	}
	if strings.TrimSpace(c.CheckCron) == "" {
		return fmt.Errorf("AUTOJOIN_CHECK_CRON must not be empty")
	}

	if strings.EqualFold(c.Environment, "production") && c.JWTSigningKey == "" && !isLoopback(c.HTTPBind) {
		return fmt.Errorf("AUTOJOIN_JWT_SIGNING_KEY must be provided when binding the API to %s", c.HTTPBind)
	}
	return nil
}

// ListenAddr is the control API address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func isLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
