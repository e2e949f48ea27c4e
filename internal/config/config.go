// Package config loads eventcore settings from EVENTCORE_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eventcore/internal/blob"
	"eventcore/internal/core"

	"github.com/caarlos0/env/v11"
)

// Metrics exporters.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
	MetricsNone       = "none"
)

// Config describes the server configuration.
type Config struct {
	HTTPAddr        string        `env:"EVENTCORE_HTTP_ADDR"        envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"EVENTCORE_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	StorageDriver string `env:"EVENTCORE_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"EVENTCORE_SQLITE_PATH"    envDefault:"eventcore.db"`
	PostgresDSN   string `env:"EVENTCORE_POSTGRES_DSN"`

	BlobDriver         string        `env:"EVENTCORE_BLOB_DRIVER"            envDefault:"fs"`
	BlobFSRoot         string        `env:"EVENTCORE_BLOB_FS_ROOT"           envDefault:"./blobdata"`
	S3Bucket           string        `env:"EVENTCORE_BLOB_S3_BUCKET"`
	S3Region           string        `env:"EVENTCORE_BLOB_S3_REGION"         envDefault:"us-east-1"`
	S3Endpoint         string        `env:"EVENTCORE_BLOB_S3_ENDPOINT"`
	S3PathStyle        bool          `env:"EVENTCORE_BLOB_S3_PATH_STYLE"`
	S3AccessKeyID      string        `env:"EVENTCORE_BLOB_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey  string        `env:"EVENTCORE_BLOB_S3_SECRET_ACCESS_KEY"`
	ArchiveURLLifetime time.Duration `env:"EVENTCORE_ARCHIVE_URL_EXPIRY"     envDefault:"15m"`

	LogLevel  string `env:"EVENTCORE_LOG_LEVEL"  envDefault:"info"`
	Metrics   string `env:"EVENTCORE_METRICS"    envDefault:"prometheus"`
	TraceJSON bool   `env:"EVENTCORE_TRACE_JSON"`

	// DataElements enables the data element existence rule when non-empty.
	DataElements []string `env:"EVENTCORE_DATA_ELEMENTS" envSeparator:","`
	// APIKeys entries are key or key=principal.
	APIKeys []string `env:"EVENTCORE_API_KEYS" envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DataElements = trimCSV(cfg.DataElements)
	cfg.APIKeys = trimCSV(cfg.APIKeys)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the settings each driver requires.
func (c Config) Validate() error {
	switch core.StorageDriver(c.StorageDriver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("EVENTCORE_POSTGRES_DSN required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	switch blob.Driver(c.BlobDriver) {
	case blob.DriverMemory, blob.DriverFilesystem:
	case blob.DriverS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("EVENTCORE_BLOB_S3_BUCKET required for s3 blob storage")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.BlobDriver)
	}
	switch c.Metrics {
	case MetricsPrometheus, MetricsExpvar, MetricsNone:
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Metrics)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Storage returns the persistent store settings.
func (c Config) Storage() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.StorageDriver),
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
	}
}

// Blob returns the archive blob store settings.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.BlobDriver),
		FSRoot: c.BlobFSRoot,
		S3: blob.S3Config{
			Region:          c.S3Region,
			Bucket:          c.S3Bucket,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
			PathStyle:       c.S3PathStyle,
		},
	}
}

// SlogLevel maps LogLevel onto slog; Validate has already rejected bad names.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// APIKeyMap returns key to principal. A bare key authenticates as "api".
func (c Config) APIKeyMap() map[string]string {
	if len(c.APIKeys) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		key, who, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		who = strings.TrimSpace(who)
		if !ok || who == "" {
			who = "api"
		}
		if key != "" {
			out[key] = who
		}
	}
	return out
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid EVENTCORE_LOG_LEVEL %q", raw)
	}
	return level, nil
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
