// Package config defines the typed daemon configuration.
//
// One YAML file describes the whole daemon. The file is decoded into the
// Config struct, defaults are applied, and Validate is run before any
// component starts; invalid keys or values fail fast at startup instead of
// defaulting silently deep in the pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for telemetryd.
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Schema     SchemaConfig     `yaml:"schema"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Storage    StorageConfig    `yaml:"storage"`
	Retention  RetentionConfig  `yaml:"retention"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MQTTConfig configures the ingress transport.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	Port      int           `yaml:"port"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Keepalive time.Duration `yaml:"keepalive"`
	QoS       byte          `yaml:"qos"`
	Topics    []string      `yaml:"topics"`
}

// SchemaConfig configures payload validation.
type SchemaConfig struct {
	// Dir is the directory holding schema YAML/JSON files.
	Dir string `yaml:"dir"`

	// Enabled toggles validation entirely; disabled means every payload
	// passes.
	Enabled bool `yaml:"enabled"`
}

// BufferConfig configures the bounded message buffer and drain loop.
type BufferConfig struct {
	Capacity     int           `yaml:"capacity"`
	BatchSize    int           `yaml:"batch_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// StoreRetryBackoff is how long the drain loop sleeps after a failed
	// batch store before draining again.
	StoreRetryBackoff time.Duration `yaml:"store_retry_backoff"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of: sqlite, postgres, file, influx.
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	File     FileConfig     `yaml:"file"`
	Influx   InfluxConfig   `yaml:"influx"`
}

// SQLiteConfig configures the embedded SQL engine.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	Synchronous string `yaml:"synchronous"`
}

// PostgresConfig configures the networked SQL engine.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	PoolSize int    `yaml:"pool_size"`
}

// FileConfig configures the append-only file engine.
type FileConfig struct {
	BaseDir string `yaml:"base_dir"`

	// Format is one of: jsonl, csv, parquet.
	Format string `yaml:"format"`

	// Compression is one of: none, gzip. Ignored for parquet, which
	// carries its own compression.
	Compression string `yaml:"compression"`

	// MaxFileSizeMB is the rotation threshold for the active file.
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
}

// InfluxConfig configures the time-series engine.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// RetentionPolicyConfig is one retention rule as written in the file.
// The duration grammar is <integer><d|w|m|y> and is parsed at load time.
type RetentionPolicyConfig struct {
	Name       string `yaml:"name"`
	Duration   string `yaml:"duration"`
	Resolution string `yaml:"resolution"`
}

// RetentionConfig configures the cleanup scheduler.
type RetentionConfig struct {
	Enabled  bool                    `yaml:"enabled"`
	Interval time.Duration           `yaml:"interval"`
	Policies []RetentionPolicyConfig `yaml:"policies"`
}

// MonitoringConfig configures the health loop thresholds.
type MonitoringConfig struct {
	HealthInterval       time.Duration `yaml:"health_interval"`
	BufferWarnPercent    float64       `yaml:"buffer_warn_percent"`
	FreeSpaceWarnPercent float64       `yaml:"free_space_warn_percent"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:    "localhost",
			Port:      1883,
			ClientID:  "telemetryd",
			Keepalive: 60 * time.Second,
			Topics:    []string{"#"},
		},
		Schema: SchemaConfig{
			Enabled: true,
		},
		Buffer: BufferConfig{
			Capacity:          10000,
			BatchSize:         100,
			DrainTimeout:      5 * time.Second,
			StoreRetryBackoff: time.Second,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "telemetry.db",
				JournalMode: "WAL",
				Synchronous: "NORMAL",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "telemetry",
				Username: "postgres",
				SSLMode:  "disable",
				PoolSize: 10,
			},
			File: FileConfig{
				BaseDir:       "telemetry-data",
				Format:        "jsonl",
				Compression:   "none",
				MaxFileSizeMB: 100,
			},
			Influx: InfluxConfig{
				URL:    "http://localhost:8086",
				Org:    "telemetry",
				Bucket: "telemetry",
			},
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Interval: time.Hour,
		},
		Monitoring: MonitoringConfig{
			HealthInterval:       30 * time.Second,
			BufferWarnPercent:    90,
			FreeSpaceWarnPercent: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All findings are joined
// so the operator sees every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1, or 2: %d", c.MQTT.QoS))
	}

	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer.capacity must be positive"))
	}
	if c.Buffer.BatchSize <= 0 {
		errs = append(errs, errors.New("buffer.batch_size must be positive"))
	}
	if c.Buffer.BatchSize > c.Buffer.Capacity {
		errs = append(errs, errors.New("buffer.batch_size must not exceed buffer.capacity"))
	}
	if c.Buffer.DrainTimeout <= 0 {
		errs = append(errs, errors.New("buffer.drain_timeout must be positive"))
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" {
			errs = append(errs, errors.New("storage.postgres.host is required"))
		}
		if c.Storage.Postgres.Database == "" {
			errs = append(errs, errors.New("storage.postgres.database is required"))
		}
	case "file":
		if c.Storage.File.BaseDir == "" {
			errs = append(errs, errors.New("storage.file.base_dir is required"))
		}
		switch c.Storage.File.Format {
		case "jsonl", "csv", "parquet":
		default:
			errs = append(errs, fmt.Errorf("storage.file.format must be jsonl, csv, or parquet: %q", c.Storage.File.Format))
		}
		switch c.Storage.File.Compression {
		case "", "none", "gzip":
		default:
			errs = append(errs, fmt.Errorf("storage.file.compression must be none or gzip: %q", c.Storage.File.Compression))
		}
		if c.Storage.File.MaxFileSizeMB <= 0 {
			errs = append(errs, errors.New("storage.file.max_file_size_mb must be positive"))
		}
	case "influx":
		if c.Storage.Influx.URL == "" {
			errs = append(errs, errors.New("storage.influx.url is required"))
		}
		if c.Storage.Influx.Bucket == "" {
			errs = append(errs, errors.New("storage.influx.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}

	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			errs = append(errs, errors.New("retention.interval must be positive"))
		}
		for i, p := range c.Retention.Policies {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("retention.policies[%d].name is required", i))
			}
		}
		// Duration strings are parsed (and rejected) by the retention
		// package at startup; the grammar lives there.
	}

	if c.Monitoring.HealthInterval <= 0 {
		errs = append(errs, errors.New("monitoring.health_interval must be positive"))
	}

	if _, err := parseLevelName(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// parseLevelName accepts the level names understood by the logging setup.
func parseLevelName(s string) (string, error) {
	switch s {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("unknown logging.level: %q", s)
	}
}
