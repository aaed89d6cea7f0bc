// Package config handles TOML configuration parsing for a PulseMesh node.
// It loads configuration from pulsemesh.toml, applies environment variable
// overrides (prefixed with PULSEMESH_), validates required fields, and
// provides sane defaults for every setting, per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a PulseMesh node.
type Config struct {
	Instance    InstanceConfig    `toml:"instance"`
	Transport   TransportConfig   `toml:"transport"`
	Proximity   ProximityConfig   `toml:"proximity"`
	Persistence PersistenceConfig `toml:"persistence"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Cache       CacheConfig       `toml:"cache"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// InstanceConfig defines the identity of this PulseMesh node.
type InstanceConfig struct {
	NodeID string `toml:"node_id"`
	Name   string `toml:"name"`
}

// TransportConfig defines the transport layer's backend selection, per
// spec.md §6: backend in {broker, websocket, udp}.
type TransportConfig struct {
	Backend       string `toml:"backend"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	UseWebsockets bool   `toml:"use_websockets"`
	EncryptionKey string `toml:"encryption_key"`
}

// ProximityConfig defines the beacon advertise/scan cadence.
type ProximityConfig struct {
	AdvertiseInterval string `toml:"advertise_interval"`
	ScanInterval      string `toml:"scan_interval"`
	DeviceName        string `toml:"device_name"`
}

// AdvertiseIntervalParsed returns the advertise interval as a time.Duration.
func (p ProximityConfig) AdvertiseIntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(p.AdvertiseInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing advertise_interval %q: %w", p.AdvertiseInterval, err)
	}
	return d, nil
}

// ScanIntervalParsed returns the scan interval as a time.Duration.
func (p ProximityConfig) ScanIntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(p.ScanInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing scan_interval %q: %w", p.ScanInterval, err)
	}
	return d, nil
}

// PersistenceConfig defines the record store's base path and namespaces.
type PersistenceConfig struct {
	BasePath    string   `toml:"base_path"`
	RecordKinds []string `toml:"record_kinds"`
}

// CoordinatorConfig defines the federation coordinator's defaults.
type CoordinatorConfig struct {
	BroadcastInterval      string `toml:"broadcast_interval"`
	DefaultMinParticipants int    `toml:"default_min_participants"`
	DefaultTimeout         string `toml:"default_timeout"`
	DefaultMethod          string `toml:"default_method"`
}

// BroadcastIntervalParsed returns the STATE broadcast cadence as a Duration.
func (c CoordinatorConfig) BroadcastIntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(c.BroadcastInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing broadcast_interval %q: %w", c.BroadcastInterval, err)
	}
	return d, nil
}

// DefaultTimeoutParsed returns the default consensus timeout as a Duration.
func (c CoordinatorConfig) DefaultTimeoutParsed() (time.Duration, error) {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing default_timeout %q: %w", c.DefaultTimeout, err)
	}
	return d, nil
}

// CacheConfig defines DragonflyDB/Redis-compatible cache connection settings,
// used by the persistence read-cache.
type CacheConfig struct {
	URL string `toml:"url"`
}

// StorageConfig defines the optional S3-compatible mirror for persisted
// records (internal/persistence's minio-backed mirror).
type StorageConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig defines the metrics text-exposition endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Instance: InstanceConfig{
			Name: "pulsemesh-node",
		},
		Transport: TransportConfig{
			Backend: "broker",
			Host:    "localhost",
			Port:    4222,
		},
		Proximity: ProximityConfig{
			AdvertiseInterval: "1s",
			ScanInterval:      "5s",
		},
		Persistence: PersistenceConfig{
			BasePath:    "./pulsemesh-data",
			RecordKinds: []string{"experience", "dream", "reflection", "fold"},
		},
		Coordinator: CoordinatorConfig{
			BroadcastInterval:      "5s",
			DefaultMinParticipants: 1,
			DefaultTimeout:         "5s",
			DefaultMethod:          "WEIGHTED_CONFIDENCE",
		},
		Cache: CacheConfig{
			URL: "",
		},
		Storage: StorageConfig{
			Enabled: false,
			Region:  "us-east-1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
		},
	}
}

// Load reads configuration from the given TOML file path, applies defaults
// for missing values, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix PULSEMESH_ followed by the
// section and field name in uppercase with underscores
// (e.g. PULSEMESH_TRANSPORT_BACKEND).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSEMESH_INSTANCE_NODE_ID"); v != "" {
		cfg.Instance.NodeID = v
	}
	if v := os.Getenv("PULSEMESH_INSTANCE_NAME"); v != "" {
		cfg.Instance.Name = v
	}

	if v := os.Getenv("PULSEMESH_TRANSPORT_BACKEND"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv("PULSEMESH_TRANSPORT_HOST"); v != "" {
		cfg.Transport.Host = v
	}
	if v := os.Getenv("PULSEMESH_TRANSPORT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Port = n
		}
	}
	if v := os.Getenv("PULSEMESH_TRANSPORT_ENCRYPTION_KEY"); v != "" {
		cfg.Transport.EncryptionKey = v
	}

	if v := os.Getenv("PULSEMESH_PROXIMITY_ADVERTISE_INTERVAL"); v != "" {
		cfg.Proximity.AdvertiseInterval = v
	}
	if v := os.Getenv("PULSEMESH_PROXIMITY_SCAN_INTERVAL"); v != "" {
		cfg.Proximity.ScanInterval = v
	}
	if v := os.Getenv("PULSEMESH_PROXIMITY_DEVICE_NAME"); v != "" {
		cfg.Proximity.DeviceName = v
	}

	if v := os.Getenv("PULSEMESH_PERSISTENCE_BASE_PATH"); v != "" {
		cfg.Persistence.BasePath = v
	}

	if v := os.Getenv("PULSEMESH_COORDINATOR_BROADCAST_INTERVAL"); v != "" {
		cfg.Coordinator.BroadcastInterval = v
	}
	if v := os.Getenv("PULSEMESH_COORDINATOR_DEFAULT_TIMEOUT"); v != "" {
		cfg.Coordinator.DefaultTimeout = v
	}
	if v := os.Getenv("PULSEMESH_COORDINATOR_DEFAULT_METHOD"); v != "" {
		cfg.Coordinator.DefaultMethod = v
	}

	if v := os.Getenv("PULSEMESH_CACHE_URL"); v != "" {
		cfg.Cache.URL = v
	}

	if v := os.Getenv("PULSEMESH_STORAGE_ENABLED"); v != "" {
		cfg.Storage.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PULSEMESH_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("PULSEMESH_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("PULSEMESH_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("PULSEMESH_STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}

	if v := os.Getenv("PULSEMESH_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSEMESH_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("PULSEMESH_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PULSEMESH_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// validate checks required fields and cross-field constraints.
func validate(cfg *Config) error {
	switch cfg.Transport.Backend {
	case "broker", "websocket", "udp":
	default:
		return fmt.Errorf("invalid transport.backend %q: must be broker, websocket, or udp", cfg.Transport.Backend)
	}

	if _, err := cfg.Proximity.AdvertiseIntervalParsed(); err != nil {
		return err
	}
	if _, err := cfg.Proximity.ScanIntervalParsed(); err != nil {
		return err
	}
	if _, err := cfg.Coordinator.BroadcastIntervalParsed(); err != nil {
		return err
	}
	if _, err := cfg.Coordinator.DefaultTimeoutParsed(); err != nil {
		return err
	}
	if cfg.Persistence.BasePath == "" {
		return fmt.Errorf("persistence.base_path must not be empty")
	}
	if len(cfg.Persistence.RecordKinds) == 0 {
		return fmt.Errorf("persistence.record_kinds must not be empty")
	}

	return nil
}
