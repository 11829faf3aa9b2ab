// Package config handles loading and parsing of RelayStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for RelayStore.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Shards    ShardsConfig    `yaml:"shards"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize caps single-shot image uploads and individual chunks, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// ShardTarget describes one backing blob store in the shard pool. The pool
// order in the config file is the round-robin order.
type ShardTarget struct {
	// Type is the shard driver: "local", "sqlite", or "s3".
	Type string `yaml:"type"`
	// Name overrides the derived shard name. When empty the name is derived
	// from the connection target (directory base name, database file base
	// name, or bucket name).
	Name string `yaml:"name"`
	// Dir is the root directory for a local shard.
	Dir string `yaml:"dir"`
	// Path is the database file path for a sqlite shard.
	Path string `yaml:"path"`
	// Bucket, Region, Endpoint and the credential pair configure an s3 shard.
	// Credentials fall back to the default AWS chain when unset.
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// CapacityBytes is the advertised capacity of this shard, used for
	// health reporting only. Zero means the default per-shard capacity.
	CapacityBytes int64 `yaml:"capacity_bytes"`
}

// ShardsConfig holds the shard pool definition.
type ShardsConfig struct {
	Targets []ShardTarget `yaml:"targets"`
	// DefaultCapacityBytes is the advertised capacity for shards that do not
	// set capacity_bytes. Defaults to 512 MiB, matching the deployment the
	// service was sized for.
	DefaultCapacityBytes int64 `yaml:"default_capacity_bytes"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Path is the filesystem path for the SQLite metadata database file.
	Path string `yaml:"path"`
}

// LifecycleConfig holds timing knobs for the background sweeps.
type LifecycleConfig struct {
	// RetentionWindow is how long soft-deleted archive metadata is kept
	// before the purge sweep removes it.
	RetentionWindow time.Duration `yaml:"retention_window"`
	// SessionIdleTimeout is how long an upload session may sit without chunk
	// activity before the reaper evicts it.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	// SessionReapInterval is how often the idle-session reaper runs.
	SessionReapInterval time.Duration `yaml:"session_reap_interval"`
	// DeletionLogInterval is how often the pending-deletion logger runs.
	DeletionLogInterval time.Duration `yaml:"deletion_log_interval"`
	// PurgeInterval is how often the retention purge sweep runs.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// RegistryConfig holds timing knobs for the rendezvous registry sweeps.
type RegistryConfig struct {
	// ServerTimeout is how long a server may go without a heartbeat before
	// eviction (its clients are evicted with it).
	ServerTimeout time.Duration `yaml:"server_timeout"`
	// ClientHeartbeatTimeout is how long a client heartbeat entry is retained.
	ClientHeartbeatTimeout time.Duration `yaml:"client_heartbeat_timeout"`
	// SweepInterval is how often both registry sweeps run.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. If the primary path fails, it falls
// back to relaystore.example.yaml in the same or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "relaystore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "relaystore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults. The lifecycle and
// registry windows match the deployment this service was extracted from:
// one-day retention, 15-minute idle sessions, 40-second server heartbeats.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 30,
			MaxUploadSize:   64 << 20,
		},
		Shards: ShardsConfig{
			DefaultCapacityBytes: 512 << 20,
		},
		Metadata: MetadataConfig{
			Path: "./data/records.db",
		},
		Lifecycle: LifecycleConfig{
			RetentionWindow:     24 * time.Hour,
			SessionIdleTimeout:  15 * time.Minute,
			SessionReapInterval: 15 * time.Minute,
			DeletionLogInterval: time.Minute,
			PurgeInterval:       time.Minute,
		},
		Registry: RegistryConfig{
			ServerTimeout:          40 * time.Second,
			ClientHeartbeatTimeout: 5 * time.Minute,
			SweepInterval:          20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value after
// YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = def.Server.MaxUploadSize
	}
	if cfg.Shards.DefaultCapacityBytes == 0 {
		cfg.Shards.DefaultCapacityBytes = def.Shards.DefaultCapacityBytes
	}
	if cfg.Metadata.Path == "" {
		cfg.Metadata.Path = def.Metadata.Path
	}
	if cfg.Lifecycle.RetentionWindow == 0 {
		cfg.Lifecycle.RetentionWindow = def.Lifecycle.RetentionWindow
	}
	if cfg.Lifecycle.SessionIdleTimeout == 0 {
		cfg.Lifecycle.SessionIdleTimeout = def.Lifecycle.SessionIdleTimeout
	}
	if cfg.Lifecycle.SessionReapInterval == 0 {
		cfg.Lifecycle.SessionReapInterval = def.Lifecycle.SessionReapInterval
	}
	if cfg.Lifecycle.DeletionLogInterval == 0 {
		cfg.Lifecycle.DeletionLogInterval = def.Lifecycle.DeletionLogInterval
	}
	if cfg.Lifecycle.PurgeInterval == 0 {
		cfg.Lifecycle.PurgeInterval = def.Lifecycle.PurgeInterval
	}
	if cfg.Registry.ServerTimeout == 0 {
		cfg.Registry.ServerTimeout = def.Registry.ServerTimeout
	}
	if cfg.Registry.ClientHeartbeatTimeout == 0 {
		cfg.Registry.ClientHeartbeatTimeout = def.Registry.ClientHeartbeatTimeout
	}
	if cfg.Registry.SweepInterval == 0 {
		cfg.Registry.SweepInterval = def.Registry.SweepInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}
