package offcourse

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the offline engine configuration.
type Config struct {
	// Path is the data directory. The document store and the mutation
	// queue each get their own database file inside it. Required.
	Path string

	// Backend configures the learning backend API client.
	Backend BackendConfig

	// Storage holds document store settings. Storage.Path is derived from
	// Path when empty.
	Storage SQLiteStoreConfig

	// Sync configures the reconciliation cycle.
	Sync SyncManagerConfig

	// Network configures connectivity monitoring.
	Network NetworkMonitorConfig

	// Essentials configures the essential content cache.
	Essentials EssentialCacheConfig

	// Encryption configures at-rest payload encryption.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig

	// Feed configures the real-time status feed.
	Feed StatusFeedConfig

	// Assets configures an S3-compatible origin for course media.
	// If nil, media assets are not pinned.
	Assets *S3AssetOriginConfig
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		Storage:    DefaultSQLiteStoreConfig(""),
		Sync:       DefaultSyncManagerConfig(),
		Network:    DefaultNetworkMonitorConfig(),
		Essentials: DefaultEssentialCacheConfig(),
		Feed:       DefaultStatusFeedConfig(),
	}
}

// normalize derives dependent paths and applies per-field defaults without
// clobbering anything the caller set.
func (c *Config) normalize() {
	if c.Path != "" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Path, "documents.db")
	}

	storageDef := DefaultSQLiteStoreConfig(c.Storage.Path)
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = storageDef.CacheSize
	}
	if c.Storage.JournalMode == "" {
		c.Storage.JournalMode = storageDef.JournalMode
	}
	if c.Storage.Synchronous == "" {
		c.Storage.Synchronous = storageDef.Synchronous
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = storageDef.BusyTimeout
	}
	if c.Storage.MaxConnections == 0 {
		c.Storage.MaxConnections = storageDef.MaxConnections
	}

	syncDef := DefaultSyncManagerConfig()
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = syncDef.BatchSize
	}
	if c.Sync.Staleness == 0 {
		c.Sync.Staleness = syncDef.Staleness
	}
	if c.Sync.BreakerFailures == 0 {
		c.Sync.BreakerFailures = syncDef.BreakerFailures
	}
	if c.Sync.BreakerReset == 0 {
		c.Sync.BreakerReset = syncDef.BreakerReset
	}

	netDef := DefaultNetworkMonitorConfig()
	if c.Network.Interval == 0 {
		c.Network.Interval = netDef.Interval
	}
	if c.Network.DebounceWindow == 0 {
		c.Network.DebounceWindow = netDef.DebounceWindow
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = netDef.ProbeTimeout
	}
	if c.Network.BufferSize == 0 {
		c.Network.BufferSize = netDef.BufferSize
	}

	if c.Essentials.Freshness == 0 {
		c.Essentials.Freshness = DefaultEssentialCacheConfig().Freshness
	}

	feedDef := DefaultStatusFeedConfig()
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = feedDef.BufferSize
	}
	if c.Feed.MinInterval == 0 {
		c.Feed.MinInterval = feedDef.MinInterval
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = feedDef.WriteTimeout
	}
}

// queuePath returns the mutation queue database file.
func (c *Config) queuePath() string {
	return filepath.Join(c.Path, "queue.db")
}

// validate checks required fields.
func (c *Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend base_url is required")
	}
	return nil
}

// fileConfig is the YAML-facing shape of Config. Durations are strings in
// Go duration syntax ("10s", "5m") and parsed explicitly.
type fileConfig struct {
	Path    string `yaml:"path"`
	Backend struct {
		BaseURL          string       `yaml:"base_url"`
		Timeout          string       `yaml:"timeout"`
		Auth             *BackendAuth `yaml:"auth"`
		CompressRequests bool         `yaml:"compress_requests"`
		HealthPath       string       `yaml:"health_path"`
	} `yaml:"backend"`
	Storage struct {
		CacheSize   int   `yaml:"cache_size"`
		Compression *bool `yaml:"compression"`
	} `yaml:"storage"`
	Sync struct {
		BatchSize int    `yaml:"batch_size"`
		Staleness string `yaml:"staleness"`
		Interval  string `yaml:"interval"`
	} `yaml:"sync"`
	Network struct {
		Interval       string `yaml:"interval"`
		DebounceWindow string `yaml:"debounce_window"`
		ProbeTimeout   string `yaml:"probe_timeout"`
	} `yaml:"network"`
	Essentials struct {
		Freshness string `yaml:"freshness"`
	} `yaml:"essentials"`
	Encryption *EncryptionConfig `yaml:"encryption"`
	Feed       struct {
		Enabled    *bool `yaml:"enabled"`
		BufferSize int   `yaml:"buffer_size"`
	} `yaml:"feed"`
	Assets *S3AssetOriginConfig `yaml:"assets"`
}

func parseDuration(field, value string, out *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: invalid %s duration %q", field, value)
	}
	*out = d
	return nil
}

// LoadConfig parses a YAML configuration document.
func LoadConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}

	c := DefaultConfig(fc.Path)
	c.Backend.BaseURL = fc.Backend.BaseURL
	c.Backend.Auth = fc.Backend.Auth
	c.Backend.CompressRequests = fc.Backend.CompressRequests
	c.Backend.HealthPath = fc.Backend.HealthPath
	if fc.Storage.CacheSize != 0 {
		c.Storage.CacheSize = fc.Storage.CacheSize
	}
	if fc.Storage.Compression != nil {
		c.Storage.Compression = *fc.Storage.Compression
	}
	if fc.Sync.BatchSize != 0 {
		c.Sync.BatchSize = fc.Sync.BatchSize
	}
	c.Encryption = fc.Encryption
	if fc.Feed.Enabled != nil {
		c.Feed.Enabled = *fc.Feed.Enabled
	}
	if fc.Feed.BufferSize != 0 {
		c.Feed.BufferSize = fc.Feed.BufferSize
	}
	c.Assets = fc.Assets

	durations := []struct {
		field string
		value string
		out   *time.Duration
	}{
		{"backend.timeout", fc.Backend.Timeout, &c.Backend.Timeout},
		{"sync.staleness", fc.Sync.Staleness, &c.Sync.Staleness},
		{"sync.interval", fc.Sync.Interval, &c.Sync.Interval},
		{"network.interval", fc.Network.Interval, &c.Network.Interval},
		{"network.debounce_window", fc.Network.DebounceWindow, &c.Network.DebounceWindow},
		{"network.probe_timeout", fc.Network.ProbeTimeout, &c.Network.ProbeTimeout},
		{"essentials.freshness", fc.Essentials.Freshness, &c.Essentials.Freshness},
	}
	for _, d := range durations {
		if err := parseDuration(d.field, d.value, d.out); err != nil {
			return Config{}, err
		}
	}

	c.normalize()
	return c, nil
}

// LoadConfigFile reads and parses a YAML configuration file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadConfig(data)
}
