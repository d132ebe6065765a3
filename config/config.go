// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration wraps time.Duration so YAML values like "90s" or "10m"
// decode directly. The zero value means "unset" and is replaced by
// the field's default during loading.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar such as \"30s\", got %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for a Weft node.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Node identifies this node in the federation.
	Node NodeConfig `yaml:"node"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Listen configures the callback HTTP listener.
	Listen ListenConfig `yaml:"listen"`

	// Store configures the attribute store backend.
	Store StoreConfig `yaml:"store"`

	// Peering configures outbound peer communication.
	Peering PeeringConfig `yaml:"peering"`

	// Sync configures synchronization staleness and scheduling.
	Sync SyncConfig `yaml:"sync"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Node    *NodeConfig    `yaml:"node,omitempty"`
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Listen  *ListenConfig  `yaml:"listen,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Peering *PeeringConfig `yaml:"peering,omitempty"`
	Sync    *SyncConfig    `yaml:"sync,omitempty"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// ID is the actor identity this node operates as, e.g. "alice.example.org".
	// Required; there is no default.
	ID string `yaml:"id"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for Weft data.
	Root string `yaml:"root"`

	// Database is the SQLite attribute store path.
	// Default: ${WEFT_ROOT}/weft.db
	Database string `yaml:"database"`

	// NodeKey is the node's age identity path. It unseals the master
	// key at startup and is generated on first run.
	// Default: ${WEFT_ROOT}/node.key
	NodeKey string `yaml:"node_key"`

	// MasterKey is the sealed node master key path. The key encrypts
	// peer bearer secrets at rest.
	// Default: ${WEFT_ROOT}/master.key
	MasterKey string `yaml:"master_key"`

	// TrustDefaults is the directory of per-relationship default
	// permission files (JSONC, one file per trust relationship type).
	// Default: ${WEFT_ROOT}/trust-defaults
	TrustDefaults string `yaml:"trust_defaults"`

	// ObserveSocket is the Unix socket path for the sync event stream.
	// Default: ${WEFT_ROOT}/observe.sock
	ObserveSocket string `yaml:"observe_socket"`
}

// ListenConfig configures the callback HTTP listener.
type ListenConfig struct {
	// Address is the host:port the callback endpoints bind to.
	// The listener is expected to sit behind the node's fronting
	// proxy; the default binds loopback only.
	// Default: 127.0.0.1:9338
	Address string `yaml:"address"`

	// AdvertisedURL is the base URL peers use to reach this node's
	// callback endpoints, e.g. "https://weft.example.org". Required
	// for outbound subscriptions; may stay empty on receive-only nodes.
	AdvertisedURL string `yaml:"advertised_url"`
}

// StoreConfig configures the attribute store backend.
type StoreConfig struct {
	// PoolSize is the SQLite connection pool size. 0 means automatic
	// (number of CPUs, minimum 4).
	PoolSize int `yaml:"pool_size"`

	// Compression selects the codec for large attribute values.
	// Values: "none", "lz4", "zstd". Default: zstd
	Compression string `yaml:"compression"`

	// CompressionThreshold is the minimum value size in bytes before
	// compression applies. Default: 4096
	CompressionThreshold int `yaml:"compression_threshold"`

	// SweepInterval is how often expired attributes are swept.
	// Default: 5m
	SweepInterval Duration `yaml:"sweep_interval"`
}

// PeeringConfig configures outbound peer communication.
type PeeringConfig struct {
	// RequestTimeout bounds a single peer HTTP request.
	// Default: 15s
	RequestTimeout Duration `yaml:"request_timeout"`

	// RetryMaxElapsed bounds the total time spent retrying a
	// transient peer failure before giving up.
	// Default: 10s
	RetryMaxElapsed Duration `yaml:"retry_max_elapsed"`
}

// SyncConfig configures synchronization staleness and scheduling.
type SyncConfig struct {
	// ProfileMaxAge is how long a cached peer profile stays fresh.
	// Default: 10m
	ProfileMaxAge Duration `yaml:"profile_max_age"`

	// CapabilityMaxAge is how long cached peer capabilities stay fresh.
	// Default: 1h
	CapabilityMaxAge Duration `yaml:"capability_max_age"`

	// PermissionMaxAge is how long a cached permission snapshot stays fresh.
	// Default: 1h
	PermissionMaxAge Duration `yaml:"permission_max_age"`

	// Interval is the period between background full syncs of all
	// peers. 0 disables background syncing.
	// Default: 15m
	Interval Duration `yaml:"interval"`

	// MaxConcurrentPeers bounds how many peers sync in parallel
	// during a full sync. Default: 4
	MaxConcurrentPeers int `yaml:"max_concurrent_peers"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "weft")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:          defaultRoot,
			Database:      filepath.Join(defaultRoot, "weft.db"),
			NodeKey:       filepath.Join(defaultRoot, "node.key"),
			MasterKey:     filepath.Join(defaultRoot, "master.key"),
			TrustDefaults: filepath.Join(defaultRoot, "trust-defaults"),
			ObserveSocket: filepath.Join(defaultRoot, "observe.sock"),
		},
		Listen: ListenConfig{
			Address: "127.0.0.1:9338",
		},
		Store: StoreConfig{
			PoolSize:             0,
			Compression:          "zstd",
			CompressionThreshold: 4096,
			SweepInterval:        Duration(5 * time.Minute),
		},
		Peering: PeeringConfig{
			RequestTimeout:  Duration(15 * time.Second),
			RetryMaxElapsed: Duration(10 * time.Second),
		},
		Sync: SyncConfig{
			ProfileMaxAge:      Duration(10 * time.Minute),
			CapabilityMaxAge:   Duration(time.Hour),
			PermissionMaxAge:   Duration(time.Hour),
			Interval:           Duration(15 * time.Minute),
			MaxConcurrentPeers: 4,
		},
	}
}

// Load loads configuration from the WEFT_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if WEFT_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("WEFT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WEFT_CONFIG environment variable not set; " +
			"set it to the path of your weft.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Node != nil {
		if overrides.Node.ID != "" {
			c.Node.ID = overrides.Node.ID
		}
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Database != "" {
			c.Paths.Database = overrides.Paths.Database
		}
		if overrides.Paths.NodeKey != "" {
			c.Paths.NodeKey = overrides.Paths.NodeKey
		}
		if overrides.Paths.MasterKey != "" {
			c.Paths.MasterKey = overrides.Paths.MasterKey
		}
		if overrides.Paths.TrustDefaults != "" {
			c.Paths.TrustDefaults = overrides.Paths.TrustDefaults
		}
		if overrides.Paths.ObserveSocket != "" {
			c.Paths.ObserveSocket = overrides.Paths.ObserveSocket
		}
	}

	if overrides.Listen != nil {
		if overrides.Listen.Address != "" {
			c.Listen.Address = overrides.Listen.Address
		}
		if overrides.Listen.AdvertisedURL != "" {
			c.Listen.AdvertisedURL = overrides.Listen.AdvertisedURL
		}
	}

	if overrides.Store != nil {
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
		if overrides.Store.Compression != "" {
			c.Store.Compression = overrides.Store.Compression
		}
		if overrides.Store.CompressionThreshold != 0 {
			c.Store.CompressionThreshold = overrides.Store.CompressionThreshold
		}
		if overrides.Store.SweepInterval != 0 {
			c.Store.SweepInterval = overrides.Store.SweepInterval
		}
	}

	if overrides.Peering != nil {
		if overrides.Peering.RequestTimeout != 0 {
			c.Peering.RequestTimeout = overrides.Peering.RequestTimeout
		}
		if overrides.Peering.RetryMaxElapsed != 0 {
			c.Peering.RetryMaxElapsed = overrides.Peering.RetryMaxElapsed
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.ProfileMaxAge != 0 {
			c.Sync.ProfileMaxAge = overrides.Sync.ProfileMaxAge
		}
		if overrides.Sync.CapabilityMaxAge != 0 {
			c.Sync.CapabilityMaxAge = overrides.Sync.CapabilityMaxAge
		}
		if overrides.Sync.PermissionMaxAge != 0 {
			c.Sync.PermissionMaxAge = overrides.Sync.PermissionMaxAge
		}
		if overrides.Sync.Interval != 0 {
			c.Sync.Interval = overrides.Sync.Interval
		}
		if overrides.Sync.MaxConcurrentPeers != 0 {
			c.Sync.MaxConcurrentPeers = overrides.Sync.MaxConcurrentPeers
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WEFT_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WEFT_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.NodeKey = expandVars(c.Paths.NodeKey, vars)
	c.Paths.MasterKey = expandVars(c.Paths.MasterKey, vars)
	c.Paths.TrustDefaults = expandVars(c.Paths.TrustDefaults, vars)
	c.Paths.ObserveSocket = expandVars(c.Paths.ObserveSocket, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Node.ID == "" {
		errs = append(errs, fmt.Errorf("node.id is required"))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	} else if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		errs = append(errs, fmt.Errorf("listen.address %q is not host:port: %w", c.Listen.Address, err))
	}

	if c.Listen.AdvertisedURL != "" {
		parsed, err := url.Parse(c.Listen.AdvertisedURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("listen.advertised_url: %w", err))
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			errs = append(errs, fmt.Errorf("listen.advertised_url must be http or https, got %q", parsed.Scheme))
		}
	}

	compressionValues := []string{"none", "lz4", "zstd"}
	if !contains(compressionValues, c.Store.Compression) {
		errs = append(errs, fmt.Errorf("store.compression must be one of: %v", compressionValues))
	}
	if c.Store.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("store.compression_threshold must be >= 0"))
	}

	if c.Peering.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peering.request_timeout must be positive"))
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"sync.profile_max_age", c.Sync.ProfileMaxAge},
		{"sync.capability_max_age", c.Sync.CapabilityMaxAge},
		{"sync.permission_max_age", c.Sync.PermissionMaxAge},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	if c.Sync.Interval < 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be >= 0 (0 disables background sync)"))
	}
	if c.Sync.MaxConcurrentPeers < 1 {
		errs = append(errs, fmt.Errorf("sync.max_concurrent_peers must be >= 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
// Directories are private to the node user: the store holds mirrored
// peer data and encrypted secrets.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		c.Paths.Root,
		c.Paths.TrustDefaults,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.NodeKey),
		filepath.Dir(c.Paths.MasterKey),
		filepath.Dir(c.Paths.ObserveSocket),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
