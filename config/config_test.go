// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Listen.Address != "127.0.0.1:9338" {
		t.Errorf("expected address=127.0.0.1:9338, got %s", cfg.Listen.Address)
	}

	if cfg.Store.Compression != "zstd" {
		t.Errorf("expected compression=zstd, got %s", cfg.Store.Compression)
	}

	if cfg.Sync.ProfileMaxAge.Std() != 10*time.Minute {
		t.Errorf("expected profile_max_age=10m, got %s", cfg.Sync.ProfileMaxAge.Std())
	}

	if cfg.Sync.CapabilityMaxAge.Std() != time.Hour {
		t.Errorf("expected capability_max_age=1h, got %s", cfg.Sync.CapabilityMaxAge.Std())
	}

	if cfg.Paths.Database != filepath.Join(cfg.Paths.Root, "weft.db") {
		t.Errorf("expected database under root, got %s", cfg.Paths.Database)
	}
}

func TestLoad_RequiresWeftConfig(t *testing.T) {
	// Save and restore WEFT_CONFIG.
	origConfig := os.Getenv("WEFT_CONFIG")
	defer os.Setenv("WEFT_CONFIG", origConfig)

	// Unset WEFT_CONFIG - Load() should fail.
	os.Unsetenv("WEFT_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when WEFT_CONFIG not set, got nil")
	}

	expectedMsg := "WEFT_CONFIG environment variable not set"
	if err.Error()[:len(expectedMsg)] != expectedMsg {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithWeftConfig(t *testing.T) {
	// Save and restore WEFT_CONFIG.
	origConfig := os.Getenv("WEFT_CONFIG")
	defer os.Setenv("WEFT_CONFIG", origConfig)

	// Create temp config file.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
environment: staging
node:
  id: alice.example.org
paths:
  root: /test/root
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// Set WEFT_CONFIG and load.
	os.Setenv("WEFT_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Node.ID != "alice.example.org" {
		t.Errorf("expected node.id=alice.example.org, got %s", cfg.Node.ID)
	}

	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
environment: staging

node:
  id: alice.example.org

paths:
  root: /custom/root
  database: /custom/weft.db

listen:
  address: 127.0.0.1:4000
  advertised_url: https://weft.example.org

store:
  compression: lz4
  compression_threshold: 1024

peering:
  request_timeout: 5s

sync:
  profile_max_age: 2m
  interval: 30m
`

	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Paths.Root != "/custom/root" {
		t.Errorf("expected root=/custom/root, got %s", cfg.Paths.Root)
	}

	if cfg.Listen.Address != "127.0.0.1:4000" {
		t.Errorf("expected address=127.0.0.1:4000, got %s", cfg.Listen.Address)
	}

	if cfg.Store.Compression != "lz4" {
		t.Errorf("expected compression=lz4, got %s", cfg.Store.Compression)
	}

	if cfg.Peering.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("expected request_timeout=5s, got %s", cfg.Peering.RequestTimeout.Std())
	}

	if cfg.Sync.ProfileMaxAge.Std() != 2*time.Minute {
		t.Errorf("expected profile_max_age=2m, got %s", cfg.Sync.ProfileMaxAge.Std())
	}

	if cfg.Sync.Interval.Std() != 30*time.Minute {
		t.Errorf("expected interval=30m, got %s", cfg.Sync.Interval.Std())
	}

	// Fields the file does not mention keep their defaults.
	if cfg.Sync.CapabilityMaxAge.Std() != time.Hour {
		t.Errorf("expected default capability_max_age=1h, got %s", cfg.Sync.CapabilityMaxAge.Std())
	}
}

func TestLoadFile_InvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
peering:
  request_timeout: fifteen seconds
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
environment: production

node:
  id: alice.example.org

paths:
  root: /default/root

listen:
  address: 127.0.0.1:9338

sync:
  interval: 15m

production:
  paths:
    root: /prod/root
  listen:
    address: 10.0.0.5:9338
  sync:
    interval: 5m
`

	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// Production overrides should be applied.
	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}

	if cfg.Listen.Address != "10.0.0.5:9338" {
		t.Errorf("expected address=10.0.0.5:9338, got %s", cfg.Listen.Address)
	}

	if cfg.Sync.Interval.Std() != 5*time.Minute {
		t.Errorf("expected interval=5m, got %s", cfg.Sync.Interval.Std())
	}

	// Dependent default paths still derive from the original root; the
	// production section must override them explicitly if it moves them.
	if cfg.Node.ID != "alice.example.org" {
		t.Errorf("expected node.id preserved, got %s", cfg.Node.ID)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Verify that environment variables do NOT override config file values.
	// The config file is the single source of truth for deterministic configuration.

	origRoot := os.Getenv("WEFT_ROOT")
	origAddress := os.Getenv("WEFT_LISTEN_ADDRESS")
	defer func() {
		os.Setenv("WEFT_ROOT", origRoot)
		os.Setenv("WEFT_LISTEN_ADDRESS", origAddress)
	}()

	// Set env vars that should be ignored.
	os.Setenv("WEFT_ROOT", "/env/root")
	os.Setenv("WEFT_LISTEN_ADDRESS", "0.0.0.0:1")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
environment: development
paths:
  root: /file/root
listen:
  address: 127.0.0.1:9000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// File values should be used, NOT env vars.
	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s (env vars should not override)", cfg.Paths.Root)
	}

	if cfg.Listen.Address != "127.0.0.1:9000" {
		t.Errorf("expected address=127.0.0.1:9000 from file, got %s (env vars should not override)", cfg.Listen.Address)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/weft",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/weft",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestWeftRootExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "weft.yaml")

	configContent := `
paths:
  root: /data/weft
  database: ${WEFT_ROOT}/store.db
  observe_socket: ${WEFT_ROOT}/observe.sock
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Database != "/data/weft/store.db" {
		t.Errorf("expected database=/data/weft/store.db, got %s", cfg.Paths.Database)
	}

	if cfg.Paths.ObserveSocket != "/data/weft/observe.sock" {
		t.Errorf("expected observe_socket=/data/weft/observe.sock, got %s", cfg.Paths.ObserveSocket)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Node.ID = "alice.example.org"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "missing node id",
			modify: func(c *Config) {
				c.Node.ID = ""
			},
			wantErr: true,
		},
		{
			name: "empty root path",
			modify: func(c *Config) {
				c.Paths.Root = ""
			},
			wantErr: true,
		},
		{
			name: "listen address without port",
			modify: func(c *Config) {
				c.Listen.Address = "127.0.0.1"
			},
			wantErr: true,
		},
		{
			name: "advertised url with bad scheme",
			modify: func(c *Config) {
				c.Listen.AdvertisedURL = "ftp://weft.example.org"
			},
			wantErr: true,
		},
		{
			name: "advertised url https ok",
			modify: func(c *Config) {
				c.Listen.AdvertisedURL = "https://weft.example.org"
			},
			wantErr: false,
		},
		{
			name: "invalid compression",
			modify: func(c *Config) {
				c.Store.Compression = "gzip"
			},
			wantErr: true,
		},
		{
			name: "zero request timeout",
			modify: func(c *Config) {
				c.Peering.RequestTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "negative sync interval",
			modify: func(c *Config) {
				c.Sync.Interval = Duration(-time.Minute)
			},
			wantErr: true,
		},
		{
			name: "zero sync interval disables background sync",
			modify: func(c *Config) {
				c.Sync.Interval = 0
			},
			wantErr: false,
		},
		{
			name: "zero max concurrent peers",
			modify: func(c *Config) {
				c.Sync.MaxConcurrentPeers = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "weft")
	cfg.Paths.Database = filepath.Join(cfg.Paths.Root, "db", "weft.db")
	cfg.Paths.NodeKey = filepath.Join(cfg.Paths.Root, "node.key")
	cfg.Paths.MasterKey = filepath.Join(cfg.Paths.Root, "master.key")
	cfg.Paths.TrustDefaults = filepath.Join(cfg.Paths.Root, "trust-defaults")
	cfg.Paths.ObserveSocket = filepath.Join(cfg.Paths.Root, "observe.sock")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{
		cfg.Paths.Root,
		cfg.Paths.TrustDefaults,
		filepath.Join(cfg.Paths.Root, "db"),
	} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
