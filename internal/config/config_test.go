// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that defaultConfig() returns proper defaults
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	// Mux defaults
	if cfg.Mux.MaxPhysical != 3 {
		t.Errorf("Mux.MaxPhysical = %d, want 3", cfg.Mux.MaxPhysical)
	}
	if cfg.Mux.ReconnectBase != time.Second {
		t.Errorf("Mux.ReconnectBase = %v, want 1s", cfg.Mux.ReconnectBase)
	}
	if cfg.Mux.ReconnectCap != 30*time.Second {
		t.Errorf("Mux.ReconnectCap = %v, want 30s", cfg.Mux.ReconnectCap)
	}
	if cfg.Mux.JitterFraction != 0.2 {
		t.Errorf("Mux.JitterFraction = %v, want 0.2", cfg.Mux.JitterFraction)
	}

	// Store defaults
	if cfg.Store.WindowSize != 200 {
		t.Errorf("Store.WindowSize = %d, want 200", cfg.Store.WindowSize)
	}
	if cfg.Store.PendingTimeout != 10*time.Second {
		t.Errorf("Store.PendingTimeout = %v, want 10s", cfg.Store.PendingTimeout)
	}

	// Presence defaults
	if cfg.Presence.RemoteTTL != 4*time.Second {
		t.Errorf("Presence.RemoteTTL = %v, want 4s", cfg.Presence.RemoteTTL)
	}
	if cfg.Presence.StopDebounce != 3*time.Second {
		t.Errorf("Presence.StopDebounce = %v, want 3s", cfg.Presence.StopDebounce)
	}

	// Gate defaults
	if cfg.Gate.SendInterval != time.Second {
		t.Errorf("Gate.SendInterval = %v, want 1s", cfg.Gate.SendInterval)
	}
	if cfg.Gate.ClaimInterval != 5*time.Second {
		t.Errorf("Gate.ClaimInterval = %v, want 5s", cfg.Gate.ClaimInterval)
	}
	if cfg.Gate.GenerateCodeInterval != 10*time.Second {
		t.Errorf("Gate.GenerateCodeInterval = %v, want 10s", cfg.Gate.GenerateCodeInterval)
	}
	if cfg.Gate.MaxAttempts != 3 {
		t.Errorf("Gate.MaxAttempts = %d, want 3", cfg.Gate.MaxAttempts)
	}

	// Coordinator defaults
	if cfg.Coordinator.BackgroundGrace != 30*time.Second {
		t.Errorf("Coordinator.BackgroundGrace = %v, want 30s", cfg.Coordinator.BackgroundGrace)
	}
	if cfg.Coordinator.PageSize != 50 {
		t.Errorf("Coordinator.PageSize = %d, want 50", cfg.Coordinator.PageSize)
	}

	// Feed defaults (NATS enabled)
	if cfg.Feed.Mode != FeedModeNATS {
		t.Errorf("Feed.Mode = %q, want nats", cfg.Feed.Mode)
	}
	if cfg.Feed.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Feed.NATS.URL = %q, want nats://127.0.0.1:4222", cfg.Feed.NATS.URL)
	}
	if cfg.Feed.NATS.Stream != "NUNTIUS_FEED" {
		t.Errorf("Feed.NATS.Stream = %q, want NUNTIUS_FEED", cfg.Feed.NATS.Stream)
	}

	// Gateway defaults
	if cfg.Gateway.Port != 8655 {
		t.Errorf("Gateway.Port = %d, want 8655", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("Gateway.Host = %q, want 127.0.0.1", cfg.Gateway.Host)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}

	// Defaults must validate
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig().Validate() error = %v", err)
	}
}

// TestEnvTransformFunc verifies environment variable name transformations
func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Mux
		{"NUNTIUS_MUX_MAX_PHYSICAL", "mux.max_physical"},
		{"NUNTIUS_MUX_RECONNECT_BASE", "mux.reconnect_base"},

		// Store
		{"NUNTIUS_STORE_WINDOW_SIZE", "store.window_size"},
		{"NUNTIUS_STORE_PENDING_TIMEOUT", "store.pending_timeout"},

		// Presence
		{"NUNTIUS_PRESENCE_REMOTE_TTL", "presence.remote_ttl"},
		{"NUNTIUS_PRESENCE_STOP_DEBOUNCE", "presence.stop_debounce"},

		// Gate
		{"NUNTIUS_GATE_SEND_INTERVAL", "gate.send_interval"},
		{"NUNTIUS_GATE_MAX_ATTEMPTS", "gate.max_attempts"},

		// Feed
		{"NUNTIUS_FEED_MODE", "feed.mode"},
		{"NUNTIUS_FEED_NATS_URL", "feed.nats.url"},
		{"NUNTIUS_FEED_NATS_EMBEDDED", "feed.nats.embedded"},
		{"NUNTIUS_FEED_REDIS_ADDR", "feed.redis.addr"},
		{"NUNTIUS_FEED_WEBSOCKET_URL", "feed.websocket.url"},

		// History and journal
		{"NUNTIUS_HISTORY_BASE_URL", "history.base_url"},
		{"NUNTIUS_JOURNAL_PATH", "journal.path"},

		// Gateway
		{"NUNTIUS_GATEWAY_PORT", "gateway.port"},
		{"NUNTIUS_GATEWAY_ALLOWED_ORIGINS", "gateway.allowed_origins"},

		// Session
		{"NUNTIUS_SESSION_TOKEN", "session.token"},

		// Logging
		{"NUNTIUS_LOG_LEVEL", "logging.level"},

		// Unknown (should return empty)
		{"RANDOM_VAR", ""},
		{"PATH", ""},
		{"NUNTIUS_UNKNOWN_SETTING", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := envTransformFunc(tt.input)
			if result != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestFindConfigFile verifies config file discovery
func TestFindConfigFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	defer func() {
		if err := os.Chdir(origDir); err != nil {
			t.Errorf("Failed to restore working directory: %v", err)
		}
	}()

	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to change to temp directory: %v", err)
	}

	t.Run("no config file exists", func(t *testing.T) {
		os.Unsetenv(ConfigPathEnvVar)
		result := findConfigFile()
		if result != "" {
			t.Errorf("findConfigFile() = %q, want empty string", result)
		}
	})

	t.Run("config.yaml exists", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "config.yaml")
		if err := os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644); err != nil {
			t.Fatalf("Failed to create config file: %v", err)
		}
		defer os.Remove(configPath)

		os.Unsetenv(ConfigPathEnvVar)
		result := findConfigFile()
		if result != "config.yaml" {
			t.Errorf("findConfigFile() = %q, want config.yaml", result)
		}
	})

	t.Run("env var takes precedence", func(t *testing.T) {
		customPath := filepath.Join(tmpDir, "custom_config.yaml")
		if err := os.WriteFile(customPath, []byte("logging:\n  level: warn\n"), 0644); err != nil {
			t.Fatalf("Failed to create custom config file: %v", err)
		}
		defer os.Remove(customPath)

		os.Setenv(ConfigPathEnvVar, customPath)
		defer os.Unsetenv(ConfigPathEnvVar)

		result := findConfigFile()
		if result != customPath {
			t.Errorf("findConfigFile() = %q, want %q", result, customPath)
		}
	})

	t.Run("env var with non-existent file", func(t *testing.T) {
		os.Setenv(ConfigPathEnvVar, "/non/existent/config.yaml")
		defer os.Unsetenv(ConfigPathEnvVar)

		result := findConfigFile()
		if result != "" {
			t.Errorf("findConfigFile() = %q, want empty string", result)
		}
	})
}

// TestLoadEnvOverrides tests loading configuration from environment variables
func TestLoadEnvOverrides(t *testing.T) {
	os.Clearenv()

	os.Setenv("NUNTIUS_FEED_MODE", "memory")
	os.Setenv("NUNTIUS_STORE_WINDOW_SIZE", "100")
	os.Setenv("NUNTIUS_GATE_SEND_INTERVAL", "2s")
	os.Setenv("NUNTIUS_GATEWAY_PORT", "9100")
	os.Setenv("NUNTIUS_GATEWAY_ALLOWED_ORIGINS", "http://a.local, http://b.local")
	os.Setenv("NUNTIUS_LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Feed.Mode != FeedModeMemory {
		t.Errorf("Feed.Mode = %q, want memory", cfg.Feed.Mode)
	}
	if cfg.Store.WindowSize != 100 {
		t.Errorf("Store.WindowSize = %d, want 100", cfg.Store.WindowSize)
	}
	if cfg.Gate.SendInterval != 2*time.Second {
		t.Errorf("Gate.SendInterval = %v, want 2s", cfg.Gate.SendInterval)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("Gateway.Port = %d, want 9100", cfg.Gateway.Port)
	}
	if len(cfg.Gateway.AllowedOrigins) != 2 ||
		cfg.Gateway.AllowedOrigins[0] != "http://a.local" ||
		cfg.Gateway.AllowedOrigins[1] != "http://b.local" {
		t.Errorf("Gateway.AllowedOrigins = %v, want [http://a.local http://b.local]", cfg.Gateway.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}

	// Untouched settings keep defaults
	if cfg.Mux.MaxPhysical != 3 {
		t.Errorf("Mux.MaxPhysical = %d, want default 3", cfg.Mux.MaxPhysical)
	}
}

// TestLoadConfigFile tests the YAML file layer and env precedence over it
func TestLoadConfigFile(t *testing.T) {
	os.Clearenv()

	tmpDir, err := os.MkdirTemp("", "config_yaml_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	yamlContent := `
mux:
  max_physical: 5
store:
  window_size: 150
feed:
  mode: memory
gateway:
  allowed_origins:
    - http://yaml.local
logging:
  level: warn
`
	configPath := filepath.Join(tmpDir, "nuntius.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	os.Setenv(ConfigPathEnvVar, configPath)
	// Env layer wins over the file layer
	os.Setenv("NUNTIUS_LOG_LEVEL", "error")
	defer os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mux.MaxPhysical != 5 {
		t.Errorf("Mux.MaxPhysical = %d, want 5 from file", cfg.Mux.MaxPhysical)
	}
	if cfg.Store.WindowSize != 150 {
		t.Errorf("Store.WindowSize = %d, want 150 from file", cfg.Store.WindowSize)
	}
	if cfg.Feed.Mode != FeedModeMemory {
		t.Errorf("Feed.Mode = %q, want memory from file", cfg.Feed.Mode)
	}
	if len(cfg.Gateway.AllowedOrigins) != 1 || cfg.Gateway.AllowedOrigins[0] != "http://yaml.local" {
		t.Errorf("Gateway.AllowedOrigins = %v, want [http://yaml.local]", cfg.Gateway.AllowedOrigins)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error (env over file)", cfg.Logging.Level)
	}
}

// TestValidate exercises cross-field validation failures
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_physical", func(c *Config) { c.Mux.MaxPhysical = 0 }},
		{"cap below base", func(c *Config) { c.Mux.ReconnectCap = c.Mux.ReconnectBase / 2 }},
		{"jitter out of range", func(c *Config) { c.Mux.JitterFraction = 1.0 }},
		{"zero window", func(c *Config) { c.Store.WindowSize = 0 }},
		{"zero pending timeout", func(c *Config) { c.Store.PendingTimeout = 0 }},
		{"zero presence ttl", func(c *Config) { c.Presence.RemoteTTL = 0 }},
		{"zero attempts", func(c *Config) { c.Gate.MaxAttempts = 0 }},
		{"zero page size", func(c *Config) { c.Coordinator.PageSize = 0 }},
		{"unknown feed mode", func(c *Config) { c.Feed.Mode = "carrier-pigeon" }},
		{"websocket mode without url", func(c *Config) { c.Feed.Mode = FeedModeWebSocket }},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

// TestGateInterval verifies per-action interval lookup
func TestGateInterval(t *testing.T) {
	g := defaultConfig().Gate

	tests := []struct {
		action string
		want   time.Duration
	}{
		{"send_message", time.Second},
		{"claim", 5 * time.Second},
		{"unclaim", 5 * time.Second},
		{"generate_code", 10 * time.Second},
		{"something_else", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := g.Interval(tt.action); got != tt.want {
				t.Errorf("Interval(%q) = %v, want %v", tt.action, got, tt.want)
			}
		})
	}
}
