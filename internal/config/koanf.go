// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "NUNTIUS_CONFIG"

// DefaultConfigPaths are checked in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"/etc/nuntius/config.yaml",
}

// Load builds the configuration from layered sources:
//  1. Defaults: built-in engine defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: NUNTIUS_* overrides any setting
//
// Precedence is ENV > file > defaults. The merged result is validated
// before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"gateway.allowed_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Unmapped variables return "" and are ignored, which keeps unrelated
// process environment out of the configuration.
//
// Examples:
//   - NUNTIUS_FEED_MODE -> feed.mode
//   - NUNTIUS_FEED_NATS_URL -> feed.nats.url
//   - NUNTIUS_STORE_WINDOW_SIZE -> store.window_size
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"nuntius_mux_max_physical":    "mux.max_physical",
		"nuntius_mux_reconnect_base":  "mux.reconnect_base",
		"nuntius_mux_reconnect_cap":   "mux.reconnect_cap",
		"nuntius_mux_jitter_fraction": "mux.jitter_fraction",
		"nuntius_mux_buffer_size":     "mux.buffer_size",

		"nuntius_store_window_size":        "store.window_size",
		"nuntius_store_pending_timeout":    "store.pending_timeout",
		"nuntius_store_warm_conversations": "store.warm_conversations",
		"nuntius_store_warm_ttl":           "store.warm_ttl",

		"nuntius_presence_remote_ttl":     "presence.remote_ttl",
		"nuntius_presence_sweep_interval": "presence.sweep_interval",
		"nuntius_presence_stop_debounce":  "presence.stop_debounce",

		"nuntius_gate_send_interval":          "gate.send_interval",
		"nuntius_gate_claim_interval":         "gate.claim_interval",
		"nuntius_gate_generate_code_interval": "gate.generate_code_interval",
		"nuntius_gate_max_attempts":           "gate.max_attempts",
		"nuntius_gate_retry_base":             "gate.retry_base",

		"nuntius_coordinator_background_grace": "coordinator.background_grace",
		"nuntius_coordinator_page_size":        "coordinator.page_size",

		"nuntius_feed_mode":                        "feed.mode",
		"nuntius_feed_nats_url":                    "feed.nats.url",
		"nuntius_feed_nats_embedded":               "feed.nats.embedded",
		"nuntius_feed_nats_store_dir":              "feed.nats.store_dir",
		"nuntius_feed_nats_stream":                 "feed.nats.stream",
		"nuntius_feed_nats_ack_wait":               "feed.nats.ack_wait",
		"nuntius_feed_redis_addr":                  "feed.redis.addr",
		"nuntius_feed_redis_password":              "feed.redis.password",
		"nuntius_feed_redis_db":                    "feed.redis.db",
		"nuntius_feed_websocket_url":               "feed.websocket.url",
		"nuntius_feed_websocket_handshake_timeout": "feed.websocket.handshake_timeout",

		"nuntius_history_base_url": "history.base_url",
		"nuntius_history_timeout":  "history.timeout",

		"nuntius_journal_path":                "journal.path",
		"nuntius_journal_sync_writes":         "journal.sync_writes",
		"nuntius_journal_compaction_interval": "journal.compaction_interval",

		"nuntius_archive_enabled":              "archive.enabled",
		"nuntius_archive_path":                 "archive.path",
		"nuntius_archive_max_per_conversation": "archive.max_per_conversation",

		"nuntius_gateway_enabled":             "gateway.enabled",
		"nuntius_gateway_host":                "gateway.host",
		"nuntius_gateway_port":                "gateway.port",
		"nuntius_gateway_read_timeout":        "gateway.read_timeout",
		"nuntius_gateway_write_timeout":       "gateway.write_timeout",
		"nuntius_gateway_shutdown_timeout":    "gateway.shutdown_timeout",
		"nuntius_gateway_allowed_origins":     "gateway.allowed_origins",
		"nuntius_gateway_requests_per_minute": "gateway.requests_per_minute",

		"nuntius_session_token":        "session.token",
		"nuntius_session_refresh_skew": "session.refresh_skew",

		"nuntius_log_level":  "logging.level",
		"nuntius_log_format": "logging.format",
		"nuntius_log_caller": "logging.caller",
	}

	if path, ok := envMappings[key]; ok {
		return path
	}
	return ""
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// The callback fires on every change event; it is the caller's job to
// reload via Load and decide which settings are safe to apply live.
func WatchConfigFile(path string, callback func()) error {
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return nil
	}

	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
