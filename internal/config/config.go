// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package config holds all engine configuration, loaded in three layers:
//
//  1. Defaults: built-in values for every setting
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: NUNTIUS_* overrides for any setting
//
// Config is immutable after Load and safe for concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the sync engine and its daemon.
type Config struct {
	Mux         MuxConfig         `koanf:"mux"`
	Store       StoreConfig       `koanf:"store"`
	Presence    PresenceConfig    `koanf:"presence"`
	Gate        GateConfig        `koanf:"gate"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Feed        FeedConfig        `koanf:"feed"`
	History     HistoryConfig     `koanf:"history"`
	Journal     JournalConfig     `koanf:"journal"`
	Archive     ArchiveConfig     `koanf:"archive"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Session     SessionConfig     `koanf:"session"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// MuxConfig bounds the physical subscription pool and its reconnect policy.
//
// Environment Variables:
//   - NUNTIUS_MUX_MAX_PHYSICAL: physical subscription cap (default: 3)
//   - NUNTIUS_MUX_RECONNECT_BASE: initial reconnect backoff (default: 1s)
//   - NUNTIUS_MUX_RECONNECT_CAP: maximum reconnect backoff (default: 30s)
type MuxConfig struct {
	// MaxPhysical is the hard cap of concurrent physical subscriptions.
	// Topics beyond the cap evict the least recently active subscription.
	MaxPhysical int `koanf:"max_physical"`

	// ReconnectBase is the initial reconnect backoff delay.
	ReconnectBase time.Duration `koanf:"reconnect_base"`

	// ReconnectCap is the backoff ceiling.
	ReconnectCap time.Duration `koanf:"reconnect_cap"`

	// JitterFraction randomizes each backoff delay by ±fraction.
	JitterFraction float64 `koanf:"jitter_fraction"`

	// BufferSize is the per-topic envelope buffer between the feed and the
	// topic callback.
	BufferSize int `koanf:"buffer_size"`
}

// StoreConfig bounds the in-memory message window and reconciliation.
type StoreConfig struct {
	// WindowSize is the bounded in-memory window per open conversation.
	WindowSize int `koanf:"window_size"`

	// PendingTimeout is how long a pending entry waits for confirmation
	// before transitioning to failed.
	PendingTimeout time.Duration `koanf:"pending_timeout"`

	// WarmConversations is how many closed conversations stay cached for
	// fast reopening.
	WarmConversations int `koanf:"warm_conversations"`

	// WarmTTL expires warm conversations that are not reopened.
	WarmTTL time.Duration `koanf:"warm_ttl"`
}

// PresenceConfig controls typing-indicator lifetimes.
type PresenceConfig struct {
	// RemoteTTL is the lifetime of a remote typing entry absent refreshes.
	// Servers may override per event; this is the local default.
	RemoteTTL time.Duration `koanf:"remote_ttl"`

	// SweepInterval is the low-frequency expiry sweep period while any
	// topic is observed.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// StopDebounce is the input-inactivity window after which an explicit
	// stop signal is published.
	StopDebounce time.Duration `koanf:"stop_debounce"`
}

// GateConfig holds the per-action minimum intervals and retry policy for
// outbound writes.
type GateConfig struct {
	SendInterval         time.Duration `koanf:"send_interval"`
	ClaimInterval        time.Duration `koanf:"claim_interval"`
	GenerateCodeInterval time.Duration `koanf:"generate_code_interval"`

	// MaxAttempts bounds transient-failure retries per action.
	MaxAttempts int `koanf:"max_attempts"`

	// RetryBase is the initial retry backoff delay, doubled per attempt.
	RetryBase time.Duration `koanf:"retry_base"`

	// LimiterStaleAfter is how long an idle action key's limiter survives
	// before cleanup.
	LimiterStaleAfter time.Duration `koanf:"limiter_stale_after"`
}

// CoordinatorConfig controls conversation lifecycle.
type CoordinatorConfig struct {
	// BackgroundGrace is how long subscriptions are retained after the app
	// backgrounds before being released.
	BackgroundGrace time.Duration `koanf:"background_grace"`

	// PageSize is the backlog page size for initial load and backward
	// pagination.
	PageSize int `koanf:"page_size"`

	// CommandBuffer sizes each conversation worker's command channel.
	CommandBuffer int `koanf:"command_buffer"`
}

// FeedMode selects the change-feed transport.
type FeedMode string

// Feed modes.
const (
	FeedModeNATS      FeedMode = "nats"
	FeedModeRedis     FeedMode = "redis"
	FeedModeWebSocket FeedMode = "websocket"
	FeedModeMemory    FeedMode = "memory"
)

// FeedConfig selects and configures the change-feed source.
//
// Environment Variables:
//   - NUNTIUS_FEED_MODE: nats, redis, websocket, memory (default: nats)
type FeedConfig struct {
	Mode FeedMode `koanf:"mode"`

	NATS      NATSFeedConfig      `koanf:"nats"`
	Redis     RedisFeedConfig     `koanf:"redis"`
	WebSocket WebSocketFeedConfig `koanf:"websocket"`
}

// NATSFeedConfig configures the NATS JetStream source.
type NATSFeedConfig struct {
	// URL of the NATS server. Ignored when Embedded is true.
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS server (standalone mode).
	Embedded bool `koanf:"embedded"`

	// StoreDir is the JetStream storage directory for the embedded server.
	StoreDir string `koanf:"store_dir"`

	// Stream is the JetStream stream name carrying feed subjects.
	Stream string `koanf:"stream"`

	// AckWait is the JetStream redelivery window.
	AckWait time.Duration `koanf:"ack_wait"`
}

// RedisFeedConfig configures the Redis Pub/Sub source.
type RedisFeedConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// WebSocketFeedConfig configures the WebSocket dial source.
type WebSocketFeedConfig struct {
	// URL is the feed endpoint, e.g. wss://feed.example.com/v1/stream.
	URL string `koanf:"url"`

	// HandshakeTimeout bounds the dial handshake.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// HistoryConfig configures the relational history collaborator.
type HistoryConfig struct {
	// BaseURL of the history API, e.g. https://api.example.com.
	BaseURL string `koanf:"base_url"`

	// Timeout per request.
	Timeout time.Duration `koanf:"timeout"`
}

// JournalConfig configures the durable outbound journal.
type JournalConfig struct {
	// Path is the BadgerDB directory. Empty disables the journal.
	Path string `koanf:"path"`

	// SyncWrites forces fsync per write. Slower, safest.
	SyncWrites bool `koanf:"sync_writes"`

	// CompactionInterval is how often resolved entries are purged.
	CompactionInterval time.Duration `koanf:"compaction_interval"`
}

// ArchiveConfig configures the local read-through message archive.
type ArchiveConfig struct {
	// Enabled toggles the archive. When off, backward pages always go to
	// the remote history API.
	Enabled bool `koanf:"enabled"`

	// Path is the SQLite database file.
	Path string `koanf:"path"`

	// MaxPerConversation trims each conversation's archived rows.
	MaxPerConversation int `koanf:"max_per_conversation"`
}

// GatewayConfig configures the local HTTP/WebSocket surface.
type GatewayConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RequestsPerMinute is the per-client HTTP rate limit.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// SessionConfig carries the bearer session for the feed and history
// collaborators. The engine introspects expiry; verification is the
// issuer's job.
type SessionConfig struct {
	// Token is the bearer JWT. Usually provided via NUNTIUS_SESSION_TOKEN.
	Token string `koanf:"token"`

	// RefreshSkew signals expiry this long before the token's exp claim.
	RefreshSkew time.Duration `koanf:"refresh_skew"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults applied before file and env
// layers.
func defaultConfig() Config {
	return Config{
		Mux: MuxConfig{
			MaxPhysical:    3,
			ReconnectBase:  time.Second,
			ReconnectCap:   30 * time.Second,
			JitterFraction: 0.2,
			BufferSize:     256,
		},
		Store: StoreConfig{
			WindowSize:        200,
			PendingTimeout:    10 * time.Second,
			WarmConversations: 32,
			WarmTTL:           15 * time.Minute,
		},
		Presence: PresenceConfig{
			RemoteTTL:     4 * time.Second,
			SweepInterval: 2 * time.Second,
			StopDebounce:  3 * time.Second,
		},
		Gate: GateConfig{
			SendInterval:         time.Second,
			ClaimInterval:        5 * time.Second,
			GenerateCodeInterval: 10 * time.Second,
			MaxAttempts:          3,
			RetryBase:            500 * time.Millisecond,
			LimiterStaleAfter:    time.Hour,
		},
		Coordinator: CoordinatorConfig{
			BackgroundGrace: 30 * time.Second,
			PageSize:        50,
			CommandBuffer:   64,
		},
		Feed: FeedConfig{
			Mode: FeedModeNATS,
			NATS: NATSFeedConfig{
				URL:      "nats://127.0.0.1:4222",
				Embedded: false,
				StoreDir: "./data/jetstream",
				Stream:   "NUNTIUS_FEED",
				AckWait:  30 * time.Second,
			},
			Redis: RedisFeedConfig{
				Addr: "127.0.0.1:6379",
			},
			WebSocket: WebSocketFeedConfig{
				HandshakeTimeout: 10 * time.Second,
			},
		},
		History: HistoryConfig{
			Timeout: 15 * time.Second,
		},
		Journal: JournalConfig{
			Path:               "./data/journal",
			SyncWrites:         true,
			CompactionInterval: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled:            true,
			Path:               "./data/archive.db",
			MaxPerConversation: 500,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8655,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerMinute: 300,
		},
		Session: SessionConfig{
			RefreshSkew: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints the tag-based validator cannot
// express. Returns the first violation found.
func (c *Config) Validate() error {
	if c.Mux.MaxPhysical < 1 {
		return fmt.Errorf("mux.max_physical must be at least 1, got %d", c.Mux.MaxPhysical)
	}
	if c.Mux.ReconnectBase <= 0 || c.Mux.ReconnectCap < c.Mux.ReconnectBase {
		return fmt.Errorf("mux reconnect backoff invalid: base=%s cap=%s", c.Mux.ReconnectBase, c.Mux.ReconnectCap)
	}
	if c.Mux.JitterFraction < 0 || c.Mux.JitterFraction >= 1 {
		return fmt.Errorf("mux.jitter_fraction must be in [0,1), got %v", c.Mux.JitterFraction)
	}
	if c.Store.WindowSize < 1 {
		return fmt.Errorf("store.window_size must be at least 1, got %d", c.Store.WindowSize)
	}
	if c.Store.PendingTimeout <= 0 {
		return fmt.Errorf("store.pending_timeout must be positive, got %s", c.Store.PendingTimeout)
	}
	if c.Presence.RemoteTTL <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence ttl/sweep must be positive: ttl=%s sweep=%s", c.Presence.RemoteTTL, c.Presence.SweepInterval)
	}
	if c.Gate.MaxAttempts < 1 {
		return fmt.Errorf("gate.max_attempts must be at least 1, got %d", c.Gate.MaxAttempts)
	}
	if c.Coordinator.PageSize < 1 {
		return fmt.Errorf("coordinator.page_size must be at least 1, got %d", c.Coordinator.PageSize)
	}
	switch c.Feed.Mode {
	case FeedModeNATS, FeedModeRedis, FeedModeWebSocket, FeedModeMemory:
	default:
		return fmt.Errorf("feed.mode must be nats, redis, websocket, or memory, got %q", c.Feed.Mode)
	}
	if c.Feed.Mode == FeedModeWebSocket && c.Feed.WebSocket.URL == "" {
		return fmt.Errorf("feed.websocket.url is required in websocket mode")
	}
	if c.Gateway.Enabled && (c.Gateway.Port < 1 || c.Gateway.Port > 65535) {
		return fmt.Errorf("gateway.port must be in [1,65535], got %d", c.Gateway.Port)
	}
	return nil
}

// Interval returns the configured minimum interval for an outbound action
// key, falling back to the send interval for unknown keys.
func (g GateConfig) Interval(action string) time.Duration {
	switch action {
	case "send_message":
		return g.SendInterval
	case "claim", "unclaim":
		return g.ClaimInterval
	case "generate_code":
		return g.GenerateCodeInterval
	default:
		return g.SendInterval
	}
}
