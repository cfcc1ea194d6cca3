// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the sync engine:
// - change-feed subscription pool (multiplexer)
// - message store reconciliation and pagination
// - presence, reactions, read receipts
// - outbound gate (rate limits, retries, breaker)
// - journal and gateway

var (
	// Feed / Multiplexer Metrics
	FeedEnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_envelopes_received_total",
			Help: "Total number of envelopes received from the change feed",
		},
		[]string{"topic_kind"}, // "conversation", "presence"
	)

	FeedEnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_envelopes_dropped_total",
			Help: "Total number of envelopes dropped before apply",
		},
		[]string{"reason"}, // "duplicate_seq", "topic_closed", "decode_failed"
	)

	MuxSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mux_physical_subscriptions",
			Help: "Current number of live physical feed subscriptions",
		},
	)

	MuxEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mux_evictions_total",
			Help: "Total number of LRU evictions from the subscription pool",
		},
	)

	MuxReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mux_reconnects_total",
			Help: "Total number of feed reconnect attempts",
		},
	)

	MuxResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_resyncs_total",
			Help: "Total number of post-reconnect topic resyncs",
		},
		[]string{"result"}, // "success", "failure"
	)

	// Message Store Metrics
	StoreReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_reconciliations_total",
			Help: "Total number of envelope reconciliations against optimistic entries",
		},
		[]string{"outcome"}, // "matched", "inserted", "stale"
	)

	StorePendingTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_pending_timeouts_total",
			Help: "Total number of pending entries that timed out into failed state",
		},
	)

	StoreWindowEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_window_evictions_total",
			Help: "Total number of entries evicted by the bounded in-memory window",
		},
	)

	StoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_entries",
			Help: "Current number of message entries held in memory",
		},
	)

	PageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "page_fetch_duration_seconds",
			Help:    "Duration of backward page fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"}, // "archive", "remote"
	)

	// Presence Metrics
	PresenceEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_entries",
			Help: "Current number of live remote presence entries",
		},
	)

	PresenceExpiries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_expiries_total",
			Help: "Total number of presence entries removed",
		},
		[]string{"reason"}, // "ttl", "stop", "purge"
	)

	PresencePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_publishes_total",
			Help: "Total number of local typing signals published",
		},
		[]string{"kind"}, // "start", "stop"
	)

	// Reaction / Read Receipt Metrics
	ReactionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactions_applied_total",
			Help: "Total number of reaction events folded into summaries",
		},
		[]string{"op"}, // "set", "replace", "remove", "noop"
	)

	ReadReceiptsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "read_receipts_applied_total",
			Help: "Total number of read receipt applications (batched applies count once per message)",
		},
	)

	// Outbound Gate Metrics
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_rejections_total",
			Help: "Total number of outbound actions rejected by the interval limiter",
		},
		[]string{"action"},
	)

	GateRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_retries_total",
			Help: "Total number of outbound action retry attempts",
		},
		[]string{"action"},
	)

	GateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_failures_total",
			Help: "Total number of outbound actions that exhausted retries",
		},
		[]string{"action"},
	)

	GateActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_action_duration_seconds",
			Help:    "Duration of outbound actions including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Journal Metrics
	JournalPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "journal_pending_entries",
			Help: "Current number of unresolved outbound journal entries",
		},
	)

	JournalWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_writes_total",
			Help: "Total number of outbound actions journaled",
		},
	)

	JournalResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_resolved_total",
			Help: "Total number of journal entries resolved",
		},
		[]string{"outcome"}, // "confirmed", "abandoned"
	)

	JournalRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_recoveries_total",
			Help: "Total number of journal entries resubmitted at startup",
		},
	)

	// Coordinator Metrics
	ConversationsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conversations_by_state",
			Help: "Current number of conversations per lifecycle state",
		},
		[]string{"state"}, // "subscribing", "live", "backgrounded"
	)

	CoordinatorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_state_transitions_total",
			Help: "Total number of conversation lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	// Session Metrics
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_total",
			Help: "Total number of session lifecycle events emitted",
		},
		[]string{"kind"}, // "changed", "refreshed", "expiring", "expired", "cleared"
	)

	// Gateway Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of gateway API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Gateway API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Current number of connected gateway WebSocket clients",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of snapshots pushed to WebSocket clients",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Total number of snapshots dropped because a client send buffer was full",
		},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordEnvelope records an envelope received for a topic kind.
func RecordEnvelope(topicKind string) {
	FeedEnvelopesReceived.WithLabelValues(topicKind).Inc()
}

// RecordEnvelopeDropped records an envelope dropped before apply.
func RecordEnvelopeDropped(reason string) {
	FeedEnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordReconciliation records the outcome of applying an insert envelope.
func RecordReconciliation(outcome string) {
	StoreReconciliations.WithLabelValues(outcome).Inc()
}

// RecordPageFetch records a backward page fetch.
func RecordPageFetch(source string, duration time.Duration) {
	PageFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordGateRejection records an interval-limiter rejection.
func RecordGateRejection(action string) {
	GateRejections.WithLabelValues(action).Inc()
}

// RecordGateAction records a completed outbound action, successful or not.
func RecordGateAction(action string, duration time.Duration, retries int, failed bool) {
	GateActionDuration.WithLabelValues(action).Observe(duration.Seconds())
	if retries > 0 {
		GateRetries.WithLabelValues(action).Add(float64(retries))
	}
	if failed {
		GateFailures.WithLabelValues(action).Inc()
	}
}

// RecordAPIRequest records a gateway API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCoordinatorTransition records a conversation lifecycle transition and
// keeps the per-state gauges consistent.
func RecordCoordinatorTransition(from, to string) {
	CoordinatorTransitions.WithLabelValues(from, to).Inc()
	if gaugedState(from) {
		ConversationsByState.WithLabelValues(from).Dec()
	}
	if gaugedState(to) {
		ConversationsByState.WithLabelValues(to).Inc()
	}
}

// gaugedState reports whether a lifecycle state is tracked by gauge.
// Closed conversations are not live resources and are not gauged.
func gaugedState(state string) bool {
	return state == "subscribing" || state == "live" || state == "backgrounded"
}

// RecordSessionEvent records a session lifecycle event.
func RecordSessionEvent(kind string) {
	SessionEvents.WithLabelValues(kind).Inc()
}
