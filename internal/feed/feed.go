// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package feed provides the change-feed transport behind the multiplexer.
//
// A Source delivers per-topic envelope streams with at-least-once semantics
// and serves resync snapshots. Four adapters are provided:
//
//   - NATSSource: JetStream consumption via Watermill, snapshots over
//     request/reply. Supports an embedded server for standalone deployments.
//   - RedisSource: Pub/Sub channels with snapshots read from keys. Plain
//     Pub/Sub drops messages across connection hiccups, so deployments on
//     this adapter lean on foreground resyncs.
//   - WebSocketSource: a single multiplexed socket shared by all topics.
//   - MemorySource: in-process Pub/Sub for tests and development.
//
// Sources never deduplicate or reorder; the multiplexer's high-water mark
// handles replays. A Subscription's envelope channel closes on Close or on
// transport failure; Err distinguishes the two.
package feed

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// DefaultBuffer is the per-subscription envelope buffer when the
// configured size is zero.
const DefaultBuffer = 256

// Source is a change-feed transport.
type Source interface {
	// Subscribe opens an envelope stream for the topic. The context bounds
	// the subscribe handshake only; the stream lives until Close.
	Subscribe(ctx context.Context, topic models.Topic) (Subscription, error)

	// FetchSnapshot retrieves the topic's current state for resync after
	// reconnects and reopens.
	FetchSnapshot(ctx context.Context, topic models.Topic) (*models.Snapshot, error)

	// Close releases the transport. All subscriptions terminate.
	Close() error
}

// Subscription is one live topic stream.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() models.Topic

	// Envelopes returns the stream. The channel closes when the
	// subscription ends, for any reason.
	Envelopes() <-chan models.Envelope

	// Err reports why the stream ended. It is nil until Envelopes is
	// closed, and stays nil after a local Close.
	Err() error

	// Close ends the subscription. Idempotent.
	Close() error
}

// Publisher is implemented by sources that can push envelopes back into
// the feed, which presence broadcasting needs. The WebSocket adapter is
// receive-only and does not implement it; callers fall through to a
// no-op when the assertion fails.
type Publisher interface {
	// Publish sends an envelope on its topic's subject. The envelope's
	// ServerSeq is left to the transport; publishers send zero.
	Publish(env models.Envelope) error
}

// TokenFunc supplies the current bearer token for authenticated transports.
// Sources call it at (re)connect time so refreshed sessions take effect.
type TokenFunc func() string

// DecodeEnvelope parses a wire payload and checks it belongs to the given
// topic. Mismatched topics indicate server-side routing faults and are
// rejected rather than delivered to the wrong stream.
func DecodeEnvelope(payload []byte, topic models.Topic) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic != topic {
		return models.Envelope{}, fmt.Errorf("envelope topic %s does not match subscription %s", env.Topic, topic)
	}
	return env, nil
}

// EncodeEnvelope marshals an envelope for the wire.
func EncodeEnvelope(env models.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// recordDelivered updates feed metrics for an accepted envelope.
func recordDelivered(env models.Envelope) {
	metrics.RecordEnvelope(string(env.Topic.Kind))
}

// recordDecodeFailure updates feed metrics for a payload that could not be
// turned into an envelope for this subscription.
func recordDecodeFailure() {
	metrics.RecordEnvelopeDropped("decode_failed")
}
