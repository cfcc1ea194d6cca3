// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EnvelopeKind is the mutation class of an inbound event.
type EnvelopeKind string

// Envelope kinds.
const (
	EnvelopeInsert EnvelopeKind = "insert"
	EnvelopeUpdate EnvelopeKind = "update"
	EnvelopeDelete EnvelopeKind = "delete"
)

// PayloadKind discriminates the envelope payload union.
type PayloadKind string

// Payload kinds. The union is closed: decoding any other kind fails.
const (
	PayloadMessage     PayloadKind = "message"
	PayloadReaction    PayloadKind = "reaction"
	PayloadReadReceipt PayloadKind = "read_receipt"
	PayloadPresence    PayloadKind = "presence"
	PayloadParticipant PayloadKind = "participant"
)

// Payload is the closed union of envelope payloads. Exactly one concrete
// type exists per PayloadKind; consumers switch on the concrete type.
type Payload interface {
	PayloadKind() PayloadKind
}

// MessagePayload carries a message insert/update/delete.
type MessagePayload struct {
	ClientID       string      `json:"client_id,omitempty"`
	ServerID       string      `json:"server_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Deleted        bool        `json:"deleted,omitempty"`
}

// PayloadKind implements Payload.
func (MessagePayload) PayloadKind() PayloadKind { return PayloadMessage }

// Entry converts the payload into a confirmed message entry.
func (p MessagePayload) Entry() *MessageEntry {
	return &MessageEntry{
		ClientID:       p.ClientID,
		ServerID:       p.ServerID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		Kind:           p.Kind,
		AttachmentURL:  p.AttachmentURL,
		CreatedAt:      p.CreatedAt,
		State:          MessageSent,
		Deleted:        p.Deleted,
	}
}

// ReactionPayload carries a per-user reaction replacement. An empty Kind
// removes the user's reaction.
type ReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Kind           string `json:"reaction_kind,omitempty"`
}

// PayloadKind implements Payload.
func (ReactionPayload) PayloadKind() PayloadKind { return PayloadReaction }

// ReadReceiptPayload marks everything at or before ThroughMessageID in the
// conversation's order as read by UserID. Batched by the server so long
// unread backlogs cost one event, not one per message.
type ReadReceiptPayload struct {
	ConversationID   string    `json:"conversation_id"`
	UserID           string    `json:"user_id"`
	ThroughMessageID string    `json:"through_message_id"`
	ReadAt           time.Time `json:"read_at"`
}

// PayloadKind implements Payload.
func (ReadReceiptPayload) PayloadKind() PayloadKind { return PayloadReadReceipt }

// PresencePayload carries a remote typing signal. TTLMillis is the
// server-suggested lifetime; zero means the tracker applies its default.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
	TTLMillis      int64  `json:"ttl_millis,omitempty"`
}

// PayloadKind implements Payload.
func (PresencePayload) PayloadKind() PayloadKind { return PayloadPresence }

// ParticipantPayload carries a membership change. A set LeftAt excludes the
// participant from active delivery while keeping historical attribution.
type ParticipantPayload struct {
	ConversationID string         `json:"conversation_id"`
	Participant    ParticipantRef `json:"participant"`
}

// PayloadKind implements Payload.
func (ParticipantPayload) PayloadKind() PayloadKind { return PayloadParticipant }

// Envelope is one inbound event from the change feed.
//
// ServerSeq is monotonically non-decreasing per topic; envelopes at or below
// a topic's applied high-water mark are dropped without side effects, which
// makes at-least-once redelivery safe.
type Envelope struct {
	Topic     Topic        `json:"topic"`
	ServerSeq uint64       `json:"server_seq"`
	Kind      EnvelopeKind `json:"kind"`
	Payload   Payload      `json:"-"`
}

// envelopeWire is the JSON shape: the payload travels as a raw message next
// to its discriminator.
type envelopeWire struct {
	Topic       Topic           `json:"topic"`
	ServerSeq   uint64          `json:"server_seq"`
	Kind        EnvelopeKind    `json:"kind"`
	PayloadKind PayloadKind     `json:"payload_kind"`
	Payload     json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, &ValidationError{Field: "payload", Message: "envelope payload is nil"}
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return json.Marshal(envelopeWire{
		Topic:       e.Topic,
		ServerSeq:   e.ServerSeq,
		Kind:        e.Kind,
		PayloadKind: e.Payload.PayloadKind(),
		Payload:     raw,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown payload kinds are an
// error: the union is closed.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	var payload Payload
	switch w.PayloadKind {
	case PayloadMessage:
		var p MessagePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal message payload: %w", err)
		}
		payload = p
	case PayloadReaction:
		var p ReactionPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal reaction payload: %w", err)
		}
		payload = p
	case PayloadReadReceipt:
		var p ReadReceiptPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal read receipt payload: %w", err)
		}
		payload = p
	case PayloadPresence:
		var p PresencePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal presence payload: %w", err)
		}
		payload = p
	case PayloadParticipant:
		var p ParticipantPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal participant payload: %w", err)
		}
		payload = p
	default:
		return &ValidationError{Field: "payload_kind", Message: fmt.Sprintf("unknown payload kind %q", w.PayloadKind)}
	}

	e.Topic = w.Topic
	e.ServerSeq = w.ServerSeq
	e.Kind = w.Kind
	e.Payload = payload
	return nil
}

// Validate checks envelope framing, not payload contents.
func (e *Envelope) Validate() error {
	if err := e.Topic.Validate(); err != nil {
		return err
	}
	switch e.Kind {
	case EnvelopeInsert, EnvelopeUpdate, EnvelopeDelete:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown envelope kind %q", e.Kind)}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "envelope payload is nil"}
	}
	return nil
}
