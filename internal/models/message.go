// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageState is the delivery state of a message entry.
type MessageState string

// Message entry states. A pending entry resolves to sent on reconciliation
// or to failed on confirmation timeout; it never silently disappears.
const (
	MessagePending MessageState = "pending"
	MessageSent    MessageState = "sent"
	MessageFailed  MessageState = "failed"
)

// MessageKind classifies message content.
type MessageKind string

// Message kinds.
const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageSystem MessageKind = "system"
)

// MaxMessageBodyLength bounds outbound message bodies.
const MaxMessageBodyLength = 4000

// MessageEntry is one logical message in a conversation's ordered log.
//
// ClientID is generated locally at creation time and is the reconciliation
// key: a server-confirmed envelope carrying the same ClientID transitions
// the entry pending->sent and attaches ServerID. It never produces a second
// visible entry.
type MessageEntry struct {
	ClientID       string       `json:"client_id"`
	ServerID       string       `json:"server_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"body"`
	Kind           MessageKind  `json:"kind"`
	AttachmentURL  string       `json:"attachment_url,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	State          MessageState `json:"state"`
	Deleted        bool         `json:"deleted,omitempty"`
}

// NewMessageEntry creates a pending local entry with a fresh ClientID and
// the current UTC time as its provisional ordering timestamp.
func NewMessageEntry(conversationID, senderID, body string, kind MessageKind) *MessageEntry {
	return &MessageEntry{
		ClientID:       uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           kind,
		CreatedAt:      time.Now().UTC(),
		State:          MessagePending,
	}
}

// Validate checks an outbound entry before it enters the gate.
func (m *MessageEntry) Validate() error {
	if m.ConversationID == "" {
		return &ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	if m.SenderID == "" {
		return &ValidationError{Field: "sender_id", Message: "sender id is required"}
	}
	switch m.Kind {
	case MessageText:
		if m.Body == "" {
			return &ValidationError{Field: "body", Message: "text message body is empty"}
		}
	case MessageImage:
		if m.AttachmentURL == "" {
			return &ValidationError{Field: "attachment_url", Message: "image message requires an attachment URL"}
		}
	case MessageSystem:
	default:
		return &ValidationError{Field: "kind", Message: "unknown message kind"}
	}
	if len(m.Body) > MaxMessageBodyLength {
		return &ValidationError{Field: "body", Message: "message body exceeds maximum length"}
	}
	return nil
}

// SortID returns the tiebreak component of the ordering key:
// the server-assigned id once confirmed, the client id until then.
func (m *MessageEntry) SortID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientID
}

// Before reports whether m orders before other under the engine's total
// order (CreatedAt, then SortID).
func (m *MessageEntry) Before(other *MessageEntry) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.SortID() < other.SortID()
}

// Resolved reports whether the entry has left the pending state.
func (m *MessageEntry) Resolved() bool {
	return m.State != MessagePending
}
