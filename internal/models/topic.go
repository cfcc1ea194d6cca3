// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"fmt"
	"strings"
)

// TopicKind identifies the class of a subscription target.
type TopicKind string

// Topic kinds.
const (
	TopicConversation TopicKind = "conversation"
	TopicPresence     TopicKind = "presence"
)

// Topic is a subscription target on the change feed. At most one live
// physical subscription exists per topic; the multiplexer reference-counts
// interested consumers behind it.
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id"`
}

// ConversationTopic returns the conversation feed topic for an id.
func ConversationTopic(id string) Topic {
	return Topic{Kind: TopicConversation, ID: id}
}

// PresenceTopic returns the presence feed topic for a conversation id.
func PresenceTopic(id string) Topic {
	return Topic{Kind: TopicPresence, ID: id}
}

// String returns the canonical "kind:id" form used as a map key and in logs.
func (t Topic) String() string {
	return string(t.Kind) + ":" + t.ID
}

// Subject returns the feed subject for this topic, e.g.
// "nuntius.feed.conversation.42". Used by the NATS and Redis sources.
func (t Topic) Subject() string {
	return "nuntius.feed." + string(t.Kind) + "." + t.ID
}

// SnapshotSubject returns the request/reply subject serving resync
// snapshots for this topic.
func (t Topic) SnapshotSubject() string {
	return "nuntius.snapshot." + string(t.Kind) + "." + t.ID
}

// Validate checks that the topic is well formed.
func (t Topic) Validate() error {
	switch t.Kind {
	case TopicConversation, TopicPresence:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown topic kind %q", t.Kind)}
	}
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "topic id is required"}
	}
	if strings.ContainsAny(t.ID, ":. ") {
		return &ValidationError{Field: "id", Message: "topic id must not contain ':', '.' or spaces"}
	}
	return nil
}

// ParseTopic parses the canonical "kind:id" form.
func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Topic{}, &ValidationError{Field: "topic", Message: fmt.Sprintf("malformed topic %q", s)}
	}
	t := Topic{Kind: TopicKind(kind), ID: id}
	if err := t.Validate(); err != nil {
		return Topic{}, err
	}
	return t, nil
}
