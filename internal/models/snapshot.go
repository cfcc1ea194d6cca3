// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

// Snapshot is the feed's current state for one topic, fetched at subscribe
// time and again after every reconnect (buffered envelopes during a gap are
// not guaranteed redelivery, so the engine re-fetches instead).
//
// Reactions maps messageID to userID to reaction kind; ReadBy maps
// messageID to the user ids that have read it.
type Snapshot struct {
	Topic     Topic                        `json:"topic"`
	HighSeq   uint64                       `json:"high_seq"`
	View      *ConversationView            `json:"view,omitempty"`
	Messages  []MessageEntry               `json:"messages,omitempty"`
	Reactions map[string]map[string]string `json:"reactions,omitempty"`
	ReadBy    map[string][]string          `json:"read_by,omitempty"`
}
