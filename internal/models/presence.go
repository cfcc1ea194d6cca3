// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import "time"

// PresenceEntry is one remote user's ephemeral typing state on a topic.
// Created on the first "started typing" signal, refreshed on repeats,
// removed on explicit stop, TTL expiry, or topic unsubscribe.
type PresenceEntry struct {
	Topic     Topic     `json:"topic"`
	UserID    string    `json:"user_id"`
	Typing    bool      `json:"typing"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (p *PresenceEntry) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
