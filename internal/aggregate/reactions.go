// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package aggregate folds raw reaction and read-receipt events into
// per-message summaries.
//
// One aggregator pair serves one conversation and is owned by that
// conversation's coordinator worker. Reaction apply is a pure per-user
// replacement; read apply is a monotone union. Ordering of conflicting
// events is the multiplexer's concern: by the time an event reaches an
// aggregator, stale duplicates are already dropped.
package aggregate

import (
	"sync"

	"github.com/tomtom215/nuntius/internal/metrics"
)

// ReactionSummary is the derived per-message reaction view.
type ReactionSummary struct {
	// Counts maps reaction kind to the number of users on it.
	Counts map[string]int `json:"counts,omitempty"`

	// CurrentUserKind is the requesting user's own reaction, empty when
	// they have not reacted.
	CurrentUserKind string `json:"current_user_kind,omitempty"`
}

// DidReact reports whether the requesting user has a live reaction.
func (s ReactionSummary) DidReact() bool { return s.CurrentUserKind != "" }

// ReactionAggregator tracks at most one reaction kind per user per
// message for a single conversation.
type ReactionAggregator struct {
	mu sync.RWMutex
	// byMessage maps messageID -> userID -> kind.
	byMessage map[string]map[string]string
}

// NewReactionAggregator creates an empty aggregator.
func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{byMessage: make(map[string]map[string]string)}
}

// Apply sets the user's reaction on a message, replacing any prior kind
// from the same user. An empty kind removes the user's entry. Applying
// the current kind again is a no-op.
func (a *ReactionAggregator) Apply(messageID, userID, kind string) {
	if messageID == "" || userID == "" {
		return
	}

	a.mu.Lock()
	users := a.byMessage[messageID]
	prior, had := users[userID]

	op := ""
	switch {
	case kind == "" && !had:
		op = "noop"
	case kind == "":
		delete(users, userID)
		if len(users) == 0 {
			delete(a.byMessage, messageID)
		}
		op = "remove"
	case had && prior == kind:
		op = "noop"
	case had:
		users[userID] = kind
		op = "replace"
	default:
		if users == nil {
			users = make(map[string]string)
			a.byMessage[messageID] = users
		}
		users[userID] = kind
		op = "set"
	}
	a.mu.Unlock()

	metrics.ReactionsApplied.WithLabelValues(op).Inc()
}

// Summary derives the message's reaction counts and the requesting
// user's own kind.
func (a *ReactionAggregator) Summary(messageID, currentUser string) ReactionSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := a.byMessage[messageID]
	if len(users) == 0 {
		return ReactionSummary{}
	}

	counts := make(map[string]int, len(users))
	for _, kind := range users {
		counts[kind]++
	}
	return ReactionSummary{
		Counts:          counts,
		CurrentUserKind: users[currentUser],
	}
}

// Load replaces all state from a snapshot's messageID -> userID -> kind
// map. Used on resync and conversation open.
func (a *ReactionAggregator) Load(reactions map[string]map[string]string) {
	fresh := make(map[string]map[string]string, len(reactions))
	for messageID, users := range reactions {
		if len(users) == 0 {
			continue
		}
		copied := make(map[string]string, len(users))
		for userID, kind := range users {
			if kind != "" {
				copied[userID] = kind
			}
		}
		if len(copied) > 0 {
			fresh[messageID] = copied
		}
	}

	a.mu.Lock()
	a.byMessage = fresh
	a.mu.Unlock()
}

// ReplaceFor replaces state for the given messages only: every listed
// message's entry is dropped, then entries from reactions are installed.
// Messages outside the scope keep their state, so one conversation's
// snapshot cannot clobber another's.
func (a *ReactionAggregator) ReplaceFor(messageIDs []string, reactions map[string]map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range messageIDs {
		delete(a.byMessage, id)
	}
	for messageID, users := range reactions {
		copied := make(map[string]string, len(users))
		for userID, kind := range users {
			if kind != "" {
				copied[userID] = kind
			}
		}
		if len(copied) > 0 {
			a.byMessage[messageID] = copied
		}
	}
}

// Export returns a deep copy of the state in snapshot form.
func (a *ReactionAggregator) Export() map[string]map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]map[string]string, len(a.byMessage))
	for messageID, users := range a.byMessage {
		copied := make(map[string]string, len(users))
		for userID, kind := range users {
			copied[userID] = kind
		}
		out[messageID] = copied
	}
	return out
}

// Reset drops all state. Used on session change.
func (a *ReactionAggregator) Reset() {
	a.mu.Lock()
	a.byMessage = make(map[string]map[string]string)
	a.mu.Unlock()
}
