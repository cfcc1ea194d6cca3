// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package aggregate

import (
	"sort"
	"sync"

	"github.com/tomtom215/nuntius/internal/metrics"
)

// ReadSummary is the derived per-message read view.
type ReadSummary struct {
	// Count is the number of distinct readers.
	Count int `json:"count"`

	// Readers holds the reader ids, sorted.
	Readers []string `json:"readers,omitempty"`
}

// ReadReceiptTracker tracks the monotone set of readers per message for
// a single conversation. Readers are only ever added for a message's
// lifetime; Reset and Load are session-scope operations, not removals.
type ReadReceiptTracker struct {
	mu sync.RWMutex
	// byMessage maps messageID -> set of reader ids.
	byMessage map[string]map[string]struct{}
}

// NewReadReceiptTracker creates an empty tracker.
func NewReadReceiptTracker() *ReadReceiptTracker {
	return &ReadReceiptTracker{byMessage: make(map[string]map[string]struct{})}
}

// Apply adds userID to the message's reader set. Re-applying is a no-op.
func (t *ReadReceiptTracker) Apply(messageID, userID string) {
	if messageID == "" || userID == "" {
		return
	}

	t.mu.Lock()
	added := t.applyLocked(messageID, userID)
	t.mu.Unlock()

	if added {
		metrics.ReadReceiptsApplied.Inc()
	}
}

// ApplyThrough marks every message up to and including throughMessageID
// as read by userID, given the conversation's message ids in display
// order. One call covers an arbitrarily long backlog. It returns how
// many messages gained the reader. An unknown throughMessageID applies
// nothing.
func (t *ReadReceiptTracker) ApplyThrough(userID, throughMessageID string, orderedIDs []string) int {
	if userID == "" || throughMessageID == "" {
		return 0
	}

	end := -1
	for i, id := range orderedIDs {
		if id == throughMessageID {
			end = i
			break
		}
	}
	if end < 0 {
		return 0
	}

	t.mu.Lock()
	added := 0
	for _, id := range orderedIDs[:end+1] {
		if t.applyLocked(id, userID) {
			added++
		}
	}
	t.mu.Unlock()

	if added > 0 {
		metrics.ReadReceiptsApplied.Add(float64(added))
	}
	return added
}

// applyLocked adds the reader and reports whether the set grew. Caller
// holds t.mu.
func (t *ReadReceiptTracker) applyLocked(messageID, userID string) bool {
	readers, ok := t.byMessage[messageID]
	if !ok {
		readers = make(map[string]struct{})
		t.byMessage[messageID] = readers
	}
	if _, seen := readers[userID]; seen {
		return false
	}
	readers[userID] = struct{}{}
	return true
}

// HasRead reports whether userID has read the message.
func (t *ReadReceiptTracker) HasRead(messageID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byMessage[messageID][userID]
	return ok
}

// Summary derives the message's reader count and sorted reader ids.
func (t *ReadReceiptTracker) Summary(messageID string) ReadSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	readers := t.byMessage[messageID]
	if len(readers) == 0 {
		return ReadSummary{}
	}

	ids := make([]string, 0, len(readers))
	for id := range readers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ReadSummary{Count: len(ids), Readers: ids}
}

// Load replaces all state from a snapshot's messageID -> readers map.
// Used on resync and conversation open.
func (t *ReadReceiptTracker) Load(readBy map[string][]string) {
	fresh := make(map[string]map[string]struct{}, len(readBy))
	for messageID, readers := range readBy {
		if len(readers) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(readers))
		for _, id := range readers {
			if id != "" {
				set[id] = struct{}{}
			}
		}
		if len(set) > 0 {
			fresh[messageID] = set
		}
	}

	t.mu.Lock()
	t.byMessage = fresh
	t.mu.Unlock()
}

// Merge unions a snapshot's messageID -> readers map into the current
// state. Read sets are monotone, so unlike reactions a snapshot can only
// add readers, never remove them; merging keeps locally applied receipts
// that the snapshot has not caught up with yet.
func (t *ReadReceiptTracker) Merge(readBy map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for messageID, readers := range readBy {
		for _, id := range readers {
			if id == "" {
				continue
			}
			set, ok := t.byMessage[messageID]
			if !ok {
				set = make(map[string]struct{}, len(readers))
				t.byMessage[messageID] = set
			}
			set[id] = struct{}{}
		}
	}
}

// Export returns a deep copy of the state in snapshot form, readers
// sorted.
func (t *ReadReceiptTracker) Export() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string, len(t.byMessage))
	for messageID, readers := range t.byMessage {
		ids := make([]string, 0, len(readers))
		for id := range readers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[messageID] = ids
	}
	return out
}

// Reset drops all state. Used on session change.
func (t *ReadReceiptTracker) Reset() {
	t.mu.Lock()
	t.byMessage = make(map[string]map[string]struct{})
	t.mu.Unlock()
}
