// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package coordinator

import (
	"sort"

	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/store"
)

// ConversationUpdate is one observed snapshot of a conversation: its
// lifecycle state, the ordered window, and the pagination cursor.
type ConversationUpdate struct {
	State  State
	View   store.View
	Cursor store.Cursor
}

// ObserveConversation registers an observer for a conversation's
// updates. Delivery is latest-wins: the channel holds one update and a
// slow consumer sees the newest state, not every intermediate one. The
// cancel func releases the observer and closes the channel.
func (c *Coordinator) ObserveConversation(conversationID string) (<-chan ConversationUpdate, func()) {
	ch := make(chan ConversationUpdate, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.nextObs++
	id := c.nextObs
	watchers := c.obs[conversationID]
	if watchers == nil {
		watchers = make(map[uint64]chan ConversationUpdate)
		c.obs[conversationID] = watchers
	}
	watchers[id] = ch
	c.mu.Unlock()

	// Seed with the current state so the observer does not wait for
	// the next change.
	upd := c.buildUpdate(conversationID)
	c.mu.Lock()
	if _, live := c.obs[conversationID][id]; live {
		pushLatest(ch, upd)
	}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		watchers := c.obs[conversationID]
		if _, ok := watchers[id]; ok {
			delete(watchers, id)
			if len(watchers) == 0 {
				delete(c.obs, conversationID)
			}
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// ObserveTyping registers an observer for a conversation's typing
// roster, with the same latest-wins delivery as ObserveConversation.
func (c *Coordinator) ObserveTyping(conversationID string) (<-chan []string, func()) {
	ch := make(chan []string, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.nextObs++
	id := c.nextObs
	watchers := c.typingObs[conversationID]
	if watchers == nil {
		watchers = make(map[uint64]chan []string)
		c.typingObs[conversationID] = watchers
	}
	watchers[id] = ch
	c.mu.Unlock()

	names := c.typingNames(conversationID)
	c.mu.Lock()
	if _, live := c.typingObs[conversationID][id]; live {
		pushLatest(ch, names)
	}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		watchers := c.typingObs[conversationID]
		if _, ok := watchers[id]; ok {
			delete(watchers, id)
			if len(watchers) == 0 {
				delete(c.typingObs, conversationID)
			}
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// ConversationChanged publishes the conversation's current view to its
// observers. The store's change hook calls it after visible mutations,
// which is how confirmations, timeouts and page merges surface without
// a second bookkeeping path.
func (c *Coordinator) ConversationChanged(conversationID string) {
	c.publish(conversationID)
}

// publish pushes the conversation's current update to its observers.
func (c *Coordinator) publish(conversationID string) {
	upd := c.buildUpdate(conversationID)

	c.mu.Lock()
	for _, ch := range c.obs[conversationID] {
		pushLatest(ch, upd)
	}
	c.mu.Unlock()
}

// buildUpdate assembles the observable state of a conversation. A
// conversation without a worker or store state reports closed and
// empty.
func (c *Coordinator) buildUpdate(conversationID string) ConversationUpdate {
	view, cursor, ok := c.deps.Store.View(conversationID)
	if !ok {
		view = store.View{Conversation: models.ConversationView{ID: conversationID}}
	}

	state := StateClosed
	c.mu.Lock()
	if cv, exists := c.convs[conversationID]; exists {
		state = cv.currentState()
	}
	c.mu.Unlock()

	return ConversationUpdate{State: state, View: view, Cursor: cursor}
}

// publishTyping fans the current typing roster out when it changed, or
// unconditionally when force is set. Runs on the worker, which owns
// the dedup state.
func (c *Coordinator) publishTyping(cv *conversation, force bool) {
	names := c.typingNames(cv.id)
	if !force && equalNames(names, cv.lastTyping) {
		return
	}
	cv.lastTyping = names

	c.mu.Lock()
	for _, ch := range c.typingObs[cv.id] {
		pushLatest(ch, names)
	}
	c.mu.Unlock()
}

// typingNames resolves the typing roster to display names, excluding
// the local user. Participants without a known display name show as
// their user id.
func (c *Coordinator) typingNames(conversationID string) []string {
	ids := c.deps.Presence.Observe(models.PresenceTopic(conversationID))
	if len(ids) == 0 {
		return nil
	}
	var me string
	if ident, ok := c.deps.Session.Identity(); ok {
		me = ident.UserID
	}
	view, _, haveView := c.deps.Store.View(conversationID)

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if me != "" && id == me {
			continue
		}
		name := id
		if haveView {
			if p := view.Conversation.Participant(id); p != nil && p.DisplayName != "" {
				name = p.DisplayName
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pushLatest delivers latest-wins on a single-slot channel: a full
// buffer is drained so the newest value replaces the stale one.
// Callers hold c.mu, which serializes pushes against channel close.
func pushLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
