// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package store holds the canonical ordered message sequence per
// conversation and reconciles optimistic local sends against
// server-confirmed envelopes.
//
// Entries order by (CreatedAt, ServerID-or-ClientID). A local send
// appends a pending entry that the matching insert envelope later
// confirms in place via the clientID index, so a logical message is
// visible at most once in either arrival order. Pending entries that
// miss their confirmation window transition to failed and stay visible.
// Each open conversation keeps a bounded in-memory window; closed
// conversations stay warm in an LRU for fast reopening. The store owns
// the sequences exclusively; callers only ever receive copies.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/nuntius/internal/cache"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// View is a point-in-time copy of one conversation's visible state.
type View struct {
	Conversation models.ConversationView
	Messages     []models.MessageEntry
}

// Cursor marks the oldest loaded point of a conversation's window for
// restartable backward pagination.
type Cursor struct {
	// Before is the CreatedAt of the window's oldest entry; pass it to
	// PageBackward to continue into older history.
	Before time.Time

	// BeforeID is the oldest entry's ordering id.
	BeforeID string

	// HasMore reports that older history certainly exists beyond the
	// window (entries were evicted from it). False means unknown; a
	// PageBackward returning an empty page is the definitive end.
	HasMore bool
}

// Store keeps per-conversation message state for the whole engine.
type Store struct {
	cfg    config.StoreConfig
	pager  Pager
	notify func(conversationID string)

	mu      sync.Mutex
	user    string
	open    map[string]*convState
	warm    *cache.LRU[*convState]
	entries int
}

// convState is one conversation's window plus its reconciliation
// indexes. All access goes through Store.mu.
type convState struct {
	view     models.ConversationView
	entries  []*models.MessageEntry
	byClient map[string]*models.MessageEntry
	byServer map[string]*models.MessageEntry
	timers   map[string]*time.Timer
	trimmed  bool
}

func newConvState(conversationID string) *convState {
	return &convState{
		view:     models.ConversationView{ID: conversationID},
		byClient: make(map[string]*models.MessageEntry),
		byServer: make(map[string]*models.MessageEntry),
		timers:   make(map[string]*time.Timer),
	}
}

// New creates a store. notify, when non-nil, runs after every visible
// mutation with the affected conversation id; it must not block. pager
// may be nil, in which case backward pagination serves memory only.
func New(cfg config.StoreConfig, pager Pager, notify func(conversationID string)) *Store {
	return &Store{
		cfg:    cfg,
		pager:  pager,
		notify: notify,
		open:   make(map[string]*convState),
		warm:   cache.NewLRU[*convState](maxInt(cfg.WarmConversations, 1), cfg.WarmTTL, nil),
	}
}

// SetCurrentUser sets the session identity used to derive unread counts.
// Own messages never count as unread.
func (s *Store) SetCurrentUser(userID string) {
	s.mu.Lock()
	s.user = userID
	s.mu.Unlock()
}

// Open activates a conversation, reviving warm state when present. It
// reports whether warm state was revived.
func (s *Store) Open(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[conversationID]; ok {
		return false
	}
	s.warm.CleanupExpired()
	if cs, ok := s.warm.Peek(conversationID); ok {
		s.warm.Remove(conversationID)
		s.open[conversationID] = cs
		s.recountLocked()
		return true
	}
	s.open[conversationID] = newConvState(conversationID)
	return false
}

// Release moves an open conversation to the warm cache, where capacity
// and TTL bound how long it stays reopenable.
func (s *Store) Release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.open[conversationID]
	if !ok {
		return
	}
	delete(s.open, conversationID)

	s.warm.CleanupExpired()
	for s.warm.Len() >= maxInt(s.cfg.WarmConversations, 1) {
		oldest, ok := s.warm.OldestKey()
		if !ok {
			break
		}
		if victim, ok := s.warm.Peek(oldest); ok {
			victim.stopTimersLocked()
		}
		s.warm.Remove(oldest)
	}
	s.warm.Add(conversationID, cs)
	s.recountLocked()
}

// Append inserts a local optimistic entry. The entry must carry a fresh
// ClientID; it enters in pending state and resolves to sent on
// reconciliation or failed on timeout. The store keeps its own copy.
func (s *Store) Append(entry *models.MessageEntry) error {
	if entry == nil {
		return &models.ValidationError{Field: "entry", Message: "entry is required"}
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ClientID == "" {
		return &models.ValidationError{Field: "client_id", Message: "client id is required"}
	}

	s.mu.Lock()
	cs := s.ensureOpenLocked(entry.ConversationID)
	if _, dup := cs.byClient[entry.ClientID]; dup {
		s.mu.Unlock()
		return &models.ValidationError{Field: "client_id", Message: "client id already appended"}
	}

	e := *entry
	e.State = models.MessagePending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.insertLocked(cs, &e)
	cs.timers[e.ClientID] = time.AfterFunc(s.cfg.PendingTimeout, func() {
		s.failPending(e.ConversationID, e.ClientID)
	})
	s.deriveLocked(cs)
	s.trimLocked(cs)
	s.recountLocked()
	s.mu.Unlock()

	s.emit(entry.ConversationID)
	return nil
}

// MarkFailed transitions a pending entry to failed ahead of its timeout,
// typically because outbound retries exhausted. It reports whether a
// transition happened.
func (s *Store) MarkFailed(conversationID, clientID string) bool {
	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil {
		s.mu.Unlock()
		return false
	}
	e := cs.byClient[clientID]
	if e == nil || e.State != models.MessagePending {
		s.mu.Unlock()
		return false
	}
	e.State = models.MessageFailed
	cs.stopTimerLocked(clientID)
	s.mu.Unlock()

	s.emit(conversationID)
	return true
}

// SoftDelete flags a message deleted without removing it from the window.
// The id may be a server or client id. It reports whether a change was
// made.
func (s *Store) SoftDelete(conversationID, messageID string) bool {
	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil {
		s.mu.Unlock()
		return false
	}
	e := cs.byServer[messageID]
	if e == nil {
		e = cs.byClient[messageID]
	}
	if e == nil || e.Deleted {
		s.mu.Unlock()
		return false
	}
	e.Deleted = true
	s.deriveLocked(cs)
	s.mu.Unlock()

	s.emit(conversationID)
	return true
}

// ClearUnread zeroes a conversation's unread counter, typically when the
// local user marks the conversation read.
func (s *Store) ClearUnread(conversationID string) {
	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil || cs.view.Unread == 0 {
		s.mu.Unlock()
		return
	}
	cs.view.Unread = 0
	s.mu.Unlock()

	s.emit(conversationID)
}

// View returns a copy of the conversation's ordered window and the
// cursor to page further back. ok is false for unknown conversations.
func (s *Store) View(conversationID string) (View, Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.lookupLocked(conversationID)
	if cs == nil {
		return View{}, Cursor{}, false
	}

	v := View{
		Conversation: cs.view,
		Messages:     make([]models.MessageEntry, len(cs.entries)),
	}
	v.Conversation.Participants = append([]models.ParticipantRef(nil), cs.view.Participants...)
	for i, e := range cs.entries {
		v.Messages[i] = *e
	}

	var cur Cursor
	if len(cs.entries) > 0 {
		oldest := cs.entries[0]
		cur = Cursor{Before: oldest.CreatedAt, BeforeID: oldest.SortID(), HasMore: cs.trimmed}
	}
	return v, cur, true
}

// UnreadCount returns the conversation's derived unread counter.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.lookupLocked(conversationID)
	if cs == nil {
		return 0
	}
	return cs.view.Unread
}

// Reset drops all conversations, open and warm. Used on session change;
// cached state never survives a different identity.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, cs := range s.open {
		cs.stopTimersLocked()
	}
	for _, key := range s.warm.Keys() {
		if cs, ok := s.warm.Peek(key); ok {
			cs.stopTimersLocked()
		}
	}
	s.open = make(map[string]*convState)
	s.warm.Clear()
	s.user = ""
	s.recountLocked()
	s.mu.Unlock()
}

// Stats reports store counters.
type Stats struct {
	// Open is the number of active conversations.
	Open int

	// Warm is the number of cached closed conversations.
	Warm int

	// Entries is the number of message entries held across all windows.
	Entries int
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Open:    len(s.open),
		Warm:    len(s.warm.Keys()),
		Entries: s.entries,
	}
}

// failPending is the confirmation-timeout path for one pending entry.
func (s *Store) failPending(conversationID, clientID string) {
	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil {
		s.mu.Unlock()
		return
	}
	delete(cs.timers, clientID)
	e := cs.byClient[clientID]
	if e == nil || e.State != models.MessagePending {
		s.mu.Unlock()
		return
	}
	e.State = models.MessageFailed
	s.mu.Unlock()

	metrics.StorePendingTimeouts.Inc()
	logging.Debug().
		Str("conversation_id", conversationID).
		Str("client_id", clientID).
		Msg("pending entry timed out into failed")
	s.emit(conversationID)
}

func (s *Store) emit(conversationID string) {
	if s.notify != nil {
		s.notify(conversationID)
	}
}

// lookupLocked finds a conversation in the open set or the warm cache.
// Warm hits refresh their recency. Caller holds s.mu.
func (s *Store) lookupLocked(conversationID string) *convState {
	if cs, ok := s.open[conversationID]; ok {
		return cs
	}
	if cs, ok := s.warm.Get(conversationID); ok {
		return cs
	}
	return nil
}

// ensureOpenLocked returns the open conversation, reviving or creating
// it as needed. Caller holds s.mu.
func (s *Store) ensureOpenLocked(conversationID string) *convState {
	if cs, ok := s.open[conversationID]; ok {
		return cs
	}
	if cs, ok := s.warm.Peek(conversationID); ok {
		s.warm.Remove(conversationID)
		s.open[conversationID] = cs
		return cs
	}
	cs := newConvState(conversationID)
	s.open[conversationID] = cs
	return cs
}

// insertLocked places the entry at its ordered position and indexes it.
// Caller holds s.mu.
func (s *Store) insertLocked(cs *convState, e *models.MessageEntry) {
	idx := sort.Search(len(cs.entries), func(i int) bool { return e.Before(cs.entries[i]) })
	cs.entries = append(cs.entries, nil)
	copy(cs.entries[idx+1:], cs.entries[idx:])
	cs.entries[idx] = e

	if e.ClientID != "" {
		cs.byClient[e.ClientID] = e
	}
	if e.ServerID != "" {
		cs.byServer[e.ServerID] = e
	}
}

// removeAtLocked removes the entry at idx from the slice only; indexes
// are the caller's concern. Caller holds s.mu.
func (s *Store) removeAtLocked(cs *convState, idx int) {
	copy(cs.entries[idx:], cs.entries[idx+1:])
	cs.entries[len(cs.entries)-1] = nil
	cs.entries = cs.entries[:len(cs.entries)-1]
}

// indexOf locates the entry's current slice position via its sort key.
// Caller holds s.mu.
func (cs *convState) indexOf(e *models.MessageEntry) int {
	idx := sort.Search(len(cs.entries), func(i int) bool { return !cs.entries[i].Before(e) })
	for i := idx; i < len(cs.entries); i++ {
		if cs.entries[i] == e {
			return i
		}
		if e.Before(cs.entries[i]) {
			break
		}
	}
	for i, x := range cs.entries {
		if x == e {
			return i
		}
	}
	return -1
}

// trimLocked enforces the bounded window, evicting oldest first. Caller
// holds s.mu.
func (s *Store) trimLocked(cs *convState) {
	limit := s.cfg.WindowSize
	if limit <= 0 {
		return
	}
	for len(cs.entries) > limit {
		victim := cs.entries[0]
		s.removeAtLocked(cs, 0)
		if victim.ClientID != "" {
			delete(cs.byClient, victim.ClientID)
			cs.stopTimerLocked(victim.ClientID)
		}
		if victim.ServerID != "" {
			delete(cs.byServer, victim.ServerID)
		}
		cs.trimmed = true
		metrics.StoreWindowEvictions.Inc()
	}
}

// deriveLocked recomputes the conversation's preview and last activity
// from the newest visible entry. Caller holds s.mu.
func (s *Store) deriveLocked(cs *convState) {
	cs.view.LastPreview = ""
	for i := len(cs.entries) - 1; i >= 0; i-- {
		e := cs.entries[i]
		if e.CreatedAt.After(cs.view.LastActivityAt) {
			cs.view.LastActivityAt = e.CreatedAt
		}
		if e.Deleted {
			continue
		}
		cs.view.LastPreview = previewOf(e)
		break
	}
}

func previewOf(e *models.MessageEntry) string {
	if e.Body != "" {
		return e.Body
	}
	if e.Kind == models.MessageImage {
		return "[image]"
	}
	return ""
}

// recountLocked refreshes the entries counter and gauge. Caller holds
// s.mu.
func (s *Store) recountLocked() {
	n := 0
	for _, cs := range s.open {
		n += len(cs.entries)
	}
	for _, key := range s.warm.Keys() {
		if cs, ok := s.warm.Peek(key); ok {
			n += len(cs.entries)
		}
	}
	s.entries = n
	metrics.StoreEntries.Set(float64(n))
}

func (cs *convState) stopTimerLocked(clientID string) {
	if t, ok := cs.timers[clientID]; ok {
		t.Stop()
		delete(cs.timers, clientID)
	}
}

func (cs *convState) stopTimersLocked() {
	for id, t := range cs.timers {
		t.Stop()
		delete(cs.timers, id)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
