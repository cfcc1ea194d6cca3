// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package store

import (
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Reconciliation outcomes.
const (
	outcomeMatched  = "matched"
	outcomeInserted = "inserted"
	outcomeStale    = "stale"
)

// ApplyEnvelope folds one feed envelope into conversation state. Message
// and participant payloads mutate the store; reaction, read-receipt and
// presence payloads belong to other collaborators and are ignored here.
// Envelopes for conversations the store is not holding are dropped.
func (s *Store) ApplyEnvelope(env models.Envelope) {
	switch p := env.Payload.(type) {
	case models.MessagePayload:
		s.applyMessage(env.Kind, p)
	case models.ParticipantPayload:
		s.applyParticipant(p)
	}
}

func (s *Store) applyMessage(kind models.EnvelopeKind, p models.MessagePayload) {
	s.mu.Lock()
	cs := s.lookupLocked(p.ConversationID)
	if cs == nil {
		s.mu.Unlock()
		metrics.RecordEnvelopeDropped("conversation_not_held")
		logging.Debug().
			Str("conversation_id", p.ConversationID).
			Str("server_id", p.ServerID).
			Msg("message envelope for unheld conversation dropped")
		return
	}

	var outcome string
	switch kind {
	case models.EnvelopeInsert:
		outcome = s.upsertLocked(cs, p.Entry(), true)
	case models.EnvelopeUpdate:
		outcome = s.updateLocked(cs, p)
	case models.EnvelopeDelete:
		outcome = s.deleteLocked(cs, p)
	default:
		s.mu.Unlock()
		metrics.RecordEnvelopeDropped("unknown_kind")
		return
	}
	s.deriveLocked(cs)
	s.trimLocked(cs)
	s.recountLocked()
	s.mu.Unlock()

	metrics.RecordReconciliation(outcome)
	s.emit(p.ConversationID)
}

// upsertLocked reconciles one confirmed entry against the window.
//
// A clientID hit claims the optimistic slot in place, so confirmation
// never produces a second visible copy; that also repairs an entry the
// timeout already marked failed when the ack arrives late. A serverID
// hit is a redelivery and changes nothing, with one exception: an ack
// confirmed locally carries no server timestamp, so the first feed copy
// that does bring one adopts it and repositions. Everything else
// inserts at its ordered position. Caller holds s.mu.
func (s *Store) upsertLocked(cs *convState, e *models.MessageEntry, countUnread bool) string {
	if e.ServerID != "" {
		if cur, ok := cs.byServer[e.ServerID]; ok {
			if !e.CreatedAt.IsZero() && !e.CreatedAt.Equal(cur.CreatedAt) {
				idx := cs.indexOf(cur)
				cur.CreatedAt = e.CreatedAt
				s.repositionLocked(cs, cur, idx)
				return outcomeMatched
			}
			return outcomeStale
		}
	}

	if e.ClientID != "" {
		if cur, ok := cs.byClient[e.ClientID]; ok {
			if cur.ServerID != "" && cur.ServerID != e.ServerID {
				return outcomeStale
			}
			idx := cs.indexOf(cur)
			cs.stopTimerLocked(e.ClientID)
			cur.State = models.MessageSent
			cur.SenderID = e.SenderID
			cur.Body = e.Body
			cur.Kind = e.Kind
			cur.AttachmentURL = e.AttachmentURL
			cur.Deleted = e.Deleted
			if e.ServerID != "" {
				cur.ServerID = e.ServerID
				cs.byServer[e.ServerID] = cur
			}
			if !e.CreatedAt.IsZero() {
				cur.CreatedAt = e.CreatedAt
			}
			s.repositionLocked(cs, cur, idx)
			return outcomeMatched
		}
	}

	ins := *e
	ins.State = models.MessageSent
	s.insertLocked(cs, &ins)
	if countUnread && !ins.Deleted && (s.user == "" || ins.SenderID != s.user) {
		cs.view.Unread++
	}
	return outcomeInserted
}

// updateLocked applies an edit to a known entry, or falls back to insert
// when the original never arrived. Ordering position is stable across
// edits. Caller holds s.mu.
func (s *Store) updateLocked(cs *convState, p models.MessagePayload) string {
	e := cs.byServer[p.ServerID]
	if e == nil && p.ClientID != "" {
		e = cs.byClient[p.ClientID]
	}
	if e == nil {
		return s.upsertLocked(cs, p.Entry(), false)
	}
	e.Body = p.Body
	e.Kind = p.Kind
	e.AttachmentURL = p.AttachmentURL
	e.Deleted = p.Deleted
	return outcomeMatched
}

// deleteLocked tombstones a known entry in place; the slot stays visible
// so paging cursors and ordering never shift under the UI. Caller holds
// s.mu.
func (s *Store) deleteLocked(cs *convState, p models.MessagePayload) string {
	e := cs.byServer[p.ServerID]
	if e == nil && p.ClientID != "" {
		e = cs.byClient[p.ClientID]
	}
	if e == nil {
		return outcomeStale
	}
	e.Deleted = true
	return outcomeMatched
}

// repositionLocked restores ordering after a reconciliation adopted the
// server timestamp. Most confirmations land where the optimistic entry
// already sat, so the common case is two comparisons and no movement.
// Caller holds s.mu.
func (s *Store) repositionLocked(cs *convState, e *models.MessageEntry, idx int) {
	if idx < 0 {
		return
	}
	inPlace := (idx == 0 || cs.entries[idx-1].Before(e)) &&
		(idx == len(cs.entries)-1 || e.Before(cs.entries[idx+1]))
	if inPlace {
		return
	}
	s.removeAtLocked(cs, idx)
	s.insertLocked(cs, e)
}

func (s *Store) applyParticipant(p models.ParticipantPayload) {
	s.mu.Lock()
	cs := s.lookupLocked(p.ConversationID)
	if cs == nil {
		s.mu.Unlock()
		metrics.RecordEnvelopeDropped("conversation_not_held")
		return
	}
	cs.view.UpsertParticipant(p.Participant)
	s.mu.Unlock()

	s.emit(p.ConversationID)
}

// LoadSnapshot replaces a conversation's baseline with feed snapshot
// state. Snapshot messages reconcile through the same path as envelopes,
// so pending local sends survive and confirmations inside the snapshot
// claim them; the server's unread count is adopted as authoritative.
func (s *Store) LoadSnapshot(snap *models.Snapshot) {
	if snap == nil || snap.Topic.Kind != models.TopicConversation || snap.Topic.ID == "" {
		return
	}
	conversationID := snap.Topic.ID

	s.mu.Lock()
	cs := s.ensureOpenLocked(conversationID)
	if snap.View != nil {
		cs.view.Participants = append([]models.ParticipantRef(nil), snap.View.Participants...)
		cs.view.Unread = snap.View.Unread
		if snap.View.LastActivityAt.After(cs.view.LastActivityAt) {
			cs.view.LastActivityAt = snap.View.LastActivityAt
		}
	}
	for i := range snap.Messages {
		m := snap.Messages[i]
		s.upsertLocked(cs, &m, false)
	}
	s.deriveLocked(cs)
	s.trimLocked(cs)
	s.recountLocked()
	s.mu.Unlock()

	s.emit(conversationID)
}
