// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/nuntius/internal/coordinator"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/session"
)

// Engine is the coordinator surface the gateway drives. It is satisfied
// by *coordinator.Coordinator and narrowed here so handlers can be
// tested against a fake.
type Engine interface {
	Open(ctx context.Context, conversationID string) error
	Close(conversationID string)
	Send(ctx context.Context, conversationID, body string) (string, error)
	SendImage(ctx context.Context, conversationID string, data []byte, contentType string) (string, error)
	React(ctx context.Context, conversationID, messageID, kind string) error
	MarkRead(ctx context.Context, conversationID, throughMessageID string) error
	SetTyping(ctx context.Context, conversationID string, typing bool)
	PageBackward(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error)
	UnreadCount(conversationID string) int
	Typing(conversationID string) []string
	EnterBackground()
	EnterForeground()
	ObserveConversation(conversationID string) (<-chan coordinator.ConversationUpdate, func())
	ObserveTyping(conversationID string) (<-chan []string, func())
	Stats() coordinator.Stats
}

// Handler implements the gateway's REST endpoints.
type Handler struct {
	engine  Engine
	session *session.Manager
	hub     *Hub
	started time.Time
}

// NewHandler creates the gateway handler set.
func NewHandler(engine Engine, sess *session.Manager, hub *Hub) *Handler {
	return &Handler{
		engine:  engine,
		session: sess,
		hub:     hub,
		started: time.Now(),
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// HealthReady reports whether the engine can accept work. Readiness
// requires an authenticated session; everything else degrades rather
// than fails.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if _, ok := h.session.Identity(); !ok {
		rw.ServiceUnavailable("no authenticated session")
		return
	}
	rw.Success(map[string]interface{}{"status": "ready"})
}

// Health reports full component status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats := h.engine.Stats()

	states := make(map[string]int, len(stats.ByState))
	for st, n := range stats.ByState {
		states[string(st)] = n
	}

	_, authed := h.session.Identity()
	rw.Success(map[string]interface{}{
		"status":         "ok",
		"uptime":         time.Since(h.started).Round(time.Second).String(),
		"authenticated":  authed,
		"conversations":  stats.Conversations,
		"states":         states,
		"stream_clients": h.hub.ClientCount(),
	})
}

// OpenConversation brings a conversation live.
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	if err := h.engine.Open(r.Context(), id); err != nil {
		rw.DomainError(err)
		return
	}
	rw.Accepted(map[string]interface{}{"conversation_id": id})
}

// CloseConversation releases a conversation.
func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	h.engine.Close(chi.URLParam(r, "conversationID"))
	rw.NoContent()
}

// GetConversation returns the current materialized view. The observer
// channel is seeded with current state on registration, so a single
// receive yields the snapshot without racing the engine.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	updates, cancel := h.engine.ObserveConversation(id)
	defer cancel()

	select {
	case update, ok := <-updates:
		if !ok {
			rw.ServiceUnavailable("engine is shut down")
			return
		}
		rw.Success(conversationResponse(id, update))
	default:
		rw.NotFound("conversation not open")
	}
}

// conversationResponse shapes a ConversationUpdate for the wire.
func conversationResponse(id string, update coordinator.ConversationUpdate) map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": id,
		"state":           string(update.State),
		"conversation":    update.View.Conversation,
		"messages":        update.View.Messages,
		"has_more":        update.Cursor.HasMore,
	}
}

// SendMessage submits a text message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	clientID, err := h.engine.Send(r.Context(), id, req.Body)
	if err != nil {
		rw.DomainError(err)
		return
	}
	rw.Created(map[string]interface{}{"client_id": clientID})
}

// SendAttachment uploads an image body and submits an image message.
// The request body is the raw attachment; Content-Type carries its
// media type.
func (h *Handler) SendAttachment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		rw.BadRequest("Content-Type header is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		rw.BadRequest("attachment exceeds size limit")
		return
	}
	if len(data) == 0 {
		rw.BadRequest("attachment body is empty")
		return
	}

	clientID, err := h.engine.SendImage(r.Context(), id, data, contentType)
	if err != nil {
		rw.DomainError(err)
		return
	}
	rw.Created(map[string]interface{}{"client_id": clientID})
}

// React sets or clears the caller's reaction on a message.
func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	if err := h.engine.React(r.Context(), id, messageID, req.Kind); err != nil {
		rw.DomainError(err)
		return
	}
	rw.NoContent()
}

// MarkRead advances the caller's read position.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	if err := h.engine.MarkRead(r.Context(), id, req.ThroughMessageID); err != nil {
		rw.DomainError(err)
		return
	}
	rw.NoContent()
}

// SetTyping updates the caller's typing indicator.
func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	h.engine.SetTyping(r.Context(), chi.URLParam(r, "conversationID"), req.Typing)
	rw.NoContent()
}

// GetMessages pages backward through history.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")

	before, err := parseBefore(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	entries, err := h.engine.PageBackward(r.Context(), id, before, limit)
	if err != nil {
		rw.DomainError(err)
		return
	}

	pagination := &PaginationMeta{
		Count:   len(entries),
		Limit:   limit,
		HasMore: limit > 0 && len(entries) == limit,
	}
	if len(entries) > 0 {
		oldest := entries[0].CreatedAt
		for _, e := range entries[1:] {
			if e.CreatedAt.Before(oldest) {
				oldest = e.CreatedAt
			}
		}
		pagination.NextBefore = &oldest
	}
	rw.SuccessWithPagination(map[string]interface{}{"messages": entries}, pagination)
}

// GetUnread returns the unread count for a conversation.
func (h *Handler) GetUnread(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")
	rw.Success(map[string]interface{}{
		"conversation_id": id,
		"unread":          h.engine.UnreadCount(id),
	})
}

// GetTyping returns the names of remote participants currently typing.
func (h *Handler) GetTyping(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "conversationID")
	names := h.engine.Typing(id)
	if names == nil {
		names = []string{}
	}
	rw.Success(map[string]interface{}{
		"conversation_id": id,
		"typing":          names,
	})
}

// EnterBackground moves the engine into its backgrounded mode.
func (h *Handler) EnterBackground(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	h.engine.EnterBackground()
	rw.Accepted(map[string]interface{}{"mode": "background"})
}

// EnterForeground restores the engine to its foregrounded mode.
func (h *Handler) EnterForeground(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	h.engine.EnterForeground()
	rw.Accepted(map[string]interface{}{"mode": "foreground"})
}

// SetSession installs a new authentication token.
func (h *Handler) SetSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	if err := h.session.Set(req.Token); err != nil {
		rw.DomainError(err)
		return
	}

	identity, _ := h.session.Identity()
	logging.Info().Str("user_id", identity.UserID).Msg("Session token installed via gateway")
	rw.Success(map[string]interface{}{
		"user_id":      identity.UserID,
		"display_name": identity.DisplayName,
		"expires_at":   identity.ExpiresAt,
	})
}

// ClearSession signs the current user out.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	h.session.Clear()
	rw.NoContent()
}

// GetSession returns the current identity.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	identity, ok := h.session.Identity()
	if !ok {
		rw.Unauthorized("no authenticated session")
		return
	}
	rw.Success(map[string]interface{}{
		"user_id":      identity.UserID,
		"display_name": identity.DisplayName,
		"issued_at":    identity.IssuedAt,
		"expires_at":   identity.ExpiresAt,
	})
}

// GetStats returns engine statistics.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats := h.engine.Stats()

	states := make(map[string]int, len(stats.ByState))
	for st, n := range stats.ByState {
		states[string(st)] = n
	}
	rw.Success(map[string]interface{}{
		"conversations":  stats.Conversations,
		"states":         states,
		"stream_clients": h.hub.ClientCount(),
	})
}
