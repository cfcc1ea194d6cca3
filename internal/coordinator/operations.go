// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/nuntius/internal/gate"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
)

// Send appends an optimistic text message and submits it in the
// background through the outbound gate. It returns the entry's client
// id, which tracks the message through pending, sent or failed.
func (c *Coordinator) Send(ctx context.Context, conversationID, body string) (string, error) {
	ident, ok := c.deps.Session.Identity()
	if !ok {
		return "", &models.AuthError{Reason: "no active session"}
	}
	entry := models.NewMessageEntry(conversationID, ident.UserID, body, models.MessageText)
	return c.submit(ctx, entry)
}

// SendImage uploads the image through the gate, then sends a message
// entry carrying the attachment URL. Unlike text sends the upload is
// synchronous, so the caller learns immediately when it fails.
func (c *Coordinator) SendImage(ctx context.Context, conversationID string, data []byte, contentType string) (string, error) {
	ident, ok := c.deps.Session.Identity()
	if !ok {
		return "", &models.AuthError{Reason: "no active session"}
	}
	if len(data) == 0 {
		return "", &models.ValidationError{Field: "data", Message: "attachment is empty"}
	}
	if c.isClosed() {
		return "", ErrClosed
	}

	var url string
	err := c.deps.Gate.Do(ctx, gate.KindUpload, conversationID, func(ctx context.Context) error {
		u, uerr := c.deps.History.UploadBlob(ctx, data, contentType)
		url = u
		return uerr
	})
	if err != nil {
		if models.IsAuth(err) {
			c.deps.Session.Invalidate(err)
		}
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	entry := models.NewMessageEntry(conversationID, ident.UserID, "", models.MessageImage)
	entry.AttachmentURL = url
	return c.submit(ctx, entry)
}

// submit validates, rate-checks, appends optimistically and hands the
// entry to the background deliverer.
func (c *Coordinator) submit(ctx context.Context, entry *models.MessageEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}
	if c.isClosed() {
		return "", ErrClosed
	}
	if !c.deps.Gate.Attempt(gate.KindSend, entry.ConversationID) {
		return "", models.ErrRateLimited
	}
	if err := c.deps.Store.Append(entry); err != nil {
		return "", err
	}
	// Sending is an implicit stop of the local typing signal.
	c.deps.Presence.SetLocalTyping(ctx, models.PresenceTopic(entry.ConversationID), false)

	send := *entry
	if !c.spawn(func() { c.deliver(send) }) {
		// Shutdown raced the append; fail it rather than strand it
		// pending until the timeout.
		c.deps.Store.MarkFailed(entry.ConversationID, entry.ClientID)
		return entry.ClientID, ErrClosed
	}
	return entry.ClientID, nil
}

// deliver journals and submits one message through the gate's retry
// loop, then folds the outcome back into the store.
func (c *Coordinator) deliver(entry models.MessageEntry) {
	act := gate.Action{
		Kind:    gate.KindSend,
		Scope:   entry.ConversationID,
		Topic:   models.ConversationTopic(entry.ConversationID),
		Payload: entry,
		Call: func(ctx context.Context) error {
			serverID, err := c.deps.History.InsertMessage(ctx, &entry)
			if err != nil {
				return err
			}
			c.confirm(entry, serverID)
			return nil
		},
	}

	err := c.deps.Gate.Submit(c.baseCtx, act)
	switch {
	case err == nil:
	case c.baseCtx.Err() != nil:
		// Shutdown raced the send; the journal keeps it pending for the
		// next run's recovery.
	case models.IsAuth(err):
		// Fail the entry before the invalidation tears the
		// conversation down.
		c.deps.Store.MarkFailed(entry.ConversationID, entry.ClientID)
		c.deps.Session.Invalidate(err)
	default:
		logging.Warn().
			Err(err).
			Str("conversation_id", entry.ConversationID).
			Str("client_id", entry.ClientID).
			Msg("send failed")
		c.deps.Store.MarkFailed(entry.ConversationID, entry.ClientID)
	}
}

// confirm claims the optimistic entry with the acknowledged server id.
// The ack carries no timestamp, so the entry keeps its client clock
// until the feed's copy of the message brings the server one.
func (c *Coordinator) confirm(entry models.MessageEntry, serverID string) {
	if serverID == "" {
		return
	}
	c.deps.Store.ApplyEnvelope(models.Envelope{
		Topic: models.ConversationTopic(entry.ConversationID),
		Kind:  models.EnvelopeInsert,
		Payload: models.MessagePayload{
			ClientID:       entry.ClientID,
			ServerID:       serverID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			Body:           entry.Body,
			Kind:           entry.Kind,
			AttachmentURL:  entry.AttachmentURL,
		},
	})
	if c.deps.Archiver != nil {
		archived := entry
		archived.ServerID = serverID
		archived.State = models.MessageSent
		c.deps.Archiver.ArchiveConfirmed(c.baseCtx, archived)
	}
}

// React applies the local user's reaction immediately and submits it
// in the background. An empty kind removes the reaction.
func (c *Coordinator) React(ctx context.Context, conversationID, messageID, kind string) error {
	if conversationID == "" {
		return &models.ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	if messageID == "" {
		return &models.ValidationError{Field: "message_id", Message: "message id is required"}
	}
	ident, ok := c.deps.Session.Identity()
	if !ok {
		return &models.AuthError{Reason: "no active session"}
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.deps.Reactions.Apply(messageID, ident.UserID, kind)
	c.publish(conversationID)

	c.spawn(func() {
		err := c.deps.Gate.Do(c.baseCtx, gate.KindReact, conversationID, func(ctx context.Context) error {
			return c.deps.History.UpsertReaction(ctx, conversationID, messageID, ident.UserID, kind)
		})
		c.settle(err, conversationID, "reaction")
	})
	return nil
}

// MarkRead records the local user reading through a message: the
// unread counter zeroes and every message at or before it gains the
// read marker, then the receipt submits in the background.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID, throughMessageID string) error {
	if conversationID == "" {
		return &models.ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	if throughMessageID == "" {
		return &models.ValidationError{Field: "through_message_id", Message: "message id is required"}
	}
	ident, ok := c.deps.Session.Identity()
	if !ok {
		return &models.AuthError{Reason: "no active session"}
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.deps.Receipts.ApplyThrough(ident.UserID, throughMessageID, c.viewMessageIDs(conversationID))
	c.deps.Store.ClearUnread(conversationID)
	c.publish(conversationID)

	c.spawn(func() {
		err := c.deps.Gate.Do(c.baseCtx, gate.KindMarkRead, conversationID, func(ctx context.Context) error {
			return c.deps.History.InsertReadReceipt(ctx, conversationID, ident.UserID, throughMessageID)
		})
		c.settle(err, conversationID, "read receipt")
	})
	return nil
}

// settle handles the outcome of a fire-and-forget submission. Local
// state stays optimistic on failure; the next envelope or snapshot
// restores the server's truth.
func (c *Coordinator) settle(err error, conversationID, what string) {
	switch {
	case err == nil:
	case c.baseCtx.Err() != nil:
	case models.IsAuth(err):
		c.deps.Session.Invalidate(err)
	default:
		logging.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Msg(what + " submit failed")
	}
}

// SetTyping publishes the local user's typing signal for the
// conversation. Starts refresh and stops debounce inside the presence
// tracker.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID string, typing bool) {
	if conversationID == "" {
		return
	}
	c.deps.Presence.SetLocalTyping(ctx, models.PresenceTopic(conversationID), typing)
}

// PageBackward loads up to limit messages older than before, oldest
// first. A zero before pages from the newest; a non-positive limit
// takes the configured page size. Closing the conversation aborts an
// in-flight page.
func (c *Coordinator) PageBackward(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	if conversationID == "" {
		return nil, &models.ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	if limit <= 0 {
		limit = c.cfg.PageSize
	}

	c.mu.Lock()
	cv := c.convs[conversationID]
	c.mu.Unlock()
	if cv != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(cv.loadCtx, cancel)
		defer stop()
	}
	return c.deps.Store.PageBackward(ctx, conversationID, before, limit)
}

// UnreadCount returns the conversation's current unread count.
func (c *Coordinator) UnreadCount(conversationID string) int {
	return c.deps.Store.UnreadCount(conversationID)
}

// Typing returns the display names of remote participants currently
// typing in the conversation.
func (c *Coordinator) Typing(conversationID string) []string {
	return c.typingNames(conversationID)
}
