// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package history talks to the durable message store. The engine never
// trusts it for ordering (the feed's ServerSeq owns that); it serves
// backward pages, accepts outbound mutations, and stores uploaded blobs.
// A read-through SQLite archive keeps recent pages local so reopening a
// conversation or paging while offline does not need the network.
package history

import (
	"context"
	"time"

	"github.com/tomtom215/nuntius/internal/models"
)

// API is the history-store collaborator. All methods are safe for
// concurrent use. Implementations return models.TransportError for
// failures worth retrying, models.AuthError for rejected credentials,
// and models.ErrNotFound / ConflictError / ValidationError for the rest.
type API interface {
	// FetchPage returns up to limit confirmed messages strictly older
	// than before, ascending by creation time. A zero before means "from
	// the newest". An empty page is the start of history.
	FetchPage(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error)

	// InsertMessage submits an outbound message and returns its assigned
	// server id. The entry's ClientID makes resubmission idempotent.
	InsertMessage(ctx context.Context, entry *models.MessageEntry) (string, error)

	// UpsertReaction replaces userID's reaction on a message. An empty
	// kind removes it.
	UpsertReaction(ctx context.Context, conversationID, messageID, userID, kind string) error

	// InsertReadReceipt marks everything at or before throughMessageID
	// read by userID.
	InsertReadReceipt(ctx context.Context, conversationID, userID, throughMessageID string) error

	// UploadBlob stores an attachment and returns its URL.
	UploadBlob(ctx context.Context, data []byte, contentType string) (string, error)
}
