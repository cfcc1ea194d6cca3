// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package history

import (
	"context"
	"time"

	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// ReadThrough layers the local archive in front of a remote API. Pages
// the archive can satisfy never touch the network; pages it cannot are
// fetched remotely and archived on the way through. When the remote is
// unreachable a partial archive page still serves, which is what keeps
// history browsable offline.
type ReadThrough struct {
	remote API
	arch   *Archive
}

var _ API = (*ReadThrough)(nil)

// NewReadThrough combines remote and archive. A nil archive degrades to
// a pass-through.
func NewReadThrough(remote API, arch *Archive) *ReadThrough {
	return &ReadThrough{remote: remote, arch: arch}
}

// FetchPage implements API.
func (r *ReadThrough) FetchPage(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	if r.arch == nil {
		return r.remote.FetchPage(ctx, conversationID, before, limit)
	}

	start := time.Now()
	local, err := r.arch.Page(ctx, conversationID, before, limit)
	if err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("archive page failed, using remote")
		local = nil
	}
	if len(local) >= limit {
		metrics.RecordPageFetch("archive", time.Since(start))
		return local, nil
	}

	fetched, err := r.remote.FetchPage(ctx, conversationID, before, limit)
	if err != nil {
		if len(local) > 0 {
			logging.Debug().
				Err(err).
				Str("conversation_id", conversationID).
				Int("rows", len(local)).
				Msg("history api unavailable, serving partial archive page")
			metrics.RecordPageFetch("archive", time.Since(start))
			return local, nil
		}
		return nil, err
	}

	if len(fetched) > 0 {
		if err := r.arch.Put(ctx, fetched...); err != nil {
			logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("archiving fetched page failed")
		}
	}
	return fetched, nil
}

// InsertMessage implements API.
func (r *ReadThrough) InsertMessage(ctx context.Context, entry *models.MessageEntry) (string, error) {
	return r.remote.InsertMessage(ctx, entry)
}

// UpsertReaction implements API.
func (r *ReadThrough) UpsertReaction(ctx context.Context, conversationID, messageID, userID, kind string) error {
	return r.remote.UpsertReaction(ctx, conversationID, messageID, userID, kind)
}

// InsertReadReceipt implements API.
func (r *ReadThrough) InsertReadReceipt(ctx context.Context, conversationID, userID, throughMessageID string) error {
	return r.remote.InsertReadReceipt(ctx, conversationID, userID, throughMessageID)
}

// UploadBlob implements API.
func (r *ReadThrough) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	return r.remote.UploadBlob(ctx, data, contentType)
}

// ArchiveConfirmed writes confirmed message envelopes through to the
// archive. The coordinator calls it as insert envelopes reconcile, which
// is what keeps reopening a conversation serveable from disk.
func (r *ReadThrough) ArchiveConfirmed(ctx context.Context, entries ...models.MessageEntry) {
	if r.arch == nil || len(entries) == 0 {
		return
	}
	if err := r.arch.Put(ctx, entries...); err != nil {
		logging.Warn().Err(err).Msg("write-through archive failed")
	}
}
