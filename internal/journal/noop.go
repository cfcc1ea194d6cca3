// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package journal

import (
	"context"

	"github.com/tomtom215/nuntius/internal/models"
)

// Noop is the journal used when durability is disabled. Outbound actions
// and watermarks are not persisted, so a restart loses pending sends and
// replays the full snapshot on first subscribe.
type Noop struct{}

// NewNoop returns a journal that stores nothing.
func NewNoop() *Noop {
	return &Noop{}
}

// Write returns an empty entry ID.
func (n *Noop) Write(ctx context.Context, action string, topic models.Topic, payload interface{}) (string, error) {
	return "", nil
}

// Resolve does nothing.
func (n *Noop) Resolve(ctx context.Context, entryID string, outcome Outcome) error {
	return nil
}

// UpdateAttempt does nothing.
func (n *Noop) UpdateAttempt(ctx context.Context, entryID string, lastError string) error {
	return nil
}

// GetPending returns no entries.
func (n *Noop) GetPending(ctx context.Context) ([]*Entry, error) {
	return nil, nil
}

// SetWatermark does nothing.
func (n *Noop) SetWatermark(ctx context.Context, topic models.Topic, seq uint64) error {
	return nil
}

// Watermark reports no mark.
func (n *Noop) Watermark(ctx context.Context, topic models.Topic) (uint64, error) {
	return 0, nil
}

// TryClaim always grants the claim.
func (n *Noop) TryClaim(entryID string) bool { return true }

// Release does nothing.
func (n *Noop) Release(entryID string) {}

// Stats returns empty stats.
func (n *Noop) Stats() Stats { return Stats{} }

// Close does nothing.
func (n *Noop) Close() error { return nil }
