// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package store

import (
	"context"
	"sort"
	"time"

	"github.com/tomtom215/nuntius/internal/models"
)

// Pager fetches confirmed messages older than a point in time, ascending
// by creation time. It is satisfied by the history client; implementations
// decide whether a page comes from a local archive or the remote service.
type Pager interface {
	FetchPage(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error)
}

// PageBackward returns up to limit messages older than before, ascending.
// A zero before means "from the newest". The in-memory window serves
// first; only the shortfall goes to the pager, and fetched rows reconcile
// into the window on the way through so repeated paging stays stable. An
// empty page with a nil error is the definitive start of history.
func (s *Store) PageBackward(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	if limit <= 0 {
		return nil, &models.ValidationError{Field: "limit", Message: "page limit must be positive"}
	}

	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil {
		s.mu.Unlock()
		return nil, nil
	}

	var have []models.MessageEntry
	for i := len(cs.entries) - 1; i >= 0 && len(have) < limit; i-- {
		e := cs.entries[i]
		if !before.IsZero() && !e.CreatedAt.Before(before) {
			continue
		}
		have = append(have, *e)
	}
	reverse(have)

	need := limit - len(have)
	fetchBefore := before
	if len(have) > 0 {
		fetchBefore = have[0].CreatedAt
	}
	s.mu.Unlock()

	if need == 0 || s.pager == nil {
		return have, nil
	}

	fetched, err := s.pager.FetchPage(ctx, conversationID, fetchBefore, need)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return have, nil
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Before(&fetched[j]) })
	for i := range fetched {
		fetched[i].State = models.MessageSent
	}

	older := s.mergeFetched(conversationID, fetched)
	return append(older, have...), nil
}

// mergeFetched reconciles pager rows into the window and returns the ones
// that were new to it. Rows that claim a pending slot or duplicate a
// known server id are already on screen and stay out of the page. The
// window trims afterward, so deep paging never grows it; the returned
// page is complete either way.
func (s *Store) mergeFetched(conversationID string, fetched []models.MessageEntry) []models.MessageEntry {
	s.mu.Lock()
	cs := s.lookupLocked(conversationID)
	if cs == nil {
		s.mu.Unlock()
		return fetched
	}

	page := make([]models.MessageEntry, 0, len(fetched))
	for i := range fetched {
		m := fetched[i]
		if s.upsertLocked(cs, &m, false) == outcomeInserted {
			page = append(page, m)
		}
	}
	s.deriveLocked(cs)
	s.trimLocked(cs)
	s.recountLocked()
	s.mu.Unlock()

	if len(page) > 0 {
		s.emit(conversationID)
	}
	return page
}

func reverse(entries []models.MessageEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
