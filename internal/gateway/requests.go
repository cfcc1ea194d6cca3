// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/nuntius/internal/validation"
)

// maxRequestBody bounds JSON request bodies. Attachment uploads have
// their own, larger bound.
const maxRequestBody = 64 * 1024

// maxAttachmentBody bounds attachment uploads. The engine stores only
// the resulting URL; compression happens upstream.
const maxAttachmentBody = 10 * 1024 * 1024

// sendMessageRequest is the body of POST .../messages.
type sendMessageRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

// reactRequest is the body of PUT .../reaction. An empty kind removes
// the caller's reaction.
type reactRequest struct {
	Kind string `json:"kind" validate:"omitempty,max=32"`
}

// markReadRequest is the body of POST .../read.
type markReadRequest struct {
	ThroughMessageID string `json:"through_message_id" validate:"required"`
}

// typingRequest is the body of PUT .../typing.
type typingRequest struct {
	Typing bool `json:"typing"`
}

// sessionRequest is the body of PUT /session.
type sessionRequest struct {
	Token string `json:"token" validate:"required"`
}

// decodeRequest parses and validates a JSON request body. It writes the
// error response itself and reports whether the caller may proceed.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	rw := NewResponseWriter(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rw.BadRequest("invalid request body")
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationFailed(apiErr.Message, apiErr.Details)
		return false
	}
	return true
}

// parseBefore reads the optional "before" paging cursor. Zero means page
// from the newest.
func parseBefore(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("before must be RFC 3339: %w", err)
	}
	return t, nil
}

// parseLimit reads the optional "limit" page size. Zero means the
// engine's configured default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	var limit int
	if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 || limit > 500 {
		return 0, fmt.Errorf("limit must be an integer in [1,500]")
	}
	return limit, nil
}
