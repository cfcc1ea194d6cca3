// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used for control flow across the engine.
var (
	// ErrRateLimited is returned by the outbound gate when an action key is
	// invoked again inside its minimum interval. Callers treat it as a
	// silent local rejection, never a user-facing failure.
	ErrRateLimited = errors.New("rate limited")

	// ErrTopicClosed is returned when an operation targets a topic whose
	// subscription has been released.
	ErrTopicClosed = errors.New("topic closed")

	// ErrNotFound is returned when an id does not resolve to a stored
	// entity (message, conversation).
	ErrNotFound = errors.New("not found")
)

// TransportError wraps a network-level failure (disconnect, timeout,
// unreachable host). Transport errors are retried with backoff internally
// and surface only when retries exhaust.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a transport failure for op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConflictError marks an operation that lost against current server state,
// e.g. reacting to a message that was deleted meanwhile. Conflicts resolve
// to a logged no-op, never a hard failure.
type ConflictError struct {
	Op       string
	Resource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s on %s", e.Op, e.Resource)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ValidationError reports a synchronously rejected input. It is returned
// before any state mutation occurs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AuthError signals an expired or rejected session. It propagates upward:
// the coordinator tears down all topics and re-subscribes only after the
// session collaborator has refreshed.
type AuthError struct {
	Reason    string
	ExpiredAt time.Time
}

func (e *AuthError) Error() string {
	if e.ExpiredAt.IsZero() {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s (expired %s)", e.Reason, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
