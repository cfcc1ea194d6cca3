// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransportErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransportError("subscribe", cause)

	if !IsTransport(err) {
		t.Error("IsTransport() = false for TransportError")
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to reach the cause")
	}

	wrapped := fmt.Errorf("mux: %w", err)
	if !IsTransport(wrapped) {
		t.Error("IsTransport() = false for wrapped TransportError")
	}
}

func TestErrorTaxonomyPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transport bool
		conflict  bool
		valid     bool
		auth      bool
	}{
		{
			name:      "transport",
			err:       NewTransportError("fetch", errors.New("timeout")),
			transport: true,
		},
		{
			name:     "conflict",
			err:      &ConflictError{Op: "react", Resource: "message srv-3"},
			conflict: true,
		},
		{
			name:  "validation",
			err:   &ValidationError{Field: "body", Message: "empty"},
			valid: true,
		},
		{
			name: "auth",
			err:  &AuthError{Reason: "token expired", ExpiredAt: time.Now()},
			auth: true,
		},
		{
			name: "plain error matches nothing",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransport(tt.err); got != tt.transport {
				t.Errorf("IsTransport() = %v, want %v", got, tt.transport)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsValidation(tt.err); got != tt.valid {
				t.Errorf("IsValidation() = %v, want %v", got, tt.valid)
			}
			if got := IsAuth(tt.err); got != tt.auth {
				t.Errorf("IsAuth() = %v, want %v", got, tt.auth)
			}
		})
	}
}

func TestRateLimitedSentinel(t *testing.T) {
	err := fmt.Errorf("gate: %w", ErrRateLimited)
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is to match ErrRateLimited through wrapping")
	}
}

func TestAuthErrorMessage(t *testing.T) {
	e := &AuthError{Reason: "token expired"}
	if e.Error() != "auth: token expired" {
		t.Errorf("Error() = %q", e.Error())
	}

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	e = &AuthError{Reason: "token expired", ExpiredAt: at}
	want := "auth: token expired (expired 2026-02-03T04:05:06Z)"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}
