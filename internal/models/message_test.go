// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"strings"
	"testing"
	"time"
)

func TestNewMessageEntry(t *testing.T) {
	before := time.Now().UTC()
	entry := NewMessageEntry("c-1", "u-1", "hi", MessageText)
	after := time.Now().UTC()

	if entry.ClientID == "" {
		t.Error("expected generated client id")
	}
	if entry.State != MessagePending {
		t.Errorf("state = %q, want pending", entry.State)
	}
	if entry.CreatedAt.Before(before) || entry.CreatedAt.After(after) {
		t.Errorf("created_at %v outside [%v, %v]", entry.CreatedAt, before, after)
	}

	other := NewMessageEntry("c-1", "u-1", "hi", MessageText)
	if other.ClientID == entry.ClientID {
		t.Error("client ids must be unique per entry")
	}
}

func TestMessageEntryValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*MessageEntry)
		wantField string
	}{
		{"valid text", func(m *MessageEntry) {}, ""},
		{"missing conversation", func(m *MessageEntry) { m.ConversationID = "" }, "conversation_id"},
		{"missing sender", func(m *MessageEntry) { m.SenderID = "" }, "sender_id"},
		{"empty text body", func(m *MessageEntry) { m.Body = "" }, "body"},
		{"over-length body", func(m *MessageEntry) { m.Body = strings.Repeat("a", MaxMessageBodyLength+1) }, "body"},
		{"unknown kind", func(m *MessageEntry) { m.Kind = MessageKind("poll") }, "kind"},
		{"image without attachment", func(m *MessageEntry) { m.Kind = MessageImage; m.AttachmentURL = "" }, "attachment_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := NewMessageEntry("c-1", "u-1", "hello", MessageText)
			tt.mutate(entry)

			err := entry.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			ve, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestMessageEntryImageWithAttachmentValid(t *testing.T) {
	entry := NewMessageEntry("c-1", "u-1", "", MessageImage)
	entry.AttachmentURL = "https://blobs.example/abc.jpg"
	if err := entry.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestMessageEntryOrdering(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name string
		a, b MessageEntry
		want bool
	}{
		{
			name: "earlier timestamp first",
			a:    MessageEntry{ClientID: "z", CreatedAt: t0},
			b:    MessageEntry{ClientID: "a", CreatedAt: t1},
			want: true,
		},
		{
			name: "equal timestamp breaks on sort id",
			a:    MessageEntry{ClientID: "a", CreatedAt: t0},
			b:    MessageEntry{ClientID: "b", CreatedAt: t0},
			want: true,
		},
		{
			name: "server id wins over client id as tiebreak source",
			a:    MessageEntry{ClientID: "zzz", ServerID: "m-1", CreatedAt: t0},
			b:    MessageEntry{ClientID: "aaa", ServerID: "m-2", CreatedAt: t0},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Before(&tt.b); got != tt.want {
				t.Errorf("Before() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageEntrySortID(t *testing.T) {
	m := MessageEntry{ClientID: "c-local"}
	if got := m.SortID(); got != "c-local" {
		t.Errorf("SortID() = %q, want client id before confirmation", got)
	}
	m.ServerID = "srv-1"
	if got := m.SortID(); got != "srv-1" {
		t.Errorf("SortID() = %q, want server id after confirmation", got)
	}
}
