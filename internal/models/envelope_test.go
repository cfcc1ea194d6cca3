// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestEnvelopeRoundTripPayloadKinds(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "message insert",
			env: Envelope{
				Topic:     ConversationTopic("c-42"),
				ServerSeq: 17,
				Kind:      EnvelopeInsert,
				Payload: MessagePayload{
					ClientID:       "client-1",
					ServerID:       "srv-9",
					ConversationID: "c-42",
					SenderID:       "u-1",
					Body:           "anyone driving to midtown?",
					Kind:           MessageText,
					CreatedAt:      created,
				},
			},
		},
		{
			name: "reaction replace",
			env: Envelope{
				Topic:     ConversationTopic("c-42"),
				ServerSeq: 18,
				Kind:      EnvelopeUpdate,
				Payload: ReactionPayload{
					ConversationID: "c-42",
					MessageID:      "srv-9",
					UserID:         "u-2",
					Kind:           "heart",
				},
			},
		},
		{
			name: "read receipt through",
			env: Envelope{
				Topic:     ConversationTopic("c-42"),
				ServerSeq: 19,
				Kind:      EnvelopeInsert,
				Payload: ReadReceiptPayload{
					ConversationID:   "c-42",
					UserID:           "u-3",
					ThroughMessageID: "srv-9",
					ReadAt:           created,
				},
			},
		},
		{
			name: "presence typing",
			env: Envelope{
				Topic:     PresenceTopic("c-42"),
				ServerSeq: 3,
				Kind:      EnvelopeUpdate,
				Payload: PresencePayload{
					ConversationID: "c-42",
					UserID:         "u-4",
					Typing:         true,
					TTLMillis:      4000,
				},
			},
		},
		{
			name: "participant joined",
			env: Envelope{
				Topic:     ConversationTopic("c-42"),
				ServerSeq: 20,
				Kind:      EnvelopeUpdate,
				Payload: ParticipantPayload{
					ConversationID: "c-42",
					Participant: ParticipantRef{
						UserID:      "u-5",
						DisplayName: "Sam",
						Role:        RoleMember,
						JoinedAt:    created,
					},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var got Envelope
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if got.Topic != tt.env.Topic {
				t.Errorf("topic = %v, want %v", got.Topic, tt.env.Topic)
			}
			if got.ServerSeq != tt.env.ServerSeq {
				t.Errorf("server_seq = %d, want %d", got.ServerSeq, tt.env.ServerSeq)
			}
			if got.Kind != tt.env.Kind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.env.Kind)
			}
			if got.Payload == nil {
				t.Fatal("payload is nil after round trip")
			}
			if got.Payload.PayloadKind() != tt.env.Payload.PayloadKind() {
				t.Errorf("payload kind = %q, want %q",
					got.Payload.PayloadKind(), tt.env.Payload.PayloadKind())
			}
		})
	}
}

func TestEnvelopeUnmarshalUnknownPayloadKind(t *testing.T) {
	raw := []byte(`{"topic":{"kind":"conversation","id":"c-1"},"server_seq":1,"kind":"insert","payload_kind":"poll","payload":{}}`)

	var env Envelope
	err := json.Unmarshal(raw, &env)
	if err == nil {
		t.Fatal("expected error for unknown payload kind")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestEnvelopeMarshalNilPayload(t *testing.T) {
	env := Envelope{Topic: ConversationTopic("c-1"), ServerSeq: 1, Kind: EnvelopeInsert}
	if _, err := json.Marshal(env); err == nil {
		t.Fatal("expected error marshaling nil payload")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid",
			env: Envelope{
				Topic:   ConversationTopic("c-1"),
				Kind:    EnvelopeInsert,
				Payload: MessagePayload{},
			},
			wantErr: false,
		},
		{
			name: "bad topic",
			env: Envelope{
				Topic:   Topic{Kind: "poll", ID: "x"},
				Kind:    EnvelopeInsert,
				Payload: MessagePayload{},
			},
			wantErr: true,
		},
		{
			name: "bad kind",
			env: Envelope{
				Topic:   ConversationTopic("c-1"),
				Kind:    EnvelopeKind("upsert"),
				Payload: MessagePayload{},
			},
			wantErr: true,
		},
		{
			name: "nil payload",
			env: Envelope{
				Topic: ConversationTopic("c-1"),
				Kind:  EnvelopeInsert,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessagePayloadEntry(t *testing.T) {
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := MessagePayload{
		ClientID:       "client-7",
		ServerID:       "srv-13",
		ConversationID: "c-9",
		SenderID:       "u-2",
		Body:           "claimed!",
		Kind:           MessageText,
		CreatedAt:      created,
	}

	entry := p.Entry()
	if entry.State != MessageSent {
		t.Errorf("state = %q, want sent", entry.State)
	}
	if entry.ServerID != "srv-13" || entry.ClientID != "client-7" {
		t.Errorf("ids not carried: %+v", entry)
	}
	if !entry.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", entry.CreatedAt, created)
	}
}
