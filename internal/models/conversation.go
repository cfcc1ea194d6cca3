// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package models

import "time"

// ParticipantRole is a participant's role within a conversation.
type ParticipantRole string

// Participant roles.
const (
	RoleCreator ParticipantRole = "creator"
	RoleAdmin   ParticipantRole = "admin"
	RoleMember  ParticipantRole = "member"
)

// ParticipantRef describes one conversation member. A participant with
// LeftAt set is excluded from active delivery but retained so past messages
// keep their attribution.
type ParticipantRef struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Role        ParticipantRole `json:"role"`
	JoinedAt    time.Time       `json:"joined_at"`
	LeftAt      *time.Time      `json:"left_at,omitempty"`
}

// Active reports whether the participant still receives delivery.
func (p *ParticipantRef) Active() bool {
	return p.LeftAt == nil
}

// ConversationView is the derived, locally cached projection of one
// conversation. It is invalidated on every relevant envelope and is never
// the source of truth; the relational store is.
type ConversationView struct {
	ID             string           `json:"id"`
	Participants   []ParticipantRef `json:"participants"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	LastPreview    string           `json:"last_preview,omitempty"`
	Unread         int              `json:"unread"`
}

// Participant returns the participant with the given user id, or nil.
func (v *ConversationView) Participant(userID string) *ParticipantRef {
	for i := range v.Participants {
		if v.Participants[i].UserID == userID {
			return &v.Participants[i]
		}
	}
	return nil
}

// UpsertParticipant replaces the participant with the same user id or
// appends a new one.
func (v *ConversationView) UpsertParticipant(ref ParticipantRef) {
	for i := range v.Participants {
		if v.Participants[i].UserID == ref.UserID {
			v.Participants[i] = ref
			return
		}
	}
	v.Participants = append(v.Participants, ref)
}

// ActiveParticipants returns participants that have not left.
func (v *ConversationView) ActiveParticipants() []ParticipantRef {
	out := make([]ParticipantRef, 0, len(v.Participants))
	for _, p := range v.Participants {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}
