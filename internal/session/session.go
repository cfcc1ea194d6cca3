// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package session tracks the bearer identity the engine acts as.
//
// The engine never verifies token signatures. Issuance and verification
// belong to the auth collaborator; this package introspects the claims it
// needs (subject, display name, expiry), keeps the current token available
// to outbound collaborators, and emits lifecycle events so the coordinator
// can tear down or rebuild subscriptions.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// EventKind classifies a session lifecycle event.
type EventKind string

const (
	// EventChanged means a different user's token was installed. Cached
	// conversation state belongs to the previous user and must be reset.
	EventChanged EventKind = "changed"

	// EventRefreshed means the same user's token was replaced, usually
	// ahead of expiry. Subscriptions torn down by an earlier expiry can
	// be rebuilt.
	EventRefreshed EventKind = "refreshed"

	// EventExpiring means the current token is within RefreshSkew of its
	// exp claim and the refresh collaborator should act.
	EventExpiring EventKind = "expiring"

	// EventExpired means the token passed its exp claim or a collaborator
	// rejected it. All topics must be torn down until a refresh arrives.
	EventExpired EventKind = "expired"

	// EventCleared means an explicit logout ended the session.
	EventCleared EventKind = "cleared"
)

// Event is a session lifecycle notification.
type Event struct {
	Kind     EventKind
	Identity Identity
	Reason   string
}

// Identity is the introspected view of the bearer token.
type Identity struct {
	// UserID is the token's sub claim.
	UserID string

	// DisplayName is the name claim, falling back to username, then sub.
	// Presence publications carry this value.
	DisplayName string

	// IssuedAt is the iat claim, zero when absent.
	IssuedAt time.Time

	// ExpiresAt is the exp claim, zero when the token never expires.
	ExpiresAt time.Time
}

// sessionClaims is the subset of claims the engine reads.
type sessionClaims struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager holds the current session and arms expiry timers against its
// exp claim. All methods are safe for concurrent use.
type Manager struct {
	skew time.Duration

	mu     sync.Mutex
	token  string
	ident  Identity
	active bool
	gen    uint64
	timer  *time.Timer
	events chan Event
	closed bool
}

// New builds a Manager and installs cfg.Token when one is configured.
func New(cfg config.SessionConfig) (*Manager, error) {
	m := &Manager{
		skew:   cfg.RefreshSkew,
		events: make(chan Event, 8),
	}
	if cfg.Token != "" {
		if err := m.Set(cfg.Token); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Set installs or replaces the bearer token. The claims are parsed without
// signature verification; a token with no subject, or one already past its
// exp claim, is rejected with an AuthError.
func (m *Manager) Set(token string) error {
	if token == "" {
		return &models.ValidationError{Field: "token", Message: "required"}
	}
	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return &models.AuthError{Reason: "malformed bearer token: " + err.Error()}
	}
	if claims.Subject == "" {
		return &models.AuthError{Reason: "token has no subject"}
	}
	ident := Identity{
		UserID:      claims.Subject,
		DisplayName: displayName(claims),
	}
	if claims.IssuedAt != nil {
		ident.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	now := time.Now().UTC()
	if !ident.ExpiresAt.IsZero() && !ident.ExpiresAt.After(now) {
		return &models.AuthError{Reason: "token already expired", ExpiredAt: ident.ExpiresAt}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &models.AuthError{Reason: "session manager closed"}
	}
	if m.active && token == m.token {
		m.mu.Unlock()
		return nil
	}
	kind := EventChanged
	if m.ident.UserID == ident.UserID && m.ident.UserID != "" {
		kind = EventRefreshed
	}
	m.token = token
	m.ident = ident
	m.active = true
	m.gen++
	m.scheduleLocked()
	m.emitLocked(Event{Kind: kind, Identity: ident})
	m.mu.Unlock()

	logging.Info().
		Str("user_id", ident.UserID).
		Str("event", string(kind)).
		Time("expires_at", ident.ExpiresAt).
		Msg("session installed")
	return nil
}

// Clear ends the session without installing a replacement. The identity is
// retained for comparison so a re-login by the same user is a refresh, not
// a change.
func (m *Manager) Clear() {
	m.end(EventCleared, "logout")
}

// Invalidate ends the session because a collaborator rejected the token.
// The coordinator calls this when an AuthError reaches it.
func (m *Manager) Invalidate(err error) {
	reason := "auth rejected"
	if err != nil {
		reason = err.Error()
	}
	m.end(EventExpired, reason)
}

// Token returns the current bearer token, or empty when no session is
// active. history.NewClient takes this method as its token supplier.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.token
}

// Identity returns the current identity and whether a session is active.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return Identity{}, false
	}
	return m.ident, true
}

// Events returns the lifecycle event stream. The channel is buffered; when
// the consumer lags, the oldest undelivered event is dropped in favor of
// the newest.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Close stops the expiry timers and closes the event stream.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	close(m.events)
}

// end retires the active session with the given event kind.
func (m *Manager) end(kind EventKind, reason string) {
	m.mu.Lock()
	if m.closed || !m.active {
		m.mu.Unlock()
		return
	}
	ident := m.ident
	m.active = false
	m.token = ""
	m.gen++
	m.stopTimerLocked()
	m.emitLocked(Event{Kind: kind, Identity: ident, Reason: reason})
	m.mu.Unlock()

	logging.Warn().
		Str("user_id", ident.UserID).
		Str("event", string(kind)).
		Str("reason", reason).
		Msg("session ended")
}

// scheduleLocked arms the next expiry timer for the current identity.
// Tokens without an exp claim get no timer.
func (m *Manager) scheduleLocked() {
	m.stopTimerLocked()
	exp := m.ident.ExpiresAt
	if !m.active || exp.IsZero() {
		return
	}
	gen := m.gen
	if m.skew > 0 {
		m.timer = time.AfterFunc(time.Until(exp.Add(-m.skew)), func() { m.onExpiring(gen) })
		return
	}
	m.timer = time.AfterFunc(time.Until(exp), func() { m.onExpired(gen) })
}

// onExpiring fires RefreshSkew before expiry, then arms the final timer.
func (m *Manager) onExpiring(gen uint64) {
	m.mu.Lock()
	if m.closed || !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ident := m.ident
	m.emitLocked(Event{Kind: EventExpiring, Identity: ident})
	m.timer = time.AfterFunc(time.Until(ident.ExpiresAt), func() { m.onExpired(gen) })
	m.mu.Unlock()

	logging.Warn().
		Str("user_id", ident.UserID).
		Time("expires_at", ident.ExpiresAt).
		Msg("session expiring soon")
}

// onExpired fires at the exp claim if no refresh arrived first.
func (m *Manager) onExpired(gen uint64) {
	m.mu.Lock()
	if m.closed || !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ident := m.ident
	m.active = false
	m.token = ""
	m.gen++
	m.stopTimerLocked()
	m.emitLocked(Event{Kind: EventExpired, Identity: ident, Reason: "token expired"})
	m.mu.Unlock()

	logging.Warn().
		Str("user_id", ident.UserID).
		Time("expired_at", ident.ExpiresAt).
		Msg("session expired")
}

// emitLocked pushes an event, dropping the oldest buffered one when full.
// The producer side is serialized by mu, so the drain cannot race another
// send.
func (m *Manager) emitLocked(ev Event) {
	if m.closed {
		return
	}
	metrics.RecordSessionEvent(string(ev.Kind))
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		m.events <- ev
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func displayName(c *sessionClaims) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Username != "":
		return c.Username
	default:
		return c.Subject
	}
}
