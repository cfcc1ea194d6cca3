// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package presence

import (
	"sync"
	"time"
)

// TTLMap is a thread-safe map whose entries expire at a per-entry
// deadline. Expiry is lazy: reads skip expired entries without removing
// them, and Sweep deletes them in bulk. A zero deadline never expires.
//
// The type carries no transport or domain knowledge; the tracker layers
// presence semantics on top.
type TTLMap[V any] struct {
	mu    sync.RWMutex
	items map[string]ttlItem[V]
}

type ttlItem[V any] struct {
	value     V
	expiresAt time.Time
}

func (it ttlItem[V]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// NewTTLMap creates an empty TTLMap.
func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{items: make(map[string]ttlItem[V])}
}

// Set stores value under key, expiring ttl from now. A non-positive ttl
// stores the value without expiry.
func (m *TTLMap[V]) Set(key string, value V, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	m.SetUntil(key, value, deadline)
}

// SetUntil stores value under key with an absolute deadline. A zero
// deadline never expires. Overwriting refreshes both value and deadline.
func (m *TTLMap[V]) SetUntil(key string, value V, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = ttlItem[V]{value: value, expiresAt: expiresAt}
}

// Get returns the live value under key. Expired entries read as absent.
func (m *TTLMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Delete removes key and reports whether a live entry was removed.
func (m *TTLMap[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return false
	}
	delete(m.items, key)
	return !it.expired(time.Now())
}

// Len counts live entries.
func (m *TTLMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, it := range m.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys in no particular order.
func (m *TTLMap[V]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(m.items))
	for key, it := range m.items {
		if !it.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Sweep removes entries expired at now and returns how many were removed.
func (m *TTLMap[V]) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// Clear removes every entry and returns how many were live.
func (m *TTLMap[V]) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	live := 0
	for _, it := range m.items {
		if !it.expired(now) {
			live++
		}
	}
	m.items = make(map[string]ttlItem[V])
	return live
}
