// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package cache provides the bounded LRU used for the multiplexer's
// subscription pool and the store's warm-conversation cache.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the doubly-linked recency list.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	prev      *entry[V]
	next      *entry[V]
}

// LRU is a thread-safe fixed-capacity cache with optional TTL expiry and an
// eviction callback. Capacity overflow evicts the least recently used entry;
// the callback runs for capacity evictions and explicit removals, outside no
// lock ordering guarantees beyond "after the entry left the cache".
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration // zero disables TTL expiry
	items    map[string]*entry[V]
	head     *entry[V] // sentinel, most recent side
	tail     *entry[V] // sentinel, least recent side
	onEvict  func(key string, value V)

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU creates an LRU with the given capacity and TTL. A zero ttl disables
// time-based expiry. onEvict may be nil.
func NewLRU[V any](capacity int, ttl time.Duration, onEvict func(key string, value V)) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	head := &entry[V]{}
	tail := &entry[V]{}
	head.next = tail
	tail.prev = head

	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry[V], capacity),
		head:     head,
		tail:     tail,
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
// Expired entries are removed lazily and reported as misses.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	if c.expired(e, time.Now()) {
		c.removeEntry(e)
		c.misses++
		c.evictions++
		value := e.value
		c.mu.Unlock()
		c.notifyEvict(e.key, value)
		var zero V
		return zero, false
	}

	c.moveToFront(e)
	c.hits++
	value := e.value
	c.mu.Unlock()
	return value, true
}

// Peek returns the value for key without touching recency or expiry.
func (c *LRU[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.expired(e, time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present and unexpired, without touching
// recency.
func (c *LRU[V]) Contains(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Add inserts or replaces the value for key and marks it most recently
// used. Returns the evicted key/value if a capacity eviction occurred.
func (c *LRU[V]) Add(key string, value V) (evictedKey string, evicted bool) {
	c.mu.Lock()

	now := time.Now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = c.deadline(now)
		c.moveToFront(e)
		c.mu.Unlock()
		return "", false
	}

	e := &entry[V]{key: key, value: value, expiresAt: c.deadline(now)}
	c.items[key] = e
	c.addToFront(e)

	if len(c.items) <= c.capacity {
		c.mu.Unlock()
		return "", false
	}

	victim := c.tail.prev
	c.removeEntry(victim)
	c.evictions++
	victimValue := victim.value
	c.mu.Unlock()
	c.notifyEvict(victim.key, victimValue)
	return victim.key, true
}

// Remove deletes key if present, invoking the eviction callback.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.removeEntry(e)
	value := e.value
	c.mu.Unlock()
	c.notifyEvict(e.key, value)
	return true
}

// Touch marks key most recently used without reading it.
func (c *LRU[V]) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.expired(e, time.Now()) {
		return false
	}
	c.moveToFront(e)
	return true
}

// OldestKey returns the least recently used unexpired key.
func (c *LRU[V]) OldestKey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.tail.prev; e != c.head; e = e.prev {
		if !c.expired(e, time.Now()) {
			return e.key, true
		}
	}
	return "", false
}

// Keys returns all unexpired keys, most recent first.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()
	for e := c.head.next; e != c.tail; e = e.next {
		if !c.expired(e, now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Len returns the number of entries, including not-yet-collected expired
// ones.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes all expired entries and returns how many were
// collected. Callbacks run after the lock is released.
func (c *LRU[V]) CleanupExpired() int {
	c.mu.Lock()

	now := time.Now()
	var collected []*entry[V]
	for e := c.head.next; e != c.tail; {
		next := e.next
		if c.expired(e, now) {
			c.removeEntry(e)
			c.evictions++
			collected = append(collected, e)
		}
		e = next
	}
	c.mu.Unlock()

	for _, e := range collected {
		c.notifyEvict(e.key, e.value)
	}
	return len(collected)
}

// Clear removes everything without invoking callbacks.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry[V], c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Stats reports cache counters.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       len(c.items),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LRU[V]) deadline(now time.Time) time.Time {
	if c.ttl == 0 {
		return time.Time{}
	}
	return now.Add(c.ttl)
}

func (c *LRU[V]) expired(e *entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *LRU[V]) notifyEvict(key string, value V) {
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// addToFront inserts e right after the head sentinel (must hold mu).
func (c *LRU[V]) addToFront(e *entry[V]) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

// moveToFront re-links e to the most recent position (must hold mu).
func (c *LRU[V]) moveToFront(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

// removeEntry unlinks e and drops it from the index (must hold mu).
func (c *LRU[V]) removeEntry(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}
