// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package mux multiplexes logical topic subscriptions over a bounded pool
// of physical feed subscriptions.
//
// Consumers register callbacks per topic; the multiplexer owns the
// physical layer: reference counting, the LRU slot pool, reconnection
// with jittered backoff, post-reconnect resync, and ServerSeq
// deduplication. Callbacks receive each envelope at most once, in feed
// order per topic. The multiplexer never mutates domain state.
package mux

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/tomtom215/nuntius/internal/cache"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/journal"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Callback receives deduplicated envelopes for one topic, in feed order.
// It runs on the topic's pump goroutine and must not block for long.
type Callback func(env models.Envelope)

// ResyncFunc receives the snapshot fetched after a reconnect. Gap
// envelopes are not guaranteed redelivery, so consumers rebuild state
// from the snapshot instead.
type ResyncFunc func(snap *models.Snapshot)

// SubscribeOption customizes one logical subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	resync ResyncFunc
}

// WithResync registers a resync callback alongside the envelope callback.
func WithResync(fn ResyncFunc) SubscribeOption {
	return func(o *subscribeOptions) { o.resync = fn }
}

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("multiplexer is closed")

// Handle identifies one logical subscription. Pass it to Unsubscribe.
type Handle struct {
	mux   *Mux
	topic models.Topic
	id    uint64
}

// Topic returns the topic this handle observes.
func (h *Handle) Topic() models.Topic { return h.topic }

// Mux is the channel multiplexer.
type Mux struct {
	cfg     config.MuxConfig
	source  feed.Source
	journal journal.Journal

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	randMu sync.Mutex
	rng    *rand.Rand

	mu     sync.Mutex
	topics map[models.Topic]*topicState
	slots  *cache.LRU[*topicState]
	nextID uint64
	closed bool
}

// topicState is the shared state behind every handle on one topic. A
// topic holds a physical slot while live; the generation counter lets
// pumps and reconnect loops detect that they have been detached.
type topicState struct {
	topic     models.Topic
	callbacks map[uint64]Callback
	resyncs   map[uint64]ResyncFunc

	gen     int
	live    bool
	sub     feed.Subscription
	highSeq uint64

	attaching  bool
	attachDone chan struct{}
	attachErr  error
}

// New creates a multiplexer over the given feed source. Watermarks are
// loaded from and persisted to the journal so dedup survives restarts.
func New(cfg config.MuxConfig, source feed.Source, jnl journal.Journal) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mux{
		cfg:        cfg,
		source:     source,
		journal:    jnl,
		baseCtx:    ctx,
		baseCancel: cancel,
		topics:     make(map[models.Topic]*topicState),
		slots:      cache.NewLRU[*topicState](cfg.MaxPhysical, 0, nil),
		//nolint:gosec // G404: non-cryptographic jitter
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers fn for the topic's deduplicated envelopes. The
// first subscription on a topic attaches a physical feed subscription,
// evicting the least recently active topic when the pool is full;
// subsequent subscriptions share it. The returned handle must be passed
// to Unsubscribe when the consumer is done.
func (m *Mux) Subscribe(ctx context.Context, topic models.Topic, fn Callback, opts ...SubscribeOption) (*Handle, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, &models.ValidationError{Field: "callback", Message: "callback is required"}
	}
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicState{
			topic:     topic,
			callbacks: make(map[uint64]Callback),
			resyncs:   make(map[uint64]ResyncFunc),
		}
		m.topics[topic] = ts
	}

	m.nextID++
	h := &Handle{mux: m, topic: topic, id: m.nextID}
	ts.callbacks[h.id] = fn
	if so.resync != nil {
		ts.resyncs[h.id] = so.resync
	}

	// Another Subscribe is mid-handshake on this topic: share its result.
	if ts.attaching {
		done := ts.attachDone
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			m.Unsubscribe(h)
			return nil, ctx.Err()
		}

		m.mu.Lock()
		err := ts.attachErr
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	// Topic already holds a slot (live or reconnecting): share it.
	if ts.live {
		m.slots.Touch(topic.String())
		m.mu.Unlock()
		return h, nil
	}

	// New or dormant topic: acquire a slot, evicting if the pool is full.
	startGen := ts.gen
	ts.attaching = true
	ts.attachDone = make(chan struct{})
	ts.attachErr = nil

	var victimSubs []feed.Subscription
	for m.slots.Len() >= m.cfg.MaxPhysical {
		victimKey, found := m.slots.OldestKey()
		if !found {
			break
		}
		if sub := m.evictLocked(victimKey); sub != nil {
			victimSubs = append(victimSubs, sub)
		}
	}
	m.slots.Add(topic.String(), ts)
	ts.live = true
	metrics.MuxSubscriptionsActive.Set(float64(m.slots.Len()))
	m.mu.Unlock()

	// Each victim's pump drains its buffered envelopes to callbacks while
	// we take over the freed slot.
	for _, victim := range victimSubs {
		_ = victim.Close()
	}

	mark, err := m.journal.Watermark(ctx, topic)
	if err != nil {
		logging.Warn().Err(err).Str("topic", topic.String()).Msg("watermark load failed, dedup starts at zero")
		mark = 0
	}

	sub, err := m.source.Subscribe(ctx, topic)

	m.mu.Lock()
	ts.attaching = false
	if err != nil {
		// The topic dies with the handshake; waiters read attachErr.
		ts.attachErr = err
		ts.live = false
		m.slots.Remove(topic.String())
		metrics.MuxSubscriptionsActive.Set(float64(m.slots.Len()))
		delete(m.topics, topic)
		close(ts.attachDone)
		m.mu.Unlock()
		return nil, err
	}
	if m.closed || m.topics[topic] != ts {
		ts.attachErr = ErrClosed
		close(ts.attachDone)
		m.mu.Unlock()
		_ = sub.Close()
		return nil, ErrClosed
	}
	if ts.gen != startGen {
		// Evicted while attaching. The registration stands; the topic is
		// dormant until something revives it.
		close(ts.attachDone)
		m.mu.Unlock()
		_ = sub.Close()
		return h, nil
	}

	ts.sub = sub
	if mark > ts.highSeq {
		ts.highSeq = mark
	}
	close(ts.attachDone)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pump(ts, sub, startGen)
	return h, nil
}

// Unsubscribe releases one logical subscription. The physical
// subscription closes when the last handle on the topic is released.
func (m *Mux) Unsubscribe(h *Handle) {
	if h == nil || h.mux != m {
		return
	}

	m.mu.Lock()
	ts, ok := m.topics[h.topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, registered := ts.callbacks[h.id]; !registered {
		m.mu.Unlock()
		return
	}
	delete(ts.callbacks, h.id)
	delete(ts.resyncs, h.id)
	if len(ts.callbacks) > 0 {
		m.mu.Unlock()
		return
	}

	ts.gen++
	sub := ts.sub
	ts.sub = nil
	if ts.live {
		ts.live = false
		m.slots.Remove(h.topic.String())
		metrics.MuxSubscriptionsActive.Set(float64(m.slots.Len()))
	}
	delete(m.topics, h.topic)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

// Close detaches every topic and stops all pumps and reconnect loops.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var subs []feed.Subscription
	for _, ts := range m.topics {
		ts.gen++
		ts.live = false
		if ts.sub != nil {
			subs = append(subs, ts.sub)
			ts.sub = nil
		}
	}
	m.topics = make(map[models.Topic]*topicState)
	m.slots.Clear()
	metrics.MuxSubscriptionsActive.Set(0)
	m.mu.Unlock()

	m.baseCancel()
	for _, sub := range subs {
		_ = sub.Close()
	}
	m.wg.Wait()
	return nil
}

// Stats reports the pool's current shape.
type Stats struct {
	// Topics is the number of topics with at least one handle.
	Topics int

	// Physical is the number of held physical slots, including topics
	// mid-reconnect.
	Physical int
}

// Stats returns current multiplexer statistics.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Topics:   len(m.topics),
		Physical: m.slots.Len(),
	}
}

// evictLocked detaches the topic holding the given slot key and returns
// its subscription for the caller to close outside the lock. The topic's
// registrations survive; it sits dormant until a new Subscribe revives
// it. Caller holds m.mu.
func (m *Mux) evictLocked(key string) feed.Subscription {
	vts, ok := m.slots.Peek(key)
	if !ok {
		return nil
	}
	m.slots.Remove(key)

	vts.gen++
	vts.live = false
	sub := vts.sub
	vts.sub = nil

	metrics.MuxEvictions.Inc()
	logging.Debug().
		Str("topic", vts.topic.String()).
		Int("handles", len(vts.callbacks)).
		Msg("evicting least recently active subscription")
	return sub
}
