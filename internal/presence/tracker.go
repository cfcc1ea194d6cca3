// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package presence tracks ephemeral typing state per topic.
//
// Remote entries arrive as presence envelopes and live in a TTLMap,
// expiring lazily on read and in bulk by a periodic sweep that runs only
// while at least one topic is observed. Local typing is debounced: an
// explicit stop publishes after a quiet window, and repeated starts
// republish just often enough to keep remote peers' entries refreshed.
// Publication is best effort; failures are logged and dropped.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Publisher sends local typing signals to the server. The tracker treats
// every publish as best effort: errors are logged, never retried, and
// never surfaced to the caller.
type Publisher interface {
	PublishTyping(ctx context.Context, topic models.Topic, typing bool) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic models.Topic, typing bool) error

// PublishTyping implements Publisher.
func (f PublisherFunc) PublishTyping(ctx context.Context, topic models.Topic, typing bool) error {
	return f(ctx, topic, typing)
}

// Tracker holds typing state for every observed topic.
type Tracker struct {
	cfg config.PresenceConfig
	pub Publisher

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	topics    map[string]*topicPresence
	sweepStop chan struct{}
	closed    bool
}

// topicPresence is one topic's typing state: the remote TTL map plus the
// local user's debounced publication state.
type topicPresence struct {
	topic  models.Topic
	remote *TTLMap[models.PresenceEntry]

	typing    bool
	lastStart time.Time
	stopTimer *time.Timer
}

// NewTracker creates a tracker publishing local signals through pub.
func NewTracker(cfg config.PresenceConfig, pub Publisher) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:        cfg,
		pub:        pub,
		baseCtx:    ctx,
		baseCancel: cancel,
		topics:     make(map[string]*topicPresence),
	}
}

// SetLocalTyping records the local user's typing activity on a topic.
// A start publishes immediately and then at most once per refresh
// interval while activity continues; the explicit stop publishes after
// the configured quiet window, or immediately when typing is false.
// Sending a message counts as typing=false.
func (t *Tracker) SetLocalTyping(ctx context.Context, topic models.Topic, typing bool) {
	if err := topic.Validate(); err != nil {
		logging.Debug().Err(err).Msg("typing signal on invalid topic dropped")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	tp := t.ensureTopicLocked(topic)

	publish := false
	if typing {
		now := time.Now()
		if !tp.typing || now.Sub(tp.lastStart) >= t.refreshInterval() {
			publish = true
			tp.lastStart = now
		}
		tp.typing = true
		if tp.stopTimer != nil {
			tp.stopTimer.Stop()
		}
		tp.stopTimer = time.AfterFunc(t.cfg.StopDebounce, func() { t.debouncedStop(topic) })
	} else {
		publish = tp.typing
		tp.typing = false
		tp.lastStart = time.Time{}
		if tp.stopTimer != nil {
			tp.stopTimer.Stop()
			tp.stopTimer = nil
		}
	}
	t.mu.Unlock()

	if publish {
		t.publish(ctx, topic, typing)
	}
}

// refreshInterval is how often a continuing start is republished so that
// remote peers' entries outlive their TTL while the user keeps typing.
func (t *Tracker) refreshInterval() time.Duration {
	if t.cfg.RemoteTTL <= 0 {
		return time.Second
	}
	return t.cfg.RemoteTTL / 2
}

// debouncedStop fires when the quiet window elapses without activity.
func (t *Tracker) debouncedStop(topic models.Topic) {
	t.mu.Lock()
	tp, ok := t.topics[topic.String()]
	if !ok || !tp.typing {
		t.mu.Unlock()
		return
	}
	tp.typing = false
	tp.lastStart = time.Time{}
	tp.stopTimer = nil
	t.mu.Unlock()

	t.publish(t.baseCtx, topic, false)
}

func (t *Tracker) publish(ctx context.Context, topic models.Topic, typing bool) {
	kind := "stop"
	if typing {
		kind = "start"
	}
	if err := t.pub.PublishTyping(ctx, topic, typing); err != nil {
		logging.Debug().
			Err(err).
			Str("topic", topic.String()).
			Str("kind", kind).
			Msg("typing publish dropped")
		return
	}
	metrics.PresencePublishes.WithLabelValues(kind).Inc()
}

// Apply ingests one feed envelope. Payloads other than presence are
// ignored, so the method can sit directly behind a multiplexer callback.
func (t *Tracker) Apply(env models.Envelope) {
	p, ok := env.Payload.(models.PresencePayload)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	tp := t.ensureTopicLocked(env.Topic)

	if !p.Typing {
		removed := tp.remote.Delete(p.UserID)
		total := t.entriesLocked()
		t.mu.Unlock()
		if removed {
			metrics.PresenceExpiries.WithLabelValues("stop").Inc()
		}
		metrics.PresenceEntries.Set(float64(total))
		return
	}

	ttl := t.cfg.RemoteTTL
	if p.TTLMillis > 0 {
		ttl = time.Duration(p.TTLMillis) * time.Millisecond
	}
	expiresAt := time.Now().Add(ttl)
	tp.remote.SetUntil(p.UserID, models.PresenceEntry{
		Topic:     env.Topic,
		UserID:    p.UserID,
		Typing:    true,
		ExpiresAt: expiresAt,
	}, expiresAt)
	total := t.entriesLocked()
	t.mu.Unlock()

	metrics.PresenceEntries.Set(float64(total))
}

// Observe returns the user ids currently typing on the topic, sorted.
// Expired entries are excluded without waiting for the sweep.
func (t *Tracker) Observe(topic models.Topic) []string {
	t.mu.Lock()
	tp, ok := t.topics[topic.String()]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	users := tp.remote.Keys()
	sort.Strings(users)
	return users
}

// Purge drops all state for a topic. Called on unsubscribe and close.
// A pending local start is resolved with a best-effort stop so remote
// peers do not wait out the TTL.
func (t *Tracker) Purge(topic models.Topic) {
	t.mu.Lock()
	tp, ok := t.topics[topic.String()]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.topics, topic.String())
	wasTyping := tp.typing
	if tp.stopTimer != nil {
		tp.stopTimer.Stop()
	}
	removed := tp.remote.Clear()
	var stop chan struct{}
	if len(t.topics) == 0 && t.sweepStop != nil {
		stop = t.sweepStop
		t.sweepStop = nil
	}
	total := t.entriesLocked()
	t.mu.Unlock()

	if removed > 0 {
		metrics.PresenceExpiries.WithLabelValues("purge").Add(float64(removed))
	}
	metrics.PresenceEntries.Set(float64(total))
	if stop != nil {
		close(stop)
	}
	if wasTyping {
		t.publish(t.baseCtx, topic, false)
	}
}

// Close stops the sweeper and drops all state.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, tp := range t.topics {
		if tp.stopTimer != nil {
			tp.stopTimer.Stop()
		}
	}
	t.topics = make(map[string]*topicPresence)
	stop := t.sweepStop
	t.sweepStop = nil
	t.mu.Unlock()

	t.baseCancel()
	if stop != nil {
		close(stop)
	}
	t.wg.Wait()
	metrics.PresenceEntries.Set(0)
	return nil
}

// Stats reports tracker counters.
type Stats struct {
	// Topics is the number of topics with any presence state.
	Topics int

	// Entries is the number of live remote typing entries.
	Entries int
}

// Stats returns current tracker statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Topics:  len(t.topics),
		Entries: t.entriesLocked(),
	}
}

// ensureTopicLocked returns the topic's state, creating it and starting
// the sweeper on first use. Caller holds t.mu.
func (t *Tracker) ensureTopicLocked(topic models.Topic) *topicPresence {
	key := topic.String()
	tp, ok := t.topics[key]
	if ok {
		return tp
	}
	tp = &topicPresence{
		topic:  topic,
		remote: NewTTLMap[models.PresenceEntry](),
	}
	t.topics[key] = tp
	if t.sweepStop == nil {
		t.sweepStop = make(chan struct{})
		t.wg.Add(1)
		go t.sweepLoop(t.sweepStop)
	}
	return tp
}

// entriesLocked counts live remote entries across topics. Caller holds
// t.mu.
func (t *Tracker) entriesLocked() int {
	n := 0
	for _, tp := range t.topics {
		n += tp.remote.Len()
	}
	return n
}

// sweepLoop evicts expired remote entries on an interval. It runs only
// while at least one topic is observed; Purge stops it with the last
// topic.
func (t *Tracker) sweepLoop(stop chan struct{}) {
	defer t.wg.Done()

	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := time.Now()

	t.mu.Lock()
	removed := 0
	for _, tp := range t.topics {
		removed += tp.remote.Sweep(now)
	}
	total := t.entriesLocked()
	t.mu.Unlock()

	if removed > 0 {
		metrics.PresenceExpiries.WithLabelValues("ttl").Add(float64(removed))
	}
	metrics.PresenceEntries.Set(float64(total))
}
