// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package mux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/journal"
	"github.com/tomtom215/nuntius/internal/models"
)

// fakeSub is an in-memory feed.Subscription fed by fakeSource.
type fakeSub struct {
	topic models.Topic
	ch    chan models.Envelope

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *fakeSub) Topic() models.Topic               { return s.topic }
func (s *fakeSub) Envelopes() <-chan models.Envelope { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

// fail ends the stream with a transport error, as a dropped connection
// would.
func (s *fakeSub) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = models.NewTransportError("read", errors.New("connection reset"))
	close(s.ch)
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeSource is an in-memory feed.Source recording subscribe and
// snapshot traffic.
type fakeSource struct {
	mu            sync.Mutex
	subs          map[string]*fakeSub
	snapshots     map[string]*models.Snapshot
	subscribeErr  error
	subscribes    int
	snapshotCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subs:      make(map[string]*fakeSub),
		snapshots: make(map[string]*models.Snapshot),
	}
}

func (f *fakeSource) Subscribe(_ context.Context, topic models.Topic) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{topic: topic, ch: make(chan models.Envelope, 16)}
	f.subs[topic.String()] = sub
	return sub, nil
}

func (f *fakeSource) FetchSnapshot(_ context.Context, topic models.Topic) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	snap, ok := f.snapshots[topic.String()]
	if !ok {
		return nil, models.NewTransportError("snapshot", errors.New("unavailable"))
	}
	return snap, nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) push(t *testing.T, topic models.Topic, seq uint64) {
	t.Helper()
	f.mu.Lock()
	sub, ok := f.subs[topic.String()]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no live subscription for %s", topic)
	}
	sub.ch <- models.Envelope{Topic: topic, ServerSeq: seq, Kind: models.EnvelopeInsert}
}

func (f *fakeSource) failSub(t *testing.T, topic models.Topic) {
	t.Helper()
	f.mu.Lock()
	sub, ok := f.subs[topic.String()]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no live subscription for %s", topic)
	}
	sub.fail()
}

func (f *fakeSource) sub(t *testing.T, topic models.Topic) *fakeSub {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[topic.String()]
	if !ok {
		t.Fatalf("no subscription recorded for %s", topic)
	}
	return sub
}

func (f *fakeSource) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeSource) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotCalls
}

func (f *fakeSource) setSnapshot(topic models.Topic, snap *models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[topic.String()] = snap
}

func (f *fakeSource) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// fakeJournal keeps watermarks in memory. The outbound entry methods are
// inert; the multiplexer only uses the watermark side.
type fakeJournal struct {
	mu    sync.Mutex
	marks map[string]uint64
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{marks: make(map[string]uint64)}
}

func (j *fakeJournal) Write(context.Context, string, models.Topic, interface{}) (string, error) {
	return "", nil
}
func (j *fakeJournal) Resolve(context.Context, string, journal.Outcome) error { return nil }
func (j *fakeJournal) UpdateAttempt(context.Context, string, string) error    { return nil }
func (j *fakeJournal) GetPending(context.Context) ([]*journal.Entry, error)   { return nil, nil }
func (j *fakeJournal) TryClaim(string) bool                                   { return true }
func (j *fakeJournal) Release(string)                                         {}
func (j *fakeJournal) Stats() journal.Stats                                   { return journal.Stats{} }
func (j *fakeJournal) Close() error                                           { return nil }

func (j *fakeJournal) SetWatermark(_ context.Context, topic models.Topic, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.marks[topic.String()] {
		j.marks[topic.String()] = seq
	}
	return nil
}

func (j *fakeJournal) Watermark(_ context.Context, topic models.Topic) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.marks[topic.String()], nil
}

func (j *fakeJournal) mark(topic models.Topic) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.marks[topic.String()]
}

func testConfig(maxPhysical int) config.MuxConfig {
	return config.MuxConfig{
		MaxPhysical:    maxPhysical,
		ReconnectBase:  5 * time.Millisecond,
		ReconnectCap:   20 * time.Millisecond,
		JitterFraction: 0.2,
		BufferSize:     16,
	}
}

func newTestMux(t *testing.T, cfg config.MuxConfig, src *fakeSource, jnl journal.Journal) *Mux {
	t.Helper()
	if jnl == nil {
		jnl = journal.NewNoop()
	}
	m := New(cfg, src, jnl)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// recorder collects delivered envelope sequences on a channel.
func recorder() (Callback, chan uint64) {
	got := make(chan uint64, 32)
	return func(env models.Envelope) { got <- env.ServerSeq }, got
}

func waitSeq(t *testing.T, ch <-chan uint64, want uint64) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("envelope seq = %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope seq %d", want)
	}
}

func expectNone(t *testing.T, ch <-chan uint64) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected envelope seq %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)
	topic := models.ConversationTopic("conv-1")

	cb, got := recorder()
	h, err := m.Subscribe(context.Background(), topic, cb)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer m.Unsubscribe(h)

	src.push(t, topic, 1)
	src.push(t, topic, 2)
	src.push(t, topic, 3)

	waitSeq(t, got, 1)
	waitSeq(t, got, 2)
	waitSeq(t, got, 3)
}

func TestSubscribeValidation(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)

	if _, err := m.Subscribe(context.Background(), models.Topic{}, func(models.Envelope) {}); !models.IsValidation(err) {
		t.Fatalf("invalid topic error = %v, want validation error", err)
	}
	if _, err := m.Subscribe(context.Background(), models.ConversationTopic("c"), nil); !models.IsValidation(err) {
		t.Fatalf("nil callback error = %v, want validation error", err)
	}
	if n := src.subscribeCount(); n != 0 {
		t.Fatalf("source subscribes = %d, want 0", n)
	}
}

func TestSubscribeSharesPhysical(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)
	topic := models.ConversationTopic("conv-1")

	cb1, got1 := recorder()
	cb2, got2 := recorder()
	h1, err := m.Subscribe(context.Background(), topic, cb1)
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	h2, err := m.Subscribe(context.Background(), topic, cb2)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	if n := src.subscribeCount(); n != 1 {
		t.Fatalf("source subscribes = %d, want 1", n)
	}
	if st := m.Stats(); st.Physical != 1 || st.Topics != 1 {
		t.Fatalf("stats = %+v, want 1 physical / 1 topic", st)
	}

	src.push(t, topic, 1)
	waitSeq(t, got1, 1)
	waitSeq(t, got2, 1)

	// Dropping one handle keeps the stream for the other.
	m.Unsubscribe(h1)
	src.push(t, topic, 2)
	waitSeq(t, got2, 2)
	expectNone(t, got1)

	// Dropping the last handle closes the physical subscription.
	m.Unsubscribe(h2)
	waitUntil(t, "physical subscription closes", func() bool {
		return src.sub(t, topic).isClosed()
	})
	if st := m.Stats(); st.Physical != 0 || st.Topics != 0 {
		t.Fatalf("stats after unsubscribe = %+v, want empty", st)
	}
}

func TestDedupDropsAtOrBelowWatermark(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)
	topic := models.ConversationTopic("conv-1")

	cb, got := recorder()
	h, err := m.Subscribe(context.Background(), topic, cb)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer m.Unsubscribe(h)

	src.push(t, topic, 5)
	src.push(t, topic, 3) // stale
	src.push(t, topic, 5) // duplicate
	src.push(t, topic, 6)

	waitSeq(t, got, 5)
	waitSeq(t, got, 6)
	expectNone(t, got)
}

func TestWatermarkPersistedAndReloaded(t *testing.T) {
	src := newFakeSource()
	jnl := newFakeJournal()
	topic := models.ConversationTopic("conv-1")
	if err := jnl.SetWatermark(context.Background(), topic, 5); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	m := newTestMux(t, testConfig(3), src, jnl)
	cb, got := recorder()
	h, err := m.Subscribe(context.Background(), topic, cb)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer m.Unsubscribe(h)

	// Redeliveries at or below the reloaded mark are dropped.
	src.push(t, topic, 4)
	src.push(t, topic, 5)
	expectNone(t, got)

	src.push(t, topic, 6)
	waitSeq(t, got, 6)

	// The advanced mark is persisted back after delivery.
	waitUntil(t, "watermark reaches 6", func() bool {
		return jnl.mark(topic) == 6
	})
}

func TestCapEvictsLeastRecentlyActive(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(2), src, nil)
	t1 := models.ConversationTopic("conv-1")
	t2 := models.ConversationTopic("conv-2")
	t3 := models.ConversationTopic("conv-3")

	cb1, got1 := recorder()
	if _, err := m.Subscribe(context.Background(), t1, cb1); err != nil {
		t.Fatalf("Subscribe t1 failed: %v", err)
	}

	// t2's callback stalls on gate so its second envelope stays buffered
	// in the subscription channel at eviction time.
	gate := make(chan struct{})
	entered := make(chan struct{})
	got2 := make(chan uint64, 8)
	first := true
	cb2 := func(env models.Envelope) {
		if first {
			first = false
			close(entered)
			<-gate
		}
		got2 <- env.ServerSeq
	}
	if _, err := m.Subscribe(context.Background(), t2, cb2); err != nil {
		t.Fatalf("Subscribe t2 failed: %v", err)
	}

	src.push(t, t2, 1)
	src.push(t, t2, 2)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for t2 delivery to start")
	}

	// Touch t1 after t2 so t2 is the least recently active.
	src.push(t, t1, 1)
	waitSeq(t, got1, 1)

	cb3, got3 := recorder()
	if _, err := m.Subscribe(context.Background(), t3, cb3); err != nil {
		t.Fatalf("Subscribe t3 failed: %v", err)
	}

	if st := m.Stats(); st.Physical != 2 {
		t.Fatalf("physical subscriptions = %d, want 2", st.Physical)
	}
	if !src.sub(t, t2).isClosed() {
		t.Fatal("evicted topic's physical subscription still open")
	}

	// Eviction flushed the buffered envelope: both reach the callback
	// once the stall clears.
	close(gate)
	waitSeq(t, got2, 1)
	waitSeq(t, got2, 2)

	src.push(t, t3, 1)
	waitSeq(t, got3, 1)

	// The evicted topic keeps its registration while dormant.
	if st := m.Stats(); st.Topics != 3 {
		t.Fatalf("topics = %d, want 3", st.Topics)
	}
}

func TestDormantTopicRevival(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(1), src, nil)
	t1 := models.ConversationTopic("conv-1")
	t2 := models.ConversationTopic("conv-2")

	cb1, got1 := recorder()
	h1, err := m.Subscribe(context.Background(), t1, cb1)
	if err != nil {
		t.Fatalf("Subscribe t1 failed: %v", err)
	}

	// t2 takes the only slot; t1 goes dormant but keeps h1 registered.
	if _, err := m.Subscribe(context.Background(), t2, func(models.Envelope) {}); err != nil {
		t.Fatalf("Subscribe t2 failed: %v", err)
	}
	waitUntil(t, "t1 physical subscription closes", func() bool {
		return src.sub(t, t1).isClosed()
	})

	// A new handle revives t1 with a fresh physical subscription; the
	// dormant handle sees envelopes again too.
	cb1b, got1b := recorder()
	if _, err := m.Subscribe(context.Background(), t1, cb1b); err != nil {
		t.Fatalf("revive Subscribe t1 failed: %v", err)
	}
	if n := src.subscribeCount(); n != 3 {
		t.Fatalf("source subscribes = %d, want 3", n)
	}

	src.push(t, t1, 7)
	waitSeq(t, got1, 7)
	waitSeq(t, got1b, 7)
	m.Unsubscribe(h1)
}

func TestSubscribeSourceErrorReleasesSlot(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)
	topic := models.ConversationTopic("conv-1")

	src.setSubscribeErr(errors.New("dial failed"))
	if _, err := m.Subscribe(context.Background(), topic, func(models.Envelope) {}); err == nil {
		t.Fatal("Subscribe succeeded despite source failure")
	}
	if st := m.Stats(); st.Physical != 0 || st.Topics != 0 {
		t.Fatalf("stats after failed subscribe = %+v, want empty", st)
	}

	// The topic is retryable once the source recovers.
	src.setSubscribeErr(nil)
	cb, got := recorder()
	h, err := m.Subscribe(context.Background(), topic, cb)
	if err != nil {
		t.Fatalf("retry Subscribe failed: %v", err)
	}
	defer m.Unsubscribe(h)
	src.push(t, topic, 1)
	waitSeq(t, got, 1)
}

func TestReconnectResyncsFromSnapshot(t *testing.T) {
	src := newFakeSource()
	jnl := newFakeJournal()
	m := newTestMux(t, testConfig(3), src, jnl)
	topic := models.ConversationTopic("conv-1")
	src.setSnapshot(topic, &models.Snapshot{Topic: topic, HighSeq: 10})

	cb, got := recorder()
	snaps := make(chan *models.Snapshot, 1)
	h, err := m.Subscribe(context.Background(), topic, cb,
		WithResync(func(snap *models.Snapshot) { snaps <- snap }))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer m.Unsubscribe(h)

	src.push(t, topic, 1)
	waitSeq(t, got, 1)

	src.failSub(t, topic)

	select {
	case snap := <-snaps:
		if snap.HighSeq != 10 {
			t.Fatalf("resync snapshot HighSeq = %d, want 10", snap.HighSeq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resync")
	}
	if n := src.subscribeCount(); n != 2 {
		t.Fatalf("source subscribes = %d, want 2", n)
	}
	if n := src.snapshotCount(); n != 1 {
		t.Fatalf("snapshot fetches = %d, want 1", n)
	}

	// The snapshot advanced the watermark: gap-era envelopes are stale.
	src.push(t, topic, 9)
	expectNone(t, got)
	src.push(t, topic, 11)
	waitSeq(t, got, 11)

	waitUntil(t, "watermark reaches 11", func() bool {
		return jnl.mark(topic) == 11
	})
}

func TestReconnectAbortsAfterUnsubscribe(t *testing.T) {
	src := newFakeSource()
	cfg := testConfig(3)
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectCap = 50 * time.Millisecond
	m := newTestMux(t, cfg, src, nil)
	topic := models.ConversationTopic("conv-1")

	h, err := m.Subscribe(context.Background(), topic, func(models.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	src.failSub(t, topic)
	m.Unsubscribe(h)

	time.Sleep(100 * time.Millisecond)
	if n := src.subscribeCount(); n != 1 {
		t.Fatalf("source subscribes = %d, want 1 (no reconnect)", n)
	}
	if st := m.Stats(); st.Physical != 0 || st.Topics != 0 {
		t.Fatalf("stats = %+v, want empty", st)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	src := newFakeSource()
	m := New(testConfig(3), src, journal.NewNoop())
	t1 := models.ConversationTopic("conv-1")
	t2 := models.PresenceTopic("conv-1")

	cb, got := recorder()
	if _, err := m.Subscribe(context.Background(), t1, cb); err != nil {
		t.Fatalf("Subscribe t1 failed: %v", err)
	}
	if _, err := m.Subscribe(context.Background(), t2, func(models.Envelope) {}); err != nil {
		t.Fatalf("Subscribe t2 failed: %v", err)
	}
	src.push(t, t1, 1)
	waitSeq(t, got, 1)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !src.sub(t, t1).isClosed() || !src.sub(t, t2).isClosed() {
		t.Fatal("physical subscriptions survived Close")
	}
	if st := m.Stats(); st.Physical != 0 || st.Topics != 0 {
		t.Fatalf("stats after close = %+v, want empty", st)
	}

	if _, err := m.Subscribe(context.Background(), t1, cb); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close error = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestUnsubscribeIgnoresForeignHandles(t *testing.T) {
	src := newFakeSource()
	m := newTestMux(t, testConfig(3), src, nil)
	topic := models.ConversationTopic("conv-1")

	h, err := m.Subscribe(context.Background(), topic, func(models.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m.Unsubscribe(nil)
	other := New(testConfig(3), newFakeSource(), journal.NewNoop())
	defer func() { _ = other.Close() }()
	other.Unsubscribe(h)

	if st := m.Stats(); st.Physical != 1 || st.Topics != 1 {
		t.Fatalf("stats = %+v, want 1 physical / 1 topic", st)
	}
	m.Unsubscribe(h)
	m.Unsubscribe(h) // double unsubscribe is harmless
	if st := m.Stats(); st.Physical != 0 || st.Topics != 0 {
		t.Fatalf("stats after unsubscribe = %+v, want empty", st)
	}
}
