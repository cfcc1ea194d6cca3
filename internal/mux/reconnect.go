// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package mux

import (
	"math"
	"time"

	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// pump consumes one feed subscription until its channel closes. A closed
// channel still yields buffered envelopes first, which is what flushes an
// evicted topic's backlog to its callbacks before it goes dormant.
func (m *Mux) pump(ts *topicState, sub feed.Subscription, gen int) {
	defer m.wg.Done()

	for env := range sub.Envelopes() {
		m.deliver(ts, env)
	}

	err := sub.Err()

	m.mu.Lock()
	if m.closed || ts.gen != gen {
		// Detached by eviction, unsubscribe, or shutdown.
		m.mu.Unlock()
		return
	}

	if models.IsTransport(err) {
		// Keep the slot; the reconnect loop reattaches and resyncs.
		ts.sub = nil
		m.mu.Unlock()

		logging.Warn().
			Err(err).
			Str("topic", ts.topic.String()).
			Msg("feed subscription lost, reconnecting")
		m.wg.Add(1)
		go m.reconnectLoop(ts, gen)
		return
	}

	// Stream ended without a transport cause. Release the slot and go
	// dormant; the next Subscribe reattaches.
	ts.sub = nil
	ts.live = false
	m.slots.Remove(ts.topic.String())
	metrics.MuxSubscriptionsActive.Set(float64(m.slots.Len()))
	m.mu.Unlock()
}

// deliver applies dedup, records activity, and fans the envelope out to
// the topic's callbacks. Callbacks run outside the lock so they may call
// back into the multiplexer.
func (m *Mux) deliver(ts *topicState, env models.Envelope) {
	m.mu.Lock()
	if env.ServerSeq != 0 && env.ServerSeq <= ts.highSeq {
		m.mu.Unlock()
		metrics.RecordEnvelopeDropped("duplicate")
		return
	}
	if env.ServerSeq != 0 {
		ts.highSeq = env.ServerSeq
	}
	m.slots.Touch(ts.topic.String())
	cbs := make([]Callback, 0, len(ts.callbacks))
	for _, cb := range ts.callbacks {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(env)
	}

	if env.ServerSeq != 0 {
		if err := m.journal.SetWatermark(m.baseCtx, ts.topic, env.ServerSeq); err != nil {
			logging.Warn().Err(err).Str("topic", ts.topic.String()).Msg("watermark persist failed")
		}
	}
}

// reconnectLoop reattaches a topic after a transport failure, backing off
// exponentially with jitter. After a successful reattach it fetches a
// snapshot and hands it to the resync callbacks, because envelopes
// published during the gap are not guaranteed redelivery.
func (m *Mux) reconnectLoop(ts *topicState, gen int) {
	defer m.wg.Done()

	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(m.backoffDelay(attempt))
		select {
		case <-m.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		stale := m.closed || ts.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}

		metrics.MuxReconnects.Inc()
		sub, err := m.source.Subscribe(m.baseCtx, ts.topic)
		if err != nil {
			logging.Warn().
				Err(err).
				Str("topic", ts.topic.String()).
				Int("attempt", attempt+1).
				Msg("feed resubscribe failed")
			continue
		}

		snap, snapErr := m.source.FetchSnapshot(m.baseCtx, ts.topic)

		m.mu.Lock()
		if m.closed || ts.gen != gen {
			m.mu.Unlock()
			_ = sub.Close()
			return
		}
		ts.sub = sub
		var resyncs []ResyncFunc
		if snapErr == nil && snap != nil {
			if snap.HighSeq > ts.highSeq {
				ts.highSeq = snap.HighSeq
			}
			for _, rf := range ts.resyncs {
				resyncs = append(resyncs, rf)
			}
		}
		m.wg.Add(1)
		m.mu.Unlock()

		switch {
		case snapErr != nil:
			metrics.MuxResyncs.WithLabelValues("failure").Inc()
			logging.Warn().
				Err(snapErr).
				Str("topic", ts.topic.String()).
				Msg("post-reconnect resync failed, state is stale until the next snapshot")
		case snap != nil:
			metrics.MuxResyncs.WithLabelValues("success").Inc()
			for _, rf := range resyncs {
				rf(snap)
			}
			if snap.HighSeq > 0 {
				if werr := m.journal.SetWatermark(m.baseCtx, ts.topic, snap.HighSeq); werr != nil {
					logging.Warn().Err(werr).Str("topic", ts.topic.String()).Msg("watermark persist failed")
				}
			}
		}

		logging.Info().
			Str("topic", ts.topic.String()).
			Int("attempts", attempt+1).
			Msg("feed subscription reestablished")
		go m.pump(ts, sub, gen)
		return
	}
}

// backoffDelay computes the jittered exponential backoff for an attempt.
func (m *Mux) backoffDelay(attempt int) time.Duration {
	backoff := float64(m.cfg.ReconnectBase) * math.Pow(2, float64(attempt))
	if backoff > float64(m.cfg.ReconnectCap) {
		backoff = float64(m.cfg.ReconnectCap)
	}

	m.randMu.Lock()
	jitter := backoff * m.cfg.JitterFraction * (m.rng.Float64()*2 - 1)
	m.randMu.Unlock()

	return time.Duration(backoff + jitter)
}
