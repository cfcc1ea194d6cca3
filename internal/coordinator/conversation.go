// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/mux"
)

const (
	typingTick      = time.Second
	attachRetryBase = time.Second
	attachRetryCap  = 30 * time.Second
	teardownWait    = 5 * time.Second
)

// command is one unit of work for a conversation worker.
type command func()

// conversation is the per-conversation lifecycle unit. The worker
// goroutine owns every field below the channels; other goroutines
// interact through post and the atomic state.
type conversation struct {
	id     string
	topic  models.Topic
	ptopic models.Topic

	ctx    context.Context
	cancel context.CancelFunc

	// loadCtx bounds subscribes, snapshot fetches and backlog pages so
	// closing the conversation aborts in-flight loads.
	loadCtx    context.Context
	cancelLoad context.CancelFunc

	done  chan struct{}
	cmds  chan command
	state atomic.Value // State

	handle     *mux.Handle
	phandle    *mux.Handle
	graceTimer *time.Timer
	loaded     bool
	lastTyping []string
}

// post queues cmd for the worker, blocking until accepted. It reports
// false when the conversation is shutting down.
func (cv *conversation) post(cmd command) bool {
	select {
	case cv.cmds <- cmd:
		return true
	case <-cv.ctx.Done():
		return false
	}
}

func (cv *conversation) currentState() State {
	if s, ok := cv.state.Load().(State); ok {
		return s
	}
	return StateClosed
}

// worker serializes all state mutations for one conversation. The
// ticker drives typing fan-out, because remote typing entries expire
// by TTL without a closing envelope.
func (c *Coordinator) worker(cv *conversation) {
	defer c.workers.Done()
	defer close(cv.done)

	ticker := time.NewTicker(typingTick)
	defer ticker.Stop()

	for {
		select {
		case <-cv.ctx.Done():
			return
		case cmd := <-cv.cmds:
			cmd()
		case <-ticker.C:
			if cv.currentState() != StateClosed {
				c.publishTyping(cv, false)
			}
		}
	}
}

// transition moves the conversation between lifecycle states and keeps
// the state gauge consistent.
func (c *Coordinator) transition(cv *conversation, to State) {
	from := cv.currentState()
	if from == to {
		return
	}
	cv.state.Store(to)
	metrics.RecordCoordinatorTransition(string(from), string(to))
	logging.Debug().
		Str("conversation_id", cv.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("conversation state changed")
}

// openConv starts the open sequence for a newly registered
// conversation. Runs on the worker.
func (c *Coordinator) openConv(cv *conversation) {
	if cv.currentState() != StateClosed {
		c.foregroundConv(cv)
		return
	}
	c.transition(cv, StateSubscribing)
	revived := c.deps.Store.Open(cv.id)
	logging.Info().
		Str("conversation_id", cv.id).
		Bool("warm", revived).
		Msg("opening conversation")
	c.publish(cv.id)
	c.spawn(func() { c.attach(cv) })
}

// attach acquires the conversation's feed subscriptions, initial
// snapshot and backlog page, retrying with backoff until the
// conversation closes. It runs off the worker; results land back on it
// through finishOpen.
func (c *Coordinator) attach(cv *conversation) {
	ctx := cv.loadCtx
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		handle, phandle, err := c.subscribePair(ctx, cv)
		if err != nil {
			if errors.Is(err, mux.ErrClosed) || ctx.Err() != nil {
				return
			}
			delay := attachBackoff(attempt)
			logging.Warn().
				Err(err).
				Str("conversation_id", cv.id).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("conversation subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		snap, serr := c.deps.Source.FetchSnapshot(ctx, cv.topic)
		if serr != nil {
			if ctx.Err() != nil {
				c.deps.Mux.Unsubscribe(handle)
				c.deps.Mux.Unsubscribe(phandle)
				return
			}
			logging.Warn().
				Err(serr).
				Str("conversation_id", cv.id).
				Msg("initial snapshot unavailable, relying on backlog and live envelopes")
			snap = nil
		}
		if _, perr := c.deps.Store.PageBackward(ctx, cv.id, time.Time{}, c.cfg.PageSize); perr != nil && ctx.Err() == nil {
			logging.Warn().
				Err(perr).
				Str("conversation_id", cv.id).
				Msg("initial backlog page failed")
		}

		if !cv.post(func() { c.finishOpen(cv, handle, phandle, snap) }) {
			c.deps.Mux.Unsubscribe(handle)
			c.deps.Mux.Unsubscribe(phandle)
		}
		return
	}
}

// subscribePair attaches the conversation topic and its presence
// sibling. Envelope callbacks run on the multiplexer's pump goroutine,
// so they only post commands.
func (c *Coordinator) subscribePair(ctx context.Context, cv *conversation) (*mux.Handle, *mux.Handle, error) {
	handle, err := c.deps.Mux.Subscribe(ctx, cv.topic, func(env models.Envelope) {
		cv.post(func() { c.applyEnvelope(cv, env) })
	}, mux.WithResync(func(snap *models.Snapshot) {
		cv.post(func() { c.applySnapshot(cv, snap) })
	}))
	if err != nil {
		return nil, nil, err
	}
	phandle, err := c.deps.Mux.Subscribe(ctx, cv.ptopic, func(env models.Envelope) {
		cv.post(func() { c.applyEnvelope(cv, env) })
	})
	if err != nil {
		c.deps.Mux.Unsubscribe(handle)
		return nil, nil, err
	}
	return handle, phandle, nil
}

// attachBackoff doubles from the base up to the cap.
func attachBackoff(attempt int) time.Duration {
	n := attempt - 1
	if n > 5 {
		n = 5
	}
	d := attachRetryBase << uint(n)
	if d > attachRetryCap {
		d = attachRetryCap
	}
	return d
}

// finishOpen installs fresh handles and initial state on the worker. A
// foreground refresh replaces the previous handles; overlap during the
// swap is safe because reconciliation drops redeliveries.
func (c *Coordinator) finishOpen(cv *conversation, handle, phandle *mux.Handle, snap *models.Snapshot) {
	if cv.currentState() == StateClosed {
		c.deps.Mux.Unsubscribe(handle)
		c.deps.Mux.Unsubscribe(phandle)
		return
	}
	if cv.handle != nil {
		c.deps.Mux.Unsubscribe(cv.handle)
	}
	if cv.phandle != nil {
		c.deps.Mux.Unsubscribe(cv.phandle)
	}
	cv.handle, cv.phandle = handle, phandle

	var highSeq uint64
	if snap != nil {
		highSeq = snap.HighSeq
		c.loadSnapshot(cv, snap)
	}
	cv.loaded = true
	if cv.currentState() == StateSubscribing {
		c.transition(cv, StateLive)
	}
	logging.Info().
		Str("conversation_id", cv.id).
		Uint64("high_seq", highSeq).
		Msg("conversation attached")
	c.publish(cv.id)
	c.publishTyping(cv, true)
}

// closeConv tears one conversation down on its worker. The window
// moves to the warm cache, presence is dropped, and the worker exits.
func (c *Coordinator) closeConv(cv *conversation, reason string) {
	if cv.currentState() == StateClosed {
		cv.cancel()
		return
	}
	cv.cancelLoad()
	if cv.graceTimer != nil {
		cv.graceTimer.Stop()
		cv.graceTimer = nil
	}
	if cv.handle != nil {
		c.deps.Mux.Unsubscribe(cv.handle)
		cv.handle = nil
	}
	if cv.phandle != nil {
		c.deps.Mux.Unsubscribe(cv.phandle)
		cv.phandle = nil
	}
	c.deps.Presence.SetLocalTyping(context.Background(), cv.ptopic, false)
	c.deps.Presence.Purge(cv.ptopic)
	c.deps.Store.Release(cv.id)
	c.transition(cv, StateClosed)
	c.remove(cv.id)
	logging.Info().
		Str("conversation_id", cv.id).
		Str("reason", reason).
		Msg("conversation closed")
	c.publish(cv.id)
	c.publishTyping(cv, true)
	cv.cancel()
}

// backgroundConv marks the conversation backgrounded and arms the
// grace timer that frees its subscriptions if the app stays away.
func (c *Coordinator) backgroundConv(cv *conversation) {
	st := cv.currentState()
	if st != StateLive && st != StateSubscribing {
		return
	}
	c.deps.Presence.SetLocalTyping(context.Background(), cv.ptopic, false)
	c.transition(cv, StateBackgrounded)
	cv.graceTimer = time.AfterFunc(c.cfg.BackgroundGrace, func() {
		cv.post(func() { c.graceExpired(cv) })
	})
	c.publish(cv.id)
}

// graceExpired closes a conversation the app left backgrounded past
// the grace period.
func (c *Coordinator) graceExpired(cv *conversation) {
	if cv.currentState() != StateBackgrounded {
		return
	}
	c.closeConv(cv, "background grace expired")
}

// foregroundConv returns a backgrounded conversation to live. The
// subscription may have gone dormant to pool eviction while
// backgrounded, so a refresh re-subscribes and re-snapshots to close
// any gap.
func (c *Coordinator) foregroundConv(cv *conversation) {
	if cv.currentState() != StateBackgrounded {
		return
	}
	if cv.graceTimer != nil {
		cv.graceTimer.Stop()
		cv.graceTimer = nil
	}
	if cv.loaded {
		c.transition(cv, StateLive)
	} else {
		c.transition(cv, StateSubscribing)
	}
	c.publish(cv.id)
	c.spawn(func() { c.attach(cv) })
}

// applyEnvelope routes one feed envelope to the collaborator that owns
// its payload kind. Runs on the worker.
func (c *Coordinator) applyEnvelope(cv *conversation, env models.Envelope) {
	if cv.currentState() == StateClosed {
		return
	}
	switch p := env.Payload.(type) {
	case models.MessagePayload:
		c.deps.Store.ApplyEnvelope(env)
		if p.ServerID != "" && c.deps.Archiver != nil {
			entry := p.Entry()
			if env.Kind == models.EnvelopeDelete {
				entry.Deleted = true
			}
			c.deps.Archiver.ArchiveConfirmed(cv.ctx, *entry)
		}

	case models.ParticipantPayload:
		c.deps.Store.ApplyEnvelope(env)

	case models.ReactionPayload:
		c.deps.Reactions.Apply(p.MessageID, p.UserID, p.Kind)
		c.publish(cv.id)

	case models.ReadReceiptPayload:
		c.deps.Receipts.ApplyThrough(p.UserID, p.ThroughMessageID, c.viewMessageIDs(cv.id))
		if me, ok := c.deps.Session.Identity(); ok && me.UserID == p.UserID {
			// Another device of the same user read the conversation.
			c.deps.Store.ClearUnread(cv.id)
		}
		c.publish(cv.id)

	case models.PresencePayload:
		c.deps.Presence.Apply(env)
		c.publishTyping(cv, false)

	default:
		metrics.RecordEnvelopeDropped("unhandled_payload")
	}
}

// applySnapshot folds a resync snapshot in on the worker.
func (c *Coordinator) applySnapshot(cv *conversation, snap *models.Snapshot) {
	if snap == nil || cv.currentState() == StateClosed {
		return
	}
	c.loadSnapshot(cv, snap)
	c.publish(cv.id)
}

// loadSnapshot reconciles snapshot state into the store and the
// aggregates. Reactions are replaced only within the snapshot's scope,
// and only when the snapshot carries reaction data at all; a nil map
// means the source has no snapshot view, not that every reaction is
// gone. Read receipts merge because read sets are monotone and local
// receipts can run ahead of the snapshot.
func (c *Coordinator) loadSnapshot(cv *conversation, snap *models.Snapshot) {
	c.deps.Store.LoadSnapshot(snap)

	if snap.Reactions != nil {
		scope := c.viewMessageIDs(cv.id)
		seen := make(map[string]struct{}, len(scope))
		for _, id := range scope {
			seen[id] = struct{}{}
		}
		for id := range snap.Reactions {
			if _, ok := seen[id]; !ok {
				scope = append(scope, id)
			}
		}
		c.deps.Reactions.ReplaceFor(scope, snap.Reactions)
	}
	c.deps.Receipts.Merge(snap.ReadBy)
}

// viewMessageIDs lists the window's message ids in conversation order,
// preferring the server id once one is known.
func (c *Coordinator) viewMessageIDs(conversationID string) []string {
	view, _, ok := c.deps.Store.View(conversationID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(view.Messages))
	for i := range view.Messages {
		ids = append(ids, view.Messages[i].SortID())
	}
	return ids
}
