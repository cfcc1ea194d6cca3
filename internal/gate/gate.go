// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package gate funnels every outbound mutation through per-action-key
// interval limiting, bounded transient-failure retries, and the durable
// outbound journal. Rejections are silent at the product level: callers
// get models.ErrRateLimited and the UI simply keeps its current state.
package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/journal"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Kind names an outbound action class. Kinds with a configured minimum
// interval are rate limited per scope; the rest pass through unlimited.
type Kind string

// Action kinds.
const (
	KindSend         Kind = "send_message"
	KindReact        Kind = "react"
	KindMarkRead     Kind = "mark_read"
	KindClaim        Kind = "claim"
	KindUnclaim      Kind = "unclaim"
	KindGenerateCode Kind = "generate_code"
	KindPresence     Kind = "presence"
	KindUpload       Kind = "upload"
)

// Action describes one durable outbound mutation for Enqueue.
type Action struct {
	// Kind selects the interval limiter and labels metrics.
	Kind Kind

	// Scope is the limiter scope, usually the conversation id. Actions in
	// different scopes never contend.
	Scope string

	// Topic attributes the journal entry for recovery.
	Topic models.Topic

	// Payload is journaled before the call; it must be JSON-marshalable
	// and carry enough to resubmit idempotently (the ClientID).
	Payload interface{}

	// Call performs the mutation.
	Call func(ctx context.Context) error
}

// Gate applies interval limits and retry policy to outbound actions.
type Gate struct {
	cfg config.GateConfig
	jnl journal.Journal

	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	lastSweep time.Time
}

type keyedLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// New creates a gate. A nil journal disables outbound durability.
func New(cfg config.GateConfig, jnl journal.Journal) *Gate {
	if jnl == nil {
		jnl = journal.NewNoop()
	}
	return &Gate{
		cfg:      cfg,
		jnl:      jnl,
		limiters: make(map[string]*keyedLimiter),
	}
}

// Attempt consumes one slot of kind's interval limiter for scope and
// reports whether the action may proceed now. Do and Enqueue call it
// internally; call it directly only when performing the action yourself.
func (g *Gate) Attempt(kind Kind, scope string) bool {
	interval := g.interval(kind)
	if interval <= 0 {
		return true
	}

	now := time.Now()
	g.mu.Lock()
	g.sweepLocked(now)
	key := string(kind) + ":" + scope
	kl := g.limiters[key]
	if kl == nil {
		kl = &keyedLimiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
		g.limiters[key] = kl
	}
	kl.lastUsed = now
	ok := kl.lim.Allow()
	g.mu.Unlock()

	if !ok {
		metrics.RecordGateRejection(string(kind))
		logging.Debug().
			Str("action", string(kind)).
			Str("scope", scope).
			Msg("outbound action rejected by interval limiter")
	}
	return ok
}

// Do runs fn under the kind's interval limit with transient-failure
// retries. Transport failures back off exponentially up to MaxAttempts;
// any other error returns immediately.
func (g *Gate) Do(ctx context.Context, kind Kind, scope string, fn func(context.Context) error) error {
	if fn == nil {
		return &models.ValidationError{Field: "fn", Message: "action func is required"}
	}
	if !g.Attempt(kind, scope) {
		return models.ErrRateLimited
	}

	start := time.Now()
	retries, err := g.run(ctx, kind, fn, "")
	metrics.RecordGateAction(string(kind), time.Since(start), retries, err != nil)
	return err
}

// Enqueue journals the action, runs it under Do's limiter and retry
// policy, and resolves the journal entry confirmed or abandoned. Entries
// left pending by a crash or cancellation are resubmitted on startup.
func (g *Gate) Enqueue(ctx context.Context, act Action) error {
	if act.Call == nil {
		return &models.ValidationError{Field: "call", Message: "action call is required"}
	}
	if !g.Attempt(act.Kind, act.Scope) {
		return models.ErrRateLimited
	}
	return g.Submit(ctx, act)
}

// Submit is Enqueue without the interval limiter: journal, retry loop,
// resolve. Callers that already consumed an Attempt slot use it to run
// the action after their own bookkeeping, such as the coordinator's
// optimistic insert between the limit check and the network call.
func (g *Gate) Submit(ctx context.Context, act Action) error {
	if act.Call == nil {
		return &models.ValidationError{Field: "call", Message: "action call is required"}
	}

	entryID, err := g.jnl.Write(ctx, string(act.Kind), act.Topic, act.Payload)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("action", string(act.Kind)).
			Msg("outbound journal write failed; proceeding without durability")
		entryID = ""
	}

	start := time.Now()
	retries, err := g.run(ctx, act.Kind, act.Call, entryID)
	metrics.RecordGateAction(string(act.Kind), time.Since(start), retries, err != nil)

	if entryID != "" {
		outcome := journal.OutcomeConfirmed
		if err != nil {
			outcome = journal.OutcomeAbandoned
		}
		// Cancellation leaves the entry pending: recovery resubmits it,
		// and the ClientID keeps resubmission idempotent.
		if ctx.Err() == nil {
			if rerr := g.jnl.Resolve(context.Background(), entryID, outcome); rerr != nil {
				logging.Warn().Err(rerr).Str("entry_id", entryID).Msg("journal resolve failed")
			}
		}
	}
	return err
}

// Fire runs fn once with no interval limit and no retry. Presence signals
// use it: a stale typing state is worse delivered late than dropped.
func (g *Gate) Fire(ctx context.Context, kind Kind, fn func(context.Context) error) error {
	if fn == nil {
		return &models.ValidationError{Field: "fn", Message: "action func is required"}
	}
	start := time.Now()
	err := fn(ctx)
	metrics.RecordGateAction(string(kind), time.Since(start), 0, err != nil)
	return err
}

// run is the shared retry loop. It returns the retry count (attempts
// beyond the first) and the final error.
func (g *Gate) run(ctx context.Context, kind Kind, fn func(context.Context) error, entryID string) (int, error) {
	attempts := g.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt - 1, nil
		}
		if entryID != "" {
			if uerr := g.jnl.UpdateAttempt(ctx, entryID, err.Error()); uerr != nil {
				logging.Debug().Err(uerr).Str("entry_id", entryID).Msg("journal attempt update failed")
			}
		}
		if !models.IsTransport(err) || attempt >= attempts {
			return attempt - 1, err
		}

		delay := g.backoff(attempt)
		logging.Debug().
			Err(err).
			Str("action", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient outbound failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt - 1, ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Gate) backoff(attempt int) time.Duration {
	base := g.cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return base << (attempt - 1)
}

// interval returns the minimum spacing for a kind, zero for unlimited.
func (g *Gate) interval(kind Kind) time.Duration {
	switch kind {
	case KindSend:
		return g.cfg.SendInterval
	case KindClaim, KindUnclaim:
		return g.cfg.ClaimInterval
	case KindGenerateCode:
		return g.cfg.GenerateCodeInterval
	default:
		return 0
	}
}

// sweepLocked drops limiters idle past LimiterStaleAfter. It runs at most
// once per stale window, so the map stays bounded by recent activity.
// Caller holds g.mu.
func (g *Gate) sweepLocked(now time.Time) {
	stale := g.cfg.LimiterStaleAfter
	if stale <= 0 {
		return
	}
	if now.Sub(g.lastSweep) < stale {
		return
	}
	g.lastSweep = now
	for key, kl := range g.limiters {
		if now.Sub(kl.lastUsed) >= stale {
			delete(g.limiters, key)
		}
	}
}

// Stats reports gate counters.
type Stats struct {
	// Limiters is the number of live action-key limiters.
	Limiters int
}

// Stats returns current gate statistics.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Limiters: len(g.limiters)}
}
