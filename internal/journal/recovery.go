// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package journal

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
)

// Submitter resubmits a journaled action to the server. The ClientID
// inside the payload makes resubmission idempotent server-side.
type Submitter interface {
	SubmitEntry(ctx context.Context, entry *Entry) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, entry *Entry) error

// SubmitEntry implements Submitter.
func (f SubmitterFunc) SubmitEntry(ctx context.Context, entry *Entry) error {
	return f(ctx, entry)
}

const (
	// recoverySweepInterval is how often pending entries are rescanned
	// after the startup sweep.
	recoverySweepInterval = time.Minute

	// recoveryMinAge keeps the sweep away from entries whose original
	// submission may still be in flight. It doubles as the backoff base
	// between resubmission attempts.
	recoveryMinAge = 30 * time.Second

	// recoveryMaxAttempts matches the gate's live retry budget. Past it
	// the entry is abandoned.
	recoveryMaxAttempts = 3

	// recoverySubmitTimeout bounds one resubmission call.
	recoverySubmitTimeout = 10 * time.Second

	// recoveryMaxBackoff caps the per-entry backoff growth.
	recoveryMaxBackoff = 10 * time.Minute
)

// Recovery resubmits journal entries left pending by a crash or an
// interrupted shutdown. It sweeps once at start and then periodically,
// claiming each entry so a concurrent live resolution cannot race it.
type Recovery struct {
	journal Journal
	submit  Submitter

	// Sweep tuning. Tests shorten these.
	interval    time.Duration
	minAge      time.Duration
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewRecovery creates a recovery loop feeding pending entries to submit.
func NewRecovery(journal Journal, submit Submitter) *Recovery {
	return &Recovery{
		journal:     journal,
		submit:      submit,
		interval:    recoverySweepInterval,
		minAge:      recoveryMinAge,
		maxAttempts: recoveryMaxAttempts,
	}
}

// Start runs an immediate sweep and then the periodic loop.
func (r *Recovery) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()

	logging.Info().Dur("interval", r.interval).Msg("journal recovery started")
	return nil
}

// Stop gracefully stops the loop.
func (r *Recovery) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	logging.Info().Msg("journal recovery stopped")
}

// IsRunning reports whether the loop is active.
func (r *Recovery) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recovery) run() {
	defer r.wg.Done()

	r.sweep(r.ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep(r.ctx)
		}
	}
}

// sweep resubmits every pending entry that is old enough and due.
func (r *Recovery) sweep(ctx context.Context) {
	entries, err := r.journal.GetPending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("journal recovery failed to list pending entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	logging.Info().Int("pending", len(entries)).Msg("journal recovery processing pending entries")

	var resubmitted, failed, abandoned int
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch r.processEntry(ctx, entry) {
		case recoveryResubmitted:
			resubmitted++
		case recoveryFailed:
			failed++
		case recoveryAbandoned:
			abandoned++
		}
	}

	if resubmitted > 0 || failed > 0 || abandoned > 0 {
		logging.Info().
			Int("resubmitted", resubmitted).
			Int("failed", failed).
			Int("abandoned", abandoned).
			Msg("journal recovery sweep complete")
	}
}

type recoveryResult int

const (
	recoveryResubmitted recoveryResult = iota
	recoveryFailed
	recoveryAbandoned
	recoverySkipped
)

func (r *Recovery) processEntry(ctx context.Context, entry *Entry) recoveryResult {
	if time.Since(entry.CreatedAt) < r.minAge {
		return recoverySkipped
	}
	if !r.dueForRetry(entry) {
		return recoverySkipped
	}

	if !r.journal.TryClaim(entry.ID) {
		return recoverySkipped
	}
	defer r.journal.Release(entry.ID)

	if entry.Attempts >= r.maxAttempts {
		logging.Info().
			Str("entry_id", entry.ID).
			Str("action", entry.Action).
			Int("attempts", entry.Attempts).
			Msg("journal recovery abandoning entry")
		if err := r.journal.Resolve(ctx, entry.ID, OutcomeAbandoned); err != nil {
			logging.Error().Err(err).Str("entry_id", entry.ID).Msg("journal recovery failed to abandon entry")
			return recoveryFailed
		}
		return recoveryAbandoned
	}

	submitCtx, cancel := context.WithTimeout(ctx, recoverySubmitTimeout)
	err := r.submit.SubmitEntry(submitCtx, entry)
	cancel()

	if err != nil {
		logging.Warn().
			Err(err).
			Str("entry_id", entry.ID).
			Str("action", entry.Action).
			Int("attempt", entry.Attempts+1).
			Msg("journal recovery resubmission failed")
		if updateErr := r.journal.UpdateAttempt(ctx, entry.ID, err.Error()); updateErr != nil {
			logging.Error().Err(updateErr).Str("entry_id", entry.ID).Msg("journal recovery failed to record attempt")
		}
		return recoveryFailed
	}

	if err := r.journal.Resolve(ctx, entry.ID, OutcomeConfirmed); err != nil {
		logging.Error().Err(err).Str("entry_id", entry.ID).Msg("journal recovery failed to resolve entry")
		return recoveryFailed
	}

	metrics.JournalRecoveries.Inc()
	return recoveryResubmitted
}

// dueForRetry applies exponential backoff between resubmission attempts,
// using minAge as the base.
func (r *Recovery) dueForRetry(entry *Entry) bool {
	if entry.LastAttemptAt.IsZero() {
		return true
	}

	backoff := r.minAge
	for i := 0; i < entry.Attempts && backoff < recoveryMaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > recoveryMaxBackoff {
		backoff = recoveryMaxBackoff
	}
	return time.Since(entry.LastAttemptAt) >= backoff
}
