// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package journal provides durable local state for the sync engine: an
// outbound action journal and per-topic feed watermarks.
//
// Outbound actions (sends, reactions, read marks) are persisted before the
// mutation call and resolved on confirmation or abandonment, so a crash
// between the two leaves a pending entry that startup recovery resubmits.
// ClientIDs make resubmission idempotent on the server side.
//
// Watermarks record the highest ServerSeq applied per topic. The
// multiplexer reloads them on subscribe, which keeps envelope replay after
// a restart idempotent.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Outcome is the terminal state of a journal entry.
type Outcome string

const (
	// OutcomeConfirmed means the server accepted the action.
	OutcomeConfirmed Outcome = "confirmed"

	// OutcomeAbandoned means retries were exhausted and the action
	// surfaced to the user as failed.
	OutcomeAbandoned Outcome = "abandoned"
)

// Journal is the durable store behind the outbound gate and the
// multiplexer's dedup marks.
type Journal interface {
	// Write persists an outbound action before the mutation call.
	// Returns an entry ID for later resolution.
	Write(ctx context.Context, action string, topic models.Topic, payload interface{}) (entryID string, err error)

	// Resolve marks an entry terminal. Resolved entries are purged at
	// the next compaction.
	Resolve(ctx context.Context, entryID string, outcome Outcome) error

	// UpdateAttempt records a failed submission attempt on a pending
	// entry.
	UpdateAttempt(ctx context.Context, entryID string, lastError string) error

	// GetPending returns all unresolved entries, oldest first. Used by
	// startup recovery.
	GetPending(ctx context.Context) ([]*Entry, error)

	// SetWatermark advances a topic's high-water mark. Lower values are
	// ignored; the mark never regresses.
	SetWatermark(ctx context.Context, topic models.Topic, seq uint64) error

	// Watermark returns a topic's high-water mark, zero when none is
	// recorded.
	Watermark(ctx context.Context, topic models.Topic) (uint64, error)

	// TryClaim takes in-process exclusive rights to an entry so recovery
	// and live resolution do not race. Release must follow.
	TryClaim(entryID string) bool

	// Release drops a claim taken by TryClaim.
	Release(entryID string)

	// Stats returns journal counters.
	Stats() Stats

	// Close shuts the journal down.
	Close() error
}

// Entry is one journaled outbound action.
type Entry struct {
	// ID identifies the entry.
	ID string `json:"id"`

	// Action is the gate action key ("send_message", "react", ...).
	Action string `json:"action"`

	// Topic is the conversation the action targets.
	Topic string `json:"topic"`

	// Payload is the serialized action body. Use UnmarshalPayload.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the entry was journaled.
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts failed submissions.
	Attempts int `json:"attempts"`

	// LastAttemptAt is the time of the last failed submission.
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// LastError is the message from the last failed submission.
	LastError string `json:"last_error,omitempty"`

	// Outcome is set when the entry resolves.
	Outcome Outcome `json:"outcome,omitempty"`

	// ResolvedAt is when the entry resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// UnmarshalPayload deserializes the payload into the given type.
func (e *Entry) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Stats contains journal counters for monitoring.
type Stats struct {
	// PendingCount is the number of unresolved entries.
	PendingCount int64

	// ResolvedCount is the number of resolved entries awaiting
	// compaction.
	ResolvedCount int64

	// TotalWrites is the number of Write calls since open.
	TotalWrites int64

	// TotalResolves is the number of Resolve calls since open.
	TotalResolves int64

	// LastCompaction is when resolved entries were last purged.
	LastCompaction time.Time

	// DBSizeBytes is the estimated on-disk size.
	DBSizeBytes int64
}

// Key prefixes. Entries move between the pending and resolved spaces;
// marks live in their own space and survive compaction.
const (
	prefixPending  = "pending:"
	prefixResolved = "resolved:"
	prefixMark     = "mark:"
)

// BadgerDB tuning for a client-side journal. The working set is small, so
// the defaults (sized for server workloads) are cut down.
const (
	memTableSize     = 16 << 20
	valueLogFileSize = 64 << 20
	numCompactors    = 2
	gcRatio          = 0.5
	closeTimeout     = 30 * time.Second
)

// Errors
var (
	// ErrJournalClosed is returned after Close.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrNilPayload is returned when Write is given a nil payload.
	ErrNilPayload = errors.New("payload cannot be nil")

	// ErrEmptyEntryID is returned when an empty entry ID is provided.
	ErrEmptyEntryID = errors.New("entry ID cannot be empty")

	// ErrEntryNotFound is returned when an entry does not exist.
	ErrEntryNotFound = errors.New("entry not found")
)

// BadgerJournal implements Journal on BadgerDB.
type BadgerJournal struct {
	db *badger.DB

	totalWrites   atomic.Int64
	totalResolves atomic.Int64

	mu             sync.RWMutex
	closed         bool
	lastCompaction time.Time

	// claims tracks entries currently being submitted, so the recovery
	// sweep and a live gate call never process the same entry twice.
	claims sync.Map
}

// Open creates or reopens the journal at the configured path. An empty
// path disables durability and returns a no-op journal.
func Open(cfg config.JournalConfig) (Journal, error) {
	if cfg.Path == "" {
		logging.Info().Msg("journal disabled, outbound actions will not survive a restart")
		return NewNoop(), nil
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = memTableSize
	opts.ValueLogFileSize = valueLogFileSize
	opts.NumCompactors = numCompactors
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &BadgerJournal{
		db:             db,
		lastCompaction: time.Now(),
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("journal opened")
	return j, nil
}

// Write implements Journal.
func (j *BadgerJournal) Write(ctx context.Context, action string, topic models.Topic, payload interface{}) (string, error) {
	if err := j.checkOpen(); err != nil {
		return "", err
	}
	if payload == nil {
		return "", ErrNilPayload
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		Action:    action,
		Topic:     topic.String(),
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}

	key := []byte(prefixPending + entry.ID)
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}

	j.totalWrites.Add(1)
	metrics.JournalWrites.Inc()
	return entry.ID, nil
}

// Resolve implements Journal. The entry moves from the pending to the
// resolved space in one transaction.
func (j *BadgerJournal) Resolve(ctx context.Context, entryID string, outcome Outcome) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if entryID == "" {
		return ErrEmptyEntryID
	}

	pendingKey := []byte(prefixPending + entryID)
	resolvedKey := []byte(prefixResolved + entryID)

	err := j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("get pending entry: %w", err)
		}

		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}

		now := time.Now().UTC()
		entry.Outcome = outcome
		entry.ResolvedAt = &now

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal resolved entry: %w", err)
		}

		if err := txn.Set(resolvedKey, data); err != nil {
			return fmt.Errorf("set resolved entry: %w", err)
		}
		return txn.Delete(pendingKey)
	})
	if err != nil {
		return err
	}

	j.totalResolves.Add(1)
	metrics.JournalResolved.WithLabelValues(string(outcome)).Inc()
	return nil
}

// UpdateAttempt implements Journal.
func (j *BadgerJournal) UpdateAttempt(ctx context.Context, entryID string, lastError string) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if entryID == "" {
		return ErrEmptyEntryID
	}

	key := []byte(prefixPending + entryID)

	return j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}

		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal entry: %w", err)
		}

		entry.Attempts++
		entry.LastAttemptAt = time.Now().UTC()
		entry.LastError = lastError

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		return txn.Set(key, data)
	})
}

// GetPending implements Journal. Entries come back oldest first so
// recovery resubmits sends in their original order.
func (j *BadgerJournal) GetPending(ctx context.Context) ([]*Entry, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}

	var entries []*Entry

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()

			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("journal skipping unreadable entry")
				continue
			}

			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}

	// Keys are UUIDs, so iteration order is not chronological.
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].CreatedAt.Equal(entries[b].CreatedAt) {
			return entries[a].ID < entries[b].ID
		}
		return entries[a].CreatedAt.Before(entries[b].CreatedAt)
	})

	return entries, nil
}

// SetWatermark implements Journal. The read and conditional write share
// one transaction, so concurrent callers cannot regress the mark.
func (j *BadgerJournal) SetWatermark(ctx context.Context, topic models.Topic, seq uint64) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	key := []byte(prefixMark + topic.String())

	return j.db.Update(func(txn *badger.Txn) error {
		current, err := readMark(txn, key)
		if err != nil {
			return err
		}
		if seq <= current {
			return nil
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return txn.Set(key, buf[:])
	})
}

// Watermark implements Journal.
func (j *BadgerJournal) Watermark(ctx context.Context, topic models.Topic) (uint64, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}

	key := []byte(prefixMark + topic.String())

	var mark uint64
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		mark, err = readMark(txn, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return mark, nil
}

// readMark returns the stored mark, zero when absent.
func readMark(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var mark uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("watermark value has length %d, want 8", len(val))
		}
		mark = binary.BigEndian.Uint64(val)
		return nil
	})
	return mark, err
}

// TryClaim implements Journal.
func (j *BadgerJournal) TryClaim(entryID string) bool {
	_, alreadyClaimed := j.claims.LoadOrStore(entryID, time.Now())
	return !alreadyClaimed
}

// Release implements Journal.
func (j *BadgerJournal) Release(entryID string) {
	j.claims.Delete(entryID)
}

// Stats implements Journal.
func (j *BadgerJournal) Stats() Stats {
	j.mu.RLock()
	closed := j.closed
	lastCompaction := j.lastCompaction
	j.mu.RUnlock()

	if closed {
		return Stats{}
	}

	var pending, resolved int64

	if err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		pendingPrefix := []byte(prefixPending)
		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			pending++
		}

		resolvedPrefix := []byte(prefixResolved)
		for it.Seek(resolvedPrefix); it.ValidForPrefix(resolvedPrefix); it.Next() {
			resolved++
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Msg("journal stats count failed")
	}

	lsm, vlog := j.db.Size()

	metrics.JournalPending.Set(float64(pending))

	return Stats{
		PendingCount:   pending,
		ResolvedCount:  resolved,
		TotalWrites:    j.totalWrites.Load(),
		TotalResolves:  j.totalResolves.Load(),
		LastCompaction: lastCompaction,
		DBSizeBytes:    lsm + vlog,
	}
}

// Close implements Journal. A hung BadgerDB close is abandoned after a
// timeout rather than blocking shutdown forever.
func (j *BadgerJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- j.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
		logging.Info().Msg("journal closed")
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("journal close timeout after %v", closeTimeout)
	}
}

// runGC reclaims value-log space until BadgerDB reports nothing left to
// rewrite.
func (j *BadgerJournal) runGC() error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	for {
		err := j.db.RunValueLogGC(gcRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("journal GC: %w", err)
		}
	}
}

func (j *BadgerJournal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	return nil
}
