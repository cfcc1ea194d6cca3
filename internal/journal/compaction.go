// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package journal

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/nuntius/internal/logging"
)

// Compactor periodically purges resolved entries and reclaims value-log
// space. Pending entries are never aged out here: an unresolved send is
// recovery's to resubmit or the gate's to abandon, not the compactor's
// to drop. Watermarks are kept forever; they are eight bytes per topic.
type Compactor struct {
	journal  *BadgerJournal
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	running    bool
	lastPurged int64
}

// NewCompactor creates a compactor for the journal with the configured
// interval.
func NewCompactor(journal *BadgerJournal, interval time.Duration) *Compactor {
	return &Compactor{
		journal:  journal,
		interval: interval,
	}
}

// Start begins the background compaction loop.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	logging.Info().Dur("interval", c.interval).Msg("journal compactor started")
	return nil
}

// Stop gracefully stops the compaction loop.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("journal compactor stopped")
}

// IsRunning reports whether the compactor is active.
func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.compact()
		}
	}
}

// RunNow triggers an immediate compaction.
func (c *Compactor) RunNow() {
	c.compact()
}

func (c *Compactor) compact() {
	start := time.Now()

	purged, err := c.purgeResolved()
	if err != nil {
		logging.Error().Err(err).Msg("journal compaction failed to purge resolved entries")
	}

	if err := c.journal.runGC(); err != nil {
		logging.Error().Err(err).Msg("journal compaction GC error")
	}

	c.mu.Lock()
	c.lastPurged = purged
	c.mu.Unlock()

	c.journal.mu.Lock()
	c.journal.lastCompaction = time.Now()
	c.journal.mu.Unlock()

	if purged > 0 {
		logging.Info().
			Int64("purged", purged).
			Dur("duration", time.Since(start)).
			Msg("journal compaction removed resolved entries")
	}
}

// purgeResolved deletes every entry in the resolved space. Keys are
// collected first; BadgerDB forbids deleting under a live iterator.
func (c *Compactor) purgeResolved() (int64, error) {
	var count int64

	err := c.journal.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		prefix := []byte(prefixResolved)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := make([]byte, len(it.Item().Key()))
			copy(key, it.Item().Key())
			keys = append(keys, key)
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}
