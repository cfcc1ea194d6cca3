// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/nuntius/internal/models"
)

// MemorySource is an in-process Source for tests and development. Publish
// assigns per-topic monotonic sequence numbers when the caller leaves
// ServerSeq zero, and snapshots are whatever SetSnapshot stored.
type MemorySource struct {
	pubsub *gochannel.GoChannel
	buffer int

	// pubMu serializes the sequence-assignment/publish pair so
	// subscribers always see per-topic sequences in order.
	pubMu sync.Mutex

	mu        sync.Mutex
	seqs      map[string]uint64
	snapshots map[string]*models.Snapshot
	closed    bool
}

// NewMemorySource creates an in-memory source with the given per-topic
// buffer size.
func NewMemorySource(buffer int) *MemorySource {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemorySource{
		// Blocking until subscriber ack keeps delivery in publish order;
		// the subscription's own buffer absorbs bursts, so publishes only
		// stall once a consumer falls that far behind.
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            int64(buffer),
			BlockPublishUntilSubscriberAck: true,
		}, NewWatermillLogger()),
		buffer:    buffer,
		seqs:      make(map[string]uint64),
		snapshots: make(map[string]*models.Snapshot),
	}
}

// Subscribe implements Source.
func (s *MemorySource) Subscribe(ctx context.Context, topic models.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, models.ErrTopicClosed
	}
	s.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := s.pubsub.Subscribe(subCtx, topic.Subject())
	if err != nil {
		cancel()
		return nil, models.NewTransportError("memory subscribe", err)
	}

	sub := newWatermillSubscription(topic, s.buffer, cancel)
	go sub.pump(msgs)
	return sub, nil
}

// FetchSnapshot implements Source. Topics without a stored snapshot get an
// empty one carrying the current high sequence, which is what a feed server
// returns for a quiet topic.
func (s *MemorySource) FetchSnapshot(_ context.Context, topic models.Topic) (*models.Snapshot, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[topic.String()]; ok {
		cp := *snap
		return &cp, nil
	}
	return &models.Snapshot{Topic: topic, HighSeq: s.seqs[topic.String()]}, nil
}

// SetSnapshot stores the snapshot served for a topic.
func (s *MemorySource) SetSnapshot(topic models.Topic, snap *models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[topic.String()] = snap
}

// Publish delivers an envelope to the topic's subscribers. A zero ServerSeq
// is replaced with the next per-topic sequence.
func (s *MemorySource) Publish(env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if env.ServerSeq == 0 {
		s.seqs[env.Topic.String()]++
		env.ServerSeq = s.seqs[env.Topic.String()]
	} else if env.ServerSeq > s.seqs[env.Topic.String()] {
		s.seqs[env.Topic.String()] = env.ServerSeq
	}
	s.mu.Unlock()

	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := s.pubsub.Publish(env.Topic.Subject(), msg); err != nil {
		return fmt.Errorf("memory publish: %w", err)
	}
	return nil
}

// Close implements Source.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.pubsub.Close()
}
