// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
)

// errStreamEnded marks a subscription terminated by the transport rather
// than by a local Close.
var errStreamEnded = errors.New("feed stream ended")

// watermillSubscription pumps a Watermill message stream into an envelope
// channel. Both the in-memory and the NATS sources sit on this type; only
// the message.Subscriber behind them differs.
type watermillSubscription struct {
	topic  models.Topic
	ch     chan models.Envelope
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newWatermillSubscription(topic models.Topic, buffer int, cancel context.CancelFunc) *watermillSubscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &watermillSubscription{
		topic:  topic,
		ch:     make(chan models.Envelope, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (s *watermillSubscription) Topic() models.Topic { return s.topic }

func (s *watermillSubscription) Envelopes() <-chan models.Envelope { return s.ch }

func (s *watermillSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the underlying Watermill subscription. The pump drains and
// closes the envelope channel.
func (s *watermillSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// pump consumes messages until the source channel closes. Decode failures
// are acked and dropped: redelivering a poison payload cannot fix it, and
// the resync path recovers any state it carried.
func (s *watermillSubscription) pump(msgs <-chan *message.Message) {
	defer close(s.ch)

	for msg := range msgs {
		env, err := DecodeEnvelope(msg.Payload, s.topic)
		if err != nil {
			recordDecodeFailure()
			logging.Warn().Err(err).Str("topic", s.topic.String()).Msg("dropping undecodable feed message")
			msg.Ack()
			continue
		}

		// Blocking send applies backpressure instead of shedding envelopes;
		// done unblocks it when the subscription closes underneath a stalled
		// consumer.
		select {
		case s.ch <- env:
			recordDelivered(env)
			msg.Ack()
		case <-s.done:
			msg.Nack()
			return
		}
	}

	// Stream ended without a local Close: the transport went away.
	select {
	case <-s.done:
	default:
		s.mu.Lock()
		s.err = models.NewTransportError("feed subscription", errStreamEnded)
		s.mu.Unlock()
	}
}
