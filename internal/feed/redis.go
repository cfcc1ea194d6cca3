// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
)

// redisDialTimeout bounds the initial connection probe.
const redisDialTimeout = 5 * time.Second

// RedisSource consumes topic streams over Redis Pub/Sub and reads snapshots
// from keys maintained by the feed server.
//
// Plain Pub/Sub has no replay: envelopes published while the connection is
// down are gone. The client reconnects and re-subscribes on its own, so the
// stream resumes silently with a gap. Deployments on this adapter rely on
// the coordinator's foreground resync to close those gaps.
type RedisSource struct {
	client *redis.Client
	buffer int
}

// redisSnapshotKeyPrefix prefixes the key holding each topic's snapshot.
const redisSnapshotKeyPrefix = "nuntius:snapshot:"

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(cfg config.RedisFeedConfig, buffer int) (*RedisSource, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, models.NewTransportError("redis connect", err)
	}

	return &RedisSource{client: client, buffer: buffer}, nil
}

// Subscribe implements Source.
func (s *RedisSource) Subscribe(ctx context.Context, topic models.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, topic.Subject())

	// Receive forces the subscribe handshake so failures surface here
	// instead of as an empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, models.NewTransportError("redis subscribe", err)
	}

	sub := &redisSubscription{
		topic:  topic,
		ch:     make(chan models.Envelope, s.buffer),
		done:   make(chan struct{}),
		pubsub: pubsub,
	}
	go sub.pump()
	return sub, nil
}

// FetchSnapshot implements Source by reading the topic's snapshot key.
func (s *RedisSource) FetchSnapshot(ctx context.Context, topic models.Topic) (*models.Snapshot, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, redisSnapshotKeyPrefix+topic.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return &models.Snapshot{Topic: topic}, nil
	}
	if err != nil {
		return nil, models.NewTransportError("snapshot get", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Publish implements Publisher by publishing on the topic's Pub/Sub
// channel. Subscribers that are offline at publish time never see the
// envelope, which is acceptable for the ephemeral payloads routed here.
func (s *RedisSource) Publish(env models.Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, env.Topic.Subject(), payload).Err(); err != nil {
		return models.NewTransportError("redis publish", err)
	}
	return nil
}

// Close implements Source.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// redisSubscription adapts a redis.PubSub to the Subscription interface.
type redisSubscription struct {
	topic  models.Topic
	ch     chan models.Envelope
	done   chan struct{}
	pubsub *redis.PubSub

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *redisSubscription) Topic() models.Topic { return s.topic }

func (s *redisSubscription) Envelopes() <-chan models.Envelope { return s.ch }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.ch)

	for msg := range s.pubsub.Channel() {
		env, err := DecodeEnvelope([]byte(msg.Payload), s.topic)
		if err != nil {
			recordDecodeFailure()
			logging.Warn().Err(err).Str("topic", s.topic.String()).Msg("dropping undecodable feed message")
			continue
		}

		select {
		case s.ch <- env:
			recordDelivered(env)
		case <-s.done:
			return
		}
	}

	select {
	case <-s.done:
	default:
		s.mu.Lock()
		s.err = models.NewTransportError("feed subscription", errStreamEnded)
		s.mu.Unlock()
	}
}
