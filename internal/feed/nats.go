// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
)

// NATSSource consumes topic streams from a JetStream-backed feed and serves
// snapshots over request/reply. Subscribers start at new messages; the
// resync snapshot covers everything earlier, so replaying the stream head
// is unnecessary.
type NATSSource struct {
	subscriber message.Subscriber
	conn       *natsgo.Conn
	buffer     int
	timeout    time.Duration
}

// feedStreamMaxAge bounds how long feed envelopes are retained server-side.
// Anything older is only reachable through snapshots and history pages.
const feedStreamMaxAge = 24 * time.Hour

// NewNATSSource connects to the NATS server, ensures the feed stream
// exists, and builds the Watermill subscriber on top.
func NewNATSSource(cfg config.NATSFeedConfig, buffer int, token TokenFunc) (*NATSSource, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("feed NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("feed NATS reconnected")
		}),
	}
	if token != nil {
		natsOpts = append(natsOpts, natsgo.TokenHandler(func() string { return token() }))
	}

	conn, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, models.NewTransportError("nats connect", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureFeedStream(ctx, conn, cfg.Stream); err != nil {
		conn.Close()
		return nil, err
	}

	subOpts := []natsgo.SubOpt{
		natsgo.BindStream(cfg.Stream),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverNew(),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:            cfg.URL,
		NatsOptions:    natsOpts,
		AckWaitTimeout: cfg.AckWait,
		Unmarshaler:    &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, NewWatermillLogger())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create feed subscriber: %w", err)
	}

	return &NATSSource{
		subscriber: sub,
		conn:       conn,
		buffer:     buffer,
		timeout:    cfg.AckWait,
	}, nil
}

// ensureFeedStream creates the feed stream when missing and updates its
// configuration when present. Idempotent.
func ensureFeedStream(ctx context.Context, conn *natsgo.Conn, name string) error {
	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{"nuntius.feed.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    feedStreamMaxAge,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	}

	_, err = js.Stream(ctx, name)
	if err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update feed stream %s: %w", name, err)
		}
		return nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create feed stream %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("check feed stream %s: %w", name, err)
}

// Subscribe implements Source.
func (s *NATSSource) Subscribe(ctx context.Context, topic models.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The subscription outlives the handshake context; its lifetime is
	// governed by Close.
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := s.subscriber.Subscribe(subCtx, topic.Subject())
	if err != nil {
		cancel()
		return nil, models.NewTransportError("nats subscribe", err)
	}

	sub := newWatermillSubscription(topic, s.buffer, cancel)
	go sub.pump(msgs)
	return sub, nil
}

// FetchSnapshot implements Source via request/reply on the topic's
// snapshot subject.
func (s *NATSSource) FetchSnapshot(ctx context.Context, topic models.Topic) (*models.Snapshot, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	msg, err := s.conn.RequestWithContext(ctx, topic.SnapshotSubject(), nil)
	if err != nil {
		return nil, models.NewTransportError("snapshot request", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Publish implements Publisher. Envelopes land on the feed stream via
// the topic's subject, so every subscriber of the topic sees them.
func (s *NATSSource) Publish(env models.Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(env.Topic.Subject(), payload); err != nil {
		return models.NewTransportError("nats publish", err)
	}
	return nil
}

// Close implements Source.
func (s *NATSSource) Close() error {
	err := s.subscriber.Close()
	s.conn.Close()
	return err
}
