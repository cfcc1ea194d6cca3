// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package main is the entry point for the Nuntius engine.
//
// Nuntius keeps a device's view of its conversations synchronized with a
// messaging backend in real time: it multiplexes change-feed topics over
// a bounded subscription pool, reconciles optimistic local sends against
// server-confirmed envelopes, tracks typing presence, and exposes the
// whole engine over a local HTTP/WebSocket gateway.
//
// # Application Architecture
//
// The engine initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, NUNTIUS_* env (Koanf v2)
//  2. Journal: BadgerDB outbound journal for crash-safe sends
//  3. Session: bearer token lifecycle and identity
//  4. History: remote message API with circuit breaker, SQLite read-through archive
//  5. Feed: change-feed transport (NATS JetStream, Redis, WebSocket, or memory)
//  6. Engine: multiplexer, store, presence, aggregates, gate, coordinator
//  7. Gateway: local REST + WebSocket streaming surface
//  8. Supervisor: suture tree running the long-lived loops
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables (NUNTIUS_*), config file
// (config.yaml), built-in defaults.
//
// # Feed Modes
//
// The change feed runs in one of four modes (NUNTIUS_FEED_MODE):
//   - nats: JetStream consumption, optionally with an embedded server
//     (NUNTIUS_FEED_NATS_EMBEDDED=true) for standalone deployments
//   - redis: Pub/Sub channels with snapshot keys
//   - websocket: a single multiplexed socket to the backend
//   - memory: in-process feed for development and tests
//
// # Signal Handling
//
// The engine handles graceful shutdown on SIGINT and SIGTERM: the
// supervisor tree drains, the coordinator releases its subscriptions,
// pending sends stay journaled for the next run's recovery, and the
// journal and archive close cleanly.
//
// # Example Usage
//
// Standalone with an embedded feed server:
//
//	export NUNTIUS_SESSION_TOKEN=$(cat token.jwt)
//	export NUNTIUS_FEED_MODE=nats
//	export NUNTIUS_FEED_NATS_EMBEDDED=true
//	export NUNTIUS_HISTORY_BASE_URL=https://api.example.com
//	./nuntius
//
// Against an existing NATS cluster:
//
//	export NUNTIUS_FEED_MODE=nats
//	export NUNTIUS_FEED_NATS_URL=nats://feed:4222
//	export NUNTIUS_HISTORY_BASE_URL=https://api.example.com
//	./nuntius
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/nuntius/internal/aggregate"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/coordinator"
	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/gate"
	"github.com/tomtom215/nuntius/internal/gateway"
	"github.com/tomtom215/nuntius/internal/history"
	"github.com/tomtom215/nuntius/internal/journal"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/mux"
	"github.com/tomtom215/nuntius/internal/presence"
	"github.com/tomtom215/nuntius/internal/session"
	"github.com/tomtom215/nuntius/internal/store"
	"github.com/tomtom215/nuntius/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("feed_mode", string(cfg.Feed.Mode)).
		Str("history_url", cfg.History.BaseURL).
		Bool("journal", cfg.Journal.Path != "").
		Bool("archive", cfg.Archive.Enabled).
		Msg("Starting Nuntius with supervisor tree")

	// Hot-reload the log level on config file changes. Everything else
	// requires a restart.
	if err := config.WatchConfigFile("", func() {
		reloaded, rerr := config.Load()
		if rerr != nil {
			logging.Warn().Err(rerr).Msg("Config reload failed, keeping current settings")
			return
		}
		logging.SetLevelString(reloaded.Logging.Level)
		logging.Info().Str("level", reloaded.Logging.Level).Msg("Log level reloaded")
	}); err != nil {
		logging.Warn().Err(err).Msg("Config file watch unavailable")
	}

	// Durable outbound journal. An empty path degrades to a no-op.
	jnl, err := journal.Open(cfg.Journal)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open journal")
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing journal")
		}
	}()

	// Session manager; the configured token installs immediately so the
	// coordinator starts authenticated.
	sess, err := session.New(cfg.Session)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize session")
	}
	defer sess.Close()
	if ident, ok := sess.Identity(); ok {
		logging.Info().Str("user_id", ident.UserID).Msg("Session token loaded")
	} else {
		logging.Warn().Msg("No session token configured; install one via PUT /api/v1/session")
	}

	// History client with circuit breaker, optionally wrapped in the
	// SQLite read-through archive for offline paging.
	client := history.NewClient(cfg.History, sess.Token)
	var hist history.API = client
	var archiver coordinator.Archiver
	if cfg.Archive.Enabled {
		arch, err := history.OpenArchive(cfg.Archive)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open message archive")
		}
		defer func() {
			if err := arch.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing archive")
			}
		}()
		rt := history.NewReadThrough(client, arch)
		hist = rt
		archiver = rt
		logging.Info().Str("path", cfg.Archive.Path).Msg("Message archive enabled")
	}

	// Change-feed transport. Embedded NATS is owned here and shut down
	// after the source closes.
	source, embedded, err := feed.New(cfg.Feed, cfg.Mux.BufferSize, sess.Token)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize feed source")
	}
	defer func() {
		if err := source.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing feed source")
		}
		if embedded != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded feed server")
			}
		}
	}()

	// Engine collaborators, bottom up.
	m := mux.New(cfg.Mux, source, jnl)
	g := gate.New(cfg.Gate, jnl)

	// The store notifies the coordinator after every visible mutation.
	// The coordinator does not exist yet, so bind late.
	var coord *coordinator.Coordinator
	st := store.New(cfg.Store, hist, func(conversationID string) {
		if coord != nil {
			coord.ConversationChanged(conversationID)
		}
	})

	tracker := presence.NewTracker(cfg.Presence, presencePublisher(cfg, source, sess, g))
	defer func() {
		if err := tracker.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing presence tracker")
		}
	}()

	coord, err = coordinator.New(cfg.Coordinator, coordinator.Deps{
		Mux:       m,
		Source:    source,
		Store:     st,
		Presence:  tracker,
		Reactions: aggregate.NewReactionAggregator(),
		Receipts:  aggregate.NewReadReceiptTracker(),
		History:   hist,
		Archiver:  archiver,
		Gate:      g,
		Session:   sess,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build coordinator")
	}

	// Supervisor tree
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// Data layer: journal maintenance runs only with a durable journal.
	if bj, ok := jnl.(*journal.BadgerJournal); ok {
		compactor := journal.NewCompactor(bj, cfg.Journal.CompactionInterval)
		tree.AddDataService(supervisor.NewStartStopService("journal-compactor", compactor))

		recovery := journal.NewRecovery(jnl, recoverySubmitter(hist, archiver))
		tree.AddDataService(supervisor.NewStartStopService("journal-recovery", recovery))
		logging.Info().Msg("Journal maintenance added to supervisor tree")
	}

	// Engine layer
	tree.AddEngineService(supervisor.NewEngineService(coord, supervisor.DefaultTreeConfig().ShutdownTimeout))

	// API layer
	if cfg.Gateway.Enabled {
		gw := gateway.New(cfg.Gateway, coord, sess)
		tree.AddEngineService(supervisor.NewRunnerService("stream-hub", gw.Hub()))
		tree.AddAPIService(supervisor.NewHTTPServerService(gw.HTTPServer(), cfg.Gateway.ShutdownTimeout))
		logging.Info().Str("addr", gw.Addr()).Msg("Gateway added to supervisor tree")
	} else {
		logging.Info().Msg("Gateway disabled (NUNTIUS_GATEWAY_ENABLED=false)")
	}

	// Signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor finishes.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Engine stopped gracefully")
}

// presencePublisher routes local typing signals into the feed. Sources
// without publish support (the WebSocket adapter) degrade to a no-op;
// remote peers then rely on server-side presence fan-out.
func presencePublisher(cfg *config.Config, source feed.Source, sess *session.Manager, g *gate.Gate) presence.Publisher {
	pub, canPublish := source.(feed.Publisher)
	if !canPublish {
		logging.Info().Msg("Feed source cannot publish; typing signals are receive-only")
	}

	return presence.PublisherFunc(func(ctx context.Context, topic models.Topic, typing bool) error {
		if !canPublish {
			return nil
		}
		ident, ok := sess.Identity()
		if !ok {
			return &models.AuthError{Reason: "no active session"}
		}

		env := models.Envelope{
			Topic: topic,
			Kind:  models.EnvelopeUpdate,
			Payload: models.PresencePayload{
				ConversationID: topic.ID,
				UserID:         ident.UserID,
				Typing:         typing,
				TTLMillis:      cfg.Presence.RemoteTTL.Milliseconds(),
			},
		}
		return g.Fire(ctx, gate.KindPresence, func(context.Context) error {
			return pub.Publish(env)
		})
	})
}

// recoverySubmitter replays journaled sends that a previous run left
// pending. The entry's ClientID keeps resubmission idempotent on the
// server. Non-send actions are read-position and reaction writes whose
// loss is recoverable from the next snapshot, so they resolve without
// replay.
func recoverySubmitter(hist history.API, archiver coordinator.Archiver) journal.Submitter {
	return journal.SubmitterFunc(func(ctx context.Context, entry *journal.Entry) error {
		if entry.Action != string(gate.KindSend) {
			return nil
		}

		var msg models.MessageEntry
		if err := entry.UnmarshalPayload(&msg); err != nil {
			logging.Warn().Err(err).Str("entry_id", entry.ID).Msg("journal entry payload undecodable, dropping")
			return nil
		}

		serverID, err := hist.InsertMessage(ctx, &msg)
		if err != nil {
			return err
		}

		logging.Info().
			Str("conversation_id", msg.ConversationID).
			Str("client_id", msg.ClientID).
			Str("server_id", serverID).
			Msg("recovered journaled send")

		if archiver != nil {
			msg.ServerID = serverID
			msg.State = models.MessageSent
			archiver.ArchiveConfirmed(ctx, msg)
		}
		return nil
	})
}
