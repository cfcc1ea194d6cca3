// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"fmt"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
)

// New builds the configured Source. In embedded NATS mode the returned
// EmbeddedServer is non-nil and owned by the caller; shut it down after
// closing the source.
func New(cfg config.FeedConfig, buffer int, token TokenFunc) (Source, *EmbeddedServer, error) {
	switch cfg.Mode {
	case config.FeedModeMemory:
		return NewMemorySource(buffer), nil, nil

	case config.FeedModeNATS:
		natsCfg := cfg.NATS
		var embedded *EmbeddedServer
		if natsCfg.Embedded {
			es, err := NewEmbeddedServer(natsCfg.StoreDir)
			if err != nil {
				return nil, nil, err
			}
			embedded = es
			natsCfg.URL = es.ClientURL()
			logging.Info().Str("url", natsCfg.URL).Msg("embedded feed server started")
		}
		src, err := NewNATSSource(natsCfg, buffer, token)
		if err != nil {
			if embedded != nil {
				embedded.server.Shutdown()
			}
			return nil, nil, err
		}
		return src, embedded, nil

	case config.FeedModeRedis:
		src, err := NewRedisSource(cfg.Redis, buffer)
		if err != nil {
			return nil, nil, err
		}
		return src, nil, nil

	case config.FeedModeWebSocket:
		return NewWebSocketSource(cfg.WebSocket, buffer, token), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown feed mode %q", cfg.Mode)
	}
}
