// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"fmt"
	"net/http"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/session"
)

// Server bundles the gateway's HTTP server and stream hub. Both run
// under supervision: the hub as a context-driven service, the HTTP
// server via its own wrapper.
type Server struct {
	cfg     config.GatewayConfig
	hub     *Hub
	handler *Handler
	httpSrv *http.Server
}

// New assembles the gateway around an engine and session manager.
func New(cfg config.GatewayConfig, engine Engine, sess *session.Manager) *Server {
	hub := NewHub()
	handler := NewHandler(engine, sess, hub)
	mw := NewMiddleware(cfg)
	router := NewRouter(cfg, handler, mw)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		cfg:     cfg,
		hub:     hub,
		handler: handler,
		httpSrv: httpSrv,
	}
}

// Hub returns the stream hub for supervision.
func (s *Server) Hub() *Hub {
	return s.hub
}

// HTTPServer returns the configured HTTP server for supervision.
func (s *Server) HTTPServer() *http.Server {
	return s.httpSrv
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}
