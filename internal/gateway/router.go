// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
)

// NewRouter builds the gateway's chi router.
//
// Route groups:
//   - /healthz, /readyz, /metrics: unauthenticated operational endpoints
//   - /api/v1: REST mirror of the engine operations
//   - /api/v1/stream: websocket upgrade for live conversation streaming
func NewRouter(cfg config.GatewayConfig, h *Handler, mw *Middleware) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	// Operational endpoints: no rate limit, no metrics recursion
	r.Get("/healthz", h.HealthLive)
	r.Get("/readyz", h.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket upgrade hijacks the connection, so it must skip
		// the status-capturing metrics middleware.
		r.Get("/stream", serveStream(cfg, h))

		r.Group(func(r chi.Router) {
			r.Use(SecurityHeaders())
			r.Use(mw.RateLimit())
			r.Use(RequestMetrics())

			r.Get("/health", h.Health)
			r.Get("/stats", h.GetStats)

			r.Route("/session", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Put("/", h.SetSession)
				r.Delete("/", h.ClearSession)
			})

			r.Route("/app", func(r chi.Router) {
				r.Post("/background", h.EnterBackground)
				r.Post("/foreground", h.EnterForeground)
			})

			r.Route("/conversations/{conversationID}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Post("/open", h.OpenConversation)
				r.Delete("/", h.CloseConversation)

				r.Get("/messages", h.GetMessages)
				r.Post("/messages", h.SendMessage)
				r.Post("/attachments", h.SendAttachment)
				r.Put("/messages/{messageID}/reaction", h.React)
				r.Post("/read", h.MarkRead)
				r.Put("/typing", h.SetTyping)
				r.Get("/typing", h.GetTyping)
				r.Get("/unread", h.GetUnread)
			})
		})
	})

	return r
}

// serveStream upgrades the connection and hands it to the hub.
func serveStream(cfg config.GatewayConfig, h *Handler) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			logging.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := NewClient(h.hub, conn, h.engine)
		h.hub.Register <- client
		client.Start()
	}
}

// originChecker builds the websocket origin policy from the CORS
// allowlist. "*" or an empty list admits every origin; the gateway
// binds to loopback by default, so this is a second fence, not the
// primary one.
func originChecker(allowed []string) func(*http.Request) bool {
	admitAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			admitAll = true
		}
		set[origin] = true
	}

	return func(r *http.Request) bool {
		if admitAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		return set[origin]
	}
}
