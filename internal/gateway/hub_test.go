// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/coordinator"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/store"
)

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()

	client := NewClient(hub, nil, &fakeEngine{})
	hub.Register <- client

	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client registered")

	hub.Unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 }, "client unregistered")

	// Unregistering again must be a no-op, not a double close.
	hub.Unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 }, "idempotent unregister")

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("RunWithContext returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = NewClient(hub, nil, &fakeEngine{})
		hub.Register <- clients[i]
	}
	waitFor(t, func() bool { return hub.ClientCount() == 3 }, "clients registered")

	cancel()
	<-done

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after shutdown, want 0", hub.ClientCount())
	}
	for i, c := range clients {
		select {
		case _, ok := <-c.send:
			if ok {
				t.Errorf("client %d send channel delivered a frame, want closed", i)
			}
		default:
			t.Errorf("client %d send channel not closed", i)
		}
	}
}

func TestTrySendDropsWhenFull(t *testing.T) {
	client := NewClient(NewHub(), nil, &fakeEngine{})
	for i := 0; i < cap(client.send)+10; i++ {
		client.trySend(Message{Type: MessageTypeTyping})
	}
	if got := len(client.send); got != cap(client.send) {
		t.Errorf("queued = %d, want %d", got, cap(client.send))
	}

	// After closeSend, trySend must be a silent no-op.
	client.closeSend()
	client.trySend(Message{Type: MessageTypeTyping})
	client.closeSend()
}

func TestStreamSubscribeRoundTrip(t *testing.T) {
	engine := &fakeEngine{
		seeded: true,
		update: coordinator.ConversationUpdate{
			State: coordinator.StateLive,
			View: store.View{
				Conversation: models.ConversationView{ID: "conv-1"},
			},
		},
		typing: []string{"Ada"},
	}

	cfg := config.GatewayConfig{Enabled: true, RequestsPerMinute: 0}
	hub := NewHub()
	handler := NewHandler(engine, nil, hub)
	router := NewRouter(cfg, handler, NewMiddleware(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	if err := conn.WriteJSON(Message{Type: MessageTypeSubscribe, ConversationID: "conv-1"}); err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}

	// Expect the seeded conversation frame and the typing roster, in
	// either order.
	got := map[string]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < 2 {
		_ = conn.SetReadDeadline(deadline)
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed with frames %v: %v", got, err)
		}
		switch msg.Type {
		case MessageTypeConversation, MessageTypeTyping:
			if msg.ConversationID != "conv-1" {
				t.Errorf("frame %s conversation_id = %q", msg.Type, msg.ConversationID)
			}
			got[msg.Type] = true
		}
	}

	engine.mu.Lock()
	opened := len(engine.opened)
	engine.mu.Unlock()
	if opened != 1 {
		t.Errorf("engine opened %d conversations, want 1", opened)
	}
}

func TestStreamPingPong(t *testing.T) {
	cfg := config.GatewayConfig{Enabled: true}
	hub := NewHub()
	handler := NewHandler(&fakeEngine{}, nil, hub)
	router := NewRouter(cfg, handler, NewMiddleware(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("ping write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypePong)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
