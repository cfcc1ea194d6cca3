// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/models"
)

// feedServer is a minimal in-test feed endpoint speaking the frame protocol.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	handle   func(conn *websocket.Conn, frame wsFrame) bool
}

func (s *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.t.Errorf("server: bad frame: %v", err)
			return
		}
		if !s.handle(conn, frame) {
			return
		}
	}
}

func writeServerFrame(t *testing.T, conn *websocket.Conn, frame wsFrame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Errorf("server: marshal frame: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Errorf("server: write frame: %v", err)
	}
}

func newWSSource(t *testing.T, handle func(conn *websocket.Conn, frame wsFrame) bool) (*WebSocketSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(&feedServer{t: t, handle: handle})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	src := NewWebSocketSource(config.WebSocketFeedConfig{
		URL:              wsURL,
		HandshakeTimeout: 5 * time.Second,
	}, 8, nil)
	return src, srv
}

func TestWebSocketSourceSubscribeAndReceive(t *testing.T) {
	topic := models.ConversationTopic("c1")

	src, srv := newWSSource(t, func(conn *websocket.Conn, frame wsFrame) bool {
		if frame.Op != wsOpSubscribe {
			return true
		}
		payload, err := EncodeEnvelope(testEnvelope(topic, 3))
		if err != nil {
			t.Errorf("server: encode envelope: %v", err)
			return false
		}
		writeServerFrame(t, conn, wsFrame{
			Op:       wsOpEnvelope,
			Topic:    frame.Topic,
			Envelope: payload,
		})
		return true
	})
	defer srv.Close()
	defer src.Close()

	sub, err := src.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	env := receiveEnvelope(t, sub)
	if env.ServerSeq != 3 {
		t.Errorf("ServerSeq = %d, want 3", env.ServerSeq)
	}
	if env.Topic != topic {
		t.Errorf("Topic = %v, want %v", env.Topic, topic)
	}
}

func TestWebSocketSourceSnapshot(t *testing.T) {
	topic := models.ConversationTopic("c1")

	src, srv := newWSSource(t, func(conn *websocket.Conn, frame wsFrame) bool {
		if frame.Op != wsOpSnapshot {
			return true
		}
		snap, err := json.Marshal(models.Snapshot{Topic: topic, HighSeq: 99})
		if err != nil {
			t.Errorf("server: marshal snapshot: %v", err)
			return false
		}
		writeServerFrame(t, conn, wsFrame{
			Op:       wsOpSnapshotRes,
			ID:       frame.ID,
			Snapshot: snap,
		})
		return true
	})
	defer srv.Close()
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := src.FetchSnapshot(ctx, topic)
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if snap.HighSeq != 99 {
		t.Errorf("HighSeq = %d, want 99", snap.HighSeq)
	}
}

func TestWebSocketSourceServerDropFailsSubscription(t *testing.T) {
	topic := models.ConversationTopic("c1")

	src, srv := newWSSource(t, func(_ *websocket.Conn, frame wsFrame) bool {
		// Hang up right after the subscribe lands.
		return frame.Op != wsOpSubscribe
	})
	defer srv.Close()
	defer src.Close()

	sub, err := src.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case _, ok := <-sub.Envelopes():
		if ok {
			t.Error("received envelope from dropped connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after server drop")
	}

	if err := sub.Err(); !models.IsTransport(err) {
		t.Errorf("Err() = %v, want transport error", err)
	}
}

func TestWebSocketSourceDuplicateSubscribe(t *testing.T) {
	topic := models.ConversationTopic("c1")

	src, srv := newWSSource(t, func(_ *websocket.Conn, _ wsFrame) bool { return true })
	defer srv.Close()
	defer src.Close()

	sub, err := src.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if _, err := src.Subscribe(context.Background(), topic); err == nil {
		t.Error("second Subscribe() on live topic = nil error, want rejection")
	}
}

func TestWebSocketSourceSnapshotContextCancel(t *testing.T) {
	src, srv := newWSSource(t, func(_ *websocket.Conn, _ wsFrame) bool {
		// Never answer snapshot requests.
		return true
	})
	defer srv.Close()
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := src.FetchSnapshot(ctx, models.ConversationTopic("c1"))
	if err == nil {
		t.Fatal("FetchSnapshot() = nil error, want context deadline")
	}
}
