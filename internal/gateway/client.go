// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/nuntius/internal/coordinator"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB; inbound frames are control-only

	// openTimeout bounds the engine open triggered by a subscribe frame.
	openTimeout = 10 * time.Second
)

// clientIDCounter generates unique, monotonically increasing IDs for clients.
// DETERMINISM: This ensures clients can be sorted in a consistent order for
// shutdown operations, eliminating non-deterministic map iteration order.
var clientIDCounter atomic.Uint64

// subscription is one conversation a client streams. Both observer
// cancels and the pump goroutines are released together.
type subscription struct {
	cancelConv   func()
	cancelTyping func()
}

// Client is a middleman between the websocket connection and the hub.
// It pumps per-conversation engine observers into the connection.
type Client struct {
	// id is a unique identifier for this client, used for deterministic ordering.
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	engine Engine
	send   chan Message

	subMu sync.Mutex
	subs  map[string]*subscription

	// sendMu guards send against a pump racing closeSend.
	sendMu     sync.RWMutex
	sendClosed bool
}

// NewClient creates a new Client with a unique deterministic ID.
func NewClient(hub *Hub, conn *websocket.Conn, engine Engine) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		hub:    hub,
		conn:   conn,
		engine: engine,
		send:   make(chan Message, 256),
		subs:   make(map[string]*subscription),
	}
}

// ID returns the client's unique identifier for deterministic ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps control frames from the websocket connection into the
// engine.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close() // best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}
		c.handleInbound(msg)
	}
}

// handleInbound dispatches one client frame.
func (c *Client) handleInbound(msg Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.ConversationID)

	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.ConversationID)

	case MessageTypeSetTyping:
		typing, _ := msg.Data.(bool)
		c.engine.SetTyping(context.Background(), msg.ConversationID, typing)

	case MessageTypePing:
		c.trySend(Message{Type: MessageTypePong})

	default:
		c.trySend(Message{Type: MessageTypeError, Data: "unknown message type: " + msg.Type})
	}
}

// subscribe opens the conversation in the engine and starts streaming
// its updates. Redundant subscribes are ignored.
func (c *Client) subscribe(conversationID string) {
	if conversationID == "" {
		c.trySend(Message{Type: MessageTypeError, Data: "subscribe requires conversation_id"})
		return
	}

	c.subMu.Lock()
	if _, ok := c.subs[conversationID]; ok {
		c.subMu.Unlock()
		return
	}
	c.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	err := c.engine.Open(ctx, conversationID)
	cancel()
	if err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("stream subscribe failed to open conversation")
		c.trySend(Message{Type: MessageTypeError, ConversationID: conversationID, Data: err.Error()})
		return
	}

	updates, cancelConv := c.engine.ObserveConversation(conversationID)
	typing, cancelTyping := c.engine.ObserveTyping(conversationID)

	c.subMu.Lock()
	if _, ok := c.subs[conversationID]; ok {
		// Lost a race with a concurrent subscribe for the same conversation.
		c.subMu.Unlock()
		cancelConv()
		cancelTyping()
		return
	}
	c.subs[conversationID] = &subscription{cancelConv: cancelConv, cancelTyping: cancelTyping}
	c.subMu.Unlock()

	go c.pumpConversation(conversationID, updates)
	go c.pumpTyping(conversationID, typing)
}

// unsubscribe stops streaming a conversation and releases it in the
// engine.
func (c *Client) unsubscribe(conversationID string) {
	c.subMu.Lock()
	sub, ok := c.subs[conversationID]
	if ok {
		delete(c.subs, conversationID)
	}
	c.subMu.Unlock()

	if !ok {
		return
	}
	sub.cancelConv()
	sub.cancelTyping()
	c.engine.Close(conversationID)
}

// releaseSubscriptions cancels every observer this client holds. Called
// by the hub when the client is removed.
func (c *Client) releaseSubscriptions() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subMu.Unlock()

	for conversationID, sub := range subs {
		sub.cancelConv()
		sub.cancelTyping()
		c.engine.Close(conversationID)
	}
}

// pumpConversation forwards conversation updates to the connection. The
// observer channel is latest-wins, so a slow connection sees the newest
// state rather than a backlog. Exits when the observer is canceled.
func (c *Client) pumpConversation(conversationID string, updates <-chan coordinator.ConversationUpdate) {
	for update := range updates {
		c.trySend(Message{
			Type:           MessageTypeConversation,
			ConversationID: conversationID,
			Data:           conversationResponse(conversationID, update),
		})
	}
}

// pumpTyping forwards typing roster changes to the connection.
func (c *Client) pumpTyping(conversationID string, rosters <-chan []string) {
	for names := range rosters {
		if names == nil {
			names = []string{}
		}
		c.trySend(Message{
			Type:           MessageTypeTyping,
			ConversationID: conversationID,
			Data:           names,
		})
	}
}

// trySend queues a frame without blocking. Frames to a full buffer are
// dropped; observer channels re-deliver current state, so a drop loses
// an intermediate frame, not the final one.
func (c *Client) trySend(msg Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		metrics.WSMessagesDropped.Inc()
	}
}

// closeSend closes the outbound queue exactly once. Pumps that race the
// close see the flag and drop their frame instead of panicking.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// writePump pumps queued frames to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // best-effort cleanup
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}
			metrics.WSMessagesSent.Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
