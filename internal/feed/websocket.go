// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

const (
	// wsPongWait is how long a connection may stay silent before the read
	// pump declares it dead.
	wsPongWait = 75 * time.Second

	// wsPingPeriod is the keepalive interval. Must be under wsPongWait.
	wsPingPeriod = 30 * time.Second

	// wsWriteWait bounds each frame write.
	wsWriteWait = 10 * time.Second
)

// wsFrame is the multiplexed wire protocol shared with the feed endpoint.
// One socket carries every topic; frames route by op and topic.
type wsFrame struct {
	Op       string          `json:"op"`
	ID       string          `json:"id,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// frame ops.
const (
	wsOpSubscribe   = "subscribe"
	wsOpUnsubscribe = "unsubscribe"
	wsOpEnvelope    = "envelope"
	wsOpSnapshot    = "snapshot"
	wsOpSnapshotRes = "snapshot_result"
)

// WebSocketSource dials a feed endpoint once and multiplexes every topic
// over the single socket. It does not reconnect on its own: a dead socket
// fails all subscriptions, the multiplexer runs its backoff and
// resubscribes, and the next Subscribe redials.
type WebSocketSource struct {
	url              string
	handshakeTimeout time.Duration
	token            TokenFunc
	buffer           int

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stateMu sync.Mutex
	subs    map[models.Topic]*wsSubscription
	pending map[string]chan snapshotResult
	closed  bool
}

type snapshotResult struct {
	snap *models.Snapshot
	err  error
}

// NewWebSocketSource prepares a source for the configured endpoint. No
// connection is made until the first Subscribe or FetchSnapshot.
func NewWebSocketSource(cfg config.WebSocketFeedConfig, buffer int, token TokenFunc) *WebSocketSource {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &WebSocketSource{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		token:            token,
		buffer:           buffer,
		subs:             make(map[models.Topic]*wsSubscription),
		pending:          make(map[string]chan snapshotResult),
	}
}

// ensureConn dials the endpoint if no live connection exists and starts the
// read and keepalive pumps.
func (s *WebSocketSource) ensureConn(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		return nil
	}

	s.stateMu.Lock()
	closed := s.closed
	s.stateMu.Unlock()
	if closed {
		return models.ErrTopicClosed
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  s.handshakeTimeout,
		EnableCompression: true,
	}

	var header http.Header
	if s.token != nil {
		if tok := s.token(); tok != "" {
			header = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
	}

	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return models.NewTransportError("websocket dial", fmt.Errorf("HTTP %d: %w", resp.StatusCode, err))
		}
		return models.NewTransportError("websocket dial", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	s.conn = conn
	logging.Info().Str("url", s.url).Msg("feed websocket connected")

	go s.readPump(conn)
	go s.pingLoop(conn)
	return nil
}

// Subscribe implements Source.
func (s *WebSocketSource) Subscribe(ctx context.Context, topic models.Topic) (Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureConn(ctx); err != nil {
		return nil, err
	}

	sub := &wsSubscription{
		topic:  topic,
		ch:     make(chan models.Envelope, s.buffer),
		source: s,
	}

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil, models.ErrTopicClosed
	}
	if _, exists := s.subs[topic]; exists {
		s.stateMu.Unlock()
		return nil, fmt.Errorf("topic %s already subscribed", topic)
	}
	s.subs[topic] = sub
	s.stateMu.Unlock()

	if err := s.writeFrame(wsFrame{Op: wsOpSubscribe, Topic: topic.String()}); err != nil {
		s.dropSub(topic, nil)
		return nil, err
	}
	return sub, nil
}

// FetchSnapshot implements Source over a correlated request/response pair
// on the shared socket.
func (s *WebSocketSource) FetchSnapshot(ctx context.Context, topic models.Topic) (*models.Snapshot, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureConn(ctx); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	reply := make(chan snapshotResult, 1)

	s.stateMu.Lock()
	s.pending[id] = reply
	s.stateMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		delete(s.pending, id)
		s.stateMu.Unlock()
	}()

	if err := s.writeFrame(wsFrame{Op: wsOpSnapshot, ID: id, Topic: topic.String()}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply:
		return res.snap, res.err
	}
}

// Close implements Source. Live subscriptions end cleanly.
func (s *WebSocketSource) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	s.teardown(nil)
	return nil
}

// writeFrame serializes one frame onto the socket.
func (s *WebSocketSource) writeFrame(f wsFrame) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return models.NewTransportError("websocket write", errStreamEnded)
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return models.NewTransportError("websocket write", err)
	}
	return nil
}

// readPump routes inbound frames until the socket dies.
func (s *WebSocketSource) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.stateMu.Lock()
			closed := s.closed
			s.stateMu.Unlock()
			if !closed {
				logging.Warn().Err(err).Msg("feed websocket read failed")
				s.teardown(models.NewTransportError("websocket read", err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			recordDecodeFailure()
			logging.Warn().Err(err).Msg("dropping undecodable feed frame")
			continue
		}

		switch frame.Op {
		case wsOpEnvelope:
			s.routeEnvelope(frame)
		case wsOpSnapshotRes:
			s.routeSnapshot(frame)
		default:
			logging.Debug().Str("op", frame.Op).Msg("ignoring unknown feed frame op")
		}
	}
}

// routeEnvelope delivers an envelope frame to its topic's subscription.
// Delivery never blocks; a full buffer sheds the envelope and the resync
// path recovers it.
func (s *WebSocketSource) routeEnvelope(frame wsFrame) {
	topic, err := models.ParseTopic(frame.Topic)
	if err != nil {
		recordDecodeFailure()
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	sub, ok := s.subs[topic]
	if !ok {
		metrics.RecordEnvelopeDropped("topic_closed")
		return
	}

	env, err := DecodeEnvelope(frame.Envelope, topic)
	if err != nil {
		recordDecodeFailure()
		logging.Warn().Err(err).Str("topic", topic.String()).Msg("dropping undecodable feed envelope")
		return
	}

	select {
	case sub.ch <- env:
		recordDelivered(env)
	default:
		metrics.RecordEnvelopeDropped("buffer_full")
	}
}

// routeSnapshot completes a pending FetchSnapshot.
func (s *WebSocketSource) routeSnapshot(frame wsFrame) {
	s.stateMu.Lock()
	reply, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.stateMu.Unlock()
	if !ok {
		return
	}

	if frame.Error != "" {
		reply <- snapshotResult{err: models.NewTransportError("snapshot", fmt.Errorf("%s", frame.Error))}
		return
	}

	var snap models.Snapshot
	if err := json.Unmarshal(frame.Snapshot, &snap); err != nil {
		reply <- snapshotResult{err: fmt.Errorf("decode snapshot: %w", err)}
		return
	}
	reply <- snapshotResult{snap: &snap}
}

// pingLoop keeps the connection alive until it dies or is replaced.
func (s *WebSocketSource) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		s.connMu.Lock()
		current := s.conn
		s.connMu.Unlock()
		if current != conn {
			return
		}

		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// teardown fails or cleanly ends every subscription and pending snapshot,
// and discards the connection. A nil cause means local shutdown.
func (s *WebSocketSource) teardown(cause error) {
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.stateMu.Lock()
	subs := s.subs
	pending := s.pending
	s.subs = make(map[models.Topic]*wsSubscription)
	s.pending = make(map[string]chan snapshotResult)
	s.stateMu.Unlock()

	for _, sub := range subs {
		sub.end(cause)
	}
	for _, reply := range pending {
		reply <- snapshotResult{err: models.NewTransportError("snapshot", errStreamEnded)}
	}
}

// dropSub removes one subscription, ending it with the given cause.
func (s *WebSocketSource) dropSub(topic models.Topic, cause error) {
	s.stateMu.Lock()
	sub, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.stateMu.Unlock()
	if ok {
		sub.end(cause)
	}
}

// wsSubscription is one topic stream on the shared socket.
type wsSubscription struct {
	topic  models.Topic
	ch     chan models.Envelope
	source *WebSocketSource

	mu  sync.Mutex
	err error

	endOnce sync.Once
}

func (s *wsSubscription) Topic() models.Topic { return s.topic }

func (s *wsSubscription) Envelopes() <-chan models.Envelope { return s.ch }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tells the endpoint to stop the topic and ends the local stream.
func (s *wsSubscription) Close() error {
	_ = s.source.writeFrame(wsFrame{Op: wsOpUnsubscribe, Topic: s.topic.String()})
	s.source.dropSub(s.topic, nil)
	return nil
}

// end closes the stream exactly once, recording the cause.
func (s *wsSubscription) end(cause error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.ch)
	})
}
