// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package coordinator drives conversation lifecycles. Each open
// conversation gets a worker goroutine that serializes every mutation
// of that conversation's state: feed envelopes, snapshot loads,
// lifecycle transitions, and background grace expiry all run as
// commands on the worker, so collaborators below it never see
// interleaved writes for one conversation. Network calls never run on
// a worker; subscribing, snapshot fetches, and outbound sends happen
// on side goroutines that post their results back as commands.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/nuntius/internal/aggregate"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/gate"
	"github.com/tomtom215/nuntius/internal/history"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/mux"
	"github.com/tomtom215/nuntius/internal/presence"
	"github.com/tomtom215/nuntius/internal/session"
	"github.com/tomtom215/nuntius/internal/store"
)

// ErrClosed is returned by operations invoked after Shutdown.
var ErrClosed = errors.New("coordinator closed")

// State is a conversation's lifecycle state.
type State string

// Conversation lifecycle states.
const (
	StateClosed       State = "closed"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateBackgrounded State = "backgrounded"
)

// Defaults for zero CoordinatorConfig fields.
const (
	defaultBackgroundGrace = 30 * time.Second
	defaultPageSize        = 30
	defaultCommandBuffer   = 64
)

// Archiver persists confirmed messages as they reconcile, keeping the
// local archive warm for offline paging. history.ReadThrough satisfies
// it; a nil Archiver disables write-through.
type Archiver interface {
	ArchiveConfirmed(ctx context.Context, entries ...models.MessageEntry)
}

// Deps are the collaborators a Coordinator drives. All but Archiver
// are required.
type Deps struct {
	Mux       *mux.Mux
	Source    feed.Source
	Store     *store.Store
	Presence  *presence.Tracker
	Reactions *aggregate.ReactionAggregator
	Receipts  *aggregate.ReadReceiptTracker
	History   history.API
	Archiver  Archiver
	Gate      *gate.Gate
	Session   *session.Manager
}

// Coordinator owns conversation lifecycles and fans state changes out
// to observers.
type Coordinator struct {
	cfg  config.CoordinatorConfig
	deps Deps

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	closed     bool
	background bool
	convs      map[string]*conversation
	resume     map[string]struct{}
	obs        map[string]map[uint64]chan ConversationUpdate
	typingObs  map[string]map[uint64]chan []string
	nextObs    uint64

	workers sync.WaitGroup
	loops   sync.WaitGroup
}

// New builds a Coordinator. Zero config fields take defaults.
func New(cfg config.CoordinatorConfig, deps Deps) (*Coordinator, error) {
	if deps.Mux == nil || deps.Source == nil || deps.Store == nil ||
		deps.Presence == nil || deps.Reactions == nil || deps.Receipts == nil ||
		deps.History == nil || deps.Gate == nil || deps.Session == nil {
		return nil, &models.ValidationError{Field: "deps", Message: "every coordinator dependency except the archiver is required"}
	}
	if cfg.BackgroundGrace <= 0 {
		cfg.BackgroundGrace = defaultBackgroundGrace
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaultCommandBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		deps:       deps,
		baseCtx:    ctx,
		baseCancel: cancel,
		convs:      make(map[string]*conversation),
		obs:        make(map[string]map[uint64]chan ConversationUpdate),
		typingObs:  make(map[string]map[uint64]chan []string),
	}, nil
}

// Start begins consuming session lifecycle events. It must be called
// once before any conversation is opened.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.loops.Add(1)
	c.mu.Unlock()

	// Events emitted before Start, such as the install of a configured
	// token, are already reflected in the identity read below. Draining
	// them keeps the loop from tearing down conversations over stale
	// history.
	events := c.deps.Session.Events()
drain:
	for {
		select {
		case _, ok := <-events:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
	if ident, ok := c.deps.Session.Identity(); ok {
		c.deps.Store.SetCurrentUser(ident.UserID)
	}
	go c.sessionLoop()

	logging.Info().Msg("sync coordinator started")
	return nil
}

// Shutdown closes every conversation and stops all goroutines. The
// context bounds how long it waits for workers to drain; on expiry
// remaining workers are cancelled outright.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	convs := make([]*conversation, 0, len(c.convs))
	for _, cv := range c.convs {
		convs = append(convs, cv)
	}
	c.mu.Unlock()

	for _, cv := range convs {
		cv := cv
		cv.post(func() { c.closeConv(cv, "shutdown") })
	}

	workersDone := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(workersDone)
	}()

	var err error
	select {
	case <-workersDone:
	case <-ctx.Done():
		err = ctx.Err()
		logging.Warn().Msg("coordinator shutdown timed out waiting for conversations")
	}

	c.baseCancel()
	c.loops.Wait()

	c.mu.Lock()
	for id, watchers := range c.obs {
		for _, ch := range watchers {
			close(ch)
		}
		delete(c.obs, id)
	}
	for id, watchers := range c.typingObs {
		for _, ch := range watchers {
			close(ch)
		}
		delete(c.typingObs, id)
	}
	c.mu.Unlock()

	logging.Info().Msg("sync coordinator stopped")
	return err
}

// Open activates a conversation: subscribes its feed topics, loads the
// initial snapshot and backlog page, and transitions it to live.
// Opening an already open conversation foregrounds it. Open returns
// once the conversation worker is running; subscription and load
// happen asynchronously and surface through observers.
func (c *Coordinator) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &models.ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	topic := models.ConversationTopic(conversationID)
	if err := topic.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if cv, ok := c.convs[conversationID]; ok {
		c.mu.Unlock()
		cv.post(func() { c.foregroundConv(cv) })
		return nil
	}

	cctx, cancel := context.WithCancel(c.baseCtx)
	loadCtx, cancelLoad := context.WithCancel(cctx)
	cv := &conversation{
		id:         conversationID,
		topic:      topic,
		ptopic:     models.PresenceTopic(conversationID),
		ctx:        cctx,
		cancel:     cancel,
		loadCtx:    loadCtx,
		cancelLoad: cancelLoad,
		done:       make(chan struct{}),
		cmds:       make(chan command, c.cfg.CommandBuffer),
	}
	cv.state.Store(StateClosed)
	c.convs[conversationID] = cv
	c.workers.Add(1)
	go c.worker(cv)
	c.mu.Unlock()

	select {
	case cv.cmds <- func() { c.openConv(cv) }:
	case <-cv.ctx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close releases a conversation: unsubscribes its topics, purges its
// presence, and moves its window to the warm cache.
func (c *Coordinator) Close(conversationID string) {
	c.mu.Lock()
	cv, ok := c.convs[conversationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	cv.post(func() { c.closeConv(cv, "closed by caller") })
}

// EnterBackground moves every conversation to the backgrounded state
// and arms the grace timer that releases subscriptions if the app does
// not return in time.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	c.background = true
	convs := make([]*conversation, 0, len(c.convs))
	for _, cv := range c.convs {
		convs = append(convs, cv)
	}
	c.mu.Unlock()

	for _, cv := range convs {
		cv := cv
		cv.post(func() { c.backgroundConv(cv) })
	}
	logging.Info().Int("conversations", len(convs)).Msg("entering background")
}

// EnterForeground cancels pending grace timers and returns
// conversations to live, refreshing each one's subscription and
// snapshot to cover anything missed while dormant.
func (c *Coordinator) EnterForeground() {
	c.mu.Lock()
	c.background = false
	convs := make([]*conversation, 0, len(c.convs))
	for _, cv := range c.convs {
		convs = append(convs, cv)
	}
	c.mu.Unlock()

	for _, cv := range convs {
		cv := cv
		cv.post(func() { c.foregroundConv(cv) })
	}
	logging.Info().Int("conversations", len(convs)).Msg("entering foreground")
}

// Stats is a point-in-time summary of coordinator state.
type Stats struct {
	// Conversations is the number of active conversation workers.
	Conversations int

	// ByState counts conversations per lifecycle state.
	ByState map[State]int
}

// Stats returns current coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Conversations: len(c.convs),
		ByState:       make(map[State]int, 4),
	}
	for _, cv := range c.convs {
		st.ByState[cv.currentState()]++
	}
	return st
}

// sessionLoop reacts to session lifecycle events until shutdown.
func (c *Coordinator) sessionLoop() {
	defer c.loops.Done()

	events := c.deps.Session.Events()
	for {
		select {
		case <-c.baseCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleSessionEvent(ev)
		}
	}
}

// handleSessionEvent maps session transitions onto conversation
// lifecycles. An identity change resets everything the old user could
// see; a refresh of the same identity resubscribes what expiry tore
// down; expiry tears down but keeps caches, because the same user is
// expected back.
func (c *Coordinator) handleSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventChanged:
		c.teardownAll(true, "session changed")
		c.deps.Store.SetCurrentUser(ev.Identity.UserID)
		c.mu.Lock()
		c.resume = nil
		c.mu.Unlock()
		logging.Info().Str("user_id", ev.Identity.UserID).Msg("session identity changed, state reset")

	case session.EventRefreshed:
		c.deps.Store.SetCurrentUser(ev.Identity.UserID)
		c.mu.Lock()
		ids := make([]string, 0, len(c.resume))
		for id := range c.resume {
			ids = append(ids, id)
		}
		c.resume = nil
		c.mu.Unlock()
		for _, id := range ids {
			if err := c.Open(c.baseCtx, id); err != nil {
				logging.Warn().Err(err).Str("conversation_id", id).Msg("resume after refresh failed")
			}
		}
		if len(ids) > 0 {
			logging.Info().Int("conversations", len(ids)).Msg("resumed after session refresh")
		}

	case session.EventExpiring:
		logging.Info().Str("reason", ev.Reason).Msg("session expiring, refresh needed to stay live")

	case session.EventExpired:
		ids := c.teardownAll(false, "session expired")
		c.mu.Lock()
		c.resume = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			c.resume[id] = struct{}{}
		}
		c.mu.Unlock()

	case session.EventCleared:
		c.teardownAll(false, "logout")
		c.mu.Lock()
		c.resume = nil
		c.mu.Unlock()
	}
}

// teardownAll closes every conversation and waits for the workers to
// finish, so a reset cannot race a closing worker writing warm state.
// It returns the ids that were open.
func (c *Coordinator) teardownAll(reset bool, reason string) []string {
	c.mu.Lock()
	convs := make([]*conversation, 0, len(c.convs))
	ids := make([]string, 0, len(c.convs))
	for id, cv := range c.convs {
		convs = append(convs, cv)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, cv := range convs {
		cv := cv
		cv.post(func() { c.closeConv(cv, reason) })
	}
	deadline := time.After(teardownWait)
	for _, cv := range convs {
		select {
		case <-cv.done:
		case <-deadline:
			logging.Warn().Str("conversation_id", cv.id).Msg("conversation teardown timed out")
		}
	}

	if reset {
		c.deps.Store.Reset()
		c.deps.Reactions.Reset()
		c.deps.Receipts.Reset()
	}
	return ids
}

// remove drops a closed conversation from the registry.
func (c *Coordinator) remove(conversationID string) {
	c.mu.Lock()
	delete(c.convs, conversationID)
	c.mu.Unlock()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// spawn runs fn on a tracked goroutine. Checking closed and adding to
// the waitgroup under one lock keeps new goroutines from racing
// Shutdown's wait. It reports false after shutdown, when fn does not
// run.
func (c *Coordinator) spawn(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.loops.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.loops.Done()
		fn()
	}()
	return true
}
