// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/nuntius/internal/aggregate"
	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/feed"
	"github.com/tomtom215/nuntius/internal/gate"
	"github.com/tomtom215/nuntius/internal/journal"
	"github.com/tomtom215/nuntius/internal/models"
	"github.com/tomtom215/nuntius/internal/mux"
	"github.com/tomtom215/nuntius/internal/presence"
	"github.com/tomtom215/nuntius/internal/session"
	"github.com/tomtom215/nuntius/internal/store"
)

var coordBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func coordAt(sec int) time.Time { return coordBase.Add(time.Duration(sec) * time.Second) }

// fakeHistory is an in-memory history API double.
type fakeHistory struct {
	mu        sync.Mutex
	backlog   []models.MessageEntry
	insertErr error
	nextSrv   int
	inserts   []models.MessageEntry
	reactions []string
	receipts  []string
	uploads   int
}

func (f *fakeHistory) FetchPage(_ context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.MessageEntry
	for _, m := range f.backlog {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeHistory) InsertMessage(_ context.Context, entry *models.MessageEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.nextSrv++
	id := fmt.Sprintf("srv-%d", f.nextSrv)
	cp := *entry
	cp.ServerID = id
	f.inserts = append(f.inserts, cp)
	return id, nil
}

func (f *fakeHistory) UpsertReaction(_ context.Context, conversationID, messageID, userID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, conversationID+"/"+messageID+"/"+userID+"/"+kind)
	return nil
}

func (f *fakeHistory) InsertReadReceipt(_ context.Context, conversationID, userID, throughMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, conversationID+"/"+userID+"/"+throughMessageID)
	return nil
}

func (f *fakeHistory) UploadBlob(_ context.Context, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return "https://cdn.example.com/blob-1", nil
}

func (f *fakeHistory) setInsertErr(err error) {
	f.mu.Lock()
	f.insertErr = err
	f.mu.Unlock()
}

func (f *fakeHistory) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func (f *fakeHistory) reactionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

func (f *fakeHistory) receiptLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.receipts...)
}

func (f *fakeHistory) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type rig struct {
	coord     *Coordinator
	source    *feed.MemorySource
	remote    *fakeHistory
	store     *store.Store
	sess      *session.Manager
	reactions *aggregate.ReactionAggregator
	receipts  *aggregate.ReadReceiptTracker
}

type rigConfig struct {
	coordinator config.CoordinatorConfig
	gate        config.GateConfig
}

func coordToken(t *testing.T, sub, name string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "name": name, "exp": float64(exp.Unix())}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func newRig(t *testing.T, rc rigConfig) *rig {
	t.Helper()

	source := feed.NewMemorySource(32)
	remote := &fakeHistory{}
	jnl := journal.NewNoop()

	mx := mux.New(config.MuxConfig{
		MaxPhysical:    8,
		ReconnectBase:  5 * time.Millisecond,
		ReconnectCap:   20 * time.Millisecond,
		JitterFraction: 0.1,
		BufferSize:     32,
	}, source, jnl)

	var coordPtr atomic.Pointer[Coordinator]
	st := store.New(config.StoreConfig{
		WindowSize:        50,
		PendingTimeout:    500 * time.Millisecond,
		WarmConversations: 2,
		WarmTTL:           time.Minute,
	}, remote, func(conversationID string) {
		if c := coordPtr.Load(); c != nil {
			c.ConversationChanged(conversationID)
		}
	})

	tracker := presence.NewTracker(config.PresenceConfig{
		RemoteTTL:     time.Minute,
		SweepInterval: 10 * time.Millisecond,
		StopDebounce:  time.Minute,
	}, presence.PublisherFunc(func(context.Context, models.Topic, bool) error {
		return nil
	}))

	sess, err := session.New(config.SessionConfig{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := sess.Set(coordToken(t, "me", "Me Myself", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("install token: %v", err)
	}

	reactions := aggregate.NewReactionAggregator()
	receipts := aggregate.NewReadReceiptTracker()

	coord, err := New(rc.coordinator, Deps{
		Mux:       mx,
		Source:    source,
		Store:     st,
		Presence:  tracker,
		Reactions: reactions,
		Receipts:  receipts,
		History:   remote,
		Gate:      gate.New(rc.gate, jnl),
		Session:   sess,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	coordPtr.Store(coord)
	if err := coord.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = mx.Close()
		_ = tracker.Close()
		sess.Close()
		_ = source.Close()
	})

	return &rig{
		coord:     coord,
		source:    source,
		remote:    remote,
		store:     st,
		sess:      sess,
		reactions: reactions,
		receipts:  receipts,
	}
}

func confirmedAt(conversationID, serverID, senderID, body string, created time.Time) models.MessageEntry {
	return models.MessageEntry{
		ServerID:       serverID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           models.MessageText,
		CreatedAt:      created,
		State:          models.MessageSent,
	}
}

func publishMsg(t *testing.T, src *feed.MemorySource, conversationID, serverID, senderID, body string, created time.Time) {
	t.Helper()
	err := src.Publish(models.Envelope{
		Topic: models.ConversationTopic(conversationID),
		Kind:  models.EnvelopeInsert,
		Payload: models.MessagePayload{
			ServerID:       serverID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Body:           body,
			Kind:           models.MessageText,
			CreatedAt:      created,
		},
	})
	if err != nil {
		t.Fatalf("publish message: %v", err)
	}
}

func publishTypingSignal(t *testing.T, src *feed.MemorySource, conversationID, userID string, typing bool) {
	t.Helper()
	err := src.Publish(models.Envelope{
		Topic: models.PresenceTopic(conversationID),
		Kind:  models.EnvelopeInsert,
		Payload: models.PresencePayload{
			ConversationID: conversationID,
			UserID:         userID,
			Typing:         typing,
		},
	})
	if err != nil {
		t.Fatalf("publish typing: %v", err)
	}
}

func awaitUpdate(t *testing.T, ch <-chan ConversationUpdate, what string, cond func(ConversationUpdate) bool) ConversationUpdate {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case upd, ok := <-ch:
			if !ok {
				t.Fatalf("updates closed while waiting for %s", what)
			}
			if cond(upd) {
				return upd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func awaitRoster(t *testing.T, ch <-chan []string, want []string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case names, ok := <-ch:
			if !ok {
				t.Fatalf("typing updates closed while waiting for %v", want)
			}
			if equalNames(names, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for typing roster %v", want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openLive(t *testing.T, r *rig, conversationID string) (<-chan ConversationUpdate, func()) {
	t.Helper()
	updates, stop := r.coord.ObserveConversation(conversationID)
	if err := r.coord.Open(context.Background(), conversationID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	awaitUpdate(t, updates, "live conversation", func(u ConversationUpdate) bool {
		return u.State == StateLive
	})
	return updates, stop
}

func TestOpenLoadsSnapshotAndGoesLive(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.source.SetSnapshot(models.ConversationTopic("c1"), &models.Snapshot{
		Topic:   models.ConversationTopic("c1"),
		HighSeq: 2,
		View: &models.ConversationView{
			ID: "c1",
			Participants: []models.ParticipantRef{
				{UserID: "me", DisplayName: "Me Myself"},
				{UserID: "alice", DisplayName: "Alice Johnson"},
			},
			Unread: 1,
		},
		Messages: []models.MessageEntry{
			confirmedAt("c1", "srv-a", "alice", "hello", coordAt(1)),
			confirmedAt("c1", "srv-b", "me", "hi back", coordAt(2)),
		},
		Reactions: map[string]map[string]string{
			"srv-a": {"alice": "heart"},
		},
		ReadBy: map[string][]string{
			"srv-a": {"alice"},
		},
	})

	updates, stop := r.coord.ObserveConversation("c1")
	defer stop()
	if err := r.coord.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	upd := awaitUpdate(t, updates, "live with snapshot", func(u ConversationUpdate) bool {
		return u.State == StateLive && len(u.View.Messages) == 2
	})
	if upd.View.Messages[0].Body != "hello" || upd.View.Messages[1].Body != "hi back" {
		t.Fatalf("message order = %q, %q", upd.View.Messages[0].Body, upd.View.Messages[1].Body)
	}
	if upd.View.Conversation.Unread != 1 {
		t.Fatalf("unread = %d, want snapshot's 1", upd.View.Conversation.Unread)
	}
	if len(upd.View.Conversation.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(upd.View.Conversation.Participants))
	}

	sum := r.reactions.Summary("srv-a", "me")
	if sum.Counts["heart"] != 1 {
		t.Fatalf("snapshot reaction missing: %+v", sum)
	}
	if !r.receipts.HasRead("srv-a", "alice") {
		t.Fatal("snapshot read receipt missing")
	}
}

func TestEnvelopeReachesObservers(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	publishMsg(t, r.source, "c1", "srv-1", "alice", "are you there?", coordAt(1))

	upd := awaitUpdate(t, updates, "envelope in view", func(u ConversationUpdate) bool {
		return len(u.View.Messages) == 1
	})
	m := upd.View.Messages[0]
	if m.Body != "are you there?" || m.State != models.MessageSent {
		t.Fatalf("message = %+v", m)
	}
	if upd.View.Conversation.Unread != 1 {
		t.Fatalf("unread = %d, want 1", upd.View.Conversation.Unread)
	}
	if upd.View.Conversation.LastPreview == "" {
		t.Fatal("preview not derived")
	}
}

func TestSendConfirmsThroughAck(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	clientID, err := r.coord.Send(context.Background(), "c1", "outbound hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if clientID == "" {
		t.Fatal("Send returned empty client id")
	}

	upd := awaitUpdate(t, updates, "confirmed send", func(u ConversationUpdate) bool {
		return len(u.View.Messages) == 1 && u.View.Messages[0].State == models.MessageSent
	})
	m := upd.View.Messages[0]
	if m.ClientID != clientID {
		t.Fatalf("client id = %q, want %q", m.ClientID, clientID)
	}
	if m.ServerID != "srv-1" {
		t.Fatalf("server id = %q, want srv-1", m.ServerID)
	}
	if got := r.remote.insertCount(); got != 1 {
		t.Fatalf("insert calls = %d, want 1", got)
	}
	// Own sends never count as unread.
	if upd.View.Conversation.Unread != 0 {
		t.Fatalf("unread = %d, want 0", upd.View.Conversation.Unread)
	}
}

func TestSendWithoutSessionIsAuthError(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.sess.Clear()

	_, err := r.coord.Send(context.Background(), "c1", "hello")
	if !models.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	r := newRig(t, rigConfig{gate: config.GateConfig{SendInterval: 300 * time.Millisecond}})
	_, stop := openLive(t, r, "c1")
	defer stop()

	if _, err := r.coord.Send(context.Background(), "c1", "first"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	_, err := r.coord.Send(context.Background(), "c1", "second")
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	r.remote.setInsertErr(&models.ValidationError{Field: "body", Message: "rejected"})

	if _, err := r.coord.Send(context.Background(), "c1", "doomed"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	awaitUpdate(t, updates, "failed send", func(u ConversationUpdate) bool {
		return len(u.View.Messages) == 1 && u.View.Messages[0].State == models.MessageFailed
	})
}

func TestAuthFailureTearsDownAndRefreshResumes(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	r.remote.setInsertErr(&models.AuthError{Reason: "token rejected"})
	if _, err := r.coord.Send(context.Background(), "c1", "rejected upstream"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "session invalidated", func() bool { return r.sess.Token() == "" })
	waitFor(t, "conversation torn down", func() bool {
		return r.coord.Stats().Conversations == 0
	})

	// A refreshed token for the same user resubscribes what expiry
	// tore down, with the warm window intact.
	r.remote.setInsertErr(nil)
	if err := r.sess.Set(coordToken(t, "me", "Me Myself", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("refresh token: %v", err)
	}

	upd := awaitUpdate(t, updates, "resumed live conversation", func(u ConversationUpdate) bool {
		return u.State == StateLive && len(u.View.Messages) == 1
	})
	if upd.View.Messages[0].State != models.MessageFailed {
		t.Fatalf("state = %q, want failed entry preserved across resume", upd.View.Messages[0].State)
	}
}

func TestReactAppliesLocallyAndSubmits(t *testing.T) {
	r := newRig(t, rigConfig{})
	_, stop := openLive(t, r, "c1")
	defer stop()

	if err := r.coord.React(context.Background(), "c1", "srv-9", "thumbsup"); err != nil {
		t.Fatalf("React: %v", err)
	}
	if sum := r.reactions.Summary("srv-9", "me"); sum.CurrentUserKind != "thumbsup" {
		t.Fatalf("local reaction = %+v", sum)
	}

	waitFor(t, "reaction submitted", func() bool { return len(r.remote.reactionLog()) == 1 })
	if got := r.remote.reactionLog()[0]; got != "c1/srv-9/me/thumbsup" {
		t.Fatalf("reaction payload = %q", got)
	}
}

func TestMarkReadClearsUnreadAndSubmits(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	publishMsg(t, r.source, "c1", "srv-1", "alice", "unread this", coordAt(1))
	awaitUpdate(t, updates, "unread message", func(u ConversationUpdate) bool {
		return u.View.Conversation.Unread == 1
	})

	if err := r.coord.MarkRead(context.Background(), "c1", "srv-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	awaitUpdate(t, updates, "unread cleared", func(u ConversationUpdate) bool {
		return u.View.Conversation.Unread == 0
	})
	if !r.receipts.HasRead("srv-1", "me") {
		t.Fatal("local read marker missing")
	}

	waitFor(t, "receipt submitted", func() bool { return len(r.remote.receiptLog()) == 1 })
	if got := r.remote.receiptLog()[0]; got != "c1/me/srv-1" {
		t.Fatalf("receipt payload = %q", got)
	}
}

func TestOwnReceiptFromAnotherDeviceClearsUnread(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	publishMsg(t, r.source, "c1", "srv-1", "alice", "ping", coordAt(1))
	awaitUpdate(t, updates, "unread message", func(u ConversationUpdate) bool {
		return u.View.Conversation.Unread == 1
	})

	err := r.source.Publish(models.Envelope{
		Topic: models.ConversationTopic("c1"),
		Kind:  models.EnvelopeInsert,
		Payload: models.ReadReceiptPayload{
			ConversationID:   "c1",
			UserID:           "me",
			ThroughMessageID: "srv-1",
			ReadAt:           coordAt(2),
		},
	})
	if err != nil {
		t.Fatalf("publish receipt: %v", err)
	}

	awaitUpdate(t, updates, "unread cleared by own device", func(u ConversationUpdate) bool {
		return u.View.Conversation.Unread == 0
	})
	if !r.receipts.HasRead("srv-1", "me") {
		t.Fatal("own receipt not applied")
	}
}

func TestTypingRosterResolvesNamesAndExcludesSelf(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.source.SetSnapshot(models.ConversationTopic("c1"), &models.Snapshot{
		Topic: models.ConversationTopic("c1"),
		View: &models.ConversationView{
			ID: "c1",
			Participants: []models.ParticipantRef{
				{UserID: "me", DisplayName: "Me Myself"},
				{UserID: "alice", DisplayName: "Alice Johnson"},
			},
		},
	})
	_, stop := openLive(t, r, "c1")
	defer stop()

	typing, stopTyping := r.coord.ObserveTyping("c1")
	defer stopTyping()

	publishTypingSignal(t, r.source, "c1", "alice", true)
	awaitRoster(t, typing, []string{"Alice Johnson"})

	// The local user's own signal must never join the roster.
	publishTypingSignal(t, r.source, "c1", "me", true)
	publishTypingSignal(t, r.source, "c1", "alice", false)
	awaitRoster(t, typing, nil)
}

func TestBackgroundGraceClosesConversation(t *testing.T) {
	r := newRig(t, rigConfig{coordinator: config.CoordinatorConfig{BackgroundGrace: 40 * time.Millisecond}})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	r.coord.EnterBackground()
	awaitUpdate(t, updates, "backgrounded", func(u ConversationUpdate) bool {
		return u.State == StateBackgrounded
	})

	awaitUpdate(t, updates, "closed after grace", func(u ConversationUpdate) bool {
		return u.State == StateClosed
	})
	waitFor(t, "worker gone", func() bool { return r.coord.Stats().Conversations == 0 })
}

func TestForegroundWithinGraceStaysLive(t *testing.T) {
	r := newRig(t, rigConfig{coordinator: config.CoordinatorConfig{BackgroundGrace: 250 * time.Millisecond}})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	r.coord.EnterBackground()
	awaitUpdate(t, updates, "backgrounded", func(u ConversationUpdate) bool {
		return u.State == StateBackgrounded
	})

	r.coord.EnterForeground()
	awaitUpdate(t, updates, "live again", func(u ConversationUpdate) bool {
		return u.State == StateLive
	})

	// The cancelled grace timer must not fire later.
	time.Sleep(300 * time.Millisecond)
	st := r.coord.Stats()
	if st.Conversations != 1 || st.ByState[StateLive] != 1 {
		t.Fatalf("stats after grace window = %+v", st)
	}
}

func TestPageBackwardExtendsWindow(t *testing.T) {
	r := newRig(t, rigConfig{coordinator: config.CoordinatorConfig{PageSize: 5}})
	for i := 1; i <= 8; i++ {
		r.remote.backlog = append(r.remote.backlog,
			confirmedAt("c1", fmt.Sprintf("srv-%d", i), "alice", fmt.Sprintf("m%d", i), coordAt(i)))
	}

	updates, stop := r.coord.ObserveConversation("c1")
	defer stop()
	if err := r.coord.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The initial load pages the newest PageSize messages in.
	awaitUpdate(t, updates, "initial backlog", func(u ConversationUpdate) bool {
		return u.State == StateLive && len(u.View.Messages) == 5
	})

	page, err := r.coord.PageBackward(context.Background(), "c1", coordAt(4), 3)
	if err != nil {
		t.Fatalf("PageBackward: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page len = %d, want 3", len(page))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if page[i].Body != want {
			t.Fatalf("page[%d] = %q, want %q", i, page[i].Body, want)
		}
	}
	awaitUpdate(t, updates, "window extended", func(u ConversationUpdate) bool {
		return len(u.View.Messages) == 8
	})
}

func TestSendImageUploadsThenSends(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	clientID, err := r.coord.SendImage(context.Background(), "c1", []byte{0x89, 0x50}, "image/png")
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	upd := awaitUpdate(t, updates, "confirmed image send", func(u ConversationUpdate) bool {
		return len(u.View.Messages) == 1 && u.View.Messages[0].State == models.MessageSent
	})
	m := upd.View.Messages[0]
	if m.ClientID != clientID || m.Kind != models.MessageImage {
		t.Fatalf("message = %+v", m)
	}
	if m.AttachmentURL != "https://cdn.example.com/blob-1" {
		t.Fatalf("attachment = %q", m.AttachmentURL)
	}
	if r.remote.uploadCount() != 1 {
		t.Fatalf("uploads = %d, want 1", r.remote.uploadCount())
	}
}

func TestSessionChangeResetsEverything(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.source.SetSnapshot(models.ConversationTopic("c1"), &models.Snapshot{
		Topic:   models.ConversationTopic("c1"),
		HighSeq: 1,
		Messages: []models.MessageEntry{
			confirmedAt("c1", "srv-a", "alice", "old user's message", coordAt(1)),
		},
		Reactions: map[string]map[string]string{"srv-a": {"alice": "heart"}},
	})
	_, stop := openLive(t, r, "c1")
	defer stop()

	if err := r.sess.Set(coordToken(t, "someone-else", "Other", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("switch identity: %v", err)
	}

	waitFor(t, "conversations torn down", func() bool {
		return r.coord.Stats().Conversations == 0
	})
	waitFor(t, "store reset", func() bool {
		_, _, ok := r.store.View("c1")
		return !ok
	})
	if sum := r.reactions.Summary("srv-a", "alice"); len(sum.Counts) != 0 {
		t.Fatalf("reactions survived identity change: %+v", sum)
	}
}

func TestShutdownClosesObserversAndRejectsOps(t *testing.T) {
	r := newRig(t, rigConfig{})
	updates, stop := openLive(t, r, "c1")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	deadline := time.After(2 * time.Second)
drained:
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				break drained
			}
		case <-deadline:
			t.Fatal("observer channel not closed by shutdown")
		}
	}

	if _, err := r.coord.Send(context.Background(), "c1", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after shutdown = %v, want ErrClosed", err)
	}
	if err := r.coord.Open(context.Background(), "c2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after shutdown = %v, want ErrClosed", err)
	}
	if err := r.coord.React(context.Background(), "c1", "srv-1", "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("React after shutdown = %v, want ErrClosed", err)
	}
}
