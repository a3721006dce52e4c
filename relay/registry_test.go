package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"codecollab-server/bus/local"
	"codecollab-server/core"
	"codecollab-server/documents"
	"codecollab-server/presence"
	"codecollab-server/stores/memory"
	"codecollab-server/tasks"
)

type fakeSession struct {
	id       string
	username string

	mu       sync.Mutex
	received []core.Envelope
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) Username() string { return s.username }

func (s *fakeSession) Deliver(roomID string, env core.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, env)
}

func (s *fakeSession) count(kind core.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.received {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

// recordingBus tracks live subscriptions so tests can check they stay in
// step with local room membership.
type recordingBus struct {
	mu     sync.Mutex
	active map[string]bool
}

func newRecordingBus() *recordingBus {
	return &recordingBus{active: make(map[string]bool)}
}

func (b *recordingBus) Publish(roomID string, env core.Envelope) {}

func (b *recordingBus) Subscribe(roomID string, fn func(core.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[roomID] = true
}

func (b *recordingBus) Unsubscribe(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, roomID)
}

func (b *recordingBus) Close() {}

func (b *recordingBus) subscribed(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[roomID]
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sched := tasks.NewScheduler()
	t.Cleanup(sched.Stop)

	store := memory.NewStore()
	docs := documents.NewCache(store, sched)
	dir := presence.NewDirectory(store)
	return NewRegistry(docs, dir, sched, local.New())
}

func join(t *testing.T, r *Registry, roomID string, sess *fakeSession) {
	t.Helper()
	r.Join(context.Background(), roomID, sess, core.RoomUser{
		SessionID: sess.id,
		Username:  sess.username,
		JoinedAt:  time.Now().UnixMilli(),
	})
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakeSession{id: "sa", username: "A"}
	b := &fakeSession{id: "sb", username: "B"}
	join(t, r, "r1", a)
	join(t, r, "r1", b)

	r.Broadcast("r1", core.NewChatTyping("sa", "A", true))
	// The local bus delivers asynchronously; give echoes time to land.
	time.Sleep(50 * time.Millisecond)

	if a.count(core.EventChatTyping) != 0 {
		t.Error("origin session must never receive its own broadcast")
	}
	if b.count(core.EventChatTyping) != 1 {
		t.Errorf("peer session should receive the broadcast exactly once, got %d", b.count(core.EventChatTyping))
	}
}

func TestJoinAnnouncesToPeers(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakeSession{id: "sa", username: "A"}
	b := &fakeSession{id: "sb", username: "B"}
	join(t, r, "r1", a)
	join(t, r, "r1", b)
	time.Sleep(50 * time.Millisecond)

	if a.count(core.EventUserJoined) != 1 {
		t.Errorf("existing session should see the new user join once, got %d", a.count(core.EventUserJoined))
	}
	if b.count(core.EventUserJoined) != 0 {
		t.Error("a joining session should not see its own join")
	}
}

func TestLeaveEmptiesRoomAndReleasesState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a := &fakeSession{id: "sa", username: "A"}
	join(t, r, "r1", a)

	r.Chat.Append("r1", "A", "hello")
	r.Leave(ctx, "r1", a)

	if users := r.Presence.GetUsers(ctx, "r1"); len(users) != 0 {
		t.Errorf("presence should be empty after the last leave, got %v", users)
	}
	if history := r.Chat.History("r1"); len(history) != 0 {
		t.Error("chat history should be released when the room empties")
	}

	r.mu.RLock()
	_, stillIndexed := r.rooms["r1"]
	r.mu.RUnlock()
	if stillIndexed {
		t.Error("local session index should forget an empty room")
	}
}

func TestDisconnectRemovesFromAllRooms(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a := &fakeSession{id: "sa", username: "A"}
	b := &fakeSession{id: "sb", username: "B"}
	join(t, r, "r1", a)
	join(t, r, "r2", a)
	join(t, r, "r2", b)

	r.Disconnect(ctx, a)
	time.Sleep(50 * time.Millisecond)

	if users := r.Presence.GetUsers(ctx, "r1"); len(users) != 0 {
		t.Errorf("r1 should be empty, got %v", users)
	}
	if users := r.Presence.GetUsers(ctx, "r2"); len(users) != 1 {
		t.Errorf("r2 should keep one user, got %v", users)
	}
	if b.count(core.EventUserLeft) != 1 {
		t.Errorf("peer should see one user-left event, got %d", b.count(core.EventUserLeft))
	}
}

func TestRemoteDocUpdateMergesIntoCache(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a := &fakeSession{id: "sa", username: "A"}
	join(t, r, "r1", a)

	// An envelope from another instance must merge into the local replica
	// and reach local sessions.
	env := core.NewDocUpdate("remote-session", "python", []byte("remote edit"))
	env.Instance = "other-instance"
	r.deliverFromBus("r1", env)
	time.Sleep(50 * time.Millisecond)

	h := r.Docs.GetOrCreate(ctx, "r1", "python")
	if r.Docs.ApplyUpdate(ctx, h, []byte("remote edit")) {
		t.Error("remote update should already be merged into the local document")
	}
	if a.count(core.EventDocUpdate) != 1 {
		t.Errorf("local session should receive the remote update once, got %d", a.count(core.EventDocUpdate))
	}
}

func TestOwnInstanceEchoDropped(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakeSession{id: "sa", username: "A"}
	join(t, r, "r1", a)
	time.Sleep(50 * time.Millisecond)

	before := a.count(core.EventChatMessage)
	env := core.NewChatMessage("sb", core.ChatMessage{ID: "m1", RoomID: "r1", Username: "B", Message: "hi"})
	env.Instance = r.id
	r.deliverFromBus("r1", env)
	time.Sleep(50 * time.Millisecond)

	if a.count(core.EventChatMessage) != before {
		t.Error("an envelope stamped with this instance's id must be dropped")
	}
}

func TestSubscriptionTracksMembershipUnderChurn(t *testing.T) {
	sched := tasks.NewScheduler()
	t.Cleanup(sched.Stop)

	store := memory.NewStore()
	b := newRecordingBus()
	r := NewRegistry(documents.NewCache(store, sched), presence.NewDirectory(store), sched, b)
	ctx := context.Background()

	// Concurrent last-leaves and first-joins for the same room must never
	// interleave into a populated room without a bus subscription.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sess := &fakeSession{id: "s" + string(rune('a'+n)), username: "U"}
			for j := 0; j < 50; j++ {
				join(t, r, "r1", sess)
				r.Leave(ctx, "r1", sess)
			}
		}(i)
	}
	wg.Wait()

	if b.subscribed("r1") {
		t.Error("an empty room should hold no subscription")
	}

	last := &fakeSession{id: "sz", username: "Z"}
	join(t, r, "r1", last)
	if !b.subscribed("r1") {
		t.Error("a populated room must hold a bus subscription")
	}
	r.Leave(ctx, "r1", last)
	if b.subscribed("r1") {
		t.Error("the last leave must release the subscription")
	}
}

func TestTypingExpiryBroadcastsOnce(t *testing.T) {
	r := newTestRegistry(t)
	r.Chat.SetTypingWindow(30 * time.Millisecond)

	a := &fakeSession{id: "sa", username: "A"}
	b := &fakeSession{id: "sb", username: "B"}
	join(t, r, "r1", a)
	join(t, r, "r1", b)
	time.Sleep(50 * time.Millisecond)

	if r.Chat.SetTyping("r1", "A", "sa", true) {
		r.Broadcast("r1", core.NewChatTyping("sa", "A", true))
	}
	time.Sleep(150 * time.Millisecond)

	var stops int
	b.mu.Lock()
	for _, env := range b.received {
		if env.Kind != core.EventChatTyping {
			continue
		}
		if p, err := env.AsChatTyping(); err == nil && !p.IsTyping {
			stops++
		}
	}
	b.mu.Unlock()

	if stops != 1 {
		t.Errorf("expected exactly one isTyping:false broadcast after expiry, got %d", stops)
	}
}
