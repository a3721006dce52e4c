// Package relay coordinates everything a room needs on one server
// instance: the local session index, the bus subscription lifecycle,
// origin-excluded fan-out, and teardown when a room empties. The registry
// is owned by the server and passed to the protocol handlers; there is no
// package-level state, so tests run isolated registries side by side.
package relay

import (
	"context"
	"sync"

	"codecollab-server/bus"
	"codecollab-server/chat"
	"codecollab-server/core"
	"codecollab-server/documents"
	"codecollab-server/presence"
	"codecollab-server/tasks"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Session is one live connection bound to a room, regardless of transport.
// Deliver must not block: implementations enqueue and drop on overflow.
type Session interface {
	ID() string
	Username() string
	Deliver(roomID string, env core.Envelope)
}

type Registry struct {
	Docs     *documents.Cache
	Presence *presence.Directory
	Chat     *chat.Relay

	// id identifies this server instance on the bus so its own envelopes
	// are dropped when they come back off the shared channel.
	id  string
	bus bus.Bus

	mu    sync.RWMutex
	rooms map[string]map[string]Session
}

func NewRegistry(docs *documents.Cache, dir *presence.Directory, sched *tasks.Scheduler, b bus.Bus) *Registry {
	r := &Registry{
		Docs:     docs,
		Presence: dir,
		id:       ulid.Make().String(),
		bus:      b,
		rooms:    make(map[string]map[string]Session),
	}
	r.Chat = chat.NewRelay(sched, func(roomID, username, sessionID string) {
		r.Broadcast(roomID, core.NewChatTyping(sessionID, username, false))
	})
	return r
}

// Join registers the session locally, opens the room's bus subscription if
// this is the first local session, records presence and announces the user.
func (r *Registry) Join(ctx context.Context, roomID string, sess Session, user core.RoomUser) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Session)
		r.rooms[roomID] = room
	}
	// Subscribe under the lock so a concurrent last-leave cannot
	// unsubscribe after this join observed an empty room.
	if len(room) == 0 {
		r.bus.Subscribe(roomID, func(env core.Envelope) {
			r.deliverFromBus(roomID, env)
		})
	}
	room[sess.ID()] = sess
	r.mu.Unlock()

	r.Presence.AddUser(ctx, roomID, sess.ID(), user)
	r.Broadcast(roomID, core.NewUserJoined(sess.ID(), user))

	logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"session_id": sess.ID(),
		"username":   user.Username,
	}).Info("Session joined room")
}

// Leave removes one session from one room and announces the departure. A
// confirmed-empty presence set triggers room teardown.
func (r *Registry) Leave(ctx context.Context, roomID string, sess Session) {
	r.removeLocal(roomID, sess.ID())

	if r.Chat.ClearTyping(roomID, sess.Username()) {
		r.Broadcast(roomID, core.NewChatTyping(sess.ID(), sess.Username(), false))
	}
	r.Broadcast(roomID, core.NewUserLeft(sess.ID(), sess.Username()))

	if r.Presence.RemoveUser(ctx, roomID, sess.ID()) {
		r.teardownRoom(ctx, roomID)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"session_id": sess.ID(),
	}).Info("Session left room")
}

// Disconnect removes the session from every room it was in. Rooms whose
// presence set emptied are torn down.
func (r *Registry) Disconnect(ctx context.Context, sess Session) {
	r.mu.Lock()
	var local []string
	for roomID, room := range r.rooms {
		if _, ok := room[sess.ID()]; ok {
			local = append(local, roomID)
		}
	}
	r.mu.Unlock()

	for _, roomID := range local {
		r.removeLocal(roomID, sess.ID())
		if r.Chat.ClearTyping(roomID, sess.Username()) {
			r.Broadcast(roomID, core.NewChatTyping(sess.ID(), sess.Username(), false))
		}
		r.Broadcast(roomID, core.NewUserLeft(sess.ID(), sess.Username()))
	}

	for _, roomID := range r.Presence.HandleDisconnect(ctx, sess.ID()) {
		r.teardownRoom(ctx, roomID)
	}

	logrus.WithField("session_id", sess.ID()).Info("Session disconnected")
}

// Broadcast delivers an envelope to the room's local sessions (excluding
// the origin) and publishes it on the bus for other instances.
func (r *Registry) Broadcast(roomID string, env core.Envelope) {
	env.Instance = r.id
	r.deliverLocal(roomID, env)
	r.bus.Publish(roomID, env)
}

// deliverFromBus handles one envelope arriving on the room's bus
// subscription. This instance's own envelopes are dropped whole: their
// local fan-out already happened at Broadcast time.
func (r *Registry) deliverFromBus(roomID string, env core.Envelope) {
	if env.Instance == r.id {
		return
	}
	r.applyRemote(roomID, env)
	r.deliverLocal(roomID, env)
}

// applyRemote folds a remote envelope's side effects into local state. The
// kind set is closed; anything unknown is passed through untouched.
func (r *Registry) applyRemote(roomID string, env core.Envelope) {
	switch env.Kind {
	case core.EventDocUpdate:
		p, err := env.AsDocUpdate()
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Discarding malformed document update")
			return
		}
		h := r.Docs.GetOrCreate(context.Background(), roomID, p.Language)
		r.Docs.ApplyUpdate(context.Background(), h, p.Update)
	case core.EventChatMessage:
		p, err := env.AsChatMessage()
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Discarding malformed chat message")
			return
		}
		r.Chat.Ingest(p)
	case core.EventAwareness, core.EventUserJoined, core.EventUserLeft, core.EventChatTyping:
		// Ephemeral; fan-out only.
	default:
		// Unknown kind: forward compatibility, deliver as-is.
	}
}

func (r *Registry) deliverLocal(roomID string, env core.Envelope) {
	r.mu.RLock()
	room := r.rooms[roomID]
	sessions := make([]Session, 0, len(room))
	for id, sess := range room {
		if id == env.Origin {
			continue
		}
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		sess.Deliver(roomID, env)
	}
}

// removeLocal drops the session from the room index and closes the bus
// subscription once no local session remains. The unsubscribe happens under
// the registry lock so it serializes against a first-join's subscribe.
func (r *Registry) removeLocal(roomID, sessionID string) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
			r.bus.Unsubscribe(roomID)
		}
	}
	r.mu.Unlock()
}

// teardownRoom frees everything held for a room once its presence set is
// confirmed empty: document instances (persisted first) and chat state.
func (r *Registry) teardownRoom(ctx context.Context, roomID string) {
	r.Docs.DropRoom(ctx, roomID)
	r.Chat.DropRoom(roomID)
	logrus.WithField("room_id", roomID).Info("Room emptied, state released")
}

// Shutdown flushes in-flight document persists and releases the bus.
func (r *Registry) Shutdown(ctx context.Context) {
	r.Docs.FlushAll(ctx)
	r.bus.Close()
}
