package chat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"codecollab-server/core"
	"codecollab-server/relay"
)

// chatSession adapts one socket.io socket to the relay registry. The
// username is set on the first chat:join and kept for the lifetime of
// the socket.
type chatSession struct {
	socket *socketio.Socket

	mu       sync.Mutex
	username string
}

func (s *chatSession) ID() string { return string(s.socket.Id()) }

func (s *chatSession) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *chatSession) setUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// Deliver translates registry envelopes into socket.io emits. The chat
// channel only carries chat and membership traffic; document and
// awareness envelopes belong to the raw collab transport.
func (s *chatSession) Deliver(roomID string, env core.Envelope) {
	switch env.Kind {
	case core.EventChatMessage:
		if p, err := env.AsChatMessage(); err == nil {
			_ = s.socket.Emit("chat:receive", p)
		}
	case core.EventChatTyping:
		if p, err := env.AsChatTyping(); err == nil {
			_ = s.socket.Emit("chat:typing", map[string]any{
				"roomId":   roomID,
				"username": p.Username,
				"isTyping": p.IsTyping,
			})
		}
	case core.EventUserJoined:
		if p, err := env.AsUserJoined(); err == nil {
			_ = s.socket.Emit("user-joined", map[string]any{
				"roomId": roomID,
				"user":   p.User,
			})
		}
	case core.EventUserLeft:
		if p, err := env.AsUserLeft(); err == nil {
			_ = s.socket.Emit("user-left", map[string]any{
				"roomId":    roomID,
				"sessionId": p.SessionID,
				"username":  p.Username,
			})
		}
	}
}

// SetupSocketIO builds the socket.io server carrying the chat channel.
// Sockets register with the relay registry so chat crosses processes via
// the bus, and join socket.io rooms so the disconnecting sweep knows
// their memberships.
func SetupSocketIO(reg *relay.Registry) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		sess := &chatSession{socket: socket}
		logrus.WithField("session_id", sess.ID()).Debug("Chat socket connected")

		socket.On("chat:join", func(datas ...any) {
			args := eventArg(datas)
			roomID := stringField(args, "roomId")
			username := stringField(args, "username")
			if roomID == "" || username == "" {
				return
			}

			sess.setUsername(username)
			socket.Join(socketio.Room(roomID))

			reg.Join(context.Background(), roomID, sess, core.RoomUser{
				SessionID: sess.ID(),
				Username:  username,
				Color:     core.ColorFor(sess.ID()),
				JoinedAt:  time.Now().UnixMilli(),
			})

			_ = socket.Emit("chat:history", map[string]any{
				"roomId":   roomID,
				"messages": reg.Chat.History(roomID),
			})
		})

		socket.On("chat:send", func(datas ...any) {
			args := eventArg(datas)
			roomID := stringField(args, "roomId")
			text := stringField(args, "message")
			if roomID == "" || text == "" {
				return
			}
			// A socket that never joined has no username; drop the event.
			if sess.Username() == "" {
				return
			}

			msg, ok := reg.Chat.Append(roomID, sess.Username(), text)
			if !ok {
				return
			}

			reg.Broadcast(roomID, core.NewChatMessage(sess.ID(), msg))
			// Broadcast excludes the origin; echo the stored message so
			// the sender sees its sanitized form.
			_ = socket.Emit("chat:receive", msg)
		})

		socket.On("chat:typing", func(datas ...any) {
			args := eventArg(datas)
			roomID := stringField(args, "roomId")
			if roomID == "" || sess.Username() == "" {
				return
			}

			isTyping := boolField(args, "isTyping")
			if reg.Chat.SetTyping(roomID, sess.Username(), sess.ID(), isTyping) {
				reg.Broadcast(roomID, core.NewChatTyping(sess.ID(), sess.Username(), isTyping))
			}
		})

		socket.On("chat:leave", func(datas ...any) {
			args := eventArg(datas)
			roomID := stringField(args, "roomId")
			if roomID == "" {
				return
			}

			socket.Leave(socketio.Room(roomID))
			reg.Leave(context.Background(), roomID, sess)
		})

		socket.On("disconnecting", func(datas ...any) {
			reg.Disconnect(context.Background(), sess)
		})

		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}

func eventArg(datas []any) map[string]any {
	if len(datas) == 0 {
		return nil
	}
	m, _ := datas[0].(map[string]any)
	return m
}

func stringField(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolField(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}
