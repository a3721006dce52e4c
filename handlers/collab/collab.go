package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"codecollab-server/core"
	"codecollab-server/relay"
)

// Binary frame opcodes. The first byte of every binary frame selects the
// payload; the rest is raw update or state bytes.
const (
	opUpdate byte = 0x00
	opSync   byte = 0x01
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 15 * time.Second

	// sendBuffer bounds the per-session outbound queue. Deliveries past
	// the bound are dropped rather than blocking the fan-out path.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is the envelope of every inbound text frame.
type clientMessage struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	Username string          `json:"username,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
}

type outbound struct {
	messageType int
	data        []byte
}

// Handler upgrades raw WebSocket connections and runs one session per
// connection. The room id comes from the request path, the document
// language from the `language` query parameter.
type Handler struct {
	reg *relay.Registry
}

func NewHandler(reg *relay.Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	roomID := strings.Trim(r.URL.Path, "/")
	if roomID == "" || strings.Contains(roomID, "/") {
		closeWith(conn, websocket.ClosePolicyViolation, "room id required")
		conn.Close()
		return
	}

	language := r.URL.Query().Get("language")
	if language == "" {
		language = "plaintext"
	}

	s := &session{
		id:       ulid.Make().String(),
		roomID:   roomID,
		language: language,
		conn:     conn,
		reg:      h.reg,
		send:     make(chan outbound, sendBuffer),
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"room_id":    roomID,
		"language":   language,
	}).Info("Collab session opened")

	go s.writePump()
	s.readPump()
}

// session is one raw WebSocket connection bound to a single room.
type session struct {
	id       string
	roomID   string
	language string
	conn     *websocket.Conn
	reg      *relay.Registry

	send chan outbound

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	username string
	joined   bool
}

func (s *session) ID() string { return s.id }

func (s *session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Deliver queues an envelope for the client. It never blocks: a session
// that cannot drain its queue loses deliveries instead of stalling the
// room fan-out.
func (s *session) Deliver(roomID string, env core.Envelope) {
	if roomID != s.roomID {
		return
	}

	frame, ok := s.encode(env)
	if !ok {
		return
	}

	select {
	case s.send <- frame:
	case <-s.done:
	default:
		logrus.WithFields(logrus.Fields{
			"session_id": s.id,
			"room_id":    roomID,
			"kind":       string(env.Kind),
		}).Warn("Dropping delivery for slow collab session")
	}
}

func (s *session) encode(env core.Envelope) (outbound, bool) {
	switch env.Kind {
	case core.EventDocUpdate:
		p, err := env.AsDocUpdate()
		if err != nil || p.Language != s.language {
			return outbound{}, false
		}
		return outbound{websocket.BinaryMessage, append([]byte{opUpdate}, p.Update...)}, true
	case core.EventAwareness:
		p, err := env.AsAwareness()
		if err != nil {
			return outbound{}, false
		}
		return textFrame(map[string]any{
			"type":      "awareness",
			"sessionId": p.SessionID,
			"state":     p.State,
		})
	case core.EventUserJoined:
		p, err := env.AsUserJoined()
		if err != nil {
			return outbound{}, false
		}
		return textFrame(map[string]any{"type": "user-joined", "user": p.User})
	case core.EventUserLeft:
		p, err := env.AsUserLeft()
		if err != nil {
			return outbound{}, false
		}
		return textFrame(map[string]any{
			"type":      "user-left",
			"sessionId": p.SessionID,
			"username":  p.Username,
		})
	case core.EventChatMessage:
		p, err := env.AsChatMessage()
		if err != nil {
			return outbound{}, false
		}
		return textFrame(map[string]any{"type": "chat", "message": p})
	case core.EventChatTyping:
		p, err := env.AsChatTyping()
		if err != nil {
			return outbound{}, false
		}
		return textFrame(map[string]any{
			"type":     "typing",
			"username": p.Username,
			"isTyping": p.IsTyping,
		})
	}
	return outbound{}, false
}

func textFrame(payload map[string]any) (outbound, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		return outbound{}, false
	}
	return outbound{websocket.TextMessage, data}, true
}

func (s *session) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": s.id,
				"room_id":    s.roomID,
				"panic":      r,
			}).Error("Collab session panicked")
			closeWith(s.conn, websocket.CloseInternalServerErr, "internal error")
		}
		s.teardown()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).WithField("session_id", s.id).Debug("Collab read ended")
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *session) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid_message", "message is not valid JSON")
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case "join-room":
		if msg.RoomID == "" || msg.Username == "" {
			return
		}
		s.handleJoin(ctx, msg.Username)
	case "leave-room":
		if msg.RoomID == "" {
			return
		}
		s.handleLeave(ctx)
	case "request-sync":
		s.sendState(ctx)
	case "awareness":
		if !s.hasJoined() {
			return
		}
		s.reg.Broadcast(s.roomID, core.NewAwareness(s.id, msg.State))
	default:
		s.sendError("invalid_message", "unknown message type: "+msg.Type)
	}
}

func (s *session) handleJoin(ctx context.Context, username string) {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = true
	s.username = username
	s.mu.Unlock()

	user := core.RoomUser{
		SessionID: s.id,
		Username:  username,
		Color:     core.ColorFor(s.id),
		JoinedAt:  time.Now().UnixMilli(),
	}
	s.reg.Join(ctx, s.roomID, s, user)

	if frame, ok := textFrame(map[string]any{
		"type":  "users",
		"users": s.reg.Presence.GetUsers(ctx, s.roomID),
	}); ok {
		s.enqueue(frame)
	}
	s.sendState(ctx)
}

func (s *session) handleLeave(ctx context.Context) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = false
	s.mu.Unlock()

	s.reg.Leave(ctx, s.roomID, s)
}

func (s *session) handleBinary(data []byte) {
	if len(data) == 0 {
		s.sendError("invalid_message", "empty binary frame")
		return
	}
	if !s.hasJoined() {
		return
	}

	switch data[0] {
	case opUpdate:
		update := data[1:]
		if len(update) == 0 {
			return
		}
		ctx := context.Background()
		h := s.reg.Docs.GetOrCreate(ctx, s.roomID, s.language)
		if s.reg.Docs.ApplyUpdate(ctx, h, update) {
			s.reg.Broadcast(s.roomID, core.NewDocUpdate(s.id, s.language, update))
		}
	default:
		s.sendError("invalid_message", "unknown binary opcode")
	}
}

func (s *session) sendState(ctx context.Context) {
	h := s.reg.Docs.GetOrCreate(ctx, s.roomID, s.language)
	state := s.reg.Docs.State(h)
	s.enqueue(outbound{websocket.BinaryMessage, append([]byte{opSync}, state...)})
}

func (s *session) sendError(errorType, message string) {
	if frame, ok := textFrame(map[string]any{
		"type":      "error",
		"errorType": errorType,
		"message":   message,
	}); ok {
		s.enqueue(frame)
	}
}

func (s *session) enqueue(frame outbound) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
	}
}

func (s *session) hasJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.reg.Disconnect(context.Background(), s)
		s.conn.Close()
		logrus.WithFields(logrus.Fields{
			"session_id": s.id,
			"room_id":    s.roomID,
		}).Info("Collab session closed")
	})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
