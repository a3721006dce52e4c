// Package chat keeps the ephemeral per-room chat state: a last-N history
// ring and the typing-indicator debounce. Nothing here is persisted; chat
// history lives exactly as long as the room has sessions on this instance.
package chat

import (
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	"codecollab-server/core"
	"codecollab-server/tasks"

	"github.com/oklog/ulid/v2"
)

const (
	maxHistory    = 100
	maxMessageLen = 2000

	defaultTypingWindow = 3 * time.Second
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitize strips markup tags, decodes entities, trims whitespace and caps
// the length. An empty result means the message should be rejected.
func Sanitize(text string) string {
	clean := tagPattern.ReplaceAllString(text, "")
	clean = html.UnescapeString(clean)
	clean = strings.TrimSpace(clean)
	if runes := []rune(clean); len(runes) > maxMessageLen {
		clean = string(runes[:maxMessageLen])
	}
	return clean
}

type Relay struct {
	sched *tasks.Scheduler

	// typingWindow is how long a typing state survives without a refresh.
	typingWindow time.Duration

	// onExpire is invoked when a typing state times out; the registry
	// broadcasts the isTyping:false event from it, with the recorded
	// session as the origin.
	onExpire func(roomID, username, sessionID string)

	mu      sync.Mutex
	history map[string][]core.ChatMessage
	typing  map[string]map[string]string // roomID -> username -> sessionID
}

func NewRelay(sched *tasks.Scheduler, onExpire func(roomID, username, sessionID string)) *Relay {
	return &Relay{
		sched:        sched,
		typingWindow: defaultTypingWindow,
		onExpire:     onExpire,
		history:      make(map[string][]core.ChatMessage),
		typing:       make(map[string]map[string]string),
	}
}

// SetTypingWindow overrides how long a typing signal stays live without
// a refresh. It only affects signals set after the call.
func (r *Relay) SetTypingWindow(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typingWindow = d
}

func typingKey(roomID, username string) string {
	return "typing:" + roomID + ":" + username
}

// Append sanitizes and stores a new chat line, trimming the ring buffer.
// It reports false for messages without a username or that sanitize to
// nothing. Sending a
// message supersedes the sender's typing signal, so any pending indicator
// is cleared without a separate broadcast.
func (r *Relay) Append(roomID, username, text string) (core.ChatMessage, bool) {
	if username == "" {
		return core.ChatMessage{}, false
	}
	clean := Sanitize(text)
	if clean == "" {
		return core.ChatMessage{}, false
	}

	msg := core.ChatMessage{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		Username:  username,
		Message:   clean,
		Timestamp: time.Now().UnixMilli(),
	}
	r.Ingest(msg)
	r.ClearTyping(roomID, username)
	return msg, true
}

// Ingest appends an already-formed message, oldest trimmed beyond the cap.
// Remote messages arriving over the bus take this path so histories
// converge across instances.
func (r *Relay) Ingest(msg core.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := append(r.history[msg.RoomID], msg)
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	r.history[msg.RoomID] = msgs
}

// History returns the room's buffered messages, oldest first.
func (r *Relay) History(roomID string) []core.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]core.ChatMessage, len(r.history[roomID]))
	copy(msgs, r.history[roomID])
	return msgs
}

// SetTyping applies one keystroke or stop event and reports whether the
// transition should be broadcast. A keystroke re-arms the expiry timer; the
// timer firing invokes onExpire exactly once for that typing episode.
func (r *Relay) SetTyping(roomID, username, sessionID string, isTyping bool) bool {
	r.mu.Lock()
	_, was := r.typing[roomID][username]
	if isTyping {
		if r.typing[roomID] == nil {
			r.typing[roomID] = make(map[string]string)
		}
		r.typing[roomID][username] = sessionID
	} else {
		r.clearLocked(roomID, username)
	}
	window := r.typingWindow
	r.mu.Unlock()

	if isTyping {
		r.sched.Schedule(typingKey(roomID, username), window, func() {
			if r.clear(roomID, username) {
				r.onExpire(roomID, username, sessionID)
			}
		})
		return !was
	}

	r.sched.Cancel(typingKey(roomID, username))
	return was
}

// ClearTyping force-clears a user's typing state without notification,
// reporting whether one was in flight. Used on message send and leave.
func (r *Relay) ClearTyping(roomID, username string) bool {
	r.sched.Cancel(typingKey(roomID, username))
	return r.clear(roomID, username)
}

func (r *Relay) clear(roomID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearLocked(roomID, username)
}

func (r *Relay) clearLocked(roomID, username string) bool {
	users, ok := r.typing[roomID]
	if !ok {
		return false
	}
	if _, active := users[username]; !active {
		return false
	}
	delete(users, username)
	if len(users) == 0 {
		delete(r.typing, roomID)
	}
	return true
}

// DropRoom forgets the room's history and typing state once it has no
// sessions left.
func (r *Relay) DropRoom(roomID string) {
	r.mu.Lock()
	users := r.typing[roomID]
	delete(r.typing, roomID)
	delete(r.history, roomID)
	r.mu.Unlock()

	for username := range users {
		r.sched.Cancel(typingKey(roomID, username))
	}
}
