package core

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the envelope variants that travel over the broadcast
// bus. The set is closed; dispatch sites switch over it and pass unknown
// kinds through to sessions unchanged.
type EventKind string

const (
	EventDocUpdate   EventKind = "doc-update"
	EventAwareness   EventKind = "awareness"
	EventUserJoined  EventKind = "user-joined"
	EventUserLeft    EventKind = "user-left"
	EventChatMessage EventKind = "chat-message"
	EventChatTyping  EventKind = "chat-typing"
)

// Envelope is one message on a room's bus channel. The room is implicit in
// the channel the envelope travels on. Origin carries the session id that
// produced the event so subscribers can suppress the echo; Instance is
// stamped by the publishing server so a process can drop its own envelopes
// coming back off the bus.
type Envelope struct {
	Kind      EventKind       `json:"kind"`
	Origin    string          `json:"origin,omitempty"`
	Instance  string          `json:"instance,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type (
	// DocUpdate carries one opaque document update. The update bytes are
	// base64-encoded by encoding/json on the text-oriented bus channel.
	DocUpdate struct {
		Language string `json:"language"`
		Update   []byte `json:"update"`
	}

	// Awareness carries ephemeral cursor/selection state. It is relayed
	// verbatim and never persisted.
	Awareness struct {
		SessionID string          `json:"sessionId"`
		State     json.RawMessage `json:"state"`
	}

	UserJoined struct {
		User RoomUser `json:"user"`
	}

	UserLeft struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
	}

	ChatTyping struct {
		Username string `json:"username"`
		IsTyping bool   `json:"isTyping"`
	}
)

func newEnvelope(kind EventKind, origin string, payload any) Envelope {
	// Payloads are our own structs; marshaling them cannot fail.
	data, _ := json.Marshal(payload)
	return Envelope{
		Kind:      kind,
		Origin:    origin,
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}
}

func NewDocUpdate(origin, language string, update []byte) Envelope {
	return newEnvelope(EventDocUpdate, origin, DocUpdate{Language: language, Update: update})
}

func NewAwareness(origin string, state json.RawMessage) Envelope {
	return newEnvelope(EventAwareness, origin, Awareness{SessionID: origin, State: state})
}

func NewUserJoined(origin string, user RoomUser) Envelope {
	return newEnvelope(EventUserJoined, origin, UserJoined{User: user})
}

func NewUserLeft(origin, username string) Envelope {
	return newEnvelope(EventUserLeft, origin, UserLeft{SessionID: origin, Username: username})
}

func NewChatMessage(origin string, msg ChatMessage) Envelope {
	return newEnvelope(EventChatMessage, origin, msg)
}

func NewChatTyping(origin, username string, isTyping bool) Envelope {
	return newEnvelope(EventChatTyping, origin, ChatTyping{Username: username, IsTyping: isTyping})
}

func (e Envelope) AsDocUpdate() (DocUpdate, error) {
	var p DocUpdate
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) AsAwareness() (Awareness, error) {
	var p Awareness
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) AsUserJoined() (UserJoined, error) {
	var p UserJoined
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) AsUserLeft() (UserLeft, error) {
	var p UserLeft
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) AsChatMessage() (ChatMessage, error) {
	var p ChatMessage
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Envelope) AsChatTyping() (ChatTyping, error) {
	var p ChatTyping
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
