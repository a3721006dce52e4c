package core

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// ErrNotFound is returned by stores when a key is absent or has expired.
var ErrNotFound = errors.New("not found")

// userColors is the cursor palette. Colors are assigned per session so the
// same user gets a stable color for the lifetime of a connection.
var userColors = []string{
	"#f44336", "#e91e63", "#9c27b0", "#673ab7", "#3f51b5",
	"#2196f3", "#00bcd4", "#009688", "#4caf50", "#ff9800",
}

// ColorFor picks a palette color deterministically from a session id.
func ColorFor(sessionID string) string {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return userColors[h.Sum32()%uint32(len(userColors))]
}

type (
	// Room is the metadata record for a collaboration space. The relay only
	// ever references rooms by id; this record belongs to the rooms API.
	Room struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		Language   string    `json:"language"`
		Private    bool      `json:"private"`
		CreatedAt  time.Time `json:"createdAt"`
		LastActive time.Time `json:"lastActive"`
	}

	// RoomStore defines the persistence layer for room metadata.
	RoomStore interface {
		Create(ctx context.Context, room *Room) error

		// Get returns the room and refreshes its metadata TTL.
		Get(ctx context.Context, id string) (*Room, error)

		Delete(ctx context.Context, id string) error
	}

	// RoomUser is a single presence entry: one session of one user in one room.
	RoomUser struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
		Color     string `json:"color"`
		JoinedAt  int64  `json:"joinedAt"`
	}

	// ChatMessage is one sanitized chat line in a room's history buffer.
	ChatMessage struct {
		ID        string `json:"id"`
		RoomID    string `json:"roomId"`
		Username  string `json:"username"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}

	// KVStore is the durable backend shared by document snapshots, presence
	// sets and room metadata. Keys either hold a single value or a set of
	// named fields; every field write refreshes the TTL of the whole key.
	// A ttl of zero means the key does not expire.
	KVStore interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Delete(ctx context.Context, key string) error

		SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error
		Fields(ctx context.Context, key string) (map[string][]byte, error)

		// DeleteField removes one field and reports how many fields remain
		// under the key.
		DeleteField(ctx context.Context, key, field string) (int, error)

		Close() error
	}
)
