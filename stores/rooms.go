package stores

import (
	"context"
	"encoding/json"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

// metadataTTL bounds how long an untouched room's metadata survives.
const metadataTTL = 24 * time.Hour

type roomStore struct {
	kv core.KVStore
}

// NewRoomStore returns a RoomStore layered over the shared KV backend,
// keyed room:{id}:metadata.
func NewRoomStore(kv core.KVStore) core.RoomStore {
	return &roomStore{kv: kv}
}

func metadataKey(id string) string {
	return "room:" + id + ":metadata"
}

func (s *roomStore) Create(ctx context.Context, room *core.Room) error {
	now := time.Now()
	room.CreatedAt = now
	room.LastActive = now

	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, metadataKey(room.ID), data, metadataTTL); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).Error("Failed to create room metadata")
		return err
	}
	return nil
}

func (s *roomStore) Get(ctx context.Context, id string) (*core.Room, error) {
	data, err := s.kv.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, err
	}

	var room core.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}

	// Reading a room counts as activity and refreshes the metadata TTL.
	room.LastActive = time.Now()
	if refreshed, err := json.Marshal(&room); err == nil {
		if err := s.kv.Set(ctx, metadataKey(id), refreshed, metadataTTL); err != nil {
			logrus.WithError(err).WithField("room_id", id).Warn("Failed to refresh room metadata TTL")
		}
	}
	return &room, nil
}

func (s *roomStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, metadataKey(id))
}
