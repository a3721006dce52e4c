// Package presence tracks which sessions are in which rooms, in the durable
// store rather than process memory, so every relay instance sees the same
// picture and entries expire on their own if an instance dies.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

const defaultTTL = time.Hour

type Directory struct {
	store core.KVStore
	ttl   time.Duration
}

func NewDirectory(store core.KVStore) *Directory {
	return &Directory{store: store, ttl: defaultTTL}
}

func usersKey(roomID string) string {
	return "room:" + roomID + ":users"
}

func roomsKey(sessionID string) string {
	return "session:" + sessionID + ":rooms"
}

// AddUser records the session under the room's user set and in the
// session's reverse index, refreshing both TTLs. Backend failures are
// logged and swallowed; presence degrades rather than blocking a join.
func (d *Directory) AddUser(ctx context.Context, roomID, sessionID string, user core.RoomUser) {
	data, _ := json.Marshal(user)
	if err := d.store.SetField(ctx, usersKey(roomID), sessionID, data, d.ttl); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":    roomID,
			"session_id": sessionID,
		}).Error("Presence write failed")
		return
	}
	if err := d.store.SetField(ctx, roomsKey(sessionID), roomID, []byte("1"), d.ttl); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Presence reverse index write failed")
	}
}

// RemoveUser deletes the session from the room's user set and reports
// whether the set is now empty. On backend failure it reports false: a
// room is only ever torn down on a confirmed empty set.
func (d *Directory) RemoveUser(ctx context.Context, roomID, sessionID string) bool {
	remaining, err := d.store.DeleteField(ctx, usersKey(roomID), sessionID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":    roomID,
			"session_id": sessionID,
		}).Error("Presence removal failed")
		return false
	}
	if _, err := d.store.DeleteField(ctx, roomsKey(sessionID), roomID); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Warn("Presence reverse index cleanup failed")
	}
	return remaining == 0
}

// GetUsers returns the room's current presence entries, oldest join first.
// Degrades to empty on backend failure.
func (d *Directory) GetUsers(ctx context.Context, roomID string) []core.RoomUser {
	fields, err := d.store.Fields(ctx, usersKey(roomID))
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Presence read failed")
		return nil
	}

	users := make([]core.RoomUser, 0, len(fields))
	for sessionID, data := range fields {
		var user core.RoomUser
		if err := json.Unmarshal(data, &user); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("Discarding corrupt presence entry")
			continue
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt != users[j].JoinedAt {
			return users[i].JoinedAt < users[j].JoinedAt
		}
		return users[i].SessionID < users[j].SessionID
	})
	return users
}

// HandleDisconnect removes the session from every room it was in and
// returns the rooms that became empty as a result. This is the sole signal
// for tearing down a room's document cache entry and bus subscription.
func (d *Directory) HandleDisconnect(ctx context.Context, sessionID string) []string {
	fields, err := d.store.Fields(ctx, roomsKey(sessionID))
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Presence disconnect lookup failed")
		return nil
	}

	var emptied []string
	for roomID := range fields {
		if d.RemoveUser(ctx, roomID, sessionID) {
			emptied = append(emptied, roomID)
		}
	}
	if err := d.store.Delete(ctx, roomsKey(sessionID)); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Warn("Presence reverse index delete failed")
	}
	return emptied
}
