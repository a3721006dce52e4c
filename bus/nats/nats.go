// Package nats implements the broadcast bus over a NATS deployment, one
// subject per room. NATS guarantees per-publisher ordering on a subject,
// which is exactly the bus's delivery contract.
package nats

import (
	"encoding/json"
	"sync"

	"codecollab-server/core"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const subjectPrefix = "room.events."

type Bus struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func New(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("codecollab-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, subs: make(map[string]*nats.Subscription)}, nil
}

func subject(roomID string) string {
	return subjectPrefix + roomID
}

func (b *Bus) Publish(roomID string, env core.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to marshal bus envelope, dropping event")
		return
	}
	if err := b.nc.Publish(subject(roomID), data); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"kind":    env.Kind,
		}).Error("Bus publish failed, dropping event")
	}
}

func (b *Bus) Subscribe(roomID string, fn func(core.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[roomID]; ok {
		return
	}

	sub, err := b.nc.Subscribe(subject(roomID), func(m *nats.Msg) {
		var env core.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Discarding malformed bus envelope")
			return
		}
		fn(env)
	})
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Bus subscribe failed, continuing without cross-instance fan-out")
		return
	}
	b.subs[roomID] = sub
}

func (b *Bus) Unsubscribe(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[roomID]
	if !ok {
		return
	}
	delete(b.subs, roomID)
	if err := sub.Unsubscribe(); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Bus unsubscribe failed")
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	for roomID, sub := range b.subs {
		delete(b.subs, roomID)
		_ = sub.Unsubscribe()
	}
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
