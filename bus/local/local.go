// Package local implements the broadcast bus inside a single process. It
// backs single-instance deployments and tests; multi-instance deployments
// use the NATS bus.
package local

import (
	"sync"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

// queueSize bounds the per-room delivery queue. Publishing to a full queue
// drops the event, matching the bus's best-effort contract.
const queueSize = 256

type subscription struct {
	ch chan core.Envelope
}

type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

func (b *Bus) Publish(roomID string, env core.Envelope) {
	// The read lock is held across the send so Unsubscribe cannot close the
	// channel mid-publish.
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subs[roomID]
	if !ok {
		return
	}
	select {
	case sub.ch <- env:
	default:
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"kind":    env.Kind,
		}).Warn("Bus queue full, dropping event")
	}
}

func (b *Bus) Subscribe(roomID string, fn func(core.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[roomID]; ok {
		return
	}
	sub := &subscription{ch: make(chan core.Envelope, queueSize)}
	b.subs[roomID] = sub

	// One drain goroutine per room keeps delivery FIFO.
	go func() {
		for env := range sub.ch {
			fn(env)
		}
	}()
}

func (b *Bus) Unsubscribe(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[roomID]
	if !ok {
		return
	}
	delete(b.subs, roomID)
	close(sub.ch)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for roomID, sub := range b.subs {
		delete(b.subs, roomID)
		close(sub.ch)
	}
}
