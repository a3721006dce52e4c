// Package documents owns the in-memory replica of each room's shared
// document. Exactly one instance exists per (room, language) key per
// process; the durable snapshot store only sees debounced full-state
// writes, and idle documents are persisted and evicted.
package documents

import (
	"context"
	"sync"
	"time"

	"codecollab-server/core"
	"codecollab-server/crdt"
	"codecollab-server/tasks"

	"github.com/sirupsen/logrus"
)

const (
	defaultSnapshotTTL  = time.Hour
	defaultPersistDelay = 2 * time.Second
	defaultEvictAfter   = 5 * time.Minute
)

// Handle is the per-key cache entry. The mutex serializes every access to
// the document: merges are commutative, but the instance is mutated in
// place, so writers for the same key take turns within the process.
type Handle struct {
	Key      string
	RoomID   string
	Language string

	mu     sync.Mutex
	doc    *crdt.Doc
	loaded bool
	dirty  bool
}

type Cache struct {
	store core.KVStore
	sched *tasks.Scheduler

	snapshotTTL  time.Duration
	persistDelay time.Duration
	evictAfter   time.Duration

	mu   sync.Mutex
	docs map[string]*Handle
}

func NewCache(store core.KVStore, sched *tasks.Scheduler) *Cache {
	return &Cache{
		store:        store,
		sched:        sched,
		snapshotTTL:  defaultSnapshotTTL,
		persistDelay: defaultPersistDelay,
		evictAfter:   defaultEvictAfter,
		docs:         make(map[string]*Handle),
	}
}

func snapshotKey(roomID, language string) string {
	return roomID + ":" + language
}

// GetOrCreate returns the room's document for a language, constructing it
// from the durable snapshot on first access. Concurrent callers for the
// same key always receive the same instance. Every access re-arms the
// inactivity eviction timer.
func (c *Cache) GetOrCreate(ctx context.Context, roomID, language string) *Handle {
	key := snapshotKey(roomID, language)

	c.mu.Lock()
	h, ok := c.docs[key]
	if !ok {
		h = &Handle{Key: key, RoomID: roomID, Language: language, doc: crdt.NewDoc()}
		c.docs[key] = h
	}
	c.mu.Unlock()

	h.mu.Lock()
	if !h.loaded {
		h.loaded = true
		c.loadSnapshot(ctx, h)
	}
	h.mu.Unlock()

	c.touch(key)
	return h
}

// loadSnapshot merges the stored snapshot into an empty document. Store
// failures degrade to a cache miss: the fresh in-memory document is
// authoritative until the backend recovers. Callers hold h.mu.
func (c *Cache) loadSnapshot(ctx context.Context, h *Handle) {
	snap, err := c.store.Get(ctx, h.Key)
	if err != nil {
		if err != core.ErrNotFound {
			logrus.WithError(err).WithField("doc_key", h.Key).Warn("Snapshot load failed, starting empty")
		}
		return
	}
	if err := h.doc.ApplyState(snap); err != nil {
		logrus.WithError(err).WithField("doc_key", h.Key).Warn("Corrupt snapshot, starting empty")
		return
	}
	logrus.WithFields(logrus.Fields{
		"doc_key": h.Key,
		"updates": h.doc.Len(),
	}).Debug("Document restored from snapshot")
}

// ApplyUpdate merges one update into the document and reports whether it
// was new. New updates schedule a debounced persist.
func (c *Cache) ApplyUpdate(ctx context.Context, h *Handle, update []byte) bool {
	h.mu.Lock()
	fresh := h.doc.ApplyUpdate(update)
	if fresh {
		h.dirty = true
	}
	h.mu.Unlock()

	if fresh {
		c.sched.Schedule("persist:"+h.Key, c.persistDelay, func() {
			c.Persist(context.Background(), h)
		})
	}
	c.touch(h.Key)
	return fresh
}

// State returns the document's full-state encoding, for sync requests.
func (c *Cache) State(h *Handle) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.EncodeState()
}

// Persist writes the full state to the snapshot store. A write failure
// leaves the document dirty and in memory; nothing is retried beyond the
// next natural persist.
func (c *Cache) Persist(ctx context.Context, h *Handle) {
	h.mu.Lock()
	state := h.doc.EncodeState()
	h.dirty = false
	h.mu.Unlock()

	if err := c.store.Set(ctx, h.Key, state, c.snapshotTTL); err != nil {
		logrus.WithError(err).WithField("doc_key", h.Key).Error("Snapshot write failed, keeping document in memory")
		h.mu.Lock()
		h.dirty = true
		h.mu.Unlock()
		return
	}
	logrus.WithFields(logrus.Fields{
		"doc_key": h.Key,
		"bytes":   len(state),
	}).Debug("Document snapshot persisted")
}

// touch re-arms the inactivity eviction timer for a key.
func (c *Cache) touch(key string) {
	c.sched.Schedule("evict:"+key, c.evictAfter, func() {
		c.evict(key)
	})
}

func (c *Cache) evict(key string) {
	c.mu.Lock()
	h, ok := c.docs[key]
	if ok {
		delete(c.docs, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.sched.Cancel("persist:" + key)
	c.Persist(context.Background(), h)
	logrus.WithField("doc_key", key).Debug("Idle document evicted")
}

// DropRoom persists and removes every language instance of a room. Called
// when the room's presence set empties.
func (c *Cache) DropRoom(ctx context.Context, roomID string) {
	c.mu.Lock()
	var dropped []*Handle
	for key, h := range c.docs {
		if h.RoomID == roomID {
			dropped = append(dropped, h)
			delete(c.docs, key)
		}
	}
	c.mu.Unlock()

	for _, h := range dropped {
		c.sched.Cancel("persist:" + h.Key)
		c.sched.Cancel("evict:" + h.Key)
		c.Persist(ctx, h)
	}
}

// FlushAll persists every dirty document. Shutdown path.
func (c *Cache) FlushAll(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.docs))
	for _, h := range c.docs {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		dirty := h.dirty
		h.mu.Unlock()
		if dirty {
			c.Persist(ctx, h)
		}
	}
}
