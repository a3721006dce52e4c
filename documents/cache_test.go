package documents

import (
	"context"
	"testing"
	"time"

	"codecollab-server/core"
	"codecollab-server/stores/memory"
	"codecollab-server/tasks"
)

func newTestCache(t *testing.T) (*Cache, core.KVStore) {
	t.Helper()
	sched := tasks.NewScheduler()
	t.Cleanup(sched.Stop)
	store := memory.NewStore()
	return NewCache(store, sched), store
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	a := c.GetOrCreate(ctx, "r1", "python")
	b := c.GetOrCreate(ctx, "r1", "python")
	if a != b {
		t.Error("two sessions accessing the same key must share one document instance")
	}

	other := c.GetOrCreate(ctx, "r1", "go")
	if other == a {
		t.Error("different languages must have independent documents")
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	h := c.GetOrCreate(ctx, "r1", "python")
	if !c.ApplyUpdate(ctx, h, []byte("edit 1")) {
		t.Error("first apply should report a new update")
	}
	if c.ApplyUpdate(ctx, h, []byte("edit 1")) {
		t.Error("redundant apply should be a no-op")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	h := c.GetOrCreate(ctx, "r1", "python")
	c.ApplyUpdate(ctx, h, []byte("edit 1"))
	c.ApplyUpdate(ctx, h, []byte("edit 2"))
	c.Persist(ctx, h)

	if _, err := store.Get(ctx, "r1:python"); err != nil {
		t.Fatalf("expected a stored snapshot: %v", err)
	}

	// A fresh cache over the same store must restore the state.
	sched := tasks.NewScheduler()
	defer sched.Stop()
	reloaded := NewCache(store, sched)
	h2 := reloaded.GetOrCreate(ctx, "r1", "python")

	state := reloaded.State(h2)
	if len(state) == 0 {
		t.Fatal("reloaded document is empty")
	}
	if string(reloaded.State(h2)) != string(c.State(h)) {
		t.Error("reloaded document state differs from the persisted one")
	}
}

func TestEvictionPersistsAndDrops(t *testing.T) {
	c, store := newTestCache(t)
	c.evictAfter = 20 * time.Millisecond
	ctx := context.Background()

	h := c.GetOrCreate(ctx, "r1", "python")
	c.ApplyUpdate(ctx, h, []byte("edit 1"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, present := c.docs["r1:python"]
		c.mu.Unlock()
		if !present {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.mu.Lock()
	_, present := c.docs["r1:python"]
	c.mu.Unlock()
	if present {
		t.Fatal("idle document was not evicted")
	}
	if _, err := store.Get(ctx, "r1:python"); err != nil {
		t.Errorf("eviction should persist the snapshot first: %v", err)
	}
}

func TestDropRoomRemovesAllLanguages(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	hp := c.GetOrCreate(ctx, "r1", "python")
	hg := c.GetOrCreate(ctx, "r1", "go")
	c.ApplyUpdate(ctx, hp, []byte("python edit"))
	c.ApplyUpdate(ctx, hg, []byte("go edit"))
	c.GetOrCreate(ctx, "r2", "python")

	c.DropRoom(ctx, "r1")

	c.mu.Lock()
	_, p := c.docs["r1:python"]
	_, g := c.docs["r1:go"]
	_, other := c.docs["r2:python"]
	c.mu.Unlock()

	if p || g {
		t.Error("DropRoom left instances of the dropped room in memory")
	}
	if !other {
		t.Error("DropRoom must not touch other rooms")
	}
	if _, err := store.Get(ctx, "r1:python"); err != nil {
		t.Errorf("DropRoom should persist before dropping: %v", err)
	}
}

func TestStoreFailureDegradesToMiss(t *testing.T) {
	sched := tasks.NewScheduler()
	defer sched.Stop()
	c := NewCache(&failingStore{}, sched)
	ctx := context.Background()

	h := c.GetOrCreate(ctx, "r1", "python")
	if !c.ApplyUpdate(ctx, h, []byte("edit 1")) {
		t.Error("in-memory document must stay usable when the store is down")
	}
	c.Persist(ctx, h)

	h.mu.Lock()
	dirty := h.dirty
	h.mu.Unlock()
	if !dirty {
		t.Error("failed persist should leave the document dirty")
	}
}

type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, context.DeadlineExceeded
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return context.DeadlineExceeded
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return context.DeadlineExceeded
}

func (f *failingStore) SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	return context.DeadlineExceeded
}

func (f *failingStore) Fields(ctx context.Context, key string) (map[string][]byte, error) {
	return nil, context.DeadlineExceeded
}

func (f *failingStore) DeleteField(ctx context.Context, key, field string) (int, error) {
	return 0, context.DeadlineExceeded
}

func (f *failingStore) Close() error { return nil }
