// Package tasks provides the cancellable one-shot timers shared by document
// eviction, persist debouncing and typing expiry. Scheduling a key that
// already has a pending timer supersedes it.
package tasks

import (
	"sync"
	"time"
)

type Scheduler struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]uint64
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[string]uint64),
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule arms fn to run after d. A pending timer for the same key is
// superseded. fn runs on its own goroutine, outside the scheduler lock.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.seq++
	id := s.seq
	s.pending[key] = id
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.stopped || s.pending[key] != id {
			// Superseded or canceled between firing and acquiring the lock.
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel disarms the pending timer for key, reporting whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	delete(s.pending, key)
	return true
}

// Stop disarms every pending timer. The scheduler accepts no further work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
		delete(s.pending, key)
	}
}
