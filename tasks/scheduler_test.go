package tasks

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never fired")
	}
}

func TestScheduleSupersedes(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("k", 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("superseded task still fired")
	}
	if second.Load() != 1 {
		t.Errorf("expected the superseding task to fire once, fired %d times", second.Load())
	}
}

func TestCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	if !s.Cancel("k") {
		t.Error("Cancel should report an existing timer")
	}
	if s.Cancel("k") {
		t.Error("second Cancel should report no timer")
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("canceled task still fired")
	}
}

func TestStopDisarmsAll(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()

	// Scheduling after Stop is a no-op.
	s.Schedule("c", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("tasks fired after Stop: %d", fired.Load())
	}
}
