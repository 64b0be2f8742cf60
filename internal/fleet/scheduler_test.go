package fleet

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFires(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Int32
	s.After("a", 10*time.Millisecond, func() { fired.Add(1) })

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Pending("a") != 0 {
		t.Errorf("expected no pending tasks after firing")
	}
}

func TestSchedulerCancelOwner(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Int32
	s.After("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.After("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.After("b", 20*time.Millisecond, func() { fired.Add(100) })

	s.Cancel("a")
	if s.Pending("a") != 0 {
		t.Errorf("expected a's tasks cancelled")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 100 {
		t.Errorf("expected only b's task to fire, counter = %d", got)
	}
}

func TestSchedulerClose(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	s.After("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Close()

	// Scheduling after close is a no-op.
	s.After("a", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no tasks to fire after close")
	}
}
