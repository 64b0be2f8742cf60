package fleet

import (
	"sync"
	"time"
)

// Scheduler runs delayed callbacks grouped by owner. Every wait an agent
// performs (route retry, lane poll, traversal, charge tick) is a scheduled
// task owned by that agent, so despawn and goal preemption can cancel all
// of an agent's pending work deterministically.
type Scheduler struct {
	mu     sync.Mutex
	closed bool
	tasks  map[string]map[*time.Timer]struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]map[*time.Timer]struct{}),
	}
}

// After schedules fn to run once after d, owned by owner. The callback is
// dropped if the owner is cancelled or the scheduler closed before it fires.
func (s *Scheduler) After(owner string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		owned, ok := s.tasks[owner]
		if ok {
			_, ok = owned[t]
		}
		if ok {
			delete(owned, t)
			if len(owned) == 0 {
				delete(s.tasks, owner)
			}
		}
		s.mu.Unlock()
		if !ok {
			// Cancelled between firing and acquiring the lock.
			return
		}
		fn()
	})

	if s.tasks[owner] == nil {
		s.tasks[owner] = make(map[*time.Timer]struct{})
	}
	s.tasks[owner][t] = struct{}{}
}

// Cancel stops every pending task belonging to owner.
func (s *Scheduler) Cancel(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.tasks[owner] {
		t.Stop()
	}
	delete(s.tasks, owner)
}

// Pending returns the number of pending tasks for owner.
func (s *Scheduler) Pending(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[owner])
}

// Close cancels all tasks and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for owner, owned := range s.tasks {
		for t := range owned {
			t.Stop()
		}
		delete(s.tasks, owner)
	}
}
