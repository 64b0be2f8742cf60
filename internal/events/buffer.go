package events

import "sync"

// RingBuffer keeps the most recent events for late-joining subscribers and
// the /events endpoint.
type RingBuffer struct {
	mu     sync.RWMutex
	cap    int
	events []Event
	next   int
	full   bool
}

func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		cap:    capacity,
		events: make([]Event, capacity),
	}
}

func (rb *RingBuffer) Add(e Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.next] = e
	rb.next = (rb.next + 1) % rb.cap
	if rb.next == 0 {
		rb.full = true
	}
}

// Snapshot returns the buffered events oldest-first.
func (rb *RingBuffer) Snapshot() []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		return append([]Event{}, rb.events[:rb.next]...)
	}
	out := make([]Event, 0, rb.cap)
	out = append(out, rb.events[rb.next:]...)
	out = append(out, rb.events[:rb.next]...)
	return out
}

func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.next = 0
	rb.full = false
	rb.events = make([]Event, rb.cap)
}
