package traffic

import (
	"fmt"
	"strings"
	"sync"
)

// Reservation is one holder's claim on a lane over [Start, End).
type Reservation struct {
	Holder string  `json:"holder"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
}

// LaneRequest names one lane interval, used for multi-lane commits.
type LaneRequest struct {
	LaneID string
	Start  float64
	End    float64
}

type waitEntry struct {
	holder  string
	arrival float64
}

// Store is the single source of truth for lane occupancy over time. All
// methods are safe for concurrent use; one mutex guards the whole store so
// the opposite-lane check always sees a consistent view of both identities.
type Store struct {
	mu           sync.Mutex
	now          float64
	reservations map[string][]Reservation
	waiting      map[string][]waitEntry

	granted uint64
	denied  uint64
}

// NewStore creates an empty reservation store with its clock at zero.
func NewStore() *Store {
	return &Store{
		reservations: make(map[string][]Reservation),
		waiting:      make(map[string][]waitEntry),
	}
}

// LaneID returns the canonical directed key for a lane.
func LaneID(from, to string) string {
	return from + "-" + to
}

// OppositeLaneID returns the key of the logically opposite lane.
func OppositeLaneID(laneID string) string {
	from, to, ok := strings.Cut(laneID, "-")
	if !ok {
		return laneID
	}
	return to + "-" + from
}

// overlaps reports whether [aStart,aEnd) and [bStart,bEnd) intersect.
func overlaps(aStart, aEnd, bStart, bEnd float64) bool {
	return max(aStart, bStart) < min(aEnd, bEnd)
}

// conflict scans one lane identity for a reservation from another holder
// overlapping [start, end). Caller must hold s.mu.
func (s *Store) conflict(laneID, holder string, start, end float64) bool {
	for _, r := range s.reservations[laneID] {
		if r.Holder == holder {
			continue
		}
		if overlaps(start, end, r.Start, r.End) {
			return true
		}
	}
	return false
}

// CanReserve reports whether a reservation on laneID for holder over
// [start, end) would succeed right now. It never mutates the store, so
// route search can probe feasibility without leaving claims behind.
func (s *Store) CanReserve(laneID, holder string, start, end float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.conflict(laneID, holder, start, end) &&
		!s.conflict(OppositeLaneID(laneID), holder, start, end)
}

// Reserve records a claim on laneID for holder over [start, end). It fails
// when another holder has an overlapping claim on the lane or its opposite
// (head-on exclusion). Failure is the expected contention signal, not an
// error. Re-reserving an identical interval is idempotent.
func (s *Store) Reserve(laneID, holder string, start, end float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserve(laneID, holder, start, end)
}

func (s *Store) reserve(laneID, holder string, start, end float64) bool {
	if s.conflict(laneID, holder, start, end) ||
		s.conflict(OppositeLaneID(laneID), holder, start, end) {
		s.denied++
		return false
	}
	for _, r := range s.reservations[laneID] {
		if r.Holder == holder && r.Start == start && r.End == end {
			return true
		}
	}
	s.reservations[laneID] = append(s.reservations[laneID], Reservation{
		Holder: holder,
		Start:  start,
		End:    end,
	})
	s.granted++
	return true
}

// ReserveAll claims every requested lane interval for holder, atomically:
// either all requests are recorded or none are.
func (s *Store) ReserveAll(holder string, requests []LaneRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range requests {
		if s.conflict(req.LaneID, holder, req.Start, req.End) ||
			s.conflict(OppositeLaneID(req.LaneID), holder, req.Start, req.End) {
			s.denied++
			return false
		}
	}
	for _, req := range requests {
		s.reserve(req.LaneID, holder, req.Start, req.End)
	}
	return true
}

// ReleaseHolder removes every reservation and wait-queue entry belonging to
// holder and reports how many reservations were dropped. Called on despawn
// and when an agent abandons a planned route.
func (s *Store) ReleaseHolder(holder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for laneID, list := range s.reservations {
		kept := list[:0]
		for _, r := range list {
			if r.Holder != holder {
				kept = append(kept, r)
			} else {
				released++
			}
		}
		if len(kept) == 0 {
			delete(s.reservations, laneID)
		} else {
			s.reservations[laneID] = kept
		}
	}

	for vertexID := range s.waiting {
		s.dequeueWait(vertexID, holder)
	}
	return released
}

// ReleaseHolderExcept removes holder's reservations on every lane except
// keepLane. Used when a route is preempted mid-traversal: claims on lanes
// the agent will no longer use are released while the one protecting the
// in-progress motion is kept.
func (s *Store) ReleaseHolderExcept(holder, keepLane string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for laneID, list := range s.reservations {
		if laneID == keepLane {
			continue
		}
		kept := list[:0]
		for _, r := range list {
			if r.Holder != holder {
				kept = append(kept, r)
			} else {
				released++
			}
		}
		if len(kept) == 0 {
			delete(s.reservations, laneID)
		} else {
			s.reservations[laneID] = kept
		}
	}
	return released
}

// AdvanceClock moves the store clock forward using the supplied reading
// func and prunes expired reservations. The clock is read inside the
// store's critical section, so concurrent callers sharing one monotonic
// clock always observe readings in lock order and can never hand the
// store a time older than one it has already seen.
func (s *Store) AdvanceClock(clock func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(clock())
}

// AdvanceTime moves the store clock to now and prunes every reservation
// whose end time has elapsed. The clock must not move backwards; a caller
// passing an older time is a programming error. Callers racing a shared
// wall clock must use AdvanceClock instead.
func (s *Store) AdvanceTime(now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(now)
}

func (s *Store) advance(now float64) {
	if now < s.now {
		panic(fmt.Sprintf("traffic: clock moved backwards: %f < %f", now, s.now))
	}
	s.now = now

	for laneID, list := range s.reservations {
		kept := list[:0]
		for _, r := range list {
			if r.End > now {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.reservations, laneID)
		} else {
			s.reservations[laneID] = kept
		}
	}
}

// Now returns the store's current logical time.
func (s *Store) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// EnqueueWait appends holder to the FIFO wait queue at a vertex. The
// arrival time is informational and does not affect queue order. A holder
// already queued at the vertex is not added again.
func (s *Store) EnqueueWait(vertexID, holder string, arrival float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.waiting[vertexID] {
		if e.holder == holder {
			return
		}
	}
	s.waiting[vertexID] = append(s.waiting[vertexID], waitEntry{holder: holder, arrival: arrival})
}

// DequeueWait removes holder from the wait queue at a vertex.
func (s *Store) DequeueWait(vertexID, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueWait(vertexID, holder)
}

func (s *Store) dequeueWait(vertexID, holder string) {
	list, ok := s.waiting[vertexID]
	if !ok {
		return
	}
	kept := list[:0]
	for _, e := range list {
		if e.holder != holder {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.waiting, vertexID)
	} else {
		s.waiting[vertexID] = kept
	}
}

// PeekWait returns the holder at the head of a vertex's wait queue.
func (s *Store) PeekWait(vertexID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiting[vertexID]
	if len(list) == 0 {
		return "", false
	}
	return list[0].holder, true
}

// Reservations returns a copy of the active reservations on a lane.
func (s *Store) Reservations(laneID string) []Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reservation{}, s.reservations[laneID]...)
}

// Counters returns the cumulative granted and denied reservation counts.
func (s *Store) Counters() (granted, denied uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted, s.denied
}
