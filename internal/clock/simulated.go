package clock

import (
	"container/heap"
	"time"
)

// Epoch is the start time of every simulated clock.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Simulated is a discrete-event scheduler. Callbacks run only when the
// owner calls Step, RunFor or RunUntil, in (time, scheduling order) order.
// It is not safe for concurrent use.
type Simulated struct {
	now    time.Time
	seq    uint64
	events eventQueue
	fired  uint64
}

// NewSimulated creates a simulated clock starting at Epoch.
func NewSimulated() *Simulated {
	return &Simulated{now: Epoch}
}

type simEvent struct {
	at       time.Time
	seq      uint64
	fn       func()
	index    int
	canceled bool
	done     bool
}

func (e *simEvent) Stop() bool {
	if e.canceled || e.done {
		return false
	}
	e.canceled = true
	return true
}

// Now returns the current virtual time.
func (s *Simulated) Now() time.Time {
	return s.now
}

// Schedule queues fn to run d after the current virtual time.
func (s *Simulated) Schedule(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	ev := &simEvent{at: s.now.Add(d), seq: s.seq, fn: fn}
	heap.Push(&s.events, ev)
	return ev
}

// Exec runs fn immediately.
func (s *Simulated) Exec(fn func()) {
	fn()
}

// Pending returns the number of queued, not cancelled callbacks.
func (s *Simulated) Pending() int {
	n := 0
	for _, ev := range s.events {
		if !ev.canceled {
			n++
		}
	}
	return n
}

// Fired returns how many callbacks have run so far.
func (s *Simulated) Fired() uint64 {
	return s.fired
}

// Step runs the next callback and advances time to it. It returns false
// when nothing is queued.
func (s *Simulated) Step() bool {
	for s.events.Len() > 0 {
		ev := heap.Pop(&s.events).(*simEvent)
		if ev.canceled {
			continue
		}
		if ev.at.After(s.now) {
			s.now = ev.at
		}
		ev.done = true
		s.fired++
		ev.fn()
		return true
	}
	return false
}

// RunFor runs every callback due within d and leaves the clock at now+d.
func (s *Simulated) RunFor(d time.Duration) {
	deadline := s.now.Add(d)
	for s.events.Len() > 0 {
		next := s.events[0]
		if next.canceled {
			heap.Pop(&s.events)
			continue
		}
		if next.at.After(deadline) {
			break
		}
		s.Step()
	}
	if deadline.After(s.now) {
		s.now = deadline
	}
}

// RunUntil steps until cond holds or limit of virtual time has passed.
// It reports whether cond was met.
func (s *Simulated) RunUntil(cond func() bool, limit time.Duration) bool {
	deadline := s.now.Add(limit)
	for !cond() {
		if s.events.Len() == 0 {
			return false
		}
		next := s.events[0]
		if next.canceled {
			heap.Pop(&s.events)
			continue
		}
		if next.at.After(deadline) {
			s.now = deadline
			return cond()
		}
		s.Step()
	}
	return true
}

type eventQueue []*simEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*simEvent)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}
