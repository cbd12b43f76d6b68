// Package clock provides the schedulers that drive ring nodes.
//
// A node never runs two handlers at once: every timer callback and every
// delivered message is executed through the node's Scheduler, which runs
// callbacks one at a time. Simulated advances virtual time on demand so
// protocol tests are deterministic; Real runs callbacks on a single
// goroutine against the wall clock.
package clock

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already
	// ran or was stopped before.
	Stop() bool
}

// Scheduler runs callbacks serially.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time
	// Schedule runs fn once after d has elapsed.
	Schedule(d time.Duration, fn func()) Timer
	// Exec runs fn on the scheduler and waits for it to finish.
	Exec(fn func())
}

// stopped is a Timer that never fires.
type stopped struct{}

func (stopped) Stop() bool { return false }

// Stopped returns a Timer that is already inactive.
func Stopped() Timer { return stopped{} }

// StopTimer stops t if it is set and returns nil, so callers can write
// n.timer = clock.StopTimer(n.timer).
func StopTimer(t Timer) Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
