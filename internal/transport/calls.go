package transport

import (
	"time"

	"github.com/rs/xid"

	"github.com/zde37/koorde/internal/clock"
)

// ResponseFunc continues a call once its response arrived.
type ResponseFunc func(payload any, rtt time.Duration)

// TimeoutFunc continues a call whose destination did not answer in time.
type TimeoutFunc func(dest Address)

type pendingCall struct {
	dest       Address
	sent       time.Time
	timer      clock.Timer
	onResponse ResponseFunc
	onTimeout  TimeoutFunc
}

// CallTable correlates outstanding requests with their responses.
// Every entry is removed exactly once: on response, on timeout, or on
// CancelAll. It must only be used from its scheduler.
type CallTable struct {
	sched clock.Scheduler
	calls map[xid.ID]*pendingCall
}

// NewCallTable creates an empty table whose timeouts run on sched.
func NewCallTable(sched clock.Scheduler) *CallTable {
	return &CallTable{
		sched: sched,
		calls: make(map[xid.ID]*pendingCall),
	}
}

// Register records a new call to dest and arms its timeout.
// The returned id must travel with the request.
func (c *CallTable) Register(dest Address, timeout time.Duration, onResponse ResponseFunc, onTimeout TimeoutFunc) xid.ID {
	id := xid.New()
	call := &pendingCall{
		dest:       dest,
		sent:       c.sched.Now(),
		onResponse: onResponse,
		onTimeout:  onTimeout,
	}
	call.timer = c.sched.Schedule(timeout, func() {
		if _, ok := c.calls[id]; !ok {
			return
		}
		delete(c.calls, id)
		if call.onTimeout != nil {
			call.onTimeout(call.dest)
		}
	})
	c.calls[id] = call
	return id
}

// Resolve hands payload to the continuation of call id. It reports false
// for unknown or already finished calls and for replies from another peer.
func (c *CallTable) Resolve(id xid.ID, from Address, payload any) bool {
	call, ok := c.calls[id]
	if !ok || call.dest != from {
		return false
	}
	delete(c.calls, id)
	call.timer.Stop()
	if call.onResponse != nil {
		call.onResponse(payload, c.sched.Now().Sub(call.sent))
	}
	return true
}

// CancelAll drops every outstanding call without running continuations.
func (c *CallTable) CancelAll() {
	for id, call := range c.calls {
		call.timer.Stop()
		delete(c.calls, id)
	}
}

// Pending returns the number of outstanding calls.
func (c *CallTable) Pending() int {
	return len(c.calls)
}

// Typed adapts a continuation expecting T. Payloads of another type are
// ignored.
func Typed[T any](fn func(resp T, rtt time.Duration)) ResponseFunc {
	return func(payload any, rtt time.Duration) {
		if resp, ok := payload.(T); ok {
			fn(resp, rtt)
		}
	}
}
