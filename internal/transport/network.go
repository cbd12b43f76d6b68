// Package transport delivers messages between ring nodes.
//
// Network is an in-memory datagram fabric: every message is delivered
// on the receiver's scheduler after a per-link latency, and can be lost.
// Nothing is retried here. Senders correlate replies and detect loss
// with a CallTable.
package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/xid"

	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/pkg"
)

// Address is an opaque transport endpoint.
type Address string

// Envelope carries one message across the network.
type Envelope struct {
	From     Address
	To       Address
	CallID   xid.ID // zero for one-way messages
	Response bool
	Payload  any
}

// Handler receives envelopes on its own scheduler.
type Handler interface {
	HandleEnvelope(env Envelope)
}

// LatencyFunc returns the one-way delay for a message from one address to another.
type LatencyFunc func(from, to Address) time.Duration

// ConstantLatency delays every message by d.
func ConstantLatency(d time.Duration) LatencyFunc {
	return func(Address, Address) time.Duration { return d }
}

// PairLatency gives every unordered pair of addresses a stable latency in
// [min, max], derived from a hash of the two addresses.
func PairLatency(min, max time.Duration) LatencyFunc {
	if max < min {
		min, max = max, min
	}
	span := uint64(max-min) + 1
	return func(from, to Address) time.Duration {
		a, b := string(from), string(to)
		if a > b {
			a, b = b, a
		}
		h := xxhash.Sum64String(a + "|" + b)
		return min + time.Duration(h%span)
	}
}

// Option configures a Network.
type Option func(*Network)

// WithLatency sets the latency model.
func WithLatency(f LatencyFunc) Option {
	return func(n *Network) {
		n.latency = f
	}
}

// WithDropRate loses each message with probability p, drawn from rng.
func WithDropRate(p float64, rng *rand.Rand) Option {
	return func(n *Network) {
		n.dropRate = p
		n.rng = rng
	}
}

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(l *pkg.Logger) Option {
	return func(n *Network) {
		n.logger = l.Component("network")
	}
}

// Stats counts network activity.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type endpoint struct {
	sched   clock.Scheduler
	handler Handler
}

// Network is an in-memory datagram network. It is safe for concurrent use.
type Network struct {
	mu        sync.Mutex
	endpoints map[Address]*endpoint
	latency   LatencyFunc
	dropRate  float64
	rng       *rand.Rand
	logger    *pkg.Logger

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNetwork creates a network with 10ms constant latency and no loss.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[Address]*endpoint),
		latency:   ConstantLatency(10 * time.Millisecond),
		logger:    pkg.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach registers a handler for addr. Deliveries run on sched.
func (n *Network) Attach(addr Address, sched clock.Scheduler, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[addr]; ok {
		return fmt.Errorf("attach %s: %w", addr, pkg.ErrAddressInUse)
	}
	n.endpoints[addr] = &endpoint{sched: sched, handler: h}
	return nil
}

// Detach removes addr. Messages in flight to it are lost.
func (n *Network) Detach(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// IsAttached reports whether addr currently has a handler.
func (n *Network) IsAttached(addr Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[addr]
	return ok
}

// SetDropRate changes the loss probability.
func (n *Network) SetDropRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = p
}

// Send queues env for delivery. Unknown receivers and random loss are
// silent, as on a datagram network; the error only reports a missing
// destination so callers can log it.
func (n *Network) Send(env Envelope) error {
	n.sent.Add(1)

	n.mu.Lock()
	ep, ok := n.endpoints[env.To]
	lost := ok && n.dropRate > 0 && n.rng != nil && n.rng.Float64() < n.dropRate
	n.mu.Unlock()

	if !ok {
		n.dropped.Add(1)
		return fmt.Errorf("send to %s: %w", env.To, pkg.ErrUnknownAddress)
	}
	if lost {
		n.dropped.Add(1)
		n.logger.Trace().
			Str("from", string(env.From)).
			Str("to", string(env.To)).
			Msg("message lost")
		return nil
	}

	ep.sched.Schedule(n.latency(env.From, env.To), func() {
		// the receiver may have died or been replaced meanwhile
		n.mu.Lock()
		cur := n.endpoints[env.To]
		n.mu.Unlock()
		if cur != ep {
			n.dropped.Add(1)
			return
		}
		n.delivered.Add(1)
		ep.handler.HandleEnvelope(env)
	})
	return nil
}

// Stats returns a snapshot of the counters.
func (n *Network) Stats() Stats {
	return Stats{
		Sent:      n.sent.Load(),
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
	}
}
