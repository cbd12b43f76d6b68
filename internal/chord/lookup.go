package chord

import (
	"fmt"
	"time"

	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg"
	"github.com/zde37/koorde/pkg/hash"
)

// LookupFunc receives the outcome of a lookup on the node's scheduler.
type LookupFunc func(res LookupResult, err error)

// lookup drives one iterative key resolution. Each hop is asked for its
// next hops with a FindNode call until a responder lists itself first.
type lookup struct {
	n        *Node
	key      hash.Key
	siblings int
	route    RouteState
	pending  []NodeHandle
	failed   map[transport.Address]bool
	sent     int
	hops     int
	path     []NodeHandle
	public   bool
	done     LookupFunc
	finished bool
}

// Lookup resolves the owner of key and up to siblings-1 of its
// successors. done runs exactly once unless the node stops first.
func (n *Node) Lookup(key hash.Key, siblings int, done LookupFunc) {
	n.sched.Exec(func() {
		if n.stopped {
			if done != nil {
				done(LookupResult{Key: key}, pkg.ErrNodeShutdown)
			}
			return
		}
		n.guard(func() {
			n.lookup(NodeHandle{}, key, siblings, true, done)
		})
	})
}

// LookupFrom resolves key starting at start instead of at this node, so it
// also works while this node is not READY.
func (n *Node) LookupFrom(start NodeHandle, key hash.Key, siblings int, done LookupFunc) {
	n.sched.Exec(func() {
		if n.stopped {
			if done != nil {
				done(LookupResult{Key: key}, pkg.ErrNodeShutdown)
			}
			return
		}
		n.guard(func() {
			n.lookup(start, key, siblings, true, done)
		})
	})
}

func (n *Node) lookup(start NodeHandle, key hash.Key, siblings int, public bool, done LookupFunc) {
	l := &lookup{
		n:        n,
		key:      key,
		siblings: max(siblings, 1),
		route:    NewRouteState(),
		failed:   make(map[transport.Address]bool),
		public:   public,
		done:     done,
	}
	if public {
		n.lookups++
	}
	if key.IsUnspecified() || !n.space.IsValid(key) {
		l.fail(fmt.Errorf("lookup: invalid key %s: %w", key, pkg.ErrLookupFailed))
		return
	}

	if start.IsUnspecified() || start.Addr == n.self.Addr {
		if n.state != StateReady {
			l.fail(fmt.Errorf("lookup %s: %w", key.Text(16), pkg.ErrNotReady))
			return
		}
		if l.resolveLocally() {
			return
		}
	} else {
		l.pending = []NodeHandle{start}
	}
	l.next()
}

// resolveLocally consults this node's own tables. It reports true if the
// lookup finished.
func (l *lookup) resolveLocally() bool {
	n := l.n
	l.route = NewRouteState()
	nodes := n.findNode(l.key, n.MaxNumRedundantNodes(), l.siblings, &l.route)
	if len(nodes) == 0 {
		return false
	}
	if nodes[0].Addr == n.self.Addr {
		l.succeed(nodes)
		return true
	}
	l.pending = append(nodes, l.pending...)
	return false
}

func (l *lookup) next() {
	n := l.n
	if l.sent >= n.cfg.MaxHops() {
		l.fail(fmt.Errorf("lookup %s: gave up after %d hops: %w", l.key.Text(16), l.sent, pkg.ErrLookupFailed))
		return
	}

	hop := l.pop()
	if hop.IsUnspecified() && n.state == StateReady && !l.resolveLocally() {
		hop = l.pop()
	}
	if l.finished {
		return
	}
	if hop.IsUnspecified() {
		l.fail(fmt.Errorf("lookup %s: no live candidate left: %w", l.key.Text(16), pkg.ErrLookupFailed))
		return
	}

	l.sent++
	req := FindNodeRequest{
		Key:        l.key,
		Redundancy: n.MaxNumRedundantNodes(),
		Siblings:   l.siblings,
		Route:      l.route,
	}
	call(n, hop, req, n.cfg.RPCTimeout,
		func(_ NodeHandle, resp FindNodeResponse, _ time.Duration) {
			l.handleResponse(hop, resp)
		},
		func(dest transport.Address) {
			l.handleTimeout(dest)
		},
	)
}

func (l *lookup) pop() NodeHandle {
	for len(l.pending) > 0 {
		c := l.pending[0]
		l.pending = l.pending[1:]
		if !c.IsUnspecified() && !l.failed[c.Addr] {
			return c
		}
	}
	return NodeHandle{}
}

func (l *lookup) handleResponse(hop NodeHandle, resp FindNodeResponse) {
	if l.finished {
		return
	}
	l.hops++
	l.path = append(l.path, hop)

	if len(resp.Nodes) == 0 {
		// hop is not part of the ring (yet)
		l.next()
		return
	}
	if resp.Nodes[0].Addr == hop.Addr {
		l.succeed(resp.Nodes)
		return
	}
	l.route = resp.Route
	l.pending = append(append([]NodeHandle(nil), resp.Nodes...), l.pending...)
	l.next()
}

func (l *lookup) handleTimeout(dest transport.Address) {
	if l.finished {
		return
	}
	l.failed[dest] = true
	l.n.logger.Debug().
		Str("hop", string(dest)).
		Str("key", l.key.Text(16)).
		Msg("Lookup hop timed out")
	l.n.nodeFailed(dest)
	l.next()
}

func (l *lookup) succeed(nodes []NodeHandle) {
	if l.public {
		l.n.lookupHops += uint64(l.hops)
	}
	l.finish(LookupResult{
		Key:   l.key,
		Nodes:        downsize(append([]NodeHandle(nil), nodes...), l.siblings),
		Hops:         l.hops,
		DeBruijnHops: l.route.DeBruijnHops,
		Path:         l.path,
	}, nil)
}

func (l *lookup) fail(err error) {
	if l.public {
		l.n.lookupsFailed++
	}
	l.n.logger.Debug().
		Err(err).
		Int("hops", l.hops).
		Msg("Lookup failed")
	l.finish(LookupResult{Key: l.key, Hops: l.hops, Path: l.path}, err)
}

func (l *lookup) finish(res LookupResult, err error) {
	if l.finished {
		return
	}
	l.finished = true
	if l.done != nil {
		l.done(res, err)
	}
}

// routedCall delivers req to the owner of key, resolving it from start
// (or from this node if start is unspecified), then calls the owner
// directly. onFail runs if the lookup fails or the owner does not answer.
func routedCall[R Response](n *Node, start NodeHandle, key hash.Key, req Request, timeout time.Duration,
	onResp func(src NodeHandle, resp R, rtt time.Duration), onFail func(dest transport.Address)) {
	n.lookup(start, key, 1, false, func(res LookupResult, err error) {
		if err != nil {
			if onFail != nil {
				onFail("")
			}
			return
		}
		call(n, res.Owner(), req, timeout, onResp, onFail)
	})
}
