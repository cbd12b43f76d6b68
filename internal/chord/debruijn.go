package chord

import (
	"time"

	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

// Koorde keeps no finger table. Each node instead tracks the owner of
// (thisKey << s) minus a small offset, its de Bruijn node, plus that node's
// successors, and routes by shifting destination bits into an imaginary
// route key one hop at a time.

func (n *Node) koordeBootstrap() {
	switch {
	case n.cfg.SetupDeBruijnBeforeJoin:
		n.joinTimer = clock.StopTimer(n.joinTimer)
		n.deBruijnTimer = n.schedule(n.deBruijnTimer, 0, n.handleDeBruijnTimer)
	case n.cfg.SetupDeBruijnAtJoin:
		n.deBruijnTimer = n.schedule(n.deBruijnTimer, 0, n.handleDeBruijnTimer)
	}
}

func (n *Node) koordeReady() {
	n.fixfingersTimer = clock.StopTimer(n.fixfingersTimer)
	n.deBruijnTimer = n.schedule(n.deBruijnTimer, 0, n.handleDeBruijnTimer)
}

// handleDeBruijnTimer refreshes the de Bruijn pointer. When the target
// falls in this node's own arc or its predecessor's, it is set locally;
// otherwise a DeBruijn request is routed to the target's owner.
func (n *Node) handleDeBruijnTimer() {
	n.deBruijnTimer = clock.StopTimer(n.deBruijnTimer)
	target := n.space.Shl(n.self.Key, n.cfg.ShiftingBits)

	if n.state != StateReady {
		if n.cfg.SetupDeBruijnBeforeJoin || n.cfg.SetupDeBruijnAtJoin {
			n.requestDeBruijn(n.bootstrapNode, target)
			n.deBruijnTimer = n.schedule(n.deBruijnTimer, n.cfg.DeBruijnDelay, n.handleDeBruijnTimer)
		}
		return
	}

	// aim a little before the exact target so the pointer survives the
	// failure of the node right at it
	mid := n.succs.At(n.succs.Size() / 2)
	target = n.space.Sub(target, n.space.Distance(n.self.Key, mid.Key))

	succ := n.succs.Successor()
	switch {
	case n.succs.IsEmpty() || target.BetweenR(n.self.Key, succ.Key):
		n.deBruijnNode = n.self
		n.deBruijnNodes = n.succs.Head(n.cfg.DeBruijnListSize)

	case !n.pred.IsUnspecified() && target.BetweenR(n.pred.Key, n.self.Key):
		n.deBruijnNode = n.pred
		list := append([]NodeHandle{n.self}, n.succs.Nodes()...)
		n.deBruijnNodes = downsize(list, n.cfg.DeBruijnListSize)

	default:
		start := n.deBruijnNode
		if start.Addr == n.self.Addr {
			start = NodeHandle{}
		}
		n.requestDeBruijn(start, target)
	}

	n.deBruijnTimer = n.schedule(n.deBruijnTimer, n.cfg.DeBruijnDelay, n.handleDeBruijnTimer)
}

func (n *Node) requestDeBruijn(start NodeHandle, target hash.Key) {
	routedCall(n, start, target, DeBruijnRequest{DestKey: target}, n.cfg.RPCTimeout,
		n.handleDeBruijnResponse, n.handleDeBruijnTimeout)
}

// rpcDeBruijn answers for the owner of DestKey. Requests that reach any
// other node are dropped and time out at the sender.
func (n *Node) rpcDeBruijn(env transport.Envelope, req DeBruijnRequest) {
	alone := n.pred.IsUnspecified() && n.succs.IsEmpty()
	if !alone && !req.DestKey.BetweenR(n.pred.Key, n.self.Key) {
		n.logger.Debug().
			Str("dest_key", req.DestKey.Text(16)).
			Msg("DeBruijn request for a key this node does not own")
		return
	}

	node := n.pred
	if node.IsUnspecified() {
		node = n.self
	}
	n.reply(env, DeBruijnResponse{
		Node:       node,
		Successors: append([]NodeHandle{n.self}, n.succs.Nodes()...),
	})
}

func (n *Node) handleDeBruijnResponse(_ NodeHandle, resp DeBruijnResponse, _ time.Duration) {
	if resp.Node.IsUnspecified() {
		return
	}
	n.deBruijnNodes = downsize(append([]NodeHandle(nil), resp.Successors...), n.cfg.DeBruijnListSize)
	n.deBruijnNode = resp.Node

	n.logger.Trace().
		Str("debruijn", resp.Node.String()).
		Int("list", len(n.deBruijnNodes)).
		Msg("DeBruijn node updated")

	if n.cfg.SetupDeBruijnBeforeJoin && n.state == StateBootstrap && n.joinTimer == nil {
		n.joinTimer = n.schedule(nil, 0, n.handleJoinTimer)
	}
}

func (n *Node) handleDeBruijnTimeout(dest transport.Address) {
	if n.cfg.SetupDeBruijnBeforeJoin && n.state == StateBootstrap {
		n.changeState(StateBootstrap)
		return
	}
	if n.state == StateInit {
		return
	}
	retry := time.Duration(0)
	if dest == "" {
		// the lookup itself failed; wait a full period
		retry = n.cfg.DeBruijnDelay
	}
	n.deBruijnTimer = n.schedule(n.deBruijnTimer, retry, n.handleDeBruijnTimer)
}

// koordeHandleFailed promotes the first de Bruijn successor if the de
// Bruijn node failed, and otherwise drops addr from the list.
func (n *Node) koordeHandleFailed(addr transport.Address) {
	if n.deBruijnNode.IsUnspecified() {
		return
	}
	if n.deBruijnNode.Addr == addr {
		if len(n.deBruijnNodes) == 0 {
			n.deBruijnNode = NodeHandle{}
			return
		}
		n.deBruijnNode = n.deBruijnNodes[0]
		n.deBruijnNodes = n.deBruijnNodes[1:]
		if n.deBruijnNode.Addr == addr {
			n.deBruijnNode = NodeHandle{}
		}
		return
	}
	kept := n.deBruijnNodes[:0]
	for _, d := range n.deBruijnNodes {
		if d.Addr != addr {
			kept = append(kept, d)
		}
	}
	n.deBruijnNodes = kept
}

func (n *Node) koordeFindNode(key hash.Key, siblings int, route *RouteState) []NodeHandle {
	if key.IsUnspecified() {
		return []NodeHandle{n.self}
	}

	// each pass that stays on this node shifts in s more bits, so the
	// route key reaches key within L/s passes
	limit := n.space.Bits()/n.cfg.ShiftingBits + 2
	for pass := 0; pass < limit; pass++ {
		succ := n.succs.Successor()
		if key.BetweenR(n.pred.Key, n.self.Key) {
			return downsize(append([]NodeHandle{n.self}, n.succs.Nodes()...), siblings)
		}
		if key.BetweenR(n.self.Key, succ.Key) {
			return []NodeHandle{succ}
		}
		if n.cfg.UseOtherLookup {
			if hop := n.walkSuccessorList(key); !hop.Equal(n.succs.Last()) {
				return []NodeHandle{hop}
			}
		}
		hop, stop := n.findDeBruijnHop(key, route)
		if hop.IsUnspecified() {
			return []NodeHandle{succ}
		}
		if !hop.Equal(n.self) {
			if !stop {
				route.DeBruijnHops++
			}
			return []NodeHandle{hop}
		}
		if stop {
			// a result led by this node would claim ownership
			return []NodeHandle{succ}
		}
	}
	return []NodeHandle{n.succs.Successor()}
}

// findDeBruijnHop advances route toward dest and returns the next hop. It
// reports stop when the de Bruijn walk cannot continue from this node and
// the returned hop is only a best effort along the ring.
func (n *Node) findDeBruijnHop(dest hash.Key, route *RouteState) (NodeHandle, bool) {
	s := n.cfg.ShiftingBits
	bits := n.space.Bits()
	succ := n.succs.Successor()

	if route.RouteKey.IsUnspecified() {
		if n.deBruijnNode.IsUnspecified() {
			return succ, true
		}
		route.RouteKey, route.Step = n.findStartKey(n.self.Key, succ.Key, dest, route.Step)
	}

	if route.RouteKey.BetweenR(n.self.Key, succ.Key) {
		if route.Step > bits {
			n.invariant("findDeBruijnHop", "step %d beyond key length %d", route.Step, bits)
		}
		add := n.space.FromUint64(0)
		for i := 0; i < s; i++ {
			bit := n.space.FromUint64(uint64(n.space.Bit(dest, bits-route.Step-i)))
			add = n.space.Add(n.space.Shl(add, 1), bit)
		}
		route.RouteKey = n.space.Add(n.space.Shl(route.RouteKey, s), add)
		route.Step += s

		if n.deBruijnNode.IsUnspecified() {
			if n.cfg.UseSucList {
				return n.walkSuccessorList(route.RouteKey), true
			}
			return succ, true
		}
		if len(n.deBruijnNodes) > 0 {
			if route.RouteKey.BetweenR(n.deBruijnNode.Key, n.deBruijnNodes[0].Key) {
				return n.deBruijnNode, false
			}
			return n.walkDeBruijnList(route.RouteKey), false
		}
		return n.deBruijnNode, false
	}

	if !n.cfg.UseSucList {
		return succ, true
	}
	hop := n.walkSuccessorList(route.RouteKey)
	if !n.deBruijnNode.IsUnspecified() && n.deBruijnNode.Key.Between(hop.Key, route.RouteKey) {
		return n.deBruijnNode, true
	}
	return hop, true
}

// findStartKey picks the first imaginary route key in (start, end]: the
// high bits of start followed by the leading bits of dest. The number of
// borrowed bits is kept a multiple of s away from L so whole batches of s
// bits can be shifted in afterwards. It returns the key and the index of
// the first destination bit not yet consumed.
func (n *Node) findStartKey(start, end, dest hash.Key, step int) (hash.Key, int) {
	if start.Equal(end) {
		return start, step
	}

	bits := n.space.Bits()
	nBits := max(n.space.Log2(n.space.Distance(start, end)), 0)
	for nBits > 0 && (bits-nBits)%n.cfg.ShiftingBits != 0 {
		nBits--
	}
	step = nBits + 1

	prefix := n.space.Shl(n.space.Shr(start, nBits), nBits)
	key := n.space.Add(prefix, n.space.Shr(dest, bits-nBits))
	if key.BetweenR(start, end) {
		return key, step
	}
	key = n.space.AddPowerOfTwo(key, nBits)
	if key.BetweenR(start, end) {
		return key, step
	}
	n.invariant("findStartKey", "no start key in (%s, %s] for %s", start, end, dest)
	return hash.Key{}, step
}

func (n *Node) walkDeBruijnList(key hash.Key) NodeHandle {
	if len(n.deBruijnNodes) == 0 {
		return NodeHandle{}
	}
	for i := 0; i < len(n.deBruijnNodes)-1; i++ {
		if key.BetweenR(n.deBruijnNodes[i].Key, n.deBruijnNodes[i+1].Key) {
			return n.deBruijnNodes[i]
		}
	}
	return n.deBruijnNodes[len(n.deBruijnNodes)-1]
}

func (n *Node) walkSuccessorList(key hash.Key) NodeHandle {
	size := n.succs.Size()
	for i := 0; i < size-1; i++ {
		if key.BetweenR(n.succs.At(i).Key, n.succs.At(i+1).Key) {
			return n.succs.At(i)
		}
	}
	return n.succs.At(size - 1)
}
