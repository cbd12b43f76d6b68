package chord

import (
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

// MaxNumSiblings is the largest sibling set a node can vouch for.
func (n *Node) MaxNumSiblings() int {
	return n.cfg.SuccessorListSize
}

// MaxNumRedundantNodes is the number of alternative next hops findNode
// returns.
func (n *Node) MaxNumRedundantNodes() int {
	if n.cfg.ExtendedFingerTable {
		return n.cfg.NumFingerCandidates
	}
	return 1
}

// FindNode returns the next hops toward key from this node's point of
// view. A result starting with this node means it owns key. The result is
// empty while the node is not READY.
func (n *Node) FindNode(key hash.Key, redundancy, siblings int) []NodeHandle {
	var out []NodeHandle
	n.sched.Exec(func() {
		n.guard(func() {
			route := NewRouteState()
			out = n.findNode(key, redundancy, siblings, &route)
		})
	})
	return out
}

// IsSiblingFor reports whether node is among the numSiblings nodes
// responsible for key, as far as this node can tell. numSiblings of -1
// means MaxNumSiblings.
func (n *Node) IsSiblingFor(node NodeHandle, key hash.Key, numSiblings int) Sibling {
	if key.IsUnspecified() {
		return SiblingUnknown
	}
	s := SiblingUnknown
	n.sched.Exec(func() {
		n.guard(func() {
			s = n.isSiblingFor(node, key, numSiblings)
		})
	})
	return s
}

func (n *Node) rpcFindNode(env transport.Envelope, req FindNodeRequest) {
	route := req.Route
	nodes := n.findNode(req.Key, req.Redundancy, req.Siblings, &route)
	n.reply(env, FindNodeResponse{Nodes: nodes, Route: route})
}

func (n *Node) findNode(key hash.Key, redundancy, siblings int, route *RouteState) []NodeHandle {
	if n.state != StateReady {
		return nil
	}
	if redundancy < 1 {
		redundancy = 1
	}
	if siblings < 1 {
		siblings = 1
	}
	if n.cfg.IsKoorde() {
		return n.koordeFindNode(key, siblings, route)
	}
	return n.chordFindNode(key, redundancy, siblings)
}

func (n *Node) chordFindNode(key hash.Key, redundancy, siblings int) []NodeHandle {
	if n.succs.IsEmpty() && !n.pred.IsUnspecified() {
		n.invariant("findNode", "node is READY with a predecessor but no successor")
	}

	switch {
	case key.IsUnspecified():
		return []NodeHandle{n.self}

	case n.isSiblingFor(n.self, key, 1) == SiblingYes:
		out := append([]NodeHandle{n.self}, n.succs.Nodes()...)
		return downsize(out, siblings)

	case key.BetweenR(n.self.Key, n.succs.Successor().Key):
		return downsize(n.succs.Nodes(), redundancy)

	default:
		return downsize(n.closestPrecedingNode(key), redundancy)
	}
}

// isSiblingFor follows the successor list from the predecessor onward:
// node is a sibling if key falls in the arc it owns and enough successors
// are known to cover the rest of the sibling set.
func (n *Node) isSiblingFor(node NodeHandle, key hash.Key, numSiblings int) Sibling {
	if key.IsUnspecified() {
		n.invariant("isSiblingFor", "key is unspecified")
	}
	if n.state != StateReady {
		return SiblingUnknown
	}
	if numSiblings == -1 || numSiblings > n.MaxNumSiblings() {
		numSiblings = n.MaxNumSiblings()
	}

	if n.pred.IsUnspecified() && node.Equal(n.self) {
		if n.succs.IsEmpty() || node.Key.Equal(key) {
			return SiblingYes
		}
		return SiblingUnknown
	}

	if node.Equal(n.self) && key.BetweenR(n.pred.Key, n.self.Key) {
		return SiblingYes
	}

	size := n.succs.Size()
	prev := n.pred
	for i := -1; i < size; i++ {
		cur := n.self
		if i >= 0 {
			cur = n.succs.At(i)
		}
		if node.Equal(cur) {
			if key.BetweenR(prev.Key, cur.Key) {
				if numSiblings <= size-i {
					return SiblingYes
				}
				return SiblingUnknown
			}
			if numSiblings <= 1 {
				return SiblingNo
			}
			return SiblingUnknown
		}
		prev = cur
	}
	return SiblingUnknown
}

// closestPrecedingNode picks the finger closest to key that does not pass
// it, falling back to successors strictly before key.
func (n *Node) closestPrecedingNode(key hash.Key) []NodeHandle {
	var boundary NodeHandle
	for j := n.succs.Size() - 1; j >= 0; j-- {
		s := n.succs.At(j)
		if s.Key.BetweenR(n.self.Key, key) {
			boundary = s
			break
		}
	}
	if boundary.IsUnspecified() {
		n.invariant("closestPrecedingNode", "successor list broken for key %s", key)
	}

	for i := n.fingers.Size() - 1; i >= 0; i-- {
		finger := n.fingers.Finger(i)
		if !finger.Key.BetweenLR(boundary.Key, key) {
			continue
		}
		if n.cfg.ExtendedFingerTable {
			return n.fingers.Candidates(i, key)
		}
		return []NodeHandle{finger}
	}

	var out []NodeHandle
	for i := n.succs.Size() - 1; i >= 0 && len(out) <= n.cfg.NumFingerCandidates; i-- {
		s := n.succs.At(i)
		if s.Key.Between(n.self.Key, key) {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}

	if n.pred.IsUnspecified() && n.succs.Successor().Equal(n.self) {
		return []NodeHandle{n.self}
	}
	n.invariant("closestPrecedingNode", "no next hop for key %s", key)
	return nil
}

func downsize(nodes []NodeHandle, max int) []NodeHandle {
	if max >= 0 && len(nodes) > max {
		return nodes[:max]
	}
	return nodes
}
