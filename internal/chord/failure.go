package chord

import (
	"fmt"

	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg"
)

// InvariantError reports routing state that can only result from a bug.
// It stops the node that detected it; the rest of the ring carries on.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", pkg.ErrInvariant, e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return pkg.ErrInvariant
}

func (n *Node) invariant(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// handleFailedNode purges addr from every table. It reports false when
// the node is READY and has no successor left, in which case the caller
// must rejoin.
func (n *Node) handleFailedNode(addr transport.Address) bool {
	if addr == n.self.Addr {
		return true
	}

	if n.cfg.IsKoorde() {
		n.koordeHandleFailed(addr)
	}

	if !n.pred.IsUnspecified() && n.pred.Addr == addr {
		old := n.pred
		n.pred = NodeHandle{}
		// the successor list reports its own removals
		if !n.succs.Contains(addr) {
			n.callUpdate(old, false)
		}
	}

	oldSucc := n.succs.Successor()
	if n.succs.Remove(addr) {
		n.logger.Debug().Str("node", string(addr)).Msg("Removed failed successor")
	}
	n.fingers.HandleFailed(addr)

	if !n.pred.IsUnspecified() && oldSucc.Equal(n.pred) {
		// two-node ring lost its other member
		old := n.pred
		n.pred = NodeHandle{}
		n.callUpdate(old, false)
	}

	if oldSucc.Addr == addr {
		if n.cfg.MemorizeFailedSuccessor {
			n.failedSuccessor = oldSucc
		}
		if n.state == StateReady {
			n.stabilizeTimer = n.schedule(n.stabilizeTimer, 0, n.handleStabilizeTimer)
		}
	}

	if n.state != StateReady {
		return true
	}

	if n.succs.IsEmpty() {
		n.stabilizeTimer = clock.StopTimer(n.stabilizeTimer)
		n.fixfingersTimer = clock.StopTimer(n.fixfingersTimer)
		return false
	}
	return true
}

// HandleFailedNode tells the node that addr stopped responding. It
// reports false if the node lost its last successor and has started to
// rejoin.
func (n *Node) HandleFailedNode(addr transport.Address) bool {
	ok := true
	n.sched.Exec(func() {
		n.guard(func() {
			ok = n.handleFailedNode(addr)
			if !ok {
				n.rejoin()
			}
		})
	})
	return ok
}

// nodeFailed purges addr and rejoins if the node lost its last successor.
func (n *Node) nodeFailed(addr transport.Address) {
	if !n.handleFailedNode(addr) {
		n.rejoin()
	}
}

// handleLeaveNotice splices a gracefully departing neighbor out of the ring.
func (n *Node) handleLeaveNotice(src NodeHandle, notice LeaveNotice) {
	if n.state != StateReady || src.Addr == n.self.Addr {
		return
	}

	wasSucc := n.succs.Successor().Addr == src.Addr
	wasPred := !n.pred.IsUnspecified() && n.pred.Addr == src.Addr

	n.logger.Debug().
		Str("node", src.String()).
		Bool("was_successor", wasSucc).
		Bool("was_predecessor", wasPred).
		Msg("Neighbor leaving")

	if wasPred {
		n.callUpdate(n.pred, false)
	}
	n.handleFailedNode(src.Addr)

	if wasSucc {
		for _, s := range notice.Successors {
			n.succs.Add(s)
		}
	}

	if wasPred {
		p := notice.Predecessor
		if !p.IsUnspecified() && p.Addr != n.self.Addr && p.Addr != src.Addr &&
			(n.pred.IsUnspecified() || p.Key.Between(n.pred.Key, n.self.Key)) {
			n.setPredecessor(p)
			if n.succs.IsEmpty() {
				n.succs.Add(p)
			}
		}
	}

	if n.succs.IsEmpty() {
		n.rejoin()
	}
}
