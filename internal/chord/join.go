package chord

import (
	"time"

	"github.com/zde37/koorde/internal/transport"
)

// handleJoinTimer sends one routed join attempt through the bootstrap
// node. After JoinRetry unanswered attempts a new contact is picked.
func (n *Node) handleJoinTimer() {
	n.joinTimer = nil
	if n.state == StateReady {
		return
	}
	if n.state != StateBootstrap {
		n.changeState(StateBootstrap)
		return
	}

	n.joinAttempts++
	if n.joinAttempts > n.cfg.JoinRetry {
		n.joinAttempts = 0
		n.logger.Debug().
			Str("bootstrap", n.bootstrapNode.String()).
			Msg("Join attempts exhausted, picking a new bootstrap node")
		n.changeState(StateBootstrap)
		return
	}

	n.logger.Debug().
		Int("attempt", n.joinAttempts).
		Str("bootstrap", n.bootstrapNode.String()).
		Msg("Sending join request")

	routedCall(n, n.bootstrapNode, n.self.Key, JoinRequest{}, n.cfg.JoinDelay,
		n.handleJoinResponse,
		func(dest transport.Address) {
			n.logger.Debug().Str("dest", string(dest)).Msg("Join request timed out")
		},
	)

	n.joinTimer = n.schedule(n.joinTimer, n.cfg.JoinDelay, n.handleJoinTimer)
}

// rpcJoin admits requestor as the new predecessor of this node.
func (n *Node) rpcJoin(env transport.Envelope, requestor NodeHandle) {
	if requestor.IsUnspecified() || requestor.Addr == n.self.Addr {
		return
	}

	resp := JoinResponse{Successors: n.succs.Nodes()}
	if n.pred.IsUnspecified() && n.succs.IsEmpty() {
		resp.Predecessor = n.self
	} else {
		resp.Predecessor = n.pred
	}
	n.reply(env, resp)

	if n.cfg.AggressiveJoinMode {
		if !n.pred.IsUnspecified() {
			n.notify(n.pred, NewSuccessorHint{Predecessor: requestor})
		}
		if n.pred.IsUnspecified() || !n.pred.Equal(requestor) {
			n.setPredecessor(requestor)
		}
	}

	if n.succs.IsEmpty() {
		n.succs.Add(requestor)
	}

	n.logger.Debug().
		Str("requestor", requestor.String()).
		Msg("Join request handled")

	if n.cfg.IsKoorde() && n.pred.Equal(n.succs.Successor()) {
		// second node of the ring
		n.handleDeBruijnTimer()
	}
}

func (n *Node) handleJoinResponse(src NodeHandle, resp JoinResponse, _ time.Duration) {
	if n.state == StateReady {
		return
	}

	num := min(n.succs.Capacity()-1, len(resp.Successors))
	for k := 0; k < num; k++ {
		n.succs.Add(resp.Successors[k])
	}
	n.succs.Add(src)

	if n.cfg.AggressiveJoinMode && !resp.Predecessor.IsUnspecified() && resp.Predecessor.Addr != n.self.Addr {
		if !n.pred.IsUnspecified() && n.cfg.MergeOptimizationL2 {
			n.notify(n.pred, NewSuccessorHint{Predecessor: resp.Predecessor})
		}
		n.setPredecessor(resp.Predecessor)
	}

	n.logger.Info().
		Str("successor", n.succs.Successor().String()).
		Str("predecessor", n.pred.String()).
		Msg("Joined ring")

	n.changeState(StateReady)
	n.stabilizeTimer = n.schedule(n.stabilizeTimer, 0, n.handleStabilizeTimer)
	if n.cfg.IsKoorde() {
		return
	}
	n.fixfingersTimer = n.schedule(n.fixfingersTimer, 0, n.handleFixfingersTimer)
}
