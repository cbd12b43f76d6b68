package chord

import (
	"time"

	"github.com/zde37/koorde/internal/transport"
)

// handleStabilizeTimer asks the successor for its predecessor and, with
// merge optimization L4, probes every non-trivial finger.
func (n *Node) handleStabilizeTimer() {
	n.stabilizeTimer = nil
	if n.state != StateReady {
		return
	}

	if n.cfg.CheckPredecessorDelay == 0 && n.missingPredStabs >= n.cfg.StabilizeRetry {
		old := n.pred
		n.pred = NodeHandle{}
		n.missingPredStabs = 0
		if !old.IsUnspecified() {
			n.logger.Debug().Str("predecessor", old.String()).Msg("Predecessor silent, dropping it")
			n.callUpdate(old, false)
		}
	}

	if !n.succs.IsEmpty() {
		call(n, n.succs.Successor(), StabilizeRequest{}, n.cfg.RPCTimeout,
			n.handleStabilizeResponse, n.stabilizeFailed)
		n.missingPredStabs++
	}

	if n.cfg.MergeOptimizationL4 {
		span := n.space.Distance(n.self.Key, n.succs.Successor().Key)
		for i := 0; i < n.space.Bits(); i++ {
			if n.space.Pow2(i).Cmp(span) <= 0 {
				continue
			}
			finger := n.fingers.Finger(i)
			if finger.IsUnspecified() || finger.Addr == n.self.Addr {
				continue
			}
			n.pingFinger(i, finger)
		}
	}

	n.stabilizeTimer = n.schedule(n.stabilizeTimer, n.cfg.StabilizeDelay, n.handleStabilizeTimer)
}

func (n *Node) stabilizeFailed(dest transport.Address) {
	n.logger.Debug().Str("successor", string(dest)).Msg("Stabilize timed out")
	n.nodeFailed(dest)
}

func (n *Node) rpcStabilize(env transport.Envelope, src NodeHandle) {
	if !n.pred.IsUnspecified() && src.Equal(n.pred) {
		n.missingPredStabs = 0
	}
	n.reply(env, StabilizeResponse{Predecessor: n.pred})
}

func (n *Node) handleStabilizeResponse(src NodeHandle, resp StabilizeResponse, _ time.Duration) {
	if n.state != StateReady {
		return
	}

	pred := resp.Predecessor
	closer := n.succs.IsEmpty() || pred.Key.Between(n.self.Key, n.succs.Successor().Key)
	if closer && (n.failedSuccessor.IsUnspecified() || !n.failedSuccessor.Equal(pred)) {
		if n.succs.IsEmpty() && pred.IsUnspecified() {
			n.succs.Add(src)
		} else {
			n.succs.Add(pred)
		}
	}

	succ := n.succs.Successor()
	if succ.Addr == n.self.Addr {
		return
	}

	req := NotifyRequest{}
	if !n.failedSuccessor.IsUnspecified() {
		req.Failed = n.failedSuccessor.Addr
	}
	n.failedSuccessor = NodeHandle{}

	call(n, succ, req, n.cfg.RPCTimeout, n.handleNotifyResponse,
		func(dest transport.Address) {
			n.logger.Debug().Str("successor", string(dest)).Msg("Notify timed out")
			n.nodeFailed(dest)
		},
	)
}

// rpcNotify adopts the sender as predecessor if it is closer than the
// current one, or if the current one is the node the sender saw fail.
func (n *Node) rpcNotify(env transport.Envelope, src NodeHandle, req NotifyRequest) {
	if !n.pred.IsUnspecified() && src.Equal(n.pred) {
		n.missingPredStabs = 0
	}

	accepted := false
	if src.Addr != n.self.Addr {
		closer := n.pred.IsUnspecified() ||
			src.Key.Between(n.pred.Key, n.self.Key) ||
			(req.Failed != "" && req.Failed == n.pred.Addr)
		if closer && (n.pred.IsUnspecified() || !src.Equal(n.pred)) {
			old := n.pred
			if n.succs.IsEmpty() {
				n.succs.Add(src)
			}
			n.setPredecessor(src)
			accepted = true

			n.logger.Debug().
				Str("predecessor", src.String()).
				Msg("New predecessor")

			if n.cfg.MergeOptimizationL1 && !old.IsUnspecified() {
				n.notify(old, NewSuccessorHint{Predecessor: src})
			}
		}
	}

	resp := NotifyResponse{
		Successors: n.succs.Nodes(),
		Accepted:   accepted || src.Equal(n.pred),
	}
	if !resp.Accepted {
		resp.Predecessor = n.pred
	}
	n.reply(env, resp)
}

func (n *Node) handleNotifyResponse(src NodeHandle, resp NotifyResponse, _ time.Duration) {
	if n.state != StateReady {
		return
	}
	if !n.succs.Successor().Equal(src) {
		n.logger.Trace().
			Str("src", src.String()).
			Msg("Notify response from a node that is no longer the successor")
		return
	}

	if n.cfg.MergeOptimizationL3 && !resp.Accepted {
		n.succs.Add(resp.Predecessor)
		if n.succs.Successor().Equal(resp.Predecessor) {
			call(n, resp.Predecessor, StabilizeRequest{}, n.cfg.RPCTimeout,
				n.handleStabilizeResponse, n.stabilizeFailed)
		}
		return
	}

	n.succs.Update(src, resp.Successors)
}

// handleNewSuccessorHint learns that src got a new predecessor, which may
// be a closer successor for this node.
func (n *Node) handleNewSuccessorHint(src NodeHandle, hint NewSuccessorHint) {
	if n.state != StateReady {
		return
	}
	pred := hint.Predecessor
	if pred.IsUnspecified() || pred.Addr == n.self.Addr {
		return
	}

	succ := n.succs.Successor()
	if pred.Key.Between(n.self.Key, succ.Key) || n.self.Key.Equal(succ.Key) {
		n.succs.Add(pred)
	}

	if n.cfg.MergeOptimizationL3 {
		succ = n.succs.Successor()
		if succ.Equal(pred) || succ.Equal(src) {
			call(n, pred, StabilizeRequest{}, n.cfg.RPCTimeout,
				n.handleStabilizeResponse, n.stabilizeFailed)
		}
	}
}

func (n *Node) handleCheckPredecessorTimer() {
	n.checkPredTimer = n.schedule(n.checkPredTimer, n.cfg.CheckPredecessorDelay, n.handleCheckPredecessorTimer)
	if n.state != StateReady || n.pred.IsUnspecified() {
		return
	}
	n.ping(n.pred, nil)
}

// ping probes node; a timeout is treated as a node failure.
func (n *Node) ping(node NodeHandle, onRTT func(time.Duration)) {
	call(n, node, PingRequest{}, n.cfg.RPCTimeout,
		func(_ NodeHandle, _ PingResponse, rtt time.Duration) {
			if onRTT != nil {
				onRTT(rtt)
			}
		},
		func(dest transport.Address) {
			n.logger.Debug().Str("node", string(dest)).Msg("Ping timed out")
			n.nodeFailed(dest)
		},
	)
}

func (n *Node) pingFinger(i int, node NodeHandle) {
	n.ping(node, func(rtt time.Duration) {
		n.fingers.UpdateRTT(i, node, rtt)
	})
}
