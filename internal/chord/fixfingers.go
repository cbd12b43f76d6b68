package chord

import (
	"time"

	"github.com/zde37/koorde/internal/transport"
)

// handleFixfingersTimer refreshes every non-trivial finger through a routed
// lookup. Fingers whose start falls before the successor are dropped since
// the successor serves them.
func (n *Node) handleFixfingersTimer() {
	n.fixfingersTimer = nil
	if n.state != StateReady || n.succs.IsEmpty() {
		return
	}

	span := n.space.Distance(n.self.Key, n.succs.Successor().Key)
	for i := 0; i < n.space.Bits(); i++ {
		if n.space.Pow2(i).Cmp(span) <= 0 {
			n.fingers.Remove(i)
			continue
		}
		routedCall(n, NodeHandle{}, n.space.AddPowerOfTwo(n.self.Key, i),
			FixfingersRequest{Finger: i}, n.cfg.RPCTimeout,
			n.handleFixfingersResponse,
			func(dest transport.Address) {
				n.logger.Trace().Int("finger", i).Msg("Fixfingers request failed")
			},
		)
	}

	n.fixfingersTimer = n.schedule(n.fixfingersTimer, n.cfg.FixFingersDelay, n.handleFixfingersTimer)
}

func (n *Node) rpcFixfingers(env transport.Envelope, req FixfingersRequest) {
	resp := FixfingersResponse{Finger: req.Finger, Nodes: []NodeHandle{n.self}}
	if n.cfg.ExtendedFingerTable {
		resp.Nodes = append(resp.Nodes, n.succs.Head(n.cfg.NumFingerCandidates)...)
	}
	n.reply(env, resp)
}

func (n *Node) handleFixfingersResponse(_ NodeHandle, resp FixfingersResponse, _ time.Duration) {
	if n.state != StateReady || len(resp.Nodes) == 0 {
		return
	}

	if !n.cfg.ExtendedFingerTable {
		owner := resp.Nodes[0]
		if owner.IsUnspecified() || owner.Addr == n.self.Addr {
			n.fingers.Remove(resp.Finger)
			return
		}
		n.fingers.Set(resp.Finger, owner)
		return
	}

	var candidates []NodeHandle
	for _, c := range resp.Nodes {
		if c.IsUnspecified() {
			continue
		}
		if c.Addr == n.self.Addr {
			break
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return
	}
	n.fingers.SetCandidates(resp.Finger, candidates)
	for _, c := range candidates {
		n.pingFinger(resp.Finger, c)
	}
}
