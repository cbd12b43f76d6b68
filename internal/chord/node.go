package chord

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/xid"

	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/internal/config"
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg"
	"github.com/zde37/koorde/pkg/hash"
)

// Network is the datagram fabric a node talks over.
type Network interface {
	Attach(addr transport.Address, sched clock.Scheduler, h transport.Handler) error
	Detach(addr transport.Address)
	Send(env transport.Envelope) error
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l *pkg.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.base = l
		}
	}
}

// WithBootstrap sets the list the node picks its join contact from and
// registers with once it is ready.
func WithBootstrap(b BootstrapList) Option {
	return func(n *Node) {
		n.boot = b
	}
}

// WithListener sets the neighbor change listener.
func WithListener(l Listener) Option {
	return func(n *Node) {
		n.listener = l
	}
}

// WithRand sets the random source used for random node keys.
func WithRand(r *rand.Rand) Option {
	return func(n *Node) {
		if r != nil {
			n.rng = r
		}
	}
}

// Node is one member of a Chord or Koorde ring.
//
// All protocol state is owned by the node's scheduler: handlers, timers
// and public methods all run through it, one at a time, so no locking is
// needed. Public methods must not be called from a Listener or lookup
// callback when the scheduler is a clock.Real, since they wait on it.
type Node struct {
	cfg      *config.Config
	space    *hash.Space
	sched    clock.Scheduler
	net      Network
	calls    *transport.CallTable
	boot     BootstrapList
	listener Listener
	rng      *rand.Rand
	base     *pkg.Logger
	logger   *pkg.Logger

	self          NodeHandle
	state         State
	pred          NodeHandle
	succs         *SuccessorList
	fingers       *FingerTable
	bootstrapNode NodeHandle

	joinAttempts     int
	missingPredStabs int
	failedSuccessor  NodeHandle

	joinTimer       clock.Timer
	stabilizeTimer  clock.Timer
	fixfingersTimer clock.Timer
	checkPredTimer  clock.Timer
	deBruijnTimer   clock.Timer

	deBruijnNode  NodeHandle
	deBruijnNodes []NodeHandle

	stopped bool
	err     error

	sent          [numKinds]uint64
	received      [numKinds]uint64
	lookups       uint64
	lookupsFailed uint64
	lookupHops    uint64
	created       time.Time
}

// NewNode creates a node listening on addr. The node starts in INIT;
// call Join to enter the ring.
func NewNode(cfg *config.Config, addr transport.Address, sched clock.Scheduler, net Network, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	space, err := hash.NewSpace(cfg.M)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:   cfg,
		space: space,
		sched: sched,
		net:   net,
		calls: transport.NewCallTable(sched),
		rng:   rand.New(rand.NewSource(int64(xxhash.Sum64String(string(addr))))),
		base:  pkg.NewNop(),
		self:  NodeHandle{Addr: addr},
		state: StateInit,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.base.WithFields(pkg.Fields{"node_addr": string(addr)})
	n.succs = NewSuccessorList(space, n.self, cfg.SuccessorListSize, n.callUpdate)
	n.fingers = NewFingerTable(space, n.self, n.succs)
	n.created = sched.Now()

	if err := net.Attach(addr, sched, n); err != nil {
		return nil, fmt.Errorf("attach node: %w", err)
	}

	n.logger.Debug().
		Str("overlay", cfg.Overlay).
		Int("bits", cfg.M).
		Msg("Node created")

	return n, nil
}

// Join enters the ring under key, or under a random key if key is
// unspecified. The node moves to BOOTSTRAP and becomes READY once a join
// handshake completes, or at once if no other node is known.
func (n *Node) Join(key hash.Key) error {
	var err error
	n.sched.Exec(func() {
		if n.stopped {
			err = pkg.ErrNodeShutdown
			return
		}
		if n.state != StateInit {
			err = fmt.Errorf("join: node is %s", n.state)
			return
		}
		if key.IsUnspecified() {
			key = n.space.Random(n.rng)
		} else if !n.space.IsValid(key) {
			err = fmt.Errorf("join: key %s outside the %d-bit key space", key, n.space.Bits())
			return
		}
		n.guard(func() {
			n.setKey(key)
			n.changeState(StateInit)
			n.changeState(StateBootstrap)
		})
		if n.err != nil {
			err = n.err
		}
	})
	return err
}

// Leave departs gracefully: neighbors are told, then the node stops
// answering and detaches after one RPC timeout.
func (n *Node) Leave() error {
	var err error
	n.sched.Exec(func() {
		if n.stopped {
			err = pkg.ErrNodeShutdown
			return
		}
		if n.state == StateReady {
			notice := LeaveNotice{Predecessor: n.pred, Successors: n.succs.Nodes()}
			succ := n.succs.Successor()
			if succ.Addr != n.self.Addr {
				n.notify(succ, notice)
			}
			if !n.pred.IsUnspecified() && n.pred.Addr != succ.Addr {
				n.notify(n.pred, notice)
			}
		}
		n.logger.Info().Msg("Leaving ring")
		n.halt()
		addr := n.self.Addr
		n.sched.Schedule(n.cfg.RPCTimeout, func() {
			n.net.Detach(addr)
		})
	})
	return err
}

// Shutdown stops the node abruptly, as if it crashed. Neighbors find out
// through timeouts.
func (n *Node) Shutdown() {
	n.sched.Exec(func() {
		if n.stopped {
			return
		}
		n.logger.Info().Msg("Shutting down")
		n.halt()
		n.net.Detach(n.self.Addr)
	})
}

// halt stops all activity. Callers decide when to detach.
func (n *Node) halt() {
	n.stopped = true
	n.unregister()
	n.stopTimers()
	n.calls.CancelAll()
	n.setState(StateShutdown)
}

func (n *Node) crash(err *InvariantError) {
	n.err = err
	n.logger.WithError(err).Error().
		Str("op", err.Op).
		Msg("Invariant violated, node stopped")
	n.halt()
	n.net.Detach(n.self.Addr)
}

// guard runs fn unless the node has stopped and turns an invariant
// violation raised inside it into a crash of this node only.
func (n *Node) guard(fn func()) {
	if n.stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			n.crash(ie)
		}
	}()
	fn()
}

func (n *Node) read(fn func()) {
	n.sched.Exec(fn)
}

func (n *Node) setKey(key hash.Key) {
	n.self = NodeHandle{Key: key, Addr: n.self.Addr}
	n.logger = n.base.WithFields(pkg.Fields{
		"node_addr": string(n.self.Addr),
		"node_key":  key.Text(16),
	})
	n.succs.Reset(n.self)
	n.fingers.Reset(n.self)
}

func (n *Node) setState(s State) {
	if n.state == s {
		return
	}
	from := n.state
	n.state = s
	n.logger.Debug().
		Str("from", from.String()).
		Str("to", s.String()).
		Msg("State changed")
	if o, ok := n.listener.(StateObserver); ok {
		o.OnStateChange(n.self, s)
	}
}

func (n *Node) changeState(to State) {
	switch to {
	case StateInit:
		n.setState(StateInit)
		n.unregister()
		n.stopTimers()
		n.pred = NodeHandle{}
		n.succs.Reset(n.self)
		n.fingers.Reset(n.self)
		n.failedSuccessor = NodeHandle{}
		n.missingPredStabs = 0
		n.joinAttempts = 0
		n.deBruijnNode = NodeHandle{}
		n.deBruijnNodes = nil

	case StateBootstrap:
		n.setState(StateBootstrap)
		n.joinTimer = n.schedule(n.joinTimer, 0, n.handleJoinTimer)
		n.bootstrapNode = n.pickBootstrap()
		if n.bootstrapNode.IsUnspecified() {
			n.logger.Info().Msg("No bootstrap node, creating a new ring")
			n.changeState(StateReady)
			return
		}
		n.logger.Debug().
			Str("bootstrap", n.bootstrapNode.String()).
			Msg("Joining via bootstrap node")
		if n.cfg.IsKoorde() {
			n.koordeBootstrap()
		}

	case StateReady:
		n.setState(StateReady)
		n.joinTimer = clock.StopTimer(n.joinTimer)
		n.register()
		n.stabilizeTimer = n.schedule(n.stabilizeTimer, n.cfg.StabilizeDelay, n.handleStabilizeTimer)
		n.fixfingersTimer = n.schedule(n.fixfingersTimer, n.cfg.FixFingersDelay, n.handleFixfingersTimer)
		if n.cfg.CheckPredecessorDelay > 0 {
			n.checkPredTimer = n.schedule(n.checkPredTimer, n.cfg.CheckPredecessorDelay, n.handleCheckPredecessorTimer)
		}
		n.logger.Info().
			Str("successor", n.succs.Successor().String()).
			Str("predecessor", n.pred.String()).
			Msg("Node ready")
		if n.cfg.IsKoorde() {
			n.koordeReady()
		}
	}
}

func (n *Node) rejoin() {
	n.logger.Warn().Msg("Lost all successors, rejoining")
	n.changeState(StateInit)
	n.changeState(StateBootstrap)
}

func (n *Node) pickBootstrap() NodeHandle {
	if n.boot == nil {
		return NodeHandle{}
	}
	return n.boot.BootstrapNode(n.self.Addr)
}

func (n *Node) register() {
	if n.boot != nil {
		n.boot.Register(n.self)
	}
}

func (n *Node) unregister() {
	if n.boot != nil {
		n.boot.Unregister(n.self.Addr)
	}
}

// schedule replaces t with a timer running fn after d.
func (n *Node) schedule(t clock.Timer, d time.Duration, fn func()) clock.Timer {
	clock.StopTimer(t)
	return n.sched.Schedule(d, func() {
		n.guard(fn)
	})
}

func (n *Node) stopTimers() {
	n.joinTimer = clock.StopTimer(n.joinTimer)
	n.stabilizeTimer = clock.StopTimer(n.stabilizeTimer)
	n.fixfingersTimer = clock.StopTimer(n.fixfingersTimer)
	n.checkPredTimer = clock.StopTimer(n.checkPredTimer)
	n.deBruijnTimer = clock.StopTimer(n.deBruijnTimer)
}

// callUpdate reports a neighbor change to the listener.
func (n *Node) callUpdate(node NodeHandle, joined bool) {
	if n.listener == nil || node.IsUnspecified() || node.Addr == n.self.Addr {
		return
	}
	if joined {
		n.listener.OnNeighborJoined(n.self, node)
	} else {
		n.listener.OnNeighborLeft(n.self, node)
	}
}

// setPredecessor replaces the predecessor and reports the change.
func (n *Node) setPredecessor(node NodeHandle) {
	if node.Addr == n.self.Addr {
		return
	}
	old := n.pred
	n.pred = node
	if !old.IsUnspecified() && !old.Equal(node) {
		n.callUpdate(old, false)
	}
	if !node.IsUnspecified() && !old.Equal(node) {
		n.callUpdate(node, true)
	}
}

// HandleEnvelope implements transport.Handler.
func (n *Node) HandleEnvelope(env transport.Envelope) {
	n.guard(func() {
		pkt, ok := env.Payload.(Packet)
		if !ok || pkt.Body == nil {
			return
		}
		n.received[pkt.Body.Kind()]++
		if env.Response {
			n.calls.Resolve(env.CallID, env.From, pkt)
			return
		}
		n.dispatch(env, pkt)
	})
}

func (n *Node) dispatch(env transport.Envelope, pkt Packet) {
	switch body := pkt.Body.(type) {
	case PingRequest:
		n.reply(env, PingResponse{})
		return
	case FindNodeRequest:
		n.rpcFindNode(env, body)
		return
	case NewSuccessorHint:
		n.handleNewSuccessorHint(pkt.Src, body)
		return
	case LeaveNotice:
		n.handleLeaveNotice(pkt.Src, body)
		return
	}

	if n.state != StateReady {
		n.logger.Trace().
			Str("kind", pkt.Body.Kind().String()).
			Str("from", string(env.From)).
			Msg("Dropping request, node not ready")
		return
	}

	switch body := pkt.Body.(type) {
	case JoinRequest:
		n.rpcJoin(env, pkt.Src)
	case StabilizeRequest:
		n.rpcStabilize(env, pkt.Src)
	case NotifyRequest:
		n.rpcNotify(env, pkt.Src, body)
	case FixfingersRequest:
		n.rpcFixfingers(env, body)
	case DeBruijnRequest:
		if n.cfg.IsKoorde() {
			n.rpcDeBruijn(env, body)
		}
	}
}

func (n *Node) send(to transport.Address, id xid.ID, response bool, body Message) {
	n.sent[body.Kind()]++
	err := n.net.Send(transport.Envelope{
		From:     n.self.Addr,
		To:       to,
		CallID:   id,
		Response: response,
		Payload:  Packet{Src: n.self, Body: body},
	})
	if err != nil {
		n.logger.Trace().
			Err(err).
			Str("kind", body.Kind().String()).
			Msg("Send failed")
	}
}

func (n *Node) notify(to NodeHandle, body Notice) {
	n.send(to.Addr, xid.NilID(), false, body)
}

func (n *Node) reply(env transport.Envelope, body Response) {
	n.send(env.From, env.CallID, true, body)
}

// call sends req to dest. Exactly one of onResp or onTimeout runs, unless
// the node stops first.
func call[R Response](n *Node, dest NodeHandle, req Request, timeout time.Duration,
	onResp func(src NodeHandle, resp R, rtt time.Duration), onTimeout func(dest transport.Address)) {
	id := n.calls.Register(dest.Addr, timeout,
		transport.Typed(func(pkt Packet, rtt time.Duration) {
			resp, ok := pkt.Body.(R)
			if !ok || onResp == nil {
				return
			}
			onResp(pkt.Src, resp, rtt)
		}),
		func(addr transport.Address) {
			n.guard(func() {
				if onTimeout != nil {
					onTimeout(addr)
				}
			})
		},
	)
	n.send(dest.Addr, id, false, req)
}

// Self returns the node's handle.
func (n *Node) Self() NodeHandle {
	var h NodeHandle
	n.read(func() { h = n.self })
	return h
}

// Key returns the node's key, unspecified before Join.
func (n *Node) Key() hash.Key {
	return n.Self().Key
}

// Addr returns the node's transport address.
func (n *Node) Addr() transport.Address {
	return n.self.Addr
}

// Space returns the node's key space.
func (n *Node) Space() *hash.Space {
	return n.space
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.cfg
}

// State returns the membership state.
func (n *Node) State() State {
	var s State
	n.read(func() { s = n.state })
	return s
}

// IsReady reports whether the node has joined the ring.
func (n *Node) IsReady() bool {
	return n.State() == StateReady
}

// Err returns the invariant violation that stopped the node, if any.
func (n *Node) Err() error {
	var err error
	n.read(func() { err = n.err })
	return err
}

// Predecessor returns the predecessor, unspecified if unknown.
func (n *Node) Predecessor() NodeHandle {
	var h NodeHandle
	n.read(func() { h = n.pred })
	return h
}

// Successor returns the immediate successor; a lone node is its own.
func (n *Node) Successor() NodeHandle {
	var h NodeHandle
	n.read(func() { h = n.succs.Successor() })
	return h
}

// Successors returns a copy of the successor list.
func (n *Node) Successors() []NodeHandle {
	var out []NodeHandle
	n.read(func() { out = n.succs.Nodes() })
	return out
}

// Finger returns finger i with fallback applied.
func (n *Node) Finger(i int) NodeHandle {
	var h NodeHandle
	n.read(func() { h = n.fingers.Finger(i) })
	return h
}

// DeBruijnNode returns the Koorde de Bruijn pointer.
func (n *Node) DeBruijnNode() NodeHandle {
	var h NodeHandle
	n.read(func() { h = n.deBruijnNode })
	return h
}

// DeBruijnNodes returns a copy of the de Bruijn node's successors.
func (n *Node) DeBruijnNodes() []NodeHandle {
	var out []NodeHandle
	n.read(func() { out = append([]NodeHandle(nil), n.deBruijnNodes...) })
	return out
}

// Stats returns message and lookup counters.
func (n *Node) Stats() Stats {
	var s Stats
	n.read(func() {
		s = Stats{
			Sent:          make(map[string]uint64),
			Received:      make(map[string]uint64),
			Lookups:       n.lookups,
			LookupsFailed: n.lookupsFailed,
			LookupHops:    n.lookupHops,
			Since:         n.created,
		}
		for k := Kind(0); k < numKinds; k++ {
			if n.sent[k] > 0 {
				s.Sent[k.String()] = n.sent[k]
			}
			if n.received[k] > 0 {
				s.Received[k.String()] = n.received[k]
			}
		}
	})
	return s
}
