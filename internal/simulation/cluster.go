// Package simulation runs many ring nodes together on one in-memory
// network: it wires the bootstrap oracle, creates and removes nodes,
// drives churn and checks the ring against the ground truth.
package simulation

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/internal/config"
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg"
	"github.com/zde37/koorde/pkg/hash"
)

// Options configures a Cluster.
type Options struct {
	Config *config.Config
	Seed   int64

	// MinLatency and MaxLatency bound the stable per-link delay.
	MinLatency time.Duration
	MaxLatency time.Duration
	DropRate   float64

	// RealTime runs every node on its own wall-clock scheduler instead of
	// one shared simulated clock.
	RealTime bool

	Logger   *pkg.Logger
	Listener chord.Listener
}

type member struct {
	node  *chord.Node
	sched clock.Scheduler
	gone  bool
}

// Cluster is a set of nodes sharing a network and a bootstrap oracle.
type Cluster struct {
	cfg      *config.Config
	space    *hash.Space
	sim      *clock.Simulated // nil in real-time mode
	net      *transport.Network
	boot     *chord.Oracle
	base     *pkg.Logger
	logger   *pkg.Logger
	listener chord.Listener

	mu      sync.Mutex
	rng     *rand.Rand
	members []*member
	byAddr  map[transport.Address]*member
	nextID  int
}

// New creates an empty cluster.
func New(opts Options) (*Cluster, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	space, err := hash.NewSpace(opts.Config.M)
	if err != nil {
		return nil, err
	}
	if opts.DropRate < 0 || opts.DropRate >= 1 {
		return nil, fmt.Errorf("drop rate must be in [0, 1), got %v", opts.DropRate)
	}
	logger := opts.Logger
	if logger == nil {
		logger = pkg.NewNop()
	}
	if opts.MaxLatency == 0 {
		opts.MinLatency, opts.MaxLatency = 5*time.Millisecond, 50*time.Millisecond
	}

	netOpts := []transport.Option{
		transport.WithLatency(transport.PairLatency(opts.MinLatency, opts.MaxLatency)),
		transport.WithLogger(logger),
	}
	if opts.DropRate > 0 {
		netOpts = append(netOpts, transport.WithDropRate(opts.DropRate, rand.New(rand.NewSource(opts.Seed+1))))
	}

	c := &Cluster{
		cfg:      opts.Config,
		space:    space,
		net:      transport.NewNetwork(netOpts...),
		boot:     chord.NewOracle(rand.New(rand.NewSource(opts.Seed))),
		base:     logger,
		logger:   logger.Component("simulation"),
		listener: opts.Listener,
		rng:      rand.New(rand.NewSource(opts.Seed + 2)),
		byAddr:   make(map[transport.Address]*member),
	}
	if !opts.RealTime {
		c.sim = clock.NewSimulated()
	}
	return c, nil
}

// Config returns the overlay configuration shared by all nodes.
func (c *Cluster) Config() *config.Config { return c.cfg }

// Space returns the key space.
func (c *Cluster) Space() *hash.Space { return c.space }

// Clock returns the simulated clock, or nil in real-time mode.
func (c *Cluster) Clock() *clock.Simulated { return c.sim }

// Network returns the shared network.
func (c *Cluster) Network() *transport.Network { return c.net }

// Bootstrap returns the shared bootstrap oracle.
func (c *Cluster) Bootstrap() *chord.Oracle { return c.boot }

// Now returns the cluster's current time.
func (c *Cluster) Now() time.Time {
	if c.sim != nil {
		return c.sim.Now()
	}
	return time.Now()
}

// AddNode creates a node and starts its join. An unspecified key is
// derived from the node's address.
func (c *Cluster) AddNode(key hash.Key) (*chord.Node, error) {
	c.mu.Lock()
	port := c.cfg.Port + c.nextID
	c.nextID++
	c.mu.Unlock()

	addr := transport.Address(fmt.Sprintf("%s:%d", c.cfg.Host, port))
	if key.IsUnspecified() {
		key = c.space.HashAddress(c.cfg.Host, port)
	}

	var sched clock.Scheduler = c.sim
	if c.sim == nil {
		sched = clock.NewReal()
	}

	opts := []chord.Option{
		chord.WithBootstrap(c.boot),
		chord.WithLogger(c.base),
		chord.WithRand(rand.New(rand.NewSource(int64(port)))),
	}
	if c.listener != nil {
		opts = append(opts, chord.WithListener(c.listener))
	}
	node, err := chord.NewNode(c.cfg, addr, sched, c.net, opts...)
	if err != nil {
		stopScheduler(sched)
		return nil, fmt.Errorf("create node %s: %w", addr, err)
	}

	m := &member{node: node, sched: sched}
	c.mu.Lock()
	c.members = append(c.members, m)
	c.byAddr[addr] = m
	c.mu.Unlock()

	if err := node.Join(key); err != nil {
		return nil, fmt.Errorf("join node %s: %w", addr, err)
	}
	c.logger.Debug().
		Str("addr", string(addr)).
		Str("key", key.Text(16)).
		Msg("Node added")
	return node, nil
}

// Grow adds n nodes one after another, each becoming READY before the
// next one starts. limit bounds the wait per node.
func (c *Cluster) Grow(n int, limit time.Duration) error {
	for i := 0; i < n; i++ {
		node, err := c.AddNode(hash.Key{})
		if err != nil {
			return err
		}
		if !c.Await(node.IsReady, limit) {
			return fmt.Errorf("node %s not ready after %s", node.Addr(), limit)
		}
	}
	return nil
}

// Kill stops a node abruptly.
func (c *Cluster) Kill(addr transport.Address) error {
	m, err := c.take(addr)
	if err != nil {
		return err
	}
	m.node.Shutdown()
	c.logger.Debug().Str("addr", string(addr)).Msg("Node killed")
	return nil
}

// Leave lets a node depart gracefully.
func (c *Cluster) Leave(addr transport.Address) error {
	m, err := c.take(addr)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("addr", string(addr)).Msg("Node leaving")
	return m.node.Leave()
}

func (c *Cluster) take(addr transport.Address) (*member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byAddr[addr]
	if !ok || m.gone {
		return nil, fmt.Errorf("%w: %s", pkg.ErrUnknownAddress, addr)
	}
	m.gone = true
	return m, nil
}

// Node returns the node at addr, or nil.
func (c *Cluster) Node(addr transport.Address) *chord.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byAddr[addr]; ok {
		return m.node
	}
	return nil
}

// Nodes returns every node ever added, in creation order.
func (c *Cluster) Nodes() []*chord.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chord.Node, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.node)
	}
	return out
}

// Live returns the nodes that were neither removed nor crashed, ordered
// by key. Nodes that have not joined yet are included.
func (c *Cluster) Live() []*chord.Node {
	c.mu.Lock()
	var out []*chord.Node
	for _, m := range c.members {
		if !m.gone {
			out = append(out, m.node)
		}
	}
	c.mu.Unlock()

	live := out[:0]
	for _, n := range out {
		if n.Err() == nil && n.State() != chord.StateShutdown {
			live = append(live, n)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].Key().Cmp(live[j].Key()) < 0
	})
	return live
}

// Crashed returns the nodes stopped by an invariant violation.
func (c *Cluster) Crashed() []*chord.Node {
	var out []*chord.Node
	for _, n := range c.Nodes() {
		if n.Err() != nil {
			out = append(out, n)
		}
	}
	return out
}

// RandomLive picks a live READY node, or nil if there is none.
func (c *Cluster) RandomLive() *chord.Node {
	var ready []*chord.Node
	for _, n := range c.Live() {
		if n.IsReady() {
			ready = append(ready, n)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ready[c.rng.Intn(len(ready))]
}

// RandomKey draws a key from the cluster's seeded source.
func (c *Cluster) RandomKey() hash.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space.Random(c.rng)
}

// Owner returns the live node responsible for key: the first one at or
// after it clockwise.
func (c *Cluster) Owner(key hash.Key) *chord.Node {
	return ownerOf(c.Live(), key)
}

func ownerOf(ring []*chord.Node, key hash.Key) *chord.Node {
	if len(ring) == 0 {
		return nil
	}
	i := sort.Search(len(ring), func(i int) bool {
		return ring[i].Key().Cmp(key) >= 0
	})
	if i == len(ring) {
		i = 0
	}
	return ring[i]
}

// Run advances the cluster by d.
func (c *Cluster) Run(d time.Duration) {
	if c.sim != nil {
		c.sim.RunFor(d)
		return
	}
	time.Sleep(d)
}

// Await runs the cluster until cond holds or limit has passed and
// reports whether cond was met.
func (c *Cluster) Await(cond func() bool, limit time.Duration) bool {
	if c.sim != nil {
		return c.sim.RunUntil(cond, limit)
	}
	deadline := time.Now().Add(limit)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Lookup runs one lookup from a node and waits for its result.
func (c *Cluster) Lookup(from *chord.Node, key hash.Key, siblings int) (chord.LookupResult, error) {
	var (
		done atomic.Bool
		res  chord.LookupResult
		err  error
		mu   sync.Mutex
	)
	from.Lookup(key, siblings, func(lr chord.LookupResult, e error) {
		mu.Lock()
		res, err = lr, e
		mu.Unlock()
		done.Store(true)
	})
	limit := time.Duration(c.cfg.MaxHops()+1) * c.cfg.RPCTimeout
	if !c.Await(done.Load, limit) {
		return chord.LookupResult{}, fmt.Errorf("lookup %s from %s: %w", key.Text(16), from.Addr(), pkg.ErrLookupFailed)
	}
	mu.Lock()
	defer mu.Unlock()
	return res, err
}

// Close stops every node and its scheduler.
func (c *Cluster) Close() {
	c.mu.Lock()
	members := append([]*member(nil), c.members...)
	c.mu.Unlock()
	for _, m := range members {
		m.node.Shutdown()
		stopScheduler(m.sched)
	}
}

func stopScheduler(s clock.Scheduler) {
	if r, ok := s.(*clock.Real); ok {
		r.Stop()
	}
}
