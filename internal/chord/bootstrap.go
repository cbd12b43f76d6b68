package chord

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/zde37/koorde/internal/transport"
)

// BootstrapList hands joining nodes a contact inside the ring.
type BootstrapList interface {
	// BootstrapNode returns a random READY node other than exclude, or an
	// unspecified handle if there is none.
	BootstrapNode(exclude transport.Address) NodeHandle
	// Register adds a node that became READY.
	Register(node NodeHandle)
	// Unregister removes a node that left the READY state.
	Unregister(addr transport.Address)
}

// Oracle is a global, in-memory BootstrapList. It is safe for concurrent use.
type Oracle struct {
	mu    sync.Mutex
	rng   *rand.Rand
	nodes map[transport.Address]NodeHandle
}

// NewOracle creates an empty oracle drawing contacts from rng.
func NewOracle(rng *rand.Rand) *Oracle {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Oracle{
		rng:   rng,
		nodes: make(map[transport.Address]NodeHandle),
	}
}

// BootstrapNode implements BootstrapList.
func (o *Oracle) BootstrapNode(exclude transport.Address) NodeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()

	candidates := make([]NodeHandle, 0, len(o.nodes))
	for addr, node := range o.nodes {
		if addr != exclude {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return NodeHandle{}
	}
	// map order is random; sort so the rng alone decides
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Addr < candidates[j].Addr
	})
	return candidates[o.rng.Intn(len(candidates))]
}

// Register implements BootstrapList.
func (o *Oracle) Register(node NodeHandle) {
	if node.IsUnspecified() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes[node.Addr] = node
}

// Unregister implements BootstrapList.
func (o *Oracle) Unregister(addr transport.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.nodes, addr)
}

// Size returns the number of registered nodes.
func (o *Oracle) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.nodes)
}

// Nodes returns the registered nodes ordered by key.
func (o *Oracle) Nodes() []NodeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]NodeHandle, 0, len(o.nodes))
	for _, n := range o.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Cmp(out[j].Key) < 0
	})
	return out
}
