package chord

import (
	"sort"
	"time"

	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

type fingerCandidate struct {
	node     NodeHandle
	rtt      time.Duration
	measured bool
}

type fingerEntry struct {
	primary    NodeHandle
	candidates []fingerCandidate
}

// FingerTable holds L fingers; finger i points at the owner of
// self + 2^i. Unset fingers fall back to the nearest lower set finger and
// finally to the immediate successor.
type FingerTable struct {
	space   *hash.Space
	self    NodeHandle
	succs   *SuccessorList
	entries []fingerEntry
}

// NewFingerTable creates an empty table whose fallback is succs.
func NewFingerTable(space *hash.Space, self NodeHandle, succs *SuccessorList) *FingerTable {
	return &FingerTable{
		space:   space,
		self:    self,
		succs:   succs,
		entries: make([]fingerEntry, space.Bits()),
	}
}

// Reset clears every finger and rebinds the owner.
func (t *FingerTable) Reset(self NodeHandle) {
	t.self = self
	for i := range t.entries {
		t.entries[i] = fingerEntry{}
	}
}

// Size returns L.
func (t *FingerTable) Size() int {
	return len(t.entries)
}

func (t *FingerTable) valid(i int) bool {
	return i >= 0 && i < len(t.entries)
}

// Set points finger i at node and drops its candidates.
func (t *FingerTable) Set(i int, node NodeHandle) {
	if !t.valid(i) {
		return
	}
	t.entries[i] = fingerEntry{primary: node}
}

// SetCandidates points finger i at nodes[0] and keeps all of nodes,
// the primary included, as unmeasured candidates.
func (t *FingerTable) SetCandidates(i int, nodes []NodeHandle) {
	if !t.valid(i) || len(nodes) == 0 {
		return
	}
	e := fingerEntry{primary: nodes[0]}
	for _, n := range nodes {
		e.candidates = append(e.candidates, fingerCandidate{node: n})
	}
	t.entries[i] = e
	t.rank(i)
}

// UpdateRTT records a measured round trip to a candidate of finger i.
// It reports false if node is not a candidate there.
func (t *FingerTable) UpdateRTT(i int, node NodeHandle, rtt time.Duration) bool {
	if !t.valid(i) || rtt < 0 {
		return false
	}
	e := &t.entries[i]
	for j := range e.candidates {
		if e.candidates[j].node.Addr == node.Addr {
			e.candidates[j].rtt = rtt
			e.candidates[j].measured = true
			t.rank(i)
			return true
		}
	}
	return false
}

// rank orders candidates by RTT, unmeasured ones last; ties go to the node
// closer clockwise to the finger's start.
func (t *FingerTable) rank(i int) {
	start := t.space.AddPowerOfTwo(t.self.Key, i)
	c := t.entries[i].candidates
	sort.SliceStable(c, func(a, b int) bool {
		if c[a].measured != c[b].measured {
			return c[a].measured
		}
		if c[a].measured && c[a].rtt != c[b].rtt {
			return c[a].rtt < c[b].rtt
		}
		da := t.space.Distance(start, c[a].node.Key)
		db := t.space.Distance(start, c[b].node.Key)
		return da.Cmp(db) < 0
	})
}

// Remove clears finger i.
func (t *FingerTable) Remove(i int) {
	if !t.valid(i) {
		return
	}
	t.entries[i] = fingerEntry{}
}

// Primary returns the node stored at i without fallback.
func (t *FingerTable) Primary(i int) NodeHandle {
	if !t.valid(i) {
		return NodeHandle{}
	}
	return t.entries[i].primary
}

// Finger returns finger i, falling back to lower fingers, then the successor.
func (t *FingerTable) Finger(i int) NodeHandle {
	if !t.valid(i) {
		return t.succs.Successor()
	}
	for j := i; j >= 0; j-- {
		if !t.entries[j].primary.IsUnspecified() {
			return t.entries[j].primary
		}
	}
	return t.succs.Successor()
}

// Candidates returns the ranked candidates of finger i that lie in
// (self, key], so none overshoots key. The primary is always eligible. With no eligible
// candidate it returns the primary, or the successor if finger i is unset.
func (t *FingerTable) Candidates(i int, key hash.Key) []NodeHandle {
	if !t.valid(i) {
		return []NodeHandle{t.succs.Successor()}
	}
	e := t.entries[i]
	var out []NodeHandle
	for _, c := range e.candidates {
		if c.node.Equal(e.primary) || c.node.Key.BetweenR(t.self.Key, key) {
			out = append(out, c.node)
		}
	}
	if len(out) > 0 {
		return out
	}
	if e.primary.IsUnspecified() {
		return []NodeHandle{t.succs.Successor()}
	}
	return []NodeHandle{e.primary}
}

// HandleFailed forgets addr everywhere and reports whether it was a primary.
func (t *FingerTable) HandleFailed(addr transport.Address) bool {
	found := false
	for i := range t.entries {
		e := &t.entries[i]
		if !e.primary.IsUnspecified() && e.primary.Addr == addr {
			e.primary = NodeHandle{}
			found = true
		}
		for j, c := range e.candidates {
			if c.node.Addr == addr {
				e.candidates = append(e.candidates[:j], e.candidates[j+1:]...)
				break
			}
		}
	}
	return found
}

// SetIndices returns the indices of fingers that hold a node.
func (t *FingerTable) SetIndices() []int {
	var out []int
	for i, e := range t.entries {
		if !e.primary.IsUnspecified() {
			out = append(out, i)
		}
	}
	return out
}
