package chord

import (
	"sort"

	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

// UpdateFunc reports a neighbor entering (joined=true) or leaving a table.
type UpdateFunc func(node NodeHandle, joined bool)

type successorEntry struct {
	node  NodeHandle
	fresh bool
}

// SuccessorList holds up to K nodes ordered by clockwise distance from the
// owner. An empty list reports the owner itself as its only successor, so
// a node alone on the ring is its own successor.
type SuccessorList struct {
	space    *hash.Space
	self     NodeHandle
	capacity int
	entries  []successorEntry
	onUpdate UpdateFunc
}

// NewSuccessorList creates an empty list for self.
func NewSuccessorList(space *hash.Space, self NodeHandle, capacity int, onUpdate UpdateFunc) *SuccessorList {
	if capacity < 1 {
		capacity = 1
	}
	if onUpdate == nil {
		onUpdate = func(NodeHandle, bool) {}
	}
	return &SuccessorList{
		space:    space,
		self:     self,
		capacity: capacity,
		onUpdate: onUpdate,
	}
}

// Reset drops all entries without reporting them and rebinds the owner.
func (l *SuccessorList) Reset(self NodeHandle) {
	l.self = self
	l.entries = nil
}

// Capacity returns K.
func (l *SuccessorList) Capacity() int {
	return l.capacity
}

// IsEmpty reports whether the list holds no node other than the owner.
func (l *SuccessorList) IsEmpty() bool {
	return len(l.entries) == 0
}

// Size returns the number of successors, counting the owner when empty.
func (l *SuccessorList) Size() int {
	if len(l.entries) == 0 {
		return 1
	}
	return len(l.entries)
}

// At returns successor i. Index 0 of an empty list is the owner.
func (l *SuccessorList) At(i int) NodeHandle {
	if len(l.entries) == 0 {
		if i == 0 {
			return l.self
		}
		return NodeHandle{}
	}
	if i < 0 || i >= len(l.entries) {
		return NodeHandle{}
	}
	return l.entries[i].node
}

// Successor returns the immediate successor.
func (l *SuccessorList) Successor() NodeHandle {
	return l.At(0)
}

// Last returns the farthest successor.
func (l *SuccessorList) Last() NodeHandle {
	return l.At(l.Size() - 1)
}

// Nodes returns a copy of the list in ring order, the owner if empty.
func (l *SuccessorList) Nodes() []NodeHandle {
	if len(l.entries) == 0 {
		return []NodeHandle{l.self}
	}
	out := make([]NodeHandle, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.node
	}
	return out
}

// Head returns at most n leading successors.
func (l *SuccessorList) Head(n int) []NodeHandle {
	nodes := l.Nodes()
	if n < len(nodes) {
		nodes = nodes[:n]
	}
	return nodes
}

// Contains reports whether addr is a successor.
func (l *SuccessorList) Contains(addr transport.Address) bool {
	return l.indexOf(addr) >= 0
}

func (l *SuccessorList) indexOf(addr transport.Address) int {
	for i, e := range l.entries {
		if e.node.Addr == addr {
			return i
		}
	}
	return -1
}

// Add inserts node in ring order and trims the list to K.
func (l *SuccessorList) Add(node NodeHandle) {
	l.add(node, true)
}

func (l *SuccessorList) add(node NodeHandle, resize bool) {
	if node.IsUnspecified() || node.Key.Equal(l.self.Key) || node.Addr == l.self.Addr {
		return
	}

	replaced := false
	for i, e := range l.entries {
		if e.node.Key.Equal(node.Key) {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			replaced = true
			break
		}
	}

	dist := l.space.Distance(l.self.Key, node.Key)
	at := sort.Search(len(l.entries), func(i int) bool {
		return l.space.Distance(l.self.Key, l.entries[i].node.Key).Cmp(dist) > 0
	})
	l.entries = append(l.entries, successorEntry{})
	copy(l.entries[at+1:], l.entries[at:])
	l.entries[at] = successorEntry{node: node, fresh: true}

	if !replaced {
		l.onUpdate(node, true)
	}
	if resize {
		l.trim()
	}
}

func (l *SuccessorList) trim() {
	for len(l.entries) > l.capacity {
		last := l.entries[len(l.entries)-1]
		l.entries = l.entries[:len(l.entries)-1]
		l.onUpdate(last.node, false)
	}
}

// Update merges the successor list src sent back to a notify. Nodes
// between the owner and src are skipped since they would displace src as
// successor, and entries no longer confirmed by any update are dropped.
func (l *SuccessorList) Update(src NodeHandle, successors []NodeHandle) {
	l.add(src, false)
	for k := 0; k < len(successors) && k < l.capacity-1; k++ {
		s := successors[k]
		if s.Key.BetweenLR(l.self.Key, src.Key) {
			continue
		}
		l.add(s, false)
	}
	l.removeOld()
}

func (l *SuccessorList) removeOld() {
	kept := l.entries[:0]
	var dropped []NodeHandle
	for _, e := range l.entries {
		if !e.fresh {
			dropped = append(dropped, e.node)
			continue
		}
		e.fresh = false
		kept = append(kept, e)
	}
	l.entries = kept
	for _, n := range dropped {
		l.onUpdate(n, false)
	}
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
}

// Remove drops addr from the list and reports whether it was present.
func (l *SuccessorList) Remove(addr transport.Address) bool {
	i := l.indexOf(addr)
	if i < 0 {
		return false
	}
	node := l.entries[i].node
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.onUpdate(node, false)
	return true
}
