package chord

import (
	"fmt"
	"time"

	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

// NodeHandle identifies a ring member by key and transport address.
// Handles are values; they are never mutated after construction.
type NodeHandle struct {
	Key  hash.Key          `json:"key"`
	Addr transport.Address `json:"addr"`
}

// NewNodeHandle creates a handle.
func NewNodeHandle(key hash.Key, addr transport.Address) NodeHandle {
	return NodeHandle{Key: key, Addr: addr}
}

// IsUnspecified reports whether the handle points nowhere.
func (h NodeHandle) IsUnspecified() bool {
	return h.Addr == "" || h.Key.IsUnspecified()
}

// Equal reports whether key and address both match.
func (h NodeHandle) Equal(other NodeHandle) bool {
	return h.Addr == other.Addr && h.Key.Equal(other.Key)
}

// String returns a human-readable representation of the handle.
func (h NodeHandle) String() string {
	if h.IsUnspecified() {
		return "<unspec>"
	}
	return fmt.Sprintf("%s@%s", h.Key.Text(16), h.Addr)
}

// State is the membership state of a node.
type State int

const (
	StateInit State = iota
	StateBootstrap
	StateReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBootstrap:
		return "BOOTSTRAP"
	case StateReady:
		return "READY"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sibling is the answer of IsSiblingFor.
// SiblingUnknown means the node cannot decide with its local view; the
// caller must forward or retry rather than treat it as a no.
type Sibling int

const (
	SiblingNo Sibling = iota
	SiblingYes
	SiblingUnknown
)

func (s Sibling) String() string {
	switch s {
	case SiblingNo:
		return "no"
	case SiblingYes:
		return "yes"
	default:
		return "unknown"
	}
}

// RouteState travels with a Koorde lookup. RouteKey is the imaginary de
// Bruijn node the lookup is currently at; Step is the 1-based index of the
// next destination bit to shift in. DeBruijnHops counts forwards along de
// Bruijn pointers, leaving out successor corrections.
type RouteState struct {
	RouteKey     hash.Key `json:"route_key"`
	Step         int      `json:"step"`
	DeBruijnHops int      `json:"debruijn_hops"`
}

// NewRouteState returns the state a lookup starts with.
func NewRouteState() RouteState {
	return RouteState{Step: 1}
}

// LookupResult is the outcome of a completed lookup.
type LookupResult struct {
	Key          hash.Key     `json:"key"`
	Nodes        []NodeHandle `json:"nodes"`         // owner first, then siblings
	Hops         int          `json:"hops"`          // remote FindNode calls that were answered
	DeBruijnHops int          `json:"debruijn_hops"` // Koorde only
	Path         []NodeHandle `json:"path"`
}

// Owner returns the node responsible for the key.
func (r LookupResult) Owner() NodeHandle {
	if len(r.Nodes) == 0 {
		return NodeHandle{}
	}
	return r.Nodes[0]
}

// Stats counts protocol messages sent and received by a node.
type Stats struct {
	Sent          map[string]uint64 `json:"sent"`
	Received      map[string]uint64 `json:"received"`
	Lookups       uint64            `json:"lookups"`
	LookupsFailed uint64            `json:"lookups_failed"`
	LookupHops    uint64            `json:"lookup_hops"`
	Since         time.Time         `json:"since"`
}
