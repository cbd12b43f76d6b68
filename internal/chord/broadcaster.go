package chord

import (
	"fmt"
	"time"
)

// Ring update event types
const (
	EventNodeJoin    = "node_join"
	EventNodeLeave   = "node_leave"
	EventStateChange = "state_change"
)

// Listener is told when a node gains or loses a neighbor, that is a
// successor list entry or its predecessor. Calls run on the node's
// scheduler and must not block.
type Listener interface {
	OnNeighborJoined(self, node NodeHandle)
	OnNeighborLeft(self, node NodeHandle)
}

// StateObserver is an optional extension of Listener that is told about
// membership state changes.
type StateObserver interface {
	OnStateChange(self NodeHandle, state State)
}

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows nodes to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`      // "node_join", "node_leave", "state_change"
	NodeID    string `json:"node_id"`   // key of the node that observed the change
	Neighbor  string `json:"neighbor"`  // key of the neighbor involved, if any
	Timestamp int64  `json:"timestamp"` // Unix timestamp
	Message   string `json:"message"`   // Human-readable message
}

// BroadcastListener turns neighbor changes into RingUpdateEvents.
type BroadcastListener struct {
	Broadcaster RingUpdateBroadcaster
	Now         func() time.Time
}

// NewBroadcastListener creates a listener publishing to b, stamping events
// with now.
func NewBroadcastListener(b RingUpdateBroadcaster, now func() time.Time) *BroadcastListener {
	if now == nil {
		now = time.Now
	}
	return &BroadcastListener{Broadcaster: b, Now: now}
}

// OnNeighborJoined implements Listener.
func (l *BroadcastListener) OnNeighborJoined(self, node NodeHandle) {
	l.publish(RingUpdateEvent{
		Type:     EventNodeJoin,
		NodeID:   self.Key.Text(16),
		Neighbor: node.Key.Text(16),
		Message:  fmt.Sprintf("%s learned about %s", self, node),
	})
}

// OnNeighborLeft implements Listener.
func (l *BroadcastListener) OnNeighborLeft(self, node NodeHandle) {
	l.publish(RingUpdateEvent{
		Type:     EventNodeLeave,
		NodeID:   self.Key.Text(16),
		Neighbor: node.Key.Text(16),
		Message:  fmt.Sprintf("%s dropped %s", self, node),
	})
}

// OnStateChange implements StateObserver.
func (l *BroadcastListener) OnStateChange(self NodeHandle, state State) {
	l.publish(RingUpdateEvent{
		Type:    EventStateChange,
		NodeID:  self.Key.Text(16),
		Message: fmt.Sprintf("%s is %s", self, state),
	})
}

func (l *BroadcastListener) publish(ev RingUpdateEvent) {
	if l.Broadcaster == nil {
		return
	}
	ev.Timestamp = l.Now().Unix()
	// a slow or absent subscriber must never stall the protocol
	_ = l.Broadcaster.BroadcastRingUpdate(ev)
}

// Listeners fans events out to several listeners.
type Listeners []Listener

// OnNeighborJoined implements Listener.
func (ls Listeners) OnNeighborJoined(self, node NodeHandle) {
	for _, l := range ls {
		l.OnNeighborJoined(self, node)
	}
}

// OnNeighborLeft implements Listener.
func (ls Listeners) OnNeighborLeft(self, node NodeHandle) {
	for _, l := range ls {
		l.OnNeighborLeft(self, node)
	}
}

// OnStateChange implements StateObserver.
func (ls Listeners) OnStateChange(self NodeHandle, state State) {
	for _, l := range ls {
		if o, ok := l.(StateObserver); ok {
			o.OnStateChange(self, state)
		}
	}
}
