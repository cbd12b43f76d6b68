package pkg

import "errors"

var (
	// ErrInvariant is returned when a routing table is found structurally broken
	ErrInvariant = errors.New("protocol invariant violated")

	// ErrLookupFailed is returned when no candidate could resolve a key
	ErrLookupFailed = errors.New("lookup failed")

	// ErrNotReady is returned when an operation needs a node that has joined the ring
	ErrNotReady = errors.New("node not ready")

	// ErrNodeShutdown is returned when the node has left or crashed
	ErrNodeShutdown = errors.New("node is shut down")

	// ErrUnknownAddress is returned when a message is sent to an address nobody listens on
	ErrUnknownAddress = errors.New("unknown address")

	// ErrAddressInUse is returned when two nodes attach with the same address
	ErrAddressInUse = errors.New("address already in use")
)
