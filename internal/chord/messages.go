package chord

import (
	"fmt"

	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg/hash"
)

// Kind enumerates every protocol message.
type Kind int

const (
	KindJoin Kind = iota
	KindStabilize
	KindNotify
	KindFixfingers
	KindDeBruijn
	KindFindNode
	KindPing
	KindNewSuccessorHint
	KindLeave

	numKinds
)

var kindNames = [numKinds]string{
	KindJoin:             "join",
	KindStabilize:        "stabilize",
	KindNotify:           "notify",
	KindFixfingers:       "fixfingers",
	KindDeBruijn:         "debruijn",
	KindFindNode:         "find_node",
	KindPing:             "ping",
	KindNewSuccessorHint: "new_successor_hint",
	KindLeave:            "leave",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Message is any protocol message body.
type Message interface {
	Kind() Kind
	message()
}

// Request is a body that expects a Response.
type Request interface {
	Message
	request()
}

// Response answers a Request.
type Response interface {
	Message
	response()
}

// Notice is a one-way body.
type Notice interface {
	Message
	notice()
}

// Packet is what travels in a transport.Envelope.
type Packet struct {
	Src  NodeHandle
	Body Message
}

// JoinRequest asks the owner of the sender's key to let it in.
type JoinRequest struct{}

// JoinResponse hands the joiner its initial successors and, in aggressive
// mode, its predecessor.
type JoinResponse struct {
	Successors  []NodeHandle
	Predecessor NodeHandle
}

// StabilizeRequest asks a successor for its predecessor.
type StabilizeRequest struct{}

// StabilizeResponse carries the responder's predecessor.
type StabilizeResponse struct {
	Predecessor NodeHandle
}

// NotifyRequest offers the sender as predecessor. Failed names a successor
// the sender just lost, if any.
type NotifyRequest struct {
	Failed transport.Address
}

// NotifyResponse carries the responder's successor list. When the sender
// was not accepted, Predecessor is the responder's actual predecessor.
type NotifyResponse struct {
	Successors  []NodeHandle
	Accepted    bool
	Predecessor NodeHandle
}

// FixfingersRequest is routed to the owner of thisKey + 2^Finger.
type FixfingersRequest struct {
	Finger int
}

// FixfingersResponse returns the owner first, then ranked candidates.
type FixfingersResponse struct {
	Finger int
	Nodes  []NodeHandle
}

// DeBruijnRequest is routed to the owner of DestKey.
type DeBruijnRequest struct {
	DestKey hash.Key
}

// DeBruijnResponse names the de Bruijn node and its successors.
type DeBruijnResponse struct {
	Node       NodeHandle
	Successors []NodeHandle
}

// FindNodeRequest asks for the next hops toward Key.
type FindNodeRequest struct {
	Key        hash.Key
	Redundancy int
	Siblings   int
	Route      RouteState
}

// FindNodeResponse lists next hops. A responder that lists itself first
// is the owner of the key.
type FindNodeResponse struct {
	Nodes []NodeHandle
	Route RouteState
}

// PingRequest probes liveness and round-trip time.
type PingRequest struct{}

// PingResponse answers a PingRequest.
type PingResponse struct{}

// NewSuccessorHint tells a node that Predecessor now precedes the sender.
type NewSuccessorHint struct {
	Predecessor NodeHandle
}

// LeaveNotice is sent by a node leaving gracefully.
type LeaveNotice struct {
	Predecessor NodeHandle
	Successors  []NodeHandle
}

func (JoinRequest) Kind() Kind        { return KindJoin }
func (JoinResponse) Kind() Kind       { return KindJoin }
func (StabilizeRequest) Kind() Kind   { return KindStabilize }
func (StabilizeResponse) Kind() Kind  { return KindStabilize }
func (NotifyRequest) Kind() Kind      { return KindNotify }
func (NotifyResponse) Kind() Kind     { return KindNotify }
func (FixfingersRequest) Kind() Kind  { return KindFixfingers }
func (FixfingersResponse) Kind() Kind { return KindFixfingers }
func (DeBruijnRequest) Kind() Kind    { return KindDeBruijn }
func (DeBruijnResponse) Kind() Kind   { return KindDeBruijn }
func (FindNodeRequest) Kind() Kind    { return KindFindNode }
func (FindNodeResponse) Kind() Kind   { return KindFindNode }
func (PingRequest) Kind() Kind        { return KindPing }
func (PingResponse) Kind() Kind       { return KindPing }
func (NewSuccessorHint) Kind() Kind   { return KindNewSuccessorHint }
func (LeaveNotice) Kind() Kind        { return KindLeave }

func (JoinRequest) message()        {}
func (JoinResponse) message()       {}
func (StabilizeRequest) message()   {}
func (StabilizeResponse) message()  {}
func (NotifyRequest) message()      {}
func (NotifyResponse) message()     {}
func (FixfingersRequest) message()  {}
func (FixfingersResponse) message() {}
func (DeBruijnRequest) message()    {}
func (DeBruijnResponse) message()   {}
func (FindNodeRequest) message()    {}
func (FindNodeResponse) message()   {}
func (PingRequest) message()        {}
func (PingResponse) message()       {}
func (NewSuccessorHint) message()   {}
func (LeaveNotice) message()        {}

func (JoinRequest) request()       {}
func (StabilizeRequest) request()  {}
func (NotifyRequest) request()     {}
func (FixfingersRequest) request() {}
func (DeBruijnRequest) request()   {}
func (FindNodeRequest) request()   {}
func (PingRequest) request()       {}

func (JoinResponse) response()       {}
func (StabilizeResponse) response()  {}
func (NotifyResponse) response()     {}
func (FixfingersResponse) response() {}
func (DeBruijnResponse) response()   {}
func (FindNodeResponse) response()   {}
func (PingResponse) response()       {}

func (NewSuccessorHint) notice() {}
func (LeaveNotice) notice()      {}
