package chord

// FingerView is one finger table row as exposed by Snapshot.
type FingerView struct {
	Index      int          `json:"index"`
	Node       NodeHandle   `json:"node"`
	Candidates []NodeHandle `json:"candidates,omitempty"`
}

// Snapshot is a consistent copy of a node's routing state.
type Snapshot struct {
	Self          NodeHandle   `json:"self"`
	State         string       `json:"state"`
	Predecessor   *NodeHandle  `json:"predecessor,omitempty"`
	Successors    []NodeHandle `json:"successors"`
	Fingers       []FingerView `json:"fingers,omitempty"`
	DeBruijnNode  *NodeHandle  `json:"debruijn_node,omitempty"`
	DeBruijnNodes []NodeHandle `json:"debruijn_nodes,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// Snapshot copies the node's routing state. Only fingers that hold a node
// are listed.
func (n *Node) Snapshot() Snapshot {
	var s Snapshot
	n.read(func() {
		s = Snapshot{
			Self:       n.self,
			State:      n.state.String(),
			Successors: n.succs.Nodes(),
		}
		if !n.pred.IsUnspecified() {
			p := n.pred
			s.Predecessor = &p
		}
		for _, i := range n.fingers.SetIndices() {
			row := FingerView{Index: i, Node: n.fingers.Primary(i)}
			for _, c := range n.fingers.entries[i].candidates {
				row.Candidates = append(row.Candidates, c.node)
			}
			s.Fingers = append(s.Fingers, row)
		}
		if !n.deBruijnNode.IsUnspecified() {
			d := n.deBruijnNode
			s.DeBruijnNode = &d
			s.DeBruijnNodes = append([]NodeHandle(nil), n.deBruijnNodes...)
		}
		if n.err != nil {
			s.Error = n.err.Error()
		}
	})
	return s
}
