package simulation

import (
	"fmt"
	"strings"
	"time"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/pkg/hash"
)

// Report compares every live node's routing state with the ground truth.
type Report struct {
	Nodes            int `json:"nodes"`
	Ready            int `json:"ready"`
	Crashed          int `json:"crashed"`
	WrongPredecessor int `json:"wrong_predecessor"`
	WrongSuccessors  int `json:"wrong_successors"`
	WrongFingers     int `json:"wrong_fingers"`
	MissingDeBruijn  int `json:"missing_debruijn"`
}

// Converged reports whether the ring matches the ground truth exactly.
func (r Report) Converged() bool {
	return r.Nodes > 0 &&
		r.Ready == r.Nodes &&
		r.WrongPredecessor == 0 &&
		r.WrongSuccessors == 0 &&
		r.WrongFingers == 0 &&
		r.MissingDeBruijn == 0
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "nodes=%d ready=%d crashed=%d", r.Nodes, r.Ready, r.Crashed)
	fmt.Fprintf(&b, " bad_pred=%d bad_succ=%d bad_fingers=%d", r.WrongPredecessor, r.WrongSuccessors, r.WrongFingers)
	if r.MissingDeBruijn > 0 {
		fmt.Fprintf(&b, " missing_debruijn=%d", r.MissingDeBruijn)
	}
	return b.String()
}

// Check inspects the ring. Fingers are counted only for Chord, and only
// those whose target is owned by another node; a Koorde node without a
// de Bruijn pointer counts as missing once the ring has two nodes.
func (c *Cluster) Check() Report {
	live := c.Live()
	rep := Report{Nodes: len(live), Crashed: len(c.Crashed())}
	n := len(live)
	k := c.cfg.SuccessorListSize

	for i, node := range live {
		if !node.IsReady() {
			continue
		}
		rep.Ready++
		self := node.Self()

		if n == 1 {
			if !node.Successor().Equal(self) || !node.Predecessor().IsUnspecified() {
				rep.WrongSuccessors++
			}
			continue
		}

		if !node.Predecessor().Equal(live[(i+n-1)%n].Self()) {
			rep.WrongPredecessor++
		}

		succs := node.Successors()
		want := min(n-1, k)
		ok := len(succs) == want
		for j := 0; ok && j < want; j++ {
			ok = succs[j].Equal(live[(i+1+j)%n].Self())
		}
		if !ok {
			rep.WrongSuccessors++
		}

		if c.cfg.IsKoorde() {
			if node.DeBruijnNode().IsUnspecified() {
				rep.MissingDeBruijn++
			}
			continue
		}
		for f := 0; f < c.cfg.M; f++ {
			owner := ownerOf(live, c.space.AddPowerOfTwo(self.Key, f))
			if owner == node {
				continue
			}
			if !node.Finger(f).Equal(owner.Self()) {
				rep.WrongFingers++
			}
		}
	}
	return rep
}

// RunUntilConverged runs the cluster until Check reports convergence or
// limit has passed.
func (c *Cluster) RunUntilConverged(limit time.Duration) (Report, bool) {
	ok := c.Await(func() bool { return c.Check().Converged() }, limit)
	return c.Check(), ok
}

// SiblingCount returns how many live nodes claim to be the single
// sibling responsible for key.
func (c *Cluster) SiblingCount(key hash.Key) int {
	count := 0
	for _, node := range c.Live() {
		if node.IsSiblingFor(node.Self(), key, 1) == chord.SiblingYes {
			count++
		}
	}
	return count
}
