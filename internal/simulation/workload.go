package simulation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/pkg"
)

// LookupReport summarizes a batch of lookups.
type LookupReport struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Correct   int     `json:"correct"`
	Failed    int     `json:"failed"`
	MeanHops  float64 `json:"mean_hops"`
	MaxHops   int     `json:"max_hops"`

	// MaxDeBruijnHops leaves out successor corrections; zero for Chord.
	MaxDeBruijnHops int `json:"max_debruijn_hops"`
}

func (r LookupReport) String() string {
	return fmt.Sprintf("lookups=%d ok=%d correct=%d failed=%d mean_hops=%.2f max_hops=%d max_debruijn_hops=%d",
		r.Total, r.Succeeded, r.Correct, r.Failed, r.MeanHops, r.MaxHops, r.MaxDeBruijnHops)
}

// RunLookups issues n lookups for random keys from random READY nodes,
// one at a time, and checks each answer against the ground truth at the
// moment it completes.
func (c *Cluster) RunLookups(n int) (LookupReport, error) {
	var (
		rep  LookupReport
		hops int
	)
	for i := 0; i < n; i++ {
		from := c.RandomLive()
		if from == nil {
			return rep, fmt.Errorf("no ready node: %w", pkg.ErrNotReady)
		}
		key := c.RandomKey()
		rep.Total++

		res, err := c.Lookup(from, key, 1)
		if err != nil {
			if !errors.Is(err, pkg.ErrLookupFailed) && !errors.Is(err, pkg.ErrNodeShutdown) {
				return rep, err
			}
			rep.Failed++
			continue
		}
		rep.Succeeded++
		hops += res.Hops
		rep.MaxHops = max(rep.MaxHops, res.Hops)
		rep.MaxDeBruijnHops = max(rep.MaxDeBruijnHops, res.DeBruijnHops)
		if owner := c.Owner(key); owner != nil && res.Owner().Equal(owner.Self()) {
			rep.Correct++
		}
	}
	if rep.Succeeded > 0 {
		rep.MeanHops = float64(hops) / float64(rep.Succeeded)
	}
	return rep, nil
}

// MessageStats sums the per-kind sent counters of every node.
func (c *Cluster) MessageStats() map[string]uint64 {
	out := make(map[string]uint64)
	for _, n := range c.Nodes() {
		for kind, count := range n.Stats().Sent {
			out[kind] += count
		}
	}
	return out
}

// Snapshots returns the routing state of every live node, ordered by key.
func (c *Cluster) Snapshots() []chord.Snapshot {
	live := c.Live()
	out := make([]chord.Snapshot, 0, len(live))
	for _, n := range live {
		out = append(out, n.Snapshot())
	}
	return out
}

// ChurnConfig drives random membership changes.
type ChurnConfig struct {
	// Interval between two churn events.
	Interval time.Duration
	// Target is the population churn oscillates around. A removal is only
	// drawn while the ring is above half of it.
	Target int
	// LeaveRatio is the share of removals that are graceful leaves; the
	// rest are crashes.
	LeaveRatio float64
}

// ChurnStats counts churn events.
type ChurnStats struct {
	Joins  int `json:"joins"`
	Leaves int `json:"leaves"`
	Kills  int `json:"kills"`
	Errors int `json:"errors"`
}

// Churn adds and removes nodes at random until stop is called.
type Churn struct {
	c    *Cluster
	cfg  ChurnConfig
	mu   sync.Mutex
	stat ChurnStats
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// StartChurn begins churning. On the simulated clock the events are
// scheduled in virtual time; otherwise a goroutine ticks on the wall
// clock.
func (c *Cluster) StartChurn(cfg ChurnConfig) (*Churn, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("churn interval must be positive")
	}
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("churn target must be positive")
	}
	if cfg.LeaveRatio < 0 || cfg.LeaveRatio > 1 {
		return nil, fmt.Errorf("leave ratio must be in [0, 1], got %v", cfg.LeaveRatio)
	}
	ch := &Churn{c: c, cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	if c.sim != nil {
		close(ch.done)
		ch.scheduleNext()
		return ch, nil
	}
	go ch.loop()
	return ch, nil
}

func (ch *Churn) scheduleNext() {
	ch.c.sim.Schedule(ch.cfg.Interval, func() {
		if ch.stopped() {
			return
		}
		ch.step()
		ch.scheduleNext()
	})
}

func (ch *Churn) loop() {
	defer close(ch.done)
	t := time.NewTicker(ch.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ch.step()
		case <-ch.stop:
			return
		}
	}
}

func (ch *Churn) stopped() bool {
	select {
	case <-ch.stop:
		return true
	default:
		return false
	}
}

func (ch *Churn) step() {
	c := ch.c
	live := c.Live()

	c.mu.Lock()
	grow := len(live) < ch.cfg.Target/2 || c.rng.Intn(ch.cfg.Target) >= len(live)
	graceful := c.rng.Float64() < ch.cfg.LeaveRatio
	c.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if grow || len(live) <= 1 {
		if _, err := c.AddNode(c.RandomKey()); err != nil {
			c.logger.Warn().Err(err).Msg("Churn join failed")
			ch.stat.Errors++
			return
		}
		ch.stat.Joins++
		return
	}

	victim := c.RandomLive()
	if victim == nil {
		return
	}
	var err error
	if graceful {
		err = c.Leave(victim.Addr())
		ch.stat.Leaves++
	} else {
		err = c.Kill(victim.Addr())
		ch.stat.Kills++
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Churn removal failed")
		ch.stat.Errors++
	}
}

// Stop ends churning and waits for an in-flight event to finish.
func (ch *Churn) Stop() {
	ch.once.Do(func() { close(ch.stop) })
	<-ch.done
}

// Stats returns the events so far.
func (ch *Churn) Stats() ChurnStats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stat
}
