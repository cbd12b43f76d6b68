package simulation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/internal/config"
	"github.com/zde37/koorde/pkg"
)

func testConfig(overlay string, bits int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.M = bits
	cfg.Overlay = overlay
	cfg.SuccessorListSize = 4
	cfg.JoinDelay = 2 * time.Second
	cfg.StabilizeDelay = time.Second
	cfg.FixFingersDelay = 2 * time.Second
	cfg.CheckPredecessorDelay = time.Second
	cfg.RPCTimeout = 500 * time.Millisecond
	cfg.DeBruijnDelay = 2 * time.Second
	if overlay == config.OverlayKoorde {
		cfg.ShiftingBits = 2
		cfg.UseSucList = true
		cfg.LookupMaxHops = 4 * bits
	}
	return cfg
}

func createTestCluster(t *testing.T, cfg *config.Config, nodes int) *Cluster {
	t.Helper()
	c, err := New(Options{Config: cfg, Seed: 3})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Grow(nodes, time.Minute))
	rep, ok := c.RunUntilConverged(10 * time.Minute)
	require.True(t, ok, "ring did not converge: %s", rep)
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"nil config", Options{}, "config cannot be nil"},
		{"invalid config", Options{Config: func() *config.Config {
			cfg := testConfig(config.OverlayChord, 16)
			cfg.SuccessorListSize = 0
			return cfg
		}()}, "invalid config"},
		{"negative drop rate", Options{Config: testConfig(config.OverlayChord, 16), DropRate: -0.1}, "drop rate"},
		{"certain loss", Options{Config: testConfig(config.OverlayChord, 16), DropRate: 1}, "drop rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, c)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		c, err := New(Options{Config: testConfig(config.OverlayChord, 16)})
		require.NoError(t, err)
		assert.NotNil(t, c.Clock())
		assert.Empty(t, c.Live())
		assert.Nil(t, c.Owner(c.RandomKey()))
		assert.Nil(t, c.RandomLive())

		rep := c.Check()
		assert.False(t, rep.Converged())
	})
}

func TestCluster_SingleNode(t *testing.T) {
	c := createTestCluster(t, testConfig(config.OverlayChord, 16), 1)
	node := c.Live()[0]

	assert.Equal(t, node, c.Owner(c.RandomKey()))
	assert.Equal(t, 1, c.SiblingCount(c.RandomKey()))

	res, err := c.Lookup(node, c.RandomKey(), 1)
	require.NoError(t, err)
	assert.Equal(t, node.Self(), res.Owner())
	assert.Zero(t, res.Hops)
}

func TestCluster_ChordRing(t *testing.T) {
	const n = 24
	c := createTestCluster(t, testConfig(config.OverlayChord, 32), n)

	t.Run("keys come from addresses", func(t *testing.T) {
		for _, node := range c.Live() {
			host, port := c.cfg.Host, 0
			for p := c.cfg.Port; p < c.cfg.Port+n; p++ {
				if c.space.HashAddress(host, p).Equal(node.Key()) {
					port = p
				}
			}
			assert.NotZero(t, port, "node %s", node.Addr())
		}
	})

	t.Run("exactly one node owns every key", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			assert.Equal(t, 1, c.SiblingCount(c.RandomKey()))
		}
	})

	t.Run("lookups", func(t *testing.T) {
		rep, err := c.RunLookups(200)
		require.NoError(t, err)
		assert.Equal(t, 200, rep.Correct, rep.String())
		assert.Zero(t, rep.Failed)
		// a converged finger table halves the distance on every hop
		assert.LessOrEqual(t, rep.MeanHops, math.Log2(n)+1)
		assert.LessOrEqual(t, rep.MaxHops, 2*int(math.Ceil(math.Log2(n))))
	})

	t.Run("snapshots and stats", func(t *testing.T) {
		snaps := c.Snapshots()
		require.Len(t, snaps, n)
		for i := 1; i < n; i++ {
			assert.Negative(t, snaps[i-1].Self.Key.Cmp(snaps[i].Self.Key))
		}
		for _, s := range snaps {
			assert.Equal(t, chord.StateReady.String(), s.State)
			assert.NotNil(t, s.Predecessor)
			assert.Len(t, s.Successors, 4)
		}

		stats := c.MessageStats()
		assert.NotZero(t, stats[chord.KindStabilize.String()])
		assert.NotZero(t, stats[chord.KindNotify.String()])
		assert.NotZero(t, stats[chord.KindJoin.String()])
		assert.NotZero(t, c.Network().Stats().Delivered)
	})
}

func TestCluster_KoordeRing(t *testing.T) {
	const n = 24
	c := createTestCluster(t, testConfig(config.OverlayKoorde, 32), n)
	// let every pointer follow the final ring
	c.Run(2 * c.cfg.DeBruijnDelay)

	for _, node := range c.Live() {
		assert.False(t, node.DeBruijnNode().IsUnspecified(), "node %s", node.Addr())
		assert.Empty(t, node.Snapshot().Fingers)
	}

	rep, err := c.RunLookups(200)
	require.NoError(t, err)
	assert.Equal(t, 200, rep.Correct, rep.String())
	// one de Bruijn hop per s shifted bits, then successor corrections
	bound := c.cfg.M / c.cfg.ShiftingBits
	assert.LessOrEqual(t, rep.MaxDeBruijnHops, bound, rep.String())
	assert.LessOrEqual(t, rep.MaxHops, 2*bound, rep.String())
	assert.Positive(t, rep.MaxDeBruijnHops, rep.String())
	for i := 0; i < 50; i++ {
		assert.Equal(t, 1, c.SiblingCount(c.RandomKey()))
	}
}

func TestCluster_Failures(t *testing.T) {
	for _, overlay := range []string{config.OverlayChord, config.OverlayKoorde} {
		t.Run(overlay, func(t *testing.T) {
			c := createTestCluster(t, testConfig(overlay, 32), 20)

			// never more than K-1 neighbors in a row, so every list keeps a live entry
			live := c.Live()
			for i := 0; i < len(live); i += 4 {
				require.NoError(t, c.Kill(live[i].Addr()))
			}
			assert.ErrorIs(t, c.Kill(live[0].Addr()), pkg.ErrUnknownAddress)

			rep, ok := c.RunUntilConverged(10 * time.Minute)
			require.True(t, ok, rep.String())
			assert.Equal(t, 15, rep.Nodes)
			assert.Zero(t, rep.Crashed)

			c.Run(2 * c.cfg.DeBruijnDelay)
			lr, err := c.RunLookups(100)
			require.NoError(t, err)
			assert.Equal(t, 100, lr.Correct, lr.String())
		})
	}
}

func TestCluster_GracefulLeave(t *testing.T) {
	c := createTestCluster(t, testConfig(config.OverlayChord, 32), 12)

	live := c.Live()
	pred, leaving, succ := live[4], live[5], live[6]
	left := leaving.Self()
	require.NoError(t, c.Leave(leaving.Addr()))
	assert.Equal(t, chord.StateShutdown, leaving.State())
	assert.Equal(t, 11, c.Bootstrap().Size())

	// both neighbors hear about it well before any timeout fires
	c.Run(200 * time.Millisecond)
	assert.Equal(t, succ.Self(), pred.Successor())
	assert.Equal(t, pred.Self(), succ.Predecessor())
	for _, s := range pred.Successors() {
		assert.False(t, s.Equal(left))
	}

	rep, ok := c.RunUntilConverged(5 * time.Minute)
	require.True(t, ok, rep.String())
	assert.Equal(t, 11, rep.Nodes)
}

func TestCluster_Churn(t *testing.T) {
	cfg := testConfig(config.OverlayChord, 32)
	c := createTestCluster(t, cfg, 16)

	_, err := c.StartChurn(ChurnConfig{})
	require.Error(t, err)
	_, err = c.StartChurn(ChurnConfig{Interval: time.Second, Target: 16, LeaveRatio: 2})
	require.Error(t, err)

	churn, err := c.StartChurn(ChurnConfig{Interval: 5 * time.Second, Target: 16, LeaveRatio: 0.5})
	require.NoError(t, err)
	c.Run(3 * time.Minute)
	churn.Stop()

	stats := churn.Stats()
	events := stats.Joins + stats.Leaves + stats.Kills
	assert.InDelta(t, 36, events, 2)
	assert.NotZero(t, stats.Joins)
	assert.NotZero(t, stats.Leaves+stats.Kills)
	assert.Zero(t, stats.Errors)

	// churn is over: the ring heals and answers correctly again
	rep, ok := c.RunUntilConverged(10 * time.Minute)
	require.True(t, ok, rep.String())
	assert.Zero(t, rep.Crashed)

	lr, err := c.RunLookups(100)
	require.NoError(t, err)
	assert.Equal(t, 100, lr.Correct, lr.String())
}

func TestCluster_LossyNetwork(t *testing.T) {
	c, err := New(Options{Config: testConfig(config.OverlayChord, 32), Seed: 9, DropRate: 0.02})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Grow(12, 5*time.Minute))
	c.Run(5 * time.Minute)

	rep, err := c.RunLookups(100)
	require.NoError(t, err)
	assert.Greater(t, rep.Succeeded, 80, rep.String())
	assert.Empty(t, c.Crashed())
	assert.NotZero(t, c.Network().Stats().Dropped)
}

func TestCluster_RealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-clock test in -short mode")
	}
	cfg := testConfig(config.OverlayChord, 16)
	cfg.JoinDelay = 200 * time.Millisecond
	cfg.StabilizeDelay = 50 * time.Millisecond
	cfg.FixFingersDelay = 100 * time.Millisecond
	cfg.CheckPredecessorDelay = 100 * time.Millisecond
	cfg.RPCTimeout = 100 * time.Millisecond

	c, err := New(Options{Config: cfg, Seed: 5, RealTime: true, MinLatency: time.Millisecond, MaxLatency: 3 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	assert.Nil(t, c.Clock())

	require.NoError(t, c.Grow(4, 5*time.Second))
	rep, ok := c.RunUntilConverged(20 * time.Second)
	require.True(t, ok, rep.String())

	lr, err := c.RunLookups(20)
	require.NoError(t, err)
	assert.Equal(t, 20, lr.Correct, lr.String())
}
