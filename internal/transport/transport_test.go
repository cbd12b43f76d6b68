package transport

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/koorde/internal/clock"
	"github.com/zde37/koorde/pkg"
)

type recorder struct {
	got []Envelope
	at  []time.Time
	s   clock.Scheduler
}

func (r *recorder) HandleEnvelope(env Envelope) {
	r.got = append(r.got, env)
	r.at = append(r.at, r.s.Now())
}

func TestNetworkDelivery(t *testing.T) {
	sim := clock.NewSimulated()
	net := NewNetwork(WithLatency(ConstantLatency(25 * time.Millisecond)))

	a := &recorder{s: sim}
	b := &recorder{s: sim}
	require.NoError(t, net.Attach("a", sim, a))
	require.NoError(t, net.Attach("b", sim, b))

	err := net.Attach("a", sim, a)
	assert.True(t, errors.Is(err, pkg.ErrAddressInUse))

	require.NoError(t, net.Send(Envelope{From: "a", To: "b", Payload: "hello"}))
	assert.Empty(t, b.got, "delivery is never synchronous")

	sim.RunFor(time.Second)
	require.Len(t, b.got, 1)
	assert.Equal(t, "hello", b.got[0].Payload)
	assert.Equal(t, clock.Epoch.Add(25*time.Millisecond), b.at[0])
	assert.Equal(t, Stats{Sent: 1, Delivered: 1}, net.Stats())
}

func TestNetworkDetach(t *testing.T) {
	sim := clock.NewSimulated()
	net := NewNetwork()
	b := &recorder{s: sim}
	require.NoError(t, net.Attach("b", sim, b))

	require.NoError(t, net.Send(Envelope{From: "a", To: "b"}))
	net.Detach("b")
	assert.False(t, net.IsAttached("b"))
	sim.RunFor(time.Second)
	assert.Empty(t, b.got, "in-flight message to a detached node is lost")

	err := net.Send(Envelope{From: "a", To: "b"})
	assert.True(t, errors.Is(err, pkg.ErrUnknownAddress))

	// a new node on the same address does not receive stale traffic
	require.NoError(t, net.Attach("b", sim, b))
	require.NoError(t, net.Send(Envelope{From: "a", To: "b"}))
	net.Detach("b")
	fresh := &recorder{s: sim}
	require.NoError(t, net.Attach("b", sim, fresh))
	sim.RunFor(time.Second)
	assert.Empty(t, fresh.got)
	assert.Equal(t, uint64(3), net.Stats().Dropped)
}

func TestNetworkDropRate(t *testing.T) {
	sim := clock.NewSimulated()
	net := NewNetwork(WithDropRate(1, rand.New(rand.NewSource(1))))
	b := &recorder{s: sim}
	require.NoError(t, net.Attach("b", sim, b))

	for i := 0; i < 10; i++ {
		require.NoError(t, net.Send(Envelope{From: "a", To: "b"}))
	}
	sim.RunFor(time.Second)
	assert.Empty(t, b.got)

	net.SetDropRate(0)
	require.NoError(t, net.Send(Envelope{From: "a", To: "b"}))
	sim.RunFor(time.Second)
	assert.Len(t, b.got, 1)
}

func TestPairLatency(t *testing.T) {
	lat := PairLatency(5*time.Millisecond, 50*time.Millisecond)

	for _, pair := range [][2]Address{{"n1", "n2"}, {"n8", "n14"}, {"x", "y"}} {
		d := lat(pair[0], pair[1])
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
		assert.Equal(t, d, lat(pair[1], pair[0]), "latency is symmetric")
		assert.Equal(t, d, lat(pair[0], pair[1]), "latency is stable")
	}

	fixed := PairLatency(7*time.Millisecond, 7*time.Millisecond)
	assert.Equal(t, 7*time.Millisecond, fixed("a", "b"))
}

func TestCallTableResponse(t *testing.T) {
	sim := clock.NewSimulated()
	calls := NewCallTable(sim)

	var (
		got      string
		rtt      time.Duration
		timedOut bool
	)
	id := calls.Register("b", time.Second,
		Typed(func(resp string, d time.Duration) {
			got = resp
			rtt = d
		}),
		func(Address) { timedOut = true },
	)
	assert.Equal(t, 1, calls.Pending())

	sim.RunFor(200 * time.Millisecond)
	assert.False(t, calls.Resolve(id, "c", "spoofed"), "reply from another peer is ignored")
	assert.True(t, calls.Resolve(id, "b", "pong"))
	assert.False(t, calls.Resolve(id, "b", "again"), "a call resolves once")

	sim.RunFor(5 * time.Second)
	assert.Equal(t, "pong", got)
	assert.Equal(t, 200*time.Millisecond, rtt)
	assert.False(t, timedOut)
	assert.Equal(t, 0, calls.Pending())
}

func TestCallTableTimeout(t *testing.T) {
	sim := clock.NewSimulated()
	calls := NewCallTable(sim)

	var failed Address
	id := calls.Register("dead", time.Second, nil, func(dest Address) { failed = dest })

	sim.RunFor(time.Second)
	assert.Equal(t, Address("dead"), failed)
	assert.False(t, calls.Resolve(id, "dead", "late"))
	assert.Equal(t, 0, calls.Pending())
}

func TestCallTableCancelAll(t *testing.T) {
	sim := clock.NewSimulated()
	calls := NewCallTable(sim)

	fired := 0
	for i := 0; i < 3; i++ {
		calls.Register("x", time.Second, nil, func(Address) { fired++ })
	}
	calls.CancelAll()
	sim.RunFor(time.Minute)
	assert.Equal(t, 0, fired)
	assert.Equal(t, 0, calls.Pending())
	assert.False(t, calls.Resolve(xid.New(), "x", nil))
}

func TestTypedIgnoresMismatch(t *testing.T) {
	called := false
	f := Typed(func(int, time.Duration) { called = true })
	f("not an int", 0)
	assert.False(t, called)
	f(3, 0)
	assert.True(t, called)
}
