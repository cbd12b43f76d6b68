package chord

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBroadcaster struct {
	events []RingUpdateEvent
	err    error
}

func (m *mockBroadcaster) BroadcastRingUpdate(update any) error {
	if ev, ok := update.(RingUpdateEvent); ok {
		m.events = append(m.events, ev)
	}
	return m.err
}

func TestBroadcastListener(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clockFn := func() time.Time { return now }

	t.Run("neighbor joined", func(t *testing.T) {
		b := &mockBroadcaster{}
		l := NewBroadcastListener(b, clockFn)
		l.OnNeighborJoined(handle(1), handle(8))

		require.Len(t, b.events, 1)
		ev := b.events[0]
		assert.Equal(t, EventNodeJoin, ev.Type)
		assert.Equal(t, "1", ev.NodeID)
		assert.Equal(t, "8", ev.Neighbor)
		assert.Equal(t, now.Unix(), ev.Timestamp)
		assert.Contains(t, ev.Message, "learned about")
	})

	t.Run("neighbor left", func(t *testing.T) {
		b := &mockBroadcaster{}
		l := NewBroadcastListener(b, clockFn)
		l.OnNeighborLeft(handle(1), handle(27))

		require.Len(t, b.events, 1)
		assert.Equal(t, EventNodeLeave, b.events[0].Type)
		assert.Equal(t, "1b", b.events[0].Neighbor)
	})

	t.Run("state change", func(t *testing.T) {
		b := &mockBroadcaster{}
		l := NewBroadcastListener(b, clockFn)
		l.OnStateChange(handle(14), StateReady)

		require.Len(t, b.events, 1)
		assert.Equal(t, EventStateChange, b.events[0].Type)
		assert.Contains(t, b.events[0].Message, "READY")
		assert.Empty(t, b.events[0].Neighbor)
	})

	t.Run("broadcast errors are swallowed", func(t *testing.T) {
		b := &mockBroadcaster{err: errors.New("no subscribers")}
		l := NewBroadcastListener(b, clockFn)
		assert.NotPanics(t, func() { l.OnNeighborJoined(handle(1), handle(8)) })
		assert.Len(t, b.events, 1)
	})

	t.Run("nil broadcaster", func(t *testing.T) {
		l := NewBroadcastListener(nil, nil)
		assert.NotPanics(t, func() { l.OnNeighborLeft(handle(1), handle(8)) })
	})
}

func TestListeners_FanOut(t *testing.T) {
	a, b := &recordingListener{}, &recordingListener{}
	plain := &mockBroadcaster{}
	ls := Listeners{a, b, NewBroadcastListener(plain, nil)}

	ls.OnNeighborJoined(handle(1), handle(8))
	ls.OnNeighborLeft(handle(1), handle(14))
	ls.OnStateChange(handle(1), StateBootstrap)

	for _, l := range []*recordingListener{a, b} {
		assert.Equal(t, []NodeHandle{handle(8)}, l.joined)
		assert.Equal(t, []NodeHandle{handle(14)}, l.left)
		assert.Equal(t, []State{StateBootstrap}, l.states)
	}
	assert.Len(t, plain.events, 3)
}
