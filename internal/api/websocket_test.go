package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/pkg"
	"github.com/zde37/koorde/pkg/hash"
)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) chord.RingUpdateEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev chord.RingUpdateEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := NewWebSocketHub(pkg.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(ts.Close)

	a, b := dialHub(t, ts), dialHub(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	sp := hash.MustSpace(8)
	self := chord.NewNodeHandle(sp.FromUint64(0x10), "a")
	other := chord.NewNodeHandle(sp.FromUint64(0x2a), "b")
	l := chord.NewBroadcastListener(hub, nil)

	l.OnNeighborJoined(self, other)
	l.OnNeighborLeft(self, other)

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, chord.EventNodeJoin, ev.Type)
		assert.Equal(t, "10", ev.NodeID)
		assert.Equal(t, "2a", ev.Neighbor)
		assert.NotZero(t, ev.Timestamp)

		ev = readEvent(t, conn)
		assert.Equal(t, chord.EventNodeLeave, ev.Type)
	}

	t.Run("unencodable update", func(t *testing.T) {
		assert.Error(t, hub.BroadcastRingUpdate(func() {}))
	})

	t.Run("client disconnect", func(t *testing.T) {
		require.NoError(t, b.Close())
		assert.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestWebSocketHub_Stop(t *testing.T) {
	hub := NewWebSocketHub(nil)
	go hub.Run()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(ts.Close)

	conn := dialHub(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Stop()
	hub.Stop()
	assert.Zero(t, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	assert.NoError(t, hub.BroadcastRingUpdate(chord.RingUpdateEvent{Type: chord.EventNodeJoin}))
}

func TestWebSocketHub_RingEvents(t *testing.T) {
	hub := NewWebSocketHub(pkg.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(ts.Close)

	conn := dialHub(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a growing ring reports its state changes and new neighbors
	createTestRing(t, chord.NewBroadcastListener(hub, nil))

	seen := make(map[string]int)
	for i := 0; i < 100 && (seen[chord.EventStateChange] == 0 || seen[chord.EventNodeJoin] == 0); i++ {
		seen[readEvent(t, conn).Type]++
	}
	assert.NotZero(t, seen[chord.EventStateChange])
	assert.NotZero(t, seen[chord.EventNodeJoin])
}
