package chord

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/koorde/pkg/hash"
)

var testSpace = hash.MustSpace(5)

func handle(key uint64) NodeHandle {
	return NewNodeHandle(testSpace.FromUint64(key), addrOf(key))
}

func TestNodeHandle_IsUnspecified(t *testing.T) {
	tests := []struct {
		name string
		h    NodeHandle
		want bool
	}{
		{"zero value", NodeHandle{}, true},
		{"no address", NodeHandle{Key: testSpace.FromUint64(3)}, true},
		{"no key", NodeHandle{Addr: "n3"}, true},
		{"complete", handle(3), false},
		{"key zero is a real key", handle(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.h.IsUnspecified())
		})
	}
}

func TestNodeHandle_Equal(t *testing.T) {
	a := handle(7)

	t.Run("same key and address", func(t *testing.T) {
		assert.True(t, a.Equal(handle(7)))
	})

	t.Run("same key, other address", func(t *testing.T) {
		b := NewNodeHandle(a.Key, "elsewhere")
		assert.False(t, a.Equal(b))
	})

	t.Run("same address, other key", func(t *testing.T) {
		b := NewNodeHandle(testSpace.FromUint64(8), a.Addr)
		assert.False(t, a.Equal(b))
	})

	t.Run("unspecified handles are equal", func(t *testing.T) {
		assert.True(t, NodeHandle{}.Equal(NodeHandle{}))
		assert.False(t, a.Equal(NodeHandle{}))
	})
}

func TestNodeHandle_String(t *testing.T) {
	assert.Equal(t, "<unspec>", NodeHandle{}.String())
	assert.Equal(t, "1a@n26", handle(26).String())
}

func TestNodeHandle_JSON(t *testing.T) {
	data, err := json.Marshal(handle(26))
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"1a","addr":"n26"}`, string(data))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "BOOTSTRAP", StateBootstrap.String())
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "SHUTDOWN", StateShutdown.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestSibling_String(t *testing.T) {
	assert.Equal(t, "no", SiblingNo.String())
	assert.Equal(t, "yes", SiblingYes.String())
	assert.Equal(t, "unknown", SiblingUnknown.String())
}

func TestLookupResult_Owner(t *testing.T) {
	assert.True(t, LookupResult{}.Owner().IsUnspecified())

	res := LookupResult{Nodes: []NodeHandle{handle(21), handle(27)}}
	assert.Equal(t, handle(21), res.Owner())
}

func TestNewRouteState(t *testing.T) {
	rs := NewRouteState()
	assert.True(t, rs.RouteKey.IsUnspecified())
	assert.Equal(t, 1, rs.Step)
}

func BenchmarkNodeHandle_Equal(b *testing.B) {
	x, y := handle(14), handle(14)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = x.Equal(y)
	}
}
