package chord

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOracle(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		o := NewOracle(nil)
		assert.True(t, o.BootstrapNode("n1").IsUnspecified())
		assert.Zero(t, o.Size())
	})

	t.Run("never hands out the caller", func(t *testing.T) {
		o := NewOracle(rand.New(rand.NewSource(1)))
		o.Register(handle(1))
		assert.True(t, o.BootstrapNode(handle(1).Addr).IsUnspecified())

		o.Register(handle(8))
		for i := 0; i < 20; i++ {
			assert.Equal(t, handle(8), o.BootstrapNode(handle(1).Addr))
		}
	})

	t.Run("register is idempotent and ignores unspecified handles", func(t *testing.T) {
		o := NewOracle(nil)
		o.Register(handle(8))
		o.Register(handle(8))
		o.Register(NodeHandle{})
		assert.Equal(t, 1, o.Size())
	})

	t.Run("unregister", func(t *testing.T) {
		o := NewOracle(nil)
		o.Register(handle(8))
		o.Register(handle(14))
		o.Unregister(handle(8).Addr)
		o.Unregister("unknown")

		assert.Equal(t, []NodeHandle{handle(14)}, o.Nodes())
	})

	t.Run("nodes are ordered by key", func(t *testing.T) {
		o := NewOracle(nil)
		for _, k := range []uint64{21, 1, 14, 8} {
			o.Register(handle(k))
		}
		assert.Equal(t, []uint64{1, 8, 14, 21}, keysOf(o.Nodes()))
	})

	t.Run("same seed, same picks", func(t *testing.T) {
		pick := func() []NodeHandle {
			o := NewOracle(rand.New(rand.NewSource(42)))
			for _, k := range []uint64{1, 8, 14, 21, 27} {
				o.Register(handle(k))
			}
			var out []NodeHandle
			for i := 0; i < 10; i++ {
				out = append(out, o.BootstrapNode("outsider"))
			}
			return out
		}
		assert.Equal(t, pick(), pick())
	})

	t.Run("concurrent use", func(t *testing.T) {
		o := NewOracle(nil)
		var wg sync.WaitGroup
		for i := uint64(0); i < 16; i++ {
			wg.Add(1)
			go func(k uint64) {
				defer wg.Done()
				o.Register(handle(k))
				o.BootstrapNode(handle(k).Addr)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 16, o.Size())
	})
}
