package hash

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
)

const (
	// M is the default size of the identifier space in bits (2^160)
	M = 160

	// MaxBits is the widest key space a Space can describe. Keys are derived
	// from a single SHA-256 digest.
	MaxBits = 256
)

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// Space describes the circular key space [0, 2^bits).
// All modular arithmetic on keys goes through a Space.
type Space struct {
	bits     int
	ringSize *big.Int
}

// NewSpace creates a key space of the given width.
func NewSpace(bits int) (*Space, error) {
	if bits <= 0 || bits > MaxBits {
		return nil, fmt.Errorf("key length must be between 1 and %d, got %d", MaxBits, bits)
	}
	return &Space{
		bits:     bits,
		ringSize: new(big.Int).Lsh(one, uint(bits)),
	}, nil
}

// MustSpace is like NewSpace but panics on an invalid width.
func MustSpace(bits int) *Space {
	s, err := NewSpace(bits)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns the key length L.
func (s *Space) Bits() int {
	return s.bits
}

// RingSize returns 2^L, the number of keys on the ring.
func (s *Space) RingSize() *big.Int {
	return new(big.Int).Set(s.ringSize)
}

// MaxKey returns the largest key on the ring (2^L - 1).
func (s *Space) MaxKey() Key {
	return Key{v: new(big.Int).Sub(s.ringSize, one)}
}

// IsValid checks that k is specified and lies in [0, 2^L).
func (s *Space) IsValid(k Key) bool {
	if k.IsUnspecified() {
		return false
	}
	return k.v.Cmp(zero) >= 0 && k.v.Cmp(s.ringSize) < 0
}

// mod returns x mod 2^L, always non-negative.
func (s *Space) mod(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, s.ringSize)
}

// Key reduces an arbitrary integer onto the ring.
func (s *Space) Key(v *big.Int) Key {
	if v == nil {
		return Key{}
	}
	return Key{v: s.mod(v)}
}

// FromUint64 returns the key u mod 2^L.
func (s *Space) FromUint64(u uint64) Key {
	return s.Key(new(big.Int).SetUint64(u))
}

// Parse reads a key written in the given base.
func (s *Space) Parse(text string, base int) (Key, error) {
	v, ok := new(big.Int).SetString(text, base)
	if !ok {
		return Key{}, fmt.Errorf("invalid key %q in base %d", text, base)
	}
	if v.Sign() < 0 || v.Cmp(s.ringSize) >= 0 {
		return Key{}, fmt.Errorf("key %q outside of %d-bit key space", text, s.bits)
	}
	return Key{v: v}, nil
}

// Add computes (a + b) mod 2^L.
func (s *Space) Add(a, b Key) Key {
	if a.IsUnspecified() || b.IsUnspecified() {
		return Key{}
	}
	return Key{v: s.mod(new(big.Int).Add(a.v, b.v))}
}

// Sub computes (a - b) mod 2^L.
func (s *Space) Sub(a, b Key) Key {
	if a.IsUnspecified() || b.IsUnspecified() {
		return Key{}
	}
	return Key{v: s.mod(new(big.Int).Sub(a.v, b.v))}
}

// Distance computes the clockwise distance from start to end on the ring.
// Returns (end - start) mod 2^L.
func (s *Space) Distance(start, end Key) Key {
	return s.Sub(end, start)
}

// Pow2 returns 2^exponent mod 2^L.
func (s *Space) Pow2(exponent int) Key {
	if exponent < 0 {
		return Key{v: new(big.Int)}
	}
	return Key{v: s.mod(new(big.Int).Lsh(one, uint(exponent)))}
}

// AddPowerOfTwo computes (k + 2^exponent) mod 2^L.
// This is the start of finger interval i: thisNode + 2^i.
func (s *Space) AddPowerOfTwo(k Key, exponent int) Key {
	return s.Add(k, s.Pow2(exponent))
}

// Shl shifts k left by n bits, dropping bits that leave the key space.
// This is the de Bruijn edge k -> k << n.
func (s *Space) Shl(k Key, n int) Key {
	if k.IsUnspecified() {
		return Key{}
	}
	if n <= 0 {
		return k
	}
	return Key{v: s.mod(new(big.Int).Lsh(k.v, uint(n)))}
}

// Shr shifts k right by n bits.
func (s *Space) Shr(k Key, n int) Key {
	if k.IsUnspecified() {
		return Key{}
	}
	if n <= 0 {
		return k
	}
	return Key{v: new(big.Int).Rsh(k.v, uint(n))}
}

// Bit returns bit i of k, where bit 0 is the least significant one.
func (s *Space) Bit(k Key, i int) uint {
	if k.IsUnspecified() || i < 0 || i >= s.bits {
		return 0
	}
	return k.v.Bit(i)
}

// Log2 returns the index of the highest set bit of k, or -1 for the zero key.
func (s *Space) Log2(k Key) int {
	if k.IsUnspecified() {
		return -1
	}
	return k.v.BitLen() - 1
}

// Random draws a uniformly distributed key from r.
func (s *Space) Random(r *rand.Rand) Key {
	buf := make([]byte, (s.bits+7)/8)
	for i := range buf {
		buf[i] = byte(r.Intn(256))
	}
	return Key{v: s.mod(new(big.Int).SetBytes(buf))}
}

// HashKey hashes arbitrary data to an L-bit identifier using SHA-256.
// The digest is truncated to its leading L bits.
func (s *Space) HashKey(data []byte) Key {
	sum := sha256.Sum256(data)
	v := new(big.Int).SetBytes(sum[:])
	return Key{v: v.Rsh(v, uint(MaxBits-s.bits))}
}

// HashString hashes a string to an L-bit identifier.
func (s *Space) HashString(str string) Key {
	return s.HashKey([]byte(str))
}

// HashAddress hashes a network address (host:port) to an L-bit identifier.
// This is used to compute node keys from their network addresses.
func (s *Space) HashAddress(host string, port int) Key {
	return s.HashString(fmt.Sprintf("%s:%d", host, port))
}
