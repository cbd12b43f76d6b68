package hash

import (
	"math/big"
)

// Key is a point on the circular identifier space.
// The zero value is the unspecified key. Keys are immutable once built,
// so they can be copied and shared freely.
type Key struct {
	v *big.Int
}

// IsUnspecified reports whether the key carries no value.
func (k Key) IsUnspecified() bool {
	return k.v == nil
}

// Equal reports whether two keys are the same point. Two unspecified keys
// are equal to each other and to nothing else.
func (k Key) Equal(other Key) bool {
	if k.v == nil || other.v == nil {
		return k.v == nil && other.v == nil
	}
	return k.v.Cmp(other.v) == 0
}

// Cmp compares the raw integer values. Routing must not rely on it; it only
// gives a stable order for sorting and tie-breaks. Unspecified sorts first.
func (k Key) Cmp(other Key) int {
	switch {
	case k.v == nil && other.v == nil:
		return 0
	case k.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return k.v.Cmp(other.v)
}

// Big returns a copy of the key's value, or nil if unspecified.
func (k Key) Big() *big.Int {
	if k.v == nil {
		return nil
	}
	return new(big.Int).Set(k.v)
}

// Uint64 returns the low 64 bits of the key.
func (k Key) Uint64() uint64 {
	if k.v == nil {
		return 0
	}
	return k.v.Uint64()
}

// String returns the decimal form of the key, or "<unspec>".
func (k Key) String() string {
	if k.v == nil {
		return "<unspec>"
	}
	return k.v.String()
}

// Text returns the key in the given base.
func (k Key) Text(base int) string {
	if k.v == nil {
		return "<unspec>"
	}
	return k.v.Text(base)
}

// MarshalText renders the key in hex so it can be used in JSON and YAML.
func (k Key) MarshalText() ([]byte, error) {
	if k.v == nil {
		return []byte(""), nil
	}
	return []byte(k.v.Text(16)), nil
}

// Between checks if k is in the open arc (a, b).
// For a == b the arc is the whole ring except a.
func (k Key) Between(a, b Key) bool {
	if k.v == nil || a.v == nil || b.v == nil {
		return false
	}
	ka, kb := k.v.Cmp(a.v), k.v.Cmp(b.v)
	switch ab := a.v.Cmp(b.v); {
	case ab == 0:
		return ka != 0
	case ab < 0:
		return ka > 0 && kb < 0
	default:
		// wraps around zero
		return ka > 0 || kb < 0
	}
}

// BetweenR checks if k is in the arc (a, b], the ownership test in Chord.
// For a == b the arc is the whole ring.
func (k Key) BetweenR(a, b Key) bool {
	if k.v == nil || a.v == nil || b.v == nil {
		return false
	}
	if a.v.Cmp(b.v) == 0 || k.v.Cmp(b.v) == 0 {
		return true
	}
	return k.Between(a, b)
}

// BetweenL checks if k is in the arc [a, b).
// For a == b the arc is the whole ring.
func (k Key) BetweenL(a, b Key) bool {
	if k.v == nil || a.v == nil || b.v == nil {
		return false
	}
	if a.v.Cmp(b.v) == 0 || k.v.Cmp(a.v) == 0 {
		return true
	}
	return k.Between(a, b)
}

// BetweenLR checks if k is in the closed arc [a, b].
func (k Key) BetweenLR(a, b Key) bool {
	if k.v == nil || a.v == nil || b.v == nil {
		return false
	}
	if a.v.Cmp(b.v) == 0 || k.v.Cmp(a.v) == 0 || k.v.Cmp(b.v) == 0 {
		return true
	}
	return k.Between(a, b)
}
