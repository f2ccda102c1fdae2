package tcpstream

import (
	"firestige.xyz/tcpfollow/internal/core"
)

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// Key identifies a connection independently of segment direction. The two
// endpoints are stored in canonical order, so Key is comparable and usable
// as a map key.
type Key struct {
	lo core.Endpoint
	hi core.Endpoint
}

// NewKey builds the canonical key for the endpoint pair a, b.
func NewKey(a, b core.Endpoint) Key {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return Key{lo: a, hi: b}
}

// KeyOf returns the canonical key of a segment's 4-tuple.
func KeyOf(seg *core.Segment) Key {
	return NewKey(seg.Src, seg.Dst)
}

// Endpoints returns the two endpoints, lower first.
func (k Key) Endpoints() (core.Endpoint, core.Endpoint) {
	return k.lo, k.hi
}

// Compare orders keys by their lower endpoint, then their higher one.
func (k Key) Compare(o Key) int {
	if c := k.lo.Compare(o.lo); c != 0 {
		return c
	}
	return k.hi.Compare(o.hi)
}

// Hash returns a 64-bit FNV-1a hash of the key, stable across runs. It
// runs once per segment in the shard router and does not allocate.
func (k Key) Hash() uint64 {
	h := uint64(fnvOffset64)
	h = hashEndpoint(h, k.lo)
	return hashEndpoint(h, k.hi)
}

// hashEndpoint folds the address bytes, then the port in network order.
func hashEndpoint(h uint64, ep core.Endpoint) uint64 {
	for _, b := range ep.Addr {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	h ^= uint64(ep.Port >> 8)
	h *= fnvPrime64
	h ^= uint64(ep.Port & 0xff)
	h *= fnvPrime64
	return h
}

func (k Key) String() string {
	return k.lo.String() + " - " + k.hi.String()
}
