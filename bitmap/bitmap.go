// Package bitmap implements fixed-length piece bitfields, laid out as in
// the BitTorrent BITFIELD message.
package bitmap

import (
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

var ErrLength = errors.New("bitfield has wrong length")
var ErrSpareBits = errors.New("bitfield has spare bits set")

// Bitfield is a set of exactly Len() bits, high bit first.  The number of
// set bits is maintained incrementally.
type Bitfield struct {
	bits  []uint8
	n     int
	count int
}

// New returns an empty bitfield of n bits.
func New(n int) *Bitfield {
	return &Bitfield{bits: make([]uint8, (n+7)/8), n: n}
}

// Full returns a bitfield of n bits, all set.
func Full(n int) *Bitfield {
	b := New(n)
	for i := 0; i < n>>3; i++ {
		b.bits[i] = 0xFF
	}
	if n&7 != 0 {
		b.bits[n>>3] = 0xFF << (8 - uint8(n&7))
	}
	b.count = n
	return b
}

// Parse builds a bitfield of n bits from the payload of a BITFIELD
// message.  The payload must be exactly (n+7)/8 bytes long, and the spare
// bits of the last byte must be clear.
func Parse(n int, data []byte) (*Bitfield, error) {
	if len(data) != (n+7)/8 {
		return nil, errors.Wrapf(ErrLength, "%v bytes for %v pieces",
			len(data), n)
	}
	if n&7 != 0 {
		spare := uint8(0xFF) >> uint8(n&7)
		if data[len(data)-1]&spare != 0 {
			return nil, ErrSpareBits
		}
	}
	b := &Bitfield{bits: make([]uint8, len(data)), n: n}
	copy(b.bits, data)
	for _, v := range b.bits {
		b.count += bits.OnesCount8(v)
	}
	return b, nil
}

// Len returns the number of bits in the bitfield.
func (b *Bitfield) Len() int {
	return b.n
}

// Get returns true if the ith bit is set.  Out of range bits are clear.
func (b *Bitfield) Get(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i>>3]&(1<<(7-uint8(i&7))) != 0
}

// Set sets the ith bit.  It returns false if i is out of range.
func (b *Bitfield) Set(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	if !b.Get(i) {
		b.bits[i>>3] |= 1 << (7 - uint8(i&7))
		b.count++
	}
	return true
}

// Reset clears the ith bit.
func (b *Bitfield) Reset(i int) {
	if b.Get(i) {
		b.bits[i>>3] &^= 1 << (7 - uint8(i&7))
		b.count--
	}
}

// Count returns the number of bits set.
func (b *Bitfield) Count() int {
	return b.count
}

// Empty returns true if no bits are set.
func (b *Bitfield) Empty() bool {
	return b.count == 0
}

// Complete returns true if all bits are set.
func (b *Bitfield) Complete() bool {
	return b.count == b.n
}

// Bytes returns the wire encoding of the bitfield.  The result is a copy.
func (b *Bitfield) Bytes() []byte {
	c := make([]byte, len(b.bits))
	copy(c, b.bits)
	return c
}

// Copy returns an independent copy of b.
func (b *Bitfield) Copy() *Bitfield {
	return &Bitfield{bits: b.Bytes(), n: b.n, count: b.count}
}

// Range calls f for each set bit, in increasing order, until f returns
// false.
func (b *Bitfield) Range(f func(index int) bool) {
	for i, v := range b.bits {
		for v != 0 {
			j := bits.LeadingZeros8(v)
			if !f(i<<3 + j) {
				return
			}
			v &^= 1 << (7 - uint8(j))
		}
	}
}

func (b *Bitfield) String() string {
	var buf strings.Builder
	buf.Grow(b.n + 2)
	buf.WriteByte('[')
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}
