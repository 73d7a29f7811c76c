// Package mpi implements fixed-width multiprecision integers for the sfs
// public-key engine.
//
// An Int is eight 16-bit limbs, least significant limb first. Values are
// unsigned for every operation except Neg, IsNeg and ModInverse, which read
// the top bit of the top limb as a two's complement sign. Nothing grows: all
// arithmetic wraps at Bits.
package mpi

import (
	"encoding/hex"
	"errors"
	"math/bits"
	"strings"
)

const (
	// LimbBits is the width of one limb.
	LimbBits = 16
	// Limbs is the number of limbs in an Int.
	Limbs = 8
	// Bits is the width of an Int.
	Bits = Limbs * LimbBits
	// Bytes is the size of an Int in its little-endian memory layout.
	Bytes = Bits / 8

	signBit = 1 << (LimbBits - 1)
)

var (
	// ErrDivideByZero is returned by DivMod when the divisor is zero.
	ErrDivideByZero = errors.New("mpi: division by zero")
	// ErrOverflow is returned when a search runs past the top of the Int range.
	ErrOverflow = errors.New("mpi: value overflows fixed width")
	// ErrPrimeSearchExhausted is returned by NextPrime when the step limit is reached.
	ErrPrimeSearchExhausted = errors.New("mpi: prime search step limit reached")
)

// Int is a fixed-width integer, least significant limb first.
type Int [Limbs]uint16

// FromUint64 returns v as an Int.
func FromUint64(v uint64) Int {
	var a Int
	for i := 0; i < Limbs && v != 0; i++ {
		a[i] = uint16(v)
		v >>= LimbBits
	}
	return a
}

// Uint64 returns the low 64 bits of a.
func (a *Int) Uint64() uint64 {
	var v uint64
	for i := min(Limbs, 64/LimbBits) - 1; i >= 0; i-- {
		v = v<<LimbBits | uint64(a[i])
	}
	return v
}

// IsZero reports whether a is zero.
func (a *Int) IsZero() bool {
	for _, l := range a {
		if l != 0 {
			return false
		}
	}
	return true
}

// IsNeg reports whether the sign bit is set.
func (a *Int) IsNeg() bool {
	return a[Limbs-1]&signBit != 0
}

// Neg replaces a with its two's complement.
func (a *Int) Neg() {
	carry := uint32(1)
	for i := range a {
		s := uint32(^a[i]) + carry
		a[i] = uint16(s)
		carry = s >> LimbBits
	}
}

// SigLimbs returns the number of limbs up to and including the most
// significant non-zero limb.
func (a *Int) SigLimbs() int {
	for i := Limbs; i > 0; i-- {
		if a[i-1] != 0 {
			return i
		}
	}
	return 0
}

// BitLen returns the position of the top set bit plus one, or 0 for zero.
func (a *Int) BitLen() int {
	n := a.SigLimbs()
	if n == 0 {
		return 0
	}
	return (n-1)*LimbBits + bits.Len16(a[n-1])
}

// Bit returns bit i of a.
func (a *Int) Bit(i int) uint {
	return uint(a[i/LimbBits]>>(i%LimbBits)) & 1
}

// SetBit sets bit i of a to one.
func (a *Int) SetBit(i int) {
	a[i/LimbBits] |= 1 << (i % LimbBits)
}

// PutLE writes a into b in the little-endian memory layout used by stored
// keys and cipher blocks. b must hold at least Bytes bytes.
func (a *Int) PutLE(b []byte) {
	_ = b[Bytes-1]
	for i, l := range a {
		b[2*i] = byte(l)
		b[2*i+1] = byte(l >> 8)
	}
}

// FromLE reads an Int from its little-endian memory layout. Short input is
// zero extended; bytes past Bytes are ignored.
func FromLE(b []byte) Int {
	var buf [Bytes]byte
	copy(buf[:], b)
	var a Int
	for i := range a {
		a[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return a
}

// Bytes returns a as Bytes big-endian bytes.
func (a *Int) Bytes() []byte {
	out := make([]byte, Bytes)
	for i, l := range a {
		out[Bytes-2*i-1] = byte(l)
		out[Bytes-2*i-2] = byte(l >> 8)
	}
	return out
}

// SetBytes sets a from big-endian bytes, keeping the low Bits bits.
func (a *Int) SetBytes(b []byte) *Int {
	if len(b) > Bytes {
		b = b[len(b)-Bytes:]
	}
	var buf [Bytes]byte
	copy(buf[Bytes-len(b):], b)
	for i := range a {
		a[i] = uint16(buf[Bytes-2*i-1]) | uint16(buf[Bytes-2*i-2])<<8
	}
	return a
}

// String returns a in hexadecimal without leading zeros.
func (a Int) String() string {
	s := strings.TrimLeft(hex.EncodeToString(a.Bytes()), "0")
	if s == "" {
		return "0"
	}
	return s
}
