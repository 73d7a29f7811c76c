// Package feistel implements the 64-bit block, 16-round Feistel cipher used
// for file contents and sealed private keys.
//
// The key schedule follows the Blowfish construction: P and S start from the
// digits of pi, P is XORed with the key, and the tables are then rebuilt by
// repeatedly encrypting a zero block. Words are big-endian on the wire, so
// ciphertext bytes do not depend on the host byte order.
package feistel

import "encoding/binary"

const (
	// BlockSize is the cipher block size in bytes.
	BlockSize = 8
	// Rounds is the number of Feistel rounds.
	Rounds = 16
	// MaxKeySize is the number of key bytes mixed into a schedule. Longer keys
	// are truncated.
	MaxKeySize = 4 * (Rounds - 2)
)

// Schedule is an expanded key. The zero value is not usable; build one with
// NewSchedule or SetKey. A Schedule is read-only once set and may be shared
// between goroutines.
type Schedule struct {
	P [Rounds + 2]uint32
	S [4][256]uint32
}

// NewSchedule expands key into a new Schedule.
func NewSchedule(key []byte) *Schedule {
	s := new(Schedule)
	s.SetKey(key)
	return s
}

// SetKey resets s to the pi tables and mixes in key. Key bytes are taken in
// big-endian groups of four and cycled when the key is short. Only the first
// MaxKeySize bytes are used. An empty key leaves the pi tables unmixed before
// the warm-up.
func (s *Schedule) SetKey(key []byte) {
	if len(key) > MaxKeySize {
		key = key[:MaxKeySize]
	}
	*s = initial

	if len(key) > 0 {
		j := 0
		for i := range s.P {
			var w uint32
			for k := 0; k < 4; k++ {
				w = w<<8 | uint32(key[j])
				j++
				if j == len(key) {
					j = 0
				}
			}
			s.P[i] ^= w
		}
	}

	var l, r uint32
	for i := 0; i < len(s.P); i += 2 {
		l, r = s.EncryptBlock(l, r)
		s.P[i], s.P[i+1] = l, r
	}
	for b := range s.S {
		for i := 0; i < len(s.S[b]); i += 2 {
			l, r = s.EncryptBlock(l, r)
			s.S[b][i], s.S[b][i+1] = l, r
		}
	}
}

func (s *Schedule) f(x uint32) uint32 {
	h := s.S[0][x>>24] + s.S[1][x>>16&0xff]
	return (h ^ s.S[2][x>>8&0xff]) + s.S[3][x&0xff]
}

// EncryptBlock runs the network forward over one block held as two words.
func (s *Schedule) EncryptBlock(l, r uint32) (uint32, uint32) {
	for i := 0; i < Rounds; i += 2 {
		l ^= s.P[i]
		r ^= s.f(l)
		r ^= s.P[i+1]
		l ^= s.f(r)
	}
	return r ^ s.P[Rounds+1], l ^ s.P[Rounds]
}

// DecryptBlock runs the network with the subkeys reversed.
func (s *Schedule) DecryptBlock(l, r uint32) (uint32, uint32) {
	for i := Rounds + 1; i > 1; i -= 2 {
		l ^= s.P[i]
		r ^= s.f(l)
		r ^= s.P[i-1]
		l ^= s.f(r)
	}
	return r ^ s.P[0], l ^ s.P[1]
}

// BlockSize returns BlockSize. With Encrypt and Decrypt it makes *Schedule a
// crypto/cipher.Block.
func (s *Schedule) BlockSize() int { return BlockSize }

// Encrypt encrypts the first block of src into dst. dst and src may overlap
// entirely.
func (s *Schedule) Encrypt(dst, src []byte) {
	l, r := s.EncryptBlock(binary.BigEndian.Uint32(src[0:4]), binary.BigEndian.Uint32(src[4:8]))
	binary.BigEndian.PutUint32(dst[0:4], l)
	binary.BigEndian.PutUint32(dst[4:8], r)
}

// Decrypt decrypts the first block of src into dst. dst and src may overlap
// entirely.
func (s *Schedule) Decrypt(dst, src []byte) {
	l, r := s.DecryptBlock(binary.BigEndian.Uint32(src[0:4]), binary.BigEndian.Uint32(src[4:8]))
	binary.BigEndian.PutUint32(dst[0:4], l)
	binary.BigEndian.PutUint32(dst[4:8], r)
}
