package mpi

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Source supplies 16-bit words to Randomize.
type Source interface {
	Uint16() uint16
}

// DefaultLCGSeed is the historical seed of the linear congruential source.
const DefaultLCGSeed = 27182

// LCG is the historical s = s*31421 + 6927 mod 2^16 generator. It is fully
// predictable and is kept for reproducible key generation in tests and for
// regenerating legacy material.
type LCG struct {
	state uint16
}

// NewLCG returns an LCG starting at seed.
func NewLCG(seed uint16) *LCG {
	return &LCG{state: seed}
}

// Uint16 advances the generator and returns the new state.
func (l *LCG) Uint16() uint16 {
	l.state = l.state*31421 + 6927
	return l.state
}

type cryptoSource struct {
	mu  sync.Mutex
	buf [128]byte
	pos int
}

// NewCryptoSource returns a Source backed by crypto/rand. It is safe for
// concurrent use.
func NewCryptoSource() Source {
	return &cryptoSource{pos: 128}
}

func (c *cryptoSource) Uint16() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos+2 > len(c.buf) {
		// crypto/rand.Read does not return on failure
		_, _ = rand.Read(c.buf[:])
		c.pos = 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}
