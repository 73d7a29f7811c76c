// Package mrsa is the small-modulus RSA engine that protects file keys and
// escrowed private keys.
//
// Keys are built from two primes of a few dozen bits, so every value fits a
// fixed-width mpi.Int. The construction is deliberately historical and offers
// no real security margin; it exists to read and write the key material of
// existing stores.
package mrsa

import (
	"errors"
	"fmt"

	"github.com/absfs/sfs/mpi"
)

const (
	// MinKeyBits is the smallest prime size Generator accepts. Two primes of
	// this size give a modulus above 2^64, which every stream chunk needs.
	MinKeyBits = 33
	// MaxKeyBits keeps the modulus below 2^126, the range ModInverse
	// handles with signed coefficients.
	MaxKeyBits = 62

	// DefaultMinBits and DefaultMaxBits bound the prime size picked by
	// Generator when none is configured.
	DefaultMinBits = 40
	DefaultMaxBits = 50
	// DefaultMaxAttempts bounds Generator retries after rejections.
	DefaultMaxAttempts = 64
	// DefaultMaxPrimeSteps bounds each prime search.
	DefaultMaxPrimeSteps = 1 << 16

	weakGCD = 0xff
)

var (
	// ErrWeakKey rejects prime pairs whose p-1 and q-1 share a large factor.
	ErrWeakKey = errors.New("mrsa: gcd(p-1, q-1) too large")
	// ErrNoExponent rejects prime pairs for which neither 3 nor 65537 is a
	// valid public exponent.
	ErrNoExponent = errors.New("mrsa: no usable public exponent")
	// ErrKeyBits is returned for prime sizes outside [MinKeyBits, MaxKeyBits].
	ErrKeyBits = errors.New("mrsa: prime size out of range")
	// ErrTooManyAttempts is returned when every generation attempt was rejected.
	ErrTooManyAttempts = errors.New("mrsa: key generation attempts exhausted")
	// ErrNotPrivate is returned when a private operation gets a public key.
	ErrNotPrivate = errors.New("mrsa: key has no private part")
)

var (
	one     = mpi.FromUint64(1)
	three   = mpi.FromUint64(3)
	f4      = mpi.FromUint64(0x10001)
	weakMax = mpi.FromUint64(weakGCD)
)

// PublicKey is the public half of a KeyPair.
type PublicKey struct {
	N mpi.Int
	E mpi.Int
}

// KeyPair is a full key. The public exponent and the modulus are enough to
// encrypt; D, P, Q and the CRT values are needed to decrypt. Bits is the bit
// length of N.
type KeyPair struct {
	Bits uint32
	N    mpi.Int
	E    mpi.Int
	D    mpi.Int
	P    mpi.Int
	Q    mpi.Int
	DP   mpi.Int
	DQ   mpi.Int
	QP   mpi.Int
}

// PublicKey returns the encryption half of k.
func (k *KeyPair) PublicKey() PublicKey {
	return PublicKey{N: k.N, E: k.E}
}

// Public returns a copy of k with every private field zeroed. This is the
// form stored in the public key directories, in the same binary layout.
func (k *KeyPair) Public() *KeyPair {
	return &KeyPair{Bits: k.Bits, N: k.N, E: k.E}
}

// IsPrivate reports whether k carries a private exponent.
func (k *KeyPair) IsPrivate() bool {
	return !k.D.IsZero()
}

// Derive completes a key pair from two primes. The primes are ordered so
// that P > Q, which the CRT recombination in Decrypt relies on.
//
// Failure is a normal outcome: ErrWeakKey and ErrNoExponent tell the caller
// to draw new primes.
func Derive(p, q mpi.Int) (*KeyPair, error) {
	if mpi.Cmp(&p, &q) < 0 {
		p, q = q, p
	}
	p1, q1 := p, q
	p1.Sub(&one)
	q1.Sub(&one)

	g := mpi.GCD(p1, q1)
	if mpi.Cmp(&g, &weakMax) > 0 {
		return nil, ErrWeakKey
	}

	k := &KeyPair{P: p, Q: q, N: mpi.Mul(p, q)}
	phi := mpi.Mul(p1, q1)
	f, _, err := mpi.DivMod(phi, g)
	if err != nil {
		return nil, fmt.Errorf("mrsa: reduce totient: %w", err)
	}

	switch {
	case mpi.GCD(phi, three) == one:
		k.E = three
	case mpi.GCD(phi, f4) == one:
		k.E = f4
	default:
		return nil, ErrNoExponent
	}

	d, ok := mpi.ModInverse(k.E, f)
	if !ok {
		return nil, ErrNoExponent
	}
	k.D = d
	k.DP = mpi.Mod(d, p1)
	k.DQ = mpi.Mod(d, q1)
	if k.QP, ok = mpi.ModInverse(q, p); !ok {
		return nil, ErrWeakKey
	}
	k.Bits = uint32(k.N.BitLen())
	return k, nil
}

// IsRejection reports whether err is a retryable key generation outcome.
func IsRejection(err error) bool {
	return errors.Is(err, ErrWeakKey) || errors.Is(err, ErrNoExponent) ||
		errors.Is(err, mpi.ErrPrimeSearchExhausted)
}

// Generate makes one key generation attempt with primes drawn from
// [2^bits, 2^(bits+1)). maxPrimeSteps bounds each prime search; zero or less
// searches without bound.
func Generate(src mpi.Source, bits, maxPrimeSteps int) (*KeyPair, error) {
	if bits < MinKeyBits || bits > MaxKeyBits {
		return nil, fmt.Errorf("%w: %d", ErrKeyBits, bits)
	}
	var p, q mpi.Int
	mpi.Randomize(&p, bits, src)
	mpi.Randomize(&q, bits, src)

	p, err := mpi.NextPrime(p, maxPrimeSteps)
	if err != nil {
		return nil, fmt.Errorf("mrsa: search p: %w", err)
	}
	q, err = mpi.NextPrime(q, maxPrimeSteps)
	if err != nil {
		return nil, fmt.Errorf("mrsa: search q: %w", err)
	}
	return Derive(p, q)
}

// Generator draws key pairs of a random size between MinBits and MaxBits,
// retrying rejected attempts. Zero fields take the package defaults and a
// nil Source uses crypto/rand. A negative MaxPrimeSteps lifts the bound on
// prime searches.
type Generator struct {
	Source        mpi.Source
	MinBits       int
	MaxBits       int
	MaxAttempts   int
	MaxPrimeSteps int
}

// Generate returns a new key pair.
func (g *Generator) Generate() (*KeyPair, error) {
	src := g.Source
	if src == nil {
		src = mpi.NewCryptoSource()
	}
	lo, hi := g.MinBits, g.MaxBits
	if lo == 0 {
		lo = DefaultMinBits
	}
	if hi == 0 {
		hi = max(lo, DefaultMaxBits)
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: min %d above max %d", ErrKeyBits, lo, hi)
	}
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	steps := g.MaxPrimeSteps
	if steps == 0 {
		steps = DefaultMaxPrimeSteps
	}

	var last error
	for i := 0; i < attempts; i++ {
		bits := lo + int(src.Uint16())%(hi-lo+1)
		k, err := Generate(src, bits, steps)
		if err == nil {
			return k, nil
		}
		if !IsRejection(err) {
			return nil, err
		}
		last = err
	}
	return nil, fmt.Errorf("%w after %d tries: %w", ErrTooManyAttempts, attempts, last)
}
