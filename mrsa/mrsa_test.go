package mrsa

import (
	"bytes"
	"strings"
	"testing"

	"github.com/absfs/sfs/hexcodec"
	"github.com/absfs/sfs/mpi"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) mpi.Int { return mpi.FromUint64(v) }

// testKey returns a reproducible generated key.
func testKey(t testing.TB) *KeyPair {
	t.Helper()
	g := &Generator{Source: mpi.NewLCG(mpi.DefaultLCGSeed)}
	k, err := g.Generate()
	require.NoError(t, err)
	return k
}

func TestDeriveSmallPrimes(t *testing.T) {
	tests := []struct {
		name       string
		p, q       uint64
		n, e, d    uint64
		dp, dq, qp uint64
	}{
		{"e falls back to 65537", 7, 13, 91, 0x10001, 5, 5, 5, 2},
		{"e is 3", 11, 5, 55, 3, 7, 7, 3, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Derive(u(tt.p), u(tt.q))
			require.NoError(t, err)
			assert.Equal(t, u(max(tt.p, tt.q)), k.P)
			assert.Equal(t, u(min(tt.p, tt.q)), k.Q)
			assert.Equal(t, u(tt.n), k.N)
			assert.Equal(t, u(tt.e), k.E)
			assert.Equal(t, u(tt.d), k.D)
			assert.Equal(t, u(tt.dp), k.DP)
			assert.Equal(t, u(tt.dq), k.DQ)
			assert.Equal(t, u(tt.qp), k.QP)
			assert.Equal(t, uint32(k.N.BitLen()), k.Bits)

			for m := uint64(0); m < tt.n; m++ {
				c := Encrypt(k.PublicKey(), u(m))
				require.Equal(t, u(m), k.Decrypt(c), "m=%d", m)
				require.Equal(t, u(m), k.DecryptNoCRT(c), "m=%d", m)
			}
		})
	}
}

func TestDeriveRejections(t *testing.T) {
	_, err := Derive(u(1031), u(1031))
	assert.ErrorIs(t, err, ErrWeakKey)
	assert.True(t, IsRejection(err))

	// 3 divides (p-1)(q-1) = 180
	k, err := Derive(u(7), u(31))
	require.NoError(t, err)
	assert.Equal(t, u(0x10001), k.E)
}

func TestGenerateBitsRange(t *testing.T) {
	src := mpi.NewLCG(1)
	_, err := Generate(src, MinKeyBits-1, 0)
	assert.ErrorIs(t, err, ErrKeyBits)
	_, err = Generate(src, MaxKeyBits+1, 0)
	assert.ErrorIs(t, err, ErrKeyBits)

	g := &Generator{Source: src, MinBits: 50, MaxBits: 40}
	_, err = g.Generate()
	assert.ErrorIs(t, err, ErrKeyBits)
}

func TestGeneratorDefaults(t *testing.T) {
	k := testKey(t)
	assert.True(t, k.IsPrivate())
	assert.GreaterOrEqual(t, k.P.BitLen(), DefaultMinBits+1)
	assert.LessOrEqual(t, k.P.BitLen(), DefaultMaxBits+2)
	assert.Greater(t, mpi.Cmp(&k.P, &k.Q), 0)
	assert.Greater(t, int(k.Bits), 8*EffectiveBlockSize)

	// the LCG makes generation reproducible
	again := testKey(t)
	assert.Equal(t, k, again)
}

func TestGeneratorExhaustsAttempts(t *testing.T) {
	g := &Generator{Source: mpi.NewLCG(7), MaxAttempts: 2, MaxPrimeSteps: 1}
	_, err := g.Generate()
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestRoundTripProperties(t *testing.T) {
	k := testKey(t)
	pub := k.PublicKey()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt inverts encrypt below the modulus", prop.ForAll(
		func(v uint64) bool {
			m := u(v)
			if mpi.Cmp(&m, &k.N) >= 0 {
				return true
			}
			c := Encrypt(pub, m)
			return k.Decrypt(c) == m && k.DecryptNoCRT(c) == m
		},
		gen.UInt64(),
	))

	properties.Property("stream decrypt recovers the plaintext prefix", prop.ForAll(
		func(data []byte) bool {
			ct := StreamEncrypt(pub, data)
			blocks := (len(data) + EffectiveBlockSize - 1) / EffectiveBlockSize
			if len(ct) != blocks*BlockSize {
				return false
			}
			pt, err := k.StreamDecrypt(ct)
			if err != nil || len(pt) != blocks*EffectiveBlockSize {
				return false
			}
			return bytes.Equal(pt[:len(data)], data) &&
				bytes.Count(pt[len(data):], []byte{0}) == len(pt)-len(data)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestStreamDecryptErrors(t *testing.T) {
	k := testKey(t)
	_, err := k.StreamDecrypt(make([]byte, BlockSize+1))
	assert.ErrorIs(t, err, ErrCiphertextLength)

	_, err = k.Public().StreamDecrypt(make([]byte, BlockSize))
	assert.ErrorIs(t, err, ErrNotPrivate)

	out, err := k.StreamDecrypt(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSerialization(t *testing.T) {
	k := testKey(t)

	b, err := k.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, KeySize)
	assert.Equal(t, byte(k.Bits), b[0])
	assert.Equal(t, byte(k.N[0]), b[4])
	assert.Equal(t, byte(k.N[0]>>8), b[5])

	s := k.Serialize()
	require.Len(t, s, 2*KeySize)
	assert.Equal(t, hexcodec.Encode(b), s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.Equal(t, s, parsed.Serialize())

	// block padded blobs carry trailing data
	padded, err := Parse(s + "0000000000000000")
	require.NoError(t, err)
	assert.Equal(t, k, padded)

	_, err = Parse(s[:len(s)-2])
	assert.ErrorIs(t, err, ErrKeyTooShort)

	var short KeyPair
	assert.ErrorIs(t, short.UnmarshalBinary(b[:KeySize-1]), ErrKeyTooShort)

	_, err = Parse(strings.Repeat("zz", KeySize))
	assert.ErrorIs(t, err, hexcodec.ErrInvalidChar)
}

func TestPublicZeroesPrivateFields(t *testing.T) {
	k := testKey(t)
	pub := k.Public()
	assert.Equal(t, k.N, pub.N)
	assert.Equal(t, k.E, pub.E)
	assert.Equal(t, k.Bits, pub.Bits)
	assert.False(t, pub.IsPrivate())
	assert.True(t, pub.P.IsZero())
	assert.True(t, pub.QP.IsZero())

	parsed, err := Parse(pub.Serialize())
	require.NoError(t, err)
	assert.Equal(t, k.PublicKey(), parsed.PublicKey())
}

func BenchmarkGenerate(b *testing.B) {
	g := &Generator{Source: mpi.NewLCG(mpi.DefaultLCGSeed)}
	for i := 0; i < b.N; i++ {
		if _, err := g.Generate(); err != nil {
			b.Fatal(err)
		}
	}
}
