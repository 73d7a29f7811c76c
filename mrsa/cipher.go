package mrsa

import (
	"errors"
	"fmt"

	"github.com/absfs/sfs/mpi"
)

const (
	// BlockSize is the size of one ciphertext block: a whole mpi.Int in its
	// little-endian layout.
	BlockSize = mpi.Bytes
	// EffectiveBlockSize is the plaintext carried by one block. Half a block
	// always stays below the modulus.
	EffectiveBlockSize = BlockSize / 2
)

// ErrCiphertextLength is returned by StreamDecrypt for input that is not a
// whole number of blocks.
var ErrCiphertextLength = errors.New("mrsa: ciphertext is not a multiple of the block size")

// Encrypt returns m^e mod n.
func Encrypt(pub PublicKey, m mpi.Int) mpi.Int {
	return mpi.ModExp(m, pub.E, pub.N)
}

// Decrypt inverts Encrypt using the CRT values. The result is only
// meaningful when c was produced under the matching public key; nothing
// detects a mismatch.
func (k *KeyPair) Decrypt(c mpi.Int) mpi.Int {
	mp := mpi.ModExp(mpi.Mod(c, k.P), k.DP, k.P)
	mq := mpi.ModExp(mpi.Mod(c, k.Q), k.DQ, k.Q)

	// mq < q < p, so one conditional add brings mp - mq into [0, p)
	diff := mp
	if diff.Sub(&mq) != 0 {
		diff.Add(&k.P)
	}
	h := mpi.ModMul(diff, k.QP, k.P)
	m := mpi.Mul(h, k.Q)
	m.Add(&mq)
	return m
}

// DecryptNoCRT returns c^d mod n.
func (k *KeyPair) DecryptNoCRT(c mpi.Int) mpi.Int {
	return mpi.ModExp(c, k.D, k.N)
}

// StreamEncrypt encrypts data in EffectiveBlockSize chunks. Each chunk is
// zero padded to a full block, so the output holds ceil(len/8) blocks of
// BlockSize bytes.
func StreamEncrypt(pub PublicKey, data []byte) []byte {
	n := (len(data) + EffectiveBlockSize - 1) / EffectiveBlockSize
	out := make([]byte, n*BlockSize)
	for i := 0; i < n; i++ {
		end := min((i+1)*EffectiveBlockSize, len(data))
		m := mpi.FromLE(data[i*EffectiveBlockSize : end])
		c := Encrypt(pub, m)
		c.PutLE(out[i*BlockSize:])
	}
	return out
}

// StreamDecrypt reverses StreamEncrypt. The output is len(data)/2 bytes and
// keeps the zero padding of the last chunk; callers that know the plaintext
// length trim it.
func (k *KeyPair) StreamDecrypt(data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextLength, len(data))
	}
	if !k.IsPrivate() {
		return nil, ErrNotPrivate
	}
	n := len(data) / BlockSize
	out := make([]byte, n*EffectiveBlockSize)
	var buf [BlockSize]byte
	for i := 0; i < n; i++ {
		m := k.Decrypt(mpi.FromLE(data[i*BlockSize : (i+1)*BlockSize]))
		m.PutLE(buf[:])
		copy(out[i*EffectiveBlockSize:], buf[:EffectiveBlockSize])
	}
	return out, nil
}
