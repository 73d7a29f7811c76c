package sfs

import (
	"crypto/rand"
	"fmt"

	"github.com/absfs/sfs/feistel"
	"github.com/absfs/sfs/hexcodec"
)

// NewSymSchedule expands key for the symmetric wrapper. The key is used as
// raw bytes, so a hex file key is keyed by its text. Only the first
// feistel.MaxKeySize bytes are used.
func NewSymSchedule(key []byte) *feistel.Schedule {
	return feistel.NewSchedule(key)
}

// SymEncrypt encrypts data block by block under key. The last partial block
// is zero padded, so the result is len(data) rounded up to BlockSize.
func SymEncrypt(key, data []byte) []byte {
	out := make([]byte, alignUp(int64(len(data))))
	copy(out, data)
	SymEncryptBlocks(NewSymSchedule(key), out)
	return out
}

// SymDecrypt decrypts the whole blocks of data under key. Trailing bytes
// that do not fill a block are dropped.
func SymDecrypt(key, data []byte) []byte {
	n := len(data) - len(data)%BlockSize
	out := make([]byte, n)
	copy(out, data[:n])
	SymDecryptBlocks(NewSymSchedule(key), out)
	return out
}

// SymEncryptBlocks encrypts every whole block of buf in place.
func SymEncryptBlocks(s *feistel.Schedule, buf []byte) {
	ecbRange(s, buf, true)
}

// SymDecryptBlocks decrypts every whole block of buf in place.
func SymDecryptBlocks(s *feistel.Schedule, buf []byte) {
	ecbRange(s, buf, false)
}

// GenerateSymKey returns n random bytes as hex text.
func GenerateSymKey(n int) (string, error) {
	if err := ValidateSize(n, "key_size", 1, feistel.MaxKeySize/2); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hexcodec.Encode(b), nil
}

func alignUp(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}
