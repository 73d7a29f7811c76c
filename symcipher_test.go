package sfs

import (
	"bytes"
	"testing"

	"github.com/absfs/sfs/hexcodec"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymEncryptPadsToBlocks(t *testing.T) {
	key := []byte("0123456789abcdef")
	ct := SymEncrypt(key, []byte("HELLOWORLD"))
	require.Len(t, ct, 16)

	pt := SymDecrypt(key, ct)
	require.Len(t, pt, 16)
	assert.Equal(t, []byte("HELLOWORLD"), pt[:10])
	assert.Equal(t, make([]byte, 6), pt[10:], "padding decrypts to zeros")
}

func TestSymEncryptEmpty(t *testing.T) {
	assert.Empty(t, SymEncrypt([]byte("k"), nil))
	assert.Empty(t, SymDecrypt([]byte("k"), nil))
}

func TestSymDecryptDropsPartialBlock(t *testing.T) {
	key := []byte("key")
	ct := SymEncrypt(key, []byte("ABCDEFGH"))
	pt := SymDecrypt(key, append(ct, 1, 2, 3))
	assert.Equal(t, []byte("ABCDEFGH"), pt)
}

func TestSymWrongKeyYieldsGarbage(t *testing.T) {
	ct := SymEncrypt([]byte("right"), []byte("ATTACKATDAWN"))
	pt := SymDecrypt([]byte("wrong"), ct)
	assert.Len(t, pt, 16)
	assert.False(t, bytes.HasPrefix(pt, []byte("ATTACKATDAWN")))
}

func TestSymLongKeyIsCapped(t *testing.T) {
	long := bytes.Repeat([]byte("k"), 80)
	data := []byte("capped key material")
	assert.Equal(t, SymEncrypt(long[:56], data), SymEncrypt(long, data))
}

func TestSymBlocksMatchWrapper(t *testing.T) {
	key := []byte("file-key")
	data := bytes.Repeat([]byte("0123456789"), 10)
	buf := make([]byte, alignUp(int64(len(data))))
	copy(buf, data)

	SymEncryptBlocks(NewSymSchedule(key), buf)
	assert.Equal(t, SymEncrypt(key, data), buf)

	SymDecryptBlocks(NewSymSchedule(key), buf)
	assert.Equal(t, data, buf[:len(data)])
}

func TestSymRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(x)) has x as prefix", prop.ForAll(
		func(key, data []byte) bool {
			if len(key) == 0 {
				key = []byte{0}
			}
			ct := SymEncrypt(key, data)
			if len(ct)%BlockSize != 0 || len(ct) < len(data) || len(ct) >= len(data)+BlockSize+1 {
				return false
			}
			pt := SymDecrypt(key, ct)
			return bytes.Equal(pt[:len(data)], data) && bytes.Count(pt[len(data):], []byte{0}) == len(pt)-len(data)
		},
		gen.SliceOfN(16, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestGenerateSymKey(t *testing.T) {
	key, err := GenerateSymKey(FileKeySize)
	require.NoError(t, err)
	assert.Len(t, key, 2*FileKeySize)

	raw, err := hexcodec.Decode(key)
	require.NoError(t, err)
	assert.Len(t, raw, FileKeySize)

	other, err := GenerateSymKey(FileKeySize)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	for _, n := range []int{0, -1, 29} {
		_, err := GenerateSymKey(n)
		assert.True(t, IsValidationError(err), "size %d", n)
	}
}
