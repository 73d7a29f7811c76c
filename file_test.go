package sfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEncrypted(t testing.TB, f *fixture, name string, flag int) *encryptedFile {
	t.Helper()
	file, err := f.fs.OpenFile(name, flag, 0)
	require.NoError(t, err)
	ef, ok := file.(*encryptedFile)
	require.True(t, ok, "expected an encrypted file, got %T", file)
	return ef
}

func TestEncryptedFileReadAt(t *testing.T) {
	f := newFixture(t)
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	f.encrypt(t, "/r.txt", data)

	file := openEncrypted(t, f, "/r.txt", os.O_RDONLY)
	defer file.Close()

	tests := []struct {
		off  int64
		n    int
		want string
		eof  bool
	}{
		{0, 4, "0123", false},
		{3, 2, "34", false},
		{7, 2, "78", false},
		{8, 8, "89abcdef", false},
		{13, 11, "defghijklmn", false},
		{30, 10, "uvwxyz", true},
		{36, 4, "", true},
		{100, 4, "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d+%d", tt.off, tt.n), func(t *testing.T) {
			buf := make([]byte, tt.n)
			n, err := file.ReadAt(buf, tt.off)
			assert.Equal(t, tt.want, string(buf[:n]))
			if tt.eof {
				assert.ErrorIs(t, err, io.EOF)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := file.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestEncryptedFileWriteAt(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/w.txt", []byte("HELLOWORLD"))

	file := openEncrypted(t, f, "/w.txt", os.O_RDWR)
	_, err := file.WriteAt([]byte("xy"), 3)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("tail"), 20)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	want := append([]byte("HELxyWORLD"), make([]byte, 10)...)
	want = append(want, "tail"...)
	assert.Equal(t, want, readAll(t, f.fs, "/w.txt"))
	assert.Len(t, f.readBase(t, "/w.txt"), 24)

	size, err := f.session.Size("/", "w.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(24), size)

	info, err := f.fs.Stat("/w.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(24), info.Size())
	assert.NotZero(t, info.Mode()&ModeEncrypted)
}

func TestEncryptedFileMatchesPlainModel(t *testing.T) {
	f := newFixture(t)
	count := 0

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("unaligned writes read back like a plain file", prop.ForAll(
		func(initial []byte, off1 int64, data1 []byte, off2 int64, data2 []byte) bool {
			count++
			name := fmt.Sprintf("/model-%d", count)
			f.encrypt(t, name, initial)

			model := append([]byte(nil), initial...)
			apply := func(off int64, data []byte) {
				if len(data) == 0 {
					return
				}
				if end := off + int64(len(data)); end > int64(len(model)) {
					model = append(model, make([]byte, end-int64(len(model)))...)
				}
				copy(model[off:], data)
			}

			file, err := f.fs.OpenFile(name, os.O_RDWR, 0)
			if err != nil {
				return false
			}
			for _, w := range []struct {
				off  int64
				data []byte
			}{{off1, data1}, {off2, data2}} {
				if _, err := file.WriteAt(w.data, w.off); err != nil {
					file.Close()
					return false
				}
				apply(w.off, w.data)
			}
			if err := file.Close(); err != nil {
				return false
			}

			got := readAll(t, f.fs, name)
			raw := f.readBase(t, name)
			return bytes.Equal(got, model) && int64(len(raw)) == alignUp(int64(len(model)))
		},
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(0, 64),
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(0, 64),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestEncryptedFileSequentialIO(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/s.txt", nil)

	file := openEncrypted(t, f, "/s.txt", os.O_RDWR)
	for _, chunk := range []string{"abc", "defghij", "klmnopqrstu"} {
		_, err := file.WriteString(chunk)
		require.NoError(t, err)
	}

	pos, err := file.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstu", string(got))

	pos, err = file.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(16), pos)
	buf := make([]byte, 3)
	_, err = file.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "qrs", string(buf))

	pos, err = file.Seek(-2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(17), pos)

	_, err = file.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	_, err = file.Seek(0, 42)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	require.NoError(t, file.Close())
}

func TestEncryptedFileAppend(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/a.log", []byte("line one\n"))

	file, err := f.fs.OpenFile("/a.log", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.Write([]byte("line two\n"))
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("x"), 0)
	assert.Error(t, err, "WriteAt is refused in append mode")
	require.NoError(t, file.Close())

	assert.Equal(t, "line one\nline two\n", string(readAll(t, f.fs, "/a.log")))
}

func TestEncryptedFileOpenTruncate(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/t.txt", []byte("some old content that goes away"))

	file, err := f.fs.OpenFile("/t.txt", os.O_RDWR|os.O_TRUNC, 0)
	require.NoError(t, err)
	_, err = file.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	assert.Equal(t, "new", string(readAll(t, f.fs, "/t.txt")))
	assert.Len(t, f.readBase(t, "/t.txt"), BlockSize)

	encrypted, err := f.fs.IsEncrypted("/t.txt")
	require.NoError(t, err)
	assert.True(t, encrypted, "truncation keeps the file encrypted")
}

func TestEncryptedFileTruncate(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/tr.txt", []byte("abcdefghijklmnopqrst"))

	file := openEncrypted(t, f, "/tr.txt", os.O_RDWR)
	require.NoError(t, file.Truncate(11))
	require.NoError(t, file.Truncate(30))
	require.NoError(t, file.Sync())

	size, err := f.session.Size("/", "tr.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)
	err = file.Truncate(-1)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrInvalidSize)
	require.NoError(t, file.Close())

	want := append([]byte("abcdefghijk"), make([]byte, 19)...)
	assert.Equal(t, want, readAll(t, f.fs, "/tr.txt"))
	assert.Len(t, f.readBase(t, "/tr.txt"), 32)
}

func TestEncryptedFileReadOnly(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/ro.txt", []byte("read only"))

	file := openEncrypted(t, f, "/ro.txt", os.O_RDONLY)
	defer file.Close()

	_, err := file.Write([]byte("x"))
	assert.True(t, IsIOError(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.ErrorIs(t, file.Truncate(0), os.ErrPermission)

	info, err := file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size())
	assert.Equal(t, "ro.txt", info.Name())
}

func TestEncryptedFileWithoutSizeRecord(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/ns.txt", []byte("HELLOWORLD"))
	require.NoError(t, f.accounts.Store().DeleteFileSize("/", "ns.txt"))

	// the ciphertext length stands in for the size
	got := readAll(t, f.fs, "/ns.txt")
	require.Len(t, got, 16)
	assert.Equal(t, "HELLOWORLD", string(got[:10]))

	file := openEncrypted(t, f, "/ns.txt", os.O_RDWR)
	require.NoError(t, file.Close())
	size, err := f.session.Size("/", "ns.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(16), size, "a writable open records the recovered size")
}
