package sfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// zeroChunk is the size of the encrypted zero run written when a file grows
// past its last block.
const zeroChunk = 64 * 1024

// encryptedFile wraps a base file holding ECB ciphertext. Every access is
// widened to whole blocks: the covering blocks are read, decrypted,
// modified, encrypted and written back. The ciphertext is always
// alignUp(size) bytes long and the padding past size decrypts to zeros.
type encryptedFile struct {
	mu     sync.Mutex
	base   absfs.File
	fs     *FS
	handle Handle
	flags  int
	size   int64 // plaintext size
	offset int64
	dirty  bool // size not yet recorded
	log    logrus.FieldLogger
}

func newEncryptedFile(base absfs.File, fs *FS, h Handle, flags int) (*encryptedFile, error) {
	f := &encryptedFile{
		base:   base,
		fs:     fs,
		handle: h,
		flags:  flags,
		log:    fs.log.WithField("path", base.Name()),
	}

	size, err := h.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to read size record: %w", err)
	}
	if size < 0 {
		info, err := base.Stat()
		if err != nil {
			return nil, err
		}
		f.log.Warn("no size record, using ciphertext length")
		size = info.Size()
		f.dirty = true
	}
	f.size = size

	if flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		if err := f.truncate(0); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *encryptedFile) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// readBlocks reads the ciphertext of r and decrypts it into a buffer of
// r.Length bytes. Blocks missing at the end of the file read as zeros.
func (f *encryptedFile) readBlocks(r Region) ([]byte, error) {
	buf := make([]byte, r.Length)
	n, err := f.base.ReadAt(buf, r.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, NewIOError("read", f.base.Name(), err)
	}
	whole := n - n%BlockSize
	if err := f.handle.DecryptBlocks(buf[:whole]); err != nil {
		return nil, err
	}
	clear(buf[whole:])
	return buf, nil
}

// writeBlocks encrypts buf in place and writes it at off.
func (f *encryptedFile) writeBlocks(buf []byte, off int64) error {
	if err := f.handle.EncryptBlocks(buf); err != nil {
		return err
	}
	if _, err := f.base.WriteAt(buf, off); err != nil {
		return NewIOError("write", f.base.Name(), err)
	}
	return nil
}

// fillZeros writes encrypted zero blocks over [from, to). Both ends are
// block aligned.
func (f *encryptedFile) fillZeros(from, to int64) error {
	if from >= to {
		return nil
	}
	chunk := make([]byte, min(to-from, zeroChunk))
	if err := f.handle.EncryptBlocks(chunk); err != nil {
		return err
	}
	for off := from; off < to; {
		n := min(int64(len(chunk)), to-off)
		if _, err := f.base.WriteAt(chunk[:n], off); err != nil {
			return NewIOError("write", f.base.Name(), err)
		}
		off += n
	}
	return nil
}

// Name returns the name of the file
func (f *encryptedFile) Name() string {
	return f.base.Name()
}

// Read reads decrypted content at the current offset
func (f *encryptedFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// ReadAt reads decrypted content at off
func (f *encryptedFile) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(b, off)
}

func (f *encryptedFile) readAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}
	if off >= f.size {
		return 0, io.EOF
	}
	n := min(int64(len(b)), f.size-off)
	if n == 0 {
		return 0, nil
	}

	r := AlignRegion(off, n)
	buf, err := f.readBlocks(r)
	if err != nil {
		return 0, err
	}
	copy(b, buf[off-r.Offset:off-r.Offset+n])
	if n < int64(len(b)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Write encrypts p at the current offset, or at the end in append mode
func (f *encryptedFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		f.offset = f.size
	}
	n, err := f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteString writes a string to the file
func (f *encryptedFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// WriteAt encrypts b at off
func (f *encryptedFile) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		return 0, errors.New("invalid use of WriteAt on file opened with O_APPEND")
	}
	return f.writeAt(b, off)
}

func (f *encryptedFile) writeAt(b []byte, off int64) (int, error) {
	if !f.writable() {
		return 0, NewIOError("write", f.base.Name(), os.ErrPermission)
	}
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	// blocks between the old end and the write must decrypt to zeros
	r := AlignRegion(off, int64(len(b)))
	if err := f.fillZeros(alignUp(f.size), r.Offset); err != nil {
		return 0, err
	}

	r.Length = alignUp(off+int64(len(b))) - r.Offset
	buf, err := f.readBlocks(r)
	if err != nil {
		return 0, err
	}
	copy(buf[off-r.Offset:], b)
	if err := f.writeBlocks(buf, r.Offset); err != nil {
		return 0, err
	}

	if end := off + int64(len(b)); end > f.size {
		f.size = end
		f.dirty = true
	}
	return len(b), nil
}

// Seek sets the offset for the next Read or Write
func (f *encryptedFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.size + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidOffset, whence)
	}

	if newOffset < 0 {
		return 0, ErrNegativeOffset
	}

	f.offset = newOffset
	return f.offset, nil
}

// Truncate changes the plaintext size of the file
func (f *encryptedFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writable() {
		return NewIOError("truncate", f.base.Name(), os.ErrPermission)
	}
	return f.truncate(size)
}

func (f *encryptedFile) truncate(size int64) error {
	if err := ValidateFileSize(size); err != nil {
		return err
	}

	switch {
	case size < f.size:
		if rem := size % BlockSize; rem != 0 {
			r := Region{Offset: size - rem, Length: BlockSize}
			buf, err := f.readBlocks(r)
			if err != nil {
				return err
			}
			clear(buf[rem:])
			if err := f.writeBlocks(buf, r.Offset); err != nil {
				return err
			}
		}
		if err := f.base.Truncate(alignUp(size)); err != nil {
			return NewIOError("truncate", f.base.Name(), err)
		}
	case size > f.size:
		if err := f.fillZeros(alignUp(f.size), alignUp(size)); err != nil {
			return err
		}
	default:
		return nil
	}

	f.size = size
	f.dirty = true
	return nil
}

// flush records the plaintext size when it changed
func (f *encryptedFile) flush() error {
	if !f.dirty || !f.writable() {
		return nil
	}
	if err := f.handle.SetSize(f.size); err != nil {
		return fmt.Errorf("failed to record size: %w", err)
	}
	f.dirty = false
	return nil
}

// Sync records the size and flushes the base file
func (f *encryptedFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.flush(); err != nil {
		return err
	}
	return f.base.Sync()
}

// Close records the size and closes the file
func (f *encryptedFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.flush()
	if hErr := f.handle.Close(); err == nil {
		err = hErr
	}
	if bErr := f.base.Close(); err == nil {
		err = bErr
	}
	return err
}

// Stat returns file information with the plaintext size
func (f *encryptedFile) Stat() (os.FileInfo, error) {
	info, err := f.base.Stat()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return newEncryptedFileInfo(info, f.size), nil
}

// Readdir reads directory entries
func (f *encryptedFile) Readdir(n int) ([]os.FileInfo, error) {
	return f.base.Readdir(n)
}

// Readdirnames reads directory entry names
func (f *encryptedFile) Readdirnames(n int) ([]string, error) {
	return f.base.Readdirnames(n)
}
