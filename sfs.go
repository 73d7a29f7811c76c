package sfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// FS implements absfs.FileSystem over a base filesystem. Files that carry a
// key record are encrypted and decrypted transparently through the
// backend; every other file passes through untouched.
type FS struct {
	base    absfs.FileSystem
	backend Backend
	config  *Config
	log     logrus.FieldLogger
}

var _ absfs.FileSystem = (*FS)(nil)

// New creates an encrypting filesystem over base. The backend resolves file
// keys; it is a *Session or a daemon client.
func New(base absfs.FileSystem, backend Backend, config *Config) (*FS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		return nil, ErrNilConfig
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &FS{
		base:    base,
		backend: backend,
		config:  config,
		log:     config.logger(),
	}, nil
}

// Backend returns the key backend.
func (e *FS) Backend() Backend {
	return e.backend
}

// split returns the absolute directory and base name of name.
func (e *FS) split(name string) (string, string, error) {
	if err := ValidateFilePath(name); err != nil {
		return "", "", err
	}
	if !path.IsAbs(name) {
		wd, err := e.base.Getwd()
		if err != nil {
			return "", "", err
		}
		name = path.Join(wd, name)
	}
	name = path.Clean(name)
	return path.Dir(name), path.Base(name), nil
}

// handle returns the key handle of name, or nil when it is a plain file.
func (e *FS) handle(name string) (Handle, error) {
	dir, file, err := e.split(name)
	if err != nil {
		return nil, err
	}
	if IsRecordFile(file) {
		return nil, nil
	}
	h, err := e.backend.Open(dir, file)
	if errors.Is(err, ErrNotEncrypted) {
		return nil, nil
	}
	return h, err
}

// Separator returns the path separator for the underlying filesystem
func (e *FS) Separator() uint8 {
	return e.base.Separator()
}

// ListSeparator returns the list separator for the underlying filesystem
func (e *FS) ListSeparator() uint8 {
	return e.base.ListSeparator()
}

// Chdir changes the current working directory
func (e *FS) Chdir(dir string) error {
	return e.base.Chdir(dir)
}

// Getwd returns the current working directory
func (e *FS) Getwd() (string, error) {
	return e.base.Getwd()
}

// TempDir returns the temporary directory path
func (e *FS) TempDir() string {
	return e.base.TempDir()
}

// Open opens a file for reading
func (e *FS) Open(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file
func (e *FS) Create(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions. An
// encrypted file is opened read-write on the base filesystem whenever
// writing is requested, because partial blocks are read back before they
// are rewritten.
func (e *FS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	h, err := e.handle(name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return e.base.OpenFile(name, flag, perm)
	}

	baseFlag := flag &^ (os.O_APPEND | os.O_TRUNC)
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		baseFlag = baseFlag&^os.O_WRONLY | os.O_RDWR
	}
	baseFile, err := e.base.OpenFile(name, baseFlag, perm)
	if err != nil {
		h.Close()
		return nil, err
	}

	f, err := newEncryptedFile(baseFile, e, h, flag)
	if err != nil {
		baseFile.Close()
		h.Close()
		return nil, err
	}
	return f, nil
}

// Mkdir creates a directory
func (e *FS) Mkdir(name string, perm os.FileMode) error {
	return e.base.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (e *FS) MkdirAll(name string, perm os.FileMode) error {
	return e.base.MkdirAll(name, perm)
}

// Remove removes a file or empty directory and drops its key records.
func (e *FS) Remove(name string) error {
	dir, file, err := e.split(name)
	if err != nil {
		return err
	}
	if err := e.base.Remove(name); err != nil {
		return err
	}
	if IsRecordFile(file) {
		return nil
	}
	return e.backend.Forget(dir, file)
}

// RemoveAll removes a path and any children it contains. Record files go
// with their directories.
func (e *FS) RemoveAll(name string) error {
	dir, file, err := e.split(name)
	if err != nil {
		return err
	}
	info, statErr := e.base.Stat(name)
	if err := e.base.RemoveAll(name); err != nil {
		return err
	}
	if statErr == nil && !info.IsDir() && !IsRecordFile(file) {
		return e.backend.Forget(dir, file)
	}
	return nil
}

// Rename renames a file and carries its key records along.
func (e *FS) Rename(oldpath, newpath string) error {
	oldDir, oldName, err := e.split(oldpath)
	if err != nil {
		return err
	}
	newDir, newName, err := e.split(newpath)
	if err != nil {
		return err
	}
	if IsRecordFile(oldName) || IsRecordFile(newName) {
		return e.base.Rename(oldpath, newpath)
	}
	if err := e.base.Rename(oldpath, newpath); err != nil {
		return err
	}
	return e.backend.Move(oldDir, oldName, newDir, newName)
}

// Stat returns file information. Encrypted files report ModeEncrypted and
// their tracked plaintext size.
func (e *FS) Stat(name string) (os.FileInfo, error) {
	info, err := e.base.Stat(name)
	if err != nil || !info.Mode().IsRegular() {
		return info, err
	}
	h, err := e.handle(name)
	if err != nil || h == nil {
		return info, err
	}
	defer h.Close()
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	return newEncryptedFileInfo(info, size), nil
}

// Chmod changes the mode of a file. Setting ModeEncrypted on a plain
// regular file encrypts it first; the bit itself is never stored. Use
// SetEncrypted to decrypt.
func (e *FS) Chmod(name string, mode os.FileMode) error {
	if mode&ModeEncrypted != 0 {
		encrypted, err := e.IsEncrypted(name)
		if err != nil {
			return err
		}
		if !encrypted {
			if err := e.SetEncrypted(context.Background(), name, true); err != nil {
				return err
			}
		}
	}
	return e.base.Chmod(name, mode&^ModeEncrypted)
}

// IsEncrypted reports whether name carries a key record.
func (e *FS) IsEncrypted(name string) (bool, error) {
	dir, file, err := e.split(name)
	if err != nil {
		return false, err
	}
	if IsRecordFile(file) {
		return false, nil
	}
	return e.backend.Encrypted(dir, file)
}

// SetEncrypted moves name into or out of the encrypted state. Only the
// owner of a regular file, or root, may do so.
func (e *FS) SetEncrypted(ctx context.Context, name string, on bool) error {
	dir, file, err := e.split(name)
	if err != nil {
		return err
	}
	info, err := e.base.Stat(name)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return NewValidationError("path", name, ErrNotRegular.Error())
	}

	uid, gid := e.backend.Identity()
	if owner, group, ok := fileOwner(info); ok {
		if uid != owner && uid != RootUID {
			return NewAuthenticationError(name, ErrNotOwner)
		}
		uid, gid = owner, group
	}

	req := &ChmodRequest{
		Dir:     dir,
		Name:    file,
		UID:     uid,
		GID:     gid,
		Encrypt: on,
		Rights:  info.Mode().Perm(),
		Size:    info.Size(),
	}
	return e.backend.Chmod(ctx, req)
}

// Chtimes changes the access and modification times of a file
func (e *FS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return e.base.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (e *FS) Chown(name string, uid, gid int) error {
	return e.base.Chown(name, uid, gid)
}

// Truncate changes the size of a file. Encrypted files are cut or extended
// in plaintext terms.
func (e *FS) Truncate(name string, size int64) error {
	h, err := e.handle(name)
	if err != nil {
		return err
	}
	if h == nil {
		return e.base.Truncate(name, size)
	}
	baseFile, err := e.base.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		h.Close()
		return err
	}
	f, err := newEncryptedFile(baseFile, e, h, os.O_RDWR)
	if err != nil {
		baseFile.Close()
		h.Close()
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encryptedFileInfo reports the plaintext size and ModeEncrypted.
type encryptedFileInfo struct {
	os.FileInfo
	size int64
}

func newEncryptedFileInfo(info os.FileInfo, size int64) *encryptedFileInfo {
	if size < 0 {
		size = info.Size()
	}
	return &encryptedFileInfo{FileInfo: info, size: size}
}

// Size returns the plaintext size of the file
func (i *encryptedFileInfo) Size() int64 {
	return i.size
}

// Mode returns the file mode with ModeEncrypted set
func (i *encryptedFileInfo) Mode() os.FileMode {
	return i.FileInfo.Mode() | ModeEncrypted
}
