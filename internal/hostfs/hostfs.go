// Package hostfs exposes a directory of the host filesystem as an
// absfs.FileSystem. Paths are slash separated and absolute paths are taken
// relative to the root, so a filesystem rooted at /srv/data maps /a/b to
// /srv/data/a/b and never resolves outside of it.
package hostfs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// FS is an absfs.FileSystem over a host directory.
type FS struct {
	root    string
	cwd     string
	parents bool
}

var _ absfs.FileSystem = (*FS)(nil)

// Option configures an FS.
type Option func(*FS)

// WithParents makes OpenFile create missing parent directories when it
// creates a file.
func WithParents() Option {
	return func(fs *FS) {
		fs.parents = true
	}
}

// New returns a filesystem rooted at the host directory root.
func New(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("hostfs: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("hostfs: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hostfs: %s is not a directory", abs)
	}
	fs := &FS{root: abs, cwd: "/"}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Root returns the host directory the filesystem is rooted at.
func (fs *FS) Root() string {
	return fs.root
}

// abs resolves name against the working directory.
func (fs *FS) abs(name string) string {
	if !path.IsAbs(name) {
		name = path.Join(fs.cwd, name)
	}
	return path.Clean(name)
}

// host maps name to a path on the host.
func (fs *FS) host(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(fs.abs(name)))
}

func (fs *FS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := fs.host(name)
	if fs.parents && flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(p, flag, perm)
}

func (fs *FS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *FS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *FS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.host(name), perm)
}

func (fs *FS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.host(name), perm)
}

func (fs *FS) Remove(name string) error {
	return os.Remove(fs.host(name))
}

func (fs *FS) RemoveAll(name string) error {
	if fs.abs(name) == "/" {
		return &os.PathError{Op: "removeall", Path: name, Err: os.ErrPermission}
	}
	return os.RemoveAll(fs.host(name))
}

func (fs *FS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.host(oldpath), fs.host(newpath))
}

func (fs *FS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.host(name))
}

func (fs *FS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.host(name), mode)
}

func (fs *FS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.host(name), atime, mtime)
}

func (fs *FS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.host(name), uid, gid)
}

func (fs *FS) Truncate(name string, size int64) error {
	return os.Truncate(fs.host(name), size)
}

func (fs *FS) Separator() uint8 {
	return '/'
}

func (fs *FS) ListSeparator() uint8 {
	return os.PathListSeparator
}

// Chdir changes the working directory used for relative names. The
// directory must exist.
func (fs *FS) Chdir(dir string) error {
	dir = fs.abs(dir)
	info, err := os.Stat(fs.host(dir))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "chdir", Path: dir, Err: fmt.Errorf("not a directory")}
	}
	fs.cwd = dir
	return nil
}

func (fs *FS) Getwd() (string, error) {
	return fs.cwd, nil
}

func (fs *FS) TempDir() string {
	return os.TempDir()
}
