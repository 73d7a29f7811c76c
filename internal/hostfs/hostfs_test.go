package hostfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()

	fs, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, fs.Root())

	_, err = New(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))
	_, err = New(filepath.Join(dir, "file"))
	assert.Error(t, err, "root must be a directory")
}

func TestPathsStayUnderRoot(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	require.NoError(t, err)

	f, err := fs.Create("/../../escape.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("inside"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(filepath.Join(dir, "escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))

	assert.Error(t, fs.RemoveAll("/"))
	assert.Error(t, fs.RemoveAll("/.."))
}

func TestWorkingDirectory(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	wd, err := fs.Getwd()
	require.NoError(t, err)
	assert.Equal(t, "/", wd)

	require.NoError(t, fs.MkdirAll("/a/b", 0755))
	require.NoError(t, fs.Chdir("/a"))
	require.NoError(t, fs.Chdir("b"))
	wd, _ = fs.Getwd()
	assert.Equal(t, "/a/b", wd)

	f, err := fs.Create("rel.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = fs.Stat("/a/b/rel.txt")
	assert.NoError(t, err)

	assert.Error(t, fs.Chdir("/missing"))
	assert.Error(t, fs.Chdir("/a/b/rel.txt"))
	wd, _ = fs.Getwd()
	assert.Equal(t, "/a/b", wd, "failed chdir keeps the directory")
}

func TestWithParents(t *testing.T) {
	plain, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = plain.Create("/x/y/z.txt")
	assert.True(t, os.IsNotExist(err))

	fs, err := New(t.TempDir(), WithParents())
	require.NoError(t, err)
	f, err := fs.Create("/x/y/z.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := fs.Stat("/x/y")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// opening without O_CREATE does not make directories
	_, err = fs.Open("/p/q.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestFileOperations(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := fs.Create("/f.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Truncate("/f.txt", 4))
	require.NoError(t, fs.Chmod("/f.txt", 0600))
	info, err := fs.Stat("/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, fs.Rename("/f.txt", "/g.txt"))
	f, err = fs.Open("/g.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "0123", string(data))

	require.NoError(t, fs.Remove("/g.txt"))
	_, err = fs.Stat("/g.txt")
	assert.True(t, os.IsNotExist(err))
}
