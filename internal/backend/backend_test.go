package backend

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/akarasulu/cachefs/internal/pathkey"
)

func newTestAdapter(t *testing.T) (*Adapter, pathkey.Backend) {
	t.Helper()
	dir := t.TempDir()
	return New(dir), pathkey.NewBackend(dir)
}

func TestStatReturnsENOENTForMissingFile(t *testing.T) {
	a, root := newTestAdapter(t)
	_, err := a.Stat(root.Join("missing"))
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	a, root := newTestAdapter(t)
	p := root.Join("file.txt")

	f, err := a.Create(p, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := a.WriteAt(p, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = a.ReadAt(p, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestCreateFailsIfAlreadyExists(t *testing.T) {
	a, root := newTestAdapter(t)
	p := root.Join("file.txt")

	f, err := a.Create(p, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = a.Create(p, 0644)
	assert.ErrorIs(t, err, syscall.EEXIST)
}

func TestMkdirAndReadDir(t *testing.T) {
	a, root := newTestAdapter(t)
	require.NoError(t, a.Mkdir(root.Join("sub"), 0755))

	f, err := a.Create(root.Join("sub/a.txt"), 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	f, err = a.Create(root.Join("sub/b.txt"), 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := a.ReadDir(root.Join("sub"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.False(t, entries[0].IsDir)
}

func TestRenameMovesFile(t *testing.T) {
	a, root := newTestAdapter(t)
	src := root.Join("src.txt")
	dst := root.Join("dst.txt")

	f, err := a.Create(src, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, a.Rename(src, dst))

	_, err = a.Stat(src)
	assert.ErrorIs(t, err, syscall.ENOENT)
	_, err = a.Stat(dst)
	assert.NoError(t, err)
}

func TestUnlinkAndRmdir(t *testing.T) {
	a, root := newTestAdapter(t)
	f, err := a.Create(root.Join("file.txt"), 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, a.Unlink(root.Join("file.txt")))
	_, err = a.Stat(root.Join("file.txt"))
	assert.ErrorIs(t, err, syscall.ENOENT)

	require.NoError(t, a.Mkdir(root.Join("dir"), 0755))
	require.NoError(t, a.Rmdir(root.Join("dir")))
	_, err = a.Stat(root.Join("dir"))
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestSymlinkAndReadlink(t *testing.T) {
	a, root := newTestAdapter(t)
	target := filepath.Join(root.String(), "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))

	link := root.Join("link.txt")
	require.NoError(t, a.Symlink(target, link))

	got, err := a.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestStatReportsLiveInodeNumber(t *testing.T) {
	a, root := newTestAdapter(t)
	p := root.Join("file.txt")
	f, err := a.Create(p, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var want unix.Stat_t
	require.NoError(t, unix.Stat(p.String(), &want))

	attr, err := a.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, want.Ino, attr.Ino)
	assert.NotZero(t, attr.Ino)
}
