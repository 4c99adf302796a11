package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

func failingInit(ctx context.Context) (*coherence.Engine, error) {
	return nil, errors.New("init intentionally failed for test")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestToBackendJoinsRelativePath(t *testing.T) {
	root := pathkey.NewBackend("/srv/data")
	d := New(root, backend.New("/srv/data"), nil, discardLogger())

	assert.Equal(t, pathkey.Backend("/srv/data/a/b.txt"), d.ToBackend("a/b.txt"))
	assert.Equal(t, root, d.ToBackend(""))
	assert.Equal(t, root, d.ToBackend("."))
}

func TestGetAttrFallsBackToBackendWhenInitFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644))

	root := pathkey.NewBackend(dir)
	adapter := backend.New(dir)
	d := New(root, adapter, failingInit, discardLogger())

	attr, err := d.GetAttr(context.Background(), "f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), attr.Size)
}

func TestGetAttrMissingFileReturnsENOENT(t *testing.T) {
	dir := t.TempDir()
	root := pathkey.NewBackend(dir)
	adapter := backend.New(dir)
	d := New(root, adapter, failingInit, discardLogger())

	_, err := d.GetAttr(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, syscall.ENOENT)
}
