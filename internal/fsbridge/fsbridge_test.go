// Copyright 2024 The cachefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fsbridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/dispatcher"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

func failingInit(ctx context.Context) (*coherence.Engine, error) {
	return nil, errors.New("cache disabled for test")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFileSystem(t *testing.T) (*FileSystem, string) {
	t.Helper()
	dir := t.TempDir()
	root := pathkey.NewBackend(dir)
	adapter := backend.New(dir)
	disp := dispatcher.New(root, adapter, failingInit, discardLogger())
	fs := New(disp, 5*time.Second, 10*time.Second, discardLogger())
	return fs, dir
}

func TestLookUpInodeResolvesChildAndAssignsInode(t *testing.T) {
	fs, dir := newTestFileSystem(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644))

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, fs.LookUpInode(context.Background(), op))

	assert.NotZero(t, op.Entry.Child)
	assert.Equal(t, uint64(2), op.Entry.Attributes.Size)
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "missing.txt"}
	err := fs.LookUpInode(context.Background(), op)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestCreateFileThenWriteThenReadRoundtrips(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "new.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	childID := createOp.Entry.Child

	writeOp := &fuseops.WriteFileOp{Inode: childID, Data: []byte("payload"), Offset: 0}
	require.NoError(t, fs.WriteFile(ctx, writeOp))

	readBuf := make([]byte, 7)
	readOp := &fuseops.ReadFileOp{Inode: childID, Dst: readBuf, Offset: 0}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	assert.Equal(t, 7, readOp.BytesRead)
	assert.Equal(t, "payload", string(readBuf))
}

func TestMkDirThenReadDirListsChild(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: os.ModeDir | 0755}
	require.NoError(t, fs.MkDir(ctx, mkdirOp))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(ctx, openOp))

	dst := make([]byte, 4096)
	readOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: dst, Offset: 0}
	require.NoError(t, fs.ReadDir(ctx, readOp))
	assert.Greater(t, readOp.BytesRead, 0)
}

func TestUnlinkRemovesFile(t *testing.T) {
	fs, dir := newTestFileSystem(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doomed.txt"), []byte("x"), 0644))

	unlinkOp := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "doomed.txt"}
	require.NoError(t, fs.Unlink(ctx, unlinkOp))

	_, err := os.Stat(filepath.Join(dir, "doomed.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenameUpdatesInodeTable(t *testing.T) {
	fs, dir := newTestFileSystem(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0644))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "old.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	id := lookupOp.Entry.Child

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "old.txt",
		NewParent: fuseops.RootInodeID,
		NewName:   "new.txt",
	}
	require.NoError(t, fs.Rename(ctx, renameOp))

	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(id)
	fs.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "new.txt", relPath)
}

func TestForgetInodeDropsEntryAtZeroCount(t *testing.T) {
	fs, dir := newTestFileSystem(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	id := lookupOp.Entry.Child

	forgetOp := &fuseops.ForgetInodeOp{Inode: id, N: 1}
	require.NoError(t, fs.ForgetInode(ctx, forgetOp))

	fs.mu.Lock()
	_, ok := fs.pathForLocked(id)
	fs.mu.Unlock()
	assert.False(t, ok)
}
