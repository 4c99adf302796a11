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

// Package fsbridge adapts internal/dispatcher's path-based operations to
// the jacobsa/fuse fuseops.FileSystem interface. FUSE itself is
// inode-based, so this is the one place in the cache engine that keeps an
// inode table; internal/dispatcher and everything below it never sees an
// inode number (spec invariant: inode numbers are not cached or compared).
package fsbridge

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/cachelog"
	"github.com/akarasulu/cachefs/internal/dispatcher"
)

// inodeRecord is one live entry in the bridge's inode table.
type inodeRecord struct {
	relPath   string
	lookupCnt uint64
}

// FileSystem implements fuseops.FileSystem on top of a *dispatcher.Dispatcher.
// It embeds fuseutil.NotImplementedFileSystem so operations the cache engine
// does not implement (xattrs, flock, setattr, ...) return
// ENOSYS to the kernel instead of panicking, following the teacher's
// fileSystem struct in fs/fs.go.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	disp *dispatcher.Dispatcher
	log  *slog.Logger

	attrTTL time.Duration
	dirTTL  time.Duration

	// GUARDED_BY(mu)
	mu          sync.Mutex
	nextInodeID fuseops.InodeID
	inodes      map[fuseops.InodeID]*inodeRecord
	byPath      map[string]fuseops.InodeID
}

// New returns a FileSystem serving relPath lookups through disp.
func New(disp *dispatcher.Dispatcher, attrTTL, dirTTL time.Duration, log *slog.Logger) *FileSystem {
	fs := &FileSystem{
		disp:        disp,
		log:         cachelog.Component(log, "fsbridge"),
		attrTTL:     attrTTL,
		dirTTL:      dirTTL,
		nextInodeID: fuseops.RootInodeID + 1,
		inodes:      make(map[fuseops.InodeID]*inodeRecord),
		byPath:      make(map[string]fuseops.InodeID),
	}
	fs.inodes[fuseops.RootInodeID] = &inodeRecord{relPath: "", lookupCnt: 1}
	fs.byPath[""] = fuseops.RootInodeID
	return fs
}

func (fs *FileSystem) pathForLocked(id fuseops.InodeID) (string, bool) {
	rec, ok := fs.inodes[id]
	if !ok {
		return "", false
	}
	return rec.relPath, true
}

// internalize returns the inode ID for relPath, minting one and bumping its
// lookup count if this is the first time it has been seen.
func (fs *FileSystem) internalize(relPath string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id, ok := fs.byPath[relPath]; ok {
		fs.inodes[id].lookupCnt++
		return id
	}

	id := fs.nextInodeID
	fs.nextInodeID++
	fs.inodes[id] = &inodeRecord{relPath: relPath, lookupCnt: 1}
	fs.byPath[relPath] = id
	return id
}

func childPath(parentRelPath, name string) string {
	if parentRelPath == "" {
		return name
	}
	return parentRelPath + "/" + name
}

func toInodeAttributes(a backend.Attr) fuseops.InodeAttributes {
	typ := os.ModePerm & a.Mode
	if a.IsDir {
		typ |= os.ModeDir
	}
	nlink := a.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: nlink,
		Mode:  typ,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EIO
}

// StatFS reports generic, conservative filesystem statistics; the cache
// engine does not track free space on either the backend or the cache
// volume.
func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

// LookUpInode resolves op.Name within op.Parent.
func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	relPath := childPath(parentPath, op.Name)
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}

	op.Entry.Child = fs.internalize(relPath)
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// GetInodeAttributes refreshes the attributes of op.Inode.
func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}

	op.Attributes = toInodeAttributes(attr)
	op.AttributesExpiration = time.Now().Add(fs.attrTTL)
	return nil
}

// ForgetInode drops n lookup counts for op.Inode, per the kernel's
// reference-counting contract; once the count reaches zero the inode table
// entry is dropped.
func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.inodes[op.Inode]
	if !ok {
		return nil
	}
	if uint64(op.N) >= rec.lookupCnt {
		delete(fs.inodes, op.Inode)
		delete(fs.byPath, rec.relPath)
		return nil
	}
	rec.lookupCnt -= uint64(op.N)
	return nil
}

// OpenDir validates that op.Inode names a directory.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	if !attr.IsDir {
		return syscall.ENOTDIR
	}
	return nil
}

// ReadDir lists op.Inode's children into op.Dst, starting at op.Offset.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	entries, err := fs.disp.ReadDir(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}

	if int(op.Offset) >= len(entries) {
		return nil
	}

	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		childType := fuseutil.DT_File
		if e.IsDir {
			childType = fuseutil.DT_Directory
		}
		de := fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.internalize(childPath(relPath, e.Name)),
			Name:   e.Name,
			Type:   childType,
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], de)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// ReleaseDirHandle is a no-op: the bridge keeps no per-handle state for
// directories, only per-inode state.
func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

// OpenFile checks that op.Inode still resolves on the backend and primes the
// Coherence Engine's attribute cache for it. It does not check the file
// type.
func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	_, err := fs.disp.Open(ctx, relPath)
	return toErrno(err)
}

// ReadFile serves a read against op.Inode.
func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	n, err := fs.disp.Read(ctx, relPath, op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return toErrno(err)
	}
	return nil
}

// WriteFile serves a write-through write against op.Inode.
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	existedBefore := true
	if attr, err := fs.disp.GetAttr(ctx, relPath); err == syscall.ENOENT || (err == nil && attr.Size == 0) {
		existedBefore = false
	}

	_, err := fs.disp.Write(ctx, relPath, op.Data, op.Offset, existedBefore)
	return toErrno(err)
}

// FlushFile is a no-op: every write is already synced to the backend before
// WriteFile returns (spec §4.4 write-through ordering rule).
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// SyncFile is a no-op for the same reason as FlushFile.
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

// ReleaseFileHandle is a no-op: the bridge keeps no per-handle state for
// open files.
func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

// MkDir creates a directory under op.Parent named op.Name.
func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	relPath := childPath(parentPath, op.Name)

	if err := fs.disp.Mkdir(ctx, relPath, op.Mode); err != nil {
		return toErrno(err)
	}
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internalize(relPath)
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// CreateFile creates a regular file under op.Parent named op.Name.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	relPath := childPath(parentPath, op.Name)

	if err := fs.disp.Create(ctx, relPath, op.Mode); err != nil {
		return toErrno(err)
	}
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internalize(relPath)
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// CreateSymlink creates a symlink under op.Parent named op.Name.
func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	relPath := childPath(parentPath, op.Name)

	if err := fs.disp.Symlink(ctx, relPath, op.Target); err != nil {
		return toErrno(err)
	}
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internalize(relPath)
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// CreateLink hard-links op.Target into op.Parent under op.Name.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	fs.mu.Lock()
	parentPath, parentOk := fs.pathForLocked(op.Parent)
	targetPath, targetOk := fs.pathForLocked(op.Target)
	fs.mu.Unlock()
	if !parentOk || !targetOk {
		return syscall.ENOENT
	}
	relPath := childPath(parentPath, op.Name)

	if err := fs.disp.Link(ctx, targetPath, relPath); err != nil {
		return toErrno(err)
	}
	attr, err := fs.disp.GetAttr(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.internalize(relPath)
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(fs.attrTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

// ReadSymlink returns the target of the symlink at op.Inode.
func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	relPath, ok := fs.pathForLocked(op.Inode)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	target, err := fs.disp.ReadSymlink(ctx, relPath)
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

// Unlink removes op.Name from op.Parent.
func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	return toErrno(fs.disp.Unlink(ctx, childPath(parentPath, op.Name)))
}

// RmDir removes the empty directory op.Name from op.Parent.
func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.pathForLocked(op.Parent)
	fs.mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}
	return toErrno(fs.disp.Rmdir(ctx, childPath(parentPath, op.Name)))
}

// Rename moves op.OldName under op.OldParent to op.NewName under op.NewParent.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	oldParentPath, oldOk := fs.pathForLocked(op.OldParent)
	newParentPath, newOk := fs.pathForLocked(op.NewParent)
	fs.mu.Unlock()
	if !oldOk || !newOk {
		return syscall.ENOENT
	}

	oldRelPath := childPath(oldParentPath, op.OldName)
	newRelPath := childPath(newParentPath, op.NewName)
	if err := fs.disp.Rename(ctx, oldRelPath, newRelPath); err != nil {
		return toErrno(err)
	}

	fs.mu.Lock()
	if id, ok := fs.byPath[oldRelPath]; ok {
		delete(fs.byPath, oldRelPath)
		fs.inodes[id].relPath = newRelPath
		fs.byPath[newRelPath] = id
	}
	fs.mu.Unlock()
	return nil
}

// SetInodeAttributes is intentionally not implemented: chmod/chown/truncate
// via setattr are not supported (see DESIGN.md, internal/fsbridge). Embedding
// fuseutil.NotImplementedFileSystem makes this return ENOSYS.
