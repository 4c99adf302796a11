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

// Package backend implements Component A, the Backend Adapter. It is the
// only component that ever touches the slow backing filesystem directly;
// everything above it deals exclusively in pathkey.Backend values and
// Attr/DirEntry structs.
package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/akarasulu/cachefs/internal/pathkey"
)

// Attr is the subset of file metadata the cache engine reasons about. Ino
// is deliberately never persisted by the Metadata Store: the coherence
// model requires it be obtained from a live backend stat on every
// externally observable read, never cached or compared.
type Attr struct {
	Ino     uint64
	Mode    os.FileMode
	Size    int64
	Mtime   time.Time
	Atime   time.Time
	Ctime   time.Time
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	IsDir   bool
	RdevMaj uint32
	RdevMin uint32
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Adapter performs raw filesystem syscalls against the backing root and
// translates backend-specific failures into syscall.Errno, the currency the
// rest of the cache engine uses for error comparison (spec §7).
type Adapter struct {
	root string
}

// New returns an Adapter rooted at root. root must be an absolute,
// already-validated path; New does not itself validate it.
func New(root string) *Adapter {
	return &Adapter{root: root}
}

// Root returns the backend's root directory.
func (a *Adapter) Root() string {
	return a.root
}

// Stat returns the attributes of p, translating backend errors to
// syscall.Errno. Returns syscall.ENOENT if p does not exist.
func (a *Adapter) Stat(p pathkey.Backend) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Stat(p.String(), &st); err != nil {
		return Attr{}, toErrno(err)
	}
	return attrFromStat(&st), nil
}

// Lstat is like Stat but does not follow a trailing symlink.
func (a *Adapter) Lstat(p pathkey.Backend) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(p.String(), &st); err != nil {
		return Attr{}, toErrno(err)
	}
	return attrFromStat(&st), nil
}

// ReadDir lists the immediate children of dir, sorted by name for
// deterministic cache-key construction downstream.
func (a *Adapter) ReadDir(dir pathkey.Backend) ([]DirEntry, error) {
	f, err := os.Open(dir.String())
	if err != nil {
		return nil, toErrno(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, toErrno(err)
	}
	sort.Strings(names)

	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Lstat(dir.Join(name).String(), &st); err != nil {
			// A racing unlink between Readdirnames and Lstat is not fatal to
			// the overall listing; skip the vanished entry.
			if toErrno(err) == syscall.ENOENT {
				continue
			}
			return nil, toErrno(err)
		}
		entries = append(entries, DirEntry{Name: name, IsDir: st.Mode&unix.S_IFMT == unix.S_IFDIR})
	}
	return entries, nil
}

// Open opens p for the given flags (os.O_RDONLY, os.O_WRONLY|os.O_CREATE, ...).
func (a *Adapter) Open(p pathkey.Backend, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(p.String(), flag, perm)
	if err != nil {
		return nil, toErrno(err)
	}
	return f, nil
}

// ReadAt reads len(buf) bytes from p at off, without caching.
func (a *Adapter) ReadAt(p pathkey.Backend, buf []byte, off int64) (int, error) {
	f, err := os.Open(p.String())
	if err != nil {
		return 0, toErrno(err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, toErrno(err)
	}
	return n, nil
}

// WriteAt writes buf to p at off. The write completes and is fsynced before
// WriteAt returns, satisfying the write-through ordering rule (backend
// mutation precedes cache mutation) for the caller above.
func (a *Adapter) WriteAt(p pathkey.Backend, buf []byte, off int64) (int, error) {
	f, err := os.OpenFile(p.String(), os.O_WRONLY, 0)
	if err != nil {
		return 0, toErrno(err)
	}
	defer f.Close()

	n, err := f.WriteAt(buf, off)
	if err != nil {
		return n, toErrno(err)
	}
	if err := f.Sync(); err != nil {
		return n, toErrno(err)
	}
	return n, nil
}

// Truncate sets p's size to size.
func (a *Adapter) Truncate(p pathkey.Backend, size int64) error {
	if err := os.Truncate(p.String(), size); err != nil {
		return toErrno(err)
	}
	return nil
}

// Create creates a new regular file at p with the given mode, failing with
// syscall.EEXIST if it already exists.
func (a *Adapter) Create(p pathkey.Backend, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(p.String(), os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, toErrno(err)
	}
	return f, nil
}

// Mkdir creates a new directory at p.
func (a *Adapter) Mkdir(p pathkey.Backend, perm os.FileMode) error {
	if err := os.Mkdir(p.String(), perm); err != nil {
		return toErrno(err)
	}
	return nil
}

// Symlink creates a symlink at p pointing at target.
func (a *Adapter) Symlink(target string, p pathkey.Backend) error {
	if err := os.Symlink(target, p.String()); err != nil {
		return toErrno(err)
	}
	return nil
}

// Readlink returns the target of the symlink at p.
func (a *Adapter) Readlink(p pathkey.Backend) (string, error) {
	target, err := os.Readlink(p.String())
	if err != nil {
		return "", toErrno(err)
	}
	return target, nil
}

// Link creates a new hard link at newPath pointing at the same inode as
// oldPath.
func (a *Adapter) Link(oldPath, newPath pathkey.Backend) error {
	if err := os.Link(oldPath.String(), newPath.String()); err != nil {
		return toErrno(err)
	}
	return nil
}

// Unlink removes the file at p.
func (a *Adapter) Unlink(p pathkey.Backend) error {
	if err := os.Remove(p.String()); err != nil {
		return toErrno(err)
	}
	return nil
}

// Rmdir removes the empty directory at p.
func (a *Adapter) Rmdir(p pathkey.Backend) error {
	if err := unix.Rmdir(p.String()); err != nil {
		return toErrno(err)
	}
	return nil
}

// Rename moves oldPath to newPath, replacing newPath if it already exists
// and the platform's rename(2) semantics allow it.
func (a *Adapter) Rename(oldPath, newPath pathkey.Backend) error {
	if err := os.Rename(oldPath.String(), newPath.String()); err != nil {
		return toErrno(err)
	}
	return nil
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Ino:   st.Ino,
		Mode:  os.FileMode(st.Mode & 0777),
		Size:  st.Size,
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Nlink: uint32(st.Nlink),
		IsDir: st.Mode&unix.S_IFMT == unix.S_IFDIR,
	}
}

// toErrno unwraps a *os.PathError / *os.LinkError down to the underlying
// syscall.Errno, so callers above this package can compare against
// syscall.ENOENT, syscall.EEXIST, and so on per spec §7, rather than doing
// string matching on error text.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if asErrno(err, &errno) {
		return errno
	}
	return fmt.Errorf("backend: %w", err)
}

func asErrno(err error, target *syscall.Errno) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			*target = errno
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
