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

// Package coherence implements Component D, the Coherence Engine: the sole
// owner of the "cache or backend?" decision and of the write-through
// protocol that keeps the Metadata Store and Block Store consistent with
// the backing filesystem.
package coherence

import (
	"context"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/cachelog"
	"github.com/akarasulu/cachefs/internal/cachemetrics"
	"github.com/akarasulu/cachefs/internal/metastore"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

// TTLs bundles the three configurable time-to-lives named in spec §4.4.
type TTLs struct {
	Attr time.Duration
	Dir  time.Duration
	Neg  time.Duration
}

// Engine is the Coherence Engine. It is safe for concurrent use.
type Engine struct {
	backend *backend.Adapter
	meta    *metastore.Store
	blocks  blockReadWriter
	ttl     TTLs
	clock   timeutil.Clock
	metrics *cachemetrics.Registry
	log     *slog.Logger
	debug   bool

	// mu guards disabled, following the InvariantMutex discipline the
	// teacher uses for its fileSystem struct: disabled can flip from a
	// GetAttr/Read/Write goroutine concurrently with a Disable call
	// triggered by a different one.
	//
	// GUARDED_BY(mu)
	mu syncutil.InvariantMutex

	// disabled is set exactly once, going from caching mode to permanent
	// pass-through, per the Failure fallback rule in spec §4.4.
	disabled bool
}

func (e *Engine) checkInvariants() {
	// INVARIANT: once disabled, it never goes back to false.
	// (Nothing to check structurally; Disable and New are the only
	// writers and both only ever set it to true.)
}

// blockReadWriter is the subset of *blockstore.Store the Coherence Engine
// needs, so tests can substitute a fake without a real SQLite file.
type blockReadWriter interface {
	BlockSize() int64
	Read(p pathkey.Backend, index int64, buf []byte) (n int, hit bool, err error)
	Write(p pathkey.Backend, index int64, data []byte) error
	InvalidateFile(p pathkey.Backend) error
	InvalidateRange(p pathkey.Backend, offset, length int64) error
}

// New constructs an Engine backed by adapter, meta and blocks. meta may be
// nil, meaning the Metadata Store failed to open; the Engine then starts
// already in the disabled (pass-through) state, exactly as it would after a
// later mid-mount failure.
func New(adapter *backend.Adapter, meta *metastore.Store, blocks blockReadWriter, ttl TTLs, clock timeutil.Clock, metrics *cachemetrics.Registry, log *slog.Logger, debug bool) *Engine {
	e := &Engine{
		backend: adapter,
		meta:    meta,
		blocks:  blocks,
		ttl:     ttl,
		clock:   clock,
		metrics: metrics,
		log:     cachelog.Component(log, "coherence"),
		debug:   debug,
	}
	e.mu = syncutil.NewInvariantMutex(e.checkInvariants)
	if meta == nil {
		e.disabled = true
	}
	return e
}

// Disable permanently switches the Engine to pure pass-through. Called once
// by a caller that observes the Metadata Store fail mid-operation.
func (e *Engine) Disable(ctx context.Context, cause error) {
	e.mu.Lock()
	alreadyDisabled := e.disabled
	e.disabled = true
	e.mu.Unlock()
	if alreadyDisabled {
		return
	}
	e.log.ErrorContext(ctx, "metadata store unusable; disabling cache for remainder of mount", "cause", cause)
	e.metrics.Invalidate(cachemetrics.KindAttr)
}

// isDisabled reports whether the Engine has permanently fallen back to
// pass-through mode.
func (e *Engine) isDisabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled
}

func (e *Engine) debugLog(ctx context.Context, p pathkey.Backend, decision string, age time.Duration) {
	if !e.debug {
		return
	}
	e.log.DebugContext(ctx, "cache decision", "path", p.String(), "decision", decision, "age", age)
}

// GetAttr implements the Attribute-query protocol of spec §4.4.
func (e *Engine) GetAttr(ctx context.Context, p pathkey.Backend) (backend.Attr, error) {
	if e.isDisabled() {
		return e.backend.Stat(p)
	}

	entry, ok, err := e.meta.LookupAttr(p)
	if err != nil {
		e.Disable(ctx, err)
		return e.backend.Stat(p)
	}

	if ok && entry.Negative {
		e.metrics.Hit(cachemetrics.KindAttr)
		e.debugLog(ctx, p, "hit-negative", entry.ExpiresAt.Sub(e.clock.Now()))
		return backend.Attr{}, syscall.ENOENT
	}

	if ok {
		live, statErr := e.backend.Stat(p)
		if statErr != nil {
			if statErr == syscall.ENOENT {
				e.invalidateAttrLogged(ctx, p)
				return backend.Attr{}, statErr
			}
			return backend.Attr{}, statErr
		}
		if live.Mtime.Equal(entry.Attr.Mtime) && live.Size == entry.Attr.Size {
			e.metrics.Hit(cachemetrics.KindAttr)
			e.debugLog(ctx, p, "hit", entry.ExpiresAt.Sub(e.clock.Now()))
			return mergeLiveInode(entry.Attr, live), nil
		}

		e.metrics.Miss(cachemetrics.KindAttr)
		e.debugLog(ctx, p, "stale", 0)
		e.invalidateAttrLogged(ctx, p)
		if err := e.blocks.InvalidateFile(p); err != nil {
			e.log.WarnContext(ctx, "invalidating stale blocks", "path", p.String(), "err", err)
		}
		if err := e.meta.PutAttr(p, live, e.ttl.Attr); err != nil {
			e.log.WarnContext(ctx, "caching refreshed attrs", "path", p.String(), "err", err)
		}
		return live, nil
	}

	e.metrics.Miss(cachemetrics.KindAttr)
	e.debugLog(ctx, p, "miss", 0)
	live, statErr := e.backend.Stat(p)
	if statErr == syscall.ENOENT {
		if err := e.meta.PutNegative(p, e.ttl.Neg); err != nil {
			e.log.WarnContext(ctx, "caching negative lookup", "path", p.String(), "err", err)
		}
		return backend.Attr{}, statErr
	}
	if statErr != nil {
		return backend.Attr{}, statErr
	}
	if err := e.meta.PutAttr(p, live, e.ttl.Attr); err != nil {
		e.log.WarnContext(ctx, "caching attrs", "path", p.String(), "err", err)
	}
	return live, nil
}

func (e *Engine) invalidateAttrLogged(ctx context.Context, p pathkey.Backend) {
	e.metrics.Invalidate(cachemetrics.KindAttr)
	if err := e.meta.InvalidateAttr(p); err != nil {
		e.log.WarnContext(ctx, "invalidating attrs", "path", p.String(), "err", err)
	}
}

// mergeLiveInode returns cached with its transient fields taken from live:
// the access time, and the inode number, which is fetched from a live
// backend stat on every externally observable read and never itself cached.
func mergeLiveInode(cached, live backend.Attr) backend.Attr {
	cached.Atime = live.Atime
	cached.Ino = live.Ino
	return cached
}

// ReadDir implements the Directory-listing protocol of spec §4.4.
func (e *Engine) ReadDir(ctx context.Context, dir pathkey.Backend) ([]backend.DirEntry, error) {
	dirAttr, err := e.backend.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !dirAttr.IsDir {
		return nil, syscall.ENOTDIR
	}

	if !e.isDisabled() {
		listing, ok, lookupErr := e.meta.LookupDir(dir)
		if lookupErr != nil {
			e.Disable(ctx, lookupErr)
		} else if ok && listing.CapturedMtime.Equal(dirAttr.Mtime) {
			e.metrics.Hit(cachemetrics.KindDir)
			e.debugLog(ctx, dir, "hit", 0)
			return listing.Entries, nil
		}
	}

	e.metrics.Miss(cachemetrics.KindDir)
	e.debugLog(ctx, dir, "miss", 0)
	entries, err := e.backend.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	if !e.isDisabled() {
		if err := e.meta.PutDir(dir, entries, dirAttr.Mtime, e.ttl.Dir); err != nil {
			e.log.WarnContext(ctx, "caching dir listing", "path", dir.String(), "err", err)
		}
	}
	return entries, nil
}

// Open implements the Open protocol: an attribute-query, plus a block
// invalidation if the query itself detected staleness. GetAttr already
// performs that invalidation internally, so Open is a thin wrapper that
// exists as its own method to match the Dispatcher's per-gateway-call shape.
func (e *Engine) Open(ctx context.Context, p pathkey.Backend) (backend.Attr, error) {
	return e.GetAttr(ctx, p)
}

// Read implements the block-addressed Read protocol of spec §4.4.
func (e *Engine) Read(ctx context.Context, p pathkey.Backend, buf []byte, offset int64) (int, error) {
	if e.isDisabled() || e.blocks == nil {
		n, err := e.backend.ReadAt(p, buf, offset)
		return n, err
	}

	blockSize := e.blocks.BlockSize()
	firstBlock := offset / blockSize
	total := 0

	for total < len(buf) {
		blockIndex := firstBlock + int64(total)/blockSize
		blockStart := blockIndex * blockSize
		offsetInBlock := (offset + int64(total)) - blockStart

		blockBuf := make([]byte, blockSize)
		n, hit, err := e.blocks.Read(p, blockIndex, blockBuf)
		if err != nil {
			e.log.WarnContext(ctx, "reading cached block", "path", p.String(), "block", blockIndex, "err", err)
		}
		if err != nil || !hit {
			e.metrics.Miss(cachemetrics.KindData)
			n, err = e.backend.ReadAt(p, blockBuf, blockStart)
			if err != nil && err != io.EOF {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			if n > 0 {
				if werr := e.blocks.Write(p, blockIndex, blockBuf[:n]); werr != nil {
					e.log.WarnContext(ctx, "caching block", "path", p.String(), "block", blockIndex, "err", werr)
				}
			}
		} else {
			e.metrics.Hit(cachemetrics.KindData)
		}

		if int64(offsetInBlock) >= int64(n) {
			break // backend EOF fell inside this block
		}
		avail := blockBuf[offsetInBlock:n]
		copied := copy(buf[total:], avail)
		total += copied
		if copied < len(avail) {
			break // buf is full
		}
		if int64(n) < blockSize {
			break // short read: backend EOF
		}
	}
	return total, nil
}

// Write implements the write-through protocol of spec §4.4.
func (e *Engine) Write(ctx context.Context, p pathkey.Backend, buf []byte, offset int64, existedBefore bool) (int, error) {
	n, err := e.backend.WriteAt(p, buf, offset)
	if err != nil {
		return n, err
	}

	if e.isDisabled() {
		return n, nil
	}

	if e.blocks != nil {
		if err := e.blocks.InvalidateRange(p, offset, int64(len(buf))); err != nil {
			e.log.WarnContext(ctx, "invalidating blocks after write", "path", p.String(), "err", err)
		}
		e.metrics.Invalidate(cachemetrics.KindData)
	}
	e.invalidateAttrLogged(ctx, p)
	if !existedBefore {
		if err := e.meta.InvalidateDir(p.Parent()); err != nil {
			e.log.WarnContext(ctx, "invalidating parent dir after create-by-write", "path", p.Parent().String(), "err", err)
		}
		e.metrics.Invalidate(cachemetrics.KindDir)
	}
	return n, nil
}

// mutationKind distinguishes the handful of whole-path mutations that share
// an invalidate-attr + invalidate-dir(parent) tail.
type mutationKind int

const (
	mutationCreateLike mutationKind = iota
	mutationRemoveLike
)

// CreateLike implements the create/mkdir/symlink/link protocol.
func (e *Engine) CreateLike(ctx context.Context, p pathkey.Backend, do func() error) error {
	return e.mutate(ctx, p, mutationCreateLike, do)
}

// RemoveLike implements the unlink/rmdir protocol.
func (e *Engine) RemoveLike(ctx context.Context, p pathkey.Backend, do func() error) error {
	return e.mutate(ctx, p, mutationRemoveLike, do)
}

func (e *Engine) mutate(ctx context.Context, p pathkey.Backend, kind mutationKind, do func() error) error {
	if err := do(); err != nil {
		return err
	}
	if e.isDisabled() {
		return nil
	}

	e.invalidateAttrLogged(ctx, p)
	if kind == mutationRemoveLike && e.blocks != nil {
		if err := e.blocks.InvalidateFile(p); err != nil {
			e.log.WarnContext(ctx, "invalidating blocks after remove", "path", p.String(), "err", err)
		}
	}
	if err := e.meta.InvalidateDir(p.Parent()); err != nil {
		e.log.WarnContext(ctx, "invalidating parent dir", "path", p.Parent().String(), "err", err)
	}
	e.metrics.Invalidate(cachemetrics.KindDir)
	return nil
}

// Rename implements the rename protocol of spec §4.4.
func (e *Engine) Rename(ctx context.Context, src, dst pathkey.Backend, do func() error) error {
	if err := do(); err != nil {
		return err
	}
	if e.isDisabled() {
		return nil
	}

	e.invalidateAttrLogged(ctx, src)
	e.invalidateAttrLogged(ctx, dst)
	if e.blocks != nil {
		if err := e.blocks.InvalidateFile(src); err != nil {
			e.log.WarnContext(ctx, "invalidating src blocks after rename", "path", src.String(), "err", err)
		}
		if err := e.blocks.InvalidateFile(dst); err != nil {
			e.log.WarnContext(ctx, "invalidating dst blocks after rename", "path", dst.String(), "err", err)
		}
	}
	if err := e.meta.InvalidateDir(src.Parent()); err != nil {
		e.log.WarnContext(ctx, "invalidating src parent dir", "path", src.Parent().String(), "err", err)
	}
	if err := e.meta.InvalidateDir(dst.Parent()); err != nil {
		e.log.WarnContext(ctx, "invalidating dst parent dir", "path", dst.Parent().String(), "err", err)
	}
	e.metrics.Invalidate(cachemetrics.KindDir)
	return nil
}
