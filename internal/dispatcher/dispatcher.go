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

// Package dispatcher implements Component E, the Operation Dispatcher: the
// entry point internal/fsbridge calls into for every gateway operation. It
// owns the lazy cache-initialization state machine and the translation from
// gateway-visible paths to pathkey.Backend values.
//
// LOCK ORDERING
//
// Let INIT be the Dispatcher's initMu and CE be any lock internal to the
// Coherence Engine or its stores. We follow the rule "acquire A then B only
// if A < B" with INIT < CE: initMu is only ever held across the one-shot
// initialization step, never across a call into the Engine, so it cannot
// participate in a cycle with Engine-internal locks. This mirrors the
// lock-ordering discipline documented at the top of the teacher's fs.go.
package dispatcher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/cachelog"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

// state is the cache-initialization state machine of spec §4.5.
type state int32

const (
	stateUninit state = iota
	stateInitializing
	stateReady
	stateDisabled
)

// InitFunc lazily builds the Coherence Engine (opening the Metadata Store
// and Block Store) the first time it is needed. It returns a nil Engine
// and a non-nil error if construction fails in a way that should leave the
// Dispatcher in DISABLED for the rest of the mount.
type InitFunc func(ctx context.Context) (*coherence.Engine, error)

// Dispatcher is the Operation Dispatcher. Every exported method is safe for
// concurrent invocation from multiple gateway threads.
type Dispatcher struct {
	root    pathkey.Backend
	backend *backend.Adapter
	log     *slog.Logger

	init InitFunc

	initMu sync.Mutex // GUARDED_BY nothing else; see LOCK ORDERING above
	state  atomic.Int32
	engine *coherence.Engine // set once, while initMu is held, before state flips to ready/disabled
}

// New returns a Dispatcher rooted at root. The Coherence Engine is not
// constructed yet; initFn runs lazily on the first call to any operation
// that can use the cache (every method except ToBackend and ReadSymlink).
func New(root pathkey.Backend, adapter *backend.Adapter, initFn InitFunc, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		root:    root,
		backend: adapter,
		init:    initFn,
		log:     cachelog.Component(log, "dispatcher"),
	}
	d.state.Store(int32(stateUninit))
	return d
}

// ensureInit performs the one-shot lazy initialization described in spec
// §4.5, guarded so only one caller actually runs initFn.
func (d *Dispatcher) ensureInit(ctx context.Context) *coherence.Engine {
	if state(d.state.Load()) == stateReady {
		return d.engine
	}
	if state(d.state.Load()) == stateDisabled {
		return nil
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	switch state(d.state.Load()) {
	case stateReady:
		return d.engine
	case stateDisabled:
		return nil
	}

	d.state.Store(int32(stateInitializing))
	engine, err := d.init(ctx)
	if err != nil {
		d.log.ErrorContext(ctx, "cache initialization failed; falling back to pass-through for this mount", "err", err)
		d.state.Store(int32(stateDisabled))
		return nil
	}
	d.engine = engine
	d.state.Store(int32(stateReady))
	return d.engine
}

// ToBackend translates a gateway-visible relative path to the canonical
// backend path. No identity or permission remapping is performed; that is
// an out-of-scope external layer (spec §1).
func (d *Dispatcher) ToBackend(relPath string) pathkey.Backend {
	if relPath == "" || relPath == "." {
		return d.root
	}
	return d.root.Join(relPath)
}

// GetAttr serves a gateway attribute query.
func (d *Dispatcher) GetAttr(ctx context.Context, relPath string) (backend.Attr, error) {
	p := d.ToBackend(relPath)
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.GetAttr(ctx, p)
	}
	return d.backend.Stat(p)
}

// ReadDir serves a gateway directory-listing request.
func (d *Dispatcher) ReadDir(ctx context.Context, relPath string) ([]backend.DirEntry, error) {
	p := d.ToBackend(relPath)
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.ReadDir(ctx, p)
	}
	return d.backend.ReadDir(p)
}

// Open serves a gateway open request.
func (d *Dispatcher) Open(ctx context.Context, relPath string) (backend.Attr, error) {
	p := d.ToBackend(relPath)
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.Open(ctx, p)
	}
	return d.backend.Stat(p)
}

// Read serves a gateway read request.
func (d *Dispatcher) Read(ctx context.Context, relPath string, buf []byte, offset int64) (int, error) {
	p := d.ToBackend(relPath)
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.Read(ctx, p, buf, offset)
	}
	return d.backend.ReadAt(p, buf, offset)
}

// Write serves a gateway write request. existedBefore should be true unless
// the caller knows this write is also creating the file (size 0 / ENOENT
// moments ago), matching spec §4.4's "size grew from 0 or ENOENT" rule.
func (d *Dispatcher) Write(ctx context.Context, relPath string, buf []byte, offset int64, existedBefore bool) (int, error) {
	p := d.ToBackend(relPath)
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.Write(ctx, p, buf, offset, existedBefore)
	}
	return d.backend.WriteAt(p, buf, offset)
}

// Create serves a gateway create-file request.
func (d *Dispatcher) Create(ctx context.Context, relPath string, perm os.FileMode) error {
	p := d.ToBackend(relPath)
	do := func() error {
		_, err := d.backend.Create(p, perm)
		return err
	}
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.CreateLike(ctx, p, do)
	}
	return do()
}

// Mkdir serves a gateway mkdir request.
func (d *Dispatcher) Mkdir(ctx context.Context, relPath string, perm os.FileMode) error {
	p := d.ToBackend(relPath)
	do := func() error { return d.backend.Mkdir(p, perm) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.CreateLike(ctx, p, do)
	}
	return do()
}

// Symlink serves a gateway symlink request.
func (d *Dispatcher) Symlink(ctx context.Context, relPath, target string) error {
	p := d.ToBackend(relPath)
	do := func() error { return d.backend.Symlink(target, p) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.CreateLike(ctx, p, do)
	}
	return do()
}

// ReadSymlink serves a gateway readlink request. Symlink targets are not
// cached; they are immutable for the life of the link and cheap to read.
func (d *Dispatcher) ReadSymlink(ctx context.Context, relPath string) (string, error) {
	return d.backend.Readlink(d.ToBackend(relPath))
}

// Link serves a gateway hard-link request.
func (d *Dispatcher) Link(ctx context.Context, oldRelPath, newRelPath string) error {
	oldPath := d.ToBackend(oldRelPath)
	newPath := d.ToBackend(newRelPath)
	do := func() error { return d.backend.Link(oldPath, newPath) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.CreateLike(ctx, newPath, do)
	}
	return do()
}

// Unlink serves a gateway unlink request.
func (d *Dispatcher) Unlink(ctx context.Context, relPath string) error {
	p := d.ToBackend(relPath)
	do := func() error { return d.backend.Unlink(p) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.RemoveLike(ctx, p, do)
	}
	return do()
}

// Rmdir serves a gateway rmdir request.
func (d *Dispatcher) Rmdir(ctx context.Context, relPath string) error {
	p := d.ToBackend(relPath)
	do := func() error { return d.backend.Rmdir(p) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.RemoveLike(ctx, p, do)
	}
	return do()
}

// Rename serves a gateway rename request.
func (d *Dispatcher) Rename(ctx context.Context, oldRelPath, newRelPath string) error {
	oldPath := d.ToBackend(oldRelPath)
	newPath := d.ToBackend(newRelPath)
	do := func() error { return d.backend.Rename(oldPath, newPath) }
	if eng := d.ensureInit(ctx); eng != nil {
		return eng.Rename(ctx, oldPath, newPath, do)
	}
	return do()
}

