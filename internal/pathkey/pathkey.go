// Package pathkey gives the canonical path on the backing filesystem its own
// Go type, the way the teacher codebase gives GCS object names their own
// type rather than passing bare strings between layers.
//
// A Backend value must only ever be minted by the Operation Dispatcher's
// translation step (see internal/dispatcher). The Coherence Engine and the
// two stores accept only Backend values, never arbitrary strings, so it is
// impossible to accidentally cache under a gateway-visible (possibly
// remapped) path.
package pathkey

import "path/filepath"

// Backend is the canonical absolute path of a file or directory on the
// backing filesystem. It is comparable and usable as a map key.
type Backend string

// NewBackend cleans and returns p as a Backend path. Callers are expected to
// already have an absolute path; NewBackend only normalizes separators and
// "." / ".." segments, it does not resolve symlinks.
func NewBackend(p string) Backend {
	return Backend(filepath.Clean(p))
}

// String returns the underlying path string.
func (b Backend) String() string {
	return string(b)
}

// Parent returns the Backend path of b's containing directory.
func (b Backend) Parent() Backend {
	return Backend(filepath.Dir(string(b)))
}

// Join returns the Backend path of name resolved against b as a directory.
func (b Backend) Join(name string) Backend {
	return Backend(filepath.Join(string(b), name))
}

// Base returns the final path element, as filepath.Base would.
func (b Backend) Base() string {
	return filepath.Base(string(b))
}
