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

// Package metastore implements Component B, the Metadata Store: a SQLite
// database (via database/sql and mattn/go-sqlite3) holding cached attribute
// rows, negative-lookup rows, and directory-listing rows, each with an
// absolute expiry timestamp.
package metastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	_ "github.com/mattn/go-sqlite3"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

const schema = `
CREATE TABLE IF NOT EXISTS attrs (
	path        TEXT PRIMARY KEY,
	negative    INTEGER NOT NULL DEFAULT 0,
	mode        INTEGER NOT NULL DEFAULT 0,
	size        INTEGER NOT NULL DEFAULT 0,
	mtime_unix  INTEGER NOT NULL DEFAULT 0,
	mtime_nsec  INTEGER NOT NULL DEFAULT 0,
	ctime_unix  INTEGER NOT NULL DEFAULT 0,
	ctime_nsec  INTEGER NOT NULL DEFAULT 0,
	uid         INTEGER NOT NULL DEFAULT 0,
	gid         INTEGER NOT NULL DEFAULT 0,
	nlink       INTEGER NOT NULL DEFAULT 0,
	is_dir      INTEGER NOT NULL DEFAULT 0,
	expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dirs (
	path                TEXT PRIMARY KEY,
	entries_json        TEXT NOT NULL,
	captured_mtime_unix INTEGER NOT NULL DEFAULT 0,
	captured_mtime_nsec INTEGER NOT NULL DEFAULT 0,
	expires_at          INTEGER NOT NULL
);
`

// Entry is a cached attribute row. Negative reports a cached "does not
// exist" result (spec invariant: negative entries use neg_ttl_secs).
type Entry struct {
	Negative  bool
	Attr      backend.Attr
	ExpiresAt time.Time
}

// DirListing is a cached directory listing row. CapturedMtime is the
// directory's own mtime at the moment the listing was captured, compared
// against the directory's live mtime on lookup (spec §4.4).
type DirListing struct {
	Entries       []backend.DirEntry
	CapturedMtime time.Time
	ExpiresAt     time.Time
}

// Store is the Metadata Store. A nil *Store (returned by Open on a fatal
// open/schema error) is never handed out; construction failures are
// reported to the caller, which transitions the Dispatcher to DISABLED
// instead of holding a half-open Store per spec §4.2 / §7.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock

	lookupAttrStmt    *sql.Stmt
	upsertAttrStmt    *sql.Stmt
	deleteAttrStmt    *sql.Stmt
	lookupDirStmt     *sql.Stmt
	upsertDirStmt     *sql.Stmt
	deleteDirStmt     *sql.Stmt
	deleteDirLikeStmt *sql.Stmt
}

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// the schema if it is not already present, and prepares every statement the
// Coherence Engine will use.
func Open(dbPath string, clock timeutil.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=100")
	if err != nil {
		return nil, fmt.Errorf("metastore: opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // one writer; WAL mode still allows concurrent readers via separate connections, but go-sqlite3 serializes per *sql.DB connection pool simplest this way.

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, clock: clock}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='attrs'`).Scan(&name)
	if err == nil {
		return nil // already initialized
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("metastore: checking schema: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("metastore: applying schema: %w", err)
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.lookupAttrStmt, err = s.db.Prepare(
		`SELECT negative, mode, size, mtime_unix, mtime_nsec, ctime_unix, ctime_nsec, uid, gid, nlink, is_dir, expires_at FROM attrs WHERE path = ?`,
	); err != nil {
		return fmt.Errorf("metastore: preparing lookupAttr: %w", err)
	}
	if s.upsertAttrStmt, err = s.db.Prepare(
		`INSERT INTO attrs (path, negative, mode, size, mtime_unix, mtime_nsec, ctime_unix, ctime_nsec, uid, gid, nlink, is_dir, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			negative=excluded.negative, mode=excluded.mode, size=excluded.size,
			mtime_unix=excluded.mtime_unix, mtime_nsec=excluded.mtime_nsec,
			ctime_unix=excluded.ctime_unix, ctime_nsec=excluded.ctime_nsec,
			uid=excluded.uid, gid=excluded.gid, nlink=excluded.nlink,
			is_dir=excluded.is_dir, expires_at=excluded.expires_at`,
	); err != nil {
		return fmt.Errorf("metastore: preparing upsertAttr: %w", err)
	}
	if s.deleteAttrStmt, err = s.db.Prepare(`DELETE FROM attrs WHERE path = ?`); err != nil {
		return fmt.Errorf("metastore: preparing deleteAttr: %w", err)
	}
	if s.lookupDirStmt, err = s.db.Prepare(
		`SELECT entries_json, captured_mtime_unix, captured_mtime_nsec, expires_at FROM dirs WHERE path = ?`,
	); err != nil {
		return fmt.Errorf("metastore: preparing lookupDir: %w", err)
	}
	if s.upsertDirStmt, err = s.db.Prepare(
		`INSERT INTO dirs (path, entries_json, captured_mtime_unix, captured_mtime_nsec, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET entries_json=excluded.entries_json,
			captured_mtime_unix=excluded.captured_mtime_unix, captured_mtime_nsec=excluded.captured_mtime_nsec,
			expires_at=excluded.expires_at`,
	); err != nil {
		return fmt.Errorf("metastore: preparing upsertDir: %w", err)
	}
	if s.deleteDirStmt, err = s.db.Prepare(`DELETE FROM dirs WHERE path = ?`); err != nil {
		return fmt.Errorf("metastore: preparing deleteDir: %w", err)
	}
	if s.deleteDirLikeStmt, err = s.db.Prepare(`DELETE FROM dirs WHERE path = ? OR path LIKE ? ESCAPE '\'`); err != nil {
		return fmt.Errorf("metastore: preparing deleteDirLike: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupAttr returns the cached Entry for p, or ok=false on a cache miss
// (including one that has passed its expiry, which is treated as absent by
// the caller regardless of what's still on disk).
func (s *Store) LookupAttr(p pathkey.Backend) (e Entry, ok bool, err error) {
	row := s.lookupAttrStmt.QueryRow(p.String())
	var negative, isDir int
	var mtimeUnix, mtimeNsec, ctimeUnix, ctimeNsec, expiresAt int64
	err = row.Scan(&negative, &e.Attr.Mode, &e.Attr.Size, &mtimeUnix, &mtimeNsec, &ctimeUnix, &ctimeNsec,
		&e.Attr.Uid, &e.Attr.Gid, &e.Attr.Nlink, &isDir, &expiresAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("metastore: lookupAttr %s: %w", p, err)
	}
	e.Negative = negative != 0
	e.Attr.IsDir = isDir != 0
	e.Attr.Mtime = time.Unix(mtimeUnix, mtimeNsec)
	e.Attr.Ctime = time.Unix(ctimeUnix, ctimeNsec)
	e.ExpiresAt = time.Unix(0, expiresAt)

	if !s.clock.Now().Before(e.ExpiresAt) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// PutAttr records a's attributes for p, valid until now+ttl.
func (s *Store) PutAttr(p pathkey.Backend, a backend.Attr, ttl time.Duration) error {
	return s.putAttrRow(p, false, a, ttl)
}

// PutNegative records that p does not exist, valid until now+ttl. ttl
// should be cfg.CacheConfig.NegTTLSecs, distinct from (and normally
// shorter than) the positive attribute TTL.
func (s *Store) PutNegative(p pathkey.Backend, ttl time.Duration) error {
	return s.putAttrRow(p, true, backend.Attr{}, ttl)
}

func (s *Store) putAttrRow(p pathkey.Backend, negative bool, a backend.Attr, ttl time.Duration) error {
	expiresAt := s.clock.Now().Add(ttl).UnixNano()
	isDir := 0
	if a.IsDir {
		isDir = 1
	}
	neg := 0
	if negative {
		neg = 1
	}
	_, err := s.upsertAttrStmt.Exec(p.String(), neg, uint32(a.Mode), a.Size,
		a.Mtime.Unix(), int64(a.Mtime.Nanosecond()), a.Ctime.Unix(), int64(a.Ctime.Nanosecond()),
		a.Uid, a.Gid, a.Nlink, isDir, expiresAt)
	if err != nil {
		return fmt.Errorf("metastore: putAttr %s: %w", p, err)
	}
	return nil
}

// InvalidateAttr removes any cached entry (positive or negative) for p.
func (s *Store) InvalidateAttr(p pathkey.Backend) error {
	if _, err := s.deleteAttrStmt.Exec(p.String()); err != nil {
		return fmt.Errorf("metastore: invalidateAttr %s: %w", p, err)
	}
	return nil
}

// LookupDir returns the cached directory listing for dir.
func (s *Store) LookupDir(dir pathkey.Backend) (DirListing, bool, error) {
	row := s.lookupDirStmt.QueryRow(dir.String())
	var entriesJSON string
	var capturedUnix, capturedNsec, expiresAt int64
	err := row.Scan(&entriesJSON, &capturedUnix, &capturedNsec, &expiresAt)
	if err == sql.ErrNoRows {
		return DirListing{}, false, nil
	}
	if err != nil {
		return DirListing{}, false, fmt.Errorf("metastore: lookupDir %s: %w", dir, err)
	}

	dl := DirListing{
		ExpiresAt:     time.Unix(0, expiresAt),
		CapturedMtime: time.Unix(capturedUnix, capturedNsec),
	}
	if err := json.Unmarshal([]byte(entriesJSON), &dl.Entries); err != nil {
		return DirListing{}, false, fmt.Errorf("metastore: decoding dir listing %s: %w", dir, err)
	}
	if !s.clock.Now().Before(dl.ExpiresAt) {
		return DirListing{}, false, nil
	}
	return dl, true, nil
}

// PutDir records dir's full listing (captured while the directory's mtime
// was capturedMtime), valid until now+ttl. The listing is stored as one
// JSON blob in a single row, written by one upsert statement, so that a
// concurrent reader never observes a half-written directory (one row per
// directory rather than per entry; see SPEC_FULL.md §9).
func (s *Store) PutDir(dir pathkey.Backend, entries []backend.DirEntry, capturedMtime time.Time, ttl time.Duration) error {
	buf, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("metastore: encoding dir listing %s: %w", dir, err)
	}
	expiresAt := s.clock.Now().Add(ttl).UnixNano()
	if _, err := s.upsertDirStmt.Exec(dir.String(), string(buf), capturedMtime.Unix(), int64(capturedMtime.Nanosecond()), expiresAt); err != nil {
		return fmt.Errorf("metastore: putDir %s: %w", dir, err)
	}
	return nil
}

// InvalidateDir drops the cached listing for dir only.
func (s *Store) InvalidateDir(dir pathkey.Backend) error {
	if _, err := s.deleteDirStmt.Exec(dir.String()); err != nil {
		return fmt.Errorf("metastore: invalidateDir %s: %w", dir, err)
	}
	return nil
}

// InvalidateDirAndDescendants drops dir's listing plus any listing cached
// for a path underneath it. The Coherence Engine does not call it: on
// rename/rmdir it drops only the parent directories' listings via
// InvalidateDir.
func (s *Store) InvalidateDirAndDescendants(dir pathkey.Backend) error {
	prefix := likeEscape(dir.String()) + string(os.PathSeparator) + "%"
	if _, err := s.deleteDirLikeStmt.Exec(dir.String(), prefix); err != nil {
		return fmt.Errorf("metastore: invalidateDirAndDescendants %s: %w", dir, err)
	}
	return nil
}

func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
