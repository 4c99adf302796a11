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

// Package blockstore implements Component C, the Block Store: a
// content-addressed cache of fixed-size file blocks on the local disk,
// evicted LRU once the configured byte budget is exceeded.
package blockstore

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/jacobsa/timeutil"
	_ "github.com/mattn/go-sqlite3"

	"github.com/akarasulu/cachefs/internal/pathkey"
)

const accessSchema = `
CREATE TABLE IF NOT EXISTS block_access (
	hash          TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	block_index   INTEGER NOT NULL,
	size_bytes    INTEGER NOT NULL,
	last_access   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_block_access_last_access ON block_access(last_access);
CREATE INDEX IF NOT EXISTS idx_block_access_path ON block_access(path);
`

const lockStripes = 256

// Store is the Block Store. Blocks live as plain files under root, fanned
// out two directory levels deep by hash; a side SQLite table tracks
// per-block access time for LRU eviction, following the same timestamp-
// indexed-bucket idea as rclone's persistent chunk cache, translated from
// bbolt buckets into a SQL table.
type Store struct {
	root         string
	blockSize    int64
	maxSizeBytes int64
	clock        timeutil.Clock

	db *sql.DB

	lookupStmt       *sql.Stmt
	touchStmt        *sql.Stmt
	insertStmt       *sql.Stmt
	deleteStmt       *sql.Stmt
	totalSizeStmt    *sql.Stmt
	oldestStmt       *sql.Stmt
	oldestAccessStmt *sql.Stmt

	locks [lockStripes]sync.Mutex
}

// Open opens (creating if necessary) the block store rooted at root, with
// its access-time ledger at accessDBPath.
func Open(root string, accessDBPath string, blockSize, maxSizeBytes int64, clock timeutil.Clock) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("blockstore: creating root %s: %w", root, err)
	}

	db, err := sql.Open("sqlite3", "file:"+accessDBPath+"?_journal_mode=WAL&_busy_timeout=100")
	if err != nil {
		return nil, fmt.Errorf("blockstore: opening access db: %w", err)
	}
	db.SetMaxOpenConns(1)

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='block_access'`).Scan(&name)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(accessSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("blockstore: applying access schema: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("blockstore: checking access schema: %w", err)
	}

	s := &Store{root: root, blockSize: blockSize, maxSizeBytes: maxSizeBytes, clock: clock, db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.lookupStmt, err = s.db.Prepare(`SELECT 1 FROM block_access WHERE hash = ?`); err != nil {
		return fmt.Errorf("blockstore: preparing lookup: %w", err)
	}
	if s.touchStmt, err = s.db.Prepare(`UPDATE block_access SET last_access = ? WHERE hash = ?`); err != nil {
		return fmt.Errorf("blockstore: preparing touch: %w", err)
	}
	if s.insertStmt, err = s.db.Prepare(
		`INSERT INTO block_access (hash, path, block_index, size_bytes, last_access)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET size_bytes=excluded.size_bytes, last_access=excluded.last_access`,
	); err != nil {
		return fmt.Errorf("blockstore: preparing insert: %w", err)
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM block_access WHERE hash = ?`); err != nil {
		return fmt.Errorf("blockstore: preparing delete: %w", err)
	}
	if s.totalSizeStmt, err = s.db.Prepare(`SELECT COALESCE(SUM(size_bytes), 0) FROM block_access`); err != nil {
		return fmt.Errorf("blockstore: preparing totalSize: %w", err)
	}
	if s.oldestStmt, err = s.db.Prepare(
		`SELECT hash, path, block_index, size_bytes FROM block_access ORDER BY last_access ASC LIMIT ?`,
	); err != nil {
		return fmt.Errorf("blockstore: preparing oldest: %w", err)
	}
	if s.oldestAccessStmt, err = s.db.Prepare(`SELECT MIN(last_access) FROM block_access`); err != nil {
		return fmt.Errorf("blockstore: preparing oldestAccess: %w", err)
	}
	return nil
}

// Close releases the access-time database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// BlockSize returns the configured block size in bytes.
func (s *Store) BlockSize() int64 {
	return s.blockSize
}

func (s *Store) lockFor(k blockKey) *sync.Mutex {
	return &s.locks[k.hash%lockStripes]
}

func (s *Store) absPath(k blockKey) string {
	return filepath.Join(s.root, filepath.FromSlash(k.relPath()))
}

// Has reports whether block index of p is cached.
func (s *Store) Has(p pathkey.Backend, index int64) (bool, error) {
	k := newBlockKey(p, index)
	var one int
	err := s.lookupStmt.QueryRow(k.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blockstore: has %s: %w", k, err)
	}
	return true, nil
}

// Read copies the cached contents of block index of p into buf, returning
// the number of bytes copied. Returns (0, false, nil) on a cache miss.
func (s *Store) Read(p pathkey.Backend, index int64, buf []byte) (n int, hit bool, err error) {
	k := newBlockKey(p, index)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.absPath(k))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("blockstore: opening block %s: %w", k, err)
	}
	defer f.Close()

	n, err = io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, false, fmt.Errorf("blockstore: reading block %s: %w", k, err)
	}

	if _, execErr := s.touchStmt.Exec(s.clock.Now().UnixNano(), k.String()); execErr != nil {
		return n, true, fmt.Errorf("blockstore: touching block %s: %w", k, execErr)
	}
	return n, true, nil
}

// Write atomically stores data as block index of p, then records its access
// time. The write-then-rename is done with renameio so a reader never
// observes a partially written block file.
func (s *Store) Write(p pathkey.Backend, index int64, data []byte) error {
	k := newBlockKey(p, index)
	lock := s.lockFor(k)
	lock.Lock()

	err := func() error {
		dest := s.absPath(k)
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return fmt.Errorf("blockstore: creating block dir for %s: %w", k, err)
		}

		tmp, err := renameio.TempFile("", dest)
		if err != nil {
			return fmt.Errorf("blockstore: creating temp file for %s: %w", k, err)
		}
		defer tmp.Cleanup()

		if _, err := tmp.Write(data); err != nil {
			return fmt.Errorf("blockstore: writing temp file for %s: %w", k, err)
		}
		if err := tmp.CloseAtomicallyReplace(); err != nil {
			return fmt.Errorf("blockstore: replacing block file for %s: %w", k, err)
		}

		now := s.clock.Now().UnixNano()
		if _, err := s.insertStmt.Exec(k.String(), p.String(), index, len(data), now); err != nil {
			return fmt.Errorf("blockstore: recording access for %s: %w", k, err)
		}
		return nil
	}()
	lock.Unlock()
	if err != nil {
		return err
	}

	// EvictUntilUnderBudget takes its own per-block stripe locks; it must run
	// with this block's lock released to avoid self-deadlock on a stripe
	// collision between k and an eviction victim.
	if s.maxSizeBytes > 0 {
		total, err := s.TotalSize()
		if err != nil {
			return err
		}
		if total > s.maxSizeBytes {
			if _, err := s.EvictUntilUnderBudget(); err != nil {
				return fmt.Errorf("blockstore: evicting after write to %s: %w", k, err)
			}
		}
	}
	return nil
}

// InvalidateBlock removes one cached block, if present.
func (s *Store) InvalidateBlock(p pathkey.Backend, index int64) error {
	k := newBlockKey(p, index)
	lock := s.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.absPath(k)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: removing block file %s: %w", k, err)
	}
	if _, err := s.deleteStmt.Exec(k.String()); err != nil {
		return fmt.Errorf("blockstore: deleting access row %s: %w", k, err)
	}
	return nil
}

// InvalidateRange removes every cached block of p whose byte range
// intersects [offset, offset+length). Used on a partial write, which must
// not disturb blocks of the same file outside the written range.
func (s *Store) InvalidateRange(p pathkey.Backend, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	first := offset / s.blockSize
	last := (offset + length - 1) / s.blockSize
	for idx := first; idx <= last; idx++ {
		if err := s.InvalidateBlock(p, idx); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateFile removes every cached block belonging to p. Used on
// truncate, unlink, and rename per spec §4.4.
func (s *Store) InvalidateFile(p pathkey.Backend) error {
	rows, err := s.db.Query(`SELECT hash, block_index FROM block_access WHERE path = ?`, p.String())
	if err != nil {
		return fmt.Errorf("blockstore: listing blocks for %s: %w", p, err)
	}
	type pair struct {
		hash  string
		index int64
	}
	var pairs []pair
	for rows.Next() {
		var pr pair
		if err := rows.Scan(&pr.hash, &pr.index); err != nil {
			rows.Close()
			return fmt.Errorf("blockstore: scanning block row for %s: %w", p, err)
		}
		pairs = append(pairs, pr)
	}
	rows.Close()

	for _, pr := range pairs {
		if err := s.InvalidateBlock(p, pr.index); err != nil {
			return err
		}
	}
	return nil
}

// TotalSize returns the sum of all cached block sizes.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	if err := s.totalSizeStmt.QueryRow().Scan(&total); err != nil {
		return 0, fmt.Errorf("blockstore: total size: %w", err)
	}
	return total, nil
}

// Stat reports a coarse view of the block store's occupancy, for
// internal/cachemetrics gauges and operator diagnostics.
func (s *Store) Stat() (Stats, error) {
	total, err := s.TotalSize()
	if err != nil {
		return Stats{}, err
	}

	var oldestNanos sql.NullInt64
	if err := s.oldestAccessStmt.QueryRow().Scan(&oldestNanos); err != nil {
		return Stats{}, fmt.Errorf("blockstore: oldest access: %w", err)
	}

	stats := Stats{TotalBytes: total}
	if oldestNanos.Valid {
		stats.OldestAccess = time.Unix(0, oldestNanos.Int64)
	}
	return stats, nil
}

// EvictUntilUnderBudget removes the least-recently-used blocks until the
// total cached size is at or below 0.9 * maxSizeBytes, per spec §4.3. A
// maxSizeBytes of 0 means unbounded and EvictUntilUnderBudget is a no-op.
func (s *Store) EvictUntilUnderBudget() (evicted int64, err error) {
	if s.maxSizeBytes <= 0 {
		return 0, nil
	}
	target := int64(float64(s.maxSizeBytes) * 0.9)

	for {
		total, err := s.TotalSize()
		if err != nil {
			return evicted, err
		}
		if total <= target {
			return evicted, nil
		}

		const batch = 64
		rows, err := s.oldestStmt.Query(batch)
		if err != nil {
			return evicted, fmt.Errorf("blockstore: selecting eviction candidates: %w", err)
		}
		type victim struct {
			hash  string
			path  string
			index int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			var size int64
			if err := rows.Scan(&v.hash, &v.path, &v.index, &size); err != nil {
				rows.Close()
				return evicted, fmt.Errorf("blockstore: scanning eviction candidate: %w", err)
			}
			victims = append(victims, v)
		}
		rows.Close()

		if len(victims) == 0 {
			return evicted, nil // ledger and disk disagree; nothing left to evict
		}

		for _, v := range victims {
			k := newBlockKey(pathkey.Backend(v.path), v.index)
			lock := s.lockFor(k)
			lock.Lock()
			info, statErr := os.Stat(s.absPath(k))
			if statErr == nil {
				evicted += info.Size()
			}
			if removeErr := os.Remove(s.absPath(k)); removeErr != nil && !os.IsNotExist(removeErr) {
				lock.Unlock()
				return evicted, fmt.Errorf("blockstore: evicting block %s: %w", v.hash, removeErr)
			}
			_, delErr := s.deleteStmt.Exec(v.hash)
			lock.Unlock()
			if delErr != nil {
				return evicted, fmt.Errorf("blockstore: removing eviction ledger row %s: %w", v.hash, delErr)
			}
		}
	}
}

// Stats reports a coarse view of the block store's occupancy, for
// internal/cachemetrics gauges.
type Stats struct {
	TotalBytes   int64
	OldestAccess time.Time
}
