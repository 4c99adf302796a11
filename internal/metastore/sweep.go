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

package metastore

import (
	"context"
	"fmt"
	"time"
)

// Sweep deletes rows whose expires_at has already passed. It exists purely
// to bound the size of the attrs/dirs tables over a long-running mount;
// correctness never depends on it, because every lookup already rejects an
// expired row on read (see LookupAttr/LookupDir). Modeled on the periodic
// CleanChunksBySize pass in rclone's cache backend storage layer, adapted here
// to sweep by expiry instead of by byte budget.
func (s *Store) Sweep(now time.Time) (attrsDeleted, dirsDeleted int64, err error) {
	res, err := s.db.Exec(`DELETE FROM attrs WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, 0, fmt.Errorf("metastore: sweeping attrs: %w", err)
	}
	attrsDeleted, _ = res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM dirs WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return attrsDeleted, 0, fmt.Errorf("metastore: sweeping dirs: %w", err)
	}
	dirsDeleted, _ = res.RowsAffected()

	return attrsDeleted, dirsDeleted, nil
}

// RunSweepLoop runs Sweep on interval until ctx is cancelled. onSwept, if
// non-nil, is called after every pass (including ones that delete nothing)
// so callers can feed counts to internal/cachemetrics.
func (s *Store) RunSweepLoop(ctx context.Context, interval time.Duration, onSwept func(attrsDeleted, dirsDeleted int64, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a, d, err := s.Sweep(time.Now())
			if onSwept != nil {
				onSwept(a, d, err)
			}
		}
	}
}
