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

package blockstore

import (
	"fmt"

	"github.com/akarasulu/cachefs/internal/pathkey"
)

// djb2 is Dan Bernstein's string hash, used here (per spec §4.3) to derive
// a content-addressed block key from a backend path without pulling in a
// cryptographic hash package for a purely local, non-adversarial cache key
// space.
func djb2(s string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint64(s[i])
	}
	return h
}

// blockKey is the content-addressed identifier for one block of one file.
type blockKey struct {
	hash  uint64
	path  pathkey.Backend
	index int64
}

func newBlockKey(p pathkey.Backend, index int64) blockKey {
	return blockKey{
		hash:  djb2(p.String()),
		path:  p,
		index: index,
	}
}

// relPath returns the two-level fan-out relative path under the block
// store's root directory: the first byte of the hash of the backend path
// picks the top directory, the second byte picks the subdirectory, and the
// filename is the 16-hex-digit path hash with the block index appended as a
// literal decimal suffix. Fan-out keeps any one directory's entry count low
// enough for the backing filesystem to list quickly even with millions of
// cached blocks; the decimal suffix lets an operator inspecting blocks/
// distinguish the blocks of one file from each other.
func (k blockKey) relPath() string {
	hex := fmt.Sprintf("%016x", k.hash)
	return fmt.Sprintf("%s/%s/%s", hex[0:2], hex[2:4], k.String())
}

func (k blockKey) String() string {
	return fmt.Sprintf("%016x-%d", k.hash, k.index)
}
