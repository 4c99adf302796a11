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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akarasulu/cachefs/internal/pathkey"
)

func TestBlockKeyHashesPathAloneAndSuffixesIndex(t *testing.T) {
	p := pathkey.NewBackend("/a/b.txt")

	k0 := newBlockKey(p, 0)
	k1 := newBlockKey(p, 1)

	assert.Equal(t, djb2(p.String()), k0.hash)
	assert.Equal(t, k0.hash, k1.hash, "the path hash must not depend on the block index")

	wantHex := fmt.Sprintf("%016x", djb2(p.String()))
	assert.Equal(t, wantHex+"-0", k0.String())
	assert.Equal(t, wantHex+"-1", k1.String())
}

func TestBlockKeyRelPathFansOutByHashAndKeepsFilenameIndexed(t *testing.T) {
	p := pathkey.NewBackend("/a/b.txt")
	k := newBlockKey(p, 3)

	hex := fmt.Sprintf("%016x", k.hash)
	want := fmt.Sprintf("%s/%s/%s-3", hex[0:2], hex[2:4], hex)
	assert.Equal(t, want, k.relPath())
}
