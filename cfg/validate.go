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

package cfg

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	minBlockSizeBytes = 4096

	invalidBlockSizeErrMsg   = "block-size-bytes must be a power of two and at least 4096"
	invalidTTLOrderingErrMsg = "neg-ttl-secs must not exceed meta-ttl-secs"
	invalidNegativeTTLErrMsg = "TTL values must not be negative"
	missingBackendRootErrMsg = "mount.backend-root must be set"
	missingMountPointErrMsg  = "mount.mount-point must be set"
	missingCacheRootErrMsg   = "cache.cache-root must be set"
	nestedCacheRootErrMsg    = "cache.cache-root must not be located inside mount.mount-point"
)

// ValidateConfig checks invariants that BindFlags and viper's unmarshal step
// cannot express on their own. It is called once, after flags/config-file/
// env values have all been merged into a Config, and before the Dispatcher
// is constructed.
func ValidateConfig(c *Config) error {
	if c.Mount.BackendRoot == "" {
		return fmt.Errorf(missingBackendRootErrMsg)
	}
	if c.Mount.MountPoint == "" {
		return fmt.Errorf(missingMountPointErrMsg)
	}
	if c.Cache.CacheRoot == "" {
		return fmt.Errorf(missingCacheRootErrMsg)
	}

	if c.Cache.MetaTTLSecs < 0 || c.Cache.DirTTLSecs < 0 || c.Cache.NegTTLSecs < 0 {
		return fmt.Errorf(invalidNegativeTTLErrMsg)
	}
	if c.Cache.NegTTLSecs > c.Cache.MetaTTLSecs {
		return fmt.Errorf(invalidTTLOrderingErrMsg)
	}

	if !isValidBlockSize(c.Cache.BlockSizeBytes) {
		return fmt.Errorf(invalidBlockSizeErrMsg)
	}

	nested, err := isPathNested(c.Cache.CacheRoot, c.Mount.MountPoint)
	if err != nil {
		return fmt.Errorf("resolving cache-root against mount-point: %w", err)
	}
	if nested {
		return fmt.Errorf(nestedCacheRootErrMsg)
	}

	return nil
}

func isValidBlockSize(n int64) bool {
	if n < minBlockSizeBytes {
		return false
	}
	return n&(n-1) == 0
}

// isPathNested reports whether candidate is mountPoint itself or lives
// underneath it, comparing cleaned absolute paths. It deliberately does not
// resolve symlinks: cache_root and mount_point are both expected to exist
// (or be creatable) before the mount is attempted, and symlink resolution
// would require the mount_point to already be populated by a prior mount.
func isPathNested(candidate, mountPoint string) (bool, error) {
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return false, err
	}
	absMount, err := filepath.Abs(mountPoint)
	if err != nil {
		return false, err
	}
	absCandidate = filepath.Clean(absCandidate)
	absMount = filepath.Clean(absMount)

	if absCandidate == absMount {
		return true, nil
	}
	return strings.HasPrefix(absCandidate, absMount+string(filepath.Separator)), nil
}
