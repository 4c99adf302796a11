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

const (
	DefaultMetaTTLSecs       = 5
	DefaultDirTTLSecs        = 10
	DefaultNegTTLSecs        = 2
	DefaultBlockSizeBytes    = 256 * 1024
	DefaultMaxCacheSizeBytes = 0 // unbounded
	DefaultCacheDirPerm      = Octal(0700)

	DefaultLogSeverity = InfoLogSeverity
	DefaultLogFormat   = TextLogFormat

	DefaultLogRotateMaxFileSizeMb   = 128
	DefaultLogRotateBackupFileCount = 10
	DefaultLogRotateCompress        = true
)

// DefaultConfig returns a Config populated with every default named in
// SPEC_FULL.md §6. Mount.BackendRoot, Mount.MountPoint and Cache.CacheRoot
// have no default; callers (cmd/cachefsd) must supply them.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			MetaTTLSecs:          DefaultMetaTTLSecs,
			DirTTLSecs:           DefaultDirTTLSecs,
			NegTTLSecs:           DefaultNegTTLSecs,
			BlockSizeBytes:       DefaultBlockSizeBytes,
			MaxCacheSizeBytes:    DefaultMaxCacheSizeBytes,
			CacheDebug:           false,
			DisableMetadataCache: false,
			CacheDirPerm:         DefaultCacheDirPerm,
		},
		Logging: GetDefaultLoggingConfig(),
	}
}

// GetDefaultLoggingConfig mirrors the teacher's function of the same name:
// it is the value used whenever no --log-* flag or config file key was set.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: DefaultLogSeverity,
		Format:   DefaultLogFormat,
		FilePath: "", // empty means stderr
		LogRotate: LogRotateConfig{
			MaxFileSizeMb:   DefaultLogRotateMaxFileSizeMb,
			BackupFileCount: DefaultLogRotateBackupFileCount,
			Compress:        DefaultLogRotateCompress,
		},
	}
}
