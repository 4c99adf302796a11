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
	"strconv"
	"strings"
)

// Octal is the datatype for params such as cache-dir-perm that accept a
// base-8 value on the command line but are stored as a plain int.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity mirrors the severity levels accepted by internal/cachelog.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (s *LogSeverity) UnmarshalText(text []byte) error {
	v := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[v]; !ok {
		return fmt.Errorf("invalid log severity: %q", text)
	}
	*s = v
	return nil
}

// IsEnabled reports whether a log line at level should be emitted given the
// configured minimum severity s.
func (s LogSeverity) IsEnabled(level LogSeverity) bool {
	return severityRanking[level] >= severityRanking[s]
}

// LogFormat selects the internal/cachelog handler.
type LogFormat string

const (
	TextLogFormat LogFormat = "text"
	JSONLogFormat LogFormat = "json"
)

func (f *LogFormat) UnmarshalText(text []byte) error {
	v := LogFormat(strings.ToLower(string(text)))
	if v != TextLogFormat && v != JSONLogFormat {
		return fmt.Errorf("invalid log format: %q, want %q or %q", text, TextLogFormat, JSONLogFormat)
	}
	*f = v
	return nil
}

// Config is the fully resolved configuration for one mount.
type Config struct {
	Mount   MountConfig   `yaml:"mount"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MountConfig names the two filesystem paths involved.
type MountConfig struct {
	// BackendRoot is the slow backing directory this mount caches.
	BackendRoot string `yaml:"backend-root"`

	// MountPoint is where the fuse gateway will expose the cached view.
	MountPoint string `yaml:"mount-point"`
}

// CacheConfig is the configuration surface enumerated in SPEC_FULL.md §6.
type CacheConfig struct {
	// CacheRoot is where per-mount cache files (metadata.db, blocks/) live.
	// It must not be inside MountPoint; see cfg.ValidateConfig.
	CacheRoot string `yaml:"cache-root"`

	MetaTTLSecs int64 `yaml:"meta-ttl-secs"`
	DirTTLSecs  int64 `yaml:"dir-ttl-secs"`
	NegTTLSecs  int64 `yaml:"neg-ttl-secs"`

	BlockSizeBytes    int64 `yaml:"block-size-bytes"`
	MaxCacheSizeBytes int64 `yaml:"max-cache-size-bytes"`

	CacheDebug bool `yaml:"cache-debug"`

	// DisableMetadataCache is the cache kill switch from SPEC_FULL.md §9.
	// When set, cmd/cachefsd never builds the Coherence Engine, so all
	// caching (attributes, negative entries, listings and blocks) is off
	// and every operation goes straight to the backend.
	DisableMetadataCache bool `yaml:"disable-metadata-cache"`

	// CacheDirPerm is the permission bits used for cache_root and its
	// subdirectories. Owner-only (0700) per §6.
	CacheDirPerm Octal `yaml:"cache-dir-perm"`
}

// LogRotateConfig controls lumberjack.Logger when LoggingConfig.FilePath is set.
type LogRotateConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// LoggingConfig configures internal/cachelog.
type LoggingConfig struct {
	Severity  LogSeverity     `yaml:"severity"`
	Format    LogFormat       `yaml:"format"`
	FilePath  string          `yaml:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

// MetricsConfig configures internal/cachemetrics' optional HTTP exporter.
type MetricsConfig struct {
	// Addr is a "host:port" to serve /metrics on. Empty disables the
	// exporter entirely.
	Addr string `yaml:"addr"`
}
