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

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers every cachefsd flag on flagSet and binds it into v, so
// that flag > config-file > default resolution falls out of viper for free.
// Modeled on the teacher's generated BindFlags: one StringVar/Int64Var/
// BoolVar per field, immediately paired with a viper.BindPFlag call.
func BindFlags(flagSet *pflag.FlagSet, v *viper.Viper) error {
	flagSet.String("mount.backend-root", "", "backing directory to cache")
	if err := v.BindPFlag("mount.backend-root", flagSet.Lookup("mount.backend-root")); err != nil {
		return fmt.Errorf("binding mount.backend-root: %w", err)
	}

	flagSet.String("mount.mount-point", "", "directory to expose the cached view on")
	if err := v.BindPFlag("mount.mount-point", flagSet.Lookup("mount.mount-point")); err != nil {
		return fmt.Errorf("binding mount.mount-point: %w", err)
	}

	flagSet.String("cache.cache-root", "", "directory to hold cache state (metadata.db, blocks/)")
	if err := v.BindPFlag("cache.cache-root", flagSet.Lookup("cache.cache-root")); err != nil {
		return fmt.Errorf("binding cache.cache-root: %w", err)
	}

	flagSet.Int64("cache.meta-ttl-secs", DefaultMetaTTLSecs, "attribute cache TTL, in seconds")
	if err := v.BindPFlag("cache.meta-ttl-secs", flagSet.Lookup("cache.meta-ttl-secs")); err != nil {
		return fmt.Errorf("binding cache.meta-ttl-secs: %w", err)
	}

	flagSet.Int64("cache.dir-ttl-secs", DefaultDirTTLSecs, "directory listing cache TTL, in seconds")
	if err := v.BindPFlag("cache.dir-ttl-secs", flagSet.Lookup("cache.dir-ttl-secs")); err != nil {
		return fmt.Errorf("binding cache.dir-ttl-secs: %w", err)
	}

	flagSet.Int64("cache.neg-ttl-secs", DefaultNegTTLSecs, "negative-lookup cache TTL, in seconds")
	if err := v.BindPFlag("cache.neg-ttl-secs", flagSet.Lookup("cache.neg-ttl-secs")); err != nil {
		return fmt.Errorf("binding cache.neg-ttl-secs: %w", err)
	}

	flagSet.Int64("cache.block-size-bytes", DefaultBlockSizeBytes, "block size for the content-addressed block store, bytes")
	if err := v.BindPFlag("cache.block-size-bytes", flagSet.Lookup("cache.block-size-bytes")); err != nil {
		return fmt.Errorf("binding cache.block-size-bytes: %w", err)
	}

	flagSet.Int64("cache.max-cache-size-bytes", DefaultMaxCacheSizeBytes, "byte budget for cached blocks, 0 means unbounded")
	if err := v.BindPFlag("cache.max-cache-size-bytes", flagSet.Lookup("cache.max-cache-size-bytes")); err != nil {
		return fmt.Errorf("binding cache.max-cache-size-bytes: %w", err)
	}

	flagSet.Bool("cache.cache-debug", false, "log every cache decision at DEBUG severity")
	if err := v.BindPFlag("cache.cache-debug", flagSet.Lookup("cache.cache-debug")); err != nil {
		return fmt.Errorf("binding cache.cache-debug: %w", err)
	}

	flagSet.Bool("cache.disable-metadata-cache", false, "disable all caching (metadata and blocks); every operation goes to the backend")
	if err := v.BindPFlag("cache.disable-metadata-cache", flagSet.Lookup("cache.disable-metadata-cache")); err != nil {
		return fmt.Errorf("binding cache.disable-metadata-cache: %w", err)
	}

	flagSet.String("logging.severity", string(DefaultLogSeverity), "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	if err := v.BindPFlag("logging.severity", flagSet.Lookup("logging.severity")); err != nil {
		return fmt.Errorf("binding logging.severity: %w", err)
	}

	flagSet.String("logging.format", string(DefaultLogFormat), "log output format: text or json")
	if err := v.BindPFlag("logging.format", flagSet.Lookup("logging.format")); err != nil {
		return fmt.Errorf("binding logging.format: %w", err)
	}

	flagSet.String("logging.file-path", "", "log file path; empty logs to stderr")
	if err := v.BindPFlag("logging.file-path", flagSet.Lookup("logging.file-path")); err != nil {
		return fmt.Errorf("binding logging.file-path: %w", err)
	}

	flagSet.String("metrics.addr", "", "address to serve Prometheus /metrics on; empty disables it")
	if err := v.BindPFlag("metrics.addr", flagSet.Lookup("metrics.addr")); err != nil {
		return fmt.Errorf("binding metrics.addr: %w", err)
	}

	return nil
}
