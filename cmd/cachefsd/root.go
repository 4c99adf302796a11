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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akarasulu/cachefs/cfg"
	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/blockstore"
	"github.com/akarasulu/cachefs/internal/cachelog"
	"github.com/akarasulu/cachefs/internal/cachemetrics"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/dispatcher"
	"github.com/akarasulu/cachefs/internal/fsbridge"
	"github.com/akarasulu/cachefs/internal/metastore"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

var (
	v        = viper.New()
	bindErr  error
	mountCfg cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "cachefsd --mount.backend-root <dir> --mount.mount-point <dir> --cache.cache-root <dir>",
	Short: "Mount a close-to-open caching view of a slow backing directory",
	Long: `cachefsd exposes a backing directory through a FUSE mount point,
caching attributes, directory listings, and file data locally so that
repeated reads of the same files avoid round-tripping to the backend.`,
	Args: cobra.NoArgs,
	RunE: runMount,
}

func init() {
	if err := cfg.BindFlags(rootCmd.Flags(), v); err != nil {
		bindErr = err
	}
	v.AutomaticEnv()
}

func runMount(cmd *cobra.Command, args []string) error {
	if bindErr != nil {
		return bindErr
	}
	if err := v.Unmarshal(&mountCfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ValidateConfig(&mountCfg); err != nil {
		return err
	}

	logger := cachelog.New(mountCfg.Logging).With(slog.String("mount_id", uuid.NewString()))
	ctx := context.Background()

	metricsReg := cachemetrics.NewNoop()
	if mountCfg.Metrics.Addr != "" {
		promReg := prometheus.NewRegistry()
		metricsReg = cachemetrics.New(promReg)
		go func() {
			if err := cachemetrics.ServeAddr(mountCfg.Metrics.Addr, promReg); err != nil {
				logger.ErrorContext(ctx, "metrics server exited", "err", err)
			}
		}()
	}

	if err := os.MkdirAll(mountCfg.Cache.CacheRoot, os.FileMode(mountCfg.Cache.CacheDirPerm)); err != nil {
		return fmt.Errorf("creating cache root: %w", err)
	}

	backendRoot, err := filepath.Abs(mountCfg.Mount.BackendRoot)
	if err != nil {
		return fmt.Errorf("resolving backend root: %w", err)
	}
	adapter := backend.New(backendRoot)
	root := pathkey.NewBackend(backendRoot)

	clock := timeutil.RealClock{}

	ttls := coherence.TTLs{
		Attr: time.Duration(mountCfg.Cache.MetaTTLSecs) * time.Second,
		Dir:  time.Duration(mountCfg.Cache.DirTTLSecs) * time.Second,
		Neg:  time.Duration(mountCfg.Cache.NegTTLSecs) * time.Second,
	}

	initFn := func(ctx context.Context) (*coherence.Engine, error) {
		if mountCfg.Cache.DisableMetadataCache {
			return nil, errors.New("metadata cache disabled by configuration")
		}

		metaPath := filepath.Join(mountCfg.Cache.CacheRoot, "metadata.db")
		meta, err := metastore.Open(metaPath, clock)
		if err != nil {
			return nil, fmt.Errorf("opening metadata store: %w", err)
		}

		blocksDir := filepath.Join(mountCfg.Cache.CacheRoot, "blocks")
		blocksDB := filepath.Join(mountCfg.Cache.CacheRoot, "blocks.db")
		blocks, err := blockstore.Open(blocksDir, blocksDB, mountCfg.Cache.BlockSizeBytes, mountCfg.Cache.MaxCacheSizeBytes, clock)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("opening block store: %w", err)
		}

		go meta.RunSweepLoop(ctx, 30*time.Second, func(attrsDeleted, dirsDeleted int64, sweepErr error) {
			if sweepErr != nil {
				logger.WarnContext(ctx, "metadata sweep failed", "err", sweepErr)
			}
		})
		go evictionLoop(ctx, blocks, metricsReg, logger)

		return coherence.New(adapter, meta, blocks, ttls, clock, metricsReg, logger, mountCfg.Cache.CacheDebug), nil
	}

	disp := dispatcher.New(root, adapter, initFn, logger)
	fileSystem := fsbridge.New(disp, ttls.Attr, ttls.Dir, logger)

	server := fuseutil.NewFileSystemServer(fileSystem)
	mountCfgFuse := &fuse.MountConfig{
		ReadOnly:    false,
		ErrorLogger: nil,
	}

	mfs, err := fuse.Mount(mountCfg.Mount.MountPoint, server, mountCfgFuse)
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", mountCfg.Mount.MountPoint, err)
	}

	logger.InfoContext(ctx, "mounted", "backend_root", backendRoot, "mount_point", mountCfg.Mount.MountPoint, "cache_root", mountCfg.Cache.CacheRoot)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("serving fuse connection: %w", err)
	}
	return nil
}

func evictionLoop(ctx context.Context, blocks *blockstore.Store, metrics *cachemetrics.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := blocks.EvictUntilUnderBudget(); err != nil {
				logger.WarnContext(ctx, "block eviction pass failed", "err", err)
				continue
			}
			stats, err := blocks.Stat()
			if err != nil {
				logger.WarnContext(ctx, "block store stat failed", "err", err)
				continue
			}
			metrics.SetBlockBytes(stats.TotalBytes)
		}
	}
}

func execute() error {
	return rootCmd.Execute()
}
