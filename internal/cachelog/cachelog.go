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

// Package cachelog is the structured logger shared by every cache engine
// component. It wraps log/slog with a "severity" attribute (TRACE through
// ERROR) instead of slog's own Level names, and an optional file sink with
// lumberjack-based rotation, following the shape of the teacher's internal
// logging package.
package cachelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akarasulu/cachefs/cfg"
)

// levelTrace sits below slog.LevelDebug so --logging.severity=TRACE can surface
// per-block cache decisions that DEBUG does not.
const levelTrace = slog.Level(-8)

var severityLevels = map[cfg.LogSeverity]slog.Level{
	cfg.TraceLogSeverity:   levelTrace,
	cfg.DebugLogSeverity:   slog.LevelDebug,
	cfg.InfoLogSeverity:    slog.LevelInfo,
	cfg.WarningLogSeverity: slog.LevelWarn,
	cfg.ErrorLogSeverity:   slog.LevelError,
	cfg.OffLogSeverity:     slog.Level(64),
}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// New builds a *slog.Logger from a LoggingConfig: text or JSON output,
// rotated through lumberjack when FilePath is set, filtered to Severity and
// above. Every cache engine component takes a *slog.Logger built this way
// rather than reaching for slog.Default(), so cachefsd can hand each
// component a child logger carrying its own "component" attribute.
func New(lc cfg.LoggingConfig) *slog.Logger {
	var w io.Writer = os.Stderr
	if lc.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   lc.FilePath,
			MaxSize:    lc.LogRotate.MaxFileSizeMb,
			MaxBackups: lc.LogRotate.BackupFileCount,
			Compress:   lc.LogRotate.Compress,
		}
	}

	level, ok := severityLevels[lc.Severity]
	if !ok {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelWithSeverity,
	}

	var handler slog.Handler
	if lc.Format == cfg.JSONLogFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	defaultLogger = logger
	return logger
}

// replaceLevelWithSeverity renders slog's built-in "level" attribute as
// "severity", with our custom TRACE level spelled out instead of printing
// as "DEBUG-8".
func replaceLevelWithSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	a.Key = "severity"
	level := a.Value.Any().(slog.Level)
	if level == levelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Component returns a logger scoped to a single cache engine component
// (e.g. "dispatcher", "blockstore"), matching the conventional slog.With
// idiom rather than a bespoke tagging mechanism.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

func Tracef(ctx context.Context, format string, args ...any) {
	defaultLogger.Log(ctx, levelTrace, fmt.Sprintf(format, args...))
}

func Debugf(ctx context.Context, format string, args ...any) {
	defaultLogger.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	defaultLogger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func Warnf(ctx context.Context, format string, args ...any) {
	defaultLogger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func Errorf(ctx context.Context, format string, args ...any) {
	defaultLogger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}
