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

package cachelog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarasulu/cachefs/cfg"
)

func TestNewTextHandlerRenamesLevelToSeverity(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceLevelWithSeverity})
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "hello")

	out := buf.String()
	assert.Contains(t, out, "severity=INFO")
	assert.NotContains(t, out, "level=INFO")
}

func TestReplaceLevelWithSeveritySpellsOutTrace(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(levelTrace)}
	got := replaceLevelWithSeverity(nil, a)
	assert.Equal(t, "severity", got.Key)
	assert.Equal(t, "TRACE", got.Value.String())
}

func TestNewBuildsJSONHandlerWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	lc := cfg.LoggingConfig{
		Severity: cfg.DebugLogSeverity,
		Format:   cfg.JSONLogFormat,
		FilePath: filepath.Join(dir, "cachefs.log"),
	}
	logger := New(lc)
	require.NotNil(t, logger)

	logger.DebugContext(context.Background(), "debug message", slog.String("component", "test"))

	data, err := os.ReadFile(lc.FilePath)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &decoded))
	assert.Equal(t, "debug message", decoded["msg"])
	assert.Equal(t, "DEBUG", decoded["severity"])
}

func TestSeverityFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	level, ok := severityLevels[cfg.WarningLogSeverity]
	require.True(t, ok)
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelWithSeverity})
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "should be dropped")
	logger.WarnContext(context.Background(), "should appear")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "should appear")
}

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	base := slog.New(handler)

	scoped := Component(base, "blockstore")
	scoped.InfoContext(context.Background(), "evicted block")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "blockstore", decoded["component"])
}

func TestPackageLevelHelpersFormatMessages(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace, ReplaceAttr: replaceLevelWithSeverity}))

	Tracef(context.Background(), "trace %d", 1)
	Infof(context.Background(), "info %s", "x")
	Warnf(context.Background(), "warn %v", true)
	Errorf(context.Background(), "err %d", 2)

	out := buf.String()
	for _, want := range []string{"trace 1", "info x", "warn true", "err 2"} {
		assert.True(t, strings.Contains(out, want), "expected output to contain %q, got: %s", want, out)
	}
}
