// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Info("relay started", zap.String("addr", ":8080"))
	logger.Debug("hidden")
	closeFn()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "relay started", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, ":8080", entry["addr"])
}

func TestNew_ConsoleDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "DEBUG", Output: &buf})
	require.NoError(t, err)

	logger.Debug("fragment", zap.Int("bytes", 7))
	closeFn()

	assert.Contains(t, buf.String(), "fragment")
	assert.Contains(t, buf.String(), "bytes")
}

func TestNew_FileCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mathsolver.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "warn", Output: &buf, File: path})
	require.NoError(t, err)

	logger.Warn("store overwritten externally")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"store overwritten externally"`)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	assert.Error(t, err)

	_, _, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
