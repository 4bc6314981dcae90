// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendLevels(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewWithWriter(&buf, "NOTICE")
	require.NoError(t, err)

	l := b.GetLogger("log_test")
	l.Debug("hidden")
	l.Notice("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "log_test: shown")

	g := b.GetGoLogger("go_log", "warning")
	g.Printf("from the runtime logger")
	require.Contains(t, buf.String(), "WARN go_log: from the runtime logger")
}

func TestBackendFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "mixlink.log")
	b, err := New(f, "debug", false)
	require.NoError(t, err)
	b.GetLogger("file").Info("written")
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(t, err)
	require.Contains(t, string(raw), "file: written")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)
	require.Error(t, ValidateLevel("verbose"))
	require.NoError(t, ValidateLevel("info"))
}
