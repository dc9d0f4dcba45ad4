// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestLevelFromString(t *testing.T) {
	require := require.New(t)

	lvl, err := LevelFromString("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = LevelFromString("LOUD")
	require.Error(err)

	_, err = New("", "LOUD", false)
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "engine.log")
	b, err := New(fn, "INFO", false)
	require.NoError(err)

	l := b.GetTaskLogger("out-message", "0102030405060708")
	l.Info("reflected")
	l.Debug("hidden")

	require.NoError(b.Rotate())
	b.GetLogger("task.manager").Notice("after rotate")

	raw, err := os.ReadFile(fn)
	require.NoError(err)
	require.Contains(string(raw), "task.out-message.0102030405060708: reflected")
	require.Contains(string(raw), "task.manager: after rotate")
	require.NotContains(string(raw), "hidden")
}

func TestBackendDisabled(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	w := b.GetLogWriter("badger", "WARNING")
	n, err := w.Write([]byte("discarded\n"))
	require.NoError(t, err)
	require.Equal(t, len("discarded\n"), n)
}
