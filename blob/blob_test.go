// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(err)
	defer s.Close()

	key, err := NewKey()
	require.NoError(err)
	sealed := Seal(key, PartFile, []byte("file contents"))

	id, err := s.Upload(ctx, sealed)
	require.NoError(err)

	got, err := s.Download(ctx, id)
	require.NoError(err)
	plain, err := Open(key, PartFile, got)
	require.NoError(err)
	require.Equal([]byte("file contents"), plain)

	_, err = Open(key, PartThumbnail, got)
	require.ErrorIs(err, ErrDecrypt)

	require.NoError(s.Remove(id))
	_, err = s.Download(ctx, id)
	require.ErrorIs(err, ErrNotFound)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Upload(cctx, nil)
	require.ErrorIs(err, context.Canceled)
}
