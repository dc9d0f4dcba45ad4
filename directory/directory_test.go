// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/multidevice/protocol"
)

func TestStatic(t *testing.T) {
	require := require.New(t)

	s := NewStatic(&Entry{Identity: "USER0001", FeatureMask: 0x0f})
	s.Add(&Entry{Identity: "*GATEWAY", Type: protocol.IdentityWork})

	m, err := s.Identities(context.Background(), []protocol.IdentityString{"USER0001", "*GATEWAY", "NOBODY00"})
	require.NoError(err)
	require.Len(m, 2)
	require.Equal(uint64(0x0f), m["USER0001"].FeatureMask)

	_, err = Identity(context.Background(), s, "NOBODY00")
	require.ErrorIs(err, ErrUnknownIdentity)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Identities(ctx, nil)
	require.ErrorIs(err, context.Canceled)
}
