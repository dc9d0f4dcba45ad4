// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageIDString(t *testing.T) {
	require.Equal(t, "0102030405060708", MessageID(0x0807060504030201).String())
	require.Equal(t, "3412000000000000", GroupID(0x1234).String())
}

func TestMessageTypeProperties(t *testing.T) {
	require := require.New(t)

	p, ok := PropertiesOf(TypeText)
	require.True(ok)
	require.Equal(ContainerNone, p.Container)
	require.True(p.Reflect.OutgoingSentUpdate)
	require.True(p.DeliveryReceipts)
	require.True(p.Flags.Has(FlagSendPush))

	p, ok = PropertiesOf(TypeGroupSetup)
	require.True(ok)
	require.Equal(ContainerGroupCreator, p.Container)
	require.True(p.ExemptFromBlocking)
	require.False(p.Reflect.OutgoingSentUpdate)

	p, ok = PropertiesOf(TypeGroupLeave)
	require.True(ok)
	require.Equal(ContainerGroupMember, p.Container)

	_, ok = PropertiesOf(CspE2eType(0x33))
	require.False(ok)
	require.Equal("unknown(0x33)", CspE2eType(0x33).String())

	for typ := range typeNames {
		_, ok := PropertiesOf(typ)
		require.True(ok, typ.String())
	}
}

func TestShouldSendGroupMessageToCreator(t *testing.T) {
	require := require.New(t)

	require.True(ShouldSendGroupMessageToCreator("friends", "USER0001", TypeGroupText))
	require.False(ShouldSendGroupMessageToCreator("friends", "*GATEWAY", TypeGroupText))
	require.True(ShouldSendGroupMessageToCreator("☁ support", "*GATEWAY", TypeGroupText))
	require.True(ShouldSendGroupMessageToCreator("friends", "*GATEWAY", TypeGroupLeave))
	require.False(ShouldSendGroupMessageToCreator("☁ support", "*GATEWAY", TypeGroupName))
}

func TestCspMessageFlags(t *testing.T) {
	require := require.New(t)

	f := FromBitmask(0xff)
	require.Equal(uint8(0x77), f.Bitmask())
	require.True(f.Has(FlagDontAck | FlagGroupMessage))
	require.Equal("[push,group]", (FlagSendPush | FlagGroupMessage).String())
	require.False(FromBitmask(0x01).Has(FlagDontAck))
}
