// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/protocol"
)

func newBoxes(t *testing.T) (*cryptobox.Box, *cryptobox.NonceService, *cryptobox.NonceService) {
	var dgk [32]byte
	dgk[0] = 0x42
	keys := cryptobox.DeriveDeviceGroupKeys(&dgk)
	log := logging.MustGetLogger("d2d-test")
	return keys.Reflect,
		cryptobox.NewNonceService(cryptobox.NewMemNonceStore(), "MEMEMEME", log),
		cryptobox.NewNonceService(cryptobox.NewMemNonceStore(), "MEMEMEME", log)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	b, sender, receiver := newBoxes(t)

	env := NewEnvelope(1, &OutgoingMessage{
		Conversation: ContactConversation("USER0002"),
		MessageID:    0x0102,
		CreatedAt:    1700000000000,
		Type:         protocol.TypeText,
		Body:         []byte("hello"),
		Nonces:       []protocol.Nonce{{1}},
	})
	require.Equal("outgoing-message", env.Kind())

	sealed, err := Seal(env, b, sender)
	require.NoError(err)

	opened, guard, err := Open(sealed, b, receiver)
	require.NoError(err)
	require.NoError(guard.Commit())
	require.Equal(env, opened)

	_, _, err = Open(sealed, b, receiver)
	require.ErrorIs(err, cryptobox.ErrNonceReused)
}

func TestEnvelopeContent(t *testing.T) {
	require := require.New(t)

	_, err := (&Envelope{}).Content()
	require.ErrorIs(err, ErrEmptyEnvelope)

	both := &Envelope{ContactSync: &ContactSync{}, GroupSync: &GroupSync{}}
	_, err = both.Content()
	require.Error(err)
	require.Equal("invalid", both.Kind())

	del := protocol.IdentityString("USER0002")
	env := NewEnvelope(1, &ContactSync{Delete: &del})
	require.Equal("contact-sync.delete", env.Kind())
	c, err := env.Content()
	require.NoError(err)
	require.Equal(&del, c.(*ContactSync).Delete)

	require.Panics(func() { NewEnvelope(1, nil) })
}

func TestOptionalSemantics(t *testing.T) {
	require := require.New(t)

	muted := protocol.NotifyMuted
	for _, tc := range []struct {
		name   string
		policy *Optional[protocol.NotificationPolicy]
	}{
		{"unchanged", nil},
		{"reset", Reset[protocol.NotificationPolicy]()},
		{"set", Set(muted)},
	} {
		u := &SyncContactUpdate{Identity: "USER0002", NotificationPolicy: tc.policy}
		raw, err := cbor.Marshal(u)
		require.NoError(err)

		var dec SyncContactUpdate
		require.NoError(cbor.Unmarshal(raw, &dec))
		switch tc.name {
		case "unchanged":
			require.Nil(dec.NotificationPolicy)
		case "reset":
			require.NotNil(dec.NotificationPolicy)
			require.Nil(dec.NotificationPolicy.Value)
		case "set":
			require.NotNil(dec.NotificationPolicy)
			require.Equal(muted, *dec.NotificationPolicy.Value)
		}
	}

	empty := ""
	u := &SyncContactUpdate{Identity: "USER0002", Nickname: &empty}
	raw, err := cbor.Marshal(u)
	require.NoError(err)
	var dec SyncContactUpdate
	require.NoError(cbor.Unmarshal(raw, &dec))
	require.NotNil(dec.Nickname)
	require.Equal("", *dec.Nickname)
	require.Nil(dec.FirstName)

	g := &SyncGroupUpdate{MemberIdentities: &MemberIdentities{}}
	raw, err = cbor.Marshal(g)
	require.NoError(err)
	var gdec SyncGroupUpdate
	require.NoError(cbor.Unmarshal(raw, &gdec))
	require.NotNil(gdec.MemberIdentities)
	require.Empty(gdec.MemberIdentities.Identities)
}
