// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/protocol"
)

func newRepo(t *testing.T) (*MemRepository, *Caches) {
	caches, err := NewCaches()
	require.NoError(t, err)
	return NewMemRepository("MEMEMEME", caches), caches
}

func TestContacts(t *testing.T) {
	require := require.New(t)
	r, _ := newRepo(t)

	_, err := r.AddContact(Contact{Identity: "MEMEMEME"}, OriginLocal)
	require.ErrorIs(err, ErrOwnIdentity)

	c, err := r.AddContact(Contact{Identity: "USER0002", Nickname: "two"}, OriginRemote)
	require.NoError(err)
	require.NotZero(c.UID)
	require.False(c.CreatedAt.IsZero())

	_, err = r.AddContact(Contact{Identity: "USER0002"}, OriginRemote)
	require.ErrorIs(err, ErrExists)

	got, ok := r.ContactByIdentity("USER0002")
	require.True(ok)
	require.Equal("~two", got.DisplayName())
	got.Nickname = "mutated"
	again, _ := r.ContactByUID(c.UID)
	require.Equal("two", again.Nickname)

	muted := protocol.NotifyMuted
	first := "Two"
	require.NoError(r.UpdateContact("USER0002", &ContactUpdate{
		FirstName:          &first,
		NotificationPolicy: d2d.Set(muted),
	}, OriginSync))
	got, _ = r.ContactByIdentity("USER0002")
	require.Equal("Two", got.DisplayName())
	require.Equal(muted, *got.NotificationPolicy)

	require.NoError(r.UpdateContact("USER0002", &ContactUpdate{
		NotificationPolicy: d2d.Reset[protocol.NotificationPolicy](),
	}, OriginSync))
	got, _ = r.ContactByIdentity("USER0002")
	require.Nil(got.NotificationPolicy)
	require.Equal("Two", got.FirstName)

	require.ErrorIs(r.UpdateContact("NOBODY00", &ContactUpdate{}, OriginSync), ErrNotFound)

	muts := r.Mutations()
	require.Len(muts, 3)
	require.Equal(Mutation{Origin: OriginRemote, Op: "add-contact", Target: "USER0002"}, muts[0])
	require.Equal(OriginSync, muts[2].Origin)
}

func TestRemoveContactKeepsGroupMembers(t *testing.T) {
	require := require.New(t)
	r, _ := newRepo(t)

	a, err := r.AddContact(Contact{Identity: "USER0001"}, OriginRemote)
	require.NoError(err)
	b, err := r.AddContact(Contact{Identity: "USER0002"}, OriginRemote)
	require.NoError(err)
	_, err = r.AddGroup(Group{Creator: "USER0001", GroupID: 1, Members: []UID{a.UID}}, OriginRemote)
	require.NoError(err)

	require.NoError(r.RemoveContact("USER0001", OriginLocal))
	c, ok := r.ContactByIdentity("USER0001")
	require.True(ok)
	require.Equal(protocol.AcquaintanceGroupOrDeleted, c.AcquaintanceLevel)

	require.NoError(r.RemoveContact("USER0002", OriginLocal))
	_, ok = r.ContactByUID(b.UID)
	require.False(ok)
}

func TestGroups(t *testing.T) {
	require := require.New(t)
	r, caches := newRepo(t)

	creator, err := r.AddContact(Contact{Identity: "USER0001"}, OriginRemote)
	require.NoError(err)
	member, err := r.AddContact(Contact{Identity: "USER0002"}, OriginRemote)
	require.NoError(err)

	_, err = r.AddGroup(Group{Creator: "USER0001", GroupID: 0x1234, Members: []UID{99}}, OriginRemote)
	require.ErrorIs(err, ErrNotFound)

	g, err := r.AddGroup(Group{
		Creator:   "USER0001",
		GroupID:   0x1234,
		UserState: protocol.GroupMember,
		Members:   []UID{creator.UID, member.UID},
	}, OriginRemote)
	require.NoError(err)
	key := g.Key()

	_, err = r.AddGroup(Group{Creator: "USER0001", GroupID: 0x1234}, OriginRemote)
	require.ErrorIs(err, ErrExists)

	got, ok := r.GroupByIDAndCreator(0x1234, "USER0001")
	require.True(ok)
	require.True(got.HasMember(member.UID))

	require.NoError(r.SetGroupUserState(key, protocol.GroupKicked, OriginRemote))
	require.NoError(r.RemoveGroupMember(key, member.UID, OriginRemote))
	require.NoError(r.SetGroupName(key, "renamed", OriginRemote))

	got, _ = r.GroupByUID(g.UID)
	require.Equal(protocol.GroupKicked, got.UserState)
	require.Equal([]UID{creator.UID}, got.Members)
	require.Equal("renamed", got.Name)

	var kinds []StatusKind
	for _, s := range caches.Status.Get(key) {
		kinds = append(kinds, s.Kind)
	}
	require.Equal([]StatusKind{StatusGroupCreated, StatusUserStateChanged, StatusMemberLeft, StatusGroupRenamed}, kinds)

	require.NoError(caches.Reset())
	require.Empty(caches.Status.Get(key))

	require.NoError(r.RemoveGroup(key, OriginLocal))
	_, ok = r.GroupByUID(g.UID)
	require.False(ok)
}

func TestMessages(t *testing.T) {
	require := require.New(t)
	r, _ := newRepo(t)

	c, err := r.AddContact(Contact{Identity: "USER0002"}, OriginRemote)
	require.NoError(err)
	recv := ContactReceiver(c.UID)

	_, err = r.AddMessage(ContactReceiver(4242), Message{ID: 1}, OriginLocal)
	require.ErrorIs(err, ErrNotFound)

	m, err := r.AddMessage(recv, Message{ID: 1, Direction: Inbound, Kind: KindText, Text: "hi", Sender: c.UID}, OriginRemote)
	require.NoError(err)
	require.NotZero(m.Conversation)
	require.True(r.HasMessage(recv, 1))

	_, err = r.AddMessage(recv, Message{ID: 1, Kind: KindText}, OriginRemote)
	require.ErrorIs(err, ErrExists)

	_, err = r.AddMessage(recv, Message{ID: 2, Kind: KindDeleted, Text: "x"}, OriginRemote)
	require.ErrorIs(err, ErrDeletedMessage)

	conv, err := r.Conversation(recv)
	require.NoError(err)
	require.Equal(1, conv.Unread)

	at := time.Unix(1700000000, 0)
	require.NoError(r.MarkRead(recv, 1, at, OriginLocal))
	require.NoError(r.MarkRead(recv, 1, at.Add(time.Hour), OriginLocal))
	conv, _ = r.Conversation(recv)
	require.Zero(conv.Unread)
	got, _ := r.Message(recv, 1)
	require.True(got.ReadAt.Equal(at))

	changed, err := r.AddReaction(recv, 1, Reaction{Sender: "USER0002", Type: ReactionAcknowledge, At: at}, OriginRemote)
	require.NoError(err)
	require.True(changed)
	changed, err = r.AddReaction(recv, 1, Reaction{Sender: "USER0002", Type: ReactionAcknowledge, At: at}, OriginRemote)
	require.NoError(err)
	require.False(changed)
	changed, err = r.AddReaction(recv, 1, Reaction{Sender: "USER0002", Type: ReactionDecline, At: at}, OriginRemote)
	require.NoError(err)
	require.True(changed)
	got, _ = r.Message(recv, 1)
	require.Len(got.Reactions, 1)
	require.Equal(ReactionDecline, got.Reactions[0].Type)

	require.NoError(r.DeleteMessage(recv, 1, at, OriginLocal))
	got, _ = r.Message(recv, 1)
	require.Equal(KindDeleted, got.Kind)
	require.Empty(got.Text)
	require.Empty(got.Reactions)
	_, err = r.AddReaction(recv, 1, Reaction{Sender: "USER0002"}, OriginRemote)
	require.ErrorIs(err, ErrDeletedMessage)

	require.ErrorIs(r.MarkSent(recv, 77, at, OriginLocal), ErrNotFound)
}

func TestMutationHook(t *testing.T) {
	r, _ := newRepo(t)
	var seen []Mutation
	r.SetMutationHook(func(m Mutation) {
		// The hook runs unlocked and may read the repository.
		_ = r.Snapshot()
		seen = append(seen, m)
	})
	_, err := r.AddContact(Contact{Identity: "USER0002"}, OriginLocal)
	require.NoError(t, err)
	require.Error(t, r.RemoveContact("NOBODY00", OriginLocal))
	require.Len(t, seen, 1)
}

func TestSeenMessages(t *testing.T) {
	require := require.New(t)
	caches, err := NewCaches()
	require.NoError(err)

	require.False(caches.Seen.TestAndSet("USER0002", 1))
	require.True(caches.Seen.TestAndSet("USER0002", 1))
	require.True(caches.Seen.Test("USER0002", 1))

	require.False(caches.Seen.Cold())

	require.NoError(caches.Reset())
	require.True(caches.Seen.Cold())
	require.True(caches.Seen.Test("USER0002", 2))
}

func TestSeenMessagesFollowRepository(t *testing.T) {
	require := require.New(t)
	r, caches := newRepo(t)

	c, err := r.AddContact(Contact{Identity: "USER0002"}, OriginRemote)
	require.NoError(err)
	recv := ContactReceiver(c.UID)
	_, err = r.AddMessage(recv, Message{ID: 5, Direction: Inbound, Kind: KindText, Text: "hi", Sender: c.UID}, OriginSync)
	require.NoError(err)
	_, err = r.AddMessage(recv, Message{ID: 6, Direction: Outbound, Kind: KindText, Text: "yo"}, OriginLocal)
	require.NoError(err)
	require.True(caches.Seen.Test("USER0002", 5))

	require.NoError(caches.Reset())
	require.True(caches.Seen.Test("USER0002", 5))
	require.NoError(r.RebuildSeen())
	require.False(caches.Seen.Cold())
	require.True(caches.Seen.Test("USER0002", 5))

	restoredCaches, err := NewCaches()
	require.NoError(err)
	restored := NewMemRepository("MEMEMEME", restoredCaches)
	require.NoError(restored.LoadState(r.Snapshot()))
	require.False(restoredCaches.Seen.Cold())
	require.True(restoredCaches.Seen.Test("USER0002", 5))
}

func TestVolatileProtocolState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewVolatileProtocolState(func() time.Time { return now })
	key := protocol.GroupKey{Creator: "MEMEMEME", ID: 7}

	require.True(t, s.ShouldAnswerGroupSyncRequest(key, "USER0002"))
	require.False(t, s.ShouldAnswerGroupSyncRequest(key, "USER0002"))
	require.True(t, s.ShouldAnswerGroupSyncRequest(key, "USER0003"))

	now = now.Add(GroupSyncRequestInterval)
	require.True(t, s.ShouldAnswerGroupSyncRequest(key, "USER0002"))
}

func TestStateFile(t *testing.T) {
	require := require.New(t)
	r, _ := newRepo(t)

	c, err := r.AddContact(Contact{Identity: "USER0002", FirstName: "Two"}, OriginLocal)
	require.NoError(err)
	_, err = r.AddGroup(Group{Creator: "MEMEMEME", GroupID: 5, Name: "g", Members: []UID{c.UID}}, OriginLocal)
	require.NoError(err)
	_, err = r.AddMessage(ContactReceiver(c.UID), Message{ID: 9, Direction: Outbound, Kind: KindText, Text: "hello"}, OriginLocal)
	require.NoError(err)

	fn := filepath.Join(t.TempDir(), "state")
	log := logging.MustGetLogger("statefile-test")
	w := NewStateWriter(log, fn, []byte("passphrase"))
	require.NoError(w.Write(r.Snapshot()))

	_, _, err = LoadStateWriter(log, fn, []byte("wrong"))
	require.ErrorIs(err, ErrDecryptState)

	w2, state, err := LoadStateWriter(log, fn, []byte("passphrase"))
	require.NoError(err)
	require.NotNil(w2)

	restored, _ := newRepo(t)
	require.NoError(restored.LoadState(state))

	got, ok := restored.ContactByIdentity("USER0002")
	require.True(ok)
	require.Equal(c.UID, got.UID)
	require.Equal("Two", got.FirstName)
	require.True(c.CreatedAt.Equal(got.CreatedAt))

	g, ok := restored.GroupByIDAndCreator(5, "MEMEMEME")
	require.True(ok)
	require.Equal([]UID{c.UID}, g.Members)

	m, ok := restored.Message(ContactReceiver(c.UID), 9)
	require.True(ok)
	require.Equal("hello", m.Text)

	d, err := restored.AddContact(Contact{Identity: "USER0003"}, OriginLocal)
	require.NoError(err)
	require.Greater(d.UID, m.UID)

	other := NewMemRepository("USER0009", nil)
	require.Error(other.LoadState(state))
}
