// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/tasktest"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/wire"
)

// pair is two devices of the same user sharing a device group key.
type pair struct {
	user   *tasktest.Identity
	leader *tasktest.Env
	other  *tasktest.Env
	h      *tasktest.Handle
	oh     *tasktest.Handle
	nextID uint32
}

func newPair(t *testing.T) *pair {
	user := tasktest.NewIdentity(t, "MEMEMEME")
	var dgk [protocol.KeyLength]byte
	_, err := io.ReadFull(rand.Reader, dgk[:])
	require.NoError(t, err)
	leader := tasktest.NewEnv(t, user, &dgk)
	return &pair{
		user:   user,
		leader: leader,
		other:  tasktest.NewEnv(t, user, &dgk),
		h:      tasktest.NewHandle(time.UnixMilli(1700000001000)),
		oh:     tasktest.NewHandle(time.UnixMilli(1700000001000)),
	}
}

// seal encrypts the envelopes reflected by the leader so far as the
// mediator would deliver them to the other device.
func (p *pair) seal(t *testing.T) []*transport.Reflected {
	var out []*transport.Reflected
	ts := time.UnixMilli(1700000001000)
	for _, e := range p.h.Reflected {
		data, err := envelope.Seal(e, p.leader.Services.Device.Keys.Reflect, p.leader.Services.Nonces)
		require.NoError(t, err)
		p.nextID++
		out = append(out, &transport.Reflected{
			ReflectID: p.nextID,
			Timestamp: uint64(ts.UnixMilli()),
			Envelope:  data,
		})
		ts = ts.Add(time.Millisecond)
	}
	p.h.Reflected = nil
	return out
}

// deliver runs the reflected task on the other device for each message.
func (p *pair) deliver(t *testing.T, msgs ...*transport.Reflected) {
	for _, m := range msgs {
		require.NoError(t, NewReflectedTask(p.other.Services, m).Run(context.Background(), p.oh))
	}
}

func (p *pair) reflect(t *testing.T, contents ...envelope.Content) {
	envs := make([]*envelope.Envelope, 0, len(contents))
	for _, c := range contents {
		envs = append(envs, envelope.NewEnvelope(p.leader.Services.Device.DeviceID, c))
	}
	_, err := p.h.Reflect(context.Background(), envs)
	require.NoError(t, err)
}

func reflectedAcks(h *tasktest.Handle) []uint32 {
	var out []uint32
	for _, m := range h.Written {
		if a, ok := m.(*transport.ReflectedAck); ok {
			out = append(out, a.ReflectID)
		}
	}
	return out
}

func TestContactSyncTransaction(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	bob := tasktest.NewIdentity(t, "BOBBOB01")
	c := bob.Contact()
	c.Nickname = "bob"

	result, err := NewContactCreateTransaction(p.leader.Services, &c).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionComplete, result)
	require.Equal([]protocol.TransactionScope{protocol.ScopeContactSync}, p.h.Transactions)
	require.Len(p.h.Reflected, 1)
	require.NotNil(p.h.Reflected[0].ContactSync)

	// Reflecting does not touch the local state of the leader.
	_, ok := p.leader.Repo.ContactByIdentity(bob.Identity)
	require.False(ok)

	msgs := p.seal(t)
	p.deliver(t, msgs...)
	got, ok := p.other.Repo.ContactByIdentity(bob.Identity)
	require.True(ok)
	require.Equal("bob", got.Nickname)
	require.Equal(bob.PublicKey, got.PublicKey)
	require.Equal([]uint32{msgs[0].ReflectID}, reflectedAcks(p.oh))

	// A repeated create overwrites the synced contact.
	_, err = p.leader.Repo.AddContact(c, model.OriginLocal)
	require.NoError(err)
	name := "bobby"
	_, err = NewContactUpdateTransaction(p.leader.Services, bob.Identity, &model.ContactUpdate{Nickname: &name}).Execute(context.Background(), p.h)
	require.NoError(err)
	p.deliver(t, p.seal(t)...)
	got, _ = p.other.Repo.ContactByIdentity(bob.Identity)
	require.Equal("bobby", got.Nickname)

	result, err = NewContactDeleteTransaction(p.leader.Services, bob.Identity).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionComplete, result)
	p.deliver(t, p.seal(t)...)
	_, ok = p.other.Repo.ContactByIdentity(bob.Identity)
	require.False(ok)
}

func TestContactSyncTransactionAborts(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	bob := tasktest.NewIdentity(t, "BOBBOB01")
	p.leader.AddContact(t, bob)

	c := bob.Contact()
	result, err := NewContactCreateTransaction(p.leader.Services, &c).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionAborted, result)
	require.Empty(p.h.Reflected)

	// Rejected attempts are retried while the precondition holds.
	p.h.RejectTransactions = 2
	name := "b"
	result, err = NewContactUpdateTransaction(p.leader.Services, bob.Identity, &model.ContactUpdate{Nickname: &name}).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionComplete, result)
	require.Len(p.h.Reflected, 1)
}

func TestReflectContactSyncOutsideTransaction(t *testing.T) {
	p := newPair(t)
	require.Panics(t, func() {
		NewReflectContactSyncTask(p.leader.Services, nil, ContactSyncDelete("BOBBOB01"))
	})
	require.Panics(t, func() {
		p.h.Transaction(context.Background(), protocol.ScopeGroupSync, func() bool { return true }, func(ctx context.Context, tr *task.TransactionRunning) error {
			NewReflectContactSyncTask(p.leader.Services, tr, ContactSyncDelete("BOBBOB01"))
			return nil
		})
	})
	require.Panics(t, func() {
		p.h.Reflect(context.Background(), []*envelope.Envelope{envelope.NewEnvelope(1, ContactSyncDelete("BOBBOB01"))})
	})
	require.Empty(t, p.h.Reflected)
}

func TestGroupSyncTransaction(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	bob := tasktest.NewIdentity(t, "BOBBOB01")
	for _, env := range []*tasktest.Env{p.leader, p.other} {
		env.AddContact(t, bob)
	}
	bc, _ := p.leader.Repo.ContactByIdentity(bob.Identity)
	g, err := p.leader.Repo.AddGroup(model.Group{
		Creator:   p.user.Identity,
		GroupID:   protocol.GroupID(7),
		Name:      "friends",
		UserState: protocol.GroupMember,
		Members:   []model.UID{bc.UID},
	}, model.OriginLocal)
	require.NoError(err)

	sync, err := GroupSyncCreate(p.leader.Repo, g)
	require.NoError(err)
	require.Equal([]protocol.IdentityString{bob.Identity}, sync.Create.MemberIdentities)
	p.reflect(t, sync)
	p.deliver(t, p.seal(t)...)

	got, ok := p.other.Repo.GroupByIDAndCreator(g.GroupID, g.Creator)
	require.True(ok)
	require.Equal("friends", got.Name)
	require.Len(got.Members, 1)

	name := "family"
	tsk, err := NewGroupUpdateTransaction(p.leader.Services, g.Key(), &model.GroupUpdate{Name: &name})
	require.NoError(err)
	result, err := tsk.Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionComplete, result)
	p.deliver(t, p.seal(t)...)
	got, _ = p.other.Repo.GroupByIDAndCreator(g.GroupID, g.Creator)
	require.Equal("family", got.Name)

	result, err = NewGroupDeleteTransaction(p.leader.Services, g.Key()).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionComplete, result)
	p.deliver(t, p.seal(t)...)
	_, ok = p.other.Repo.GroupByIDAndCreator(g.GroupID, g.Creator)
	require.False(ok)

	// Deleting an unknown group is not an error.
	result, err = NewGroupDeleteTransaction(p.leader.Services, protocol.GroupKey{Creator: "NOBODY00", ID: 1}).Execute(context.Background(), p.h)
	require.NoError(err)
	require.Equal(task.TransactionAborted, result)
}

func TestReflectedOutgoingMessage(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	bob := tasktest.NewIdentity(t, "BOBBOB01")
	p.leader.AddContact(t, bob)
	p.other.AddContact(t, bob)

	conv := envelope.ContactConversation(bob.Identity)
	created := time.UnixMilli(1700000000500)
	p.reflect(t, &envelope.OutgoingMessage{
		Conversation: conv,
		MessageID:    protocol.MessageID(0x42),
		CreatedAt:    uint64(created.UnixMilli()),
		Type:         protocol.TypeText,
		Body:         []byte("hello"),
	})
	_, err := NewReflectOutgoingMessageUpdateTask(p.leader.Services, MessageRef{Conversation: conv, MessageID: 0x42}).Run(context.Background(), p.h)
	require.NoError(err)
	msgs := p.seal(t)
	require.Len(msgs, 2)
	p.deliver(t, msgs...)

	bc, _ := p.other.Repo.ContactByIdentity(bob.Identity)
	m, ok := p.other.Repo.Message(model.ContactReceiver(bc.UID), 0x42)
	require.True(ok)
	require.Equal(model.Outbound, m.Direction)
	require.Equal("hello", m.Text)
	require.Equal(created, m.CreatedAt)
	require.Equal(time.UnixMilli(int64(msgs[1].Timestamp)), m.SentAt)
	require.Len(reflectedAcks(p.oh), 2)
}

func TestReflectedIncomingMessage(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	bob := tasktest.NewIdentity(t, "BOBBOB01")
	p.other.AddContact(t, bob)

	p.reflect(t, &envelope.IncomingMessage{
		SenderIdentity: bob.Identity,
		MessageID:      protocol.MessageID(0x77),
		CreatedAt:      1700000000000,
		Type:           protocol.TypeText,
		Body:           []byte("hi"),
	})
	msgs := p.seal(t)

	// Replays are acknowledged but not processed.
	p.deliver(t, msgs[0], msgs[0])
	require.Equal([]uint32{msgs[0].ReflectID, msgs[0].ReflectID}, reflectedAcks(p.oh))

	bc, _ := p.other.Repo.ContactByIdentity(bob.Identity)
	r := model.ContactReceiver(bc.UID)
	m, ok := p.other.Repo.Message(r, 0x77)
	require.True(ok)
	require.Equal(model.Inbound, m.Direction)
	require.Equal(bc.UID, m.Sender)
	require.Equal(time.UnixMilli(int64(msgs[0].Timestamp)), m.ReceivedAt)
	require.Len(p.other.Repo.Messages(r), 1)

	readAt := time.UnixMilli(1700000005000)
	_, err := NewReflectIncomingMessageUpdateTask(p.leader.Services, []MessageRef{{
		Conversation: envelope.ContactConversation(bob.Identity),
		MessageID:    0x77,
	}}, readAt).Run(context.Background(), p.h)
	require.NoError(err)
	p.deliver(t, p.seal(t)...)
	m, _ = p.other.Repo.Message(r, 0x77)
	require.Equal(readAt, m.ReadAt)
}

func TestReflectedFromUnknownContactIsDiscarded(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	p.reflect(t, &envelope.IncomingMessage{
		SenderIdentity: "STRANGER",
		MessageID:      1,
		Type:           protocol.TypeText,
		Body:           []byte("hi"),
	})
	msgs := p.seal(t)
	p.deliver(t, msgs...)
	require.Equal([]uint32{msgs[0].ReflectID}, reflectedAcks(p.oh))
	require.Empty(p.other.Repo.Contacts())

	// Garbage is acknowledged as well.
	p.deliver(t, &transport.Reflected{ReflectID: 99, Envelope: []byte("not an envelope")})
	require.Equal([]uint32{msgs[0].ReflectID, 99}, reflectedAcks(p.oh))
}

func groupSetupBody(id protocol.GroupID, members ...protocol.IdentityString) []byte {
	return wire.Marshal(&wire.GroupCreatorContainer{
		GroupID:   id,
		InnerData: &wire.GroupSetup{Members: members},
	})
}

func TestReflectedIncomingGroupSetup(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	creator := tasktest.NewIdentity(t, "CREATOR1")
	member := tasktest.NewIdentity(t, "MEMBER01")
	stranger := tasktest.NewIdentity(t, "STRANGER")
	p.other.AddContact(t, creator)
	p.other.AddContact(t, member)

	setup := func(id protocol.MessageID, members ...protocol.IdentityString) {
		p.reflect(t, &envelope.IncomingMessage{
			SenderIdentity: creator.Identity,
			MessageID:      id,
			CreatedAt:      1700000000000,
			Type:           protocol.TypeGroupSetup,
			Body:           groupSetupBody(0x99, members...),
		})
		p.deliver(t, p.seal(t)...)
	}

	// Members unknown to the directory are skipped.
	setup(1, p.user.Identity, member.Identity, "REVOKED1")
	g, ok := p.other.Repo.GroupByIDAndCreator(0x99, creator.Identity)
	require.True(ok)
	require.Equal(protocol.GroupMember, g.UserState)
	require.Len(g.Members, 2)

	// A valid member without a synced contact is inconsistent state and
	// the setup is discarded.
	p.other.Directory.Add(stranger.Entry())
	setup(2, p.user.Identity, member.Identity, stranger.Identity)
	g, _ = p.other.Repo.GroupByIDAndCreator(0x99, creator.Identity)
	require.Len(g.Members, 2)

	setup(3, member.Identity)
	g, _ = p.other.Repo.GroupByIDAndCreator(0x99, creator.Identity)
	require.Equal(protocol.GroupKicked, g.UserState)
	require.Len(reflectedAcks(p.oh), 3)
}

func TestIncomingMessageUpdateChunks(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	conv := envelope.ContactConversation("BOBBOB01")
	refs := make([]MessageRef, 1100)
	for i := range refs {
		refs[i] = MessageRef{Conversation: conv, MessageID: protocol.MessageID(i + 1)}
	}
	readAt := time.UnixMilli(1700000002000)
	tsk := NewReflectIncomingMessageUpdateTask(p.leader.Services, refs, readAt)
	require.True(tsk.Persist())

	rec, err := tsk.Record()
	require.NoError(err)
	require.Equal(IncomingMessageUpdateKind, rec.Kind)
	revived, err := IncomingMessageUpdateFactory(p.leader.Services)(rec.Data)
	require.NoError(err)

	_, err = revived.Run(context.Background(), p.h)
	require.NoError(err)
	require.Len(p.h.Reflected, 3)
	var sizes []int
	for _, e := range p.h.Reflected {
		require.NotNil(e.IncomingMessageUpdate)
		sizes = append(sizes, len(e.IncomingMessageUpdate.Updates))
		for _, u := range e.IncomingMessageUpdate.Updates {
			require.Equal(uint64(readAt.UnixMilli()), u.ReadAt)
		}
	}
	require.Equal([]int{512, 512, 76}, sizes)
}
