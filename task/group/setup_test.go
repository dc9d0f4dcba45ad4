// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
)

// recorder applies every step directly to the repository and records the
// order of the calls.
type recorder struct {
	repo  *model.MemRepository
	at    time.Time
	calls []string
}

func (r *recorder) Reflect(ctx context.Context) (time.Time, error) {
	r.calls = append(r.calls, "reflect")
	return r.at, nil
}

func (r *recorder) Kick(ctx context.Context, g *model.Group) error {
	r.calls = append(r.calls, "kick")
	return r.repo.SetGroupUserState(g.Key(), protocol.GroupKicked, model.OriginRemote)
}

func (r *recorder) SetMembers(ctx context.Context, g *model.Group, members []model.UID, rejoin bool) error {
	if rejoin {
		r.calls = append(r.calls, "rejoin")
	} else {
		r.calls = append(r.calls, "members")
	}
	state := protocol.GroupMember
	return r.repo.UpdateGroup(g.Key(), &model.GroupUpdate{Members: &members, UserState: &state}, model.OriginRemote)
}

func (r *recorder) AddGroup(ctx context.Context, init model.Group) error {
	r.calls = append(r.calls, "add-group")
	_, err := r.repo.AddGroup(init, model.OriginRemote)
	return err
}

func (r *recorder) HandleMissingMembers(ctx context.Context, missing []protocol.IdentityString) ([]*model.Contact, error) {
	var out []*model.Contact
	for _, id := range missing {
		r.calls = append(r.calls, "contact:"+string(id))
		if id == "INVALID0" {
			continue
		}
		c, err := r.repo.AddContact(model.Contact{
			Identity:          id,
			AcquaintanceLevel: protocol.AcquaintanceGroupOrDeleted,
		}, model.OriginRemote)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func testLogger(t *testing.T) *logging.Logger {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend.GetLogger("group")
}

var testGroup = protocol.GroupKey{Creator: "USER0001", ID: protocol.GroupID(0x1234)}

func newRecorder(t *testing.T) *recorder {
	caches, err := model.NewCaches()
	require.NoError(t, err)
	repo := model.NewMemRepository("MEMEMEME", caches)
	_, err = repo.AddContact(model.Contact{Identity: "USER0001"}, model.OriginLocal)
	require.NoError(t, err)
	return &recorder{repo: repo, at: time.UnixMilli(1700000000000)}
}

func TestGroupSetupLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	l := testLogger(t)
	r := newRecorder(t)
	creator, ok := r.repo.ContactByIdentity("USER0001")
	require.True(ok)

	// Creation: the unknown member is resolved before the group exists.
	err := Apply(ctx, l, r.repo, &Setup{
		Group:   testGroup,
		Members: []protocol.IdentityString{"USER0001", "USER0002", "MEMEMEME"},
	}, r)
	require.NoError(err)
	require.Equal([]string{"contact:USER0002", "reflect", "add-group"}, r.calls)

	u2, ok := r.repo.ContactByIdentity("USER0002")
	require.True(ok)
	require.Equal(protocol.AcquaintanceGroupOrDeleted, u2.AcquaintanceLevel)
	g, ok := r.repo.GroupByIDAndCreator(testGroup.ID, testGroup.Creator)
	require.True(ok)
	require.Equal([]model.UID{creator.UID, u2.UID}, g.Members)
	require.Equal(protocol.GroupMember, g.UserState)
	require.Equal(r.at, g.CreatedAt)

	// Removal of the user: the members stay untouched.
	r.calls = nil
	err = Apply(ctx, l, r.repo, &Setup{Group: testGroup, Members: []protocol.IdentityString{"USER0001"}}, r)
	require.NoError(err)
	require.Equal([]string{"reflect", "kick"}, r.calls)
	g, _ = r.repo.GroupByIDAndCreator(testGroup.ID, testGroup.Creator)
	require.Equal(protocol.GroupKicked, g.UserState)
	require.Equal([]model.UID{creator.UID, u2.UID}, g.Members)

	// A second removal does not kick again.
	r.calls = nil
	require.NoError(Apply(ctx, l, r.repo, &Setup{Group: testGroup}, r))
	require.Equal([]string{"reflect"}, r.calls)

	// Re-inclusion rejoins the group.
	r.calls = nil
	err = Apply(ctx, l, r.repo, &Setup{Group: testGroup, Members: []protocol.IdentityString{"MEMEMEME"}}, r)
	require.NoError(err)
	require.Equal([]string{"reflect", "rejoin"}, r.calls)
	g, _ = r.repo.GroupByIDAndCreator(testGroup.ID, testGroup.Creator)
	require.Equal(protocol.GroupMember, g.UserState)
	require.Equal([]model.UID{creator.UID}, g.Members)

	// A plain member change.
	r.calls = nil
	err = Apply(ctx, l, r.repo, &Setup{Group: testGroup, Members: []protocol.IdentityString{"MEMEMEME", "USER0002"}}, r)
	require.NoError(err)
	require.Equal([]string{"reflect", "members"}, r.calls)
	g, _ = r.repo.GroupByIDAndCreator(testGroup.ID, testGroup.Creator)
	require.Equal([]model.UID{creator.UID, u2.UID}, g.Members)
}

func TestGroupSetupUnknownGroupWithoutUser(t *testing.T) {
	r := newRecorder(t)
	err := Apply(context.Background(), testLogger(t), r.repo, &Setup{
		Group:   testGroup,
		Members: []protocol.IdentityString{"USER0002"},
	}, r)
	require.NoError(t, err)
	require.Empty(t, r.calls)
	require.Empty(t, r.repo.Groups())
	_, ok := r.repo.ContactByIdentity("USER0002")
	require.False(t, ok)
}

func TestGroupSetupDeduplicatesMembers(t *testing.T) {
	require := require.New(t)
	r := newRecorder(t)
	err := Apply(context.Background(), testLogger(t), r.repo, &Setup{
		Group: testGroup,
		Members: []protocol.IdentityString{
			"USER0003", "MEMEMEME", "USER0001", "USER0002", "USER0003", "INVALID0",
		},
	}, r)
	require.NoError(err)
	require.Equal([]string{"contact:INVALID0", "contact:USER0002", "contact:USER0003", "reflect", "add-group"}, r.calls)

	g, ok := r.repo.GroupByIDAndCreator(testGroup.ID, testGroup.Creator)
	require.True(ok)
	require.Len(g.Members, 3)
	creator, _ := r.repo.ContactByIdentity("USER0001")
	require.Equal(creator.UID, g.Members[0])
}

func TestGroupSetupCreatedByUser(t *testing.T) {
	require := require.New(t)
	r := newRecorder(t)
	key := protocol.GroupKey{Creator: "MEMEMEME", ID: protocol.GroupID(1)}
	err := Apply(context.Background(), testLogger(t), r.repo, &Setup{
		Group:   key,
		Members: []protocol.IdentityString{"USER0001", "MEMEMEME"},
	}, r)
	require.NoError(err)
	require.Equal([]string{"reflect", "add-group"}, r.calls)
	g, ok := r.repo.GroupByIDAndCreator(key.ID, key.Creator)
	require.True(ok)
	require.Len(g.Members, 1)
}
