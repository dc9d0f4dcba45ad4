// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/group"
	"github.com/katzenpost/multidevice/validate"
	"github.com/katzenpost/multidevice/wire"
)

// send runs an OutgoingCspMessageTask for a new message of type typ.
func send(ctx context.Context, h task.ActiveHandle, s *task.Services, receiver model.Receiver, typ protocol.CspE2eType, body wire.Encodable, noReflect bool) error {
	id, err := NewMessageID()
	if err != nil {
		return err
	}
	_, err = NewOutgoingCspMessageTask(s, receiver, &MessageProperties{
		Type:      typ,
		Body:      body,
		MessageID: id,
		CreatedAt: s.Clock(),
		NoReflect: noReflect,
	}).Run(ctx, h)
	return err
}

func sendGroupSyncRequest(ctx context.Context, h task.ActiveHandle, s *task.Services, key protocol.GroupKey, creator *model.Contact) error {
	return send(ctx, h, s, model.ContactReceiver(creator.UID), protocol.TypeGroupSyncRequest, &wire.GroupCreatorContainer{
		GroupID:   key.ID,
		InnerData: wire.Bytes(nil),
	}, false)
}

func sendGroupSetup(ctx context.Context, h task.ActiveHandle, s *task.Services, gid protocol.GroupID, receiver model.Receiver, members []protocol.IdentityString, noReflect bool) error {
	return send(ctx, h, s, receiver, protocol.TypeGroupSetup, &wire.GroupCreatorContainer{
		GroupID:   gid,
		InnerData: &wire.GroupSetup{Members: members},
	}, noReflect)
}

// sendEmptyGroupSetup tells receiver it is no longer a member of the
// group gid.  It is not reflected.
func sendEmptyGroupSetup(ctx context.Context, h task.ActiveHandle, s *task.Services, gid protocol.GroupID, receiver *model.Contact) error {
	return sendGroupSetup(ctx, h, s, gid, model.ContactReceiver(receiver.UID), nil, true)
}

func sendGroupName(ctx context.Context, h task.ActiveHandle, s *task.Services, gid protocol.GroupID, receiver model.Receiver, name string) error {
	return send(ctx, h, s, receiver, protocol.TypeGroupName, &wire.GroupCreatorContainer{
		GroupID:   gid,
		InnerData: &wire.GroupName{Name: []byte(name)},
	}, false)
}

func sendGroupLeave(ctx context.Context, h task.ActiveHandle, s *task.Services, key protocol.GroupKey, receiver model.Receiver) error {
	return send(ctx, h, s, receiver, protocol.TypeGroupLeave, &wire.GroupMemberContainer{
		CreatorIdentity: key.Creator,
		GroupID:         key.ID,
		InnerData:       wire.Bytes(nil),
	}, false)
}

// commonGroupReceiveSteps runs the checks shared by every group message
// received from a member.  A nil group means the message must be
// discarded.
func commonGroupReceiveSteps(ctx context.Context, h task.ActiveHandle, s *task.Services, log *logging.Logger, ref validate.GroupRef, sender protocol.IdentityString) (*model.Group, *model.Contact, error) {
	repo := s.Model
	user := repo.User()
	isCreator := ref.Creator == user

	g, ok := repo.GroupByIDAndCreator(ref.GroupID, ref.Creator)
	if !ok {
		if isCreator {
			log.Infof("Discarding message for unknown group %s created by the user", ref.Key())
			return nil, nil, nil
		}
		creator, err := ensureContact(ctx, h, s, ref.Creator)
		if err != nil || creator == nil {
			return nil, nil, err
		}
		log.Infof("Requesting sync of unknown group %s", ref.Key())
		return nil, nil, sendGroupSyncRequest(ctx, h, s, ref.Key(), creator)
	}

	c, err := ensureContact(ctx, h, s, sender)
	if err != nil || c == nil {
		return nil, nil, err
	}

	if g.UserState != protocol.GroupMember {
		if isCreator {
			log.Infof("Group %s was disbanded, telling %s", ref.Key(), sender)
			return nil, nil, sendEmptyGroupSetup(ctx, h, s, ref.GroupID, c)
		}
		log.Infof("User is %s in group %s, telling %s", g.UserState, ref.Key(), sender)
		return nil, nil, sendGroupLeave(ctx, h, s, ref.Key(), model.ContactReceiver(c.UID))
	}

	if sender != ref.Creator && !g.HasMember(c.UID) {
		if isCreator {
			log.Infof("%s is not a member of group %s, telling them", sender, ref.Key())
			return nil, nil, sendEmptyGroupSetup(ctx, h, s, ref.GroupID, c)
		}
		log.Infof("%s is not a member of group %s, requesting sync", sender, ref.Key())
		creator, err := ensureContact(ctx, h, s, ref.Creator)
		if err != nil || creator == nil {
			return nil, nil, err
		}
		return nil, nil, sendGroupSyncRequest(ctx, h, s, ref.Key(), creator)
	}
	return g, c, nil
}

// cspStrategy applies a group setup received from the chat server.
type cspStrategy struct {
	s       *task.Services
	h       task.ActiveHandle
	log     *logging.Logger
	reflect func(ctx context.Context) (time.Time, error)
}

func (st *cspStrategy) Reflect(ctx context.Context) (time.Time, error) {
	return st.reflect(ctx)
}

func (st *cspStrategy) Kick(ctx context.Context, g *model.Group) error {
	return st.s.Model.SetGroupUserState(g.Key(), protocol.GroupKicked, model.OriginRemote)
}

func (st *cspStrategy) SetMembers(ctx context.Context, g *model.Group, members []model.UID, rejoin bool) error {
	u := &model.GroupUpdate{Members: &members}
	if rejoin {
		state := protocol.GroupMember
		u.UserState = &state
	}
	return st.s.Model.UpdateGroup(g.Key(), u, model.OriginRemote)
}

func (st *cspStrategy) AddGroup(ctx context.Context, init model.Group) error {
	_, err := st.s.Model.AddGroup(init, model.OriginRemote)
	return err
}

// HandleMissingMembers creates a contact for every member known to the
// directory.  Each creation is reflected before the group setup.
func (st *cspStrategy) HandleMissingMembers(ctx context.Context, missing []protocol.IdentityString) ([]*model.Contact, error) {
	entries, err := st.s.Directory.Identities(ctx, missing)
	if err != nil {
		return nil, err
	}
	now := st.s.Clock()
	out := make([]*model.Contact, 0, len(missing))
	for _, id := range missing {
		e, ok := entries[id]
		if !ok || e.State == protocol.ActivityInvalid {
			st.log.Warningf("Group member %s is unknown or invalid, not adding it", id)
			continue
		}
		c, err := addContact(ctx, st.h, st.s, contactFromEntry(e, protocol.AcquaintanceGroupOrDeleted, now))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// incomingGroupSetup applies a group setup.  The common receive steps
// do not apply: the setup itself defines the membership.
func incomingGroupSetup(ctx context.Context, h task.ActiveHandle, s *task.Services, log *logging.Logger, v *validate.GroupSetup, reflect func(context.Context) (time.Time, error)) error {
	st := &cspStrategy{s: s, h: h, log: log, reflect: reflect}
	return group.Apply(ctx, log, s.Model, &group.Setup{Group: v.Group.Key(), Members: v.Members}, st)
}

func incomingGroupName(s *task.Services, log *logging.Logger, g *model.Group, v *validate.GroupName) error {
	if g.Name == v.Name {
		return nil
	}
	log.Infof("Renaming group %s", g.Key())
	return s.Model.SetGroupName(g.Key(), v.Name, model.OriginRemote)
}

func incomingGroupLeave(ctx context.Context, h task.ActiveHandle, s *task.Services, log *logging.Logger, v *validate.GroupLeave, sender protocol.IdentityString) error {
	repo := s.Model
	user := repo.User()
	if sender == v.Group.Creator {
		log.Warningf("Ignoring group leave of creator %s", sender)
		return nil
	}
	g, ok := repo.GroupByIDAndCreator(v.Group.GroupID, v.Group.Creator)
	if !ok || g.UserState != protocol.GroupMember {
		if v.Group.Creator == user {
			return nil
		}
		creator, err := ensureContact(ctx, h, s, v.Group.Creator)
		if err != nil || creator == nil {
			return err
		}
		return sendGroupSyncRequest(ctx, h, s, v.Group.Key(), creator)
	}
	c, ok := repo.ContactByIdentity(sender)
	if !ok || !g.HasMember(c.UID) {
		return nil
	}
	log.Infof("%s left group %s", sender, g.Key())
	return repo.RemoveGroupMember(g.Key(), c.UID, model.OriginRemote)
}

func incomingGroupSyncRequest(ctx context.Context, h task.ActiveHandle, s *task.Services, log *logging.Logger, v *validate.GroupSyncRequest, sender protocol.IdentityString) error {
	repo := s.Model
	g, ok := repo.GroupByIDAndCreator(v.Group.GroupID, v.Group.Creator)
	if !ok {
		log.Infof("Discarding sync request for unknown group %s", v.Group.Key())
		return nil
	}
	c, ok := repo.ContactByIdentity(sender)
	if !ok {
		log.Infof("Discarding sync request of unknown contact %s", sender)
		return nil
	}
	if !s.Volatile.ShouldAnswerGroupSyncRequest(g.Key(), sender) {
		log.Infof("Sync request of %s for group %s was answered recently", sender, g.Key())
		return nil
	}
	if g.UserState != protocol.GroupMember || !g.HasMember(c.UID) {
		return sendEmptyGroupSetup(ctx, h, s, g.GroupID, c)
	}

	members := make([]protocol.IdentityString, 0, len(g.Members))
	for _, uid := range g.Members {
		m, ok := repo.ContactByUID(uid)
		if !ok {
			return fmt.Errorf("%w: member %d of group %s", model.ErrNotFound, uid, g.Key())
		}
		members = append(members, m.Identity)
	}
	receiver := model.ContactReceiver(c.UID)
	if err := sendGroupSetup(ctx, h, s, g.GroupID, receiver, members, false); err != nil {
		return err
	}
	return sendGroupName(ctx, h, s, g.GroupID, receiver, g.Name)
}

// GroupLeaveKind is the persisted task kind of OutgoingGroupLeaveTask.
const GroupLeaveKind = "outgoing-group-leave"

type groupLeaveRecord struct {
	GroupUID model.UID `cbor:"1,keyasint"`
}

// OutgoingGroupLeaveTask leaves a group.  If the user created the group,
// it is disbanded instead.
type OutgoingGroupLeaveTask struct {
	s   *task.Services
	log *logging.Logger
	uid model.UID
}

// NewOutgoingGroupLeaveTask returns an OutgoingGroupLeaveTask for the
// group uid.
func NewOutgoingGroupLeaveTask(s *task.Services, uid model.UID) *OutgoingGroupLeaveTask {
	return &OutgoingGroupLeaveTask{
		s:   s,
		log: s.TaskLogger(GroupLeaveKind, fmt.Sprint(uid)),
		uid: uid,
	}
}

// GroupLeaveFactory revives persisted OutgoingGroupLeaveTasks.
func GroupLeaveFactory(s *task.Services) task.Factory {
	return func(data []byte) (task.ActiveTask, error) {
		var r groupLeaveRecord
		if err := cbor.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return NewOutgoingGroupLeaveTask(s, r.GroupUID), nil
	}
}

// Name implements task.ActiveTask.
func (t *OutgoingGroupLeaveTask) Name() string { return GroupLeaveKind }

// Persist implements task.ActiveTask.
func (t *OutgoingGroupLeaveTask) Persist() bool { return true }

// Transaction implements task.ActiveTask.
func (t *OutgoingGroupLeaveTask) Transaction() *task.ExpectedTransaction { return nil }

// Record implements task.PersistableTask.
func (t *OutgoingGroupLeaveTask) Record() (*task.Record, error) {
	data, err := cbor.Marshal(&groupLeaveRecord{GroupUID: t.uid})
	if err != nil {
		return nil, err
	}
	return &task.Record{Kind: GroupLeaveKind, Data: data}, nil
}

// Run implements task.ActiveTask.
func (t *OutgoingGroupLeaveTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	repo := t.s.Model
	g, ok := repo.GroupByUID(t.uid)
	if !ok || g.UserState != protocol.GroupMember {
		t.log.Infof("User is not a member of group %d", t.uid)
		return nil, nil
	}
	receiver := model.GroupReceiver(g.UID)
	if g.Creator == repo.User() {
		t.log.Infof("Disbanding group %s", g.Key())
		if err := sendGroupSetup(ctx, h, t.s, g.GroupID, receiver, nil, false); err != nil {
			return nil, err
		}
	} else {
		t.log.Infof("Leaving group %s", g.Key())
		if err := sendGroupLeave(ctx, h, t.s, g.Key(), receiver); err != nil {
			return nil, err
		}
	}
	return nil, repo.SetGroupUserState(g.Key(), protocol.GroupLeft, model.OriginLocal)
}

// OutgoingGroupSyncRequestTask asks the creator of a group for its
// current setup.  It is volatile.
type OutgoingGroupSyncRequestTask struct {
	s   *task.Services
	log *logging.Logger
	key protocol.GroupKey
}

// NewOutgoingGroupSyncRequestTask returns an OutgoingGroupSyncRequestTask
// for the group key.
func NewOutgoingGroupSyncRequestTask(s *task.Services, key protocol.GroupKey) *OutgoingGroupSyncRequestTask {
	return &OutgoingGroupSyncRequestTask{
		s:   s,
		log: s.TaskLogger("outgoing-group-sync-request", key.String()),
		key: key,
	}
}

// Name implements task.ActiveTask.
func (t *OutgoingGroupSyncRequestTask) Name() string { return "outgoing-group-sync-request" }

// Persist implements task.ActiveTask.
func (t *OutgoingGroupSyncRequestTask) Persist() bool { return false }

// Transaction implements task.ActiveTask.
func (t *OutgoingGroupSyncRequestTask) Transaction() *task.ExpectedTransaction { return nil }

// Run implements task.ActiveTask.
func (t *OutgoingGroupSyncRequestTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	if t.key.Creator == t.s.Model.User() {
		return nil, nil
	}
	creator, err := ensureContact(ctx, h, t.s, t.key.Creator)
	if err != nil {
		return nil, err
	}
	if creator == nil {
		return nil, fmt.Errorf("%w: group creator %s", directory.ErrUnknownIdentity, t.key.Creator)
	}
	return nil, sendGroupSyncRequest(ctx, h, t.s, t.key, creator)
}
