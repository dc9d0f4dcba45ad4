// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
)

// MemberIdentities resolves member contact UIDs to identities.
func MemberIdentities(repo model.Repository, members []model.UID) ([]protocol.IdentityString, error) {
	out := make([]protocol.IdentityString, 0, len(members))
	for _, uid := range members {
		c, ok := repo.ContactByUID(uid)
		if !ok {
			return nil, fmt.Errorf("%w: member contact %d", model.ErrNotFound, uid)
		}
		out = append(out, c.Identity)
	}
	return out, nil
}

func memberUIDs(repo model.Repository, ids []protocol.IdentityString) ([]model.UID, error) {
	out := make([]model.UID, 0, len(ids))
	for _, id := range ids {
		c, ok := repo.ContactByIdentity(id)
		if !ok {
			return nil, fmt.Errorf("%w: member contact %s", model.ErrNotFound, id)
		}
		out = append(out, c.UID)
	}
	return out, nil
}

func groupIdentity(k protocol.GroupKey) envelope.GroupIdentity {
	return envelope.GroupIdentity{CreatorIdentity: k.Creator, GroupID: k.ID}
}

// GroupSyncCreate returns the sync payload creating g.
func GroupSyncCreate(repo model.Repository, g *model.Group) (*envelope.GroupSync, error) {
	members, err := MemberIdentities(repo, g.Members)
	if err != nil {
		return nil, err
	}
	return &envelope.GroupSync{Create: &envelope.SyncGroup{
		Group:              groupIdentity(g.Key()),
		Name:               g.Name,
		CreatedAt:          unixMilli(g.CreatedAt),
		UserState:          g.UserState,
		MemberIdentities:   members,
		NotificationPolicy: g.NotificationPolicy,
	}}, nil
}

// GroupSyncUpdate returns the sync payload applying u to the group key.
func GroupSyncUpdate(repo model.Repository, key protocol.GroupKey, u *model.GroupUpdate) (*envelope.GroupSync, error) {
	out := &envelope.SyncGroupUpdate{
		Group:              groupIdentity(key),
		Name:               u.Name,
		UserState:          u.UserState,
		NotificationPolicy: u.NotificationPolicy,
	}
	if u.Members != nil {
		members, err := MemberIdentities(repo, *u.Members)
		if err != nil {
			return nil, err
		}
		out.MemberIdentities = &envelope.MemberIdentities{Identities: members}
	}
	return &envelope.GroupSync{Update: out}, nil
}

// GroupSyncDelete returns the sync payload deleting the group key.
func GroupSyncDelete(key protocol.GroupKey) *envelope.GroupSync {
	g := groupIdentity(key)
	return &envelope.GroupSync{Delete: &g}
}

func groupSyncTarget(g *envelope.GroupSync) protocol.GroupKey {
	switch {
	case g.Create != nil:
		return g.Create.Group.Key()
	case g.Update != nil:
		return g.Update.Group.Key()
	case g.Delete != nil:
		return g.Delete.Key()
	}
	return protocol.GroupKey{}
}

// applyGroupSync applies a reflected group sync.
func applyGroupSync(log *logging.Logger, repo model.Repository, g *envelope.GroupSync) error {
	switch {
	case g.Create != nil:
		c := g.Create
		members, err := memberUIDs(repo, c.MemberIdentities)
		if err != nil {
			return err
		}
		init := model.Group{
			Creator:            c.Group.CreatorIdentity,
			GroupID:            c.Group.GroupID,
			Name:               c.Name,
			UserState:          c.UserState,
			Members:            members,
			NotificationPolicy: c.NotificationPolicy,
		}
		if c.CreatedAt != 0 {
			init.CreatedAt = time.UnixMilli(int64(c.CreatedAt))
		}
		_, err = repo.AddGroup(init, model.OriginSync)
		if errors.Is(err, model.ErrExists) {
			log.Noticef("Synced group %s exists, overwriting", init.Key())
			policy := envelope.Reset[protocol.NotificationPolicy]()
			if init.NotificationPolicy != nil {
				policy = envelope.Set(*init.NotificationPolicy)
			}
			return repo.UpdateGroup(init.Key(), &model.GroupUpdate{
				Name:               &init.Name,
				UserState:          &init.UserState,
				Members:            &members,
				NotificationPolicy: policy,
			}, model.OriginSync)
		}
		return err
	case g.Update != nil:
		u := g.Update
		update := &model.GroupUpdate{
			Name:               u.Name,
			UserState:          u.UserState,
			NotificationPolicy: u.NotificationPolicy,
		}
		if u.MemberIdentities != nil {
			members, err := memberUIDs(repo, u.MemberIdentities.Identities)
			if err != nil {
				return err
			}
			update.Members = &members
		}
		return repo.UpdateGroup(u.Group.Key(), update, model.OriginSync)
	case g.Delete != nil:
		err := repo.RemoveGroup(g.Delete.Key(), model.OriginSync)
		if errors.Is(err, model.ErrNotFound) {
			log.Noticef("Synced group deletion of unknown group %s", g.Delete.Key())
			return nil
		}
		return err
	}
	return errors.New("d2d: empty group sync")
}

// ReflectGroupSyncTask reflects a group sync.  It runs within a group
// sync transaction.
type ReflectGroupSyncTask struct {
	s    *task.Services
	log  *logging.Logger
	sync *envelope.GroupSync
}

// NewReflectGroupSyncTask returns a ReflectGroupSyncTask.  tr proves that
// the group sync transaction is running.
func NewReflectGroupSyncTask(s *task.Services, tr *task.TransactionRunning, sync *envelope.GroupSync) *ReflectGroupSyncTask {
	task.Assert(tr != nil && tr.Scope() == protocol.ScopeGroupSync, "group sync outside of a group sync transaction")
	return &ReflectGroupSyncTask{
		s:    s,
		log:  s.TaskLogger("reflect-group-sync", groupSyncTarget(sync).String()),
		sync: sync,
	}
}

// Run reflects the sync and returns the reflection timestamp.
func (t *ReflectGroupSyncTask) Run(ctx context.Context, h task.ActiveHandle) (time.Time, error) {
	e := envelope.NewEnvelope(t.s.Device.DeviceID, t.sync)
	t.log.Infof("Syncing %s to other devices", e.Kind())
	ts, err := h.Reflect(ctx, []*envelope.Envelope{e})
	if err != nil {
		return time.Time{}, err
	}
	return ts[0], nil
}

// ReflectGroupSyncTransactionTask reflects a group sync within its own
// group sync transaction.  The result is a task.TransactionResult.
type ReflectGroupSyncTransactionTask struct {
	s            *task.Services
	log          *logging.Logger
	sync         *envelope.GroupSync
	precondition func() bool
}

// NewGroupUpdateTransaction syncs an update of the group key.  The
// transaction aborts if the group was removed meanwhile.
func NewGroupUpdateTransaction(s *task.Services, key protocol.GroupKey, u *model.GroupUpdate) (*ReflectGroupSyncTransactionTask, error) {
	sync, err := GroupSyncUpdate(s.Model, key, u)
	if err != nil {
		return nil, err
	}
	return newGroupSyncTransaction(s, sync, groupExists(s, key)), nil
}

// NewGroupDeleteTransaction syncs the removal of the group key.
func NewGroupDeleteTransaction(s *task.Services, key protocol.GroupKey) *ReflectGroupSyncTransactionTask {
	return newGroupSyncTransaction(s, GroupSyncDelete(key), groupExists(s, key))
}

func groupExists(s *task.Services, key protocol.GroupKey) func() bool {
	return func() bool {
		_, ok := s.Model.GroupByIDAndCreator(key.ID, key.Creator)
		return ok
	}
}

func newGroupSyncTransaction(s *task.Services, sync *envelope.GroupSync, precondition func() bool) *ReflectGroupSyncTransactionTask {
	return &ReflectGroupSyncTransactionTask{
		s:            s,
		log:          s.TaskLogger("reflect-group-sync-transaction", groupSyncTarget(sync).String()),
		sync:         sync,
		precondition: precondition,
	}
}

// Name implements task.ActiveTask.
func (t *ReflectGroupSyncTransactionTask) Name() string { return "reflect-group-sync-transaction" }

// Persist implements task.ActiveTask.
func (t *ReflectGroupSyncTransactionTask) Persist() bool { return false }

// Transaction implements task.ActiveTask.
func (t *ReflectGroupSyncTransactionTask) Transaction() *task.ExpectedTransaction {
	return &task.ExpectedTransaction{Scope: protocol.ScopeGroupSync}
}

// Run implements task.ActiveTask.
func (t *ReflectGroupSyncTransactionTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	return t.Execute(ctx, h)
}

// Execute runs the transaction on h.
func (t *ReflectGroupSyncTransactionTask) Execute(ctx context.Context, h task.ActiveHandle) (task.TransactionResult, error) {
	result, err := h.Transaction(ctx, protocol.ScopeGroupSync, t.precondition, func(ctx context.Context, tr *task.TransactionRunning) error {
		_, err := NewReflectGroupSyncTask(t.s, tr, t.sync).Run(ctx, h)
		return err
	})
	if err != nil {
		return "", err
	}
	if result == task.TransactionAborted {
		t.log.Noticef("Group sync aborted")
	}
	return result, nil
}
