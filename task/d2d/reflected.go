// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/group"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/validate"
)

// ReflectedTask processes an envelope reflected by another device of the
// device group.  Envelopes that cannot be processed are acknowledged and
// discarded.
type ReflectedTask struct {
	s   *task.Services
	log *logging.Logger
	msg *transport.Reflected
}

// NewReflectedTask returns a ReflectedTask for msg.
func NewReflectedTask(s *task.Services, msg *transport.Reflected) *ReflectedTask {
	return &ReflectedTask{
		s:   s,
		log: s.TaskLogger("reflected", strconv.FormatUint(uint64(msg.ReflectID), 16)),
		msg: msg,
	}
}

// Name implements task.PassiveTask.
func (t *ReflectedTask) Name() string { return "reflected" }

// Run implements task.PassiveTask.
func (t *ReflectedTask) Run(ctx context.Context, h task.PassiveHandle) error {
	e, guard, err := envelope.Open(t.msg.Envelope, t.s.Device.Keys.Reflect, t.s.Nonces)
	if err != nil {
		t.log.Errorf("Discarding reflected message: %v", err)
		return t.ack(ctx, h)
	}
	defer func() {
		if !guard.Processed() {
			guard.Discard()
		}
	}()

	reflectedAt := time.UnixMilli(int64(t.msg.Timestamp))
	if err := t.process(ctx, e, reflectedAt); err != nil {
		t.log.Errorf("Discarding reflected %s: %v", e.Kind(), err)
	}
	if err := t.ack(ctx, h); err != nil {
		return err
	}
	return guard.Commit()
}

func (t *ReflectedTask) ack(ctx context.Context, h task.PassiveHandle) error {
	return h.Write(ctx, &transport.ReflectedAck{ReflectID: t.msg.ReflectID})
}

func (t *ReflectedTask) process(ctx context.Context, e *envelope.Envelope, at time.Time) error {
	c, err := e.Content()
	if err != nil {
		return err
	}
	t.log.Debugf("Processing reflected %s from device %x", e.Kind(), uint64(e.DeviceID))
	repo := t.s.Model
	switch c := c.(type) {
	case *envelope.OutgoingMessage:
		return t.outgoingMessage(c)
	case *envelope.OutgoingMessageUpdate:
		for _, u := range c.Updates {
			if !u.Sent {
				continue
			}
			r, err := task.ReceiverOf(repo, u.Conversation)
			if err != nil {
				return err
			}
			if err := repo.MarkSent(r, u.MessageID, at, model.OriginSync); err != nil {
				return err
			}
		}
		return nil
	case *envelope.IncomingMessage:
		return t.incomingMessage(ctx, c, at)
	case *envelope.IncomingMessageUpdate:
		for _, u := range c.Updates {
			r, err := task.ReceiverOf(repo, u.Conversation)
			if err != nil {
				return err
			}
			if err := repo.MarkRead(r, u.MessageID, time.UnixMilli(int64(u.ReadAt)), model.OriginSync); err != nil {
				return err
			}
		}
		return nil
	case *envelope.ContactSync:
		return applyContactSync(t.log, repo, c)
	case *envelope.GroupSync:
		return applyGroupSync(t.log, repo, c)
	}
	task.Unreachable(c)
	return nil
}

// body validates a reflected message body.  The creator of a group sync
// request is its receiver.
func body(sender, receiver protocol.IdentityString, typ protocol.CspE2eType, data []byte) (validate.Message, error) {
	v, err := validate.Body(sender, typ, data)
	if err != nil {
		return nil, err
	}
	if r, ok := v.(*validate.GroupSyncRequest); ok {
		r.Group.Creator = receiver
	}
	return v, nil
}

func (t *ReflectedTask) outgoingMessage(c *envelope.OutgoingMessage) error {
	repo := t.s.Model
	user := repo.User()
	var receiver protocol.IdentityString
	switch {
	case c.Conversation.Contact != nil:
		receiver = *c.Conversation.Contact
	case c.Conversation.Group != nil:
		receiver = c.Conversation.Group.CreatorIdentity
	}
	v, err := body(user, receiver, c.Type, c.Body)
	if errors.Is(err, validate.ErrUnhandledType) {
		t.log.Infof("Ignoring reflected outgoing %s", c.Type)
		return nil
	}
	if err != nil {
		return err
	}
	r, err := task.ReceiverOf(repo, c.Conversation)
	if err != nil {
		return err
	}

	if m, ok := task.ConversationContent(v); ok {
		if repo.HasMessage(r, c.MessageID) {
			t.log.Infof("Ignoring reflected outgoing message %s stored before", c.MessageID)
			return nil
		}
		m.ID = c.MessageID
		m.Direction = model.Outbound
		m.CreatedAt = time.UnixMilli(int64(c.CreatedAt))
		_, err := repo.AddMessage(r, m, model.OriginSync)
		return err
	}

	switch v := v.(type) {
	case *validate.GroupLeave:
		g, ok := repo.GroupByIDAndCreator(v.Group.GroupID, v.Group.Creator)
		if !ok || g.UserState != protocol.GroupMember {
			return nil
		}
		return repo.SetGroupUserState(g.Key(), protocol.GroupLeft, model.OriginSync)
	case *validate.DeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, r, user, v.Status, v.MessageIDs, time.UnixMilli(int64(c.CreatedAt)), model.OriginSync)
	case *validate.GroupDeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, r, user, v.Receipt.Status, v.Receipt.MessageIDs, time.UnixMilli(int64(c.CreatedAt)), model.OriginSync)
	case *validate.GroupSetup, *validate.GroupName, *validate.GroupSyncRequest:
		t.log.Debugf("Reflected outgoing %s carries no state", c.Type)
		return nil
	}
	return fmt.Errorf("d2d: unexpected reflected outgoing %s", c.Type)
}

func (t *ReflectedTask) incomingMessage(ctx context.Context, c *envelope.IncomingMessage, at time.Time) error {
	repo := t.s.Model
	user := repo.User()
	sender, ok := repo.ContactByIdentity(c.SenderIdentity)
	if !ok {
		return &task.ProtocolError{Layer: "d2d", Reason: fmt.Sprintf("application state is inconsistent: reflected incoming message from unknown contact %s", c.SenderIdentity)}
	}
	v, err := body(c.SenderIdentity, user, c.Type, c.Body)
	if errors.Is(err, validate.ErrUnhandledType) {
		t.log.Infof("Ignoring reflected incoming %s", c.Type)
		return nil
	}
	if err != nil {
		return err
	}

	r := model.ContactReceiver(sender.UID)
	var g *model.Group
	if ref, ok := task.GroupOf(v); ok {
		g, ok = repo.GroupByIDAndCreator(ref.GroupID, ref.Creator)
		if !ok {
			if _, setup := v.(*validate.GroupSetup); !setup {
				t.log.Warningf("Reflected incoming %s for unknown group %s", c.Type, ref.Key())
				return nil
			}
		} else {
			r = model.GroupReceiver(g.UID)
		}
	}

	if m, ok := task.ConversationContent(v); ok {
		if repo.HasMessage(r, c.MessageID) {
			t.log.Infof("Ignoring reflected incoming message %s stored before", c.MessageID)
			return nil
		}
		m.ID = c.MessageID
		m.Direction = model.Inbound
		m.Sender = sender.UID
		m.CreatedAt = time.UnixMilli(int64(c.CreatedAt))
		m.ReceivedAt = at
		_, err := repo.AddMessage(r, m, model.OriginSync)
		return err
	}

	switch v := v.(type) {
	case *validate.GroupSetup:
		st := &syncStrategy{s: t.s, log: t.log, receivedAt: at}
		return group.Apply(ctx, t.log, repo, &group.Setup{Group: v.Group.Key(), Members: v.Members}, st)
	case *validate.GroupName:
		return repo.SetGroupName(g.Key(), v.Name, model.OriginSync)
	case *validate.GroupLeave:
		if !g.HasMember(sender.UID) {
			return nil
		}
		return repo.RemoveGroupMember(g.Key(), sender.UID, model.OriginSync)
	case *validate.DeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, r, sender.Identity, v.Status, v.MessageIDs, at, model.OriginSync)
	case *validate.GroupDeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, r, sender.Identity, v.Receipt.Status, v.Receipt.MessageIDs, at, model.OriginSync)
	case *validate.GroupSyncRequest:
		t.log.Debugf("Group sync request of %s was answered by the leader device", sender.Identity)
		return nil
	}
	return fmt.Errorf("d2d: unexpected reflected incoming %s", c.Type)
}

// syncStrategy applies a group setup reflected by the device that
// received it.  Nothing is reflected again.
type syncStrategy struct {
	s          *task.Services
	log        *logging.Logger
	receivedAt time.Time
}

func (st *syncStrategy) Reflect(ctx context.Context) (time.Time, error) {
	return st.receivedAt, nil
}

func (st *syncStrategy) Kick(ctx context.Context, g *model.Group) error {
	return st.s.Model.SetGroupUserState(g.Key(), protocol.GroupKicked, model.OriginSync)
}

func (st *syncStrategy) SetMembers(ctx context.Context, g *model.Group, members []model.UID, rejoin bool) error {
	u := &model.GroupUpdate{Members: &members}
	if rejoin {
		state := protocol.GroupMember
		u.UserState = &state
	}
	return st.s.Model.UpdateGroup(g.Key(), u, model.OriginSync)
}

func (st *syncStrategy) AddGroup(ctx context.Context, init model.Group) error {
	_, err := st.s.Model.AddGroup(init, model.OriginSync)
	return err
}

// HandleMissingMembers accepts only members the directory reports as
// invalid.  Any other member must have been synced before.
func (st *syncStrategy) HandleMissingMembers(ctx context.Context, missing []protocol.IdentityString) ([]*model.Contact, error) {
	entries, err := st.s.Directory.Identities(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		e, ok := entries[id]
		if !ok || e.State == protocol.ActivityInvalid {
			st.log.Warningf("Group member %s is invalid or revoked, not adding it", id)
			continue
		}
		return nil, &task.ProtocolError{
			Layer:  "d2d",
			Reason: fmt.Sprintf("application state is inconsistent: member %s of a reflected group setup is unknown", id),
		}
	}
	return nil, nil
}
