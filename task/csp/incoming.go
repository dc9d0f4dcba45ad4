// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/cryptobox"
	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/validate"
	"github.com/katzenpost/multidevice/wire"
)

// IncomingMessageTask processes a message received from the chat server.
// Messages that cannot be processed are acknowledged and discarded.
type IncomingMessageTask struct {
	s     *task.Services
	log   *logging.Logger
	box   *wire.MessageWithMetadataBox
	guard *cryptobox.NonceGuard

	reflectedAt time.Time
}

// NewIncomingMessageTask returns an IncomingMessageTask for msg.
func NewIncomingMessageTask(s *task.Services, msg *transport.IncomingMessage) *IncomingMessageTask {
	return &IncomingMessageTask{
		s:   s,
		log: s.TaskLogger("incoming-message", fmt.Sprintf("%s/%s", msg.Box.SenderIdentity, msg.Box.MessageID)),
		box: msg.Box,
	}
}

// Name implements task.ActiveTask.
func (t *IncomingMessageTask) Name() string { return "incoming-message" }

// Persist implements task.ActiveTask.
func (t *IncomingMessageTask) Persist() bool { return false }

// Transaction implements task.ActiveTask.
func (t *IncomingMessageTask) Transaction() *task.ExpectedTransaction { return nil }

func (t *IncomingMessageTask) ack(ctx context.Context, h task.ActiveHandle) error {
	if protocol.FromBitmask(t.box.Flags).Has(protocol.FlagDontAck) {
		return nil
	}
	return h.Write(ctx, &transport.IncomingMessageAck{Ack: wire.MessageAck{
		Identity:  t.box.SenderIdentity,
		MessageID: t.box.MessageID,
	}})
}

func (t *IncomingMessageTask) commit() error {
	if t.guard == nil || t.guard.Processed() {
		return nil
	}
	return t.guard.Commit()
}

// discard acknowledges the message without processing it.
func (t *IncomingMessageTask) discard(ctx context.Context, h task.ActiveHandle, format string, args ...interface{}) (interface{}, error) {
	t.log.Infof("Discarding message: "+format, args...)
	if err := t.ack(ctx, h); err != nil {
		return nil, err
	}
	return nil, t.commit()
}

// reflect reflects the message to the other devices once and returns
// the reflection timestamp.
func (t *IncomingMessageTask) reflect(ctx context.Context, h task.ActiveHandle, in *Incoming) (time.Time, error) {
	if !t.reflectedAt.IsZero() {
		return t.reflectedAt, nil
	}
	e := envelope.NewEnvelope(t.s.Device.DeviceID, &envelope.IncomingMessage{
		SenderIdentity: in.Sender,
		MessageID:      in.ID,
		CreatedAt:      unixMilli(in.CreatedAt),
		Type:           in.Type,
		Body:           in.Body,
		Nonce:          t.box.MessageNonce,
	})
	ts, err := h.Reflect(ctx, []*envelope.Envelope{e})
	if err != nil {
		return time.Time{}, err
	}
	t.reflectedAt = ts[0]
	return t.reflectedAt, nil
}

// Run implements task.ActiveTask.
func (t *IncomingMessageTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	defer func() {
		if t.guard != nil && !t.guard.Processed() {
			t.guard.Discard()
		}
	}()

	repo := t.s.Model
	user := repo.User()
	if t.box.ReceiverIdentity != user {
		return t.discard(ctx, h, "addressed to %s", t.box.ReceiverIdentity)
	}
	sender, err := validate.Identity(string(t.box.SenderIdentity))
	if err != nil || sender == user {
		return t.discard(ctx, h, "invalid sender %q", t.box.SenderIdentity)
	}

	// Public key of the sender.
	var (
		entry     *directory.Entry
		publicKey [protocol.KeyLength]byte
	)
	contact, known := repo.ContactByIdentity(sender)
	if known {
		publicKey = contact.PublicKey
	} else {
		entry, err = directory.Identity(ctx, t.s.Directory, sender)
		if errors.Is(err, directory.ErrUnknownIdentity) {
			return t.discard(ctx, h, "unknown sender %s", sender)
		}
		if err != nil {
			return nil, err
		}
		if entry.State == protocol.ActivityInvalid {
			return t.discard(ctx, h, "invalid sender %s", sender)
		}
		publicKey = entry.PublicKey
	}

	in, guard, err := Open(t.box, t.s.SharedBox(&publicKey), t.s.Nonces)
	if err != nil {
		t.log.Warningf("Failed to decrypt message of %s: %v", sender, err)
		return nil, t.ack(ctx, h)
	}
	t.guard = guard

	props, ok := protocol.PropertiesOf(in.Type)
	if !ok {
		return t.discard(ctx, h, "unknown type %s", in.Type)
	}
	if known && contact.Blocked && !props.ExemptFromBlocking {
		return t.discard(ctx, h, "%s of blocked contact %s", in.Type, sender)
	}
	v, err := validate.Body(sender, in.Type, in.Body)
	if errors.Is(err, validate.ErrUnhandledType) {
		return t.discard(ctx, h, "unhandled type %s", in.Type)
	}
	if err != nil {
		return t.discard(ctx, h, "invalid %s: %v", in.Type, err)
	}
	if r, ok := v.(*validate.GroupSyncRequest); ok {
		r.Group.Creator = user
	}

	// Implicit contact handling.
	switch v.(type) {
	case *validate.Text, *validate.LocationMessage, *validate.File, *validate.GroupSetup, *validate.GroupName:
		if !known {
			init := contactFromEntry(entry, protocol.AcquaintanceDirect, t.s.Clock())
			if in.Nickname != nil {
				init.Nickname = validate.Nickname(*in.Nickname)
			}
			if contact, err = addContact(ctx, h, t.s, init); err != nil {
				return nil, err
			}
			known = true
		}
	case *validate.DeliveryReceipt, *validate.GroupDeliveryReceipt:
		if !known {
			return t.discard(ctx, h, "%s of unknown contact %s", in.Type, sender)
		}
	}
	if known {
		if err := t.updateContact(ctx, h, contact, in, props); err != nil {
			return nil, err
		}
	}

	// Receiver of conversation messages and receipts.
	var receiver model.Receiver
	if known {
		receiver = model.ContactReceiver(contact.UID)
	}
	switch v := v.(type) {
	case *validate.GroupText, *validate.GroupLocation, *validate.GroupFile, *validate.GroupName, *validate.GroupDeliveryReceipt:
		ref, _ := task.GroupOf(v)
		g, c, err := commonGroupReceiveSteps(ctx, h, t.s, t.log, ref, sender)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return t.discard(ctx, h, "%s for group %s", in.Type, ref.Key())
		}
		contact, known = c, true
		receiver = model.GroupReceiver(g.UID)
	}

	m, isConversation := task.ConversationContent(v)
	if isConversation && t.s.Caches.Seen.TestAndSet(sender, in.ID) && repo.HasMessage(receiver, in.ID) {
		return t.discard(ctx, h, "duplicate %s", in.ID)
	}

	receivedAt := t.s.Clock()
	if props.Reflect.Incoming && in.Type != protocol.TypeGroupSetup {
		if receivedAt, err = t.reflect(ctx, h, in); err != nil {
			return nil, err
		}
	}
	createdAt := in.CreatedAt
	if createdAt.After(receivedAt) {
		createdAt = receivedAt
	}

	if isConversation {
		m.ID = in.ID
		m.Direction = model.Inbound
		m.Sender = contact.UID
		m.CreatedAt = createdAt
		m.ReceivedAt = receivedAt
		if _, err := repo.AddMessage(receiver, m, model.OriginRemote); err != nil && !errors.Is(err, model.ErrExists) {
			return nil, err
		}
		t.log.Infof("Stored %s %s in %s", m.Kind, in.ID, receiver)
	} else if err := t.control(ctx, h, v, in, receiver, receivedAt); err != nil {
		return nil, err
	}

	if err := t.ack(ctx, h); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}

	if isConversation && props.DeliveryReceipts && !in.Flags.Has(protocol.FlagDontSendDeliveryReceipts) {
		_, err := NewOutgoingDeliveryReceiptTask(t.s, receiver, protocol.ReceiptReceived, []protocol.MessageID{in.ID}).Run(ctx, h)
		return nil, err
	}
	return nil, nil
}

// control processes a control message.
func (t *IncomingMessageTask) control(ctx context.Context, h task.ActiveHandle, v validate.Message, in *Incoming, receiver model.Receiver, receivedAt time.Time) error {
	repo := t.s.Model
	switch v := v.(type) {
	case *validate.GroupSetup:
		return incomingGroupSetup(ctx, h, t.s, t.log, v, func(ctx context.Context) (time.Time, error) {
			return t.reflect(ctx, h, in)
		})
	case *validate.GroupName:
		g, _ := repo.GroupByUID(receiver.UID)
		return incomingGroupName(t.s, t.log, g, v)
	case *validate.GroupLeave:
		return incomingGroupLeave(ctx, h, t.s, t.log, v, in.Sender)
	case *validate.GroupSyncRequest:
		return incomingGroupSyncRequest(ctx, h, t.s, t.log, v, in.Sender)
	case *validate.DeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, receiver, in.Sender, v.Status, v.MessageIDs, receivedAt, model.OriginRemote)
	case *validate.GroupDeliveryReceipt:
		return task.ApplyDeliveryReceipt(t.log, repo, receiver, in.Sender, v.Receipt.Status, v.Receipt.MessageIDs, receivedAt, model.OriginRemote)
	}
	task.Unreachable(v)
	return nil
}

// updateContact applies the transmitted nickname and promotes contacts
// that sent a 1:1 conversation message to a direct acquaintance.
func (t *IncomingMessageTask) updateContact(ctx context.Context, h task.ActiveHandle, c *model.Contact, in *Incoming, props protocol.MessageTypeProperties) error {
	var u model.ContactUpdate
	changed := false
	if in.Nickname != nil {
		if n := validate.Nickname(*in.Nickname); n != c.Nickname {
			u.Nickname = &n
			changed = true
		}
	}
	if props.ImplicitContact && c.AcquaintanceLevel != protocol.AcquaintanceDirect {
		level := protocol.AcquaintanceDirect
		u.AcquaintanceLevel = &level
		changed = true
	}
	if !changed {
		return nil
	}
	t.log.Debugf("Updating contact %s", c.Identity)
	return updateContact(ctx, h, t.s, c.Identity, &u)
}
