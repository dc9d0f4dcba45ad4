// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"errors"
	"fmt"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/csp"
	"github.com/katzenpost/multidevice/task/d2d"
	"github.com/katzenpost/multidevice/validate"
)

var (
	// ErrHalted is returned when the client shuts down while an
	// operation waits for its task.
	ErrHalted = errors.New("client: halted")

	// ErrTransactionAborted is returned when the target of a sync
	// transaction was removed by another device meanwhile.
	ErrTransactionAborted = errors.New("client: transaction aborted")
)

func (c *Client) await(ctx context.Context, ch <-chan task.Result) (interface{}, error) {
	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrHalted
	}
}

// transaction schedules a sync transaction task and waits for its
// outcome.
func (c *Client) transaction(ctx context.Context, t task.ActiveTask) error {
	v, err := c.await(ctx, c.manager.Schedule(t))
	if err != nil {
		return err
	}
	if v.(task.TransactionResult) == task.TransactionAborted {
		return fmt.Errorf("%w: %s", ErrTransactionAborted, t.Name())
	}
	return nil
}

// addOutgoing stores an outgoing message and schedules sending it.  The
// returned channel delivers the time the message was sent.
func (c *Client) addOutgoing(r model.Receiver, m model.Message, data, thumbnail []byte) (protocol.MessageID, <-chan task.Result, error) {
	id, err := csp.NewMessageID()
	if err != nil {
		return 0, nil, err
	}
	m.ID = id
	m.Direction = model.Outbound
	m.CreatedAt = c.services.Clock()
	if _, err := c.repo.AddMessage(r, m, model.OriginLocal); err != nil {
		return 0, nil, err
	}
	var t *csp.OutgoingConversationMessageTask
	if m.Kind == model.KindFile {
		t = csp.NewOutgoingFileMessageTask(c.services, r, id, data, thumbnail)
	} else {
		t = csp.NewOutgoingConversationMessageTask(c.services, r, id)
	}
	c.log.Debugf("Scheduling %s message %s to %s", m.Kind, id, r)
	return id, c.manager.Schedule(t), nil
}

// SendText sends a text message, quoting the message quoted if it is not
// nil.
func (c *Client) SendText(r model.Receiver, text string, quoted *protocol.MessageID) (protocol.MessageID, <-chan task.Result, error) {
	if text == "" {
		return 0, nil, errors.New("client: empty text")
	}
	if quoted != nil && !c.repo.HasMessage(r, *quoted) {
		return 0, nil, fmt.Errorf("%w: quoted message %s", model.ErrNotFound, *quoted)
	}
	return c.addOutgoing(r, model.Message{Kind: model.KindText, Text: text, QuotedID: quoted}, nil, nil)
}

// SendLocation sends a location message.
func (c *Client) SendLocation(r model.Receiver, loc validate.Location) (protocol.MessageID, <-chan task.Result, error) {
	if _, err := validate.ParseLocation(loc.Encode()); err != nil {
		return 0, nil, err
	}
	return c.addOutgoing(r, model.Message{Kind: model.KindLocation, Location: &loc}, nil, nil)
}

// SendFile uploads data and the optional thumbnail and sends a file
// message described by f.  The blob ids, key and size of f are set on
// upload.
func (c *Client) SendFile(r model.Receiver, f validate.FileJSON, data, thumbnail []byte) (protocol.MessageID, <-chan task.Result, error) {
	if len(data) == 0 {
		return 0, nil, errors.New("client: empty file")
	}
	f.File.BlobID = protocol.BlobID{}
	return c.addOutgoing(r, model.Message{Kind: model.KindFile, File: &f}, data, thumbnail)
}

// MarkRead marks inbound messages of a conversation as read, reflects
// that to the other devices and sends read receipts to a contact.
// Messages that were read before are skipped.
func (c *Client) MarkRead(r model.Receiver, ids []protocol.MessageID) error {
	conversation, err := task.ConversationIDOf(c.repo, r)
	if err != nil {
		return err
	}
	now := c.services.Clock()
	var (
		refs []d2d.MessageRef
		read []protocol.MessageID
	)
	for _, id := range ids {
		m, ok := c.repo.Message(r, id)
		if !ok || m.Direction != model.Inbound || !m.ReadAt.IsZero() || m.Kind == model.KindDeleted {
			continue
		}
		if err := c.repo.MarkRead(r, id, now, model.OriginLocal); err != nil {
			return err
		}
		refs = append(refs, d2d.MessageRef{Conversation: conversation, MessageID: id})
		read = append(read, id)
	}
	if len(refs) == 0 {
		return nil
	}
	c.manager.Schedule(d2d.NewReflectIncomingMessageUpdateTask(c.services, refs, now))
	if r.Type == protocol.ReceiverContact {
		c.manager.Schedule(csp.NewOutgoingDeliveryReceiptTask(c.services, r, protocol.ReceiptRead, read))
	}
	return nil
}

// React acknowledges or declines an inbound message.
func (c *Client) React(r model.Receiver, id protocol.MessageID, decline bool) error {
	reaction := model.Reaction{Sender: c.repo.User(), Type: model.ReactionAcknowledge, At: c.services.Clock()}
	status := protocol.ReceiptAcknowledged
	if decline {
		reaction.Type = model.ReactionDecline
		status = protocol.ReceiptDeclined
	}
	changed, err := c.repo.AddReaction(r, id, reaction, model.OriginLocal)
	if err != nil || !changed {
		return err
	}
	c.manager.Schedule(csp.NewOutgoingDeliveryReceiptTask(c.services, r, status, []protocol.MessageID{id}))
	return nil
}

// LeaveGroup leaves a group the user is a member of.
func (c *Client) LeaveGroup(key protocol.GroupKey) (<-chan task.Result, error) {
	g, ok := c.repo.GroupByIDAndCreator(key.ID, key.Creator)
	if !ok {
		return nil, fmt.Errorf("%w: group %s", model.ErrNotFound, key)
	}
	if g.UserState != protocol.GroupMember {
		return nil, fmt.Errorf("client: not a member of group %s (%s)", key, g.UserState)
	}
	return c.manager.Schedule(csp.NewOutgoingGroupLeaveTask(c.services, g.UID)), nil
}

// RequestGroupSync asks the creator of a group for its current setup.
func (c *Client) RequestGroupSync(key protocol.GroupKey) <-chan task.Result {
	return c.manager.Schedule(csp.NewOutgoingGroupSyncRequestTask(c.services, key))
}

// AddContact looks id up in the directory and adds it as a direct
// contact on every device.
func (c *Client) AddContact(ctx context.Context, id protocol.IdentityString) (*model.Contact, error) {
	if id == c.repo.User() {
		return nil, errors.New("client: cannot add the user as a contact")
	}
	if existing, ok := c.repo.ContactByIdentity(id); ok {
		return existing, nil
	}
	e, err := directory.Identity(ctx, c.directory, id)
	if err != nil {
		return nil, err
	}
	if e.State == protocol.ActivityInvalid {
		return nil, fmt.Errorf("client: identity %s is invalid", id)
	}
	init := &model.Contact{
		Identity:          e.Identity,
		PublicKey:         e.PublicKey,
		CreatedAt:         c.services.Clock(),
		IdentityType:      e.Type,
		AcquaintanceLevel: protocol.AcquaintanceDirect,
		ActivityState:     e.State,
		FeatureMask:       e.FeatureMask,
	}
	v, err := c.await(ctx, c.manager.Schedule(d2d.NewContactCreateTransaction(c.services, init)))
	if err != nil {
		return nil, err
	}
	if v.(task.TransactionResult) == task.TransactionAborted {
		if existing, ok := c.repo.ContactByIdentity(id); ok {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: contact %s", ErrTransactionAborted, id)
	}
	return c.repo.AddContact(*init, model.OriginLocal)
}

// UpdateContact applies u to the contact id on every device.
func (c *Client) UpdateContact(ctx context.Context, id protocol.IdentityString, u *model.ContactUpdate) error {
	if _, ok := c.repo.ContactByIdentity(id); !ok {
		return fmt.Errorf("%w: contact %s", model.ErrNotFound, id)
	}
	if err := c.transaction(ctx, d2d.NewContactUpdateTransaction(c.services, id, u)); err != nil {
		return err
	}
	return c.repo.UpdateContact(id, u, model.OriginLocal)
}

// RemoveContact removes the contact id on every device.
func (c *Client) RemoveContact(ctx context.Context, id protocol.IdentityString) error {
	if _, ok := c.repo.ContactByIdentity(id); !ok {
		return fmt.Errorf("%w: contact %s", model.ErrNotFound, id)
	}
	if err := c.transaction(ctx, d2d.NewContactDeleteTransaction(c.services, id)); err != nil {
		return err
	}
	return c.repo.RemoveContact(id, model.OriginLocal)
}

// SetGroupNotificationPolicy sets the notification policy of a group on
// every device.  A nil policy resets it to the default.
func (c *Client) SetGroupNotificationPolicy(ctx context.Context, key protocol.GroupKey, policy *protocol.NotificationPolicy) error {
	u := &model.GroupUpdate{NotificationPolicy: &envelope.Optional[protocol.NotificationPolicy]{Value: policy}}
	t, err := d2d.NewGroupUpdateTransaction(c.services, key, u)
	if err != nil {
		return err
	}
	if err := c.transaction(ctx, t); err != nil {
		return err
	}
	return c.repo.UpdateGroup(key, u, model.OriginLocal)
}
