// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/cryptobox"
	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/d2d"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/wire"
)

// ErrNotSent is returned when every receiver of a message is blocked.
var ErrNotSent = errors.New("csp: message was not sent to any receiver")

// MessageProperties describe an outgoing end-to-end message.
type MessageProperties struct {
	Type      protocol.CspE2eType
	Body      wire.Encodable
	MessageID protocol.MessageID
	CreatedAt time.Time

	// Flags are added to the default flags of Type.
	Flags protocol.CspMessageFlags

	// NoReflect suppresses every reflection of the message.
	NoReflect bool
}

func unixMilli(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// OutgoingCspMessageTask sends one message to a contact or to the members
// of a group.  It is composed into other tasks.
type OutgoingCspMessageTask struct {
	s        *task.Services
	log      *logging.Logger
	receiver model.Receiver
	props    *MessageProperties
}

// NewOutgoingCspMessageTask returns an OutgoingCspMessageTask sending
// props to receiver.
func NewOutgoingCspMessageTask(s *task.Services, receiver model.Receiver, props *MessageProperties) *OutgoingCspMessageTask {
	return &OutgoingCspMessageTask{
		s:        s,
		log:      s.TaskLogger("outgoing-csp-message", props.MessageID.String()),
		receiver: receiver,
		props:    props,
	}
}

// receivers returns the contacts the message is sent to, ordered by
// identity, and the conversation it belongs to.
func (t *OutgoingCspMessageTask) receivers() ([]*model.Contact, envelope.ConversationID, error) {
	repo := t.s.Model
	switch t.receiver.Type {
	case protocol.ReceiverContact:
		c, ok := repo.ContactByUID(t.receiver.UID)
		if !ok {
			return nil, envelope.ConversationID{}, fmt.Errorf("%w: %s", model.ErrNotFound, t.receiver)
		}
		return []*model.Contact{c}, envelope.ContactConversation(c.Identity), nil
	case protocol.ReceiverGroup:
		g, ok := repo.GroupByUID(t.receiver.UID)
		if !ok {
			return nil, envelope.ConversationID{}, fmt.Errorf("%w: %s", model.ErrNotFound, t.receiver)
		}
		toCreator := protocol.ShouldSendGroupMessageToCreator(g.Name, g.Creator, t.props.Type)
		out := make([]*model.Contact, 0, len(g.Members))
		for _, uid := range g.Members {
			c, ok := repo.ContactByUID(uid)
			if !ok {
				return nil, envelope.ConversationID{}, fmt.Errorf("%w: member %d of group %s", model.ErrNotFound, uid, g.Key())
			}
			if c.Identity == g.Creator && !toCreator {
				t.log.Debugf("Not sending %s to gateway creator %s", t.props.Type, g.Creator)
				continue
			}
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
		return out, envelope.GroupConversation(g.Key()), nil
	}
	task.Unreachable(t.receiver.Type)
	return nil, envelope.ConversationID{}, nil
}

// Run sends the message and returns the time it counts as sent: the
// timestamp of the sent update reflection, or the outgoing message
// reflection if there was nobody to send it to.  The zero time is
// returned for types without a sent update.
func (t *OutgoingCspMessageTask) Run(ctx context.Context, h task.ActiveHandle) (time.Time, error) {
	props, ok := protocol.PropertiesOf(t.props.Type)
	task.Assert(ok, "outgoing message of unknown type %s", t.props.Type)

	receivers, conversation, err := t.receivers()
	if err != nil {
		return time.Time{}, err
	}
	body := wire.Marshal(t.props.Body)

	guards := make([]*cryptobox.NonceGuard, 0, len(receivers))
	defer func() {
		for _, g := range guards {
			if !g.Processed() {
				g.Discard()
			}
		}
	}()
	nonces := make([]protocol.Nonce, 0, len(receivers))
	for _, c := range receivers {
		g, err := t.s.Nonces.GetRandomNonce(protocol.NonceScopeCSP, "outgoing:"+string(c.Identity))
		if err != nil {
			return time.Time{}, err
		}
		guards = append(guards, g)
		nonces = append(nonces, g.Nonce())
	}

	var reflectedAt time.Time
	if props.Reflect.Outgoing && !t.props.NoReflect {
		t.log.Infof("Reflecting outgoing %s to %s", t.props.Type, conversation)
		e := envelope.NewEnvelope(t.s.Device.DeviceID, &envelope.OutgoingMessage{
			Conversation: conversation,
			MessageID:    t.props.MessageID,
			CreatedAt:    unixMilli(t.props.CreatedAt),
			Type:         t.props.Type,
			Body:         body,
			Nonces:       nonces,
		})
		ts, err := h.Reflect(ctx, []*envelope.Envelope{e})
		if err != nil {
			return time.Time{}, err
		}
		reflectedAt = ts[0]
	}

	var nickname *string
	if n := t.s.Device.Nickname; n != "" {
		nickname = &n
	}
	flags := props.Flags | t.props.Flags
	sent := 0
	for i, c := range receivers {
		if c.Blocked && !props.ExemptFromBlocking {
			t.log.Infof("Not sending %s to blocked contact %s", t.props.Type, c.Identity)
			guards[i].Discard()
			continue
		}
		box, err := Seal(t.s.Device.Identity, &Outgoing{
			Receiver:  c.Identity,
			ID:        t.props.MessageID,
			CreatedAt: t.props.CreatedAt,
			Flags:     flags,
			Type:      t.props.Type,
			Body:      body,
			Nickname:  nickname,
		}, t.s.SharedBox(&c.PublicKey), guards[i])
		if err != nil {
			return time.Time{}, err
		}
		if err := guards[i].Commit(); err != nil {
			return time.Time{}, err
		}
		if err := h.Write(ctx, &transport.OutgoingMessage{Box: box}); err != nil {
			return time.Time{}, err
		}
		if err := awaitAck(ctx, h, c.Identity, t.props.MessageID); err != nil {
			return time.Time{}, err
		}
		t.log.Debugf("Sent %s to %s", t.props.Type, c.Identity)
		sent++
	}

	switch {
	case len(receivers) == 0:
		return reflectedAt, nil
	case sent == 0:
		return time.Time{}, fmt.Errorf("%w: %d receivers of %s are blocked", ErrNotSent, len(receivers), t.props.Type)
	case !props.Reflect.OutgoingSentUpdate || t.props.NoReflect:
		return time.Time{}, nil
	}
	return d2d.NewReflectOutgoingMessageUpdateTask(t.s, d2d.MessageRef{
		Conversation: conversation,
		MessageID:    t.props.MessageID,
	}).Run(ctx, h)
}

// awaitAck reads the server acknowledgement of the message id sent to
// receiver.
func awaitAck(ctx context.Context, h task.ActiveHandle, receiver protocol.IdentityString, id protocol.MessageID) error {
	msg, err := h.Read(ctx, func(m transport.Message) task.Instruction {
		if _, ok := m.(*transport.OutgoingMessageAck); ok {
			return task.Accept
		}
		return task.BypassOrBacklog
	})
	if err != nil {
		return err
	}
	ack := msg.(*transport.OutgoingMessageAck).Ack
	if ack.Identity != receiver || ack.MessageID != id {
		return &task.ProtocolError{
			Layer:  "csp",
			Reason: fmt.Sprintf("outgoing-message-ack for %s/%s, expected %s/%s", ack.Identity, ack.MessageID, receiver, id),
		}
	}
	return nil
}
