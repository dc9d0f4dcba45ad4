// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/wire"
)

// DeliveryReceiptKind is the persisted task kind of
// OutgoingDeliveryReceiptTask.
const DeliveryReceiptKind = "outgoing-delivery-receipt"

// maxReceiptMessageIDs is the number of message ids sent per receipt.
const maxReceiptMessageIDs = 512

type receiptRecord struct {
	ReceiverType protocol.ReceiverType          `cbor:"1,keyasint"`
	ReceiverUID  model.UID                      `cbor:"2,keyasint"`
	Status       protocol.DeliveryReceiptStatus `cbor:"3,keyasint"`
	MessageIDs   []protocol.MessageID           `cbor:"4,keyasint"`
}

// OutgoingDeliveryReceiptTask sends a delivery receipt for messages of a
// conversation.  Receipts to a group carry a reaction and go to every
// member.
type OutgoingDeliveryReceiptTask struct {
	s        *task.Services
	log      *logging.Logger
	receiver model.Receiver
	status   protocol.DeliveryReceiptStatus
	ids      []protocol.MessageID
}

// NewOutgoingDeliveryReceiptTask returns an OutgoingDeliveryReceiptTask.
func NewOutgoingDeliveryReceiptTask(s *task.Services, receiver model.Receiver, status protocol.DeliveryReceiptStatus, ids []protocol.MessageID) *OutgoingDeliveryReceiptTask {
	return &OutgoingDeliveryReceiptTask{
		s:        s,
		log:      s.TaskLogger(DeliveryReceiptKind, fmt.Sprintf("%s/%s", receiver, status)),
		receiver: receiver,
		status:   status,
		ids:      ids,
	}
}

// DeliveryReceiptFactory revives persisted OutgoingDeliveryReceiptTasks.
func DeliveryReceiptFactory(s *task.Services) task.Factory {
	return func(data []byte) (task.ActiveTask, error) {
		var r receiptRecord
		if err := cbor.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		receiver := model.Receiver{Type: r.ReceiverType, UID: r.ReceiverUID}
		return NewOutgoingDeliveryReceiptTask(s, receiver, r.Status, r.MessageIDs), nil
	}
}

// Name implements task.ActiveTask.
func (t *OutgoingDeliveryReceiptTask) Name() string { return DeliveryReceiptKind }

// Persist implements task.ActiveTask.
func (t *OutgoingDeliveryReceiptTask) Persist() bool { return true }

// Transaction implements task.ActiveTask.
func (t *OutgoingDeliveryReceiptTask) Transaction() *task.ExpectedTransaction { return nil }

// Record implements task.PersistableTask.
func (t *OutgoingDeliveryReceiptTask) Record() (*task.Record, error) {
	data, err := cbor.Marshal(&receiptRecord{
		ReceiverType: t.receiver.Type,
		ReceiverUID:  t.receiver.UID,
		Status:       t.status,
		MessageIDs:   t.ids,
	})
	if err != nil {
		return nil, err
	}
	return &task.Record{Kind: DeliveryReceiptKind, Data: data}, nil
}

// Run implements task.ActiveTask.
func (t *OutgoingDeliveryReceiptTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	var g *model.Group
	typ := protocol.TypeDeliveryReceipt
	if t.receiver.Type == protocol.ReceiverGroup {
		task.Assert(t.status == protocol.ReceiptAcknowledged || t.status == protocol.ReceiptDeclined,
			"group delivery receipt with status %s", t.status)
		var ok bool
		if g, ok = t.s.Model.GroupByUID(t.receiver.UID); !ok {
			t.log.Noticef("Group %s is gone, not sending receipt", t.receiver)
			return nil, nil
		}
		typ = protocol.TypeGroupDeliveryReceipt
	} else if _, ok := t.s.Model.ContactByUID(t.receiver.UID); !ok {
		t.log.Noticef("Contact %s is gone, not sending receipt", t.receiver)
		return nil, nil
	}

	for start := 0; start < len(t.ids); start += maxReceiptMessageIDs {
		end := start + maxReceiptMessageIDs
		if end > len(t.ids) {
			end = len(t.ids)
		}
		var body wire.Encodable = &wire.DeliveryReceipt{
			Status:     uint8(t.status),
			MessageIDs: t.ids[start:end],
		}
		if g != nil {
			body = &wire.GroupMemberContainer{
				CreatorIdentity: g.Creator,
				GroupID:         g.GroupID,
				InnerData:       body,
			}
		}
		err := send(ctx, h, t.s, t.receiver, typ, body, false)
		if errors.Is(err, ErrNotSent) {
			t.log.Infof("Not sending %s receipt: %v", t.status, err)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		t.log.Debugf("Sent %s receipt for %d messages", t.status, end-start)
	}
	return nil, nil
}
