// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
)

// incomingUpdateChunk bounds the number of read updates per envelope.
const incomingUpdateChunk = 512

// IncomingMessageUpdateKind is the persisted task kind of
// ReflectIncomingMessageUpdateTask.
const IncomingMessageUpdateKind = "reflect-incoming-message-update"

// MessageRef identifies a message within its conversation.
type MessageRef struct {
	Conversation envelope.ConversationID `cbor:"1,keyasint"`
	MessageID    protocol.MessageID      `cbor:"2,keyasint"`
}

// ReflectOutgoingMessageUpdateTask reflects that an outgoing message was
// sent.  It is composed into the task that sent the message.
type ReflectOutgoingMessageUpdateTask struct {
	s   *task.Services
	log *logging.Logger
	ref MessageRef
}

// NewReflectOutgoingMessageUpdateTask returns a
// ReflectOutgoingMessageUpdateTask for ref.
func NewReflectOutgoingMessageUpdateTask(s *task.Services, ref MessageRef) *ReflectOutgoingMessageUpdateTask {
	return &ReflectOutgoingMessageUpdateTask{
		s:   s,
		log: s.TaskLogger("reflect-outgoing-message-update", ref.MessageID.String()),
		ref: ref,
	}
}

// Run reflects the update and returns the reflection timestamp.
func (t *ReflectOutgoingMessageUpdateTask) Run(ctx context.Context, h task.ActiveHandle) (time.Time, error) {
	t.log.Infof("Reflecting message update for %s in %s", t.ref.MessageID, t.ref.Conversation)
	e := envelope.NewEnvelope(t.s.Device.DeviceID, &envelope.OutgoingMessageUpdate{
		Updates: []envelope.OutgoingUpdate{{
			Conversation: t.ref.Conversation,
			MessageID:    t.ref.MessageID,
			Sent:         true,
		}},
	})
	ts, err := h.Reflect(ctx, []*envelope.Envelope{e})
	if err != nil {
		return time.Time{}, err
	}
	return ts[0], nil
}

type incomingUpdateRecord struct {
	Refs   []MessageRef `cbor:"1,keyasint"`
	ReadAt uint64       `cbor:"2,keyasint"`
}

// ReflectIncomingMessageUpdateTask reflects that incoming messages were
// read on this device.  It is persistent.
type ReflectIncomingMessageUpdateTask struct {
	s      *task.Services
	log    *logging.Logger
	refs   []MessageRef
	readAt time.Time
}

// NewReflectIncomingMessageUpdateTask returns a
// ReflectIncomingMessageUpdateTask marking refs as read at readAt.
func NewReflectIncomingMessageUpdateTask(s *task.Services, refs []MessageRef, readAt time.Time) *ReflectIncomingMessageUpdateTask {
	return &ReflectIncomingMessageUpdateTask{
		s:      s,
		log:    s.TaskLogger("reflect-incoming-message-update", readAt.Format("150405.000")),
		refs:   refs,
		readAt: readAt,
	}
}

// IncomingMessageUpdateFactory revives persisted
// ReflectIncomingMessageUpdateTasks.
func IncomingMessageUpdateFactory(s *task.Services) task.Factory {
	return func(data []byte) (task.ActiveTask, error) {
		var r incomingUpdateRecord
		if err := cbor.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return NewReflectIncomingMessageUpdateTask(s, r.Refs, time.UnixMilli(int64(r.ReadAt))), nil
	}
}

// Name implements task.ActiveTask.
func (t *ReflectIncomingMessageUpdateTask) Name() string { return IncomingMessageUpdateKind }

// Persist implements task.ActiveTask.
func (t *ReflectIncomingMessageUpdateTask) Persist() bool { return true }

// Transaction implements task.ActiveTask.
func (t *ReflectIncomingMessageUpdateTask) Transaction() *task.ExpectedTransaction { return nil }

// Record implements task.PersistableTask.
func (t *ReflectIncomingMessageUpdateTask) Record() (*task.Record, error) {
	data, err := cbor.Marshal(&incomingUpdateRecord{Refs: t.refs, ReadAt: unixMilli(t.readAt)})
	if err != nil {
		return nil, err
	}
	return &task.Record{Kind: IncomingMessageUpdateKind, Data: data}, nil
}

// Run implements task.ActiveTask.
func (t *ReflectIncomingMessageUpdateTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	for start := 0; start < len(t.refs); start += incomingUpdateChunk {
		end := start + incomingUpdateChunk
		if end > len(t.refs) {
			end = len(t.refs)
		}
		chunk := t.refs[start:end]
		updates := make([]envelope.IncomingUpdate, 0, len(chunk))
		for _, r := range chunk {
			updates = append(updates, envelope.IncomingUpdate{
				Conversation: r.Conversation,
				MessageID:    r.MessageID,
				ReadAt:       unixMilli(t.readAt),
			})
		}
		t.log.Infof("Reflecting a chunk of %d message updates", len(chunk))
		e := envelope.NewEnvelope(t.s.Device.DeviceID, &envelope.IncomingMessageUpdate{Updates: updates})
		if _, err := h.Reflect(ctx, []*envelope.Envelope{e}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
