// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/blob"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/validate"
	"github.com/katzenpost/multidevice/wire"
)

// ConversationMessageKind is the persisted task kind of
// OutgoingConversationMessageTask.
const ConversationMessageKind = "outgoing-conversation-message"

type conversationRecord struct {
	ReceiverType protocol.ReceiverType `cbor:"1,keyasint"`
	ReceiverUID  model.UID             `cbor:"2,keyasint"`
	MessageID    protocol.MessageID    `cbor:"3,keyasint"`
	File         []byte                `cbor:"4,keyasint,omitempty"`
	Thumbnail    []byte                `cbor:"5,keyasint,omitempty"`
}

// OutgoingConversationMessageTask sends a stored outgoing conversation
// message and marks it as sent.  It is persistent.
type OutgoingConversationMessageTask struct {
	s        *task.Services
	log      *logging.Logger
	receiver model.Receiver
	id       protocol.MessageID

	// file and thumbnail are uploaded before a file message is sent.
	file      []byte
	thumbnail []byte
}

// NewOutgoingConversationMessageTask returns an
// OutgoingConversationMessageTask for the message id of receiver.
func NewOutgoingConversationMessageTask(s *task.Services, receiver model.Receiver, id protocol.MessageID) *OutgoingConversationMessageTask {
	return &OutgoingConversationMessageTask{
		s:        s,
		log:      s.TaskLogger("outgoing-conversation-message", id.String()),
		receiver: receiver,
		id:       id,
	}
}

// NewOutgoingFileMessageTask returns an OutgoingConversationMessageTask
// that encrypts and uploads data and the optional thumbnail before
// sending the file message id.
func NewOutgoingFileMessageTask(s *task.Services, receiver model.Receiver, id protocol.MessageID, data, thumbnail []byte) *OutgoingConversationMessageTask {
	t := NewOutgoingConversationMessageTask(s, receiver, id)
	t.file = data
	t.thumbnail = thumbnail
	return t
}

// ConversationMessageFactory revives persisted
// OutgoingConversationMessageTasks.
func ConversationMessageFactory(s *task.Services) task.Factory {
	return func(data []byte) (task.ActiveTask, error) {
		var r conversationRecord
		if err := cbor.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		receiver := model.Receiver{Type: r.ReceiverType, UID: r.ReceiverUID}
		return NewOutgoingFileMessageTask(s, receiver, r.MessageID, r.File, r.Thumbnail), nil
	}
}

// Name implements task.ActiveTask.
func (t *OutgoingConversationMessageTask) Name() string { return ConversationMessageKind }

// Persist implements task.ActiveTask.
func (t *OutgoingConversationMessageTask) Persist() bool { return true }

// Transaction implements task.ActiveTask.
func (t *OutgoingConversationMessageTask) Transaction() *task.ExpectedTransaction { return nil }

// Record implements task.PersistableTask.
func (t *OutgoingConversationMessageTask) Record() (*task.Record, error) {
	data, err := cbor.Marshal(&conversationRecord{
		ReceiverType: t.receiver.Type,
		ReceiverUID:  t.receiver.UID,
		MessageID:    t.id,
		File:         t.file,
		Thumbnail:    t.thumbnail,
	})
	if err != nil {
		return nil, err
	}
	return &task.Record{Kind: ConversationMessageKind, Data: data}, nil
}

// Run implements task.ActiveTask.
func (t *OutgoingConversationMessageTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	repo := t.s.Model
	m, ok := repo.Message(t.receiver, t.id)
	if !ok || m.Kind == model.KindDeleted {
		t.log.Noticef("Message %s of %s is gone, not sending it", t.id, t.receiver)
		return nil, nil
	}
	if m.IsSent() {
		t.log.Infof("Message %s was sent before", t.id)
		return nil, nil
	}
	if m.Kind == model.KindFile && m.File.File.BlobID == (protocol.BlobID{}) {
		f, err := t.upload(ctx, *m.File)
		if err != nil {
			return nil, err
		}
		if err := repo.SetMessageFile(t.receiver, t.id, *f, model.OriginLocal); err != nil {
			return nil, err
		}
		m.File = f
	}

	typ, body, err := t.encode(m)
	if err != nil {
		return nil, err
	}
	sentAt, err := NewOutgoingCspMessageTask(t.s, t.receiver, &MessageProperties{
		Type:      typ,
		Body:      body,
		MessageID: t.id,
		CreatedAt: m.CreatedAt,
	}).Run(ctx, h)
	if errors.Is(err, ErrNotSent) {
		t.log.Warningf("Message %s was not sent: %v", t.id, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task.Assert(!sentAt.IsZero(), "message %s of %s has no reflection timestamp", t.id, t.receiver)
	return sentAt, repo.MarkSent(t.receiver, t.id, sentAt, model.OriginLocal)
}

// upload encrypts the file and thumbnail with a fresh key and uploads
// them.
func (t *OutgoingConversationMessageTask) upload(ctx context.Context, f validate.FileJSON) (*validate.FileJSON, error) {
	if t.file == nil {
		return nil, fmt.Errorf("csp: file message %s has neither a blob nor data", t.id)
	}
	key, err := blob.NewKey()
	if err != nil {
		return nil, err
	}
	f.EncryptionKey = *key
	f.FileSize = uint64(len(t.file))
	f.File.BlobID, err = t.s.Blob.Upload(ctx, blob.Seal(key, blob.PartFile, t.file))
	if err != nil {
		return nil, fmt.Errorf("csp: failed to upload file: %w", err)
	}
	if t.thumbnail != nil {
		ref := validate.BlobRef{MediaType: "image/jpeg"}
		if f.Thumbnail != nil {
			ref.MediaType = f.Thumbnail.MediaType
		}
		ref.BlobID, err = t.s.Blob.Upload(ctx, blob.Seal(key, blob.PartThumbnail, t.thumbnail))
		if err != nil {
			return nil, fmt.Errorf("csp: failed to upload thumbnail: %w", err)
		}
		f.Thumbnail = &ref
	}
	t.log.Infof("Uploaded file blob %s (%d bytes)", f.File.BlobID, f.FileSize)
	return &f, nil
}

// encode returns the type and body of m as sent to the receiver.
func (t *OutgoingConversationMessageTask) encode(m *model.Message) (protocol.CspE2eType, wire.Encodable, error) {
	var (
		inner     wire.Encodable
		contactT  protocol.CspE2eType
		groupType protocol.CspE2eType
	)
	switch m.Kind {
	case model.KindText:
		text := m.Text
		if m.QuotedID != nil {
			text = task.QuoteText(*m.QuotedID, text)
		}
		inner = &wire.Text{Text: []byte(text)}
		contactT, groupType = protocol.TypeText, protocol.TypeGroupText
	case model.KindLocation:
		inner = &wire.Location{Location: m.Location.Encode()}
		contactT, groupType = protocol.TypeLocation, protocol.TypeGroupLocation
	case model.KindFile:
		raw, err := m.File.Encode()
		if err != nil {
			return 0, nil, err
		}
		inner = &wire.File{File: raw}
		contactT, groupType = protocol.TypeFile, protocol.TypeGroupFile
	default:
		task.Unreachable(m.Kind)
	}

	switch t.receiver.Type {
	case protocol.ReceiverContact:
		return contactT, inner, nil
	case protocol.ReceiverGroup:
		g, ok := t.s.Model.GroupByUID(t.receiver.UID)
		if !ok {
			return 0, nil, fmt.Errorf("%w: %s", model.ErrNotFound, t.receiver)
		}
		return groupType, &wire.GroupMemberContainer{
			CreatorIdentity: g.Creator,
			GroupID:         g.GroupID,
			InnerData:       inner,
		}, nil
	}
	task.Unreachable(t.receiver.Type)
	return 0, nil, nil
}
