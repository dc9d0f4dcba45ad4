// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package d2d defines the envelopes reflected between the devices of a
// device group and their sealed wire form.
package d2d

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/protocol"
)

// ErrEmptyEnvelope is returned for envelopes without content.
var ErrEmptyEnvelope = errors.New("d2d: envelope has no content")

// ConversationID identifies a 1:1 or group conversation.  Exactly one
// field is set.
type ConversationID struct {
	Contact *protocol.IdentityString `cbor:"1,keyasint,omitempty"`
	Group   *GroupIdentity           `cbor:"2,keyasint,omitempty"`
}

// ContactConversation returns the ConversationID of a 1:1 conversation.
func ContactConversation(id protocol.IdentityString) ConversationID {
	return ConversationID{Contact: &id}
}

// GroupConversation returns the ConversationID of a group conversation.
func GroupConversation(k protocol.GroupKey) ConversationID {
	return ConversationID{Group: &GroupIdentity{CreatorIdentity: k.Creator, GroupID: k.ID}}
}

// String implements fmt.Stringer.
func (c ConversationID) String() string {
	switch {
	case c.Contact != nil:
		return string(*c.Contact)
	case c.Group != nil:
		return c.Group.Key().String()
	default:
		return "<none>"
	}
}

// GroupIdentity identifies a group.
type GroupIdentity struct {
	CreatorIdentity protocol.IdentityString `cbor:"1,keyasint"`
	GroupID         protocol.GroupID        `cbor:"2,keyasint"`
}

// Key returns the group key.
func (g GroupIdentity) Key() protocol.GroupKey {
	return protocol.GroupKey{Creator: g.CreatorIdentity, ID: g.GroupID}
}

// Content is the payload of an Envelope.  The set of implementations is
// closed to this package.
type Content interface {
	isContent()
}

// Envelope is reflected between devices.  Exactly one content field is set.
type Envelope struct {
	Padding  []byte            `cbor:"1,keyasint,omitempty"`
	DeviceID protocol.DeviceID `cbor:"2,keyasint"`

	OutgoingMessage       *OutgoingMessage       `cbor:"3,keyasint,omitempty"`
	OutgoingMessageUpdate *OutgoingMessageUpdate `cbor:"4,keyasint,omitempty"`
	IncomingMessage       *IncomingMessage       `cbor:"5,keyasint,omitempty"`
	IncomingMessageUpdate *IncomingMessageUpdate `cbor:"6,keyasint,omitempty"`
	ContactSync           *ContactSync           `cbor:"7,keyasint,omitempty"`
	GroupSync             *GroupSync             `cbor:"8,keyasint,omitempty"`
}

// NewEnvelope wraps content.
func NewEnvelope(device protocol.DeviceID, content Content) *Envelope {
	e := &Envelope{DeviceID: device}
	switch c := content.(type) {
	case *OutgoingMessage:
		e.OutgoingMessage = c
	case *OutgoingMessageUpdate:
		e.OutgoingMessageUpdate = c
	case *IncomingMessage:
		e.IncomingMessage = c
	case *IncomingMessageUpdate:
		e.IncomingMessageUpdate = c
	case *ContactSync:
		e.ContactSync = c
	case *GroupSync:
		e.GroupSync = c
	default:
		panic(fmt.Sprintf("d2d: unreachable content type %T", content))
	}
	return e
}

// Content returns the single content of the envelope.
func (e *Envelope) Content() (Content, error) {
	var out []Content
	if e.OutgoingMessage != nil {
		out = append(out, e.OutgoingMessage)
	}
	if e.OutgoingMessageUpdate != nil {
		out = append(out, e.OutgoingMessageUpdate)
	}
	if e.IncomingMessage != nil {
		out = append(out, e.IncomingMessage)
	}
	if e.IncomingMessageUpdate != nil {
		out = append(out, e.IncomingMessageUpdate)
	}
	if e.ContactSync != nil {
		out = append(out, e.ContactSync)
	}
	if e.GroupSync != nil {
		out = append(out, e.GroupSync)
	}
	switch len(out) {
	case 0:
		return nil, ErrEmptyEnvelope
	case 1:
		return out[0], nil
	default:
		return nil, fmt.Errorf("d2d: envelope has %d contents", len(out))
	}
}

// Kind returns a short name for the content, used in logs.
func (e *Envelope) Kind() string {
	c, err := e.Content()
	if err != nil {
		return "invalid"
	}
	switch c := c.(type) {
	case *OutgoingMessage:
		return "outgoing-message"
	case *OutgoingMessageUpdate:
		return "outgoing-message-update"
	case *IncomingMessage:
		return "incoming-message"
	case *IncomingMessageUpdate:
		return "incoming-message-update"
	case *ContactSync:
		return "contact-sync." + c.action()
	case *GroupSync:
		return "group-sync." + c.action()
	}
	return "unknown"
}

// Seal encodes e, pads it with 0 to 15 random bytes and encrypts it with
// a random guarded D2D nonce.
func Seal(e *Envelope, b *cryptobox.Box, svc *cryptobox.NonceService) ([]byte, error) {
	var n [1]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, err
	}
	padded := *e
	padded.Padding = make([]byte, n[0]&0x0f)

	raw, err := cbor.Marshal(&padded)
	if err != nil {
		return nil, err
	}
	return b.EncryptWithRandomNonceAhead(raw, svc, protocol.NonceScopeD2D, "reflect:"+e.Kind())
}

// Open decrypts and decodes a sealed envelope.  The returned guard is
// committed by the caller once the envelope was processed.
func Open(data []byte, b *cryptobox.Box, svc *cryptobox.NonceService) (*Envelope, *cryptobox.NonceGuard, error) {
	raw, guard, err := b.DecryptWithNonceAhead(data, svc, protocol.NonceScopeD2D)
	if err != nil {
		return nil, nil, err
	}
	e := new(Envelope)
	if err := cbor.Unmarshal(raw, e); err != nil {
		guard.Discard()
		return nil, nil, fmt.Errorf("d2d: failed to decode envelope: %w", err)
	}
	if _, err := e.Content(); err != nil {
		guard.Discard()
		return nil, nil, err
	}
	e.Padding = nil
	return e, guard, nil
}
