// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package d2d

import (
	"github.com/katzenpost/multidevice/protocol"
)

// Optional distinguishes "reset to default" (present, Value nil) from "no
// change" (the enclosing pointer is nil) in update payloads.
type Optional[T any] struct {
	Value *T `cbor:"1,keyasint,omitempty"`
}

// Set returns an Optional holding v.
func Set[T any](v T) *Optional[T] {
	return &Optional[T]{Value: &v}
}

// Reset returns an Optional requesting the default value.
func Reset[T any]() *Optional[T] {
	return &Optional[T]{}
}

// OutgoingMessage is reflected before an outgoing message is sent.  Nonces
// holds the nonce prepared for every receiver.
type OutgoingMessage struct {
	Conversation ConversationID      `cbor:"1,keyasint"`
	MessageID    protocol.MessageID  `cbor:"2,keyasint"`
	CreatedAt    uint64              `cbor:"3,keyasint"`
	Type         protocol.CspE2eType `cbor:"4,keyasint"`
	Body         []byte              `cbor:"5,keyasint"`
	Nonces       []protocol.Nonce    `cbor:"6,keyasint,omitempty"`
}

// OutgoingMessageUpdate reports state changes of outgoing messages.
type OutgoingMessageUpdate struct {
	Updates []OutgoingUpdate `cbor:"1,keyasint"`
}

// OutgoingUpdate marks one outgoing message as sent.
type OutgoingUpdate struct {
	Conversation ConversationID     `cbor:"1,keyasint"`
	MessageID    protocol.MessageID `cbor:"2,keyasint"`
	Sent         bool               `cbor:"3,keyasint"`
}

// IncomingMessage is reflected after an incoming message was decrypted
// and before it is acknowledged.
type IncomingMessage struct {
	SenderIdentity protocol.IdentityString `cbor:"1,keyasint"`
	MessageID      protocol.MessageID      `cbor:"2,keyasint"`
	CreatedAt      uint64                  `cbor:"3,keyasint"`
	Type           protocol.CspE2eType     `cbor:"4,keyasint"`
	Body           []byte                  `cbor:"5,keyasint"`
	Nonce          protocol.Nonce          `cbor:"6,keyasint"`
}

// IncomingMessageUpdate reports state changes of incoming messages.
type IncomingMessageUpdate struct {
	Updates []IncomingUpdate `cbor:"1,keyasint"`
}

// IncomingUpdate marks one incoming message as read.
type IncomingUpdate struct {
	Conversation ConversationID     `cbor:"1,keyasint"`
	MessageID    protocol.MessageID `cbor:"2,keyasint"`
	ReadAt       uint64             `cbor:"3,keyasint"`
}

// SyncContact is the full snapshot of a contact.
type SyncContact struct {
	Identity           protocol.IdentityString      `cbor:"1,keyasint"`
	PublicKey          [protocol.KeyLength]byte     `cbor:"2,keyasint"`
	CreatedAt          uint64                       `cbor:"3,keyasint"`
	FirstName          string                       `cbor:"4,keyasint,omitempty"`
	LastName           string                       `cbor:"5,keyasint,omitempty"`
	Nickname           string                       `cbor:"6,keyasint,omitempty"`
	VerificationLevel  protocol.VerificationLevel   `cbor:"7,keyasint"`
	IdentityType       protocol.IdentityType        `cbor:"8,keyasint"`
	AcquaintanceLevel  protocol.AcquaintanceLevel   `cbor:"9,keyasint"`
	ActivityState      protocol.ActivityState       `cbor:"10,keyasint"`
	FeatureMask        uint64                       `cbor:"11,keyasint"`
	NotificationPolicy *protocol.NotificationPolicy `cbor:"12,keyasint,omitempty"`
	Blocked            bool                         `cbor:"13,keyasint,omitempty"`
}

// SyncContactUpdate carries only the changed fields of a contact.  A nil
// field is left as is.
type SyncContactUpdate struct {
	Identity           protocol.IdentityString                `cbor:"1,keyasint"`
	FirstName          *string                                `cbor:"4,keyasint,omitempty"`
	LastName           *string                                `cbor:"5,keyasint,omitempty"`
	Nickname           *string                                `cbor:"6,keyasint,omitempty"`
	VerificationLevel  *protocol.VerificationLevel            `cbor:"7,keyasint,omitempty"`
	AcquaintanceLevel  *protocol.AcquaintanceLevel            `cbor:"9,keyasint,omitempty"`
	ActivityState      *protocol.ActivityState                `cbor:"10,keyasint,omitempty"`
	FeatureMask        *uint64                                `cbor:"11,keyasint,omitempty"`
	NotificationPolicy *Optional[protocol.NotificationPolicy] `cbor:"12,keyasint,omitempty"`
	Blocked            *bool                                  `cbor:"13,keyasint,omitempty"`
}

// ContactSync creates, updates or deletes a contact.  Exactly one field
// is set.
type ContactSync struct {
	Create *SyncContact             `cbor:"1,keyasint,omitempty"`
	Update *SyncContactUpdate       `cbor:"2,keyasint,omitempty"`
	Delete *protocol.IdentityString `cbor:"3,keyasint,omitempty"`
}

func (c *ContactSync) action() string {
	switch {
	case c.Create != nil:
		return "create"
	case c.Update != nil:
		return "update"
	case c.Delete != nil:
		return "delete"
	}
	return "invalid"
}

// SyncGroup is the full snapshot of a group.
type SyncGroup struct {
	Group              GroupIdentity                `cbor:"1,keyasint"`
	Name               string                       `cbor:"2,keyasint,omitempty"`
	CreatedAt          uint64                       `cbor:"3,keyasint"`
	UserState          protocol.GroupUserState      `cbor:"4,keyasint"`
	MemberIdentities   []protocol.IdentityString    `cbor:"5,keyasint"`
	NotificationPolicy *protocol.NotificationPolicy `cbor:"6,keyasint,omitempty"`
}

// MemberIdentities wraps a member list so that an empty list can be
// told apart from no change.
type MemberIdentities struct {
	Identities []protocol.IdentityString `cbor:"1,keyasint"`
}

// SyncGroupUpdate carries only the changed fields of a group.
type SyncGroupUpdate struct {
	Group              GroupIdentity                          `cbor:"1,keyasint"`
	Name               *string                                `cbor:"2,keyasint,omitempty"`
	UserState          *protocol.GroupUserState               `cbor:"4,keyasint,omitempty"`
	MemberIdentities   *MemberIdentities                      `cbor:"5,keyasint,omitempty"`
	NotificationPolicy *Optional[protocol.NotificationPolicy] `cbor:"6,keyasint,omitempty"`
}

// GroupSync creates, updates or deletes a group.  Exactly one field is
// set.
type GroupSync struct {
	Create *SyncGroup       `cbor:"1,keyasint,omitempty"`
	Update *SyncGroupUpdate `cbor:"2,keyasint,omitempty"`
	Delete *GroupIdentity   `cbor:"3,keyasint,omitempty"`
}

func (g *GroupSync) action() string {
	switch {
	case g.Create != nil:
		return "create"
	case g.Update != nil:
		return "update"
	case g.Delete != nil:
		return "delete"
	}
	return "invalid"
}

func (*OutgoingMessage) isContent()       {}
func (*OutgoingMessageUpdate) isContent() {}
func (*IncomingMessage) isContent()       {}
func (*IncomingMessageUpdate) isContent() {}
func (*ContactSync) isContent()           {}
func (*GroupSync) isContent()             {}
