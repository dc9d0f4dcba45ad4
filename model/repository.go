// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"time"

	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/validate"
)

var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("model: not found")

	// ErrExists is returned when adding an entity that already exists.
	ErrExists = errors.New("model: already exists")

	// ErrDeletedMessage is returned when modifying a message tombstone.
	ErrDeletedMessage = errors.New("model: message was deleted")

	// ErrOwnIdentity is returned when the user's identity is added as a
	// contact.
	ErrOwnIdentity = errors.New("model: identity is the user's own")
)

// ContactUpdate changes a contact.  A nil field is left unchanged.
type ContactUpdate struct {
	PublicKey          *[protocol.KeyLength]byte
	FirstName          *string
	LastName           *string
	Nickname           *string
	VerificationLevel  *protocol.VerificationLevel
	IdentityType       *protocol.IdentityType
	AcquaintanceLevel  *protocol.AcquaintanceLevel
	ActivityState      *protocol.ActivityState
	FeatureMask        *uint64
	NotificationPolicy *d2d.Optional[protocol.NotificationPolicy]
	Blocked            *bool
}

// GroupUpdate changes a group.  A nil field is left unchanged.
type GroupUpdate struct {
	Name               *string
	UserState          *protocol.GroupUserState
	Members            *[]UID
	NotificationPolicy *d2d.Optional[protocol.NotificationPolicy]
}

// Mutation is an entry of the mutation log.
type Mutation struct {
	Origin Origin
	Op     string
	Target string
}

// Repository is the narrow storage interface consumed by the protocol
// engine.  Lookups return copies; every mutation records its Origin.
type Repository interface {
	// User returns the identity of the local user.
	User() protocol.IdentityString

	ContactByIdentity(id protocol.IdentityString) (*Contact, bool)
	ContactByUID(uid UID) (*Contact, bool)
	Contacts() []*Contact
	AddContact(init Contact, origin Origin) (*Contact, error)
	UpdateContact(id protocol.IdentityString, u *ContactUpdate, origin Origin) error
	RemoveContact(id protocol.IdentityString, origin Origin) error

	GroupByIDAndCreator(gid protocol.GroupID, creator protocol.IdentityString) (*Group, bool)
	GroupByUID(uid UID) (*Group, bool)
	Groups() []*Group
	AddGroup(init Group, origin Origin) (*Group, error)
	UpdateGroup(key protocol.GroupKey, u *GroupUpdate, origin Origin) error
	SetGroupMembers(key protocol.GroupKey, members []UID, origin Origin) error
	SetGroupUserState(key protocol.GroupKey, state protocol.GroupUserState, origin Origin) error
	SetGroupName(key protocol.GroupKey, name string, origin Origin) error
	RemoveGroupMember(key protocol.GroupKey, member UID, origin Origin) error
	RemoveGroup(key protocol.GroupKey, origin Origin) error

	Conversation(r Receiver) (*Conversation, error)
	HasMessage(r Receiver, id protocol.MessageID) bool
	Message(r Receiver, id protocol.MessageID) (*Message, bool)
	Messages(r Receiver) []*Message
	AddMessage(r Receiver, m Message, origin Origin) (*Message, error)
	SetMessageFile(r Receiver, id protocol.MessageID, f validate.FileJSON, origin Origin) error
	MarkSent(r Receiver, id protocol.MessageID, at time.Time, origin Origin) error
	MarkDelivered(r Receiver, id protocol.MessageID, at time.Time, origin Origin) error
	MarkRead(r Receiver, id protocol.MessageID, at time.Time, origin Origin) error
	AddReaction(r Receiver, id protocol.MessageID, reaction Reaction, origin Origin) (bool, error)
	DeleteMessage(r Receiver, id protocol.MessageID, at time.Time, origin Origin) error
}
