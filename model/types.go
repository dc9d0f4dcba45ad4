// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the local state the protocol engine mutates:
// contacts, groups, conversations and their messages.
package model

import (
	"fmt"
	"time"

	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/validate"
)

// UID is a local database id.  It is never sent over the wire.
type UID uint64

// Origin records the causal source of a mutation.
type Origin int

const (
	// OriginLocal is a change made by the user on this device.
	OriginLocal Origin = iota

	// OriginRemote is a change caused by a message from another user.
	OriginRemote

	// OriginSync is a change reflected by another device of the group.
	OriginSync
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSync:
		return "sync"
	default:
		return fmt.Sprintf("Origin(%d)", int(o))
	}
}

// Contact is a known identity.
type Contact struct {
	UID                UID
	Identity           protocol.IdentityString
	PublicKey          [protocol.KeyLength]byte
	CreatedAt          time.Time
	FirstName          string
	LastName           string
	Nickname           string
	VerificationLevel  protocol.VerificationLevel
	IdentityType       protocol.IdentityType
	AcquaintanceLevel  protocol.AcquaintanceLevel
	ActivityState      protocol.ActivityState
	FeatureMask        uint64
	NotificationPolicy *protocol.NotificationPolicy
	Blocked            bool
}

// DisplayName returns the best human readable name of the contact.
func (c *Contact) DisplayName() string {
	switch {
	case c.FirstName != "" || c.LastName != "":
		if c.LastName == "" {
			return c.FirstName
		}
		if c.FirstName == "" {
			return c.LastName
		}
		return c.FirstName + " " + c.LastName
	case c.Nickname != "":
		return "~" + c.Nickname
	default:
		return string(c.Identity)
	}
}

// Group is a group conversation partner.  Members holds the contact UIDs
// of every member including the creator, unless the user is the creator.
// The user is never listed.
type Group struct {
	UID                UID
	Creator            protocol.IdentityString
	GroupID            protocol.GroupID
	Name               string
	CreatedAt          time.Time
	UserState          protocol.GroupUserState
	Members            []UID
	NotificationPolicy *protocol.NotificationPolicy
}

// Key returns the global group key.
func (g *Group) Key() protocol.GroupKey {
	return protocol.GroupKey{Creator: g.Creator, ID: g.GroupID}
}

// HasMember returns true iff uid is listed as a member.
func (g *Group) HasMember(uid UID) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// Receiver identifies the partner of a conversation.
type Receiver struct {
	Type protocol.ReceiverType
	UID  UID
}

// ContactReceiver returns the Receiver of a 1:1 conversation.
func ContactReceiver(uid UID) Receiver {
	return Receiver{Type: protocol.ReceiverContact, UID: uid}
}

// GroupReceiver returns the Receiver of a group conversation.
func GroupReceiver(uid UID) Receiver {
	return Receiver{Type: protocol.ReceiverGroup, UID: uid}
}

func (r Receiver) String() string {
	if r.Type == protocol.ReceiverGroup {
		return fmt.Sprintf("group:%d", r.UID)
	}
	return fmt.Sprintf("contact:%d", r.UID)
}

// Conversation holds the messages exchanged with a Receiver.
type Conversation struct {
	UID        UID
	Receiver   Receiver
	LastUpdate time.Time
	Unread     int
}

// Direction of a conversation message.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// MessageKind is the kind of a conversation message.
type MessageKind int

const (
	KindText MessageKind = iota
	KindFile
	KindLocation
	KindDeleted
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	case KindLocation:
		return "location"
	case KindDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// ReactionType is the reaction carried by a delivery receipt.
type ReactionType int

const (
	ReactionAcknowledge ReactionType = iota
	ReactionDecline
)

// Reaction of a single sender to a message.
type Reaction struct {
	Sender protocol.IdentityString
	Type   ReactionType
	At     time.Time
}

// Message is a conversation message.  A deleted message is a tombstone:
// it carries no body, no quote and no reactions.
type Message struct {
	UID          UID
	ID           protocol.MessageID
	Conversation UID
	Direction    Direction
	Kind         MessageKind

	// Sender is the contact UID of an inbound message.
	Sender UID

	CreatedAt   time.Time
	ReceivedAt  time.Time
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	DeletedAt   time.Time

	Text     string
	File     *validate.FileJSON
	Location *validate.Location
	QuotedID *protocol.MessageID

	Reactions []Reaction
}

// IsSent returns true once the message was acknowledged or reflected.
func (m *Message) IsSent() bool {
	return !m.SentAt.IsZero()
}

func (m *Message) tombstone(at time.Time) {
	m.Kind = KindDeleted
	m.Text = ""
	m.File = nil
	m.Location = nil
	m.QuotedID = nil
	m.Reactions = nil
	m.DeletedAt = at
}
