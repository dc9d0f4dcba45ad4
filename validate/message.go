// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

// Message is a validated end-to-end message body.  The set of
// implementations is closed to this package.
type Message interface {
	Type() protocol.CspE2eType
	isMessage()
}

// GroupRef identifies the group a group message belongs to.
type GroupRef struct {
	Creator protocol.IdentityString
	GroupID protocol.GroupID
}

// Key returns the global group key.
func (g GroupRef) Key() protocol.GroupKey {
	return protocol.GroupKey{Creator: g.Creator, ID: g.GroupID}
}

type (
	// Text is a 1:1 text message.
	Text struct{ Text string }

	// LocationMessage is a 1:1 location message.
	LocationMessage struct{ Location Location }

	// File is a 1:1 file message.
	File struct{ File FileJSON }

	// GroupText is a group text message.
	GroupText struct {
		Group GroupRef
		Text  string
	}

	// GroupLocation is a group location message.
	GroupLocation struct {
		Group    GroupRef
		Location Location
	}

	// GroupFile is a group file message.
	GroupFile struct {
		Group GroupRef
		File  FileJSON
	}

	// GroupSetup is sent by the creator.  Members excludes the creator.
	GroupSetup struct {
		Group   GroupRef
		Members []protocol.IdentityString
	}

	// GroupName is sent by the creator.
	GroupName struct {
		Group GroupRef
		Name  string
	}

	// GroupLeave is sent by a member leaving the group.
	GroupLeave struct{ Group GroupRef }

	// GroupSyncRequest is sent by a member to the creator.
	GroupSyncRequest struct{ Group GroupRef }

	// DeliveryReceipt is a 1:1 delivery receipt.
	DeliveryReceipt struct {
		Status     protocol.DeliveryReceiptStatus
		MessageIDs []protocol.MessageID
	}

	// GroupDeliveryReceipt is a group reaction receipt.
	GroupDeliveryReceipt struct {
		Group   GroupRef
		Receipt DeliveryReceipt
	}
)

func (*Text) Type() protocol.CspE2eType                 { return protocol.TypeText }
func (*LocationMessage) Type() protocol.CspE2eType      { return protocol.TypeLocation }
func (*File) Type() protocol.CspE2eType                 { return protocol.TypeFile }
func (*GroupText) Type() protocol.CspE2eType            { return protocol.TypeGroupText }
func (*GroupLocation) Type() protocol.CspE2eType        { return protocol.TypeGroupLocation }
func (*GroupFile) Type() protocol.CspE2eType            { return protocol.TypeGroupFile }
func (*GroupSetup) Type() protocol.CspE2eType           { return protocol.TypeGroupSetup }
func (*GroupName) Type() protocol.CspE2eType            { return protocol.TypeGroupName }
func (*GroupLeave) Type() protocol.CspE2eType           { return protocol.TypeGroupLeave }
func (*GroupSyncRequest) Type() protocol.CspE2eType     { return protocol.TypeGroupSyncRequest }
func (*DeliveryReceipt) Type() protocol.CspE2eType      { return protocol.TypeDeliveryReceipt }
func (*GroupDeliveryReceipt) Type() protocol.CspE2eType { return protocol.TypeGroupDeliveryReceipt }

func (*Text) isMessage()                 {}
func (*LocationMessage) isMessage()      {}
func (*File) isMessage()                 {}
func (*GroupText) isMessage()            {}
func (*GroupLocation) isMessage()        {}
func (*GroupFile) isMessage()            {}
func (*GroupSetup) isMessage()           {}
func (*GroupName) isMessage()            {}
func (*GroupLeave) isMessage()           {}
func (*GroupSyncRequest) isMessage()     {}
func (*DeliveryReceipt) isMessage()      {}
func (*GroupDeliveryReceipt) isMessage() {}

// Body validates the unpadded body of a message of type t sent by sender.
func Body(sender protocol.IdentityString, t protocol.CspE2eType, data []byte) (Message, error) {
	switch t {
	case protocol.TypeText:
		s, err := text(data)
		if err != nil {
			return nil, err
		}
		return &Text{Text: s}, nil
	case protocol.TypeLocation:
		l, err := ParseLocation(data)
		if err != nil {
			return nil, err
		}
		return &LocationMessage{Location: *l}, nil
	case protocol.TypeFile:
		f, err := ParseFileJSON(data)
		if err != nil {
			return nil, err
		}
		return &File{File: *f}, nil

	case protocol.TypeGroupText, protocol.TypeGroupLocation, protocol.TypeGroupFile,
		protocol.TypeGroupLeave, protocol.TypeGroupDeliveryReceipt:
		return groupMemberBody(t, data)

	case protocol.TypeGroupSetup, protocol.TypeGroupName, protocol.TypeGroupSyncRequest:
		return groupCreatorBody(sender, t, data)

	case protocol.TypeDeliveryReceipt:
		r, err := deliveryReceipt(data)
		if err != nil {
			return nil, err
		}
		return r, nil

	case protocol.TypeDeprecatedImage, protocol.TypeDeprecatedVideo, protocol.TypeDeprecatedAudio,
		protocol.TypeContactSetProfilePicture, protocol.TypeContactDeleteProfilePicture,
		protocol.TypeContactRequestProfilePicture, protocol.TypeGroupSetProfilePicture,
		protocol.TypeGroupDeleteProfilePicture, protocol.TypeTypingIndicator:
		return nil, ErrUnhandledType
	default:
		return nil, invalid("type", "unknown message type %s", t)
	}
}

func text(b []byte) (string, error) {
	if !isUTF8(b) {
		return "", invalid("text", "not UTF-8")
	}
	return string(b), nil
}

func deliveryReceipt(data []byte) (*DeliveryReceipt, error) {
	raw, err := wire.DecodeDeliveryReceipt(data)
	if err != nil {
		return nil, err
	}
	status := protocol.DeliveryReceiptStatus(raw.Status)
	if !status.IsValid() {
		return nil, invalid("delivery-receipt.status", "%d", raw.Status)
	}
	if len(raw.MessageIDs) == 0 {
		return nil, invalid("delivery-receipt.message-ids", "empty")
	}
	return &DeliveryReceipt{Status: status, MessageIDs: raw.MessageIDs}, nil
}

func groupMemberBody(t protocol.CspE2eType, data []byte) (Message, error) {
	c, err := wire.DecodeGroupMemberContainer(data)
	if err != nil {
		return nil, err
	}
	creator, err := Identity(string(c.CreatorIdentity))
	if err != nil {
		return nil, &ValidationError{Field: "group-member-container.creator-identity", Reason: err.Error()}
	}
	ref := GroupRef{Creator: creator, GroupID: c.GroupID}
	inner := []byte(c.InnerData.(wire.Bytes))

	switch t {
	case protocol.TypeGroupText:
		s, err := text(inner)
		if err != nil {
			return nil, err
		}
		return &GroupText{Group: ref, Text: s}, nil
	case protocol.TypeGroupLocation:
		l, err := ParseLocation(inner)
		if err != nil {
			return nil, err
		}
		return &GroupLocation{Group: ref, Location: *l}, nil
	case protocol.TypeGroupFile:
		f, err := ParseFileJSON(inner)
		if err != nil {
			return nil, err
		}
		return &GroupFile{Group: ref, File: *f}, nil
	case protocol.TypeGroupLeave:
		return &GroupLeave{Group: ref}, nil
	case protocol.TypeGroupDeliveryReceipt:
		r, err := deliveryReceipt(inner)
		if err != nil {
			return nil, err
		}
		if r.Status != protocol.ReceiptAcknowledged && r.Status != protocol.ReceiptDeclined {
			return nil, invalid("group-delivery-receipt.status", "%s", r.Status)
		}
		return &GroupDeliveryReceipt{Group: ref, Receipt: *r}, nil
	}
	panic("validate: unreachable group member type " + t.String())
}

func groupCreatorBody(sender protocol.IdentityString, t protocol.CspE2eType, data []byte) (Message, error) {
	c, err := wire.DecodeGroupCreatorContainer(data)
	if err != nil {
		return nil, err
	}
	ref := GroupRef{Creator: sender, GroupID: c.GroupID}
	inner := []byte(c.InnerData.(wire.Bytes))

	switch t {
	case protocol.TypeGroupSetup:
		raw, err := wire.DecodeGroupSetup(inner)
		if err != nil {
			return nil, err
		}
		members, err := GroupSetupMembers(sender, raw.Members)
		if err != nil {
			return nil, err
		}
		return &GroupSetup{Group: ref, Members: members}, nil
	case protocol.TypeGroupName:
		name, err := NormalizeGroupName(inner)
		if err != nil {
			return nil, err
		}
		return &GroupName{Group: ref, Name: name}, nil
	case protocol.TypeGroupSyncRequest:
		return &GroupSyncRequest{Group: ref}, nil
	}
	panic("validate: unreachable group creator type " + t.String())
}
