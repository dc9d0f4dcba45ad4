// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "fmt"

// CspE2eType is the type byte of an end-to-end encrypted message.
type CspE2eType uint8

const (
	TypeText                         CspE2eType = 0x01
	TypeDeprecatedImage              CspE2eType = 0x02
	TypeLocation                     CspE2eType = 0x10
	TypeDeprecatedVideo              CspE2eType = 0x13
	TypeDeprecatedAudio              CspE2eType = 0x14
	TypeFile                         CspE2eType = 0x17
	TypeContactSetProfilePicture     CspE2eType = 0x18
	TypeContactDeleteProfilePicture  CspE2eType = 0x19
	TypeContactRequestProfilePicture CspE2eType = 0x1a
	TypeGroupText                    CspE2eType = 0x41
	TypeGroupLocation                CspE2eType = 0x42
	TypeGroupFile                    CspE2eType = 0x46
	TypeGroupSetup                   CspE2eType = 0x4a
	TypeGroupName                    CspE2eType = 0x4b
	TypeGroupLeave                   CspE2eType = 0x4c
	TypeGroupSetProfilePicture       CspE2eType = 0x50
	TypeGroupSyncRequest             CspE2eType = 0x51
	TypeGroupDeleteProfilePicture    CspE2eType = 0x54
	TypeDeliveryReceipt              CspE2eType = 0x80
	TypeGroupDeliveryReceipt         CspE2eType = 0x81
	TypeTypingIndicator              CspE2eType = 0x90
)

var typeNames = map[CspE2eType]string{
	TypeText:                         "text",
	TypeDeprecatedImage:              "deprecated-image",
	TypeLocation:                     "location",
	TypeDeprecatedVideo:              "deprecated-video",
	TypeDeprecatedAudio:              "deprecated-audio",
	TypeFile:                         "file",
	TypeContactSetProfilePicture:     "contact-set-profile-picture",
	TypeContactDeleteProfilePicture:  "contact-delete-profile-picture",
	TypeContactRequestProfilePicture: "contact-request-profile-picture",
	TypeGroupText:                    "group-text",
	TypeGroupLocation:                "group-location",
	TypeGroupFile:                    "group-file",
	TypeGroupSetup:                   "group-setup",
	TypeGroupName:                    "group-name",
	TypeGroupLeave:                   "group-leave",
	TypeGroupSetProfilePicture:       "group-set-profile-picture",
	TypeGroupSyncRequest:             "group-sync-request",
	TypeGroupDeleteProfilePicture:    "group-delete-profile-picture",
	TypeDeliveryReceipt:              "delivery-receipt",
	TypeGroupDeliveryReceipt:         "group-delivery-receipt",
	TypeTypingIndicator:              "typing-indicator",
}

// String implements fmt.Stringer.
func (t CspE2eType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// IsValid returns true iff t is a known message type.
func (t CspE2eType) IsValid() bool {
	_, ok := typeNames[t]
	return ok
}

// ContainerKind is the group container wrapping a message body.
type ContainerKind int

const (
	ContainerNone ContainerKind = iota
	ContainerGroupCreator
	ContainerGroupMember
)

// GatewayCreatorPolicy decides whether group messages are sent to a
// gateway group creator.
type GatewayCreatorPolicy int

const (
	GatewayCreatorNotApplicable GatewayCreatorPolicy = iota
	GatewayCreatorIfCaptured
	GatewayCreatorAlways
)

// CapturedGroupNamePrefix marks groups whose gateway creator captures
// messages.
const CapturedGroupNamePrefix = "☁"

// ReflectProperties describe which directions of a type are reflected to
// the other devices of the device group.
type ReflectProperties struct {
	Incoming bool
	Outgoing bool

	// OutgoingSentUpdate requests an OutgoingMessageUpdate.Sent
	// reflection once the message was acknowledged by the server.
	OutgoingSentUpdate bool
}

// MessageTypeProperties describe how a message type is processed.
type MessageTypeProperties struct {
	Type                 CspE2eType
	Receiver             ReceiverType
	Container            ContainerKind
	Reflect              ReflectProperties
	ExemptFromBlocking   bool
	DeliveryReceipts     bool
	ImplicitContact      bool
	SendToGatewayCreator GatewayCreatorPolicy
	Flags                CspMessageFlags
}

func contactConversation(t CspE2eType) MessageTypeProperties {
	return MessageTypeProperties{
		Type:             t,
		Receiver:         ReceiverContact,
		Container:        ContainerNone,
		Reflect:          ReflectProperties{Incoming: true, Outgoing: true, OutgoingSentUpdate: true},
		DeliveryReceipts: true,
		ImplicitContact:  true,
		Flags:            FlagSendPush,
	}
}

func groupConversation(t CspE2eType) MessageTypeProperties {
	return MessageTypeProperties{
		Type:                 t,
		Receiver:             ReceiverGroup,
		Container:            ContainerGroupMember,
		Reflect:              ReflectProperties{Incoming: true, Outgoing: true, OutgoingSentUpdate: true},
		SendToGatewayCreator: GatewayCreatorIfCaptured,
		Flags:                FlagSendPush | FlagGroupMessage,
	}
}

func groupControl(t CspE2eType, c ContainerKind, gw GatewayCreatorPolicy) MessageTypeProperties {
	return MessageTypeProperties{
		Type:                 t,
		Receiver:             ReceiverGroup,
		Container:            c,
		Reflect:              ReflectProperties{Incoming: true, Outgoing: true},
		ExemptFromBlocking:   true,
		SendToGatewayCreator: gw,
		Flags:                FlagGroupMessage,
	}
}

func contactControl(t CspE2eType, reflectOutgoing bool) MessageTypeProperties {
	return MessageTypeProperties{
		Type:     t,
		Receiver: ReceiverContact,
		Reflect:  ReflectProperties{Incoming: true, Outgoing: reflectOutgoing},
	}
}

var messageTypeProperties = func() map[CspE2eType]MessageTypeProperties {
	m := make(map[CspE2eType]MessageTypeProperties)
	for _, t := range []CspE2eType{TypeText, TypeDeprecatedImage, TypeLocation, TypeDeprecatedVideo, TypeDeprecatedAudio, TypeFile} {
		m[t] = contactConversation(t)
	}
	for _, t := range []CspE2eType{TypeGroupText, TypeGroupLocation, TypeGroupFile} {
		m[t] = groupConversation(t)
	}
	m[TypeGroupSetup] = groupControl(TypeGroupSetup, ContainerGroupCreator, GatewayCreatorNotApplicable)
	m[TypeGroupName] = groupControl(TypeGroupName, ContainerGroupCreator, GatewayCreatorNotApplicable)
	m[TypeGroupSetProfilePicture] = groupControl(TypeGroupSetProfilePicture, ContainerGroupCreator, GatewayCreatorNotApplicable)
	m[TypeGroupDeleteProfilePicture] = groupControl(TypeGroupDeleteProfilePicture, ContainerGroupCreator, GatewayCreatorNotApplicable)
	m[TypeGroupSyncRequest] = groupControl(TypeGroupSyncRequest, ContainerGroupCreator, GatewayCreatorAlways)
	m[TypeGroupLeave] = groupControl(TypeGroupLeave, ContainerGroupMember, GatewayCreatorAlways)

	m[TypeContactSetProfilePicture] = contactControl(TypeContactSetProfilePicture, true)
	m[TypeContactDeleteProfilePicture] = contactControl(TypeContactDeleteProfilePicture, true)
	m[TypeContactRequestProfilePicture] = contactControl(TypeContactRequestProfilePicture, false)

	m[TypeDeliveryReceipt] = MessageTypeProperties{
		Type:     TypeDeliveryReceipt,
		Receiver: ReceiverContact,
		Reflect:  ReflectProperties{Incoming: true, Outgoing: true},
	}
	m[TypeGroupDeliveryReceipt] = MessageTypeProperties{
		Type:                 TypeGroupDeliveryReceipt,
		Receiver:             ReceiverGroup,
		Container:            ContainerGroupMember,
		Reflect:              ReflectProperties{Incoming: true, Outgoing: true},
		SendToGatewayCreator: GatewayCreatorIfCaptured,
		Flags:                FlagGroupMessage,
	}
	m[TypeTypingIndicator] = MessageTypeProperties{
		Type:     TypeTypingIndicator,
		Receiver: ReceiverContact,
		Reflect:  ReflectProperties{Incoming: true},
		Flags:    FlagDontQueue | FlagDontAck,
	}
	return m
}()

// PropertiesOf returns the processing properties of t.
func PropertiesOf(t CspE2eType) (MessageTypeProperties, bool) {
	p, ok := messageTypeProperties[t]
	return p, ok
}

// ShouldSendGroupMessageToCreator decides whether a group message of type t
// goes to the group creator.  Regular creators always receive group
// messages; gateway creators only by policy.
func ShouldSendGroupMessageToCreator(groupName string, creator IdentityString, t CspE2eType) bool {
	if !creator.IsGateway() {
		return true
	}
	p, ok := PropertiesOf(t)
	if !ok {
		return false
	}
	switch p.SendToGatewayCreator {
	case GatewayCreatorAlways:
		return true
	case GatewayCreatorIfCaptured:
		return len(groupName) >= len(CapturedGroupNamePrefix) && groupName[:len(CapturedGroupNamePrefix)] == CapturedGroupNamePrefix
	default:
		return false
	}
}
