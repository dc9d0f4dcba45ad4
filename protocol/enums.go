// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "fmt"

// ReceiverType distinguishes 1:1 conversations from group conversations.
type ReceiverType int

const (
	ReceiverContact ReceiverType = iota
	ReceiverGroup
)

// GroupUserState is the state of the local user within a group.
type GroupUserState int

const (
	GroupMember GroupUserState = iota
	GroupKicked
	GroupLeft
)

// String implements fmt.Stringer.
func (s GroupUserState) String() string {
	switch s {
	case GroupMember:
		return "member"
	case GroupKicked:
		return "kicked"
	case GroupLeft:
		return "left"
	default:
		return fmt.Sprintf("GroupUserState(%d)", int(s))
	}
}

// AcquaintanceLevel records how a contact became known.
type AcquaintanceLevel int

const (
	AcquaintanceDirect AcquaintanceLevel = iota
	AcquaintanceGroupOrDeleted
)

// ActivityState is the directory state of an identity.
type ActivityState int

const (
	ActivityActive ActivityState = iota
	ActivityInactive
	ActivityInvalid
)

// IdentityType is the directory type of an identity.
type IdentityType int

const (
	IdentityRegular IdentityType = iota
	IdentityWork
)

// VerificationLevel is how strongly a contact's public key is verified.
type VerificationLevel int

const (
	VerificationUnverified VerificationLevel = iota
	VerificationServer
	VerificationFully
)

// DeliveryReceiptStatus is the status byte of a delivery receipt.
type DeliveryReceiptStatus uint8

const (
	ReceiptReceived     DeliveryReceiptStatus = 1
	ReceiptRead         DeliveryReceiptStatus = 2
	ReceiptAcknowledged DeliveryReceiptStatus = 3
	ReceiptDeclined     DeliveryReceiptStatus = 4
)

// IsValid returns true iff s is a known status.
func (s DeliveryReceiptStatus) IsValid() bool {
	return s >= ReceiptReceived && s <= ReceiptDeclined
}

// String implements fmt.Stringer.
func (s DeliveryReceiptStatus) String() string {
	switch s {
	case ReceiptReceived:
		return "received"
	case ReceiptRead:
		return "read"
	case ReceiptAcknowledged:
		return "acknowledged"
	case ReceiptDeclined:
		return "declined"
	default:
		return fmt.Sprintf("DeliveryReceiptStatus(%d)", uint8(s))
	}
}

// TransactionScope names the critical section a D2D transaction protects.
type TransactionScope uint8

const (
	ScopeUserProfileSync TransactionScope = iota
	ScopeContactSync
	ScopeGroupSync
	ScopeDistributionListSync
	ScopeSettingsSync
	ScopeNewDeviceSync
)

// String implements fmt.Stringer.
func (s TransactionScope) String() string {
	switch s {
	case ScopeUserProfileSync:
		return "user-profile-sync"
	case ScopeContactSync:
		return "contact-sync"
	case ScopeGroupSync:
		return "group-sync"
	case ScopeDistributionListSync:
		return "distribution-list-sync"
	case ScopeSettingsSync:
		return "settings-sync"
	case ScopeNewDeviceSync:
		return "new-device-sync"
	default:
		return fmt.Sprintf("TransactionScope(%d)", uint8(s))
	}
}

// NonceScope separates the nonce namespaces of the two protocols.
type NonceScope uint8

const (
	NonceScopeCSP NonceScope = iota
	NonceScopeD2D
)

// String implements fmt.Stringer.
func (s NonceScope) String() string {
	if s == NonceScopeD2D {
		return "d2d"
	}
	return "csp"
}

// NotificationPolicy overrides the default notification behaviour of a
// conversation.
type NotificationPolicy int

const (
	NotifyDefault NotificationPolicy = iota
	NotifyMuted
	NotifyMentionsOnly
)
