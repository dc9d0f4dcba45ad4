// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the identifiers, constants and enumerations
// shared by the chat server protocol (CSP) and the device to mediator
// (D2M) protocol.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// IdentityLength is the length of an identity string in bytes.
	IdentityLength = 8

	// NonceLength is the length of a NaCl nonce.
	NonceLength = 24

	// CookieLength is the length of a connection cookie.
	CookieLength = 16

	// KeyLength is the length of a NaCl public, secret or shared key.
	KeyLength = 32

	// BlobIDLength is the length of a blob id.
	BlobIDLength = 16

	// NicknameLength is the length of the legacy sender nickname field.
	NicknameLength = 32
)

// Size limits of the chat server protocol.
const (
	MaxFrameLength              = 8192
	MaxPayloadContainerLength   = 8176
	MaxPayloadLength            = 8172
	MaxMessageBoxLength         = 8084
	MinPaddedMessageLength      = 7812
	MaxPaddedMessageLength      = 8066
	MinMessagePaddingTotalBytes = 32
)

// IdentityString is an 8 character identity as used on the wire.
type IdentityString string

// Bytes returns the wire representation of the identity.
func (i IdentityString) Bytes() []byte {
	return []byte(i)
}

// IsGateway returns true for gateway identities.
func (i IdentityString) IsGateway() bool {
	return len(i) > 0 && i[0] == '*'
}

// MessageID is a 64 bit random message identifier, unique per sender.
type MessageID uint64

// String returns the little endian hex representation of the id.
func (id MessageID) String() string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return hex.EncodeToString(b[:])
}

// GroupID is a 64 bit group identifier, only unique together with the
// creator identity.
type GroupID uint64

// String returns the little endian hex representation of the id.
func (id GroupID) String() string {
	return MessageID(id).String()
}

// GroupKey globally identifies a group.
type GroupKey struct {
	Creator IdentityString
	ID      GroupID
}

// String implements fmt.Stringer.
func (k GroupKey) String() string {
	return fmt.Sprintf("%s.%s", k.Creator, k.ID)
}

// Nonce is a NaCl nonce.
type Nonce [NonceLength]byte

// Cookie is a CSP connection cookie.
type Cookie [CookieLength]byte

// BlobID identifies a blob on the blob server.
type BlobID [BlobIDLength]byte

// String implements fmt.Stringer.
func (b BlobID) String() string {
	return hex.EncodeToString(b[:])
}

// DeviceID identifies one device of a device group.
type DeviceID uint64
