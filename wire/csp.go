// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"math"

	"github.com/katzenpost/multidevice/protocol"
)

// messageHeaderLength is the fixed part of a MessageWithMetadataBox.
const messageHeaderLength = 2*protocol.IdentityLength + 8 + 4 + 1 + 1 + 2 + protocol.NicknameLength

// MessageWithMetadataBox is the payload of an outgoing or incoming message.
type MessageWithMetadataBox struct {
	SenderIdentity       protocol.IdentityString
	ReceiverIdentity     protocol.IdentityString
	MessageID            protocol.MessageID
	CreatedAt            uint32
	Flags                uint8
	LegacySenderNickname [protocol.NicknameLength]byte
	MetadataContainer    []byte
	MessageNonce         protocol.Nonce
	MessageBox           []byte
}

// ByteLength implements Encodable.
func (m *MessageWithMetadataBox) ByteLength() int {
	return messageHeaderLength + len(m.MetadataContainer) + protocol.NonceLength + len(m.MessageBox)
}

// Encode implements Encodable.  It panics if the metadata container does
// not fit its u16 length field.
func (m *MessageWithMetadataBox) Encode(dst []byte) []byte {
	if len(m.MetadataContainer) > math.MaxUint16 {
		panic("wire: metadata container too large")
	}
	dst = appendIdentity(dst, m.SenderIdentity)
	dst = appendIdentity(dst, m.ReceiverIdentity)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(m.MessageID))
	dst = binary.LittleEndian.AppendUint32(dst, m.CreatedAt)
	dst = append(dst, m.Flags, 0)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m.MetadataContainer)))
	dst = append(dst, m.LegacySenderNickname[:]...)
	dst = append(dst, m.MetadataContainer...)
	dst = append(dst, m.MessageNonce[:]...)
	return append(dst, m.MessageBox...)
}

// DecodeMessageWithMetadataBox decodes a MessageWithMetadataBox.
func DecodeMessageWithMetadataBox(b []byte) (*MessageWithMetadataBox, error) {
	d := newDecoder("message-with-metadata-box", b)
	m := &MessageWithMetadataBox{
		SenderIdentity:   d.identity("sender-identity"),
		ReceiverIdentity: d.identity("receiver-identity"),
		MessageID:        protocol.MessageID(d.u64("message-id")),
		CreatedAt:        d.u32("created-at"),
		Flags:            d.u8("flags"),
	}
	_ = d.u8("reserved")
	metadataLength := int(d.u16("metadata-length"))
	copy(m.LegacySenderNickname[:], d.take(protocol.NicknameLength, "legacy-sender-nickname"))
	if md := d.take(metadataLength, "metadata-container"); len(md) > 0 {
		m.MetadataContainer = append([]byte{}, md...)
	}
	copy(m.MessageNonce[:], d.take(protocol.NonceLength, "message-nonce"))
	m.MessageBox = d.rest()
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// Nickname returns the legacy nickname with trailing zero bytes removed.
func (m *MessageWithMetadataBox) Nickname() string {
	n := m.LegacySenderNickname[:]
	for len(n) > 0 && n[len(n)-1] == 0 {
		n = n[:len(n)-1]
	}
	return string(n)
}

// MessageAck acknowledges an incoming or outgoing message.
type MessageAck struct {
	Identity  protocol.IdentityString
	MessageID protocol.MessageID
}

// ByteLength implements Encodable.
func (a *MessageAck) ByteLength() int { return protocol.IdentityLength + 8 }

// Encode implements Encodable.
func (a *MessageAck) Encode(dst []byte) []byte {
	dst = appendIdentity(dst, a.Identity)
	return binary.LittleEndian.AppendUint64(dst, uint64(a.MessageID))
}

// DecodeMessageAck decodes a MessageAck.
func DecodeMessageAck(b []byte) (*MessageAck, error) {
	d := newDecoder("message-ack", b)
	a := &MessageAck{
		Identity:  d.identity("identity"),
		MessageID: protocol.MessageID(d.u64("message-id")),
	}
	if d.err != nil {
		return nil, d.err
	}
	return a, nil
}
