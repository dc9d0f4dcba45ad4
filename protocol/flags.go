// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "strings"

// CspMessageFlags is the flags byte of an end-to-end message.
type CspMessageFlags uint8

const (
	FlagSendPush                 CspMessageFlags = 0x01
	FlagDontQueue                CspMessageFlags = 0x02
	FlagDontAck                  CspMessageFlags = 0x04
	FlagGroupMessage             CspMessageFlags = 0x10
	FlagImmediateDelivery        CspMessageFlags = 0x20
	FlagDontSendDeliveryReceipts CspMessageFlags = 0x40
)

// FromBitmask interprets a wire flags byte.  Unknown bits are dropped.
func FromBitmask(b uint8) CspMessageFlags {
	return CspMessageFlags(b) & (FlagSendPush | FlagDontQueue | FlagDontAck | FlagGroupMessage | FlagImmediateDelivery | FlagDontSendDeliveryReceipts)
}

// Bitmask returns the wire flags byte.
func (f CspMessageFlags) Bitmask() uint8 {
	return uint8(f)
}

// Has returns true iff every flag in o is set.
func (f CspMessageFlags) Has(o CspMessageFlags) bool {
	return f&o == o
}

// String implements fmt.Stringer.
func (f CspMessageFlags) String() string {
	var s []string
	for _, v := range []struct {
		f CspMessageFlags
		n string
	}{
		{FlagSendPush, "push"},
		{FlagDontQueue, "dont-queue"},
		{FlagDontAck, "dont-ack"},
		{FlagGroupMessage, "group"},
		{FlagImmediateDelivery, "immediate"},
		{FlagDontSendDeliveryReceipts, "no-receipts"},
	} {
		if f.Has(v.f) {
			s = append(s, v.n)
		}
	}
	return "[" + strings.Join(s, ",") + "]"
}

// D2mPayloadType is the type byte of a D2M container.
type D2mPayloadType uint8

const (
	D2mProxy                D2mPayloadType = 0x00
	D2mBeginTransaction     D2mPayloadType = 0x40
	D2mBeginTransactionAck  D2mPayloadType = 0x41
	D2mCommitTransaction    D2mPayloadType = 0x42
	D2mCommitTransactionAck D2mPayloadType = 0x43
	D2mTransactionRejected  D2mPayloadType = 0x44
	D2mTransactionEnded     D2mPayloadType = 0x45
	D2mReflect              D2mPayloadType = 0x80
	D2mReflectAck           D2mPayloadType = 0x81
	D2mReflected            D2mPayloadType = 0x82
	D2mReflectedAck         D2mPayloadType = 0x83
)

// CspPayloadType is the type byte of a CSP payload container carried in a
// D2M proxy frame.
type CspPayloadType uint8

const (
	CspOutgoingMessage    CspPayloadType = 0x01
	CspIncomingMessage    CspPayloadType = 0x02
	CspOutgoingMessageAck CspPayloadType = 0x81
	CspIncomingMessageAck CspPayloadType = 0x82
	CspAlert              CspPayloadType = 0xe0
	CspCloseError         CspPayloadType = 0xe1
)
