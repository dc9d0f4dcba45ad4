// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

// Message is a decoded D2M or proxied CSP message.  The set of
// implementations is closed to this package.
type Message interface {
	// Kind returns a short name used in logs.
	Kind() string

	isMessage()
}

// Messages sent by the device.
type (
	// Reflect asks the mediator to reflect an encrypted envelope to the
	// other devices.
	Reflect struct {
		ReflectID uint32
		Flags     uint16
		Envelope  []byte
	}

	// ReflectedAck acknowledges a Reflected message.
	ReflectedAck struct{ ReflectID uint32 }

	// BeginTransaction requests the transaction lock of the device group.
	BeginTransaction struct {
		EncryptedScope []byte
		TTL            uint32
	}

	// CommitTransaction releases the transaction lock.
	CommitTransaction struct{}

	// OutgoingMessage is a CSP message to another user.
	OutgoingMessage struct{ Box *wire.MessageWithMetadataBox }

	// IncomingMessageAck acknowledges an IncomingMessage to the server.
	IncomingMessageAck struct{ Ack wire.MessageAck }
)

// Messages received by the device.
type (
	// ReflectAck confirms a Reflect with the mediator timestamp.
	ReflectAck struct {
		ReflectID uint32
		Timestamp uint64
	}

	// Reflected is an envelope reflected by another device.
	Reflected struct {
		ReflectID uint32
		Flags     uint16
		Timestamp uint64
		Envelope  []byte
	}

	// BeginTransactionAck confirms that the transaction lock is held.
	BeginTransactionAck struct{}

	// CommitTransactionAck confirms the release of the transaction lock.
	CommitTransactionAck struct{}

	// TransactionRejected reports that another device holds the lock.
	TransactionRejected struct {
		DeviceID       protocol.DeviceID
		EncryptedScope []byte
	}

	// TransactionEnded reports that another device released the lock.
	TransactionEnded struct {
		DeviceID       protocol.DeviceID
		EncryptedScope []byte
	}

	// IncomingMessage is a CSP message from another user.
	IncomingMessage struct{ Box *wire.MessageWithMetadataBox }

	// OutgoingMessageAck confirms an OutgoingMessage.
	OutgoingMessageAck struct{ Ack wire.MessageAck }

	// Alert is a server notice.
	Alert struct{ Message string }

	// CloseError announces that the server closes the connection.
	CloseError struct {
		CanReconnect bool
		Message      string
	}
)

func (*Reflect) Kind() string              { return "reflect" }
func (*ReflectedAck) Kind() string         { return "reflected-ack" }
func (*BeginTransaction) Kind() string     { return "begin-transaction" }
func (*CommitTransaction) Kind() string    { return "commit-transaction" }
func (*OutgoingMessage) Kind() string      { return "outgoing-message" }
func (*IncomingMessageAck) Kind() string   { return "incoming-message-ack" }
func (*ReflectAck) Kind() string           { return "reflect-ack" }
func (*Reflected) Kind() string            { return "reflected" }
func (*BeginTransactionAck) Kind() string  { return "begin-transaction-ack" }
func (*CommitTransactionAck) Kind() string { return "commit-transaction-ack" }
func (*TransactionRejected) Kind() string  { return "transaction-rejected" }
func (*TransactionEnded) Kind() string     { return "transaction-ended" }
func (*IncomingMessage) Kind() string      { return "incoming-message" }
func (*OutgoingMessageAck) Kind() string   { return "outgoing-message-ack" }
func (*Alert) Kind() string                { return "alert" }
func (*CloseError) Kind() string           { return "close-error" }

func (*Reflect) isMessage()              {}
func (*ReflectedAck) isMessage()         {}
func (*BeginTransaction) isMessage()     {}
func (*CommitTransaction) isMessage()    {}
func (*OutgoingMessage) isMessage()      {}
func (*IncomingMessageAck) isMessage()   {}
func (*ReflectAck) isMessage()           {}
func (*Reflected) isMessage()            {}
func (*BeginTransactionAck) isMessage()  {}
func (*CommitTransactionAck) isMessage() {}
func (*TransactionRejected) isMessage()  {}
func (*TransactionEnded) isMessage()     {}
func (*IncomingMessage) isMessage()      {}
func (*OutgoingMessageAck) isMessage()   {}
func (*Alert) isMessage()                {}
func (*CloseError) isMessage()           {}
