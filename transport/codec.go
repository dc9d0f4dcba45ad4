// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

type transactionFrame struct {
	DeviceID       protocol.DeviceID `cbor:"1,keyasint,omitempty"`
	EncryptedScope []byte            `cbor:"2,keyasint"`
	TTL            uint32            `cbor:"3,keyasint,omitempty"`
}

// Codec reads and writes Messages over a Conn.  CSP messages are sealed
// with the Session and proxied in D2M proxy frames.
type Codec struct {
	conn    Conn
	session *Session
}

// NewCodec returns a Codec.  The same codec serves both sides of a
// connection; the message types differ per direction.
func NewCodec(conn Conn, session *Session) *Codec {
	return &Codec{conn: conn, session: session}
}

// Close closes the underlying Conn.
func (c *Codec) Close() error {
	return c.conn.Close()
}

func d2m(t protocol.D2mPayloadType, payload []byte) (*wire.PayloadContainer, bool) {
	return &wire.PayloadContainer{Type: uint8(t), Payload: payload}, false
}

func csp(t protocol.CspPayloadType, payload []byte) (*wire.PayloadContainer, bool) {
	return &wire.PayloadContainer{Type: uint8(t), Payload: payload}, true
}

func encodeTransaction(f *transactionFrame) []byte {
	b, err := cbor.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(m Message) (*wire.PayloadContainer, bool) {
	switch m := m.(type) {
	case *Reflect:
		return d2m(protocol.D2mReflect, wire.Marshal(&wire.Reflect{Flags: m.Flags, ReflectID: m.ReflectID, Envelope: m.Envelope}))
	case *ReflectAck:
		return d2m(protocol.D2mReflectAck, wire.Marshal(&wire.ReflectAck{ReflectID: m.ReflectID, Timestamp: m.Timestamp}))
	case *Reflected:
		return d2m(protocol.D2mReflected, wire.Marshal(&wire.Reflected{
			Flags:       m.Flags,
			ReflectedID: m.ReflectID,
			Timestamp:   m.Timestamp,
			Envelope:    m.Envelope,
		}))
	case *ReflectedAck:
		return d2m(protocol.D2mReflectedAck, wire.Marshal(&wire.ReflectedAck{ReflectedID: m.ReflectID}))
	case *BeginTransaction:
		return d2m(protocol.D2mBeginTransaction, encodeTransaction(&transactionFrame{EncryptedScope: m.EncryptedScope, TTL: m.TTL}))
	case *BeginTransactionAck:
		return d2m(protocol.D2mBeginTransactionAck, nil)
	case *CommitTransaction:
		return d2m(protocol.D2mCommitTransaction, nil)
	case *CommitTransactionAck:
		return d2m(protocol.D2mCommitTransactionAck, nil)
	case *TransactionRejected:
		return d2m(protocol.D2mTransactionRejected, encodeTransaction(&transactionFrame{DeviceID: m.DeviceID, EncryptedScope: m.EncryptedScope}))
	case *TransactionEnded:
		return d2m(protocol.D2mTransactionEnded, encodeTransaction(&transactionFrame{DeviceID: m.DeviceID, EncryptedScope: m.EncryptedScope}))
	case *OutgoingMessage:
		return csp(protocol.CspOutgoingMessage, wire.Marshal(m.Box))
	case *IncomingMessage:
		return csp(protocol.CspIncomingMessage, wire.Marshal(m.Box))
	case *OutgoingMessageAck:
		return csp(protocol.CspOutgoingMessageAck, wire.Marshal(&m.Ack))
	case *IncomingMessageAck:
		return csp(protocol.CspIncomingMessageAck, wire.Marshal(&m.Ack))
	case *Alert:
		return csp(protocol.CspAlert, []byte(m.Message))
	case *CloseError:
		flag := byte(0)
		if m.CanReconnect {
			flag = 1
		}
		return csp(protocol.CspCloseError, append([]byte{flag}, m.Message...))
	default:
		panic(fmt.Sprintf("transport: unreachable message type %T", m))
	}
}

// Write encodes and sends m.
func (c *Codec) Write(ctx context.Context, m Message) error {
	container, proxied := encode(m)
	frame := wire.Marshal(container)
	if proxied {
		sealed, err := c.session.Seal(frame)
		if err != nil {
			return err
		}
		frame = wire.Marshal(&wire.PayloadContainer{Type: uint8(protocol.D2mProxy), Payload: sealed})
	}
	return c.conn.WriteFrame(ctx, frame)
}

// Read receives and decodes the next Message.  Decoding errors are
// returned as wire.MalformedError and leave the Codec usable; errors of
// the Conn are returned unchanged.
func (c *Codec) Read(ctx context.Context) (Message, error) {
	frame, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	container, err := wire.DecodePayloadContainer(frame)
	if err != nil {
		return nil, err
	}
	if protocol.D2mPayloadType(container.Type) != protocol.D2mProxy {
		return decodeD2m(protocol.D2mPayloadType(container.Type), container.Payload)
	}
	plain, err := c.session.Open(container.Payload)
	if err != nil {
		return nil, err
	}
	inner, err := wire.DecodePayloadContainer(plain)
	if err != nil {
		return nil, err
	}
	return decodeCsp(protocol.CspPayloadType(inner.Type), inner.Payload)
}

func decodeTransaction(name string, b []byte) (*transactionFrame, error) {
	f := new(transactionFrame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, &wire.MalformedError{Struct: name, Reason: err.Error()}
	}
	return f, nil
}

func decodeD2m(t protocol.D2mPayloadType, b []byte) (Message, error) {
	switch t {
	case protocol.D2mReflect:
		r, err := wire.DecodeReflect(b)
		if err != nil {
			return nil, err
		}
		return &Reflect{ReflectID: r.ReflectID, Flags: r.Flags, Envelope: r.Envelope}, nil
	case protocol.D2mReflectAck:
		a, err := wire.DecodeReflectAck(b)
		if err != nil {
			return nil, err
		}
		return &ReflectAck{ReflectID: a.ReflectID, Timestamp: a.Timestamp}, nil
	case protocol.D2mReflected:
		r, err := wire.DecodeReflected(b)
		if err != nil {
			return nil, err
		}
		return &Reflected{ReflectID: r.ReflectedID, Flags: r.Flags, Timestamp: r.Timestamp, Envelope: r.Envelope}, nil
	case protocol.D2mReflectedAck:
		a, err := wire.DecodeReflectedAck(b)
		if err != nil {
			return nil, err
		}
		return &ReflectedAck{ReflectID: a.ReflectedID}, nil
	case protocol.D2mBeginTransaction:
		f, err := decodeTransaction("begin-transaction", b)
		if err != nil {
			return nil, err
		}
		return &BeginTransaction{EncryptedScope: f.EncryptedScope, TTL: f.TTL}, nil
	case protocol.D2mBeginTransactionAck:
		return &BeginTransactionAck{}, nil
	case protocol.D2mCommitTransaction:
		return &CommitTransaction{}, nil
	case protocol.D2mCommitTransactionAck:
		return &CommitTransactionAck{}, nil
	case protocol.D2mTransactionRejected:
		f, err := decodeTransaction("transaction-rejected", b)
		if err != nil {
			return nil, err
		}
		return &TransactionRejected{DeviceID: f.DeviceID, EncryptedScope: f.EncryptedScope}, nil
	case protocol.D2mTransactionEnded:
		f, err := decodeTransaction("transaction-ended", b)
		if err != nil {
			return nil, err
		}
		return &TransactionEnded{DeviceID: f.DeviceID, EncryptedScope: f.EncryptedScope}, nil
	default:
		return nil, &wire.MalformedError{Struct: "d2m-container", Reason: fmt.Sprintf("unknown type 0x%02x", uint8(t))}
	}
}

func decodeCsp(t protocol.CspPayloadType, b []byte) (Message, error) {
	switch t {
	case protocol.CspOutgoingMessage, protocol.CspIncomingMessage:
		box, err := wire.DecodeMessageWithMetadataBox(b)
		if err != nil {
			return nil, err
		}
		if t == protocol.CspOutgoingMessage {
			return &OutgoingMessage{Box: box}, nil
		}
		return &IncomingMessage{Box: box}, nil
	case protocol.CspOutgoingMessageAck, protocol.CspIncomingMessageAck:
		a, err := wire.DecodeMessageAck(b)
		if err != nil {
			return nil, err
		}
		if t == protocol.CspOutgoingMessageAck {
			return &OutgoingMessageAck{Ack: *a}, nil
		}
		return &IncomingMessageAck{Ack: *a}, nil
	case protocol.CspAlert:
		if !utf8.Valid(b) {
			return nil, &wire.MalformedError{Struct: "alert", Reason: "invalid utf-8"}
		}
		return &Alert{Message: string(b)}, nil
	case protocol.CspCloseError:
		if len(b) < 1 {
			return nil, &wire.MalformedError{Struct: "close-error", Reason: "truncated"}
		}
		return &CloseError{CanReconnect: b[0] != 0, Message: string(b[1:])}, nil
	default:
		return nil, &wire.MalformedError{Struct: "csp-container", Reason: fmt.Sprintf("unknown type 0x%02x", uint8(t))}
	}
}
