// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire implements the fixed layout binary structures of the chat
// server protocol and the device to mediator protocol.  All integers are
// little endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/katzenpost/multidevice/protocol"
)

// ErrMalformed is matched by every MalformedError.
var ErrMalformed = errors.New("wire: malformed")

// MalformedError is returned when a buffer can not be decoded.
type MalformedError struct {
	Struct string
	Reason string
}

// Error implements error.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("wire: malformed %s: %s", e.Struct, e.Reason)
}

// Is allows errors.Is(err, ErrMalformed).
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(name, format string, args ...interface{}) error {
	return &MalformedError{Struct: name, Reason: fmt.Sprintf(format, args...)}
}

// Encodable is a structure with a known encoded length.
type Encodable interface {
	// ByteLength returns the exact number of bytes Encode will append.
	ByteLength() int

	// Encode appends the encoded structure to dst.
	Encode(dst []byte) []byte
}

// Marshal encodes e into a freshly allocated buffer.
func Marshal(e Encodable) []byte {
	return e.Encode(make([]byte, 0, e.ByteLength()))
}

// Bytes is an Encodable wrapping raw bytes.
type Bytes []byte

// ByteLength implements Encodable.
func (b Bytes) ByteLength() int { return len(b) }

// Encode implements Encodable.
func (b Bytes) Encode(dst []byte) []byte { return append(dst, b...) }

// decoder reads fields from a buffer without ever reading past its end.
type decoder struct {
	name string
	b    []byte
	err  error
}

func newDecoder(name string, b []byte) *decoder {
	return &decoder{name: name, b: b}
}

func (d *decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = malformed(d.name, "truncated %s: need %d bytes, have %d", field, n, len(d.b))
		return nil
	}
	v := d.b[:n:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) u8(field string) uint8 {
	if v := d.take(1, field); v != nil {
		return v[0]
	}
	return 0
}

func (d *decoder) u16(field string) uint16 {
	if v := d.take(2, field); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (d *decoder) u32(field string) uint32 {
	if v := d.take(4, field); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (d *decoder) u64(field string) uint64 {
	if v := d.take(8, field); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (d *decoder) identity(field string) protocol.IdentityString {
	if v := d.take(protocol.IdentityLength, field); v != nil {
		return protocol.IdentityString(v)
	}
	return ""
}

// rest returns a copy of the remaining bytes.
func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	v := make([]byte, len(d.b))
	copy(v, d.b)
	d.b = nil
	return v
}

func appendIdentity(dst []byte, id protocol.IdentityString) []byte {
	var b [protocol.IdentityLength]byte
	copy(b[:], id)
	return append(dst, b[:]...)
}
