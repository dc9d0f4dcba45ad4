// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"encoding/binary"
)

const (
	reflectHeaderLength   = 8
	reflectedHeaderLength = 16
)

// PayloadContainer is the outer container of both D2M and CSP payloads: a
// type byte, three reserved bytes and the payload.
type PayloadContainer struct {
	Type    uint8
	Payload []byte
}

// ByteLength implements Encodable.
func (c *PayloadContainer) ByteLength() int { return 4 + len(c.Payload) }

// Encode implements Encodable.
func (c *PayloadContainer) Encode(dst []byte) []byte {
	dst = append(dst, c.Type, 0, 0, 0)
	return append(dst, c.Payload...)
}

// DecodePayloadContainer decodes a PayloadContainer.
func DecodePayloadContainer(b []byte) (*PayloadContainer, error) {
	d := newDecoder("payload-container", b)
	c := &PayloadContainer{Type: d.u8("type")}
	d.take(3, "reserved")
	c.Payload = d.rest()
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

// Reflect carries an encrypted envelope to the mediator.
type Reflect struct {
	Flags     uint16
	ReflectID uint32
	Envelope  []byte
}

// ByteLength implements Encodable.
func (r *Reflect) ByteLength() int { return reflectHeaderLength + len(r.Envelope) }

// Encode implements Encodable.
func (r *Reflect) Encode(dst []byte) []byte {
	dst = append(dst, reflectHeaderLength, 0)
	dst = binary.LittleEndian.AppendUint16(dst, r.Flags)
	dst = binary.LittleEndian.AppendUint32(dst, r.ReflectID)
	return append(dst, r.Envelope...)
}

// DecodeReflect decodes a Reflect.  Header bytes beyond the known fields
// are skipped.
func DecodeReflect(b []byte) (*Reflect, error) {
	d := newDecoder("reflect", b)
	hl := int(d.u8("header-length"))
	_ = d.u8("reserved")
	r := &Reflect{Flags: d.u16("flags"), ReflectID: d.u32("reflect-id")}
	if d.err == nil && hl < reflectHeaderLength {
		return nil, malformed("reflect", "header length %d too short", hl)
	}
	d.take(hl-reflectHeaderLength, "header")
	r.Envelope = d.rest()
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

// ReflectAck acknowledges a Reflect and carries the mediator timestamp in
// milliseconds.
type ReflectAck struct {
	ReflectID uint32
	Timestamp uint64
}

// ByteLength implements Encodable.
func (a *ReflectAck) ByteLength() int { return 16 }

// Encode implements Encodable.
func (a *ReflectAck) Encode(dst []byte) []byte {
	dst = append(dst, 0, 0, 0, 0)
	dst = binary.LittleEndian.AppendUint32(dst, a.ReflectID)
	return binary.LittleEndian.AppendUint64(dst, a.Timestamp)
}

// DecodeReflectAck decodes a ReflectAck.
func DecodeReflectAck(b []byte) (*ReflectAck, error) {
	d := newDecoder("reflect-ack", b)
	d.take(4, "reserved")
	a := &ReflectAck{ReflectID: d.u32("reflect-id"), Timestamp: d.u64("timestamp")}
	if d.err != nil {
		return nil, d.err
	}
	return a, nil
}

// Reflected carries an envelope reflected by another device.
type Reflected struct {
	Flags       uint16
	ReflectedID uint32
	Timestamp   uint64
	Envelope    []byte
}

// ByteLength implements Encodable.
func (r *Reflected) ByteLength() int { return reflectedHeaderLength + len(r.Envelope) }

// Encode implements Encodable.
func (r *Reflected) Encode(dst []byte) []byte {
	dst = append(dst, reflectedHeaderLength, 0)
	dst = binary.LittleEndian.AppendUint16(dst, r.Flags)
	dst = binary.LittleEndian.AppendUint32(dst, r.ReflectedID)
	dst = binary.LittleEndian.AppendUint64(dst, r.Timestamp)
	return append(dst, r.Envelope...)
}

// DecodeReflected decodes a Reflected.
func DecodeReflected(b []byte) (*Reflected, error) {
	d := newDecoder("reflected", b)
	hl := int(d.u8("header-length"))
	_ = d.u8("reserved")
	r := &Reflected{
		Flags:       d.u16("flags"),
		ReflectedID: d.u32("reflected-id"),
		Timestamp:   d.u64("timestamp"),
	}
	if d.err == nil && hl < reflectedHeaderLength {
		return nil, malformed("reflected", "header length %d too short", hl)
	}
	d.take(hl-reflectedHeaderLength, "header")
	r.Envelope = d.rest()
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

// ReflectedAck acknowledges a Reflected.
type ReflectedAck struct {
	ReflectedID uint32
}

// ByteLength implements Encodable.
func (a *ReflectedAck) ByteLength() int { return 8 }

// Encode implements Encodable.
func (a *ReflectedAck) Encode(dst []byte) []byte {
	dst = append(dst, 0, 0, 0, 0)
	return binary.LittleEndian.AppendUint32(dst, a.ReflectedID)
}

// DecodeReflectedAck decodes a ReflectedAck.
func DecodeReflectedAck(b []byte) (*ReflectedAck, error) {
	d := newDecoder("reflected-ack", b)
	d.take(4, "reserved")
	a := &ReflectedAck{ReflectedID: d.u32("reflected-id")}
	if d.err != nil {
		return nil, d.err
	}
	return a, nil
}
