// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"encoding/binary"

	"github.com/katzenpost/multidevice/protocol"
)

// Text is the body of a text message.
type Text struct {
	Text []byte
}

// ByteLength implements Encodable.
func (t *Text) ByteLength() int { return len(t.Text) }

// Encode implements Encodable.
func (t *Text) Encode(dst []byte) []byte { return append(dst, t.Text...) }

// DecodeText decodes a Text.
func DecodeText(b []byte) *Text {
	return &Text{Text: newDecoder("text", b).rest()}
}

// File is the body of a file message, a JSON document.
type File struct {
	File []byte
}

// ByteLength implements Encodable.
func (f *File) ByteLength() int { return len(f.File) }

// Encode implements Encodable.
func (f *File) Encode(dst []byte) []byte { return append(dst, f.File...) }

// DecodeFile decodes a File.
func DecodeFile(b []byte) *File {
	return &File{File: newDecoder("file", b).rest()}
}

// Location is the body of a location message: a coordinates line followed
// by an optional name line and an optional address line.
type Location struct {
	Location []byte
}

// ByteLength implements Encodable.
func (l *Location) ByteLength() int { return len(l.Location) }

// Encode implements Encodable.
func (l *Location) Encode(dst []byte) []byte { return append(dst, l.Location...) }

// DecodeLocation decodes a Location.
func DecodeLocation(b []byte) *Location {
	return &Location{Location: newDecoder("location", b).rest()}
}

// GroupName is the body of a group-name message.
type GroupName struct {
	Name []byte
}

// ByteLength implements Encodable.
func (g *GroupName) ByteLength() int { return len(g.Name) }

// Encode implements Encodable.
func (g *GroupName) Encode(dst []byte) []byte { return append(dst, g.Name...) }

// DecodeGroupName decodes a GroupName.
func DecodeGroupName(b []byte) *GroupName {
	return &GroupName{Name: newDecoder("group-name", b).rest()}
}

// GroupSetup is the body of a group-setup message.  The creator is never
// part of Members.
type GroupSetup struct {
	Members []protocol.IdentityString
}

// ByteLength implements Encodable.
func (g *GroupSetup) ByteLength() int { return len(g.Members) * protocol.IdentityLength }

// Encode implements Encodable.
func (g *GroupSetup) Encode(dst []byte) []byte {
	for _, m := range g.Members {
		dst = appendIdentity(dst, m)
	}
	return dst
}

// DecodeGroupSetup decodes a GroupSetup.
func DecodeGroupSetup(b []byte) (*GroupSetup, error) {
	if len(b)%protocol.IdentityLength != 0 {
		return nil, malformed("group-setup", "length %d is not a multiple of %d", len(b), protocol.IdentityLength)
	}
	d := newDecoder("group-setup", b)
	g := &GroupSetup{Members: make([]protocol.IdentityString, 0, len(b)/protocol.IdentityLength)}
	for len(d.b) > 0 {
		g.Members = append(g.Members, d.identity("member"))
	}
	return g, d.err
}

// GroupCreatorContainer wraps messages sent by the group creator.
type GroupCreatorContainer struct {
	GroupID   protocol.GroupID
	InnerData Encodable
}

// ByteLength implements Encodable.
func (g *GroupCreatorContainer) ByteLength() int { return 8 + g.InnerData.ByteLength() }

// Encode implements Encodable.
func (g *GroupCreatorContainer) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(g.GroupID))
	return g.InnerData.Encode(dst)
}

// DecodeGroupCreatorContainer decodes a GroupCreatorContainer.  InnerData
// is of type Bytes.
func DecodeGroupCreatorContainer(b []byte) (*GroupCreatorContainer, error) {
	d := newDecoder("group-creator-container", b)
	g := &GroupCreatorContainer{GroupID: protocol.GroupID(d.u64("group-id"))}
	g.InnerData = Bytes(d.rest())
	return g, d.err
}

// GroupMemberContainer wraps messages sent by any group member.
type GroupMemberContainer struct {
	CreatorIdentity protocol.IdentityString
	GroupID         protocol.GroupID
	InnerData       Encodable
}

// ByteLength implements Encodable.
func (g *GroupMemberContainer) ByteLength() int {
	return protocol.IdentityLength + 8 + g.InnerData.ByteLength()
}

// Encode implements Encodable.
func (g *GroupMemberContainer) Encode(dst []byte) []byte {
	dst = appendIdentity(dst, g.CreatorIdentity)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(g.GroupID))
	return g.InnerData.Encode(dst)
}

// DecodeGroupMemberContainer decodes a GroupMemberContainer.  InnerData is
// of type Bytes.
func DecodeGroupMemberContainer(b []byte) (*GroupMemberContainer, error) {
	d := newDecoder("group-member-container", b)
	g := &GroupMemberContainer{
		CreatorIdentity: d.identity("creator-identity"),
		GroupID:         protocol.GroupID(d.u64("group-id")),
	}
	g.InnerData = Bytes(d.rest())
	return g, d.err
}

// DeliveryReceipt is the body of a (group) delivery receipt.
type DeliveryReceipt struct {
	Status     uint8
	MessageIDs []protocol.MessageID
}

// ByteLength implements Encodable.
func (r *DeliveryReceipt) ByteLength() int { return 1 + 8*len(r.MessageIDs) }

// Encode implements Encodable.
func (r *DeliveryReceipt) Encode(dst []byte) []byte {
	dst = append(dst, r.Status)
	for _, id := range r.MessageIDs {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(id))
	}
	return dst
}

// DecodeDeliveryReceipt decodes a DeliveryReceipt.
func DecodeDeliveryReceipt(b []byte) (*DeliveryReceipt, error) {
	d := newDecoder("delivery-receipt", b)
	r := &DeliveryReceipt{Status: d.u8("status")}
	if d.err == nil && len(d.b)%8 != 0 {
		return nil, malformed("delivery-receipt", "message ids length %d is not a multiple of 8", len(d.b))
	}
	for d.err == nil && len(d.b) > 0 {
		r.MessageIDs = append(r.MessageIDs, protocol.MessageID(d.u64("message-id")))
	}
	return r, d.err
}

// Container carries the type of an end-to-end message along with its
// padded body.
type Container struct {
	Type       protocol.CspE2eType
	PaddedData Encodable
}

// ByteLength implements Encodable.
func (c *Container) ByteLength() int { return 1 + c.PaddedData.ByteLength() }

// Encode implements Encodable.
func (c *Container) Encode(dst []byte) []byte {
	dst = append(dst, uint8(c.Type))
	return c.PaddedData.Encode(dst)
}

// DecodeContainer decodes a Container and strips the padding.  PaddedData
// is of type Bytes and holds the unpadded body.
func DecodeContainer(b []byte) (*Container, error) {
	d := newDecoder("container", b)
	c := &Container{Type: protocol.CspE2eType(d.u8("type"))}
	if d.err != nil {
		return nil, d.err
	}
	body, err := UnpadPKCS7(d.rest())
	if err != nil {
		return nil, err
	}
	c.PaddedData = Bytes(body)
	return c, nil
}
