// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package csp implements the tasks exchanging end-to-end messages with
// other users through the chat server: outgoing conversation and control
// messages, the processing of incoming messages, the group protocol and
// delivery receipts.
package csp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

// metadataPaddingTarget is the length the nickname is padded to within
// the message metadata.
const metadataPaddingTarget = 16

var (
	// ErrMetadataMismatch is returned when the encrypted metadata
	// contradicts the cleartext header of a message.
	ErrMetadataMismatch = errors.New("csp: metadata does not match the message header")

	// ErrMessageTooLong is returned when a message box exceeds the
	// maximum size accepted by the chat server.
	ErrMessageTooLong = errors.New("csp: message too long")
)

// MessageMetadata is encrypted with the metadata key shared by sender and
// receiver.
type MessageMetadata struct {
	Padding   []byte             `cbor:"1,keyasint,omitempty"`
	Nickname  *string            `cbor:"2,keyasint,omitempty"`
	MessageID protocol.MessageID `cbor:"3,keyasint"`
	CreatedAt uint64             `cbor:"4,keyasint"`
}

// Outgoing is an end-to-end message to a single receiver.
type Outgoing struct {
	Receiver  protocol.IdentityString
	ID        protocol.MessageID
	CreatedAt time.Time
	Flags     protocol.CspMessageFlags
	Type      protocol.CspE2eType
	Body      []byte

	// Nickname is transmitted unless nil.
	Nickname *string
}

// Incoming is a decrypted end-to-end message.
type Incoming struct {
	Sender    protocol.IdentityString
	ID        protocol.MessageID
	CreatedAt time.Time
	Flags     protocol.CspMessageFlags
	Type      protocol.CspE2eType

	// Body is the unpadded message body.
	Body []byte

	// Nickname is nil if the sender did not transmit one.  An empty
	// nickname clears the stored one.
	Nickname *string
}

// NewMessageID returns a random message id.
func NewMessageID() (protocol.MessageID, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return protocol.MessageID(binary.LittleEndian.Uint64(b[:])), nil
}

// Seal encrypts m from sender with the shared box and the nonce of
// guard.  The guard is left unprocessed.
func Seal(sender protocol.IdentityString, m *Outgoing, shared *cryptobox.Box, guard *cryptobox.NonceGuard) (*wire.MessageWithMetadataBox, error) {
	nonce := guard.Nonce()

	md := &MessageMetadata{
		Nickname:  m.Nickname,
		MessageID: m.ID,
		CreatedAt: uint64(m.CreatedAt.UnixMilli()),
	}
	n := 0
	if m.Nickname != nil {
		n = len(*m.Nickname)
	}
	if n < metadataPaddingTarget {
		md.Padding = make([]byte, metadataPaddingTarget-n)
	}
	rawMetadata, err := cbor.Marshal(md)
	if err != nil {
		return nil, err
	}

	container := wire.Marshal(&wire.Container{
		Type:       m.Type,
		PaddedData: wire.NewPKCS7Padded(rand.Reader, protocol.MinMessagePaddingTotalBytes, wire.Bytes(m.Body)),
	})
	out := &wire.MessageWithMetadataBox{
		SenderIdentity:    sender,
		ReceiverIdentity:  m.Receiver,
		MessageID:         m.ID,
		CreatedAt:         uint32(m.CreatedAt.Unix()),
		Flags:             m.Flags.Bitmask(),
		MetadataContainer: cryptobox.DeriveMessageMetadataKey(shared).EncryptWithDangerousUnguardedNonce(rawMetadata, &nonce),
		MessageNonce:      nonce,
		MessageBox:        shared.EncryptWithNonce(container, guard),
	}
	if len(out.MessageBox) > protocol.MaxMessageBoxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(out.MessageBox))
	}
	if m.Receiver.IsGateway() && m.Nickname != nil {
		copy(out.LegacySenderNickname[:], *m.Nickname)
	}
	return out, nil
}

// Open decrypts b with the shared box.  The nonce is registered with svc
// and the returned guard must be committed once the message was
// processed.  On error no guard is held.
func Open(b *wire.MessageWithMetadataBox, shared *cryptobox.Box, svc *cryptobox.NonceService) (*Incoming, *cryptobox.NonceGuard, error) {
	guard, err := svc.CheckAndRegister(protocol.NonceScopeCSP, b.MessageNonce)
	if err != nil {
		return nil, nil, err
	}

	m := &Incoming{
		Sender:    b.SenderIdentity,
		ID:        b.MessageID,
		CreatedAt: time.Unix(int64(b.CreatedAt), 0),
		Flags:     protocol.FromBitmask(b.Flags),
	}
	if len(b.MetadataContainer) > 0 {
		raw, err := cryptobox.DeriveMessageMetadataKey(shared).DecryptWithDangerousUnguardedNonce(b.MetadataContainer, &b.MessageNonce)
		if err != nil {
			guard.Discard()
			return nil, nil, err
		}
		var md MessageMetadata
		if err := cbor.Unmarshal(raw, &md); err != nil {
			guard.Discard()
			return nil, nil, fmt.Errorf("csp: failed to decode metadata: %w", err)
		}
		if md.MessageID != b.MessageID {
			guard.Discard()
			return nil, nil, fmt.Errorf("%w: message id %s, metadata %s", ErrMetadataMismatch, b.MessageID, md.MessageID)
		}
		m.CreatedAt = time.UnixMilli(int64(md.CreatedAt))
		m.Nickname = md.Nickname
	} else if n := b.Nickname(); n != "" {
		m.Nickname = &n
	}

	plain, err := shared.DecryptWithNonce(b.MessageBox, guard)
	if err != nil {
		return nil, nil, err
	}
	c, err := wire.DecodeContainer(plain)
	if err != nil {
		guard.Discard()
		return nil, nil, err
	}
	m.Type = c.Type
	m.Body = []byte(c.PaddedData.(wire.Bytes))
	return m, guard, nil
}
