// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

// ErrHandshake is returned when the cookie exchange fails.
var ErrHandshake = errors.New("transport: handshake failed")

// Session encrypts the CSP payloads proxied through the mediator.  Each
// direction uses its own cookie and sequence number.
type Session struct {
	box *cryptobox.Box
	out *cryptobox.CspNonceSequence
	in  *cryptobox.CspNonceSequence
}

// NewSession creates a Session from the two connection cookies.
func NewSession(box *cryptobox.Box, local, remote protocol.Cookie) *Session {
	return &Session{
		box: box,
		out: cryptobox.NewCspNonceSequence(local),
		in:  cryptobox.NewCspNonceSequence(remote),
	}
}

// Seal encrypts an outgoing CSP payload.
func (s *Session) Seal(p []byte) ([]byte, error) {
	return s.box.EncryptWithCspNonce(p, s.out)
}

// Open decrypts an incoming CSP payload.
func (s *Session) Open(c []byte) ([]byte, error) {
	return s.box.DecryptWithCspNonce(c, s.in)
}

func newCookie() (protocol.Cookie, error) {
	var c protocol.Cookie
	_, err := io.ReadFull(rand.Reader, c[:])
	return c, err
}

func writeCookie(ctx context.Context, conn Conn, c protocol.Cookie) error {
	hello := &wire.PayloadContainer{Type: uint8(protocol.D2mProxy), Payload: c[:]}
	return conn.WriteFrame(ctx, wire.Marshal(hello))
}

func readCookie(ctx context.Context, conn Conn) (protocol.Cookie, error) {
	var c protocol.Cookie
	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		return c, err
	}
	hello, err := wire.DecodePayloadContainer(frame)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if protocol.D2mPayloadType(hello.Type) != protocol.D2mProxy || len(hello.Payload) != protocol.CookieLength {
		return c, fmt.Errorf("%w: unexpected hello", ErrHandshake)
	}
	copy(c[:], hello.Payload)
	return c, nil
}

func sessionFromCookies(box *cryptobox.Box, local, remote protocol.Cookie) (*Session, error) {
	if bytes.Equal(local[:], remote[:]) {
		return nil, fmt.Errorf("%w: cookie reflected", ErrHandshake)
	}
	return NewSession(box, local, remote), nil
}

// ClientHandshake sends the device cookie, reads the server cookie and
// returns the resulting Session.  box is shared between the device
// secret key and the server public key.
func ClientHandshake(ctx context.Context, conn Conn, box *cryptobox.Box) (*Session, error) {
	local, err := newCookie()
	if err != nil {
		return nil, err
	}
	if err := writeCookie(ctx, conn, local); err != nil {
		return nil, err
	}
	remote, err := readCookie(ctx, conn)
	if err != nil {
		return nil, err
	}
	return sessionFromCookies(box, local, remote)
}

// ServerHandshake is the server side of ClientHandshake.
func ServerHandshake(ctx context.Context, conn Conn, box *cryptobox.Box) (*Session, error) {
	remote, err := readCookie(ctx, conn)
	if err != nil {
		return nil, err
	}
	local, err := newCookie()
	if err != nil {
		return nil, err
	}
	if err := writeCookie(ctx, conn, local); err != nil {
		return nil, err
	}
	return sessionFromCookies(box, local, remote)
}
