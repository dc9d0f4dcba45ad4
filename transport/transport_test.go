// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/wire"
)

func sessionPair(t *testing.T, client, server Conn) (*Codec, *Codec) {
	devicePub, deviceSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	serverPub, serverSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := ServerHandshake(ctx, server, cryptobox.SharedBox(serverSec, devicePub))
		ch <- result{s, err}
	}()
	cs, err := ClientHandshake(ctx, client, cryptobox.SharedBox(deviceSec, serverPub))
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.err)
	return NewCodec(client, cs), NewCodec(server, r.s)
}

func exchange(t *testing.T, from, to *Codec, m Message) Message {
	ctx := context.Background()
	require.NoError(t, from.Write(ctx, m))
	got, err := to.Read(ctx)
	require.NoError(t, err)
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	a, b := NewPipe()
	device, server := sessionPair(t, a, b)

	box := &wire.MessageWithMetadataBox{
		SenderIdentity:   "MEMEMEME",
		ReceiverIdentity: "USER0002",
		MessageID:        42,
		CreatedAt:        1700000000,
		Flags:            protocol.FlagSendPush.Bitmask(),
		MessageBox:       []byte("ciphertext"),
	}
	for _, tc := range []struct {
		from, to *Codec
		m        Message
	}{
		{device, server, &Reflect{ReflectID: 7, Flags: 1, Envelope: []byte("env")}},
		{server, device, &ReflectAck{ReflectID: 7, Timestamp: 1700000000123}},
		{server, device, &Reflected{ReflectID: 9, Timestamp: 99, Envelope: []byte("env2")}},
		{device, server, &ReflectedAck{ReflectID: 9}},
		{device, server, &BeginTransaction{EncryptedScope: []byte("scope"), TTL: 30}},
		{server, device, &BeginTransactionAck{}},
		{server, device, &TransactionRejected{DeviceID: 3, EncryptedScope: []byte("scope")}},
		{server, device, &TransactionEnded{DeviceID: 3, EncryptedScope: []byte("scope")}},
		{device, server, &CommitTransaction{}},
		{server, device, &CommitTransactionAck{}},
		{device, server, &OutgoingMessage{Box: box}},
		{server, device, &IncomingMessage{Box: box}},
		{server, device, &OutgoingMessageAck{Ack: wire.MessageAck{Identity: "USER0002", MessageID: 42}}},
		{device, server, &IncomingMessageAck{Ack: wire.MessageAck{Identity: "USER0002", MessageID: 43}}},
		{server, device, &Alert{Message: "maintenance"}},
		{server, device, &CloseError{CanReconnect: true, Message: "bye"}},
	} {
		got := exchange(t, tc.from, tc.to, tc.m)
		require.Equal(t, tc.m, got, tc.m.Kind())
	}
}

func TestCodecMalformed(t *testing.T) {
	require := require.New(t)
	a, b := NewPipe()
	device, server := sessionPair(t, a, b)
	ctx := context.Background()

	require.NoError(b.WriteFrame(ctx, []byte{0x81, 0, 0, 0, 1}))
	_, err := device.Read(ctx)
	require.ErrorIs(err, wire.ErrMalformed)

	require.NoError(b.WriteFrame(ctx, []byte{0x7f, 0, 0, 0}))
	_, err = device.Read(ctx)
	require.ErrorIs(err, wire.ErrMalformed)

	// The codec is still usable after a malformed frame.
	got := exchange(t, server, device, &ReflectAck{ReflectID: 1, Timestamp: 2})
	require.Equal(&ReflectAck{ReflectID: 1, Timestamp: 2}, got)

	require.NoError(device.Close())
	_, err = server.Read(ctx)
	require.ErrorIs(err, ErrClosed)
	require.ErrorIs(device.Write(ctx, &CommitTransaction{}), ErrClosed)
}

func TestHandshakeRejectsReflectedCookie(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()
	go func() {
		f, err := b.ReadFrame(ctx)
		if err == nil {
			b.WriteFrame(ctx, f)
		}
	}()
	var k [32]byte
	_, err := ClientHandshake(ctx, a, cryptobox.SecretBox(&k))
	require.ErrorIs(t, err, ErrHandshake)
}

func TestStreamConn(t *testing.T) {
	require := require.New(t)
	x, y := net.Pipe()
	a, b := NewStreamConn(x), NewStreamConn(y)
	ctx := context.Background()

	go a.WriteFrame(ctx, []byte("frame"))
	f, err := b.ReadFrame(ctx)
	require.NoError(err)
	require.Equal([]byte("frame"), f)

	require.ErrorIs(a.WriteFrame(ctx, make([]byte, protocol.MaxFrameLength+1)), ErrFrameTooLarge)

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.ReadFrame(tctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	require.NoError(a.Close())
	_, err = b.ReadFrame(ctx)
	require.ErrorIs(err, ErrClosed)
}

func TestQUIC(t *testing.T) {
	require := require.New(t)
	tlsConf, err := GenerateTLSConfig()
	require.NoError(err)
	l, err := ListenQUIC("127.0.0.1:0", tlsConf)
	require.NoError(err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	c, err := DialQUIC(ctx, l.Addr().String(), true)
	require.NoError(err)
	defer c.Close()
	require.NoError(c.WriteFrame(ctx, []byte("hello")))

	s := <-accepted
	defer s.Close()
	f, err := s.ReadFrame(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), f)
}
