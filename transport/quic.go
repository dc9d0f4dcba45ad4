// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol of mediator connections.
const NextProto = "md/1"

var quicConfig = &quic.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  60 * time.Second,
}

// GenerateTLSConfig returns a bare-bones TLS config with a fresh
// self-signed certificate.  The server is authenticated by the session
// handshake, not by TLS.
func GenerateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{NextProto}}, nil
}

// DialQUIC connects to the mediator at addr and opens the single stream
// carrying frames.
func DialQUIC(ctx context.Context, addr string, insecureSkipVerify bool) (Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{NextProto},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return newStreamConn(stream, func() error { return conn.CloseWithError(0, "") }), nil
}

// QUICListener accepts frame connections.
type QUICListener struct {
	addr   net.Addr
	close  func() error
	accept func(ctx context.Context) (Conn, error)
}

// ListenQUIC listens on addr.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	l := &QUICListener{addr: ln.Addr(), close: ln.Close}
	l.accept = func(ctx context.Context) (Conn, error) {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		return newStreamConn(stream, func() error { return conn.CloseWithError(0, "") }), nil
	}
	return l, nil
}

// Accept waits for the next connection and its stream.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	return l.accept(ctx)
}

// Addr returns the listening address.
func (l *QUICListener) Addr() net.Addr {
	return l.addr
}

// Close stops listening.
func (l *QUICListener) Close() error {
	return l.close()
}
