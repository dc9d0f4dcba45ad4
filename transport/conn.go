// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport carries D2M frames between a device and the mediator
// and proxies the CSP payloads inside them.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/multidevice/protocol"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrFrameTooLarge is returned for frames above protocol.MaxFrameLength.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Conn is a bidirectional frame oriented connection.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

type readResult struct {
	frame []byte
	err   error
}

// streamConn frames a byte stream with u16 little-endian length prefixes.
type streamConn struct {
	sync.Mutex

	rwc     io.ReadWriteCloser
	onClose func() error

	readCh    chan readResult
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newStreamConn(rwc io.ReadWriteCloser, onClose func() error) *streamConn {
	c := &streamConn{
		rwc:     rwc,
		onClose: onClose,
		readCh:  make(chan readResult),
		closeCh: make(chan struct{}),
	}
	go c.reader()
	return c
}

func (c *streamConn) reader() {
	var hdr [2]byte
	for {
		var r readResult
		if _, r.err = io.ReadFull(c.rwc, hdr[:]); r.err == nil {
			r.frame = make([]byte, binary.LittleEndian.Uint16(hdr[:]))
			_, r.err = io.ReadFull(c.rwc, r.frame)
		}
		select {
		case c.readCh <- r:
		case <-c.closeCh:
			return
		}
		if r.err != nil {
			return
		}
	}
}

// ReadFrame implements Conn.
func (c *streamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.readCh:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, r.err)
		}
		return r.frame, nil
	case <-c.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame implements Conn.
func (c *streamConn) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > protocol.MaxFrameLength {
		return ErrFrameTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	buf := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(frame)), uint16(len(frame)))
	if _, err := c.rwc.Write(append(buf, frame...)); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close implements Conn.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.rwc.Close()
		if c.onClose != nil {
			if cerr := c.onClose(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// NewStreamConn frames rwc.  Closing the Conn closes rwc.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return newStreamConn(rwc, nil)
}
