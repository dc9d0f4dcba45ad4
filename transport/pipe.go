// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"sync"
)

const pipeDepth = 64

type pipeShared struct {
	once   sync.Once
	doneCh chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.doneCh) })
}

type pipeEnd struct {
	shared *pipeShared
	in     <-chan []byte
	out    chan<- []byte
}

// NewPipe returns the two ends of an in-memory connection.  Closing
// either end closes both.
func NewPipe() (Conn, Conn) {
	shared := &pipeShared{doneCh: make(chan struct{})}
	a := make(chan []byte, pipeDepth)
	b := make(chan []byte, pipeDepth)
	return &pipeEnd{shared: shared, in: a, out: b}, &pipeEnd{shared: shared, in: b, out: a}
}

// ReadFrame implements Conn.  Frames written before Close are still
// delivered.
func (p *pipeEnd) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.shared.doneCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame implements Conn.
func (p *pipeEnd) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.doneCh:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), frame...):
		return nil
	case <-p.shared.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Conn.
func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}
