// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/core/retry"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/internal/instrument"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/transport"
)

// Dialer establishes an authenticated connection to the mediator.
type Dialer func(ctx context.Context) (task.Connection, error)

const handshakeTimeout = 30 * time.Second

func quicDialer(addr string, insecureSkipVerify bool, serverBox *cryptobox.Box) Dialer {
	return func(ctx context.Context) (task.Connection, error) {
		conn, err := transport.DialQUIC(ctx, addr, insecureSkipVerify)
		if err != nil {
			return nil, err
		}
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		session, err := transport.ClientHandshake(hsCtx, conn, serverBox)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return transport.NewCodec(conn, session), nil
	}
}

// supervisor keeps the manager connected, reconnecting with backoff.
type supervisor struct {
	c       *Client
	log     *logging.Logger
	backoff *retry.Backoff
}

func newSupervisor(c *Client) *supervisor {
	d := c.cfg.Debug
	return &supervisor{
		c:   c,
		log: c.backend.GetLogger("client.supervisor"),
		backoff: retry.NewBackoff(
			time.Duration(d.ReconnectBaseDelay)*time.Millisecond,
			time.Duration(d.ReconnectMaxDelay)*time.Millisecond,
			d.ReconnectJitter,
		),
	}
}

func (s *supervisor) worker() {
	ctx := s.c.Context()
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.log.Debugf("Terminating gracefully.")
			return
		}
		var closed *task.ServerClosedError
		switch {
		case errors.As(err, &closed) && !closed.CanReconnect:
			s.log.Errorf("Server closed the connection and disallows reconnecting: %s", closed.Message)
			go s.c.Shutdown()
			return
		case errors.As(err, &closed):
			s.log.Noticef("Server closed the connection: %s", closed.Message)
		case task.IsFatal(err):
			s.log.Errorf("Connection torn down: %v", err)
		case retry.IsTransientError(err):
			s.log.Warningf("Connection lost: %v", err)
		default:
			s.log.Errorf("Connection failed: %v", err)
		}
		instrument.Reconnect()
		if err := s.backoff.Wait(ctx); err != nil {
			s.log.Debugf("Terminating gracefully.")
			return
		}
		s.log.Infof("Reconnecting, attempt %d", s.backoff.Attempts())
	}
}

// connectOnce dials the mediator and runs the manager until the
// connection ends.
func (s *supervisor) connectOnce(ctx context.Context) error {
	conn, err := s.c.dial(ctx)
	if err != nil {
		return err
	}
	s.log.Notice("Connected to the mediator")
	s.backoff.Reset()
	return s.c.manager.Run(ctx, conn)
}
