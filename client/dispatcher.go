// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/csp"
	"github.com/katzenpost/multidevice/task/d2d"
	"github.com/katzenpost/multidevice/transport"
)

// dispatcher creates the tasks processing messages from the mediator.
type dispatcher struct {
	s *task.Services
}

// IncomingMessage implements task.Dispatcher.
func (d *dispatcher) IncomingMessage(m *transport.IncomingMessage) task.ActiveTask {
	return csp.NewIncomingMessageTask(d.s, m)
}

// Reflected implements task.Dispatcher.
func (d *dispatcher) Reflected(m *transport.Reflected) task.PassiveTask {
	return d2d.NewReflectedTask(d.s, m)
}
