// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"context"
	"fmt"
	"time"

	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/internal/instrument"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task/internal/txn"
	"github.com/katzenpost/multidevice/transport"
)

// Instruction tells Read what to do with an inbound message.
type Instruction int

const (
	// Accept returns the message to the task.
	Accept Instruction = iota

	// BypassOrBacklog keeps the message for processing after the task.
	BypassOrBacklog

	// Reject fails the task with a ProtocolError.
	Reject
)

// Filter classifies inbound messages while a task waits for a reply.
type Filter func(m transport.Message) Instruction

// TransactionResult is the outcome of a transaction.
type TransactionResult string

const (
	// TransactionComplete means the executor ran and the transaction
	// was committed.
	TransactionComplete TransactionResult = "success"

	// TransactionAborted means the precondition no longer held.
	TransactionAborted TransactionResult = "aborted"
)

// TransactionRunning proves that a transaction is open.  It is created
// by ActiveHandle.Transaction and handed to the executor.
type TransactionRunning struct {
	id    uint64
	scope protocol.TransactionScope
}

func init() {
	txn.Open = func(id uint64, scope protocol.TransactionScope) interface{} {
		return &TransactionRunning{id: id, scope: scope}
	}
}

// RequiredScope returns the transaction scope that must be running while
// e is reflected.
func RequiredScope(e *d2d.Envelope) (protocol.TransactionScope, bool) {
	switch {
	case e.ContactSync != nil:
		return protocol.ScopeContactSync, true
	case e.GroupSync != nil:
		return protocol.ScopeGroupSync, true
	}
	return 0, false
}

// ID returns the local sequence number of the transaction.
func (t *TransactionRunning) ID() uint64 {
	return t.id
}

// Scope returns the transaction scope.
func (t *TransactionRunning) Scope() protocol.TransactionScope {
	return t.scope
}

// PassiveHandle is the connection as seen by a passive task.
type PassiveHandle interface {
	// Write sends a ReflectedAck or an IncomingMessageAck.
	Write(ctx context.Context, m transport.Message) error
}

// ActiveHandle is the connection as seen by an active task.
type ActiveHandle interface {
	// Write sends an outbound message other than a reflection or a
	// transaction frame.
	Write(ctx context.Context, m transport.Message) error

	// Read returns the next inbound message accepted by f.
	Read(ctx context.Context, f Filter) (transport.Message, error)

	// Reflect seals and reflects envs in order and returns the
	// mediator timestamps of their acknowledgements.
	Reflect(ctx context.Context, envs []*d2d.Envelope) ([]time.Time, error)

	// Transaction runs executor while holding the transaction lock of
	// scope.  precondition is checked whenever the lock is acquired.
	Transaction(ctx context.Context, scope protocol.TransactionScope, precondition func() bool, executor func(context.Context, *TransactionRunning) error) (TransactionResult, error)
}

type passiveHandle struct {
	c *connection
}

func (h *passiveHandle) Write(ctx context.Context, m transport.Message) error {
	switch m.(type) {
	case *transport.ReflectedAck, *transport.IncomingMessageAck:
	default:
		Assert(false, "passive task may not write %s", m.Kind())
	}
	return h.c.write(ctx, m)
}

type activeHandle struct {
	c    *connection
	task ActiveTask
}

func (h *activeHandle) Write(ctx context.Context, m transport.Message) error {
	switch m.(type) {
	case *transport.OutgoingMessage, *transport.IncomingMessageAck, *transport.ReflectedAck:
	default:
		Assert(false, "active task may not write %s directly", m.Kind())
	}
	return h.c.write(ctx, m)
}

func (h *activeHandle) Read(ctx context.Context, f Filter) (transport.Message, error) {
	return h.c.read(ctx, f)
}

func acceptReflectAck(m transport.Message) Instruction {
	if _, ok := m.(*transport.ReflectAck); ok {
		return Accept
	}
	return BypassOrBacklog
}

func (h *activeHandle) Reflect(ctx context.Context, envs []*d2d.Envelope) ([]time.Time, error) {
	c := h.c
	if len(envs) == 0 {
		return nil, nil
	}

	ids := make([]uint32, 0, len(envs))
	for _, e := range envs {
		if scope, ok := RequiredScope(e); ok {
			Assert(c.transaction != nil && c.transaction.scope == scope, "%s reflected while %s is running", e.Kind(), c.transaction.scopeString())
		}
		sealed, err := d2d.Seal(e, c.m.keys.Reflect, c.m.nonces)
		if err != nil {
			return nil, fmt.Errorf("task: failed to seal %s envelope: %w", e.Kind(), err)
		}
		id := c.m.nextReflectID()
		c.log.Debugf("Reflecting %s (id %d)", e.Kind(), id)
		if err := c.write(ctx, &transport.Reflect{ReflectID: id, Envelope: sealed}); err != nil {
			return nil, err
		}
		instrument.Reflected(e.Kind())
		ids = append(ids, id)
	}

	if c.m.reflectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.m.reflectTimeout)
		defer cancel()
	}
	out := make([]time.Time, 0, len(ids))
	for _, id := range ids {
		msg, err := c.read(ctx, acceptReflectAck)
		if err != nil {
			return nil, err
		}
		ack := msg.(*transport.ReflectAck)
		if ack.ReflectID != id {
			return nil, &ProtocolError{Layer: "d2m", Reason: fmt.Sprintf("reflect-ack for id %d, expected %d", ack.ReflectID, id)}
		}
		out = append(out, time.UnixMilli(int64(ack.Timestamp)))
	}
	return out, nil
}

func (h *activeHandle) Transaction(ctx context.Context, scope protocol.TransactionScope, precondition func() bool, executor func(context.Context, *TransactionRunning) error) (TransactionResult, error) {
	c := h.c
	Assert(c.transaction == nil, "transaction %s started while %s is running", scope, c.transaction.scopeString())
	if exp := h.task.Transaction(); exp != nil {
		Assert(exp.Scope == scope, "task %s declared transaction %s, started %s", h.task.Name(), exp.Scope, scope)
	}

	encrypted, err := c.m.keys.TransactionScope.EncryptWithRandomNonceAhead([]byte{byte(scope)}, c.m.nonces, protocol.NonceScopeD2D, "transaction-scope")
	if err != nil {
		return "", err
	}

	for {
		c.log.Debugf("Beginning transaction %s", scope)
		if err := c.write(ctx, &transport.BeginTransaction{EncryptedScope: encrypted}); err != nil {
			return "", err
		}
		msg, err := c.read(ctx, func(m transport.Message) Instruction {
			switch m.(type) {
			case *transport.BeginTransactionAck, *transport.TransactionRejected:
				return Accept
			}
			return BypassOrBacklog
		})
		if err != nil {
			return "", err
		}
		rejected, ok := msg.(*transport.TransactionRejected)
		if !ok {
			break
		}

		c.log.Noticef("Transaction %s rejected, lock held by device %x for %s", scope, uint64(rejected.DeviceID), c.m.scopeName(rejected.EncryptedScope))
		if _, err := c.read(ctx, func(m transport.Message) Instruction {
			switch m.(type) {
			case *transport.TransactionEnded:
				return Accept
			case *transport.TransactionRejected:
				return Reject
			}
			return BypassOrBacklog
		}); err != nil {
			return "", err
		}
		if !precondition() {
			c.log.Noticef("Transaction %s aborted, precondition no longer holds", scope)
			instrument.TransactionAborted(scope.String())
			return TransactionAborted, nil
		}
	}

	if len(c.taskBacklog) > 0 {
		return "", &ProtocolError{Layer: "d2m", Reason: fmt.Sprintf("%d messages pending while transaction %s began", len(c.taskBacklog), scope)}
	}
	if len(c.backlog) > 0 {
		c.log.Warningf("Transaction %s began with %d backlogged messages", scope, len(c.backlog))
	}

	running := &TransactionRunning{id: c.m.nextTransactionID(), scope: scope}
	c.transaction = running

	result := TransactionComplete
	if precondition() {
		if err := executor(ctx, running); err != nil {
			return "", err
		}
	} else {
		c.log.Noticef("Transaction %s aborted after the lock was acquired", scope)
		instrument.TransactionAborted(scope.String())
		result = TransactionAborted
	}

	if err := c.write(ctx, &transport.CommitTransaction{}); err != nil {
		return "", err
	}
	if _, err := c.read(ctx, func(m transport.Message) Instruction {
		if _, ok := m.(*transport.CommitTransactionAck); ok {
			return Accept
		}
		return BypassOrBacklog
	}); err != nil {
		return "", err
	}
	c.transaction = nil
	c.log.Debugf("Transaction %s (%d) committed: %s", scope, running.id, result)
	return result, nil
}

func (t *TransactionRunning) scopeString() string {
	if t == nil {
		return "none"
	}
	return t.scope.String()
}
