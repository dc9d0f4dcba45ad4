// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasktest provides a scripted connection handle and
// preconfigured services for testing tasks without a mediator.
package tasktest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/blob"
	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/internal/txn"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/wire"
)

// ErrNoMessage is returned by Handle.Read if no scripted inbound message
// is accepted by the filter.
var ErrNoMessage = errors.New("tasktest: no inbound message accepted")

// Handle is an ActiveHandle and PassiveHandle that records everything a
// task does.  Outgoing messages are acknowledged by the scripted server
// unless NoAutoAck is set.
type Handle struct {
	// Clock is the mediator timestamp of the next reflection.  It
	// advances by one millisecond per reflected envelope.
	Clock time.Time

	NoAutoAck bool

	// RejectTransactions is the number of transaction attempts the
	// mediator rejects before granting the lock.
	RejectTransactions int

	Inbound      []transport.Message
	Written      []transport.Message
	Reflected    []*d2d.Envelope
	Transactions []protocol.TransactionScope

	open *task.TransactionRunning
	txID uint64
}

// NewHandle returns a Handle whose first reflection is acknowledged at
// clock.
func NewHandle(clock time.Time) *Handle {
	return &Handle{Clock: clock}
}

// Write implements task.ActiveHandle.
func (h *Handle) Write(ctx context.Context, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Written = append(h.Written, m)
	if om, ok := m.(*transport.OutgoingMessage); ok && !h.NoAutoAck {
		h.Inbound = append(h.Inbound, &transport.OutgoingMessageAck{Ack: wire.MessageAck{
			Identity:  om.Box.ReceiverIdentity,
			MessageID: om.Box.MessageID,
		}})
	}
	return nil
}

// Read implements task.ActiveHandle.
func (h *Handle) Read(ctx context.Context, f task.Filter) (transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, m := range h.Inbound {
		switch f(m) {
		case task.Accept:
			h.Inbound = append(h.Inbound[:i:i], h.Inbound[i+1:]...)
			return m, nil
		case task.Reject:
			return nil, &task.ProtocolError{Layer: "test", Reason: "rejected " + m.Kind()}
		}
	}
	return nil, ErrNoMessage
}

// Reflect implements task.ActiveHandle.
func (h *Handle) Reflect(ctx context.Context, envs []*d2d.Envelope) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(envs))
	for _, e := range envs {
		if _, err := e.Content(); err != nil {
			return nil, err
		}
		if scope, ok := task.RequiredScope(e); ok {
			task.Assert(h.open != nil && h.open.Scope() == scope, "%s reflected outside of a %s transaction", e.Kind(), scope)
		}
		h.Reflected = append(h.Reflected, e)
		out = append(out, h.Clock)
		h.Clock = h.Clock.Add(time.Millisecond)
	}
	return out, nil
}

// Transaction implements task.ActiveHandle.
func (h *Handle) Transaction(ctx context.Context, scope protocol.TransactionScope, precondition func() bool, executor func(context.Context, *task.TransactionRunning) error) (task.TransactionResult, error) {
	task.Assert(h.open == nil, "transaction %s started while another is running", scope)
	h.Transactions = append(h.Transactions, scope)
	for h.RejectTransactions > 0 {
		h.RejectTransactions--
		if !precondition() {
			return task.TransactionAborted, nil
		}
	}
	h.txID++
	h.open = txn.Open(h.txID, scope).(*task.TransactionRunning)
	defer func() { h.open = nil }()
	if !precondition() {
		return task.TransactionAborted, nil
	}
	if err := executor(ctx, h.open); err != nil {
		return "", err
	}
	return task.TransactionComplete, nil
}

// Outgoing returns the CSP messages written so far.
func (h *Handle) Outgoing() []*wire.MessageWithMetadataBox {
	var out []*wire.MessageWithMetadataBox
	for _, m := range h.Written {
		if om, ok := m.(*transport.OutgoingMessage); ok {
			out = append(out, om.Box)
		}
	}
	return out
}

// Acks returns the incoming message acknowledgements written so far.
func (h *Handle) Acks() []wire.MessageAck {
	var out []wire.MessageAck
	for _, m := range h.Written {
		if a, ok := m.(*transport.IncomingMessageAck); ok {
			out = append(out, a.Ack)
		}
	}
	return out
}

// Identity is a user with a key pair.
type Identity struct {
	Identity  protocol.IdentityString
	PublicKey [protocol.KeyLength]byte
	SecretKey [protocol.KeyLength]byte
}

// NewIdentity generates a key pair for id.
func NewIdentity(t testing.TB, id protocol.IdentityString) *Identity {
	pub, sec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &Identity{Identity: id, PublicKey: *pub, SecretKey: *sec}
}

// Entry returns the directory entry of the identity.
func (i *Identity) Entry() *directory.Entry {
	return &directory.Entry{
		Identity:  i.Identity,
		State:     protocol.ActivityActive,
		PublicKey: i.PublicKey,
	}
}

// Contact returns a contact of the identity.
func (i *Identity) Contact() model.Contact {
	return model.Contact{
		Identity:          i.Identity,
		PublicKey:         i.PublicKey,
		AcquaintanceLevel: protocol.AcquaintanceDirect,
		ActivityState:     protocol.ActivityActive,
	}
}

// Env bundles the services of a device of user with its collaborators.
type Env struct {
	User      *Identity
	Services  *task.Services
	Repo      *model.MemRepository
	Directory *directory.Static
	Blobs     *blob.BoltStore
	Backend   *log.Backend
}

// NewEnv returns the services of a fresh device of user, sharing the
// device group key dgk.  A nil dgk generates a new one.
func NewEnv(t testing.TB, user *Identity, dgk *[protocol.KeyLength]byte) *Env {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	if dgk == nil {
		dgk = new([protocol.KeyLength]byte)
		_, err = io.ReadFull(rand.Reader, dgk[:])
		require.NoError(t, err)
	}
	var deviceID [8]byte
	_, err = io.ReadFull(rand.Reader, deviceID[:])
	require.NoError(t, err)

	caches, err := model.NewCaches()
	require.NoError(t, err)
	repo := model.NewMemRepository(user.Identity, caches)
	blobs, err := blob.OpenBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	now := time.UnixMilli(1700000000000)
	dir := directory.NewStatic()
	s := &task.Services{
		Backend: backend,
		Device: &task.Device{
			Identity:  user.Identity,
			PublicKey: user.PublicKey,
			SecretKey: user.SecretKey,
			Nickname:  fmt.Sprintf("nick-%s", user.Identity),
			DeviceID:  protocol.DeviceID(binary.LittleEndian.Uint64(deviceID[:])),
			Keys:      cryptobox.DeriveDeviceGroupKeys(dgk),
		},
		Model:     repo,
		Caches:    caches,
		Volatile:  model.NewVolatileProtocolState(func() time.Time { return now }),
		Nonces:    cryptobox.NewNonceService(cryptobox.NewMemNonceStore(), user.Identity, backend.GetLogger("nonce")),
		Directory: dir,
		Blob:      blobs,
		Now:       func() time.Time { return now },
	}
	return &Env{User: user, Services: s, Repo: repo, Directory: dir, Blobs: blobs, Backend: backend}
}

// AddContact adds id as a contact of the env's user and to its
// directory.
func (e *Env) AddContact(t testing.TB, id *Identity) *model.Contact {
	e.Directory.Add(id.Entry())
	c, err := e.Repo.AddContact(id.Contact(), model.OriginLocal)
	require.NoError(t, err)
	return c
}

// Restart replaces the repository and caches of e with fresh ones
// restored from a snapshot of the current repository.
func (e *Env) Restart(t testing.TB) {
	caches, err := model.NewCaches()
	require.NoError(t, err)
	repo := model.NewMemRepository(e.User.Identity, caches)
	require.NoError(t, repo.LoadState(e.Repo.Snapshot()))
	e.Repo = repo
	e.Services.Model = repo
	e.Services.Caches = caches
}
