// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/wire"
)

type funcTask struct {
	name    string
	persist bool
	scope   *ExpectedTransaction
	fn      func(ctx context.Context, h ActiveHandle) (interface{}, error)
}

func (t *funcTask) Name() string                      { return t.name }
func (t *funcTask) Persist() bool                     { return t.persist }
func (t *funcTask) Transaction() *ExpectedTransaction { return t.scope }
func (t *funcTask) Run(ctx context.Context, h ActiveHandle) (interface{}, error) {
	return t.fn(ctx, h)
}

type ackReflectedTask struct {
	m    *transport.Reflected
	seen chan<- *transport.Reflected
}

func (t *ackReflectedTask) Name() string { return "test-reflected" }
func (t *ackReflectedTask) Run(ctx context.Context, h PassiveHandle) error {
	t.seen <- t.m
	return h.Write(ctx, &transport.ReflectedAck{ReflectID: t.m.ReflectID})
}

type testDispatcher struct {
	reflected chan *transport.Reflected
}

func (d *testDispatcher) Reflected(m *transport.Reflected) PassiveTask {
	return &ackReflectedTask{m: m, seen: d.reflected}
}

func (d *testDispatcher) IncomingMessage(m *transport.IncomingMessage) ActiveTask {
	return &funcTask{name: "test-incoming", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		ack := wire.MessageAck{Identity: m.Box.SenderIdentity, MessageID: m.Box.MessageID}
		return nil, h.Write(ctx, &transport.IncomingMessageAck{Ack: ack})
	}}
}

type env struct {
	keys       *cryptobox.DeviceGroupKeys
	peerNonces *cryptobox.NonceService
	dispatcher *testDispatcher
	mgr        *Manager
}

func newEnv(t *testing.T, q PersistentQueue) *env {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return newEnvWithBackend(t, q, backend)
}

func newEnvWithBackend(t *testing.T, q PersistentQueue, backend *log.Backend) *env {
	var dgk [protocol.KeyLength]byte
	_, err := io.ReadFull(rand.Reader, dgk[:])
	require.NoError(t, err)

	e := &env{
		keys:       cryptobox.DeriveDeviceGroupKeys(&dgk),
		peerNonces: cryptobox.NewNonceService(cryptobox.NewMemNonceStore(), "MEMEMEME", backend.GetLogger("peer")),
		dispatcher: &testDispatcher{reflected: make(chan *transport.Reflected, 8)},
	}
	e.mgr = NewManager(&ManagerConfig{
		Backend:        backend,
		Keys:           e.keys,
		Nonces:         cryptobox.NewNonceService(cryptobox.NewMemNonceStore(), "MEMEMEME", backend.GetLogger("nonce")),
		Dispatcher:     e.dispatcher,
		Queue:          q,
		ReflectTimeout: 5 * time.Second,
	})
	return e
}

func codecPair(t *testing.T) (*transport.Codec, *transport.Codec) {
	a, b := transport.NewPipe()
	devicePub, deviceSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	serverPub, serverSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch := make(chan *transport.Session, 1)
	go func() {
		s, err := transport.ServerHandshake(ctx, b, cryptobox.SharedBox(serverSec, devicePub))
		if err != nil {
			s = nil
		}
		ch <- s
	}()
	cs, err := transport.ClientHandshake(ctx, a, cryptobox.SharedBox(deviceSec, serverPub))
	require.NoError(t, err)
	ss := <-ch
	require.NotNil(t, ss)
	return transport.NewCodec(a, cs), transport.NewCodec(b, ss)
}

// connect starts the manager on a fresh connection and returns the
// server end of it.
func (e *env) connect(t *testing.T) (*transport.Codec, <-chan error) {
	device, server := codecPair(t)
	done := make(chan error, 1)
	go func() {
		done <- e.mgr.Run(context.Background(), device)
	}()
	require.Eventually(t, e.mgr.Connected, 5*time.Second, time.Millisecond)
	return server, done
}

func serverRead(t *testing.T, s *transport.Codec) transport.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := s.Read(ctx)
	require.NoError(t, err)
	return m
}

func serverWrite(t *testing.T, s *transport.Codec, m transport.Message) {
	require.NoError(t, s.Write(context.Background(), m))
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for task result")
	}
	return Result{}
}

func waitDone(t *testing.T, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
	return nil
}

func readUpdate(id protocol.IdentityString, msg protocol.MessageID) *d2d.Envelope {
	return d2d.NewEnvelope(7, &d2d.IncomingMessageUpdate{Updates: []d2d.IncomingUpdate{{
		Conversation: d2d.ContactConversation(id),
		MessageID:    msg,
		ReadAt:       1700000000000,
	}}})
}

func reflectTask(envs ...*d2d.Envelope) *funcTask {
	return &funcTask{name: "test-reflect", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		return h.Reflect(ctx, envs)
	}}
}

func TestReflectReturnsAckTimestamps(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	env1, env2 := readUpdate("USER0001", 1), readUpdate("USER0002", 2)
	ch := e.mgr.Schedule(reflectTask(env1, env2))

	var ids []uint32
	for _, want := range []*d2d.Envelope{env1, env2} {
		r := serverRead(t, server).(*transport.Reflect)
		got, guard, err := d2d.Open(r.Envelope, e.keys.Reflect, e.peerNonces)
		require.NoError(err)
		require.NoError(guard.Commit())
		require.Equal(want, got)
		ids = append(ids, r.ReflectID)
	}
	serverWrite(t, server, &transport.ReflectAck{ReflectID: ids[0], Timestamp: 1000})
	serverWrite(t, server, &transport.ReflectAck{ReflectID: ids[1], Timestamp: 2000})

	res := waitResult(t, ch)
	require.NoError(res.Err)
	require.Equal([]time.Time{time.UnixMilli(1000), time.UnixMilli(2000)}, res.Value)

	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
}

func TestReflectAckMismatchIsProtocolError(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	ch := e.mgr.Schedule(reflectTask(readUpdate("USER0001", 1)))
	r := serverRead(t, server).(*transport.Reflect)
	serverWrite(t, server, &transport.ReflectAck{ReflectID: r.ReflectID + 100, Timestamp: 1})

	var pe *ProtocolError
	require.ErrorAs(waitDone(t, done), &pe)
	res := waitResult(t, ch)
	require.ErrorAs(res.Err, &pe)
}

func TestBacklogProcessedAfterTask(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	ch := e.mgr.Schedule(reflectTask(readUpdate("USER0001", 1)))
	r := serverRead(t, server).(*transport.Reflect)

	// A reflection from another device arrives while the task waits.
	serverWrite(t, server, &transport.Reflected{ReflectID: 77, Timestamp: 5, Envelope: []byte("sealed")})
	serverWrite(t, server, &transport.ReflectAck{ReflectID: r.ReflectID, Timestamp: 10})

	res := waitResult(t, ch)
	require.NoError(res.Err)
	require.Equal(&transport.ReflectedAck{ReflectID: 77}, serverRead(t, server))
	seen := <-e.dispatcher.reflected
	require.Equal(uint32(77), seen.ReflectID)

	// Incoming messages are acknowledged by their task.
	serverWrite(t, server, &transport.IncomingMessage{Box: &wire.MessageWithMetadataBox{
		SenderIdentity:   "USER0001",
		ReceiverIdentity: "MEMEMEME",
		MessageID:        99,
	}})
	require.Equal(&transport.IncomingMessageAck{Ack: wire.MessageAck{Identity: "USER0001", MessageID: 99}}, serverRead(t, server))

	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
}

func TestStrayAcksAndAlertsAreIgnored(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	serverWrite(t, server, &transport.ReflectAck{ReflectID: 1234, Timestamp: 1})
	serverWrite(t, server, &transport.Alert{Message: "maintenance"})
	serverWrite(t, server, &transport.Reflected{ReflectID: 3, Envelope: []byte("x")})
	require.Equal(&transport.ReflectedAck{ReflectID: 3}, serverRead(t, server))

	serverWrite(t, server, &transport.CloseError{CanReconnect: false, Message: "bye"})
	err := waitDone(t, done)
	var sc *ServerClosedError
	require.ErrorAs(err, &sc)
	require.False(sc.CanReconnect)
	require.ErrorIs(err, ErrConnectionClosed)
}

func TestVolatileTaskAbortedWhileDisconnected(t *testing.T) {
	e := newEnv(t, nil)
	res := waitResult(t, e.mgr.Schedule(reflectTask()))
	require.True(t, IsAborted(res.Err))
}

func TestPendingVolatileTasksAbortOnDisconnect(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	first := e.mgr.Schedule(reflectTask(readUpdate("USER0001", 1)))
	second := e.mgr.Schedule(reflectTask(readUpdate("USER0001", 2)))
	_ = serverRead(t, server)
	require.NoError(server.Close())

	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
	require.ErrorIs(waitResult(t, first).Err, ErrConnectionClosed)
	require.True(IsAborted(waitResult(t, second).Err))
	require.Equal(0, e.mgr.Pending())
}

func TestAssertionTearsConnectionDown(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	_, done := e.connect(t)

	ch := e.mgr.Schedule(&funcTask{name: "test-assert", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		Assert(false, "reflection of %s returned no timestamp", "text")
		return nil, nil
	}})
	var ae *AssertionError
	require.ErrorAs(waitResult(t, ch).Err, &ae)
	require.Contains(ae.Message, "returned no timestamp")
	require.ErrorAs(waitDone(t, done), &ae)
}

func TestAssertionIsLoggedAsCritical(t *testing.T) {
	require := require.New(t)
	f := filepath.Join(t.TempDir(), "engine.log")
	backend, err := log.New(f, "ERROR", false)
	require.NoError(err)
	e := newEnvWithBackend(t, nil, backend)
	_, done := e.connect(t)

	ch := e.mgr.Schedule(&funcTask{name: "test-assert", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		Unreachable(protocol.CspE2eType(0x33))
		return nil, nil
	}})
	var ae *AssertionError
	require.ErrorAs(waitResult(t, ch).Err, &ae)
	require.ErrorAs(waitDone(t, done), &ae)

	b, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(b), "CRIT task.manager: Task test-assert")
}

func TestSyncReflectionOutsideTransactionTearsDown(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	bob := protocol.IdentityString("BOBBOB01")
	ch := e.mgr.Schedule(reflectTask(d2d.NewEnvelope(7, &d2d.ContactSync{Delete: &bob})))
	var ae *AssertionError
	require.ErrorAs(waitResult(t, ch).Err, &ae)
	require.Contains(ae.Message, "contact-sync.delete reflected while none is running")
	require.ErrorAs(waitDone(t, done), &ae)

	// Nothing reached the mediator.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := server.Read(ctx)
	require.Error(err)
}

func TestTaskErrorDoesNotTearDown(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	boom := errors.New("blob upload failed")
	ch := e.mgr.Schedule(&funcTask{name: "test-fail", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		return nil, boom
	}})
	require.ErrorIs(waitResult(t, ch).Err, boom)

	ch = e.mgr.Schedule(reflectTask(readUpdate("USER0001", 1)))
	r := serverRead(t, server).(*transport.Reflect)
	serverWrite(t, server, &transport.ReflectAck{ReflectID: r.ReflectID, Timestamp: 3})
	require.NoError(waitResult(t, ch).Err)

	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
}

func TestReadRejectIsProtocolError(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	ch := e.mgr.Schedule(&funcTask{name: "test-reject", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		return h.Read(ctx, func(m transport.Message) Instruction {
			return Reject
		})
	}})
	serverWrite(t, server, &transport.Alert{Message: "surprise"})

	var pe *ProtocolError
	require.ErrorAs(waitResult(t, ch).Err, &pe)
	require.ErrorAs(waitDone(t, done), &pe)
}

func transactionTask(scope protocol.TransactionScope, precondition func() bool, executed *bool) *funcTask {
	return &funcTask{
		name:  "test-transaction",
		scope: &ExpectedTransaction{Scope: scope},
		fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
			return h.Transaction(ctx, scope, precondition, func(ctx context.Context, tx *TransactionRunning) error {
				*executed = true
				if tx.Scope() != scope {
					return errors.New("wrong scope")
				}
				_, err := h.Reflect(ctx, []*d2d.Envelope{readUpdate("USER0001", 1)})
				return err
			})
		},
	}
}

func TestTransactionCommits(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	executed := false
	ch := e.mgr.Schedule(transactionTask(protocol.ScopeContactSync, func() bool { return true }, &executed))

	begin := serverRead(t, server).(*transport.BeginTransaction)
	require.Zero(begin.TTL)
	scope, guard, err := e.keys.TransactionScope.DecryptWithNonceAhead(begin.EncryptedScope, e.peerNonces, protocol.NonceScopeD2D)
	require.NoError(err)
	require.NoError(guard.Commit())
	require.Equal([]byte{byte(protocol.ScopeContactSync)}, scope)
	serverWrite(t, server, &transport.BeginTransactionAck{})

	r := serverRead(t, server).(*transport.Reflect)
	serverWrite(t, server, &transport.ReflectAck{ReflectID: r.ReflectID, Timestamp: 1})
	require.IsType(&transport.CommitTransaction{}, serverRead(t, server))
	serverWrite(t, server, &transport.CommitTransactionAck{})

	res := waitResult(t, ch)
	require.NoError(res.Err)
	require.Equal(TransactionComplete, res.Value)
	require.True(executed)

	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
}

func TestTransactionRejectedThenAborted(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	holds := true
	executed := false
	ch := e.mgr.Schedule(transactionTask(protocol.ScopeGroupSync, func() bool { return holds }, &executed))

	begin := serverRead(t, server).(*transport.BeginTransaction)
	serverWrite(t, server, &transport.TransactionRejected{DeviceID: 2, EncryptedScope: begin.EncryptedScope})
	// The other device changes the state the task depends on.
	holds = false
	serverWrite(t, server, &transport.TransactionEnded{DeviceID: 2, EncryptedScope: begin.EncryptedScope})

	res := waitResult(t, ch)
	require.NoError(res.Err)
	require.Equal(TransactionAborted, res.Value)
	require.False(executed)

	// Nothing but the next task's frames follow.
	ch = e.mgr.Schedule(reflectTask(readUpdate("USER0001", 5)))
	require.IsType(&transport.Reflect{}, serverRead(t, server))
	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
	require.ErrorIs(waitResult(t, ch).Err, ErrConnectionClosed)
}

func TestTransactionRetriesAfterEnded(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	executed := false
	ch := e.mgr.Schedule(transactionTask(protocol.ScopeContactSync, func() bool { return true }, &executed))

	begin := serverRead(t, server).(*transport.BeginTransaction)
	serverWrite(t, server, &transport.TransactionRejected{DeviceID: 2, EncryptedScope: begin.EncryptedScope})
	serverWrite(t, server, &transport.TransactionEnded{DeviceID: 2, EncryptedScope: begin.EncryptedScope})

	require.IsType(&transport.BeginTransaction{}, serverRead(t, server))
	serverWrite(t, server, &transport.BeginTransactionAck{})
	r := serverRead(t, server).(*transport.Reflect)
	serverWrite(t, server, &transport.ReflectAck{ReflectID: r.ReflectID, Timestamp: 1})
	require.IsType(&transport.CommitTransaction{}, serverRead(t, server))
	serverWrite(t, server, &transport.CommitTransactionAck{})

	res := waitResult(t, ch)
	require.NoError(res.Err)
	require.Equal(TransactionComplete, res.Value)
	require.True(executed)

	require.NoError(server.Close())
	require.ErrorIs(waitDone(t, done), ErrConnectionClosed)
}

func TestTransactionFailureTearsDown(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, nil)
	server, done := e.connect(t)

	boom := errors.New("executor failed")
	ch := e.mgr.Schedule(&funcTask{name: "test-open-transaction", fn: func(ctx context.Context, h ActiveHandle) (interface{}, error) {
		return h.Transaction(ctx, protocol.ScopeGroupSync, func() bool { return true }, func(context.Context, *TransactionRunning) error {
			return boom
		})
	}})
	require.IsType(&transport.BeginTransaction{}, serverRead(t, server))
	serverWrite(t, server, &transport.BeginTransactionAck{})

	err := waitDone(t, done)
	require.ErrorIs(err, ErrConnectionClosed)
	require.ErrorIs(err, boom)
	require.ErrorIs(waitResult(t, ch).Err, boom)
}
