// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/internal/instrument"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/transport"
	"github.com/katzenpost/multidevice/wire"
)

// Connection is an established, authenticated connection to the
// mediator.  transport.Codec implements it.
type Connection interface {
	Write(ctx context.Context, m transport.Message) error
	Read(ctx context.Context) (transport.Message, error)
	Close() error
}

// Dispatcher creates the tasks processing inbound messages.
type Dispatcher interface {
	IncomingMessage(m *transport.IncomingMessage) ActiveTask
	Reflected(m *transport.Reflected) PassiveTask
}

// ManagerConfig is the configuration of a Manager.
type ManagerConfig struct {
	Backend    *log.Backend
	Keys       *cryptobox.DeviceGroupKeys
	Nonces     *cryptobox.NonceService
	Dispatcher Dispatcher

	// Queue persists persistent tasks.  Without a queue they only
	// survive reconnects.
	Queue PersistentQueue

	// ReflectTimeout bounds the wait for reflect acknowledgements.
	ReflectTimeout time.Duration
}

type item struct {
	task      ActiveTask
	resultCh  chan Result
	seq       uint64
	persisted bool
}

// Manager sequences tasks on a connection.  Active tasks run one at a
// time in the order they were scheduled; inbound messages are processed
// in between.
type Manager struct {
	sync.Mutex

	log            *logging.Logger
	backend        *log.Backend
	keys           *cryptobox.DeviceGroupKeys
	nonces         *cryptobox.NonceService
	dispatcher     Dispatcher
	queue          PersistentQueue
	reflectTimeout time.Duration

	factories map[string]Factory
	pending   []*item
	wakeCh    chan struct{}
	connected bool

	reflectID     uint32
	transactionID uint64
}

// NewManager creates a disconnected Manager.
func NewManager(cfg *ManagerConfig) *Manager {
	return &Manager{
		log:            cfg.Backend.GetLogger("task.manager"),
		backend:        cfg.Backend,
		keys:           cfg.Keys,
		nonces:         cfg.Nonces,
		dispatcher:     cfg.Dispatcher,
		queue:          cfg.Queue,
		reflectTimeout: cfg.ReflectTimeout,
		factories:      make(map[string]Factory),
		wakeCh:         make(chan struct{}, 1),
	}
}

// Register adds the factory reviving persisted tasks of kind.
func (m *Manager) Register(kind string, f Factory) {
	m.Lock()
	defer m.Unlock()
	m.factories[kind] = f
}

// Revive schedules every task found in the persistent queue and returns
// their number.  Records of unknown kinds are dropped.
func (m *Manager) Revive() (int, error) {
	if m.queue == nil {
		return 0, nil
	}
	entries, err := m.queue.Entries()
	if err != nil {
		return 0, err
	}

	m.Lock()
	defer m.Unlock()
	n := 0
	for _, e := range entries {
		f, ok := m.factories[e.Record.Kind]
		var t ActiveTask
		if ok {
			t, err = f(e.Record.Data)
		}
		if !ok || err != nil {
			m.log.Errorf("Dropping persisted task %d of kind %s: %v", e.Seq, e.Record.Kind, err)
			if err := m.queue.Remove(e.Seq); err != nil {
				return n, err
			}
			continue
		}
		m.pending = append(m.pending, &item{task: t, resultCh: make(chan Result, 1), seq: e.Seq, persisted: true})
		n++
	}
	instrument.PendingTasks(len(m.pending))
	m.wake()
	return n, nil
}

// Schedule queues t and returns the channel its Result is delivered on.
// A volatile task scheduled while disconnected is aborted immediately.
func (m *Manager) Schedule(t ActiveTask) <-chan Result {
	ch := make(chan Result, 1)
	m.Lock()
	defer m.Unlock()

	if !t.Persist() && !m.connected {
		ch <- Result{Err: Aborted("%s scheduled while disconnected", t.Name())}
		return ch
	}
	it := &item{task: t, resultCh: ch}
	if pt, ok := t.(PersistableTask); ok && t.Persist() && m.queue != nil {
		rec, err := pt.Record()
		if err == nil {
			it.seq, err = m.queue.Push(rec)
		}
		if err != nil {
			ch <- Result{Err: fmt.Errorf("task: failed to persist %s: %w", t.Name(), err)}
			return ch
		}
		it.persisted = true
	}
	m.pending = append(m.pending, it)
	instrument.PendingTasks(len(m.pending))
	m.wake()
	return ch
}

// Connected returns true while Run is active.
func (m *Manager) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// Pending returns the number of scheduled active tasks.
func (m *Manager) Pending() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pending)
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) next() *item {
	m.Lock()
	defer m.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	return m.pending[0]
}

func (m *Manager) complete(it *item, r Result) {
	if it.persisted {
		if err := m.queue.Remove(it.seq); err != nil {
			m.log.Errorf("Failed to remove persisted task %s: %v", it.task.Name(), err)
		}
	}

	m.Lock()
	for i, p := range m.pending {
		if p == it {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	instrument.PendingTasks(len(m.pending))
	m.Unlock()

	it.resultCh <- r
}

func (m *Manager) setConnected() {
	m.Lock()
	defer m.Unlock()
	m.connected = true
}

func (m *Manager) disconnect() {
	m.Lock()
	m.connected = false
	var aborted []*item
	kept := m.pending[:0]
	for _, it := range m.pending {
		if it.task.Persist() {
			kept = append(kept, it)
		} else {
			aborted = append(aborted, it)
		}
	}
	m.pending = kept
	instrument.PendingTasks(len(m.pending))
	m.Unlock()

	for _, it := range aborted {
		it.resultCh <- Result{Err: Aborted("%s: connection lost", it.task.Name())}
	}
}

func (m *Manager) nextReflectID() uint32 {
	m.Lock()
	defer m.Unlock()
	m.reflectID++
	return m.reflectID
}

func (m *Manager) nextTransactionID() uint64 {
	m.Lock()
	defer m.Unlock()
	m.transactionID++
	return m.transactionID
}

// scopeName decrypts a transaction scope for logging.
func (m *Manager) scopeName(encrypted []byte) string {
	if len(encrypted) < protocol.NonceLength {
		return "<invalid scope>"
	}
	var nonce protocol.Nonce
	copy(nonce[:], encrypted)
	raw, err := m.keys.TransactionScope.DecryptWithDangerousUnguardedNonce(encrypted[protocol.NonceLength:], &nonce)
	if err != nil || len(raw) != 1 {
		return "<undecryptable scope>"
	}
	return protocol.TransactionScope(raw[0]).String()
}

// Run processes tasks on conn until the connection fails or ctx is
// done.  conn is closed on return.  Persistent tasks that did not
// complete stay scheduled for the next Run.
func (m *Manager) Run(ctx context.Context, conn Connection) error {
	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		m:        m,
		log:      m.log,
		conn:     conn,
		inCh:     make(chan transport.Message),
		closedCh: make(chan struct{}),
	}
	m.setConnected()
	go c.reader(ctx)
	defer func() {
		cancel()
		conn.Close()
		<-c.closedCh
		m.disconnect()
	}()

	m.log.Notice("Connected, processing tasks")
	for {
		if it := m.next(); it != nil {
			if err := c.runScheduled(ctx, it); err != nil {
				return err
			}
			continue
		}
		if msg := c.popBacklog(); msg != nil {
			if err := c.dispatch(ctx, msg); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closedCh:
			return c.readErr
		case <-m.wakeCh:
		case msg := <-c.inCh:
			if err := c.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// connection is the state of a single Run.
type connection struct {
	m    *Manager
	log  *logging.Logger
	conn Connection

	inCh     chan transport.Message
	closedCh chan struct{}
	readErr  error

	backlog     []transport.Message
	taskBacklog []transport.Message
	transaction *TransactionRunning
}

func (c *connection) reader(ctx context.Context) {
	defer close(c.closedCh)
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				c.log.Warningf("Discarding malformed message: %v", err)
				continue
			}
			c.readErr = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			return
		}
		select {
		case c.inCh <- msg:
		case <-ctx.Done():
			c.readErr = fmt.Errorf("%w: %w", ErrConnectionClosed, ctx.Err())
			return
		}
	}
}

func (c *connection) write(ctx context.Context, m transport.Message) error {
	if err := c.conn.Write(ctx, m); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

func (c *connection) read(ctx context.Context, f Filter) (transport.Message, error) {
	for {
		var msg transport.Message
		if len(c.taskBacklog) > 0 {
			msg, c.taskBacklog = c.taskBacklog[0], c.taskBacklog[1:]
		} else {
			select {
			case msg = <-c.inCh:
			case <-c.closedCh:
				return nil, c.readErr
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, ctx.Err())
			}
		}

		switch f(msg) {
		case Accept:
			return msg, nil
		case BypassOrBacklog:
			c.log.Warningf("Backlogging %s", msg.Kind())
			c.backlog = append(c.backlog, msg)
		case Reject:
			c.log.Errorf("Unexpected %s while running task", msg.Kind())
			return nil, &ProtocolError{Layer: "d2m", Reason: "unexpected " + msg.Kind()}
		}
	}
}

func (c *connection) popBacklog() transport.Message {
	if len(c.backlog) == 0 {
		return nil
	}
	msg := c.backlog[0]
	c.backlog = c.backlog[1:]
	return msg
}

// guard runs fn and turns an AssertionError panic into an error.
func (c *connection) guard(name string, fn func() (interface{}, error)) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*AssertionError)
			if !ok {
				panic(r)
			}
			c.log.Critical("Task %s: %v", name, ae)
			instrument.AssertionFailure()
			v, err = nil, ae
		}
	}()
	return fn()
}

func (c *connection) runActive(ctx context.Context, t ActiveTask) (interface{}, error) {
	instrument.TaskRun(t.Name())
	c.taskBacklog, c.backlog = c.backlog, nil
	h := &activeHandle{c: c, task: t}
	v, err := c.guard(t.Name(), func() (interface{}, error) {
		return t.Run(ctx, h)
	})
	c.backlog = append(c.taskBacklog, c.backlog...)
	c.taskBacklog = nil

	if c.transaction != nil {
		scope := c.transaction.scope
		c.transaction = nil
		if err == nil {
			err = &ProtocolError{Layer: "d2m", Reason: fmt.Sprintf("task %s returned with transaction %s open", t.Name(), scope)}
		} else {
			err = fmt.Errorf("%w: task %s failed with transaction %s open: %w", ErrConnectionClosed, t.Name(), scope, err)
		}
	}
	if err != nil {
		instrument.TaskFailed(t.Name())
	}
	return v, err
}

func (c *connection) runScheduled(ctx context.Context, it *item) error {
	v, err := c.runActive(ctx, it.task)
	var ae *AssertionError
	switch {
	case err == nil:
		c.m.complete(it, Result{Value: v})
		return nil
	case errors.As(err, &ae):
		c.m.complete(it, Result{Err: err})
		return err
	case IsFatal(err):
		if it.task.Persist() {
			c.log.Warningf("Task %s interrupted, retrying after reconnect: %v", it.task.Name(), err)
		} else {
			c.m.complete(it, Result{Err: err})
		}
		return err
	default:
		c.log.Errorf("Task %s failed: %v", it.task.Name(), err)
		c.m.complete(it, Result{Err: err})
		return nil
	}
}

func (c *connection) runPassive(ctx context.Context, t PassiveTask) error {
	instrument.TaskRun(t.Name())
	_, err := c.guard(t.Name(), func() (interface{}, error) {
		return nil, t.Run(ctx, &passiveHandle{c: c})
	})
	if err == nil {
		return nil
	}
	instrument.TaskFailed(t.Name())
	if IsFatal(err) {
		return err
	}
	c.log.Errorf("Passive task %s failed: %v", t.Name(), err)
	return nil
}

func (c *connection) dispatch(ctx context.Context, msg transport.Message) error {
	switch msg := msg.(type) {
	case *transport.Reflected:
		return c.runPassive(ctx, c.m.dispatcher.Reflected(msg))
	case *transport.IncomingMessage:
		_, err := c.runActive(ctx, c.m.dispatcher.IncomingMessage(msg))
		if err != nil && !IsFatal(err) {
			c.log.Errorf("Incoming message task failed: %v", err)
			return nil
		}
		return err
	case *transport.Alert:
		c.log.Warningf("Server alert: %s", msg.Message)
		return nil
	case *transport.CloseError:
		c.log.Errorf("Server closes the connection: %s", msg.Message)
		return &ServerClosedError{CanReconnect: msg.CanReconnect, Message: msg.Message}
	case *transport.ReflectAck, *transport.OutgoingMessageAck, *transport.BeginTransactionAck,
		*transport.CommitTransactionAck, *transport.TransactionRejected, *transport.TransactionEnded:
		c.log.Warningf("Ignoring %s outside of a task", msg.Kind())
		return nil
	default:
		return &ProtocolError{Layer: "d2m", Reason: "unexpected inbound " + msg.Kind()}
	}
}
