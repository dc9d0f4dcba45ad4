// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package task implements the protocol task engine: active and passive
// tasks, the handles they drive the connection through, D2M transactions
// and the manager sequencing tasks on a connection.
package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/katzenpost/multidevice/protocol"
)

// ErrConnectionClosed is wrapped by every error caused by the connection
// going away.  Such errors are fatal to the connection, not to the task.
var ErrConnectionClosed = errors.New("task: connection closed")

// TaskErrorAborted is the TaskError type of tasks that could not run.
const TaskErrorAborted = "aborted"

// TaskError is returned to the scheduler of a task that failed for a
// reason unrelated to the protocol, e.g. because the connection was lost
// before a volatile task could run.
type TaskError struct {
	Type    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task: %s: %s", e.Type, e.Message)
}

// Aborted returns a TaskError of type TaskErrorAborted.
func Aborted(format string, args ...interface{}) error {
	return &TaskError{Type: TaskErrorAborted, Message: fmt.Sprintf(format, args...)}
}

// IsAborted returns true if err is an aborted TaskError.
func IsAborted(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Type == TaskErrorAborted
}

// ProtocolError is a violation of the protocol by the server or by
// another device.  It tears the connection down.
type ProtocolError struct {
	Layer  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("task: %s protocol error: %s", e.Layer, e.Reason)
}

// ServerClosedError is returned when the server announced that it closes
// the connection.
type ServerClosedError struct {
	CanReconnect bool
	Message      string
}

func (e *ServerClosedError) Error() string {
	return fmt.Sprintf("task: server closed the connection (reconnect: %v): %s", e.CanReconnect, e.Message)
}

// Is makes ServerClosedError match ErrConnectionClosed.
func (e *ServerClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// AssertionError is the panic value of a violated protocol invariant.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "task: assertion failed: " + e.Message
}

// Assert panics with an AssertionError unless cond holds.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
	}
}

// Unreachable panics with an AssertionError naming v.
func Unreachable(v interface{}) {
	panic(&AssertionError{Message: fmt.Sprintf("unreachable variant %T(%v)", v, v)})
}

// IsFatal returns true if err must tear the connection down.
func IsFatal(err error) bool {
	var pe *ProtocolError
	var ae *AssertionError
	return errors.Is(err, ErrConnectionClosed) || errors.As(err, &pe) || errors.As(err, &ae)
}

// ExpectedTransaction declares the transaction scope an active task
// opens, if any.
type ExpectedTransaction struct {
	Scope protocol.TransactionScope
}

// ActiveTask is a locally initiated unit of protocol work.  It runs with
// exclusive access to the connection.
type ActiveTask interface {
	// Name is the task kind used in logs and metrics.
	Name() string

	// Persist returns true if the task must survive a reconnect or a
	// restart.
	Persist() bool

	// Transaction returns the transaction the task opens, or nil.
	Transaction() *ExpectedTransaction

	Run(ctx context.Context, h ActiveHandle) (interface{}, error)
}

// PassiveTask processes a single inbound message.  It may only
// acknowledge.
type PassiveTask interface {
	Name() string
	Run(ctx context.Context, h PassiveHandle) error
}

// Record is the persisted form of a task.
type Record struct {
	Kind string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// PersistableTask is a persistent active task that can be written to
// the PersistentQueue.
type PersistableTask interface {
	ActiveTask

	Record() (*Record, error)
}

// Factory revives a persisted task from its record data.
type Factory func(data []byte) (ActiveTask, error)

// Result is delivered once a scheduled task completed.
type Result struct {
	Value interface{}
	Err   error
}
