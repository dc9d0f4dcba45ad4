// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package txn lets the scripted handle of the task test fixtures open
// transactions without a mediator.  It is set by package task.
package txn

import "github.com/katzenpost/multidevice/protocol"

// Open returns a *task.TransactionRunning for a transaction the caller
// has opened.
var Open func(id uint64, scope protocol.TransactionScope) interface{}
