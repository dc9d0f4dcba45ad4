// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/katzenpost/multidevice/core/queue"
	"github.com/katzenpost/multidevice/protocol"
)

// GroupSyncRequestInterval is the minimum time between two answers to
// group sync requests of the same sender for the same group.
const GroupSyncRequestInterval = time.Hour

type syncRequestKey struct {
	Group  protocol.GroupKey
	Sender protocol.IdentityString
}

// VolatileProtocolState is protocol state that is not persisted.
type VolatileProtocolState struct {
	syncRequests *queue.ExpiringSet[syncRequestKey]
}

// NewVolatileProtocolState returns empty state using now as its clock.
func NewVolatileProtocolState(now func() time.Time) *VolatileProtocolState {
	return &VolatileProtocolState{
		syncRequests: queue.NewExpiringSet[syncRequestKey](GroupSyncRequestInterval, now),
	}
}

// ShouldAnswerGroupSyncRequest returns true and records the request
// unless a request of sender for group was answered within the last
// GroupSyncRequestInterval.
func (s *VolatileProtocolState) ShouldAnswerGroupSyncRequest(group protocol.GroupKey, sender protocol.IdentityString) bool {
	k := syncRequestKey{Group: group, Sender: sender}
	if s.syncRequests.Contains(k) {
		return false
	}
	s.syncRequests.Add(k)
	return true
}
