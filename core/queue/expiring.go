// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"sync"
	"time"
)

// ExpiringSet records keys together with a deadline after which they are
// forgotten.  Expired keys are pruned lazily on every access.
type ExpiringSet[K comparable] struct {
	sync.Mutex

	ttl       time.Duration
	now       func() time.Time
	deadlines map[K]time.Time
	priq      *PriorityQueue[K]
}

// NewExpiringSet creates an ExpiringSet whose keys live for ttl.  now may be
// nil, in which case time.Now is used.
func NewExpiringSet[K comparable](ttl time.Duration, now func() time.Time) *ExpiringSet[K] {
	if now == nil {
		now = time.Now
	}
	return &ExpiringSet[K]{
		ttl:       ttl,
		now:       now,
		deadlines: make(map[K]time.Time),
		priq:      New[K](),
	}
}

// Contains returns true iff key was added less than ttl ago.
func (s *ExpiringSet[K]) Contains(key K) bool {
	s.Lock()
	defer s.Unlock()
	s.prune()
	_, ok := s.deadlines[key]
	return ok
}

// Add records key, resetting its deadline.
func (s *ExpiringSet[K]) Add(key K) {
	s.Lock()
	defer s.Unlock()
	s.prune()
	deadline := s.now().Add(s.ttl)
	s.deadlines[key] = deadline
	s.priq.Enqueue(uint64(deadline.UnixNano()), key)
}

// Len returns the number of unexpired keys.
func (s *ExpiringSet[K]) Len() int {
	s.Lock()
	defer s.Unlock()
	s.prune()
	return len(s.deadlines)
}

func (s *ExpiringSet[K]) prune() {
	now := s.now()
	for _, e := range s.priq.PopBelow(uint64(now.UnixNano()) + 1) {
		// A re-added key has a later deadline and a second queue entry.
		if d, ok := s.deadlines[e.Value]; ok && !d.After(now) {
			delete(s.deadlines, e.Value)
		}
	}
}
