// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"

	"github.com/katzenpost/multidevice/protocol"
)

// seenFilterLn2 sizes the filter at 2^20 bits (128 KiB).
const seenFilterLn2 = 20

// StatusKind is the kind of a group status message.
type StatusKind int

const (
	StatusGroupCreated StatusKind = iota
	StatusGroupRenamed
	StatusMemberAdded
	StatusMemberLeft
	StatusUserStateChanged
)

// StatusMessage is a local notice shown in a group conversation.
type StatusMessage struct {
	Kind   StatusKind
	Detail string
	At     time.Time
}

// StatusCache holds the status messages of each group conversation.
type StatusCache struct {
	sync.Mutex
	byGroup map[protocol.GroupKey][]StatusMessage
}

// Add appends a status message to the conversation of key.
func (c *StatusCache) Add(key protocol.GroupKey, m StatusMessage) {
	c.Lock()
	defer c.Unlock()
	c.byGroup[key] = append(c.byGroup[key], m)
}

// Get returns the status messages of key.
func (c *StatusCache) Get(key protocol.GroupKey) []StatusMessage {
	c.Lock()
	defer c.Unlock()
	return append([]StatusMessage(nil), c.byGroup[key]...)
}

func (c *StatusCache) reset() {
	c.Lock()
	defer c.Unlock()
	c.byGroup = make(map[protocol.GroupKey][]StatusMessage)
}

// SeenMessages remembers incoming (sender, message id) pairs.  It may
// report false positives, never false negatives, so a hit must be
// confirmed against the Repository.  A cold filter does not cover the
// stored messages and reports every pair as possibly seen.
type SeenMessages struct {
	sync.Mutex
	f    *bloom.Filter
	cold bool
}

func seenKey(sender protocol.IdentityString, id protocol.MessageID) []byte {
	k := make([]byte, 0, protocol.IdentityLength+8)
	k = append(k, sender...)
	return binary.LittleEndian.AppendUint64(k, uint64(id))
}

// TestAndSet records the pair and returns true if it may have been seen.
func (s *SeenMessages) TestAndSet(sender protocol.IdentityString, id protocol.MessageID) bool {
	s.Lock()
	defer s.Unlock()
	return s.f.TestAndSet(seenKey(sender, id)) || s.cold
}

// Test returns true if the pair may have been seen.
func (s *SeenMessages) Test(sender protocol.IdentityString, id protocol.MessageID) bool {
	s.Lock()
	defer s.Unlock()
	return s.f.Test(seenKey(sender, id)) || s.cold
}

// Cold returns true until the filter is rebuilt from the repository.
func (s *SeenMessages) Cold() bool {
	s.Lock()
	defer s.Unlock()
	return s.cold
}

func (s *SeenMessages) add(sender protocol.IdentityString, id protocol.MessageID) {
	s.Lock()
	defer s.Unlock()
	s.f.TestAndSet(seenKey(sender, id))
}

func (s *SeenMessages) reset(cold bool) error {
	f, err := bloom.New(rand.Reader, seenFilterLn2, 0.001)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.f = f
	s.cold = cold
	return nil
}

// rebuild replaces the filter with one holding the pairs passed to add
// by fill.  The filter stays cold if fill fails.
func (s *SeenMessages) rebuild(fill func(add func(protocol.IdentityString, protocol.MessageID)) bool) error {
	f, err := bloom.New(rand.Reader, seenFilterLn2, 0.001)
	if err != nil {
		return err
	}
	ok := fill(func(sender protocol.IdentityString, id protocol.MessageID) {
		f.TestAndSet(seenKey(sender, id))
	})
	s.Lock()
	defer s.Unlock()
	s.f = f
	s.cold = !ok
	return nil
}

// Caches are owned by the engine and passed to the components that use
// them.
type Caches struct {
	Status *StatusCache
	Seen   *SeenMessages
}

// NewCaches returns empty caches.
func NewCaches() (*Caches, error) {
	c := &Caches{
		Status: new(StatusCache),
		Seen:   new(SeenMessages),
	}
	c.Status.reset()
	if err := c.Seen.reset(false); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset drops every cached entry.  The seen filter stays cold until
// MemRepository.RebuildSeen.
func (c *Caches) Reset() error {
	c.Status.reset()
	return c.Seen.reset(true)
}
