// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package directory resolves identities to their public keys.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/multidevice/protocol"
)

// ErrUnknownIdentity is returned when an identity does not exist.
var ErrUnknownIdentity = errors.New("directory: unknown identity")

// Entry is the directory record of an identity.
type Entry struct {
	Identity    protocol.IdentityString
	State       protocol.ActivityState
	PublicKey   [protocol.KeyLength]byte
	FeatureMask uint64
	Type        protocol.IdentityType
}

// Resolver looks up identities.  Identities that do not exist are
// absent from the result; a lookup failure is returned as an error.
type Resolver interface {
	Identities(ctx context.Context, ids []protocol.IdentityString) (map[protocol.IdentityString]*Entry, error)
}

// Identity resolves a single identity with r.
func Identity(ctx context.Context, r Resolver, id protocol.IdentityString) (*Entry, error) {
	m, err := r.Identities(ctx, []protocol.IdentityString{id})
	if err != nil {
		return nil, err
	}
	e, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return e, nil
}

// Static is a Resolver over a fixed set of entries.
type Static struct {
	sync.RWMutex
	entries map[protocol.IdentityString]*Entry
}

// NewStatic returns a Static resolver knowing entries.
func NewStatic(entries ...*Entry) *Static {
	s := &Static{entries: make(map[protocol.IdentityString]*Entry)}
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add adds or replaces an entry.
func (s *Static) Add(e *Entry) {
	s.Lock()
	defer s.Unlock()
	cp := *e
	s.entries[e.Identity] = &cp
}

// Identities implements Resolver.
func (s *Static) Identities(ctx context.Context, ids []protocol.IdentityString) (map[protocol.IdentityString]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.RLock()
	defer s.RUnlock()
	out := make(map[protocol.IdentityString]*Entry, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			cp := *e
			out[id] = &cp
		}
	}
	return out, nil
}
