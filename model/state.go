// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/multidevice/protocol"
)

// State is the serialized form of a MemRepository.
type State struct {
	User          protocol.IdentityString
	NextUID       UID
	Contacts      []*Contact
	Groups        []*Group
	Conversations []*Conversation
	Messages      []*Message
}

var stateEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes the state.
func (s *State) Marshal() ([]byte, error) {
	return stateEncMode.Marshal(s)
}

// UnmarshalState decodes a state encoded with Marshal.
func UnmarshalState(b []byte) (*State, error) {
	s := new(State)
	if _, err := cbor.UnmarshalFirst(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a copy of the repository content.
func (r *MemRepository) Snapshot() *State {
	r.RLock()
	defer r.RUnlock()

	s := &State{User: r.user, NextUID: r.nextUID}
	for _, c := range r.contacts {
		s.Contacts = append(s.Contacts, copyContact(c))
	}
	for _, g := range r.groups {
		s.Groups = append(s.Groups, copyGroup(g))
	}
	for recv, c := range r.conversations {
		cp := *c
		s.Conversations = append(s.Conversations, &cp)
		for _, m := range r.messages[recv] {
			s.Messages = append(s.Messages, copyMessage(m))
		}
	}
	return s
}

// LoadState replaces the repository content with s.
func (r *MemRepository) LoadState(s *State) error {
	r.Lock()
	defer r.Unlock()

	if s.User != r.user {
		return fmt.Errorf("model: state belongs to %s, not %s", s.User, r.user)
	}
	r.nextUID = s.NextUID
	r.contacts = make(map[protocol.IdentityString]*Contact)
	r.contactsByUID = make(map[UID]*Contact)
	for _, c := range s.Contacts {
		c := copyContact(c)
		r.contacts[c.Identity] = c
		r.contactsByUID[c.UID] = c
	}
	r.groups = make(map[protocol.GroupKey]*Group)
	r.groupsByUID = make(map[UID]*Group)
	for _, g := range s.Groups {
		g := copyGroup(g)
		r.groups[g.Key()] = g
		r.groupsByUID[g.UID] = g
	}
	r.conversations = make(map[Receiver]*Conversation)
	r.messages = make(map[Receiver]map[protocol.MessageID]*Message)
	byUID := make(map[UID]Receiver)
	for _, c := range s.Conversations {
		cp := *c
		r.conversations[c.Receiver] = &cp
		r.messages[c.Receiver] = make(map[protocol.MessageID]*Message)
		byUID[c.UID] = c.Receiver
	}
	for _, m := range s.Messages {
		recv, ok := byUID[m.Conversation]
		if !ok {
			continue
		}
		r.messages[recv][m.ID] = copyMessage(m)
	}
	return r.rebuildSeen()
}
