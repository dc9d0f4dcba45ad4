// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/validate"
)

const maxMutationLog = 4096

// MemRepository is an in-memory Repository.  Its content is persisted by
// a StateWriter through Snapshot and restored with LoadState.
type MemRepository struct {
	sync.RWMutex

	user   protocol.IdentityString
	caches *Caches
	now    func() time.Time

	nextUID       UID
	contacts      map[protocol.IdentityString]*Contact
	contactsByUID map[UID]*Contact
	groups        map[protocol.GroupKey]*Group
	groupsByUID   map[UID]*Group
	conversations map[Receiver]*Conversation
	messages      map[Receiver]map[protocol.MessageID]*Message

	log        []Mutation
	onMutation func(Mutation)
}

// NewMemRepository returns an empty repository of user.
func NewMemRepository(user protocol.IdentityString, caches *Caches) *MemRepository {
	return &MemRepository{
		user:          user,
		caches:        caches,
		now:           time.Now,
		nextUID:       1,
		contacts:      make(map[protocol.IdentityString]*Contact),
		contactsByUID: make(map[UID]*Contact),
		groups:        make(map[protocol.GroupKey]*Group),
		groupsByUID:   make(map[UID]*Group),
		conversations: make(map[Receiver]*Conversation),
		messages:      make(map[Receiver]map[protocol.MessageID]*Message),
	}
}

// SetMutationHook installs fn, called after every successful mutation
// with the repository unlocked.
func (r *MemRepository) SetMutationHook(fn func(Mutation)) {
	r.Lock()
	defer r.Unlock()
	r.onMutation = fn
}

// Mutations returns the most recent mutations, oldest first.
func (r *MemRepository) Mutations() []Mutation {
	r.RLock()
	defer r.RUnlock()
	return append([]Mutation(nil), r.log...)
}

func (r *MemRepository) update(origin Origin, op, target string, fn func() error) error {
	r.Lock()
	err := fn()
	m := Mutation{Origin: origin, Op: op, Target: target}
	if err == nil {
		r.log = append(r.log, m)
		if len(r.log) > maxMutationLog {
			r.log = r.log[len(r.log)-maxMutationLog:]
		}
	}
	hook := r.onMutation
	r.Unlock()

	if err == nil && hook != nil {
		hook(m)
	}
	return err
}

func (r *MemRepository) allocUID() UID {
	uid := r.nextUID
	r.nextUID++
	return uid
}

func (r *MemRepository) status(key protocol.GroupKey, kind StatusKind, detail string) {
	if r.caches != nil {
		r.caches.Status.Add(key, StatusMessage{Kind: kind, Detail: detail, At: r.now()})
	}
}

// User implements Repository.
func (r *MemRepository) User() protocol.IdentityString {
	return r.user
}

func copyContact(c *Contact) *Contact {
	cp := *c
	if c.NotificationPolicy != nil {
		p := *c.NotificationPolicy
		cp.NotificationPolicy = &p
	}
	return &cp
}

// ContactByIdentity implements Repository.
func (r *MemRepository) ContactByIdentity(id protocol.IdentityString) (*Contact, bool) {
	r.RLock()
	defer r.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return nil, false
	}
	return copyContact(c), true
}

// ContactByUID implements Repository.
func (r *MemRepository) ContactByUID(uid UID) (*Contact, bool) {
	r.RLock()
	defer r.RUnlock()
	c, ok := r.contactsByUID[uid]
	if !ok {
		return nil, false
	}
	return copyContact(c), true
}

// Contacts implements Repository.
func (r *MemRepository) Contacts() []*Contact {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, copyContact(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// AddContact implements Repository.
func (r *MemRepository) AddContact(init Contact, origin Origin) (*Contact, error) {
	var added *Contact
	err := r.update(origin, "add-contact", string(init.Identity), func() error {
		if init.Identity == r.user {
			return ErrOwnIdentity
		}
		if _, ok := r.contacts[init.Identity]; ok {
			return fmt.Errorf("%w: contact %s", ErrExists, init.Identity)
		}
		c := copyContact(&init)
		c.UID = r.allocUID()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = r.now()
		}
		r.contacts[c.Identity] = c
		r.contactsByUID[c.UID] = c
		added = copyContact(c)
		return nil
	})
	return added, err
}

// UpdateContact implements Repository.
func (r *MemRepository) UpdateContact(id protocol.IdentityString, u *ContactUpdate, origin Origin) error {
	return r.update(origin, "update-contact", string(id), func() error {
		c, ok := r.contacts[id]
		if !ok {
			return fmt.Errorf("%w: contact %s", ErrNotFound, id)
		}
		if u.PublicKey != nil {
			c.PublicKey = *u.PublicKey
		}
		if u.FirstName != nil {
			c.FirstName = *u.FirstName
		}
		if u.LastName != nil {
			c.LastName = *u.LastName
		}
		if u.Nickname != nil {
			c.Nickname = *u.Nickname
		}
		if u.VerificationLevel != nil {
			c.VerificationLevel = *u.VerificationLevel
		}
		if u.IdentityType != nil {
			c.IdentityType = *u.IdentityType
		}
		if u.AcquaintanceLevel != nil {
			c.AcquaintanceLevel = *u.AcquaintanceLevel
		}
		if u.ActivityState != nil {
			c.ActivityState = *u.ActivityState
		}
		if u.FeatureMask != nil {
			c.FeatureMask = *u.FeatureMask
		}
		if u.NotificationPolicy != nil {
			c.NotificationPolicy = nil
			if v := u.NotificationPolicy.Value; v != nil {
				p := *v
				c.NotificationPolicy = &p
			}
		}
		if u.Blocked != nil {
			c.Blocked = *u.Blocked
		}
		return nil
	})
}

// RemoveContact implements Repository.  A contact that is still a member
// of a group is kept with AcquaintanceGroupOrDeleted and loses its 1:1
// conversation only.
func (r *MemRepository) RemoveContact(id protocol.IdentityString, origin Origin) error {
	return r.update(origin, "remove-contact", string(id), func() error {
		c, ok := r.contacts[id]
		if !ok {
			return fmt.Errorf("%w: contact %s", ErrNotFound, id)
		}
		recv := ContactReceiver(c.UID)
		delete(r.conversations, recv)
		delete(r.messages, recv)

		for _, g := range r.groups {
			if g.HasMember(c.UID) {
				c.AcquaintanceLevel = protocol.AcquaintanceGroupOrDeleted
				return nil
			}
		}
		delete(r.contacts, id)
		delete(r.contactsByUID, c.UID)
		return nil
	})
}

func copyGroup(g *Group) *Group {
	cp := *g
	cp.Members = append([]UID(nil), g.Members...)
	if g.NotificationPolicy != nil {
		p := *g.NotificationPolicy
		cp.NotificationPolicy = &p
	}
	return &cp
}

// GroupByIDAndCreator implements Repository.
func (r *MemRepository) GroupByIDAndCreator(gid protocol.GroupID, creator protocol.IdentityString) (*Group, bool) {
	r.RLock()
	defer r.RUnlock()
	g, ok := r.groups[protocol.GroupKey{Creator: creator, ID: gid}]
	if !ok {
		return nil, false
	}
	return copyGroup(g), true
}

// GroupByUID implements Repository.
func (r *MemRepository) GroupByUID(uid UID) (*Group, bool) {
	r.RLock()
	defer r.RUnlock()
	g, ok := r.groupsByUID[uid]
	if !ok {
		return nil, false
	}
	return copyGroup(g), true
}

// Groups implements Repository.
func (r *MemRepository) Groups() []*Group {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (r *MemRepository) checkMembers(members []UID) error {
	for _, m := range members {
		if _, ok := r.contactsByUID[m]; !ok {
			return fmt.Errorf("%w: member contact %d", ErrNotFound, m)
		}
	}
	return nil
}

// AddGroup implements Repository.
func (r *MemRepository) AddGroup(init Group, origin Origin) (*Group, error) {
	key := init.Key()
	var added *Group
	err := r.update(origin, "add-group", key.String(), func() error {
		if _, ok := r.groups[key]; ok {
			return fmt.Errorf("%w: group %s", ErrExists, key)
		}
		if err := r.checkMembers(init.Members); err != nil {
			return err
		}
		g := copyGroup(&init)
		g.UID = r.allocUID()
		if g.CreatedAt.IsZero() {
			g.CreatedAt = r.now()
		}
		r.groups[key] = g
		r.groupsByUID[g.UID] = g
		r.status(key, StatusGroupCreated, g.Name)
		added = copyGroup(g)
		return nil
	})
	return added, err
}

func (r *MemRepository) group(key protocol.GroupKey) (*Group, error) {
	g, ok := r.groups[key]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, key)
	}
	return g, nil
}

func (r *MemRepository) setMembers(g *Group, members []UID) {
	for _, m := range members {
		if !g.HasMember(m) {
			r.status(g.Key(), StatusMemberAdded, fmt.Sprint(m))
		}
	}
	next := &Group{Members: members}
	for _, m := range g.Members {
		if !next.HasMember(m) {
			r.status(g.Key(), StatusMemberLeft, fmt.Sprint(m))
		}
	}
	g.Members = append([]UID(nil), members...)
}

func (r *MemRepository) setUserState(g *Group, state protocol.GroupUserState) {
	if g.UserState != state {
		r.status(g.Key(), StatusUserStateChanged, state.String())
	}
	g.UserState = state
}

// UpdateGroup implements Repository.
func (r *MemRepository) UpdateGroup(key protocol.GroupKey, u *GroupUpdate, origin Origin) error {
	return r.update(origin, "update-group", key.String(), func() error {
		g, err := r.group(key)
		if err != nil {
			return err
		}
		if u.Members != nil {
			if err := r.checkMembers(*u.Members); err != nil {
				return err
			}
			r.setMembers(g, *u.Members)
		}
		if u.Name != nil && *u.Name != g.Name {
			g.Name = *u.Name
			r.status(key, StatusGroupRenamed, g.Name)
		}
		if u.UserState != nil {
			r.setUserState(g, *u.UserState)
		}
		if u.NotificationPolicy != nil {
			g.NotificationPolicy = nil
			if v := u.NotificationPolicy.Value; v != nil {
				p := *v
				g.NotificationPolicy = &p
			}
		}
		return nil
	})
}

// SetGroupMembers implements Repository.
func (r *MemRepository) SetGroupMembers(key protocol.GroupKey, members []UID, origin Origin) error {
	return r.UpdateGroup(key, &GroupUpdate{Members: &members}, origin)
}

// SetGroupUserState implements Repository.
func (r *MemRepository) SetGroupUserState(key protocol.GroupKey, state protocol.GroupUserState, origin Origin) error {
	return r.UpdateGroup(key, &GroupUpdate{UserState: &state}, origin)
}

// SetGroupName implements Repository.
func (r *MemRepository) SetGroupName(key protocol.GroupKey, name string, origin Origin) error {
	return r.UpdateGroup(key, &GroupUpdate{Name: &name}, origin)
}

// RemoveGroupMember implements Repository.
func (r *MemRepository) RemoveGroupMember(key protocol.GroupKey, member UID, origin Origin) error {
	return r.update(origin, "remove-group-member", key.String(), func() error {
		g, err := r.group(key)
		if err != nil {
			return err
		}
		members := make([]UID, 0, len(g.Members))
		for _, m := range g.Members {
			if m != member {
				members = append(members, m)
			}
		}
		r.setMembers(g, members)
		return nil
	})
}

// RemoveGroup implements Repository.
func (r *MemRepository) RemoveGroup(key protocol.GroupKey, origin Origin) error {
	return r.update(origin, "remove-group", key.String(), func() error {
		g, err := r.group(key)
		if err != nil {
			return err
		}
		recv := GroupReceiver(g.UID)
		delete(r.conversations, recv)
		delete(r.messages, recv)
		delete(r.groups, key)
		delete(r.groupsByUID, g.UID)
		return nil
	})
}

func (r *MemRepository) receiverExists(recv Receiver) bool {
	switch recv.Type {
	case protocol.ReceiverContact:
		_, ok := r.contactsByUID[recv.UID]
		return ok
	case protocol.ReceiverGroup:
		_, ok := r.groupsByUID[recv.UID]
		return ok
	default:
		return false
	}
}

func (r *MemRepository) conversation(recv Receiver) (*Conversation, error) {
	if c, ok := r.conversations[recv]; ok {
		return c, nil
	}
	if !r.receiverExists(recv) {
		return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, recv)
	}
	c := &Conversation{UID: r.allocUID(), Receiver: recv, LastUpdate: r.now()}
	r.conversations[recv] = c
	r.messages[recv] = make(map[protocol.MessageID]*Message)
	return c, nil
}

// Conversation implements Repository.  The conversation is created on
// first use.
func (r *MemRepository) Conversation(recv Receiver) (*Conversation, error) {
	r.Lock()
	defer r.Unlock()
	c, err := r.conversation(recv)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	return &cp
}

// HasMessage implements Repository.
func (r *MemRepository) HasMessage(recv Receiver, id protocol.MessageID) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.messages[recv][id]
	return ok
}

// Message implements Repository.
func (r *MemRepository) Message(recv Receiver, id protocol.MessageID) (*Message, bool) {
	r.RLock()
	defer r.RUnlock()
	m, ok := r.messages[recv][id]
	if !ok {
		return nil, false
	}
	return copyMessage(m), true
}

// Messages implements Repository, ordered by insertion.
func (r *MemRepository) Messages(recv Receiver) []*Message {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Message, 0, len(r.messages[recv]))
	for _, m := range r.messages[recv] {
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// AddMessage implements Repository.
func (r *MemRepository) AddMessage(recv Receiver, m Message, origin Origin) (*Message, error) {
	var added *Message
	err := r.update(origin, "add-message", m.ID.String(), func() error {
		if m.Kind == KindDeleted && (m.Text != "" || m.File != nil || m.Location != nil || len(m.Reactions) != 0) {
			return fmt.Errorf("%w: tombstone with content", ErrDeletedMessage)
		}
		c, err := r.conversation(recv)
		if err != nil {
			return err
		}
		if _, ok := r.messages[recv][m.ID]; ok {
			return fmt.Errorf("%w: message %s", ErrExists, m.ID)
		}
		msg := copyMessage(&m)
		msg.UID = r.allocUID()
		msg.Conversation = c.UID
		r.messages[recv][m.ID] = msg
		r.markSeen(msg)
		c.LastUpdate = r.now()
		if msg.Direction == Inbound && msg.ReadAt.IsZero() {
			c.Unread++
		}
		added = copyMessage(msg)
		return nil
	})
	return added, err
}

// markSeen records an inbound message in the seen filter.  A sender that
// cannot be resolved turns the filter cold.
func (r *MemRepository) markSeen(m *Message) {
	if r.caches == nil || m.Direction != Inbound {
		return
	}
	if c, ok := r.contactsByUID[m.Sender]; ok {
		r.caches.Seen.add(c.Identity, m.ID)
		return
	}
	r.caches.Seen.Lock()
	r.caches.Seen.cold = true
	r.caches.Seen.Unlock()
}

// RebuildSeen fills the seen filter with every stored inbound message.
func (r *MemRepository) RebuildSeen() error {
	r.RLock()
	defer r.RUnlock()
	return r.rebuildSeen()
}

func (r *MemRepository) rebuildSeen() error {
	if r.caches == nil {
		return nil
	}
	return r.caches.Seen.rebuild(func(add func(protocol.IdentityString, protocol.MessageID)) bool {
		for _, msgs := range r.messages {
			for _, m := range msgs {
				if m.Direction != Inbound {
					continue
				}
				c, ok := r.contactsByUID[m.Sender]
				if !ok {
					return false
				}
				add(c.Identity, m.ID)
			}
		}
		return true
	})
}

func (r *MemRepository) message(recv Receiver, id protocol.MessageID) (*Message, error) {
	m, ok := r.messages[recv][id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s in %s", ErrNotFound, id, recv)
	}
	return m, nil
}

// SetMessageFile implements Repository.
func (r *MemRepository) SetMessageFile(recv Receiver, id protocol.MessageID, f validate.FileJSON, origin Origin) error {
	return r.update(origin, "set-message-file", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		if m.Kind != KindFile {
			return fmt.Errorf("model: message %s is a %s message", id, m.Kind)
		}
		m.File = &f
		return nil
	})
}

// MarkSent implements Repository.
func (r *MemRepository) MarkSent(recv Receiver, id protocol.MessageID, at time.Time, origin Origin) error {
	return r.update(origin, "mark-sent", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		m.SentAt = at
		return nil
	})
}

// MarkDelivered implements Repository.
func (r *MemRepository) MarkDelivered(recv Receiver, id protocol.MessageID, at time.Time, origin Origin) error {
	return r.update(origin, "mark-delivered", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		if m.DeliveredAt.IsZero() {
			m.DeliveredAt = at
		}
		return nil
	})
}

// MarkRead implements Repository.
func (r *MemRepository) MarkRead(recv Receiver, id protocol.MessageID, at time.Time, origin Origin) error {
	return r.update(origin, "mark-read", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		if !m.ReadAt.IsZero() {
			return nil
		}
		m.ReadAt = at
		if m.Direction == Inbound {
			if c := r.conversations[recv]; c != nil && c.Unread > 0 {
				c.Unread--
			}
		}
		return nil
	})
}

// AddReaction implements Repository.  It returns false if the sender's
// reaction was already recorded.
func (r *MemRepository) AddReaction(recv Receiver, id protocol.MessageID, reaction Reaction, origin Origin) (bool, error) {
	changed := false
	err := r.update(origin, "add-reaction", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		if m.Kind == KindDeleted {
			return ErrDeletedMessage
		}
		for i := range m.Reactions {
			if m.Reactions[i].Sender != reaction.Sender {
				continue
			}
			if m.Reactions[i].Type == reaction.Type {
				return nil
			}
			m.Reactions[i] = reaction
			changed = true
			return nil
		}
		m.Reactions = append(m.Reactions, reaction)
		changed = true
		return nil
	})
	return changed, err
}

// DeleteMessage implements Repository.
func (r *MemRepository) DeleteMessage(recv Receiver, id protocol.MessageID, at time.Time, origin Origin) error {
	return r.update(origin, "delete-message", id.String(), func() error {
		m, err := r.message(recv, id)
		if err != nil {
			return err
		}
		m.tombstone(at)
		return nil
	})
}
