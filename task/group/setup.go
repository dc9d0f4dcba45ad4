// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package group implements the group setup state machine shared by group
// setups received from the chat server and those reflected by another
// device of the device group.
package group

import (
	"context"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
)

// Strategy holds the steps that differ between the sources of a group
// setup.
type Strategy interface {
	// Reflect makes the group setup known to the other devices and
	// returns the time the setup is considered to be received at.
	Reflect(ctx context.Context) (time.Time, error)

	// Kick marks the user as kicked from g.
	Kick(ctx context.Context, g *model.Group) error

	// SetMembers replaces the members of g.  rejoin is set if the user
	// was not a member before.
	SetMembers(ctx context.Context, g *model.Group, members []model.UID, rejoin bool) error

	// AddGroup creates the group.
	AddGroup(ctx context.Context, init model.Group) error

	// HandleMissingMembers resolves members without a contact.  It
	// returns the contacts it created; identities it could not resolve
	// are skipped.
	HandleMissingMembers(ctx context.Context, missing []protocol.IdentityString) ([]*model.Contact, error)
}

// Setup is a validated group setup.  Members may contain the creator and
// duplicates.
type Setup struct {
	Group   protocol.GroupKey
	Members []protocol.IdentityString
}

// memberSet deduplicates members and removes the creator, which is an
// implicit member.
func memberSet(creator protocol.IdentityString, members []protocol.IdentityString) []protocol.IdentityString {
	seen := make(map[protocol.IdentityString]struct{}, len(members))
	out := make([]protocol.IdentityString, 0, len(members))
	for _, m := range members {
		if m == creator {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply runs the group setup state machine for s.
func Apply(ctx context.Context, log *logging.Logger, repo model.Repository, s *Setup, st Strategy) error {
	user := repo.User()
	members := memberSet(s.Group.Creator, s.Members)
	userIsMember := s.Group.Creator == user
	for _, m := range members {
		if m == user {
			userIsMember = true
			break
		}
	}

	g, exists := repo.GroupByIDAndCreator(s.Group.ID, s.Group.Creator)
	switch {
	case !exists && !userIsMember:
		log.Infof("Discarding group setup for unknown group %s not listing the user", s.Group)
		return nil
	case exists && !userIsMember:
		if _, err := st.Reflect(ctx); err != nil {
			return err
		}
		if g.UserState != protocol.GroupMember {
			log.Infof("User is already %s in group %s", g.UserState, s.Group)
			return nil
		}
		log.Infof("User was kicked from group %s", s.Group)
		return st.Kick(ctx, g)
	}

	// Contacts of every member, the creator first unless the user
	// created the group.
	toResolve := members
	if s.Group.Creator != user {
		toResolve = append([]protocol.IdentityString{s.Group.Creator}, members...)
	}
	resolved := make(map[protocol.IdentityString]*model.Contact, len(toResolve))
	var missing []protocol.IdentityString
	for _, id := range toResolve {
		if id == user {
			continue
		}
		if c, ok := repo.ContactByIdentity(id); ok {
			resolved[id] = c
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		log.Debugf("Group %s has %d members without a contact", s.Group, len(missing))
		created, err := st.HandleMissingMembers(ctx, missing)
		if err != nil {
			return err
		}
		for _, c := range created {
			resolved[c.Identity] = c
		}
	}

	uids := make([]model.UID, 0, len(resolved))
	if s.Group.Creator != user {
		creator, ok := resolved[s.Group.Creator]
		task.Assert(ok, "creator %s of group %s has no contact", s.Group.Creator, s.Group)
		uids = append(uids, creator.UID)
	}
	for _, id := range members {
		if id == user {
			continue
		}
		c, ok := resolved[id]
		if !ok {
			log.Warningf("Skipping invalid member %s of group %s", id, s.Group)
			continue
		}
		uids = append(uids, c.UID)
	}

	receivedAt, err := st.Reflect(ctx)
	if err != nil {
		return err
	}

	if exists {
		rejoin := g.UserState != protocol.GroupMember
		if rejoin {
			log.Infof("User rejoins group %s", s.Group)
		}
		return st.SetMembers(ctx, g, uids, rejoin)
	}
	log.Infof("Creating group %s with %d members", s.Group, len(uids))
	return st.AddGroup(ctx, model.Group{
		Creator:   s.Group.Creator,
		GroupID:   s.Group.ID,
		CreatedAt: receivedAt,
		UserState: protocol.GroupMember,
		Members:   uids,
	})
}
