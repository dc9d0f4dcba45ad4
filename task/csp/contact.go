// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package csp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
	"github.com/katzenpost/multidevice/task/d2d"
)

func contactFromEntry(e *directory.Entry, level protocol.AcquaintanceLevel, now time.Time) *model.Contact {
	return &model.Contact{
		Identity:          e.Identity,
		PublicKey:         e.PublicKey,
		CreatedAt:         now,
		IdentityType:      e.Type,
		AcquaintanceLevel: level,
		ActivityState:     e.State,
		FeatureMask:       e.FeatureMask,
	}
}

// addContact syncs the creation of init to the device group and adds it.
// If another device created the contact meanwhile, that contact is
// returned.
func addContact(ctx context.Context, h task.ActiveHandle, s *task.Services, init *model.Contact) (*model.Contact, error) {
	result, err := d2d.NewContactCreateTransaction(s, init).Execute(ctx, h)
	if err != nil {
		return nil, err
	}
	if result == task.TransactionAborted {
		c, ok := s.Model.ContactByIdentity(init.Identity)
		if !ok {
			return nil, fmt.Errorf("%w: contact %s", model.ErrNotFound, init.Identity)
		}
		return c, nil
	}
	return s.Model.AddContact(*init, model.OriginRemote)
}

// updateContact syncs u to the device group and applies it.  A contact
// removed meanwhile is left alone.
func updateContact(ctx context.Context, h task.ActiveHandle, s *task.Services, id protocol.IdentityString, u *model.ContactUpdate) error {
	result, err := d2d.NewContactUpdateTransaction(s, id, u).Execute(ctx, h)
	if err != nil {
		return err
	}
	if result == task.TransactionAborted {
		return nil
	}
	return s.Model.UpdateContact(id, u, model.OriginRemote)
}

// ensureContact returns the contact of id, creating it with the
// acquaintance level GROUP_OR_DELETED if needed.  A nil contact means id
// is unknown to the directory or invalid.
func ensureContact(ctx context.Context, h task.ActiveHandle, s *task.Services, id protocol.IdentityString) (*model.Contact, error) {
	if c, ok := s.Model.ContactByIdentity(id); ok {
		return c, nil
	}
	e, err := directory.Identity(ctx, s.Directory, id)
	if errors.Is(err, directory.ErrUnknownIdentity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.State == protocol.ActivityInvalid {
		return nil, nil
	}
	return addContact(ctx, h, s, contactFromEntry(e, protocol.AcquaintanceGroupOrDeleted, s.Clock()))
}
