// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package d2d implements the tasks that keep the devices of a device
// group in sync: contact and group sync reflections guarded by
// transactions, message update reflections and the processing of
// envelopes reflected by other devices.
package d2d

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	envelope "github.com/katzenpost/multidevice/d2d"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
	"github.com/katzenpost/multidevice/task"
)

func unixMilli(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// ContactSyncCreate returns the sync payload creating c.
func ContactSyncCreate(c *model.Contact) *envelope.ContactSync {
	return &envelope.ContactSync{Create: &envelope.SyncContact{
		Identity:           c.Identity,
		PublicKey:          c.PublicKey,
		CreatedAt:          unixMilli(c.CreatedAt),
		FirstName:          c.FirstName,
		LastName:           c.LastName,
		Nickname:           c.Nickname,
		VerificationLevel:  c.VerificationLevel,
		IdentityType:       c.IdentityType,
		AcquaintanceLevel:  c.AcquaintanceLevel,
		ActivityState:      c.ActivityState,
		FeatureMask:        c.FeatureMask,
		NotificationPolicy: c.NotificationPolicy,
		Blocked:            c.Blocked,
	}}
}

// ContactSyncUpdate returns the sync payload applying u to the contact
// id.  The public key and the identity type never change.
func ContactSyncUpdate(id protocol.IdentityString, u *model.ContactUpdate) *envelope.ContactSync {
	return &envelope.ContactSync{Update: &envelope.SyncContactUpdate{
		Identity:           id,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Nickname:           u.Nickname,
		VerificationLevel:  u.VerificationLevel,
		AcquaintanceLevel:  u.AcquaintanceLevel,
		ActivityState:      u.ActivityState,
		FeatureMask:        u.FeatureMask,
		NotificationPolicy: u.NotificationPolicy,
		Blocked:            u.Blocked,
	}}
}

// ContactSyncDelete returns the sync payload deleting the contact id.
func ContactSyncDelete(id protocol.IdentityString) *envelope.ContactSync {
	return &envelope.ContactSync{Delete: &id}
}

func contactFromSync(c *envelope.SyncContact) model.Contact {
	out := model.Contact{
		Identity:           c.Identity,
		PublicKey:          c.PublicKey,
		FirstName:          c.FirstName,
		LastName:           c.LastName,
		Nickname:           c.Nickname,
		VerificationLevel:  c.VerificationLevel,
		IdentityType:       c.IdentityType,
		AcquaintanceLevel:  c.AcquaintanceLevel,
		ActivityState:      c.ActivityState,
		FeatureMask:        c.FeatureMask,
		NotificationPolicy: c.NotificationPolicy,
		Blocked:            c.Blocked,
	}
	if c.CreatedAt != 0 {
		out.CreatedAt = time.UnixMilli(int64(c.CreatedAt))
	}
	return out
}

func contactUpdateFromSync(u *envelope.SyncContactUpdate) *model.ContactUpdate {
	return &model.ContactUpdate{
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Nickname:           u.Nickname,
		VerificationLevel:  u.VerificationLevel,
		AcquaintanceLevel:  u.AcquaintanceLevel,
		ActivityState:      u.ActivityState,
		FeatureMask:        u.FeatureMask,
		NotificationPolicy: u.NotificationPolicy,
		Blocked:            u.Blocked,
	}
}

// fullContactUpdate overwrites every synced field of a contact.
func fullContactUpdate(c *model.Contact) *model.ContactUpdate {
	policy := envelope.Reset[protocol.NotificationPolicy]()
	if c.NotificationPolicy != nil {
		policy = envelope.Set(*c.NotificationPolicy)
	}
	return &model.ContactUpdate{
		PublicKey:          &c.PublicKey,
		FirstName:          &c.FirstName,
		LastName:           &c.LastName,
		Nickname:           &c.Nickname,
		VerificationLevel:  &c.VerificationLevel,
		IdentityType:       &c.IdentityType,
		AcquaintanceLevel:  &c.AcquaintanceLevel,
		ActivityState:      &c.ActivityState,
		FeatureMask:        &c.FeatureMask,
		NotificationPolicy: policy,
		Blocked:            &c.Blocked,
	}
}

func contactSyncTarget(c *envelope.ContactSync) protocol.IdentityString {
	switch {
	case c.Create != nil:
		return c.Create.Identity
	case c.Update != nil:
		return c.Update.Identity
	case c.Delete != nil:
		return *c.Delete
	}
	return ""
}

// applyContactSync applies a reflected contact sync.
func applyContactSync(log *logging.Logger, repo model.Repository, c *envelope.ContactSync) error {
	switch {
	case c.Create != nil:
		init := contactFromSync(c.Create)
		_, err := repo.AddContact(init, model.OriginSync)
		if errors.Is(err, model.ErrExists) {
			log.Noticef("Synced contact %s exists, overwriting", init.Identity)
			return repo.UpdateContact(init.Identity, fullContactUpdate(&init), model.OriginSync)
		}
		return err
	case c.Update != nil:
		return repo.UpdateContact(c.Update.Identity, contactUpdateFromSync(c.Update), model.OriginSync)
	case c.Delete != nil:
		err := repo.RemoveContact(*c.Delete, model.OriginSync)
		if errors.Is(err, model.ErrNotFound) {
			log.Noticef("Synced contact deletion of unknown contact %s", *c.Delete)
			return nil
		}
		return err
	}
	return errors.New("d2d: empty contact sync")
}

// ReflectContactSyncTask reflects a contact sync.  It runs within a
// contact sync transaction.
type ReflectContactSyncTask struct {
	s    *task.Services
	log  *logging.Logger
	sync *envelope.ContactSync
}

// NewReflectContactSyncTask returns a ReflectContactSyncTask.  tr proves
// that the contact sync transaction is running.
func NewReflectContactSyncTask(s *task.Services, tr *task.TransactionRunning, sync *envelope.ContactSync) *ReflectContactSyncTask {
	task.Assert(tr != nil && tr.Scope() == protocol.ScopeContactSync, "contact sync outside of a contact sync transaction")
	return &ReflectContactSyncTask{
		s:    s,
		log:  s.TaskLogger("reflect-contact-sync", string(contactSyncTarget(sync))),
		sync: sync,
	}
}

// Run reflects the sync and returns the reflection timestamp.
func (t *ReflectContactSyncTask) Run(ctx context.Context, h task.ActiveHandle) (time.Time, error) {
	e := envelope.NewEnvelope(t.s.Device.DeviceID, t.sync)
	t.log.Infof("Syncing %s to other devices", e.Kind())
	ts, err := h.Reflect(ctx, []*envelope.Envelope{e})
	if err != nil {
		return time.Time{}, err
	}
	return ts[0], nil
}

// ReflectContactSyncTransactionTask reflects a contact sync within its
// own contact sync transaction.  The result is a task.TransactionResult.
type ReflectContactSyncTransactionTask struct {
	s            *task.Services
	log          *logging.Logger
	sync         *envelope.ContactSync
	precondition func() bool
}

// NewContactCreateTransaction syncs the creation of init.  The
// transaction aborts if the contact exists meanwhile.
func NewContactCreateTransaction(s *task.Services, init *model.Contact) *ReflectContactSyncTransactionTask {
	return newContactSyncTransaction(s, ContactSyncCreate(init), func() bool {
		_, ok := s.Model.ContactByIdentity(init.Identity)
		return !ok
	})
}

// NewContactUpdateTransaction syncs an update of the contact id.  The
// transaction aborts if the contact was removed meanwhile.
func NewContactUpdateTransaction(s *task.Services, id protocol.IdentityString, u *model.ContactUpdate) *ReflectContactSyncTransactionTask {
	return newContactSyncTransaction(s, ContactSyncUpdate(id, u), contactExists(s, id))
}

// NewContactDeleteTransaction syncs the removal of the contact id.
func NewContactDeleteTransaction(s *task.Services, id protocol.IdentityString) *ReflectContactSyncTransactionTask {
	return newContactSyncTransaction(s, ContactSyncDelete(id), contactExists(s, id))
}

func contactExists(s *task.Services, id protocol.IdentityString) func() bool {
	return func() bool {
		_, ok := s.Model.ContactByIdentity(id)
		return ok
	}
}

func newContactSyncTransaction(s *task.Services, sync *envelope.ContactSync, precondition func() bool) *ReflectContactSyncTransactionTask {
	return &ReflectContactSyncTransactionTask{
		s:            s,
		log:          s.TaskLogger("reflect-contact-sync-transaction", string(contactSyncTarget(sync))),
		sync:         sync,
		precondition: precondition,
	}
}

// Name implements task.ActiveTask.
func (t *ReflectContactSyncTransactionTask) Name() string { return "reflect-contact-sync-transaction" }

// Persist implements task.ActiveTask.
func (t *ReflectContactSyncTransactionTask) Persist() bool { return false }

// Transaction implements task.ActiveTask.
func (t *ReflectContactSyncTransactionTask) Transaction() *task.ExpectedTransaction {
	return &task.ExpectedTransaction{Scope: protocol.ScopeContactSync}
}

// Run implements task.ActiveTask.
func (t *ReflectContactSyncTransactionTask) Run(ctx context.Context, h task.ActiveHandle) (interface{}, error) {
	return t.Execute(ctx, h)
}

// Execute runs the transaction on h.  It is used by tasks composing the
// sync into their own run.
func (t *ReflectContactSyncTransactionTask) Execute(ctx context.Context, h task.ActiveHandle) (task.TransactionResult, error) {
	result, err := h.Transaction(ctx, protocol.ScopeContactSync, t.precondition, func(ctx context.Context, tr *task.TransactionRunning) error {
		_, err := NewReflectContactSyncTask(t.s, tr, t.sync).Run(ctx, h)
		return err
	})
	if err != nil {
		return "", err
	}
	if result == task.TransactionAborted {
		t.log.Noticef("Contact sync aborted")
	}
	return result, nil
}
