// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/blob"
	"github.com/katzenpost/multidevice/core/log"
	"github.com/katzenpost/multidevice/cryptobox"
	"github.com/katzenpost/multidevice/directory"
	"github.com/katzenpost/multidevice/model"
	"github.com/katzenpost/multidevice/protocol"
)

// Device holds the keys of this device.
type Device struct {
	Identity  protocol.IdentityString
	PublicKey [protocol.KeyLength]byte
	SecretKey [protocol.KeyLength]byte
	Nickname  string
	DeviceID  protocol.DeviceID
	Keys      *cryptobox.DeviceGroupKeys
}

// Services are the collaborators every task is constructed with.
type Services struct {
	Backend   *log.Backend
	Device    *Device
	Model     model.Repository
	Caches    *model.Caches
	Volatile  *model.VolatileProtocolState
	Nonces    *cryptobox.NonceService
	Directory directory.Resolver
	Blob      blob.Store

	// Now is the clock used for local timestamps.
	Now func() time.Time

	boxLock sync.Mutex
	boxes   map[[protocol.KeyLength]byte]*cryptobox.Box
}

// SharedBox returns the box shared between the user and the owner of
// publicKey.  Boxes are cached.
func (s *Services) SharedBox(publicKey *[protocol.KeyLength]byte) *cryptobox.Box {
	s.boxLock.Lock()
	defer s.boxLock.Unlock()
	if s.boxes == nil {
		s.boxes = make(map[[protocol.KeyLength]byte]*cryptobox.Box)
	}
	if b, ok := s.boxes[*publicKey]; ok {
		return b
	}
	b := cryptobox.SharedBox(&s.Device.SecretKey, publicKey)
	s.boxes[*publicKey] = b
	return b
}

// TaskLogger returns the logger of one task instance.
func (s *Services) TaskLogger(kind, tag string) *logging.Logger {
	return s.Backend.GetTaskLogger(kind, tag)
}

// Clock returns the current local time.
func (s *Services) Clock() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
