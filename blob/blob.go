// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package blob stores the encrypted file payloads referenced by file
// messages.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/multidevice/protocol"
)

var (
	// ErrNotFound is returned for unknown blob ids.
	ErrNotFound = errors.New("blob: not found")

	// ErrDecrypt is returned when a blob fails to authenticate.
	ErrDecrypt = errors.New("blob: failed to decrypt")

	blobBucket = []byte("blobs")
)

// Store uploads and downloads blobs.
type Store interface {
	Upload(ctx context.Context, data []byte) (protocol.BlobID, error)
	Download(ctx context.Context, id protocol.BlobID) ([]byte, error)
}

// Part selects the fixed nonce a blob is encrypted with.  Every file
// message uses a fresh key, so the nonce only has to differ between the
// parts encrypted under that key.
type Part byte

const (
	PartFile      Part = 1
	PartThumbnail Part = 2
)

func (p Part) nonce() *[protocol.NonceLength]byte {
	var n [protocol.NonceLength]byte
	n[protocol.NonceLength-1] = byte(p)
	return &n
}

// NewKey returns a random blob encryption key.
func NewKey() (*[protocol.KeyLength]byte, error) {
	var k [protocol.KeyLength]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// Seal encrypts a blob part.
func Seal(key *[protocol.KeyLength]byte, p Part, data []byte) []byte {
	return secretbox.Seal(nil, data, p.nonce(), key)
}

// Open decrypts a blob part.
func Open(key *[protocol.KeyLength]byte, p Part, data []byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, data, p.nonce(), key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// BoltStore is a Store backed by a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the blob database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{NoFreelistSync: true})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Upload implements Store.
func (s *BoltStore) Upload(ctx context.Context, data []byte) (protocol.BlobID, error) {
	var id protocol.BlobID
	if err := ctx.Err(); err != nil {
		return id, err
	}
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put(id[:], data)
	})
	return id, err
}

// Download implements Store.
func (s *BoltStore) Download(ctx context.Context, id protocol.BlobID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Remove deletes a blob once every device fetched it.
func (s *BoltStore) Remove(id protocol.BlobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete(id[:])
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
