// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package cryptobox

import (
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/multidevice/protocol"
)

var dbOptions = &bolt.Options{
	NoFreelistSync: true,
}

func nonceBucket(scope protocol.NonceScope) []byte {
	return []byte("nonces-" + scope.String())
}

// BoltNonceStore persists nonce hashes in a bbolt database, one bucket
// per scope.
type BoltNonceStore struct {
	db *bolt.DB
}

// OpenBoltNonceStore opens or creates the nonce database at path.
func OpenBoltNonceStore(path string) (*BoltNonceStore, error) {
	db, err := bolt.Open(path, 0600, dbOptions)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, scope := range []protocol.NonceScope{protocol.NonceScopeCSP, protocol.NonceScopeD2D} {
			if _, err := tx.CreateBucketIfNotExists(nonceBucket(scope)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltNonceStore{db: db}, nil
}

// HasNonce implements NonceStore.
func (s *BoltNonceStore) HasNonce(scope protocol.NonceScope, h NonceHash) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(nonceBucket(scope)).Get(h[:]) != nil
		return nil
	})
	return found, err
}

// AddNonces implements NonceStore.
func (s *BoltNonceStore) AddNonces(scope protocol.NonceScope, hs ...NonceHash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(nonceBucket(scope))
		for _, h := range hs {
			if err := bkt.Put(h[:], []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Nonces implements NonceStore.
func (s *BoltNonceStore) Nonces(scope protocol.NonceScope) ([]NonceHash, error) {
	var out []NonceHash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nonceBucket(scope)).ForEach(func(k, _ []byte) error {
			var h NonceHash
			copy(h[:], k)
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// Close closes the database.
func (s *BoltNonceStore) Close() error {
	return s.db.Close()
}

// MemNonceStore is a volatile NonceStore.
type MemNonceStore struct {
	sync.Mutex

	m map[protocol.NonceScope]map[NonceHash]struct{}
}

// NewMemNonceStore creates an empty MemNonceStore.
func NewMemNonceStore() *MemNonceStore {
	return &MemNonceStore{m: make(map[protocol.NonceScope]map[NonceHash]struct{})}
}

// HasNonce implements NonceStore.
func (s *MemNonceStore) HasNonce(scope protocol.NonceScope, h NonceHash) (bool, error) {
	s.Lock()
	defer s.Unlock()
	_, ok := s.m[scope][h]
	return ok, nil
}

// AddNonces implements NonceStore.
func (s *MemNonceStore) AddNonces(scope protocol.NonceScope, hs ...NonceHash) error {
	s.Lock()
	defer s.Unlock()
	if s.m[scope] == nil {
		s.m[scope] = make(map[NonceHash]struct{})
	}
	for _, h := range hs {
		s.m[scope][h] = struct{}{}
	}
	return nil
}

// Nonces implements NonceStore.
func (s *MemNonceStore) Nonces(scope protocol.NonceScope) ([]NonceHash, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]NonceHash, 0, len(s.m[scope]))
	for h := range s.m[scope] {
		out = append(out, h)
	}
	return out, nil
}
