// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package cryptobox

import (
	"encoding/hex"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/protocol"
)

// NonceHash is the persisted form of a used nonce.
type NonceHash [blake2b.Size256]byte

// NonceStore persists the hashes of committed nonces.
type NonceStore interface {
	HasNonce(scope protocol.NonceScope, h NonceHash) (bool, error)
	AddNonces(scope protocol.NonceScope, hs ...NonceHash) error
	Nonces(scope protocol.NonceScope) ([]NonceHash, error)
}

type scopedNonce struct {
	scope protocol.NonceScope
	nonce protocol.Nonce
}

// NonceService registers nonces so that no guarded nonce is used twice,
// neither at runtime nor across restarts.
type NonceService struct {
	sync.Mutex

	log     *logging.Logger
	store   NonceStore
	hashKey []byte
	rng     io.Reader

	pending map[scopedNonce]struct{}
}

// NewNonceService creates a NonceService.  Nonce hashes are keyed with
// the identity of the local user.
func NewNonceService(store NonceStore, identity protocol.IdentityString, log *logging.Logger) *NonceService {
	return &NonceService{
		log:     log,
		store:   store,
		hashKey: identity.Bytes(),
		rng:     rand.Reader,
		pending: make(map[scopedNonce]struct{}),
	}
}

func (s *NonceService) hash(nonce *protocol.Nonce) NonceHash {
	h, err := blake2b.New256(s.hashKey)
	if err != nil {
		panic("cryptobox: invalid nonce hash key: " + err.Error())
	}
	h.Write(nonce[:])
	var out NonceHash
	copy(out[:], h.Sum(nil))
	return out
}

// CheckAndRegister returns a guard for nonce, or ErrNonceReused if the
// nonce is registered at runtime or was committed before.
func (s *NonceService) CheckAndRegister(scope protocol.NonceScope, nonce protocol.Nonce) (*NonceGuard, error) {
	s.Lock()
	defer s.Unlock()

	key := scopedNonce{scope, nonce}
	if _, ok := s.pending[key]; ok {
		s.log.Warningf("Nonce %s (%s) was already registered as used at runtime", hex.EncodeToString(nonce[:]), scope)
		return nil, &CryptoError{Op: "nonce", Reason: "registered at runtime", Err: ErrNonceReused}
	}
	used, err := s.store.HasNonce(scope, s.hash(&nonce))
	if err != nil {
		return nil, &CryptoError{Op: "nonce", Reason: "store lookup", Err: err}
	}
	if used {
		s.log.Warningf("Nonce %s (%s) was already registered as used in the store", hex.EncodeToString(nonce[:]), scope)
		return nil, &CryptoError{Op: "nonce", Reason: "committed before", Err: ErrNonceReused}
	}
	s.pending[key] = struct{}{}
	return &NonceGuard{svc: s, scope: scope, nonce: nonce}, nil
}

// GetRandomNonce returns a guard for a fresh random nonce of scope.
func (s *NonceService) GetRandomNonce(scope protocol.NonceScope, tag string) (*NonceGuard, error) {
	for {
		var nonce protocol.Nonce
		if _, err := io.ReadFull(s.rng, nonce[:]); err != nil {
			return nil, &CryptoError{Op: "nonce", Reason: "random", Err: err}
		}
		guard, err := s.CheckAndRegister(scope, nonce)
		if err == nil {
			return guard, nil
		}
		if !isNonceReused(err) {
			return nil, err
		}
		s.log.Errorf("Random nonce for %s collided, retrying", tag)
	}
}

// ExportNonces returns every committed nonce hash of scope.
func (s *NonceService) ExportNonces(scope protocol.NonceScope) ([]NonceHash, error) {
	return s.store.Nonces(scope)
}

// ImportNonces adds committed nonce hashes of scope, e.g. from another
// device of the device group.
func (s *NonceService) ImportNonces(scope protocol.NonceScope, hs []NonceHash) error {
	return s.store.AddNonces(scope, hs...)
}

func (s *NonceService) release(g *NonceGuard, commit bool) error {
	s.Lock()
	defer s.Unlock()
	delete(s.pending, scopedNonce{g.scope, g.nonce})
	if !commit {
		return nil
	}
	return s.store.AddNonces(g.scope, s.hash(&g.nonce))
}

// NonceGuard reserves a nonce until it is committed to the store or
// discarded.  Using a guard after either is a programming error.
type NonceGuard struct {
	svc       *NonceService
	scope     protocol.NonceScope
	nonce     protocol.Nonce
	processed bool
}

// Nonce returns the guarded nonce.
func (g *NonceGuard) Nonce() protocol.Nonce {
	if g.processed {
		panic("cryptobox: nonce accessed after being processed")
	}
	return g.nonce
}

// Scope returns the scope of the guarded nonce.
func (g *NonceGuard) Scope() protocol.NonceScope {
	return g.scope
}

// Processed returns true once the guard was committed or discarded.
func (g *NonceGuard) Processed() bool {
	return g.processed
}

// Commit persists the nonce so that it is never accepted again.
func (g *NonceGuard) Commit() error {
	if g.processed {
		panic("cryptobox: nonce already processed")
	}
	g.processed = true
	return g.svc.release(g, true)
}

// Discard releases the nonce; it may be used again later.
func (g *NonceGuard) Discard() {
	if g.processed {
		panic("cryptobox: nonce already processed")
	}
	g.processed = true
	_ = g.svc.release(g, false)
}

func isNonceReused(err error) bool {
	ce, ok := err.(*CryptoError)
	return ok && ce.Err == ErrNonceReused
}
