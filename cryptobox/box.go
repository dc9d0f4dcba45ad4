// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cryptobox wraps NaCl box and secretbox with the nonce
// discipline of the messaging protocols: guarded nonces are registered
// with a NonceService and can never be reused, unguarded nonces are the
// caller's responsibility.
package cryptobox

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/multidevice/protocol"
)

// Overhead is the number of bytes a ciphertext is longer than its
// plaintext.
const Overhead = secretbox.Overhead

// ErrNonceReused is returned when a guarded nonce was used before.
var ErrNonceReused = errors.New("cryptobox: nonce reused")

// CryptoError is returned by every failing cryptographic operation.
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

// Error implements error.
func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cryptobox: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("cryptobox: %s: %s", e.Op, e.Reason)
}

// Unwrap returns the underlying error.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Box encrypts and decrypts with a symmetric key, either given directly
// or precomputed from a key agreement.
type Box struct {
	key [protocol.KeyLength]byte
}

// SharedBox returns a Box keyed with the X25519 shared secret of
// secretKey and publicKey.
func SharedBox(secretKey, publicKey *[protocol.KeyLength]byte) *Box {
	b := new(Box)
	box.Precompute(&b.key, publicKey, secretKey)
	return b
}

// SecretBox returns a Box keyed with key.
func SecretBox(key *[protocol.KeyLength]byte) *Box {
	b := new(Box)
	b.key = *key
	return b
}

// Key returns the symmetric key of the box.
func (b *Box) Key() *[protocol.KeyLength]byte {
	return &b.key
}

func (b *Box) seal(plain []byte, nonce *protocol.Nonce) []byte {
	n := (*[protocol.NonceLength]byte)(nonce)
	return secretbox.Seal(make([]byte, 0, len(plain)+Overhead), plain, n, &b.key)
}

func (b *Box) open(op string, cipher []byte, nonce *protocol.Nonce) ([]byte, error) {
	if len(cipher) < Overhead {
		return nil, &CryptoError{Op: op, Reason: "ciphertext shorter than overhead"}
	}
	n := (*[protocol.NonceLength]byte)(nonce)
	plain, ok := secretbox.Open(nil, cipher, n, &b.key)
	if !ok {
		return nil, &CryptoError{Op: op, Reason: "authentication failed"}
	}
	return plain, nil
}

// EncryptWithNonce encrypts with a guarded nonce.  The guard is left
// unprocessed; the caller commits it once the ciphertext has been used.
func (b *Box) EncryptWithNonce(plain []byte, guard *NonceGuard) []byte {
	nonce := guard.Nonce()
	return b.seal(plain, &nonce)
}

// EncryptWithRandomNonceAhead encrypts with a fresh random nonce from
// scope and returns nonce || ciphertext.  The nonce is committed.
func (b *Box) EncryptWithRandomNonceAhead(plain []byte, svc *NonceService, scope protocol.NonceScope, tag string) ([]byte, error) {
	guard, err := svc.GetRandomNonce(scope, tag)
	if err != nil {
		return nil, err
	}
	nonce := guard.Nonce()
	out := append(nonce[:], b.seal(plain, &nonce)...)
	if err := guard.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptWithDangerousUnguardedNonce encrypts with a nonce whose
// uniqueness is not tracked.
func (b *Box) EncryptWithDangerousUnguardedNonce(plain []byte, nonce *protocol.Nonce) []byte {
	return b.seal(plain, nonce)
}

// EncryptWithCspNonce encrypts with the next nonce of seq.
func (b *Box) EncryptWithCspNonce(plain []byte, seq *CspNonceSequence) ([]byte, error) {
	nonce, err := seq.Next()
	if err != nil {
		return nil, err
	}
	return b.seal(plain, &nonce), nil
}

// DecryptWithNonce decrypts with a guarded nonce.  The guard is discarded
// if decryption fails and left unprocessed otherwise.
func (b *Box) DecryptWithNonce(cipher []byte, guard *NonceGuard) ([]byte, error) {
	nonce := guard.Nonce()
	plain, err := b.open("decrypt", cipher, &nonce)
	if err != nil {
		guard.Discard()
		return nil, err
	}
	return plain, nil
}

// DecryptWithNonceAhead decrypts nonce || ciphertext after registering the
// nonce with svc.  The returned guard must be committed by the caller once
// the plaintext was processed.
func (b *Box) DecryptWithNonceAhead(data []byte, svc *NonceService, scope protocol.NonceScope) ([]byte, *NonceGuard, error) {
	if len(data) < protocol.NonceLength {
		return nil, nil, &CryptoError{Op: "decrypt", Reason: "missing nonce"}
	}
	var nonce protocol.Nonce
	copy(nonce[:], data)
	guard, err := svc.CheckAndRegister(scope, nonce)
	if err != nil {
		return nil, nil, err
	}
	plain, err := b.DecryptWithNonce(data[protocol.NonceLength:], guard)
	if err != nil {
		return nil, nil, err
	}
	return plain, guard, nil
}

// DecryptWithDangerousUnguardedNonce decrypts with a nonce whose
// uniqueness is not tracked.
func (b *Box) DecryptWithDangerousUnguardedNonce(cipher []byte, nonce *protocol.Nonce) ([]byte, error) {
	return b.open("decrypt", cipher, nonce)
}

// DecryptWithCspNonce decrypts with the next nonce of seq.
func (b *Box) DecryptWithCspNonce(cipher []byte, seq *CspNonceSequence) ([]byte, error) {
	nonce, err := seq.Next()
	if err != nil {
		return nil, err
	}
	return b.open("decrypt", cipher, &nonce)
}
