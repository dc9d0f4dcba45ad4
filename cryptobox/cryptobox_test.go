// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package cryptobox

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/multidevice/protocol"
)

func testLogger() *logging.Logger {
	l := logging.MustGetLogger("cryptobox-test")
	logging.SetLevel(logging.CRITICAL, "cryptobox-test")
	return l
}

func TestSharedBox(t *testing.T) {
	require := require.New(t)

	aPub, aSec, err := box.GenerateKey(rand.Reader)
	require.NoError(err)
	bPub, bSec, err := box.GenerateKey(rand.Reader)
	require.NoError(err)

	ab := SharedBox(aSec, bPub)
	ba := SharedBox(bSec, aPub)
	require.Equal(ab.Key(), ba.Key())

	var nonce protocol.Nonce
	nonce[0] = 1
	c := ab.EncryptWithDangerousUnguardedNonce([]byte("hello"), &nonce)
	require.Len(c, 5+Overhead)

	p, err := ba.DecryptWithDangerousUnguardedNonce(c, &nonce)
	require.NoError(err)
	require.Equal([]byte("hello"), p)

	c[0] ^= 1
	_, err = ba.DecryptWithDangerousUnguardedNonce(c, &nonce)
	var cerr *CryptoError
	require.True(errors.As(err, &cerr))

	_, err = ba.DecryptWithDangerousUnguardedNonce([]byte{1}, &nonce)
	require.Error(err)
}

func TestNonceGuard(t *testing.T) {
	require := require.New(t)

	svc := NewNonceService(NewMemNonceStore(), "MEMEMEME", testLogger())
	var nonce protocol.Nonce
	nonce[5] = 5

	g, err := svc.CheckAndRegister(protocol.NonceScopeCSP, nonce)
	require.NoError(err)

	// Registered at runtime.
	_, err = svc.CheckAndRegister(protocol.NonceScopeCSP, nonce)
	require.ErrorIs(err, ErrNonceReused)

	// Scopes are independent.
	g2, err := svc.CheckAndRegister(protocol.NonceScopeD2D, nonce)
	require.NoError(err)
	g2.Discard()
	require.True(g2.Processed())
	require.Panics(func() { g2.Discard() })
	require.Panics(func() { g2.Nonce() })

	require.NoError(g.Commit())
	_, err = svc.CheckAndRegister(protocol.NonceScopeCSP, nonce)
	require.ErrorIs(err, ErrNonceReused)

	// A discarded nonce may be used again.
	g3, err := svc.CheckAndRegister(protocol.NonceScopeD2D, nonce)
	require.NoError(err)
	require.NoError(g3.Commit())

	exported, err := svc.ExportNonces(protocol.NonceScopeD2D)
	require.NoError(err)
	require.Len(exported, 1)

	other := NewNonceService(NewMemNonceStore(), "MEMEMEME", testLogger())
	require.NoError(other.ImportNonces(protocol.NonceScopeD2D, exported))
	_, err = other.CheckAndRegister(protocol.NonceScopeD2D, nonce)
	require.ErrorIs(err, ErrNonceReused)
}

func TestRandomNonceAhead(t *testing.T) {
	require := require.New(t)

	var key [32]byte
	key[0] = 9
	b := SecretBox(&key)

	sender := NewNonceService(NewMemNonceStore(), "MEMEMEME", testLogger())
	receiver := NewNonceService(NewMemNonceStore(), "MEMEMEME", testLogger())

	data, err := b.EncryptWithRandomNonceAhead([]byte("envelope"), sender, protocol.NonceScopeD2D, "test")
	require.NoError(err)

	plain, guard, err := b.DecryptWithNonceAhead(data, receiver, protocol.NonceScopeD2D)
	require.NoError(err)
	require.Equal([]byte("envelope"), plain)
	require.NoError(guard.Commit())

	_, _, err = b.DecryptWithNonceAhead(data, receiver, protocol.NonceScopeD2D)
	require.ErrorIs(err, ErrNonceReused)

	// A failed decryption releases the nonce.
	tampered := append([]byte{}, data...)
	tampered[len(tampered)-1] ^= 0xff
	fresh := NewNonceService(NewMemNonceStore(), "MEMEMEME", testLogger())
	_, _, err = b.DecryptWithNonceAhead(tampered, fresh, protocol.NonceScopeD2D)
	require.Error(err)
	_, _, err = b.DecryptWithNonceAhead(data, fresh, protocol.NonceScopeD2D)
	require.NoError(err)
}

func TestCspNonceSequence(t *testing.T) {
	require := require.New(t)

	var cookie protocol.Cookie
	copy(cookie[:], bytes.Repeat([]byte{0xcc}, protocol.CookieLength))
	seq := NewCspNonceSequence(cookie)

	var last uint64
	for i := 0; i < 10; i++ {
		n, err := seq.Next()
		require.NoError(err)
		require.Equal(cookie[:], n[:protocol.CookieLength])
		sn := binary.LittleEndian.Uint64(n[protocol.CookieLength:])
		require.Equal(last+1, sn)
		last = sn
	}

	var key [32]byte
	b := SecretBox(&key)
	enc := NewCspNonceSequence(cookie)
	dec := NewCspNonceSequence(cookie)
	for _, m := range []string{"a", "b", "c"} {
		c, err := b.EncryptWithCspNonce([]byte(m), enc)
		require.NoError(err)
		p, err := b.DecryptWithCspNonce(c, dec)
		require.NoError(err)
		require.Equal(m, string(p))
	}

	seq.next = 0
	_, err := seq.Next()
	require.Error(err)
}

func TestVerifyEd25519(t *testing.T) {
	require := require.New(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)
	sig := ed25519.Sign(priv, []byte("msg"))

	require.NoError(VerifyEd25519(pub, []byte("msg"), sig))

	var cerr *CryptoError
	require.True(errors.As(VerifyEd25519(pub[:31], []byte("msg"), sig), &cerr))
	require.Equal("invalid public key length", cerr.Reason)
	require.True(errors.As(VerifyEd25519(pub, []byte("msg"), sig[:10]), &cerr))
	require.Equal("invalid signature length", cerr.Reason)
	require.True(errors.As(VerifyEd25519(pub, []byte("other"), sig), &cerr))
}

func TestDerivedKeys(t *testing.T) {
	require := require.New(t)

	var dgk [32]byte
	dgk[1] = 1
	k1 := DeriveDeviceGroupKeys(&dgk)
	k2 := DeriveDeviceGroupKeys(&dgk)
	require.Equal(k1.Reflect.Key(), k2.Reflect.Key())
	require.NotEqual(k1.Reflect.Key(), k1.TransactionScope.Key())

	mm := DeriveMessageMetadataKey(k1.Reflect)
	require.NotEqual(k1.Reflect.Key(), mm.Key())
}

func TestBoltNonceStore(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "nonces.db")
	store, err := OpenBoltNonceStore(fn)
	require.NoError(err)

	svc := NewNonceService(store, "MEMEMEME", testLogger())
	g, err := svc.GetRandomNonce(protocol.NonceScopeCSP, "test")
	require.NoError(err)
	nonce := g.Nonce()
	require.NoError(g.Commit())
	require.NoError(store.Close())

	store, err = OpenBoltNonceStore(fn)
	require.NoError(err)
	defer store.Close()

	svc = NewNonceService(store, "MEMEMEME", testLogger())
	_, err = svc.CheckAndRegister(protocol.NonceScopeCSP, nonce)
	require.ErrorIs(err, ErrNonceReused)

	// Hashes are keyed by identity.
	svc = NewNonceService(store, "USER0002", testLogger())
	g, err = svc.CheckAndRegister(protocol.NonceScopeCSP, nonce)
	require.NoError(err)
	g.Discard()

	hs, err := store.Nonces(protocol.NonceScopeCSP)
	require.NoError(err)
	require.Len(hs, 1)
}
