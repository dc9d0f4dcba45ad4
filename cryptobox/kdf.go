// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package cryptobox

import (
	"crypto/ed25519"

	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/multidevice/protocol"
)

const (
	personalCSP  = "3ma-csp"
	personalMdev = "3ma-mdev"
)

// deriveKey derives a 32 byte key from key with a keyed BLAKE2b over the
// personalization and salt strings.
func deriveKey(key []byte, personal, salt string) [protocol.KeyLength]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		panic("cryptobox: invalid derivation key: " + err.Error())
	}
	h.Write([]byte(personal))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	var out [protocol.KeyLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveMessageMetadataKey derives the key encrypting the metadata of a
// message from the shared secret of sender and receiver.
func DeriveMessageMetadataKey(shared *Box) *Box {
	k := deriveKey(shared.key[:], personalCSP, "mm")
	return SecretBox(&k)
}

// DeviceGroupKeys are the keys derived from the device group key.
type DeviceGroupKeys struct {
	// Reflect seals envelopes reflected to the other devices.
	Reflect *Box

	// TransactionScope seals the scope of transactions.
	TransactionScope *Box
}

// DeriveDeviceGroupKeys derives the device group keys from dgk.
func DeriveDeviceGroupKeys(dgk *[protocol.KeyLength]byte) *DeviceGroupKeys {
	dgrk := deriveKey(dgk[:], personalMdev, "r")
	dgtsk := deriveKey(dgk[:], personalMdev, "ts")
	return &DeviceGroupKeys{
		Reflect:          SecretBox(&dgrk),
		TransactionScope: SecretBox(&dgtsk),
	}
}

// VerifyEd25519 verifies an Ed25519 signature.  Key and signature lengths
// are checked before the verifier is invoked.
func VerifyEd25519(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return &CryptoError{Op: "ed25519", Reason: "invalid public key length"}
	}
	if len(signature) != ed25519.SignatureSize {
		return &CryptoError{Op: "ed25519", Reason: "invalid signature length"}
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return &CryptoError{Op: "ed25519", Reason: "signature verification failed"}
	}
	return nil
}
