// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package cryptobox

import (
	"encoding/binary"
	"sync"

	"github.com/katzenpost/multidevice/protocol"
)

// CspNonceSequence produces cookie || u64-le sequence number nonces.  The
// sequence number starts at 1 and is incremented after use.  Each
// direction of a connection has its own sequence.
type CspNonceSequence struct {
	sync.Mutex

	cookie protocol.Cookie
	next   uint64
}

// NewCspNonceSequence creates a sequence for cookie.
func NewCspNonceSequence(cookie protocol.Cookie) *CspNonceSequence {
	return &CspNonceSequence{cookie: cookie, next: 1}
}

// Cookie returns the connection cookie.
func (s *CspNonceSequence) Cookie() protocol.Cookie {
	return s.cookie
}

// Next returns the next nonce.
func (s *CspNonceSequence) Next() (protocol.Nonce, error) {
	s.Lock()
	defer s.Unlock()

	var nonce protocol.Nonce
	if s.next == 0 {
		return nonce, &CryptoError{Op: "csp-nonce", Reason: "sequence number exhausted"}
	}
	copy(nonce[:], s.cookie[:])
	binary.LittleEndian.PutUint64(nonce[protocol.CookieLength:], s.next)
	s.next++
	return nonce, nil
}
