// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const maxPaddingLength = 255

// PKCS7Padded appends PKCS#7 style padding to an inner Encodable.  The
// padding length is chosen once and then memoized, so ByteLength and
// Encode always agree.
type PKCS7Padded struct {
	inner    Encodable
	minTotal int
	rng      io.Reader

	padding int
}

// NewPKCS7Padded wraps inner.  The total length is raised to at least
// minTotal where the padding limit permits.  rng may be nil.
func NewPKCS7Padded(rng io.Reader, minTotal int, inner Encodable) *PKCS7Padded {
	if rng == nil {
		rng = rand.Reader
	}
	return &PKCS7Padded{inner: inner, minTotal: minTotal, rng: rng}
}

// PaddingLength returns the memoized padding length, choosing it on first
// use.
func (p *PKCS7Padded) PaddingLength() int {
	if p.padding != 0 {
		return p.padding
	}

	var b [1]byte
	if _, err := io.ReadFull(p.rng, b[:]); err != nil {
		panic("wire: failed to read padding length: " + err.Error())
	}
	n := int(b[0])
	if n == 0 {
		n = 1
	}
	if need := p.minTotal - p.inner.ByteLength(); n < need {
		n = need
	}
	if n > maxPaddingLength {
		n = maxPaddingLength
	}
	p.padding = n
	return n
}

// ByteLength implements Encodable.
func (p *PKCS7Padded) ByteLength() int {
	return p.inner.ByteLength() + p.PaddingLength()
}

// Encode implements Encodable.
func (p *PKCS7Padded) Encode(dst []byte) []byte {
	n := p.PaddingLength()
	dst = p.inner.Encode(dst)
	for i := 0; i < n; i++ {
		dst = append(dst, byte(n))
	}
	return dst
}

// UnpadPKCS7 strips PKCS#7 style padding.  The returned slice aliases b.
func UnpadPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, malformed("pkcs7", "empty buffer")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, malformed("pkcs7", "invalid padding length %d for %d bytes", n, len(b))
	}
	return b[:len(b)-n], nil
}
