// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate turns decoded wire structures into typed values that
// satisfy the protocol invariants.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"

	"github.com/katzenpost/multidevice/protocol"
)

// ErrUnhandledType is returned for message types that are valid but not
// processed by this engine.
var ErrUnhandledType = errors.New("validate: unhandled message type")

// ValidationError names the offending field of a rejected value.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Identity validates an identity string: exactly 8 upper case alphanumeric
// characters, where the first may also be '*'.
func Identity(s string) (protocol.IdentityString, error) {
	if len(s) != protocol.IdentityLength {
		return "", invalid("identity", "length %d", len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '*' && i == 0:
		default:
			return "", invalid("identity", "%q contains %q at %d", s, c, i)
		}
	}
	return protocol.IdentityString(s), nil
}

// GroupSetupMembers validates the member list of a group-setup.  Duplicates
// are removed, as is the sender, who is implicitly the creator.  The order
// of first occurrence is kept.
func GroupSetupMembers(sender protocol.IdentityString, members []protocol.IdentityString) ([]protocol.IdentityString, error) {
	seen := make(map[protocol.IdentityString]struct{}, len(members))
	out := make([]protocol.IdentityString, 0, len(members))
	for _, m := range members {
		id, err := Identity(string(m))
		if err != nil {
			return nil, &ValidationError{Field: "members", Reason: err.Error()}
		}
		if id == sender {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// NormalizeGroupName normalizes a group name.
func NormalizeGroupName(name []byte) (string, error) {
	if !isUTF8(name) {
		return "", invalid("group-name", "not UTF-8")
	}
	return norm.NFC.String(string(name)), nil
}

// Nickname normalizes a nickname.  A nickname that can not be enforced
// under the nickname profile is dropped rather than rejected.
func Nickname(s string) string {
	s = strings.TrimRight(s, "\x00")
	if s == "" {
		return ""
	}
	n, err := precis.Nickname.String(s)
	if err != nil {
		return ""
	}
	return n
}
