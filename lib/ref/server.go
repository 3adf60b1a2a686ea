// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ServerName is the homeserver part of a user ID, e.g. "example.org"
// or "matrix.example.com:8448". The zero value is unset.
type ServerName struct {
	name string
}

// ParseServerName rejects empty names and names containing control
// characters, spaces, or Matrix sigils.
func ParseServerName(raw string) (ServerName, error) {
	if raw == "" {
		return ServerName{}, fmt.Errorf("server name is empty")
	}
	if index := strings.IndexFunc(raw, invalidServerRune); index >= 0 {
		return ServerName{}, fmt.Errorf("server name %q: invalid character at position %d", raw, index)
	}
	return ServerName{name: raw}, nil
}

func invalidServerRune(r rune) bool {
	return r <= ' ' || r == 0x7f || r == '@' || r == '#' || r == '!' || r == '$'
}

func (s ServerName) String() string { return s.name }

func (s ServerName) IsZero() bool { return s.name == "" }

func (s ServerName) MarshalText() ([]byte, error) { return []byte(s.name), nil }

func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// splitSigiled splits "<sigil>localpart:server" at the first colon.
// kind names the identifier in errors.
func splitSigiled(raw string, sigil byte, kind string) (localpart string, server ServerName, err error) {
	if raw == "" {
		return "", ServerName{}, fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return "", ServerName{}, fmt.Errorf("%s must start with '%c': %q", kind, sigil, raw)
	}
	localpart, rest, found := strings.Cut(raw[1:], ":")
	if !found {
		return "", ServerName{}, fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	if localpart == "" {
		return "", ServerName{}, fmt.Errorf("%s has an empty localpart: %q", kind, raw)
	}
	server, err = ParseServerName(rest)
	if err != nil {
		return "", ServerName{}, fmt.Errorf("%s %q: %w", kind, raw, err)
	}
	return localpart, server, nil
}
