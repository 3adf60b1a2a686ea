// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable references for the
// Matrix identifiers the engine handles: user IDs, room IDs, event IDs,
// device IDs, server names, and event types.
//
// Every identifier that arrives from the wire is parsed into one of
// these types at the JSON boundary (each implements
// encoding.TextMarshaler and encoding.TextUnmarshaler), so code deeper
// in the engine never has to re-validate a sigil or a server suffix.
// Map keys in sync payloads (room IDs under rooms.join, user IDs in
// device lists) are validated the same way because encoding/json uses
// TextUnmarshaler for map keys.
//
// The zero value of every type is "unset" and reports IsZero. Parsing
// an empty string through UnmarshalText yields the zero value rather
// than an error, matching the omitempty convention for optional fields.
package ref
