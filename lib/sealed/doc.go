// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for encrypting persisted engine
// state at rest.
//
// The session store seals the access token and the crypto backend's
// exported state to one or more age x25519 recipients before writing
// them to SQLite. Only a process holding a matching private key can
// restore the session.
//
// Private keys and decrypted plaintext are returned as *secret.Buffer
// values, which are backed by mmap memory outside the Go heap (locked
// against swap, excluded from core dumps, zeroed on close).
//
// Ciphertext is handled as raw bytes (the native age binary format).
package sealed
