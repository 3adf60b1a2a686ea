// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memcrypto is an in-memory messaging.CryptoGateway.
//
// It implements the full gateway contract (device tracking, trust,
// pairwise sessions from claimed one-time keys, per-room outbound
// group sessions, and decryption of room and to-device events) with
// primitives from golang.org/x/crypto:
//
//   - identity and one-time keys are X25519 keypairs;
//   - device keys and one-time keys are signed with ed25519 over
//     canonical JSON;
//   - a pairwise session key is HKDF-SHA256 over two X25519 shared
//     secrets (sender identity with recipient one-time key, and sender
//     identity with recipient identity);
//   - group messages use a per-index key derived from the session key
//     and are sealed with XChaCha20-Poly1305.
//
// Session identifiers and key fingerprints are BLAKE3 digests.
//
// The wire algorithms are [AlgorithmPairwise] and [AlgorithmGroup].
// They are not Olm or Megolm: a Backend only interoperates with other
// Backends. Use it for tests, for the reference driver, and as the
// model a production backend has to match.
//
// State is exported as deterministic CBOR through lib/codec. The
// export holds private keys in the clear; lib/sessionstore seals it
// before it reaches disk.
//
// A Backend is not safe for concurrent use, matching the engine that
// calls it from one goroutine.
package memcrypto
