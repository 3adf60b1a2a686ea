// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for persisted engine
// state.
//
// Two serialization formats meet in this module with a clear boundary:
//
//   - JSON for the wire: every Matrix client-server request and
//     response body.
//   - CBOR for local persistence: session snapshots (user ID, device
//     ID, access token, sync cursor), the encrypted-room set, and the
//     crypto backend's exported state, as written by lib/sessionstore.
//
// The encoder uses Core Deterministic Encoding so identical state
// yields identical bytes:
//
//	data, err := codec.Marshal(snapshot)
//	err = codec.Unmarshal(data, &snapshot)
//
// Types that are only persisted use `cbor` struct tags. Types shared
// with the wire keep their `json` tags; fxamacker/cbor reads `json`
// tags as a fallback, so one tag controls both encodings.
package codec
