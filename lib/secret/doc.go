// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps passwords, access tokens, and private keys out
// of the Go heap.
//
// A [Buffer] is an anonymous mmap region, mlocked so it never reaches
// swap and marked MADV_DONTDUMP so it never reaches a core file. Close
// zeroes and unmaps it. [NewFromBytes] moves an existing heap copy in
// and zeroes the original; [ReadFromPath] and [ReadLine] read a secret
// from a file or stdin straight into a Buffer.
//
// The messaging client holds its access token in a Buffer, lib/sealed
// holds age private keys, and lib/memcrypto holds the device's identity
// and signing keys.
package secret
