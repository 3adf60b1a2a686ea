// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore is the SQLite-backed implementation of
// messaging.Store.
//
// The database holds one row per entry (session, encrypted rooms,
// crypto state) in a single table. Values are CBOR-encoded through
// lib/codec and LZ4 block-compressed when that makes them smaller.
// The access token and the crypto backend's exported state are sealed
// to an age recipient before they reach disk; reading them back needs
// the matching private key.
//
// Writes whose content did not change since the last write through the
// same Store are skipped. The comparison uses a keyed BLAKE3 digest of
// the plaintext, so no plaintext copy is kept in memory.
//
//	keypair, err := sealed.KeypairFromPrivateKey(privateKey)
//	...
//	store, err := sessionstore.Open(sessionstore.Config{
//	    Path:    cfg.Store.Path,
//	    Keypair: keypair,
//	    Logger:  logger,
//	})
//	...
//	defer store.Close()
//	client := messaging.NewClient(messaging.ClientConfig{Store: store, ...})
package sessionstore
