// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the session
// store, built on zombiezen.com/go/sqlite.
//
// Every connection runs with journal_mode=WAL and synchronous=FULL: a
// committed sync cursor and the crypto state acknowledged to the
// homeserver must survive power loss. busy_timeout waits up to five
// seconds for the write lock.
//
// Callers supply an idempotent Schema and a SchemaVersion, then work
// through [Pool.With] or [Pool.WithTransaction]:
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:          path,
//	    Schema:        schema,
//	    SchemaVersion: 1,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.WithTransaction(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "INSERT ...", &sqlitex.ExecOptions{Args: args})
//	})
package sqlitepool
