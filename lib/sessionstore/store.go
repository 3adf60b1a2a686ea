// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mxengine/lib/clock"
	"github.com/bureau-foundation/mxengine/lib/codec"
	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/sealed"
	"github.com/bureau-foundation/mxengine/lib/sqlitepool"
	"github.com/bureau-foundation/mxengine/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	name       TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// schemaVersion is stored in PRAGMA user_version. Bump it with any
// change to the table layout or to an entry's encoding.
const schemaVersion = 1

// Entry names.
const (
	entrySession        = "session"
	entryEncryptedRooms = "encrypted_rooms"
	entryCryptoState    = "crypto_state"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// Keypair seals the access token and crypto state. It is
	// borrowed: the caller closes it after closing the Store.
	Keypair *sealed.Keypair

	// Clock stamps updated_at. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// sessionRecord is the stored form of a snapshot. The access token is
// blanked in Snapshot and kept sealed beside it.
type sessionRecord struct {
	Snapshot    messaging.Snapshot `cbor:"1,keyasint"`
	SealedToken []byte             `cbor:"2,keyasint,omitempty"`
}

// Store is a messaging.Store backed by SQLite.
//
// Store methods are called from the goroutine driving the engine and
// block for the duration of the write. Store is not safe for
// concurrent use.
type Store struct {
	pool    *sqlitepool.Pool
	keypair *sealed.Keypair
	clock   clock.Clock
	logger  *slog.Logger

	digestKey [32]byte
	written   map[string]digest

	// writes counts rows actually written.
	writes int
}

// Open opens or creates the store database.
func Open(cfg Config) (*Store, error) {
	if cfg.Keypair == nil || cfg.Keypair.PrivateKey == nil {
		return nil, fmt.Errorf("sessionstore: Keypair is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:          cfg.Path,
		Schema:        schema,
		SchemaVersion: schemaVersion,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}
	store := &Store{
		pool:    pool,
		keypair: cfg.Keypair,
		clock:   clk,
		logger:  logger,
		written: make(map[string]digest),
	}
	if _, err := rand.Read(store.digestKey[:]); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: generating digest key: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// LoadSession implements messaging.Store.
func (s *Store) LoadSession() (messaging.Snapshot, bool, error) {
	plaintext, found, err := s.read(entrySession)
	if err != nil || !found {
		return messaging.Snapshot{}, false, err
	}
	var record sessionRecord
	if err := codec.Unmarshal(plaintext, &record); err != nil {
		return messaging.Snapshot{}, false, fmt.Errorf("sessionstore: decoding session: %w", err)
	}
	snapshot := record.Snapshot
	if len(record.SealedToken) > 0 {
		token, err := sealed.Open(record.SealedToken, s.keypair.PrivateKey)
		if err != nil {
			return messaging.Snapshot{}, false, fmt.Errorf("sessionstore: unsealing access token: %w", err)
		}
		snapshot.AccessToken = token.String()
		token.Close()
	}
	return snapshot, true, nil
}

// SaveSession implements messaging.Store.
func (s *Store) SaveSession(snapshot messaging.Snapshot) error {
	key := keyedDigest(&s.digestKey, entrySession, []byte(snapshot.UserID.String()+"\x00"+
		snapshot.DeviceID.String()+"\x00"+snapshot.AccessToken+"\x00"+snapshot.NextBatch))
	if s.unchanged(entrySession, key) {
		return nil
	}

	record := sessionRecord{Snapshot: snapshot}
	record.Snapshot.AccessToken = ""
	if snapshot.AccessToken != "" {
		sealedToken, err := sealed.Seal([]byte(snapshot.AccessToken), []string{s.keypair.PublicKey})
		if err != nil {
			return fmt.Errorf("sessionstore: sealing access token: %w", err)
		}
		record.SealedToken = sealedToken
	}
	plaintext, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("sessionstore: encoding session: %w", err)
	}
	return s.write(entrySession, plaintext, key)
}

// LoadEncryptedRooms implements messaging.Store.
func (s *Store) LoadEncryptedRooms() ([]ref.RoomID, error) {
	plaintext, found, err := s.read(entryEncryptedRooms)
	if err != nil || !found {
		return nil, err
	}
	var rooms []ref.RoomID
	if err := codec.Unmarshal(plaintext, &rooms); err != nil {
		return nil, fmt.Errorf("sessionstore: decoding encrypted rooms: %w", err)
	}
	return rooms, nil
}

// SaveEncryptedRooms implements messaging.Store.
func (s *Store) SaveEncryptedRooms(rooms []ref.RoomID) error {
	plaintext, err := codec.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("sessionstore: encoding encrypted rooms: %w", err)
	}
	key := keyedDigest(&s.digestKey, entryEncryptedRooms, plaintext)
	if s.unchanged(entryEncryptedRooms, key) {
		return nil
	}
	return s.write(entryEncryptedRooms, plaintext, key)
}

// LoadCryptoState implements messaging.Store.
func (s *Store) LoadCryptoState() ([]byte, error) {
	ciphertext, found, err := s.read(entryCryptoState)
	if err != nil || !found {
		return nil, err
	}
	plaintext, err := sealed.Open(ciphertext, s.keypair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: unsealing crypto state: %w", err)
	}
	defer plaintext.Close()
	state, err := unpack(plaintext.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sessionstore: crypto state: %w", err)
	}
	// The buffer is zeroed on Close; hand back a heap copy.
	return append([]byte(nil), state...), nil
}

// SaveCryptoState implements messaging.Store. The state is compressed
// before sealing.
func (s *Store) SaveCryptoState(state []byte) error {
	key := keyedDigest(&s.digestKey, entryCryptoState, state)
	if s.unchanged(entryCryptoState, key) {
		return nil
	}
	ciphertext, err := sealed.Seal(pack(state), []string{s.keypair.PublicKey})
	if err != nil {
		return fmt.Errorf("sessionstore: sealing crypto state: %w", err)
	}
	// Sealed bytes do not compress, so pack stores them uncompressed.
	return s.write(entryCryptoState, ciphertext, key)
}

func (s *Store) unchanged(name string, key digest) bool {
	previous, ok := s.written[name]
	return ok && previous == key
}

// read returns an entry's unpacked value.
func (s *Store) read(name string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM entries WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("sessionstore: reading %s: %w", name, err)
	}
	if !found {
		return nil, false, nil
	}
	plaintext, err := unpack(value)
	if err != nil {
		return nil, false, fmt.Errorf("sessionstore: %s: %w", name, err)
	}
	return plaintext, true, nil
}

// write packs and upserts an entry, then records its digest.
func (s *Store) write(name string, plaintext []byte, key digest) error {
	value := pack(plaintext)
	err := s.pool.WithTransaction(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO entries (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{name, value, s.clock.Now().UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("sessionstore: writing %s: %w", name, err)
	}
	s.written[name] = key
	s.writes++
	s.logger.Debug("session store entry written",
		"entry", name,
		"bytes", len(value),
		"plaintext_bytes", len(plaintext),
	)
	return nil
}
