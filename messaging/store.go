// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"slices"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// Snapshot is the process identity: the state that must survive a
// restart to resume a session without logging in again. Everything
// else the engine holds is rebuilt by a full sync.
type Snapshot struct {
	UserID      ref.UserID   `cbor:"1,keyasint"`
	DeviceID    ref.DeviceID `cbor:"2,keyasint"`
	AccessToken string       `cbor:"3,keyasint"`
	NextBatch   string       `cbor:"4,keyasint"`
}

// Store persists the engine's durable state. Calls are synchronous and
// made from the goroutine driving the engine; implementations backed
// by disk block for the duration of the write.
type Store interface {
	// LoadSession returns false when no session was saved.
	LoadSession() (Snapshot, bool, error)
	SaveSession(snapshot Snapshot) error

	LoadEncryptedRooms() ([]ref.RoomID, error)
	SaveEncryptedRooms(rooms []ref.RoomID) error

	// LoadCryptoState returns nil when nothing was saved.
	LoadCryptoState() ([]byte, error)
	SaveCryptoState(state []byte) error
}

// MemoryStore is a Store that keeps everything in memory. It is the
// default when no Store is configured.
type MemoryStore struct {
	session        *Snapshot
	encryptedRooms []ref.RoomID
	cryptoState    []byte

	// Saves counts SaveSession calls.
	Saves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadSession() (Snapshot, bool, error) {
	if s.session == nil {
		return Snapshot{}, false, nil
	}
	return *s.session, true, nil
}

func (s *MemoryStore) SaveSession(snapshot Snapshot) error {
	s.session = &snapshot
	s.Saves++
	return nil
}

func (s *MemoryStore) LoadEncryptedRooms() ([]ref.RoomID, error) {
	return slices.Clone(s.encryptedRooms), nil
}

func (s *MemoryStore) SaveEncryptedRooms(rooms []ref.RoomID) error {
	s.encryptedRooms = slices.Clone(rooms)
	return nil
}

func (s *MemoryStore) LoadCryptoState() ([]byte, error) {
	return slices.Clone(s.cryptoState), nil
}

func (s *MemoryStore) SaveCryptoState(state []byte) error {
	s.cryptoState = slices.Clone(state)
	return nil
}
