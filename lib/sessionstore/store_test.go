// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mxengine/lib/clock"
	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/sealed"
	"github.com/bureau-foundation/mxengine/messaging"
)

var _ messaging.Store = (*Store)(nil)

var (
	alice       = ref.MustParseUserID("@alice:example.org")
	aliceDevice = ref.MustParseDeviceID("ALICEDEV")
)

func newKeypair(t *testing.T) *sealed.Keypair {
	t.Helper()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair
}

func openStore(t *testing.T, path string, keypair *sealed.Keypair) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:    path,
		Keypair: keypair,
		Clock:   clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// rawValue reads an entry's stored bytes directly.
func rawValue(t *testing.T, store *Store, name string) []byte {
	t.Helper()
	var value []byte
	err := store.pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM entries WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return value
}

func TestOpenRequiresKeypair(t *testing.T) {
	if _, err := Open(Config{Path: filepath.Join(t.TempDir(), "s.db")}); err == nil {
		t.Fatal("Open without a keypair succeeded")
	}
}

func TestEmptyStore(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "session.db"), newKeypair(t))

	if _, found, err := store.LoadSession(); err != nil || found {
		t.Errorf("LoadSession = found %v, %v", found, err)
	}
	if rooms, err := store.LoadEncryptedRooms(); err != nil || rooms != nil {
		t.Errorf("LoadEncryptedRooms = %v, %v", rooms, err)
	}
	if state, err := store.LoadCryptoState(); err != nil || state != nil {
		t.Errorf("LoadCryptoState = %v, %v", state, err)
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	keypair := newKeypair(t)
	snapshot := messaging.Snapshot{
		UserID:      alice,
		DeviceID:    aliceDevice,
		AccessToken: "syt_secret_token",
		NextBatch:   "s72_1",
	}

	first := openStore(t, path, keypair)
	if err := first.SaveSession(snapshot); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := first.SaveEncryptedRooms([]ref.RoomID{ref.MustParseRoomID("!a:example.org")}); err != nil {
		t.Fatalf("SaveEncryptedRooms: %v", err)
	}
	if bytes.Contains(rawValue(t, first, entrySession), []byte("syt_secret_token")) {
		t.Error("access token stored in the clear")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openStore(t, path, keypair)
	loaded, found, err := second.LoadSession()
	if err != nil || !found {
		t.Fatalf("LoadSession = found %v, %v", found, err)
	}
	if loaded != snapshot {
		t.Errorf("loaded %+v, want %+v", loaded, snapshot)
	}
	rooms, err := second.LoadEncryptedRooms()
	if err != nil {
		t.Fatalf("LoadEncryptedRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].String() != "!a:example.org" {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestOtherKeyCannotRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	first := openStore(t, path, newKeypair(t))
	if err := first.SaveSession(messaging.Snapshot{UserID: alice, DeviceID: aliceDevice, AccessToken: "token"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := first.SaveCryptoState([]byte("state")); err != nil {
		t.Fatalf("SaveCryptoState: %v", err)
	}
	first.Close()

	second := openStore(t, path, newKeypair(t))
	if _, _, err := second.LoadSession(); err == nil {
		t.Error("LoadSession with another key succeeded")
	}
	if _, err := second.LoadCryptoState(); err == nil {
		t.Error("LoadCryptoState with another key succeeded")
	}
}

func TestCryptoStateRoundTrip(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "session.db"), newKeypair(t))

	state := bytes.Repeat([]byte(`{"session":"AAAAAAAAAAAAAAAA","index":0}`), 200)
	if err := store.SaveCryptoState(state); err != nil {
		t.Fatalf("SaveCryptoState: %v", err)
	}
	if stored := rawValue(t, store, entryCryptoState); len(stored) >= len(state) {
		t.Errorf("stored %d bytes for %d bytes of repetitive state", len(stored), len(state))
	}
	loaded, err := store.LoadCryptoState()
	if err != nil {
		t.Fatalf("LoadCryptoState: %v", err)
	}
	if !bytes.Equal(loaded, state) {
		t.Error("loaded crypto state differs")
	}
}

func TestUnchangedWritesAreSkipped(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "session.db"), newKeypair(t))
	snapshot := messaging.Snapshot{UserID: alice, DeviceID: aliceDevice, AccessToken: "token", NextBatch: "s1"}

	for range 3 {
		if err := store.SaveSession(snapshot); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		if err := store.SaveCryptoState([]byte("state")); err != nil {
			t.Fatalf("SaveCryptoState: %v", err)
		}
	}
	if store.writes != 2 {
		t.Fatalf("writes = %d, want 2", store.writes)
	}

	snapshot.NextBatch = "s2"
	if err := store.SaveSession(snapshot); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if store.writes != 3 {
		t.Errorf("writes = %d after a cursor change, want 3", store.writes)
	}
}

func TestPack(t *testing.T) {
	random := make([]byte, 512)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	tests := []struct {
		name    string
		data    []byte
		wantTag compressionTag
	}{
		{"empty", nil, compressionNone},
		{"random", random, compressionNone},
		{"repetitive", bytes.Repeat([]byte("abcd"), 1000), compressionLZ4},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value := pack(test.data)
			if compressionTag(value[0]) != test.wantTag {
				t.Errorf("tag = %d, want %d", value[0], test.wantTag)
			}
			unpacked, err := unpack(value)
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}
			if !bytes.Equal(unpacked, test.data) {
				t.Error("unpacked data differs")
			}
		})
	}
}

func TestUnpackRejectsCorruptValues(t *testing.T) {
	valid := pack(bytes.Repeat([]byte("abcd"), 1000))
	tests := []struct {
		name  string
		value []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{9, 1, 'x'}},
		{"truncated header", []byte{byte(compressionNone), 0x80}},
		{"length mismatch", []byte{byte(compressionNone), 5, 'x'}},
		{"truncated lz4", valid[:len(valid)/2]},
		{"oversized", append([]byte{byte(compressionLZ4)}, 0xff, 0xff, 0xff, 0xff, 0x7f)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := unpack(test.value); err == nil {
				t.Error("unpack accepted a corrupt value")
			}
		})
	}
}

func TestClientRestoresThroughStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	keypair := newKeypair(t)

	first := openStore(t, path, keypair)
	client := messaging.NewClient(messaging.ClientConfig{Store: first})
	login := &messaging.LoginResponse{
		ResponseInfo: messaging.ResponseInfo{Kind: messaging.KindLogin, StatusCode: 200},
		UserID:       alice,
		DeviceID:     aliceDevice,
		AccessToken:  "token-alice",
	}
	if err := client.ReceiveResponse(login); err != nil {
		t.Fatalf("applying login: %v", err)
	}
	client.Close()
	first.Close()

	second := openStore(t, path, keypair)
	restored := messaging.NewClient(messaging.ClientConfig{Store: second})
	t.Cleanup(restored.Close)
	ok, err := restored.RestoreFromStore()
	if err != nil || !ok {
		t.Fatalf("RestoreFromStore = %v, %v", ok, err)
	}
	if snapshot := restored.Snapshot(); snapshot.UserID != alice || snapshot.AccessToken != "token-alice" {
		t.Errorf("restored snapshot = %+v", snapshot)
	}
}
