// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "valid", input: "@alice:example.org"},
		{name: "valid with port", input: "@bob:localhost:8448"},
		{name: "empty", input: "", wantErr: "empty user ID"},
		{name: "wrong sigil", input: "!alice:example.org", wantErr: "must start with '@'"},
		{name: "missing server", input: "@alice", wantErr: "missing ':server' suffix"},
		{name: "empty localpart", input: "@:example.org", wantErr: "empty localpart"},
		{name: "empty server", input: "@alice:", wantErr: "server name is empty"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			userID, err := ParseUserID(test.input)
			if test.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseUserID(%q) succeeded, want error containing %q", test.input, test.wantErr)
				}
				if !strings.Contains(err.Error(), test.wantErr) {
					t.Errorf("error = %q, want substring %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUserID(%q) failed: %v", test.input, err)
			}
			if userID.String() != test.input {
				t.Errorf("String() = %q, want %q", userID.String(), test.input)
			}
		})
	}
}

func TestUserIDParts(t *testing.T) {
	userID := MustParseUserID("@alice:matrix.example.org:8448")
	if userID.Localpart() != "alice" {
		t.Errorf("Localpart() = %q", userID.Localpart())
	}
	if userID.Server().String() != "matrix.example.org:8448" {
		t.Errorf("Server() = %q", userID.Server())
	}
	var zero UserID
	if zero.Localpart() != "" || !zero.Server().IsZero() {
		t.Error("zero UserID should have empty parts")
	}
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "valid simple", input: "!abc123:example.org"},
		{name: "valid with port in server", input: "!opaque:localhost:6167"},
		{name: "empty string", input: "", wantErr: "empty room ID"},
		{name: "missing bang prefix", input: "abc123:example.org", wantErr: "must start with '!'"},
		{name: "alias sigil", input: "#room:example.org", wantErr: "must start with '!'"},
		{name: "missing colon and server", input: "!abc123", wantErr: "missing ':server' suffix"},
		{name: "empty local part", input: "!:example.org", wantErr: "empty local part"},
		{name: "empty server name", input: "!abc123:", wantErr: "empty server name"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			roomID, err := ParseRoomID(test.input)
			if test.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseRoomID(%q) succeeded, want error", test.input)
				}
				if !strings.Contains(err.Error(), test.wantErr) {
					t.Errorf("error = %q, want substring %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoomID(%q) failed: %v", test.input, err)
			}
			if roomID.String() != test.input {
				t.Errorf("String() = %q, want %q", roomID, test.input)
			}
		})
	}
}

func TestParseEventID(t *testing.T) {
	if _, err := ParseEventID("$abc"); err != nil {
		t.Errorf("ParseEventID($abc) failed: %v", err)
	}
	for _, bad := range []string{"", "$", "abc"} {
		if _, err := ParseEventID(bad); err == nil {
			t.Errorf("ParseEventID(%q) should fail", bad)
		}
	}
}

func TestDeviceIDText(t *testing.T) {
	if _, err := ParseDeviceID(""); err == nil {
		t.Error("ParseDeviceID(\"\") should fail")
	}
	var zero DeviceID
	text, err := zero.MarshalText()
	if err != nil || len(text) != 0 {
		t.Errorf("zero MarshalText() = %q, %v", text, err)
	}
}

// Sync payloads key rooms and users by identifier. encoding/json routes
// map keys through TextUnmarshaler, so a bad key fails the decode.
func TestMapKeysValidateThroughJSON(t *testing.T) {
	var rooms map[RoomID]int
	if err := json.Unmarshal([]byte(`{"!a:example.org": 1}`), &rooms); err != nil {
		t.Fatalf("valid room key rejected: %v", err)
	}
	if rooms[MustParseRoomID("!a:example.org")] != 1 {
		t.Errorf("decoded map = %v", rooms)
	}
	if err := json.Unmarshal([]byte(`{"not-a-room": 1}`), &rooms); err == nil {
		t.Error("invalid room key accepted")
	}

	var users map[UserID]string
	if err := json.Unmarshal([]byte(`{"@u:s": "x"}`), &users); err != nil {
		t.Fatalf("valid user key rejected: %v", err)
	}
	encoded, err := json.Marshal(users)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(encoded) != `{"@u:s":"x"}` {
		t.Errorf("Marshal = %s", encoded)
	}
}

func TestServerName(t *testing.T) {
	user := MustParseUserID("@u:matrix.example.org:8448")
	if server := user.Server(); server.String() != "matrix.example.org:8448" {
		t.Errorf("Server() = %q", server)
	}
	if localpart := user.Localpart(); localpart != "u" {
		t.Errorf("Localpart() = %q", localpart)
	}
	for _, bad := range []string{"", "bad host", "ex!ample.org", "tab\there"} {
		if _, err := ParseServerName(bad); err == nil {
			t.Errorf("ParseServerName(%q) succeeded", bad)
		}
	}
	if _, err := ParseUserID("@u:bad host"); err == nil {
		t.Error("user ID with an invalid server accepted")
	}
}
