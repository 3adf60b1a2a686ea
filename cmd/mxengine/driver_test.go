// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/mxengine/lib/config"
	"github.com/bureau-foundation/mxengine/lib/sealed"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/messaging"
)

// fakeHomeserver answers the endpoints the driver uses.
type fakeHomeserver struct {
	t *testing.T

	mu         sync.Mutex
	logins     int
	uploads    int
	syncSince  []string
	fullState  []bool
	syncStatus int

	// afterSync, when set, is called with the number of syncs served.
	afterSync func(count int)
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path != "/_matrix/client/v3/login" && r.Header.Get("Authorization") != "Bearer token-alice" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`))
		return
	}

	switch r.URL.Path {
	case "/_matrix/client/v3/login":
		f.logins++
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password != "hunter2" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"invalid password"}`))
			return
		}
		w.Write([]byte(`{"user_id":"@alice:example.org","device_id":"ALICEDEV","access_token":"token-alice"}`))
	case "/_matrix/client/v3/keys/upload":
		f.uploads++
		w.Write([]byte(`{"one_time_key_counts":{"signed_curve25519":50}}`))
	case "/_matrix/client/v3/keys/query":
		w.Write([]byte(`{"device_keys":{}}`))
	case "/_matrix/client/v3/sync":
		f.syncSince = append(f.syncSince, r.URL.Query().Get("since"))
		f.fullState = append(f.fullState, r.URL.Query().Get("full_state") == "true")
		if f.afterSync != nil {
			defer f.afterSync(len(f.syncSince))
		}
		if f.syncStatus != 0 {
			status := f.syncStatus
			f.syncStatus = 0
			w.WriteHeader(status)
			w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"try again"}`))
			return
		}
		batch := len(f.syncSince)
		w.Write([]byte(`{
			"next_batch": "s` + string(rune('0'+batch)) + `",
			"rooms": {"join": {
				"!b:example.org": {"timeline": {"events": [
					{"type":"m.room.message","event_id":"$b1","sender":"@bob:example.org","origin_server_ts":2,
					 "content":{"msgtype":"m.text","body":"second room"}}
				]}},
				"!a:example.org": {"timeline": {"events": [
					{"type":"m.room.message","event_id":"$a1","sender":"@bob:example.org","origin_server_ts":1,
					 "content":{"msgtype":"m.text","body":"hello"}},
					{"type":"m.room.message","event_id":"$a2","sender":"@alice:example.org","origin_server_ts":3,
					 "content":{"msgtype":"m.text","body":"hi bob"}}
				]}}
			}}
		}`))
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`))
	}
}

func newTestConfig(serverURL string) *config.Config {
	cfg := config.Default()
	cfg.Homeserver.URL = serverURL
	cfg.Account.UserID = "@alice:example.org"
	cfg.Store.Path = ""
	cfg.Sync.Timeout = "0s"
	return cfg
}

func staticPassword(password string) func() (*secret.Buffer, error) {
	return func() (*secret.Buffer, error) {
		return secret.NewFromBytes([]byte(password))
	}
}

type outputLine struct {
	RoomID string `json:"room_id"`
	Event  struct {
		EventID string         `json:"event_id"`
		Type    string         `json:"type"`
		Content map[string]any `json:"content"`
	} `json:"event"`
}

func decodeLines(t *testing.T, output string) []outputLine {
	t.Helper()
	var lines []outputLine
	for _, raw := range strings.Split(strings.TrimSpace(output), "\n") {
		var line outputLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("decoding output line %q: %v", raw, err)
		}
		lines = append(lines, line)
	}
	return lines
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunDriverLogsInAndPrintsTimeline(t *testing.T) {
	homeserver := &fakeHomeserver{t: t}
	server := httptest.NewServer(homeserver)
	t.Cleanup(server.Close)

	var output bytes.Buffer
	err := runDriver(testContext(t), driverConfig{
		config:   newTestConfig(server.URL),
		logger:   slog.New(slog.DiscardHandler),
		output:   &output,
		password: staticPassword("hunter2"),
		once:     true,
	})
	if err != nil {
		t.Fatalf("runDriver: %v", err)
	}

	lines := decodeLines(t, output.String())
	want := []struct{ room, event, body string }{
		{"!a:example.org", "$a1", "hello"},
		{"!a:example.org", "$a2", "hi bob"},
		{"!b:example.org", "$b1", "second room"},
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), output.String())
	}
	for i, expected := range want {
		line := lines[i]
		if line.RoomID != expected.room || line.Event.EventID != expected.event || line.Event.Content["body"] != expected.body {
			t.Errorf("line %d = %+v, want %+v", i, line, expected)
		}
	}

	homeserver.mu.Lock()
	defer homeserver.mu.Unlock()
	if homeserver.logins != 1 {
		t.Errorf("logins = %d, want 1", homeserver.logins)
	}
	if homeserver.uploads != 1 {
		t.Errorf("key uploads = %d, want 1", homeserver.uploads)
	}
	if len(homeserver.syncSince) != 1 || homeserver.syncSince[0] != "" {
		t.Errorf("sync since = %q, want one initial sync", homeserver.syncSince)
	}
}

func TestRunDriverRestoresStoredSession(t *testing.T) {
	homeserver := &fakeHomeserver{t: t}
	server := httptest.NewServer(homeserver)
	t.Cleanup(server.Close)
	store := messaging.NewMemoryStore()

	first := driverConfig{
		config:   newTestConfig(server.URL),
		store:    store,
		logger:   slog.New(slog.DiscardHandler),
		output:   &bytes.Buffer{},
		password: staticPassword("hunter2"),
		once:     true,
	}
	if err := runDriver(testContext(t), first); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := first
	second.output = &bytes.Buffer{}
	second.password = func() (*secret.Buffer, error) {
		t.Error("password requested although a session was stored")
		return secret.NewFromBytes([]byte("hunter2"))
	}
	if err := runDriver(testContext(t), second); err != nil {
		t.Fatalf("second run: %v", err)
	}

	homeserver.mu.Lock()
	defer homeserver.mu.Unlock()
	if homeserver.logins != 1 {
		t.Errorf("logins = %d, want 1", homeserver.logins)
	}
	if len(homeserver.syncSince) != 2 || homeserver.syncSince[1] != "s1" {
		t.Errorf("sync since = %q, want the second run to resume from s1", homeserver.syncSince)
	}
}

func TestRunDriverRetriesFailedSync(t *testing.T) {
	homeserver := &fakeHomeserver{t: t, syncStatus: http.StatusInternalServerError}
	server := httptest.NewServer(homeserver)
	t.Cleanup(server.Close)

	var output bytes.Buffer
	err := runDriver(testContext(t), driverConfig{
		config:     newTestConfig(server.URL),
		logger:     slog.New(slog.DiscardHandler),
		output:     &output,
		password:   staticPassword("hunter2"),
		once:       true,
		retryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runDriver: %v", err)
	}
	if lines := decodeLines(t, output.String()); len(lines) != 3 {
		t.Errorf("got %d lines after the retry, want 3", len(lines))
	}
	homeserver.mu.Lock()
	defer homeserver.mu.Unlock()
	if len(homeserver.syncSince) != 2 {
		t.Errorf("syncs = %d, want 2", len(homeserver.syncSince))
	}
}

func TestRunDriverRequestsFullStateOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	homeserver := &fakeHomeserver{t: t, syncStatus: http.StatusInternalServerError}
	homeserver.afterSync = func(count int) {
		if count == 3 {
			cancel()
		}
	}
	server := httptest.NewServer(homeserver)
	t.Cleanup(server.Close)

	cfg := newTestConfig(server.URL)
	cfg.Sync.FullState = true
	err := runDriver(ctx, driverConfig{
		config:     cfg,
		logger:     slog.New(slog.DiscardHandler),
		output:     &bytes.Buffer{},
		password:   staticPassword("hunter2"),
		retryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runDriver: %v", err)
	}

	homeserver.mu.Lock()
	defer homeserver.mu.Unlock()
	// The first sync fails, so the retry still asks for full state.
	want := []bool{true, true, false}
	if !slices.Equal(homeserver.fullState, want) {
		t.Errorf("full_state per sync = %v, want %v", homeserver.fullState, want)
	}
}

func TestRunDriverRejectedLogin(t *testing.T) {
	server := httptest.NewServer(&fakeHomeserver{t: t})
	t.Cleanup(server.Close)

	err := runDriver(testContext(t), driverConfig{
		config:   newTestConfig(server.URL),
		logger:   slog.New(slog.DiscardHandler),
		output:   &bytes.Buffer{},
		password: staticPassword("wrong"),
		once:     true,
	})
	if err == nil || !strings.Contains(err.Error(), "M_FORBIDDEN") {
		t.Fatalf("runDriver error = %v, want M_FORBIDDEN", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
		json    bool
	}{
		{name: "text", cfg: config.LogConfig{Level: "info", Format: "text"}},
		{name: "json", cfg: config.LogConfig{Level: "debug", Format: "json"}, json: true},
		{name: "bad level", cfg: config.LogConfig{Level: "loud", Format: "text"}, wantErr: true},
		{name: "bad format", cfg: config.LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			logger, err := newLogger(test.cfg, &out)
			if test.wantErr {
				if err == nil {
					t.Fatal("newLogger succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger: %v", err)
			}
			logger.Info("probe", "key", "value")
			if got := strings.HasPrefix(out.String(), "{"); got != test.json {
				t.Errorf("output %q, json = %v", out.String(), test.json)
			}
		})
	}
}

func TestGenerateStoreKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")
	var out bytes.Buffer
	if err := generateStoreKey(path, &out); err != nil {
		t.Fatalf("generateStoreKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file mode = %o, want 600", mode)
	}
	privateKey, err := secret.ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	keypair, err := sealed.KeypairFromPrivateKey(privateKey)
	if err != nil {
		t.Fatalf("KeypairFromPrivateKey: %v", err)
	}
	defer keypair.Close()
	if got := strings.TrimSpace(out.String()); got != keypair.PublicKey {
		t.Errorf("printed %q, want public key %q", got, keypair.PublicKey)
	}

	if err := generateStoreKey(path, &out); err == nil {
		t.Error("generateStoreKey replaced an existing key file")
	}
}
