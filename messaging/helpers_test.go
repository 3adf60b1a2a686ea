// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"
	"time"

	"github.com/bureau-foundation/mxengine/lib/clock"
	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/testutil"
)

var (
	alice = ref.MustParseUserID("@alice:example.org")
	bob   = ref.MustParseUserID("@bob:example.org")
	carol = ref.MustParseUserID("@carol:example.org")

	aliceDevice = ref.MustParseDeviceID("ALICEDEV")
	bobPhone    = ref.MustParseDeviceID("BOBPHONE")
	bobLaptop   = ref.MustParseDeviceID("BOBLAPTOP")
	carolDevice = ref.MustParseDeviceID("CAROLDEV")

	roomA = ref.MustParseRoomID("!a:example.org")
	roomB = ref.MustParseRoomID("!b:example.org")
	roomC = ref.MustParseRoomID("!c:example.org")
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newLoggedInClient returns a Client logged in as alice with a fresh
// MemoryStore. crypto may be nil.
func newLoggedInClient(t *testing.T, crypto CryptoGateway) (*Client, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	client := NewClient(ClientConfig{
		Clock:  clock.Fake(testEpoch),
		Crypto: crypto,
		Store:  store,
	})
	t.Cleanup(client.Close)
	login := &LoginResponse{
		ResponseInfo: ResponseInfo{Kind: KindLogin, StatusCode: 200},
		UserID:       alice,
		DeviceID:     aliceDevice,
		AccessToken:  "token-alice",
	}
	if err := client.ReceiveResponse(login); err != nil {
		t.Fatalf("applying login: %v", err)
	}
	return client, store
}

// Event fixtures as JSON objects.

func stateEvent(eventType ref.EventType, stateKey string, content map[string]any) map[string]any {
	return map[string]any{
		"type":      eventType.String(),
		"state_key": stateKey,
		"sender":    alice.String(),
		"event_id":  testutil.UniqueID("$state"),
		"content":   content,
	}
}

func memberEvent(userID ref.UserID, membership string) map[string]any {
	return stateEvent(EventTypeMember, userID.String(), map[string]any{
		"membership":  membership,
		"displayname": userID.Localpart(),
	})
}

func encryptionEvent() map[string]any {
	return stateEvent(EventTypeEncryption, "", map[string]any{"algorithm": "org.example.fake"})
}

func textEvent(body string) map[string]any {
	return map[string]any{
		"type":     EventTypeMessage.String(),
		"sender":   bob.String(),
		"event_id": testutil.UniqueID("$text"),
		"content":  map[string]any{"msgtype": "m.text", "body": body},
	}
}

func encryptedEvent(body string, undecryptable bool) map[string]any {
	content := map[string]any{
		"algorithm": "org.example.fake",
		"type":      EventTypeMessage.String(),
		"body":      body,
	}
	if undecryptable {
		content["undecryptable"] = true
	}
	return map[string]any{
		"type":     EventTypeEncrypted.String(),
		"sender":   bob.String(),
		"event_id": testutil.UniqueID("$enc"),
		"content":  content,
	}
}

// joinedRoom builds one entry of rooms.join.
func joinedRoom(state []map[string]any, timeline []map[string]any) map[string]any {
	return map[string]any{
		"state":    map[string]any{"events": orEmpty(state)},
		"timeline": map[string]any{"events": orEmpty(timeline)},
	}
}

func orEmpty(events []map[string]any) []map[string]any {
	if events == nil {
		return []map[string]any{}
	}
	return events
}

// syncResponse builds a SyncResponse from a JSON fixture the same way
// the tracker would.
func syncResponse(t *testing.T, body map[string]any) *SyncResponse {
	t.Helper()
	response, err := buildResponse(ResponseInfo{Kind: KindSync, StatusCode: 200}, testutil.MarshalJSON(t, body), nil)
	if err != nil {
		t.Fatalf("building sync response: %v", err)
	}
	sync, ok := response.(*SyncResponse)
	if !ok {
		t.Fatalf("built %T, want *SyncResponse", response)
	}
	return sync
}
