// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

func TestFailureStatusBuildsErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		kind       RequestKind
		status     int
		body       string
		wantCode   string
		wantRetry  int64
		wantStatus int
	}{
		{
			name:       "matrix error body",
			kind:       KindRoomSend,
			status:     403,
			body:       `{"errcode":"M_FORBIDDEN","error":"not allowed"}`,
			wantCode:   ErrCodeForbidden,
			wantStatus: 403,
		},
		{
			name:       "rate limited",
			kind:       KindSync,
			status:     429,
			body:       `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down","retry_after_ms":2000}`,
			wantCode:   ErrCodeLimitExceeded,
			wantRetry:  2000,
			wantStatus: 429,
		},
		{
			name:       "html body degrades",
			kind:       KindLogin,
			status:     502,
			body:       "<html>Bad Gateway</html>",
			wantStatus: 502,
		},
		{
			name:       "empty body degrades",
			kind:       KindJoin,
			status:     500,
			body:       "",
			wantStatus: 500,
		},
		{
			name:       "array body degrades",
			kind:       KindDevices,
			status:     404,
			body:       "[1,2]",
			wantStatus: 404,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, err := buildResponse(ResponseInfo{Kind: test.kind, StatusCode: test.status}, []byte(test.body), nil)
			if err != nil {
				t.Fatalf("buildResponse: %v", err)
			}
			errorResponse, ok := response.(*ErrorResponse)
			if !ok {
				t.Fatalf("built %T, want *ErrorResponse", response)
			}
			if errorResponse.IsOK() {
				t.Error("IsOK = true")
			}
			if errorResponse.Err.Code != test.wantCode {
				t.Errorf("Code = %q, want %q", errorResponse.Err.Code, test.wantCode)
			}
			if errorResponse.Err.RetryAfterMS != test.wantRetry {
				t.Errorf("RetryAfterMS = %d, want %d", errorResponse.Err.RetryAfterMS, test.wantRetry)
			}
			if errorResponse.Err.StatusCode != test.wantStatus || errorResponse.StatusCode != test.wantStatus {
				t.Errorf("status = %d/%d, want %d", errorResponse.Err.StatusCode, errorResponse.StatusCode, test.wantStatus)
			}
			if errorResponse.Kind != test.kind {
				t.Errorf("Kind = %s, want %s", errorResponse.Kind, test.kind)
			}
		})
	}
}

func TestDeleteDevicesAuthRequired(t *testing.T) {
	devices := []ref.DeviceID{bobPhone, bobLaptop}

	t.Run("flows offered", func(t *testing.T) {
		body := `{"session":"uia-1","flows":[{"stages":["m.login.password"]}],"params":{}}`
		response, err := buildResponse(ResponseInfo{Kind: KindDeleteDevices, StatusCode: 401}, []byte(body), devices)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		auth, ok := response.(*DeleteDevicesAuthResponse)
		if !ok {
			t.Fatalf("built %T, want *DeleteDevicesAuthResponse", response)
		}
		if auth.IsOK() {
			t.Error("IsOK = true")
		}
		if auth.Session != "uia-1" {
			t.Errorf("Session = %q", auth.Session)
		}
		if len(auth.Flows) != 1 || auth.Flows[0].Stages[0] != "m.login.password" {
			t.Errorf("Flows = %+v", auth.Flows)
		}
		if len(auth.Devices) != 2 || auth.Devices[0] != bobPhone {
			t.Errorf("Devices = %v", auth.Devices)
		}
	})

	t.Run("no flows is a plain error", func(t *testing.T) {
		body := `{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`
		response, err := buildResponse(ResponseInfo{Kind: KindDeleteDevices, StatusCode: 401}, []byte(body), devices)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		if _, ok := response.(*ErrorResponse); !ok {
			t.Fatalf("built %T, want *ErrorResponse", response)
		}
	})

	t.Run("other kinds never build the auth variant", func(t *testing.T) {
		body := `{"session":"uia-1","flows":[{"stages":["m.login.password"]}]}`
		response, err := buildResponse(ResponseInfo{Kind: KindDevices, StatusCode: 401}, []byte(body), nil)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		if _, ok := response.(*ErrorResponse); !ok {
			t.Fatalf("built %T, want *ErrorResponse", response)
		}
	})
}

func TestMalformedSyncIsAnError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"missing next_batch", `{"rooms":{}}`},
		{"empty body", ""},
		{"wrong section type", `{"next_batch":"s1","rooms":[]}`},
		{"event without type", `{"next_batch":"s1","to_device":{"events":[{"content":{}}]}}`},
		{"state without state_key", `{"next_batch":"s1","rooms":{"join":{"!a:example.org":{"state":{"events":[{"type":"m.room.name","content":{}}]}}}}}`},
		{"invalid room id", `{"next_batch":"s1","rooms":{"join":{"not-a-room":{}}}}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, err := buildResponse(ResponseInfo{Kind: KindSync, StatusCode: 200}, []byte(test.body), nil)
			var malformed *MalformedResponseError
			if !errors.As(err, &malformed) {
				t.Fatalf("error = %v (response %T), want *MalformedResponseError", err, response)
			}
			if malformed.Kind != KindSync {
				t.Errorf("Kind = %s", malformed.Kind)
			}
		})
	}
}

func TestMalformedSuccessBodyForOtherKinds(t *testing.T) {
	tests := []struct {
		name     string
		kind     RequestKind
		body     string
		wantCode string
	}{
		{"login not json", KindLogin, "<html>", ErrCodeNotJSON},
		{"login missing fields", KindLogin, `{"user_id":"@alice:example.org"}`, ErrCodeBadJSON},
		{"send missing event_id", KindRoomSend, `{}`, ErrCodeBadJSON},
		{"create missing room_id", KindRoomCreate, `{"room_id":""}`, ErrCodeBadJSON},
		{"query wrong shape", KindKeysQuery, `{"device_keys":[]}`, ErrCodeBadJSON},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, err := buildResponse(ResponseInfo{Kind: test.kind, StatusCode: 200}, []byte(test.body), nil)
			if err != nil {
				t.Fatalf("buildResponse: %v", err)
			}
			errorResponse, ok := response.(*ErrorResponse)
			if !ok {
				t.Fatalf("built %T, want *ErrorResponse", response)
			}
			if errorResponse.Err.Code != test.wantCode {
				t.Errorf("Code = %q, want %q", errorResponse.Err.Code, test.wantCode)
			}
			if errorResponse.Err.StatusCode != 200 {
				t.Errorf("StatusCode = %d, want 200", errorResponse.Err.StatusCode)
			}
		})
	}
}

func TestResponsesCarryRequestExtra(t *testing.T) {
	t.Run("room send", func(t *testing.T) {
		extra := roomSendExtra{RoomID: roomA, TransactionID: "txn-1", Encrypted: true}
		response, err := buildResponse(ResponseInfo{Kind: KindRoomSend, StatusCode: 200}, []byte(`{"event_id":"$sent"}`), extra)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		sent := response.(*RoomSendResponse)
		if sent.RoomID != roomA || sent.TransactionID != "txn-1" || !sent.Encrypted {
			t.Errorf("response = %+v", sent)
		}
		if sent.EventID.String() != "$sent" {
			t.Errorf("EventID = %s", sent.EventID)
		}
	})

	t.Run("group share", func(t *testing.T) {
		share := GroupShare{
			RoomID:     roomA,
			SessionID:  "session-a",
			Recipients: []DeviceKey{{UserID: bob, DeviceID: bobPhone}},
		}
		response, err := buildResponse(ResponseInfo{Kind: KindShareGroupSession, StatusCode: 200}, []byte(`{}`), share)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		shared := response.(*ShareGroupSessionResponse)
		if shared.RoomID != roomA || shared.SessionID != "session-a" || len(shared.Recipients) != 1 {
			t.Errorf("response = %+v", shared)
		}
	})

	t.Run("kick", func(t *testing.T) {
		extra := roomMemberExtra{RoomID: roomB, UserID: carol}
		response, err := buildResponse(ResponseInfo{Kind: KindRoomKick, StatusCode: 200}, nil, extra)
		if err != nil {
			t.Fatalf("buildResponse: %v", err)
		}
		kicked := response.(*RoomKickResponse)
		if kicked.RoomID != roomB || kicked.UserID != carol {
			t.Errorf("response = %+v", kicked)
		}
	})
}

func TestOneTimeKeyJSONForms(t *testing.T) {
	var claimed map[string]OneTimeKey
	body := []byte(`{"plain:AAAA":"k1","signed_curve25519:BBBB":{"key":"k2","signatures":{"@bob:example.org":{"ed25519:BOBPHONE":"sig"}}}}`)
	if err := decodeBody(body, &claimed); err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if claimed["plain:AAAA"].Key != "k1" || claimed["plain:AAAA"].Signatures != nil {
		t.Errorf("plain key = %+v", claimed["plain:AAAA"])
	}
	signed := claimed["signed_curve25519:BBBB"]
	if signed.Key != "k2" || signed.Signatures["@bob:example.org"]["ed25519:BOBPHONE"] != "sig" {
		t.Errorf("signed key = %+v", signed)
	}
}
