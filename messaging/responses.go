// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// Response is a typed reply to one request. Switch on the concrete
// type to reach the kind-specific fields:
//
//	switch response := response.(type) {
//	case *messaging.SyncResponse:
//	    ...
//	case *messaging.ErrorResponse:
//	    log.Printf("%s failed: %v", response.Kind, response.Err)
//	}
type Response interface {
	Info() *ResponseInfo

	// IsOK is false for ErrorResponse and DeleteDevicesAuthResponse.
	IsOK() bool
}

// ResponseInfo is the metadata every response carries.
type ResponseInfo struct {
	ID         uuid.UUID
	Kind       RequestKind
	StatusCode int
	StartTime  time.Time
	EndTime    time.Time
	// Timeout is the advisory timeout the request was built with.
	Timeout time.Duration
}

func (i *ResponseInfo) Info() *ResponseInfo { return i }

func (i *ResponseInfo) IsOK() bool { return true }

// Elapsed is the time between building the request and resolving its
// response.
func (i *ResponseInfo) Elapsed() time.Duration { return i.EndTime.Sub(i.StartTime) }

// ErrorResponse is any response whose status indicates failure. Err
// holds the server's error body; when the body was not JSON it carries
// only the status code.
type ErrorResponse struct {
	ResponseInfo
	Err *MatrixError
}

func (r *ErrorResponse) IsOK() bool { return false }

type LoginResponse struct {
	ResponseInfo
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	AccessToken string
}

type LogoutResponse struct {
	ResponseInfo
}

// SyncResponse is a complete sync. After it is applied the events it
// carries are decrypted in place.
type SyncResponse struct {
	ResponseInfo
	SyncPayload
}

// PartialSyncResponse is one chunk of a sync too large to apply in a
// single NextResponse call. Chunks carry disjoint subsets of the
// original payload's events in their original order. More is false on
// the last chunk, the only one that advances the sync cursor.
type PartialSyncResponse struct {
	ResponseInfo
	SyncPayload
	Index int
	More  bool
}

type RoomSendResponse struct {
	ResponseInfo
	RoomID        ref.RoomID
	EventID       ref.EventID
	TransactionID string
	Encrypted     bool
}

type RoomPutStateResponse struct {
	ResponseInfo
	RoomID  ref.RoomID
	EventID ref.EventID
}

type RoomRedactResponse struct {
	ResponseInfo
	RoomID  ref.RoomID
	EventID ref.EventID
}

type RoomKickResponse struct {
	ResponseInfo
	RoomID ref.RoomID
	UserID ref.UserID
}

type RoomInviteResponse struct {
	ResponseInfo
	RoomID ref.RoomID
	UserID ref.UserID
}

type JoinResponse struct {
	ResponseInfo
	RoomID ref.RoomID
}

type RoomLeaveResponse struct {
	ResponseInfo
	RoomID ref.RoomID
}

type RoomCreateResponse struct {
	ResponseInfo
	RoomID ref.RoomID
}

// RoomMessagesResponse is one page of room history. Encrypted events
// in Chunk are decrypted in place once the response is applied.
type RoomMessagesResponse struct {
	ResponseInfo
	RoomID ref.RoomID
	Start  string
	End    string
	Chunk  []Event
	State  []Event
}

type JoinedMembersResponse struct {
	ResponseInfo
	RoomID  ref.RoomID
	Members map[ref.UserID]JoinedMember
}

type TypingResponse struct {
	ResponseInfo
	RoomID ref.RoomID
}

type ReadMarkersResponse struct {
	ResponseInfo
	RoomID ref.RoomID
}

type KeysUploadResponse struct {
	ResponseInfo
	OneTimeKeyCounts map[string]int
}

// KeysQueryResponse carries the queried device keys. Changed is filled
// in when the response is applied.
type KeysQueryResponse struct {
	ResponseInfo
	DeviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys
	Failures   map[string]any
	Changed    []ref.UserID
}

type KeysClaimResponse struct {
	ResponseInfo
	RoomID      ref.RoomID
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]OneTimeKey
	Failures    map[string]any
}

type ShareGroupSessionResponse struct {
	ResponseInfo
	RoomID     ref.RoomID
	SessionID  string
	Recipients []DeviceKey
}

type ToDeviceResponse struct {
	ResponseInfo
	EventType     ref.EventType
	TransactionID string
}

type DevicesResponse struct {
	ResponseInfo
	Devices []DeviceInfo
}

type DeleteDevicesResponse struct {
	ResponseInfo
	Devices []ref.DeviceID
}

// DeleteDevicesAuthResponse is the 401 reply to a delete-devices
// request that needs user-interactive authentication. Resubmit with
// DeleteDevices, passing an auth dict that names Session and completes
// one of Flows.
type DeleteDevicesAuthResponse struct {
	ResponseInfo
	Devices []ref.DeviceID
	Session string
	Flows   []AuthFlow
	Params  map[string]any
}

func (r *DeleteDevicesAuthResponse) IsOK() bool { return false }

type GetDisplayNameResponse struct {
	ResponseInfo
	UserID      ref.UserID
	DisplayName string
}

type SetDisplayNameResponse struct {
	ResponseInfo
	UserID ref.UserID
}

// Extra data carried from a request builder to its response builder.
type (
	roomSendExtra struct {
		RoomID        ref.RoomID
		TransactionID string
		Encrypted     bool
	}
	roomMemberExtra struct {
		RoomID ref.RoomID
		UserID ref.UserID
	}
	toDeviceExtra struct {
		EventType     ref.EventType
		TransactionID string
	}
)

// bodyError reports a 2xx body that cannot be turned into its
// response variant.
type bodyError struct {
	code    string
	message string
}

func (e *bodyError) Error() string { return e.code + ": " + e.message }

func badJSON(format string, args ...any) error {
	return &bodyError{code: ErrCodeBadJSON, message: fmt.Sprintf(format, args...)}
}

// decodeBody decodes a JSON object body. An empty body is an empty
// object.
func decodeBody(body []byte, target any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return &bodyError{code: ErrCodeNotJSON, message: "response body is not JSON"}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return badJSON("%v", err)
	}
	return nil
}

func extraAs[T any](extra any) T {
	value, _ := extra.(T)
	return value
}

// responseBuilder constructs the variant for a successful response.
type responseBuilder func(info ResponseInfo, body []byte, extra any) (Response, error)

var builders = [kindCount]responseBuilder{
	KindLogin:             buildLogin,
	KindLogout:            buildLogout,
	KindSync:              buildSync,
	KindRoomSend:          buildRoomSend,
	KindRoomPutState:      buildRoomPutState,
	KindRoomRedact:        buildRoomRedact,
	KindRoomKick:          buildRoomKick,
	KindRoomInvite:        buildRoomInvite,
	KindJoin:              buildJoin,
	KindRoomLeave:         buildRoomLeave,
	KindRoomCreate:        buildRoomCreate,
	KindRoomMessages:      buildRoomMessages,
	KindJoinedMembers:     buildJoinedMembers,
	KindTyping:            buildTyping,
	KindReadMarkers:       buildReadMarkers,
	KindKeysUpload:        buildKeysUpload,
	KindKeysQuery:         buildKeysQuery,
	KindKeysClaim:         buildKeysClaim,
	KindShareGroupSession: buildShareGroupSession,
	KindToDevice:          buildToDevice,
	KindDevices:           buildDevices,
	KindDeleteDevices:     buildDeleteDevices,
	KindGetDisplayName:    buildGetDisplayName,
	KindSetDisplayName:    buildSetDisplayName,
}

// buildResponse constructs the typed response for a resolved request.
// Failure statuses become ErrorResponse, or DeleteDevicesAuthResponse
// for a delete-devices 401 that offers auth flows. A 2xx body that does
// not fit its variant becomes an ErrorResponse with M_NOT_JSON or
// M_BAD_JSON; an empty body reads as {} first.
//
// Sync is the exception: a 2xx sync body that is empty or does not parse
// as a sync fails with MalformedResponseError instead of degrading to
// an ErrorResponse. Callers of Sync see a failed request rather than a
// successful status with nothing applied, and the cursor stays put so
// the same sync can be retried.
func buildResponse(info ResponseInfo, body []byte, extra any) (Response, error) {
	if info.StatusCode < 200 || info.StatusCode >= 300 {
		if info.Kind == KindDeleteDevices && info.StatusCode == 401 {
			if response := buildDeleteDevicesAuth(info, body, extra); response != nil {
				return response, nil
			}
		}
		return buildError(info, body), nil
	}

	response, err := builders[info.Kind](info, body, extra)
	if err == nil {
		return response, nil
	}
	var bodyErr *bodyError
	if !errors.As(err, &bodyErr) {
		return nil, err
	}
	if info.Kind == KindSync {
		return nil, &MalformedResponseError{ID: info.ID, Kind: info.Kind, Err: bodyErr}
	}
	return &ErrorResponse{
		ResponseInfo: info,
		Err: &MatrixError{
			Code:       bodyErr.code,
			Message:    bodyErr.message,
			StatusCode: info.StatusCode,
		},
	}, nil
}

// buildError parses a failure body. A body that is not a JSON object
// degrades to an empty one, leaving only the status code.
func buildError(info ResponseInfo, body []byte) *ErrorResponse {
	matrixErr := &MatrixError{}
	if json.Unmarshal(body, matrixErr) != nil {
		matrixErr = &MatrixError{}
	}
	matrixErr.StatusCode = info.StatusCode
	return &ErrorResponse{ResponseInfo: info, Err: matrixErr}
}

func buildDeleteDevicesAuth(info ResponseInfo, body []byte, extra any) Response {
	var decoded struct {
		Session string         `json:"session"`
		Flows   []AuthFlow     `json:"flows"`
		Params  map[string]any `json:"params"`
	}
	if json.Unmarshal(body, &decoded) != nil || len(decoded.Flows) == 0 {
		return nil
	}
	return &DeleteDevicesAuthResponse{
		ResponseInfo: info,
		Devices:      extraAs[[]ref.DeviceID](extra),
		Session:      decoded.Session,
		Flows:        decoded.Flows,
		Params:       decoded.Params,
	}
}

func buildLogin(info ResponseInfo, body []byte, _ any) (Response, error) {
	var decoded struct {
		UserID      ref.UserID   `json:"user_id"`
		DeviceID    ref.DeviceID `json:"device_id"`
		AccessToken string       `json:"access_token"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	if decoded.UserID.IsZero() || decoded.DeviceID.IsZero() || decoded.AccessToken == "" {
		return nil, badJSON("login response lacks user_id, device_id, or access_token")
	}
	return &LoginResponse{
		ResponseInfo: info,
		UserID:       decoded.UserID,
		DeviceID:     decoded.DeviceID,
		AccessToken:  decoded.AccessToken,
	}, nil
}

func buildLogout(info ResponseInfo, _ []byte, _ any) (Response, error) {
	return &LogoutResponse{ResponseInfo: info}, nil
}

func buildSync(info ResponseInfo, body []byte, _ any) (Response, error) {
	var payload SyncPayload
	if err := decodeBody(body, &payload); err != nil {
		return nil, err
	}
	if err := validateSync(&payload); err != nil {
		return nil, err
	}
	return &SyncResponse{ResponseInfo: info, SyncPayload: payload}, nil
}

// validateSync checks the structure the sync applier relies on.
func validateSync(payload *SyncPayload) error {
	if payload.NextBatch == "" {
		return badJSON("sync response lacks next_batch")
	}
	checkEvents := func(section string, events []Event, stateRequired bool) error {
		for index := range events {
			if events[index].Type == "" {
				return badJSON("%s event %d has no type", section, index)
			}
			if stateRequired && events[index].StateKey == nil {
				return badJSON("%s event %d has no state_key", section, index)
			}
		}
		return nil
	}
	if err := checkEvents("to_device", payload.ToDevice.Events, false); err != nil {
		return err
	}
	for roomID, room := range payload.Rooms.Invite {
		if err := checkEvents(roomID.String()+" invite_state", room.InviteState.Events, true); err != nil {
			return err
		}
	}
	for roomID, room := range payload.Rooms.Join {
		if err := checkEvents(roomID.String()+" state", room.State.Events, true); err != nil {
			return err
		}
		if err := checkEvents(roomID.String()+" timeline", room.Timeline.Events, false); err != nil {
			return err
		}
		if err := checkEvents(roomID.String()+" ephemeral", room.Ephemeral.Events, false); err != nil {
			return err
		}
	}
	for roomID, room := range payload.Rooms.Leave {
		if err := checkEvents(roomID.String()+" state", room.State.Events, true); err != nil {
			return err
		}
		if err := checkEvents(roomID.String()+" timeline", room.Timeline.Events, false); err != nil {
			return err
		}
	}
	return nil
}

type eventIDBody struct {
	EventID ref.EventID `json:"event_id"`
}

func decodeEventID(body []byte) (ref.EventID, error) {
	var decoded eventIDBody
	if err := decodeBody(body, &decoded); err != nil {
		return ref.EventID{}, err
	}
	if decoded.EventID.IsZero() {
		return ref.EventID{}, badJSON("response lacks event_id")
	}
	return decoded.EventID, nil
}

func buildRoomSend(info ResponseInfo, body []byte, extra any) (Response, error) {
	eventID, err := decodeEventID(body)
	if err != nil {
		return nil, err
	}
	sent := extraAs[roomSendExtra](extra)
	return &RoomSendResponse{
		ResponseInfo:  info,
		RoomID:        sent.RoomID,
		EventID:       eventID,
		TransactionID: sent.TransactionID,
		Encrypted:     sent.Encrypted,
	}, nil
}

func buildRoomPutState(info ResponseInfo, body []byte, extra any) (Response, error) {
	eventID, err := decodeEventID(body)
	if err != nil {
		return nil, err
	}
	return &RoomPutStateResponse{ResponseInfo: info, RoomID: extraAs[ref.RoomID](extra), EventID: eventID}, nil
}

func buildRoomRedact(info ResponseInfo, body []byte, extra any) (Response, error) {
	eventID, err := decodeEventID(body)
	if err != nil {
		return nil, err
	}
	return &RoomRedactResponse{ResponseInfo: info, RoomID: extraAs[ref.RoomID](extra), EventID: eventID}, nil
}

func buildRoomKick(info ResponseInfo, _ []byte, extra any) (Response, error) {
	member := extraAs[roomMemberExtra](extra)
	return &RoomKickResponse{ResponseInfo: info, RoomID: member.RoomID, UserID: member.UserID}, nil
}

func buildRoomInvite(info ResponseInfo, _ []byte, extra any) (Response, error) {
	member := extraAs[roomMemberExtra](extra)
	return &RoomInviteResponse{ResponseInfo: info, RoomID: member.RoomID, UserID: member.UserID}, nil
}

type roomIDBody struct {
	RoomID ref.RoomID `json:"room_id"`
}

func decodeRoomID(body []byte) (ref.RoomID, error) {
	var decoded roomIDBody
	if err := decodeBody(body, &decoded); err != nil {
		return ref.RoomID{}, err
	}
	if decoded.RoomID.IsZero() {
		return ref.RoomID{}, badJSON("response lacks room_id")
	}
	return decoded.RoomID, nil
}

func buildJoin(info ResponseInfo, body []byte, _ any) (Response, error) {
	roomID, err := decodeRoomID(body)
	if err != nil {
		return nil, err
	}
	return &JoinResponse{ResponseInfo: info, RoomID: roomID}, nil
}

func buildRoomLeave(info ResponseInfo, _ []byte, extra any) (Response, error) {
	return &RoomLeaveResponse{ResponseInfo: info, RoomID: extraAs[ref.RoomID](extra)}, nil
}

func buildRoomCreate(info ResponseInfo, body []byte, _ any) (Response, error) {
	roomID, err := decodeRoomID(body)
	if err != nil {
		return nil, err
	}
	return &RoomCreateResponse{ResponseInfo: info, RoomID: roomID}, nil
}

func buildRoomMessages(info ResponseInfo, body []byte, extra any) (Response, error) {
	var decoded struct {
		Start string  `json:"start"`
		End   string  `json:"end"`
		Chunk []Event `json:"chunk"`
		State []Event `json:"state"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &RoomMessagesResponse{
		ResponseInfo: info,
		RoomID:       extraAs[ref.RoomID](extra),
		Start:        decoded.Start,
		End:          decoded.End,
		Chunk:        decoded.Chunk,
		State:        decoded.State,
	}, nil
}

func buildJoinedMembers(info ResponseInfo, body []byte, extra any) (Response, error) {
	var decoded struct {
		Joined map[ref.UserID]JoinedMember `json:"joined"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &JoinedMembersResponse{
		ResponseInfo: info,
		RoomID:       extraAs[ref.RoomID](extra),
		Members:      decoded.Joined,
	}, nil
}

func buildTyping(info ResponseInfo, _ []byte, extra any) (Response, error) {
	return &TypingResponse{ResponseInfo: info, RoomID: extraAs[ref.RoomID](extra)}, nil
}

func buildReadMarkers(info ResponseInfo, _ []byte, extra any) (Response, error) {
	return &ReadMarkersResponse{ResponseInfo: info, RoomID: extraAs[ref.RoomID](extra)}, nil
}

func buildKeysUpload(info ResponseInfo, body []byte, _ any) (Response, error) {
	var decoded struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &KeysUploadResponse{ResponseInfo: info, OneTimeKeyCounts: decoded.OneTimeKeyCounts}, nil
}

func buildKeysQuery(info ResponseInfo, body []byte, _ any) (Response, error) {
	var decoded struct {
		DeviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys `json:"device_keys"`
		Failures   map[string]any                             `json:"failures"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &KeysQueryResponse{ResponseInfo: info, DeviceKeys: decoded.DeviceKeys, Failures: decoded.Failures}, nil
}

func buildKeysClaim(info ResponseInfo, body []byte, extra any) (Response, error) {
	var decoded struct {
		OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]OneTimeKey `json:"one_time_keys"`
		Failures    map[string]any                                        `json:"failures"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &KeysClaimResponse{
		ResponseInfo: info,
		RoomID:       extraAs[ref.RoomID](extra),
		OneTimeKeys:  decoded.OneTimeKeys,
		Failures:     decoded.Failures,
	}, nil
}

func buildShareGroupSession(info ResponseInfo, _ []byte, extra any) (Response, error) {
	share := extraAs[GroupShare](extra)
	return &ShareGroupSessionResponse{
		ResponseInfo: info,
		RoomID:       share.RoomID,
		SessionID:    share.SessionID,
		Recipients:   share.Recipients,
	}, nil
}

func buildToDevice(info ResponseInfo, _ []byte, extra any) (Response, error) {
	sent := extraAs[toDeviceExtra](extra)
	return &ToDeviceResponse{ResponseInfo: info, EventType: sent.EventType, TransactionID: sent.TransactionID}, nil
}

func buildDevices(info ResponseInfo, body []byte, _ any) (Response, error) {
	var decoded struct {
		Devices []DeviceInfo `json:"devices"`
	}
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &DevicesResponse{ResponseInfo: info, Devices: decoded.Devices}, nil
}

func buildDeleteDevices(info ResponseInfo, _ []byte, extra any) (Response, error) {
	return &DeleteDevicesResponse{ResponseInfo: info, Devices: extraAs[[]ref.DeviceID](extra)}, nil
}

func buildGetDisplayName(info ResponseInfo, body []byte, extra any) (Response, error) {
	var decoded DisplayNameRequest
	if err := decodeBody(body, &decoded); err != nil {
		return nil, err
	}
	return &GetDisplayNameResponse{
		ResponseInfo: info,
		UserID:       extraAs[ref.UserID](extra),
		DisplayName:  decoded.DisplayName,
	}, nil
}

func buildSetDisplayName(info ResponseInfo, _ []byte, extra any) (Response, error) {
	return &SetDisplayNameResponse{ResponseInfo: info, UserID: extraAs[ref.UserID](extra)}, nil
}
