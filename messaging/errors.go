// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Precondition failures. These are returned synchronously by the call
// that triggered them and never mutate state.
var (
	// ErrNotConnected is returned by request builders and Receive
	// before Connect or after Disconnect.
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrNotLoggedIn is returned by every operation except Login
	// until a login response has been applied or a session restored.
	ErrNotLoggedIn = errors.New("messaging: not logged in")

	// ErrStoreNotLoaded is returned by encryption operations when no
	// CryptoGateway was configured or its state has not been loaded
	// from the store yet.
	ErrStoreNotLoaded = errors.New("messaging: crypto store not loaded")

	ErrRoomNotFound     = errors.New("messaging: room not found")
	ErrRoomNotEncrypted = errors.New("messaging: room is not encrypted")

	// ErrIdentityMismatch is returned when a login response (or a
	// restored session) names a different user or device than the
	// identity already recorded.
	ErrIdentityMismatch = errors.New("messaging: login identity differs from the recorded identity")

	// ErrGroupSessionNotShared is returned by RoomSend for an
	// encrypted room whose outbound group session is missing, stale,
	// or not yet shared with the room's devices. Share it with
	// ShareGroupSession first.
	ErrGroupSessionNotShared = errors.New("messaging: outbound group session not shared")

	// ErrNoKeyQueryNeeded is returned by KeysQuery when no tracked
	// user has an outdated device list.
	ErrNoKeyQueryNeeded = errors.New("messaging: no users need a key query")

	// ErrNoMissingSessions is returned by KeysClaim when every device
	// in the room already has an established session.
	ErrNoMissingSessions = errors.New("messaging: no missing sessions")
)

// UnknownRequestError reports a response for a request ID the tracker
// does not hold, including a second resolution of the same request.
type UnknownRequestError struct {
	ID uuid.UUID
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("messaging: unknown request %s", e.ID)
}

// DuplicateRequestError reports a second registration of a request ID
// that is still pending.
type DuplicateRequestError struct {
	ID uuid.UUID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("messaging: request %s is already registered", e.ID)
}

// MalformedResponseError reports a successful sync response whose body
// is not a structurally valid sync payload. Nothing from it was
// applied and the sync cursor did not move.
type MalformedResponseError struct {
	ID   uuid.UUID
	Kind RequestKind
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("messaging: malformed %s response %s: %v", e.Kind, e.ID, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// MatrixError is the structured error body of a failed Matrix request.
// It is carried on an ErrorResponse rather than returned as a Go
// error; it still implements error so callers can wrap and inspect it:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeLimitExceeded { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	// Empty when the server did not send a JSON error body.
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// RetryAfterMS accompanies M_LIMIT_EXCEEDED.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// SoftLogout accompanies M_UNKNOWN_TOKEN when the session can be
	// resumed by logging in again with the same device.
	SoftLogout bool `json:"soft_logout,omitempty"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeMissingParam  = "M_MISSING_PARAM"
	ErrCodeNotJSON       = "M_NOT_JSON"
	ErrCodeBadJSON       = "M_BAD_JSON"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
