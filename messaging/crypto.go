// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// TrustState classifies a device for key sharing.
type TrustState int

const (
	// TrustUnset is a device nobody has verified or blacklisted.
	TrustUnset TrustState = iota
	TrustVerified
	TrustBlacklisted
)

func (s TrustState) String() string {
	switch s {
	case TrustUnset:
		return "unset"
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	default:
		return fmt.Sprintf("trust(%d)", int(s))
	}
}

// Device is a device known to the crypto backend.
type Device struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	DisplayName string
	// IdentityKey and SigningKey are the device's curve25519 and
	// ed25519 keys, unpadded base64.
	IdentityKey string
	SigningKey  string
	Trust       TrustState
}

// OutboundSessionInfo describes the outbound group session of a room.
// The engine never sees key material, only this description.
type OutboundSessionInfo struct {
	SessionID string
	// Shared is true once the session key was delivered to the
	// room's devices.
	Shared bool
	// Stale is true once a trust or membership change made the
	// session unfit for new messages. A stale session is replaced at
	// the next share.
	Stale        bool
	SharedWith   []DeviceKey
	Ignored      []DeviceKey
	MessageIndex uint32
}

// GroupShare is the to-device payload that delivers a room's outbound
// group session key to its member devices.
type GroupShare struct {
	RoomID     ref.RoomID
	SessionID  string
	EventType  ref.EventType
	Messages   map[ref.UserID]map[ref.DeviceID]map[string]any
	Recipients []DeviceKey
	// Ignored lists the devices left out, such as blacklisted devices
	// and, when ignoring unverified devices, unverified ones.
	Ignored []DeviceKey
}

// Decrypter turns ciphertext events into plaintext ones.
type Decrypter interface {
	// DecryptRoomEvent decrypts an m.room.encrypted timeline event.
	// The returned event carries the plaintext type and content; its
	// other fields are copied from the input.
	DecryptRoomEvent(roomID ref.RoomID, event Event) (Event, error)

	// DecryptToDevice decrypts an encrypted to-device event. It
	// returns false when the event is not addressed to this device or
	// cannot be decrypted.
	DecryptToDevice(event Event) (Event, bool)
}

// Encrypter produces m.room.encrypted content with a room's outbound
// group session.
type Encrypter interface {
	GroupEncrypt(roomID ref.RoomID, eventType ref.EventType, content map[string]any) (map[string]any, error)
}

// DeviceTracker holds the device lists and trust of the users the
// account shares encrypted rooms with.
type DeviceTracker interface {
	// UsersNeedingKeyQuery returns tracked users whose device list is
	// outdated, sorted.
	UsersNeedingKeyQuery() []ref.UserID

	// DeviceTrust returns TrustUnset for unknown devices.
	DeviceTrust(userID ref.UserID, deviceID ref.DeviceID) TrustState
	SetDeviceTrust(userID ref.UserID, deviceID ref.DeviceID, trust TrustState) error

	// Devices returns the known devices of a user.
	Devices(userID ref.UserID) []Device

	// TrackUsers starts tracking users; new ones need a key query.
	TrackUsers(users []ref.UserID)

	// MarkDevicesChanged flags tracked users for a new key query.
	MarkDevicesChanged(users []ref.UserID)

	// ReceiveKeysQuery folds a /keys/query response into the device
	// store and returns the users whose device set changed.
	ReceiveKeysQuery(deviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys) []ref.UserID
}

// GroupSessions manages outbound group sessions per room.
type GroupSessions interface {
	OutboundGroupSession(roomID ref.RoomID) (OutboundSessionInfo, bool)
	DiscardOutboundGroupSession(roomID ref.RoomID)
	MarkOutboundGroupSessionStale(roomID ref.RoomID)

	// ShareGroupSession creates the room's outbound session if it is
	// missing or stale and encrypts its key for every device of
	// members that has an established pairwise session. Blacklisted
	// devices are left out. Without ignoreUnverified it fails while
	// any member device has unset trust.
	ShareGroupSession(roomID ref.RoomID, members []ref.UserID, ignoreUnverified bool) (GroupShare, error)

	// MarkGroupSessionShared records a delivered share.
	MarkGroupSessionShared(roomID ref.RoomID, recipients []DeviceKey)
}

// KeyManager covers the account's own keys and pairwise sessions.
type KeyManager interface {
	// Bind fixes the account identity. It fails if the backend was
	// already bound to a different identity.
	Bind(userID ref.UserID, deviceID ref.DeviceID) error

	// Reset discards the binding and every key and session, leaving a
	// fresh unbound device. It is called when a logout is applied or a
	// login fails to load.
	Reset() error

	ShouldUploadKeys() bool
	KeysForUpload() (KeysUploadRequest, error)

	// UpdateOneTimeKeyCounts records the server's count of unclaimed
	// one-time keys, from /keys/upload or sync.
	UpdateOneTimeKeyCounts(counts map[string]int)

	// MissingSessions returns the devices of users that have no
	// pairwise session yet.
	MissingSessions(users []ref.UserID) map[ref.UserID][]ref.DeviceID

	// ReceiveKeysClaim creates pairwise sessions from claimed keys.
	ReceiveKeysClaim(oneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]OneTimeKey) error
}

// CryptoGateway is the engine's view of an end-to-end encryption
// backend. The engine calls it from a single goroutine.
type CryptoGateway interface {
	Decrypter
	Encrypter
	DeviceTracker
	GroupSessions
	KeyManager

	// Export serializes the backend's state for the store; Import
	// restores it.
	Export() ([]byte, error)
	Import(data []byte) error
}
