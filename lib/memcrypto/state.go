// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/mxengine/lib/codec"
	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/messaging"
)

// stateVersion is the first field of every export.
const stateVersion = 1

// exportedState is the CBOR form of a Backend. Collections are maps
// keyed by strings so that the deterministic encoder produces the same
// bytes for the same state.
type exportedState struct {
	Version             int                                  `cbor:"1,keyasint"`
	UserID              ref.UserID                           `cbor:"2,keyasint"`
	DeviceID            ref.DeviceID                         `cbor:"3,keyasint"`
	IdentityPrivate     []byte                               `cbor:"4,keyasint"`
	IdentityPublic      string                               `cbor:"5,keyasint"`
	SigningSeed         []byte                               `cbor:"6,keyasint"`
	OneTimeKeys         map[string]exportedOneTimeKey        `cbor:"7,keyasint,omitempty"`
	NextOneTimeKeyID    uint32                               `cbor:"8,keyasint"`
	DeviceKeysPublished bool                                 `cbor:"9,keyasint"`
	ServerKeyCount      int                                  `cbor:"10,keyasint"`
	CountKnown          bool                                 `cbor:"11,keyasint"`
	Devices             map[string]map[string]exportedDevice `cbor:"12,keyasint,omitempty"`
	Tracked             map[string]bool                      `cbor:"13,keyasint,omitempty"`
	OutboundPairwise    map[string]exportedPairwise          `cbor:"14,keyasint,omitempty"`
	InboundPairwise     map[string]exportedPairwise          `cbor:"15,keyasint,omitempty"`
	Outbound            map[string]exportedOutbound          `cbor:"16,keyasint,omitempty"`
	Inbound             map[string]exportedInbound           `cbor:"17,keyasint,omitempty"`
}

type exportedOneTimeKey struct {
	Private   []byte `cbor:"1,keyasint"`
	Public    string `cbor:"2,keyasint"`
	Published bool   `cbor:"3,keyasint"`
}

type exportedDevice struct {
	DisplayName string `cbor:"1,keyasint,omitempty"`
	IdentityKey string `cbor:"2,keyasint"`
	SigningKey  string `cbor:"3,keyasint"`
	Trust       int    `cbor:"4,keyasint"`
}

type exportedPairwise struct {
	ID           string `cbor:"1,keyasint"`
	Key          []byte `cbor:"2,keyasint"`
	PeerKey      string `cbor:"3,keyasint"`
	OneTimeKeyID string `cbor:"4,keyasint,omitempty"`
}

type exportedDeviceKey struct {
	UserID   ref.UserID   `cbor:"1,keyasint"`
	DeviceID ref.DeviceID `cbor:"2,keyasint"`
}

type exportedOutbound struct {
	ID           string              `cbor:"1,keyasint"`
	Key          []byte              `cbor:"2,keyasint"`
	MessageIndex uint32              `cbor:"3,keyasint"`
	Shared       bool                `cbor:"4,keyasint"`
	Stale        bool                `cbor:"5,keyasint"`
	SharedWith   []exportedDeviceKey `cbor:"6,keyasint,omitempty"`
	Ignored      []exportedDeviceKey `cbor:"7,keyasint,omitempty"`
}

type exportedInbound struct {
	RoomID    ref.RoomID `cbor:"1,keyasint"`
	SenderKey string     `cbor:"2,keyasint"`
	SessionID string     `cbor:"3,keyasint"`
	Key       []byte     `cbor:"4,keyasint"`
}

// Export serializes the complete state, private keys included.
func (b *Backend) Export() ([]byte, error) {
	state := exportedState{
		Version:             stateVersion,
		UserID:              b.userID,
		DeviceID:            b.deviceID,
		IdentityPrivate:     slices.Clone(b.identityKey.Bytes()),
		IdentityPublic:      b.identityPub,
		SigningSeed:         slices.Clone(b.signingSeed.Bytes()),
		OneTimeKeys:         make(map[string]exportedOneTimeKey, len(b.oneTimeKeys)),
		NextOneTimeKeyID:    b.nextOneTimeKeyID,
		DeviceKeysPublished: b.deviceKeysPublished,
		ServerKeyCount:      b.serverKeyCount,
		CountKnown:          b.countKnown,
		Devices:             make(map[string]map[string]exportedDevice, len(b.devices)),
		Tracked:             make(map[string]bool, len(b.tracked)),
		OutboundPairwise:    make(map[string]exportedPairwise, len(b.outboundPairwise)),
		InboundPairwise:     make(map[string]exportedPairwise, len(b.inboundPairwise)),
		Outbound:            make(map[string]exportedOutbound, len(b.outbound)),
		Inbound:             make(map[string]exportedInbound, len(b.inbound)),
	}
	defer secret.Zero(state.IdentityPrivate)
	defer secret.Zero(state.SigningSeed)

	for keyID, key := range b.oneTimeKeys {
		state.OneTimeKeys[keyID] = exportedOneTimeKey{Private: key.private[:], Public: key.public, Published: key.published}
	}
	for userID, devices := range b.devices {
		exported := make(map[string]exportedDevice, len(devices))
		for deviceID, known := range devices {
			exported[deviceID.String()] = exportedDevice{
				DisplayName: known.displayName,
				IdentityKey: known.identityKey,
				SigningKey:  known.signingKey,
				Trust:       int(known.trust),
			}
		}
		state.Devices[userID.String()] = exported
	}
	for userID, outdated := range b.tracked {
		state.Tracked[userID.String()] = outdated
	}
	for peerKey, session := range b.outboundPairwise {
		state.OutboundPairwise[peerKey] = exportPairwise(session)
	}
	for id, session := range b.inboundPairwise {
		state.InboundPairwise[id] = exportPairwise(session)
	}
	for roomID, session := range b.outbound {
		state.Outbound[roomID.String()] = exportedOutbound{
			ID:           session.id,
			Key:          session.key[:],
			MessageIndex: session.messageIndex,
			Shared:       session.shared,
			Stale:        session.stale,
			SharedWith:   exportDeviceKeys(session.sharedWith),
			Ignored:      exportDeviceKeys(session.ignored),
		}
	}
	for key, sessionKey := range b.inbound {
		state.Inbound[key.roomID.String()+"\x00"+key.senderKey+"\x00"+key.sessionID] = exportedInbound{
			RoomID:    key.roomID,
			SenderKey: key.senderKey,
			SessionID: key.sessionID,
			Key:       sessionKey[:],
		}
	}

	data, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("memcrypto: encoding state: %w", err)
	}
	return data, nil
}

func exportPairwise(session *pairwiseSession) exportedPairwise {
	return exportedPairwise{
		ID:           session.id,
		Key:          session.key[:],
		PeerKey:      session.peerKey,
		OneTimeKeyID: session.oneTimeKeyID,
	}
}

func exportDeviceKeys(keys []messaging.DeviceKey) []exportedDeviceKey {
	if len(keys) == 0 {
		return nil
	}
	exported := make([]exportedDeviceKey, len(keys))
	for index, key := range keys {
		exported[index] = exportedDeviceKey{UserID: key.UserID, DeviceID: key.DeviceID}
	}
	return exported
}

// Import replaces the state with an export. On error the Backend is
// unchanged.
func (b *Backend) Import(data []byte) error {
	var state exportedState
	if err := codec.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("memcrypto: decoding state: %w", err)
	}
	if state.Version != stateVersion {
		return fmt.Errorf("memcrypto: state version %d is not supported", state.Version)
	}
	if len(state.IdentityPrivate) != keySize || len(state.SigningSeed) != keySize {
		return fmt.Errorf("memcrypto: state has malformed identity keys")
	}

	imported := newEmpty(b.logger)
	imported.userID = state.UserID
	imported.deviceID = state.DeviceID
	imported.nextOneTimeKeyID = state.NextOneTimeKeyID
	imported.deviceKeysPublished = state.DeviceKeysPublished
	imported.serverKeyCount = state.ServerKeyCount
	imported.countKnown = state.CountKnown

	for keyID, key := range state.OneTimeKeys {
		private, err := toKey(key.Private)
		if err != nil {
			return fmt.Errorf("memcrypto: one-time key %s: %w", keyID, err)
		}
		imported.oneTimeKeys[keyID] = &oneTimeKey{private: private, public: key.Public, published: key.Published}
	}
	for rawUserID, devices := range state.Devices {
		userID, err := ref.ParseUserID(rawUserID)
		if err != nil {
			return fmt.Errorf("memcrypto: device owner: %w", err)
		}
		known := make(map[ref.DeviceID]*device, len(devices))
		for rawDeviceID, exported := range devices {
			deviceID, err := ref.ParseDeviceID(rawDeviceID)
			if err != nil {
				return fmt.Errorf("memcrypto: device of %s: %w", userID, err)
			}
			known[deviceID] = &device{
				displayName: exported.DisplayName,
				identityKey: exported.IdentityKey,
				signingKey:  exported.SigningKey,
				trust:       messaging.TrustState(exported.Trust),
			}
		}
		imported.devices[userID] = known
	}
	for rawUserID, outdated := range state.Tracked {
		userID, err := ref.ParseUserID(rawUserID)
		if err != nil {
			return fmt.Errorf("memcrypto: tracked user: %w", err)
		}
		imported.tracked[userID] = outdated
	}
	for peerKey, exported := range state.OutboundPairwise {
		session, err := importPairwise(exported)
		if err != nil {
			return err
		}
		imported.outboundPairwise[peerKey] = session
	}
	for id, exported := range state.InboundPairwise {
		session, err := importPairwise(exported)
		if err != nil {
			return err
		}
		imported.inboundPairwise[id] = session
	}
	for rawRoomID, exported := range state.Outbound {
		roomID, err := ref.ParseRoomID(rawRoomID)
		if err != nil {
			return fmt.Errorf("memcrypto: outbound session room: %w", err)
		}
		key, err := toKey(exported.Key)
		if err != nil {
			return fmt.Errorf("memcrypto: outbound session of %s: %w", roomID, err)
		}
		imported.outbound[roomID] = &outboundSession{
			id:           exported.ID,
			key:          key,
			messageIndex: exported.MessageIndex,
			shared:       exported.Shared,
			stale:        exported.Stale,
			sharedWith:   importDeviceKeys(exported.SharedWith),
			ignored:      importDeviceKeys(exported.Ignored),
		}
	}
	for _, exported := range state.Inbound {
		key, err := toKey(exported.Key)
		if err != nil {
			return fmt.Errorf("memcrypto: inbound session %s: %w", exported.SessionID, err)
		}
		imported.inbound[inboundKey{roomID: exported.RoomID, senderKey: exported.SenderKey, sessionID: exported.SessionID}] = &key
	}

	if err := imported.setIdentity(state.IdentityPrivate, state.IdentityPublic, state.SigningSeed); err != nil {
		return err
	}
	b.closeIdentity()
	*b = *imported
	b.logger.Debug("imported crypto state",
		"user_id", b.userID,
		"device_id", b.deviceID,
		"devices", len(b.devices),
		"group_sessions", len(b.inbound),
	)
	return nil
}

func importPairwise(exported exportedPairwise) (*pairwiseSession, error) {
	key, err := toKey(exported.Key)
	if err != nil {
		return nil, fmt.Errorf("memcrypto: pairwise session %s: %w", exported.ID, err)
	}
	return &pairwiseSession{
		id:           exported.ID,
		key:          key,
		peerKey:      exported.PeerKey,
		oneTimeKeyID: exported.OneTimeKeyID,
	}, nil
}

func importDeviceKeys(exported []exportedDeviceKey) []messaging.DeviceKey {
	if len(exported) == 0 {
		return nil
	}
	keys := make([]messaging.DeviceKey, len(exported))
	for index, key := range exported {
		keys[index] = messaging.DeviceKey{UserID: key.UserID, DeviceID: key.DeviceID}
	}
	return keys
}

func toKey(data []byte) ([keySize]byte, error) {
	var key [keySize]byte
	if len(data) != keySize {
		return key, fmt.Errorf("key is %d bytes, want %d", len(data), keySize)
	}
	copy(key[:], data)
	return key, nil
}
