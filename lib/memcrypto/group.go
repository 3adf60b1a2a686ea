// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/messaging"
)

// outboundSession is the group session this device encrypts a room's
// messages with.
type outboundSession struct {
	id           string
	key          [keySize]byte
	messageIndex uint32
	shared       bool
	stale        bool
	sharedWith   []messaging.DeviceKey
	ignored      []messaging.DeviceKey
}

// inboundKey names a group session a sender shared for a room.
type inboundKey struct {
	roomID    ref.RoomID
	senderKey string
	sessionID string
}

// groupPayload is the plaintext of a group message. RoomID binds the
// ciphertext to its room.
type groupPayload struct {
	Type    ref.EventType  `json:"type"`
	Content map[string]any `json:"content"`
	RoomID  ref.RoomID     `json:"room_id"`
}

func (b *Backend) OutboundGroupSession(roomID ref.RoomID) (messaging.OutboundSessionInfo, bool) {
	session, ok := b.outbound[roomID]
	if !ok {
		return messaging.OutboundSessionInfo{}, false
	}
	return messaging.OutboundSessionInfo{
		SessionID:    session.id,
		Shared:       session.shared,
		Stale:        session.stale,
		SharedWith:   slices.Clone(session.sharedWith),
		Ignored:      slices.Clone(session.ignored),
		MessageIndex: session.messageIndex,
	}, true
}

func (b *Backend) DiscardOutboundGroupSession(roomID ref.RoomID) {
	delete(b.outbound, roomID)
}

func (b *Backend) MarkOutboundGroupSessionStale(roomID ref.RoomID) {
	if session, ok := b.outbound[roomID]; ok {
		session.stale = true
	}
}

type shareTarget struct {
	key    messaging.DeviceKey
	device *device
}

// ShareGroupSession encrypts the room's session key to every eligible
// member device. Devices without a pairwise session are reported as
// ignored; claim keys for them first.
func (b *Backend) ShareGroupSession(roomID ref.RoomID, members []ref.UserID, ignoreUnverified bool) (messaging.GroupShare, error) {
	if err := b.requireBound(); err != nil {
		return messaging.GroupShare{}, err
	}
	users := slices.Clone(members)
	sortUserIDs(users)
	users = slices.Compact(users)

	var targets []shareTarget
	var ignored []messaging.DeviceKey
	for _, userID := range users {
		deviceIDs := slices.Collect(maps.Keys(b.devices[userID]))
		sortDeviceIDs(deviceIDs)
		for _, deviceID := range deviceIDs {
			if userID == b.userID && deviceID == b.deviceID {
				continue
			}
			known := b.devices[userID][deviceID]
			key := messaging.DeviceKey{UserID: userID, DeviceID: deviceID}
			switch known.trust {
			case messaging.TrustBlacklisted:
				ignored = append(ignored, key)
				continue
			case messaging.TrustUnset:
				if !ignoreUnverified {
					return messaging.GroupShare{}, fmt.Errorf("memcrypto: device %s is not verified", key)
				}
			}
			if _, ok := b.outboundPairwise[known.identityKey]; !ok {
				ignored = append(ignored, key)
				continue
			}
			targets = append(targets, shareTarget{key: key, device: known})
		}
	}

	session, ok := b.outbound[roomID]
	if !ok || session.stale {
		var err error
		session, err = b.newOutboundSession(roomID)
		if err != nil {
			return messaging.GroupShare{}, err
		}
	}
	session.ignored = ignored

	roomKey := map[string]any{
		"algorithm":   AlgorithmGroup,
		"room_id":     roomID.String(),
		"session_id":  session.id,
		"session_key": encodeKey(session.key[:]),
	}
	share := messaging.GroupShare{
		RoomID:    roomID,
		SessionID: session.id,
		EventType: messaging.EventTypeEncrypted,
		Messages:  make(map[ref.UserID]map[ref.DeviceID]map[string]any),
		Ignored:   ignored,
	}
	for _, target := range targets {
		content, err := b.encryptPairwise(target.key.UserID, target.device, messaging.EventTypeRoomKey, roomKey)
		if err != nil {
			return messaging.GroupShare{}, err
		}
		if share.Messages[target.key.UserID] == nil {
			share.Messages[target.key.UserID] = make(map[ref.DeviceID]map[string]any)
		}
		share.Messages[target.key.UserID][target.key.DeviceID] = content
		share.Recipients = append(share.Recipients, target.key)
	}
	return share, nil
}

// newOutboundSession replaces the room's outbound session. The new
// session is also installed as inbound so this device can read its own
// messages.
func (b *Backend) newOutboundSession(roomID ref.RoomID) (*outboundSession, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	session := &outboundSession{id: sessionID(domainGroupSessionID, &key), key: key}
	b.outbound[roomID] = session
	inbound := key
	b.inbound[inboundKey{roomID: roomID, senderKey: b.identityPub, sessionID: session.id}] = &inbound
	b.logger.Debug("created outbound group session", "room_id", roomID, "session_id", session.id)
	return session, nil
}

func (b *Backend) MarkGroupSessionShared(roomID ref.RoomID, recipients []messaging.DeviceKey) {
	session, ok := b.outbound[roomID]
	if !ok {
		return
	}
	session.shared = true
	for _, recipient := range recipients {
		if !slices.Contains(session.sharedWith, recipient) {
			session.sharedWith = append(session.sharedWith, recipient)
		}
	}
}

// GroupEncrypt encrypts an event with the room's outbound session and
// advances its message index.
func (b *Backend) GroupEncrypt(roomID ref.RoomID, eventType ref.EventType, content map[string]any) (map[string]any, error) {
	session, ok := b.outbound[roomID]
	if !ok {
		return nil, fmt.Errorf("memcrypto: no outbound group session for %s", roomID)
	}
	if session.stale {
		return nil, fmt.Errorf("memcrypto: outbound group session of %s is stale", roomID)
	}
	plaintext, err := json.Marshal(groupPayload{Type: eventType, Content: content, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("memcrypto: encoding group payload: %w", err)
	}
	index := session.messageIndex
	messageKey, err := groupMessageKey(&session.key, index)
	if err != nil {
		return nil, err
	}
	blob, err := sealBlob(&messageKey, plaintext, groupAAD(roomID, b.identityPub, session.id, index))
	if err != nil {
		return nil, err
	}
	session.messageIndex++

	ciphertext := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(blob)), index)
	ciphertext = append(ciphertext, blob...)
	return map[string]any{
		"algorithm":  AlgorithmGroup,
		"sender_key": b.identityPub,
		"device_id":  b.deviceID.String(),
		"session_id": session.id,
		"ciphertext": encodeKey(ciphertext),
	}, nil
}

// DecryptRoomEvent decrypts a group message with an inbound session.
func (b *Backend) DecryptRoomEvent(roomID ref.RoomID, event messaging.Event) (messaging.Event, error) {
	if algorithm, _ := event.Content["algorithm"].(string); algorithm != AlgorithmGroup {
		return messaging.Event{}, fmt.Errorf("memcrypto: unsupported algorithm %q", algorithm)
	}
	senderKey, _ := event.Content["sender_key"].(string)
	sessionID, _ := event.Content["session_id"].(string)
	encoded, _ := event.Content["ciphertext"].(string)

	sessionKey, ok := b.inbound[inboundKey{roomID: roomID, senderKey: senderKey, sessionID: sessionID}]
	if !ok {
		return messaging.Event{}, fmt.Errorf("memcrypto: unknown group session %s", sessionID)
	}
	ciphertext, err := decodeKey(encoded)
	if err != nil || len(ciphertext) < 4 {
		return messaging.Event{}, fmt.Errorf("memcrypto: malformed group ciphertext")
	}
	index := binary.BigEndian.Uint32(ciphertext)
	messageKey, err := groupMessageKey(sessionKey, index)
	if err != nil {
		return messaging.Event{}, err
	}
	plaintext, err := openBlob(&messageKey, ciphertext[4:], groupAAD(roomID, senderKey, sessionID, index))
	if err != nil {
		return messaging.Event{}, err
	}
	var payload groupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return messaging.Event{}, fmt.Errorf("memcrypto: decoding group payload: %w", err)
	}
	if payload.RoomID != roomID {
		return messaging.Event{}, fmt.Errorf("memcrypto: message was encrypted for %s", payload.RoomID)
	}
	plain := event
	plain.Type = payload.Type
	plain.Content = payload.Content
	return plain, nil
}

// receiveRoomKey installs a group session delivered in m.room_key.
func (b *Backend) receiveRoomKey(senderKey string, content map[string]any) error {
	if algorithm, _ := content["algorithm"].(string); algorithm != AlgorithmGroup {
		return fmt.Errorf("room key for unsupported algorithm %q", algorithm)
	}
	rawRoomID, _ := content["room_id"].(string)
	roomID, err := ref.ParseRoomID(rawRoomID)
	if err != nil {
		return fmt.Errorf("room key: %w", err)
	}
	id, _ := content["session_id"].(string)
	encodedKey, _ := content["session_key"].(string)
	decoded, err := decodeKey(encodedKey)
	if err != nil || len(decoded) != keySize {
		return fmt.Errorf("room key: malformed session key")
	}
	var key [keySize]byte
	copy(key[:], decoded)
	if sessionID(domainGroupSessionID, &key) != id {
		return fmt.Errorf("room key: session key does not match session %s", id)
	}
	b.inbound[inboundKey{roomID: roomID, senderKey: senderKey, sessionID: id}] = &key
	b.logger.Debug("received group session", "room_id", roomID, "session_id", id)
	return nil
}

func groupMessageKey(sessionKey *[keySize]byte, index uint32) ([keySize]byte, error) {
	material := make([]byte, keySize, keySize+4)
	copy(material, sessionKey[:])
	material = binary.BigEndian.AppendUint32(material, index)
	return deriveKey(material, hkdfInfoGroupMessage)
}

func groupAAD(roomID ref.RoomID, senderKey, sessionID string, index uint32) []byte {
	aad := []byte(roomID.String() + "\x00" + senderKey + "\x00" + sessionID + "\x00")
	return binary.BigEndian.AppendUint32(aad, index)
}
