// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/messaging"
)

// pairwiseSession is a symmetric session between this device and one
// peer identity key. The sending side remembers the one-time key it
// claimed, so the receiver can derive the same key from the first
// message.
type pairwiseSession struct {
	id           string
	key          [keySize]byte
	peerKey      string
	oneTimeKeyID string
}

// pairwisePayload is the plaintext of a pairwise message.
type pairwisePayload struct {
	Type          ref.EventType     `json:"type"`
	Content       map[string]any    `json:"content"`
	Sender        ref.UserID        `json:"sender"`
	SenderDevice  ref.DeviceID      `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     ref.UserID        `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// MissingSessions returns, per user, the devices this device cannot
// encrypt to yet, sorted.
func (b *Backend) MissingSessions(users []ref.UserID) map[ref.UserID][]ref.DeviceID {
	missing := make(map[ref.UserID][]ref.DeviceID)
	for _, userID := range users {
		for deviceID, known := range b.devices[userID] {
			if userID == b.userID && deviceID == b.deviceID {
				continue
			}
			if _, ok := b.outboundPairwise[known.identityKey]; !ok {
				missing[userID] = append(missing[userID], deviceID)
			}
		}
		sortDeviceIDs(missing[userID])
	}
	return missing
}

// ReceiveKeysClaim opens a pairwise session with every device that
// returned a validly signed one-time key. Keys from unknown devices
// and keys failing verification are skipped.
func (b *Backend) ReceiveKeysClaim(oneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]messaging.OneTimeKey) error {
	if err := b.requireBound(); err != nil {
		return err
	}
	for userID, devices := range oneTimeKeys {
		for deviceID, keys := range devices {
			known, ok := b.devices[userID][deviceID]
			if !ok {
				b.logger.Warn("claimed key for unknown device", "user_id", userID, "device_id", deviceID)
				continue
			}
			if err := b.openOutboundPairwise(userID, deviceID, known, keys); err != nil {
				b.logger.Warn("no pairwise session opened",
					"user_id", userID,
					"device_id", deviceID,
					"error", err,
				)
			}
		}
	}
	return nil
}

func (b *Backend) openOutboundPairwise(userID ref.UserID, deviceID ref.DeviceID, known *device, keys map[string]messaging.OneTimeKey) error {
	keyIDs := slices.Sorted(maps.Keys(keys))
	for _, keyID := range keyIDs {
		if !strings.HasPrefix(keyID, oneTimeKeyAlgorithm+":") {
			continue
		}
		claimed := keys[keyID]
		if err := verifySignature(map[string]any{"key": claimed.Key}, claimed.Signatures, userID, deviceID, known.signingKey); err != nil {
			return err
		}

		withOneTimeKey, err := sharedSecret(b.identityKey.Bytes(), claimed.Key)
		if err != nil {
			return err
		}
		withIdentity, err := sharedSecret(b.identityKey.Bytes(), known.identityKey)
		if err != nil {
			return err
		}
		key, err := deriveKey(append(withOneTimeKey, withIdentity...), hkdfInfoPairwise)
		if err != nil {
			return err
		}
		session := &pairwiseSession{
			id:           sessionID(domainPairwiseSessionID, &key),
			key:          key,
			peerKey:      known.identityKey,
			oneTimeKeyID: keyID,
		}
		b.outboundPairwise[known.identityKey] = session
		b.logger.Debug("opened pairwise session",
			"user_id", userID,
			"device_id", deviceID,
			"session_id", session.id,
		)
		return nil
	}
	return fmt.Errorf("no %s key in claim", oneTimeKeyAlgorithm)
}

// encryptPairwise returns m.room.encrypted to-device content carrying
// eventType and content to one device.
func (b *Backend) encryptPairwise(userID ref.UserID, known *device, eventType ref.EventType, content map[string]any) (map[string]any, error) {
	session, ok := b.outboundPairwise[known.identityKey]
	if !ok {
		return nil, fmt.Errorf("memcrypto: no pairwise session with %s", userID)
	}
	plaintext, err := json.Marshal(pairwisePayload{
		Type:          eventType,
		Content:       content,
		Sender:        b.userID,
		SenderDevice:  b.deviceID,
		Keys:          map[string]string{"ed25519": b.SigningKey()},
		Recipient:     userID,
		RecipientKeys: map[string]string{"ed25519": known.signingKey},
	})
	if err != nil {
		return nil, fmt.Errorf("memcrypto: encoding pairwise payload: %w", err)
	}
	blob, err := sealBlob(&session.key, plaintext, pairwiseAAD(b.identityPub, known.identityKey, session.id))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"algorithm":  AlgorithmPairwise,
		"sender_key": b.identityPub,
		"ciphertext": map[string]any{
			known.identityKey: map[string]any{
				"session_id":      session.id,
				"one_time_key_id": session.oneTimeKeyID,
				"body":            encodeKey(blob),
			},
		},
	}, nil
}

func pairwiseAAD(senderKey, recipientKey, sessionID string) []byte {
	return []byte(senderKey + "\x00" + recipientKey + "\x00" + sessionID)
}

// DecryptToDevice decrypts a pairwise message addressed to this
// device. A decrypted m.room_key is imported as an inbound group
// session.
func (b *Backend) DecryptToDevice(event messaging.Event) (messaging.Event, bool) {
	plain, err := b.decryptToDevice(event)
	if err != nil {
		b.logger.Debug("to-device event not decrypted", "sender", event.Sender, "error", err)
		return messaging.Event{}, false
	}
	return plain, true
}

func (b *Backend) decryptToDevice(event messaging.Event) (messaging.Event, error) {
	if err := b.requireBound(); err != nil {
		return messaging.Event{}, err
	}
	if algorithm, _ := event.Content["algorithm"].(string); algorithm != AlgorithmPairwise {
		return messaging.Event{}, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	senderKey, _ := event.Content["sender_key"].(string)
	ciphertexts, _ := event.Content["ciphertext"].(map[string]any)
	mine, ok := ciphertexts[b.identityPub].(map[string]any)
	if !ok {
		return messaging.Event{}, fmt.Errorf("not addressed to this device")
	}
	sessionID, _ := mine["session_id"].(string)
	oneTimeKeyID, _ := mine["one_time_key_id"].(string)
	body, _ := mine["body"].(string)
	blob, err := decodeKey(body)
	if err != nil {
		return messaging.Event{}, fmt.Errorf("malformed ciphertext: %w", err)
	}

	session, known := b.inboundPairwise[sessionID]
	if !known {
		session, err = b.inboundFromOneTimeKey(senderKey, oneTimeKeyID)
		if err != nil {
			return messaging.Event{}, err
		}
		if session.id != sessionID {
			return messaging.Event{}, fmt.Errorf("derived session %s, message names %s", session.id, sessionID)
		}
	}
	if session.peerKey != senderKey {
		return messaging.Event{}, fmt.Errorf("session %s belongs to another sender", sessionID)
	}
	plaintext, err := openBlob(&session.key, blob, pairwiseAAD(senderKey, b.identityPub, sessionID))
	if err != nil {
		return messaging.Event{}, err
	}
	if !known {
		// The one-time key is spent only once a message under it
		// authenticated.
		delete(b.oneTimeKeys, oneTimeKeyID)
		b.inboundPairwise[session.id] = session
	}

	var payload pairwisePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return messaging.Event{}, fmt.Errorf("decoding pairwise payload: %w", err)
	}
	if payload.Recipient != b.userID || payload.RecipientKeys["ed25519"] != b.SigningKey() {
		return messaging.Event{}, fmt.Errorf("payload is addressed to %s", payload.Recipient)
	}
	if !event.Sender.IsZero() && payload.Sender != event.Sender {
		return messaging.Event{}, fmt.Errorf("payload sender %s differs from event sender %s", payload.Sender, event.Sender)
	}
	if sender, ok := b.devices[payload.Sender][payload.SenderDevice]; ok && sender.signingKey != payload.Keys["ed25519"] {
		return messaging.Event{}, fmt.Errorf("payload signing key differs from the known key of %s/%s", payload.Sender, payload.SenderDevice)
	}

	if payload.Type == messaging.EventTypeRoomKey {
		if err := b.receiveRoomKey(senderKey, payload.Content); err != nil {
			return messaging.Event{}, err
		}
	}
	plain := event
	plain.Type = payload.Type
	plain.Content = payload.Content
	return plain, nil
}

// inboundFromOneTimeKey derives the session a peer opened against one
// of this device's published one-time keys.
func (b *Backend) inboundFromOneTimeKey(senderKey, oneTimeKeyID string) (*pairwiseSession, error) {
	spent, ok := b.oneTimeKeys[oneTimeKeyID]
	if !ok || !spent.published {
		return nil, fmt.Errorf("unknown one-time key %q", oneTimeKeyID)
	}
	withOneTimeKey, err := sharedSecret(spent.private[:], senderKey)
	if err != nil {
		return nil, err
	}
	withIdentity, err := sharedSecret(b.identityKey.Bytes(), senderKey)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(append(withOneTimeKey, withIdentity...), hkdfInfoPairwise)
	if err != nil {
		return nil, err
	}
	return &pairwiseSession{
		id:      sessionID(domainPairwiseSessionID, &key),
		key:     key,
		peerKey: senderKey,
	}, nil
}
