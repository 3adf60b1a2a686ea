// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// fakeCrypto is a scripted CryptoGateway. Its "ciphertext" is the
// plaintext type and body under the keys "type" and "body"; an
// encrypted event whose content sets "undecryptable" fails.
type fakeCrypto struct {
	bound DeviceKey

	devices  map[ref.UserID][]Device
	trust    map[DeviceKey]TrustState
	tracked  map[ref.UserID]bool
	outdated map[ref.UserID]bool

	sessions map[ref.RoomID]*OutboundSessionInfo

	// Calls, in order.
	discarded []ref.RoomID
	staled    []ref.RoomID
	changed   [][]ref.UserID

	otkCounts     map[string]int
	missing       map[ref.UserID][]ref.DeviceID
	claimed       int
	exports       int
	imported      []byte
	uploadPending bool
	resets        int
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		devices:       make(map[ref.UserID][]Device),
		trust:         make(map[DeviceKey]TrustState),
		tracked:       make(map[ref.UserID]bool),
		outdated:      make(map[ref.UserID]bool),
		sessions:      make(map[ref.RoomID]*OutboundSessionInfo),
		missing:       make(map[ref.UserID][]ref.DeviceID),
		uploadPending: true,
	}
}

func (f *fakeCrypto) addDevice(userID ref.UserID, deviceID ref.DeviceID, trust TrustState) {
	f.devices[userID] = append(f.devices[userID], Device{UserID: userID, DeviceID: deviceID})
	f.trust[DeviceKey{UserID: userID, DeviceID: deviceID}] = trust
}

func (f *fakeCrypto) DecryptRoomEvent(roomID ref.RoomID, event Event) (Event, error) {
	if undecryptable, _ := event.Content["undecryptable"].(bool); undecryptable {
		return Event{}, errors.New("unknown session")
	}
	plainType, _ := event.Content["type"].(string)
	plain := event
	plain.Type = ref.EventType(plainType)
	plain.Content = map[string]any{"body": event.Content["body"]}
	return plain, nil
}

func (f *fakeCrypto) DecryptToDevice(event Event) (Event, bool) {
	if undecryptable, _ := event.Content["undecryptable"].(bool); undecryptable {
		return Event{}, false
	}
	plainType, _ := event.Content["type"].(string)
	plain := event
	plain.Type = ref.EventType(plainType)
	plain.Content = map[string]any{"body": event.Content["body"]}
	return plain, true
}

func (f *fakeCrypto) GroupEncrypt(roomID ref.RoomID, eventType ref.EventType, content map[string]any) (map[string]any, error) {
	session, ok := f.sessions[roomID]
	if !ok {
		return nil, fmt.Errorf("no session for %s", roomID)
	}
	session.MessageIndex++
	return map[string]any{
		"algorithm":  "org.example.fake",
		"session_id": session.SessionID,
		"type":       eventType.String(),
		"body":       content["body"],
	}, nil
}

func (f *fakeCrypto) UsersNeedingKeyQuery() []ref.UserID {
	var users []ref.UserID
	for userID, outdated := range f.outdated {
		if outdated {
			users = append(users, userID)
		}
	}
	sortUserIDs(users)
	return users
}

func (f *fakeCrypto) DeviceTrust(userID ref.UserID, deviceID ref.DeviceID) TrustState {
	return f.trust[DeviceKey{UserID: userID, DeviceID: deviceID}]
}

func (f *fakeCrypto) SetDeviceTrust(userID ref.UserID, deviceID ref.DeviceID, trust TrustState) error {
	key := DeviceKey{UserID: userID, DeviceID: deviceID}
	if _, known := f.trust[key]; !known {
		return fmt.Errorf("unknown device %s", key)
	}
	f.trust[key] = trust
	return nil
}

func (f *fakeCrypto) Devices(userID ref.UserID) []Device {
	return slices.Clone(f.devices[userID])
}

func (f *fakeCrypto) TrackUsers(users []ref.UserID) {
	for _, userID := range users {
		if !f.tracked[userID] {
			f.tracked[userID] = true
			f.outdated[userID] = true
		}
	}
}

func (f *fakeCrypto) MarkDevicesChanged(users []ref.UserID) {
	f.changed = append(f.changed, slices.Clone(users))
	for _, userID := range users {
		if f.tracked[userID] {
			f.outdated[userID] = true
		}
	}
}

func (f *fakeCrypto) ReceiveKeysQuery(deviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys) []ref.UserID {
	var changed []ref.UserID
	for userID, devices := range deviceKeys {
		delete(f.outdated, userID)
		known := make(map[ref.DeviceID]bool)
		for _, device := range f.devices[userID] {
			known[device.DeviceID] = true
		}
		added := false
		for deviceID := range devices {
			if !known[deviceID] {
				f.addDevice(userID, deviceID, TrustUnset)
				added = true
			}
		}
		if added {
			changed = append(changed, userID)
		}
	}
	sortUserIDs(changed)
	return changed
}

func (f *fakeCrypto) OutboundGroupSession(roomID ref.RoomID) (OutboundSessionInfo, bool) {
	session, ok := f.sessions[roomID]
	if !ok {
		return OutboundSessionInfo{}, false
	}
	return *session, true
}

func (f *fakeCrypto) DiscardOutboundGroupSession(roomID ref.RoomID) {
	f.discarded = append(f.discarded, roomID)
	delete(f.sessions, roomID)
}

func (f *fakeCrypto) MarkOutboundGroupSessionStale(roomID ref.RoomID) {
	f.staled = append(f.staled, roomID)
	if session, ok := f.sessions[roomID]; ok {
		session.Stale = true
	}
}

func (f *fakeCrypto) ShareGroupSession(roomID ref.RoomID, members []ref.UserID, ignoreUnverified bool) (GroupShare, error) {
	session, ok := f.sessions[roomID]
	if !ok || session.Stale {
		session = &OutboundSessionInfo{SessionID: "session-" + strings.TrimPrefix(roomID.String(), "!")}
		f.sessions[roomID] = session
	}
	share := GroupShare{
		RoomID:    roomID,
		SessionID: session.SessionID,
		EventType: EventTypeEncrypted,
		Messages:  make(map[ref.UserID]map[ref.DeviceID]map[string]any),
	}
	for _, userID := range members {
		for _, device := range f.devices[userID] {
			key := DeviceKey{UserID: userID, DeviceID: device.DeviceID}
			switch f.trust[key] {
			case TrustBlacklisted:
				share.Ignored = append(share.Ignored, key)
				continue
			case TrustUnset:
				if !ignoreUnverified {
					return GroupShare{}, fmt.Errorf("unverified device %s", key)
				}
			}
			if share.Messages[userID] == nil {
				share.Messages[userID] = make(map[ref.DeviceID]map[string]any)
			}
			share.Messages[userID][device.DeviceID] = map[string]any{"session_id": session.SessionID}
			share.Recipients = append(share.Recipients, key)
		}
	}
	return share, nil
}

func (f *fakeCrypto) MarkGroupSessionShared(roomID ref.RoomID, recipients []DeviceKey) {
	if session, ok := f.sessions[roomID]; ok {
		session.Shared = true
		session.SharedWith = slices.Clone(recipients)
	}
}

func (f *fakeCrypto) Bind(userID ref.UserID, deviceID ref.DeviceID) error {
	key := DeviceKey{UserID: userID, DeviceID: deviceID}
	if !f.bound.UserID.IsZero() && f.bound != key {
		return fmt.Errorf("bound to %s", f.bound)
	}
	f.bound = key
	return nil
}

func (f *fakeCrypto) Reset() error {
	resets := f.resets + 1
	*f = *newFakeCrypto()
	f.resets = resets
	return nil
}

func (f *fakeCrypto) ShouldUploadKeys() bool { return f.uploadPending }

func (f *fakeCrypto) KeysForUpload() (KeysUploadRequest, error) {
	f.uploadPending = false
	return KeysUploadRequest{
		DeviceKeys: &DeviceKeys{
			UserID:     f.bound.UserID,
			DeviceID:   f.bound.DeviceID,
			Algorithms: []string{"org.example.fake"},
			Keys:       map[string]string{"fake:" + f.bound.DeviceID.String(): "key"},
		},
		OneTimeKeys: map[string]OneTimeKey{"fake:AAAA": {Key: "otk"}},
	}, nil
}

func (f *fakeCrypto) UpdateOneTimeKeyCounts(counts map[string]int) {
	f.otkCounts = maps.Clone(counts)
}

func (f *fakeCrypto) MissingSessions(users []ref.UserID) map[ref.UserID][]ref.DeviceID {
	result := make(map[ref.UserID][]ref.DeviceID)
	for _, userID := range users {
		if devices := f.missing[userID]; len(devices) > 0 {
			result[userID] = slices.Clone(devices)
		}
	}
	return result
}

func (f *fakeCrypto) ReceiveKeysClaim(oneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]OneTimeKey) error {
	for userID, devices := range oneTimeKeys {
		for deviceID := range devices {
			f.missing[userID] = slices.DeleteFunc(f.missing[userID], func(candidate ref.DeviceID) bool {
				return candidate == deviceID
			})
			f.claimed++
		}
	}
	return nil
}

func (f *fakeCrypto) Export() ([]byte, error) {
	f.exports++
	trusted := make(map[string]int, len(f.trust))
	for key, trust := range f.trust {
		trusted[key.String()] = int(trust)
	}
	return json.Marshal(trusted)
}

func (f *fakeCrypto) Import(data []byte) error {
	f.imported = slices.Clone(data)
	return nil
}
