// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/messaging"
)

func (b *Backend) UsersNeedingKeyQuery() []ref.UserID {
	var users []ref.UserID
	for userID, outdated := range b.tracked {
		if outdated {
			users = append(users, userID)
		}
	}
	sortUserIDs(users)
	return users
}

func (b *Backend) TrackUsers(users []ref.UserID) {
	for _, userID := range users {
		if _, tracked := b.tracked[userID]; !tracked {
			b.tracked[userID] = true
		}
	}
}

func (b *Backend) MarkDevicesChanged(users []ref.UserID) {
	for _, userID := range users {
		if _, tracked := b.tracked[userID]; tracked {
			b.tracked[userID] = true
		}
	}
}

func (b *Backend) DeviceTrust(userID ref.UserID, deviceID ref.DeviceID) messaging.TrustState {
	if known, ok := b.devices[userID][deviceID]; ok {
		return known.trust
	}
	return messaging.TrustUnset
}

func (b *Backend) SetDeviceTrust(userID ref.UserID, deviceID ref.DeviceID, trust messaging.TrustState) error {
	known, ok := b.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("memcrypto: unknown device %s/%s", userID, deviceID)
	}
	known.trust = trust
	return nil
}

// Devices returns the user's devices sorted by device id.
func (b *Backend) Devices(userID ref.UserID) []messaging.Device {
	deviceIDs := slices.Collect(maps.Keys(b.devices[userID]))
	sortDeviceIDs(deviceIDs)
	result := make([]messaging.Device, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		known := b.devices[userID][deviceID]
		result = append(result, messaging.Device{
			UserID:      userID,
			DeviceID:    deviceID,
			DisplayName: known.displayName,
			IdentityKey: known.identityKey,
			SigningKey:  known.signingKey,
			Trust:       known.trust,
		})
	}
	return result
}

// ReceiveKeysQuery replaces the device lists of the users in the
// response. Devices whose keys are not self-signed are skipped, and a
// device whose signing key changed keeps its previous keys. The
// account's own device is never stored.
func (b *Backend) ReceiveKeysQuery(deviceKeys map[ref.UserID]map[ref.DeviceID]messaging.DeviceKeys) []ref.UserID {
	var changed []ref.UserID
	for userID, devices := range deviceKeys {
		if _, tracked := b.tracked[userID]; tracked {
			b.tracked[userID] = false
		}
		previous := b.devices[userID]
		current := make(map[ref.DeviceID]*device, len(devices))
		for deviceID, keys := range devices {
			if userID == b.userID && deviceID == b.deviceID {
				continue
			}
			verified, err := validateDeviceKeys(userID, deviceID, keys)
			if err != nil {
				b.logger.Warn("ignoring device keys",
					"user_id", userID,
					"device_id", deviceID,
					"error", err,
				)
				continue
			}
			if known, ok := previous[deviceID]; ok {
				if known.signingKey != verified.signingKey {
					b.logger.Warn("device signing key changed, keeping the known key",
						"user_id", userID,
						"device_id", deviceID,
					)
					current[deviceID] = known
					continue
				}
				verified.trust = known.trust
			}
			current[deviceID] = verified
		}

		if !sameDeviceSet(previous, current) {
			changed = append(changed, userID)
		}
		if len(current) == 0 {
			delete(b.devices, userID)
		} else {
			b.devices[userID] = current
		}
	}
	sortUserIDs(changed)
	return changed
}

func validateDeviceKeys(userID ref.UserID, deviceID ref.DeviceID, keys messaging.DeviceKeys) (*device, error) {
	if keys.UserID != userID || keys.DeviceID != deviceID {
		return nil, fmt.Errorf("keys are for %s/%s", keys.UserID, keys.DeviceID)
	}
	identityKey := keys.Keys["curve25519:"+deviceID.String()]
	signingKey := keys.Keys["ed25519:"+deviceID.String()]
	if identityKey == "" || signingKey == "" {
		return nil, fmt.Errorf("missing curve25519 or ed25519 key")
	}
	if err := verifySignature(keys, keys.Signatures, userID, deviceID, signingKey); err != nil {
		return nil, err
	}
	verified := &device{identityKey: identityKey, signingKey: signingKey}
	if name, ok := keys.Unsigned["device_display_name"].(string); ok {
		verified.displayName = name
	}
	return verified, nil
}

func sameDeviceSet(previous, current map[ref.DeviceID]*device) bool {
	if len(previous) != len(current) {
		return false
	}
	for deviceID := range current {
		if _, ok := previous[deviceID]; !ok {
			return false
		}
	}
	return true
}
