// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// applySync folds one sync payload into the state. Sections are applied
// in a fixed order: to-device events first (they may carry room keys the
// timeline needs), then invites, joins, leaves, and finally the crypto
// bookkeeping. The cursor moves to the payload's next_batch only when
// advance is set and every step succeeded.
//
// Events that fail to decrypt stay in place as ciphertext with
// DecryptionFailure set; they never abort the pass.
func (c *Client) applySync(payload *SyncPayload, advance bool) error {
	if payload.NextBatch != "" && payload.NextBatch == c.state.nextBatch {
		c.logger.Debug("sync already applied", "next_batch", payload.NextBatch)
		return nil
	}

	c.decryptToDevice(payload.ToDevice.Events)

	for _, roomID := range sortedKeys(payload.Rooms.Invite) {
		update := payload.Rooms.Invite[roomID]
		invite := c.state.getOrCreateInvite(roomID)
		for index := range update.InviteState.Events {
			invite.foldState(&update.InviteState.Events[index], c.state.userID)
		}
	}

	newlyEncrypted := make(map[ref.RoomID]struct{})
	for _, roomID := range sortedKeys(payload.Rooms.Join) {
		update := payload.Rooms.Join[roomID]
		c.applyJoinedRoom(roomID, &update, newlyEncrypted)
	}

	for _, roomID := range sortedKeys(payload.Rooms.Leave) {
		update := payload.Rooms.Leave[roomID]
		room, ok := c.state.rooms[roomID]
		if !ok {
			room, ok = c.state.leftRooms[roomID]
		}
		if ok {
			for index := range update.State.Events {
				room.foldState(&update.State.Events[index])
			}
			c.decryptRoomEvents(roomID, update.Timeline.Events)
			for index := range update.Timeline.Events {
				if update.Timeline.Events[index].IsState() {
					room.foldState(&update.Timeline.Events[index])
				}
			}
		}
		c.state.RemoveRoom(roomID)
	}

	if err := c.syncBookkeeping(payload, newlyEncrypted); err != nil {
		return err
	}
	c.metrics.syncEventsApplied.Add(float64(payload.EventCount()))

	if !advance {
		return nil
	}
	c.state.nextBatch = payload.NextBatch
	return c.saveSession()
}

// applyJoinedRoom applies one room of the join section. Timeline events
// are decrypted before state is folded from them, so an encrypted state
// event updates the room like a plaintext one would.
func (c *Client) applyJoinedRoom(roomID ref.RoomID, update *JoinedRoomUpdate, newlyEncrypted map[ref.RoomID]struct{}) {
	var room *Room
	if _, invited := c.state.invites[roomID]; invited {
		room = c.state.PromoteInviteToRoom(roomID)
	} else {
		room = c.state.GetOrCreateRoom(roomID)
	}

	for index := range update.State.Events {
		if room.foldState(&update.State.Events[index]) {
			newlyEncrypted[roomID] = struct{}{}
		}
	}
	if update.Summary != nil {
		room.applySummary(update.Summary)
	}

	events := update.Timeline.Events
	c.decryptRoomEvents(roomID, events)
	for index := range events {
		if events[index].IsState() && room.foldState(&events[index]) {
			newlyEncrypted[roomID] = struct{}{}
		}
	}
	if update.Timeline.PrevBatch != "" {
		room.PrevBatch = update.Timeline.PrevBatch
	}
	if update.UnreadNotifications != nil {
		room.Unread = *update.UnreadNotifications
	}

	for index := range update.Ephemeral.Events {
		room.applyEphemeral(&update.Ephemeral.Events[index])
	}

	if room.Encrypted && c.crypto != nil {
		c.crypto.TrackUsers(room.ActiveMembers())
	}
}

// decryptRoomEvents replaces each decryptable m.room.encrypted event
// with its plaintext at the same index. Failures are recorded on the
// event and counted.
func (c *Client) decryptRoomEvents(roomID ref.RoomID, events []Event) {
	for index := range events {
		event := &events[index]
		if event.Type != EventTypeEncrypted || event.Decrypted {
			continue
		}
		if c.crypto == nil || !c.storeLoaded {
			event.DecryptionFailure = ErrStoreNotLoaded.Error()
			c.metrics.decryptionFailures.Inc()
			continue
		}
		plain, err := c.crypto.DecryptRoomEvent(roomID, *event)
		if err != nil {
			event.DecryptionFailure = err.Error()
			c.metrics.decryptionFailures.Inc()
			c.logger.Debug("room event not decrypted",
				"room_id", roomID,
				"event_id", event.EventID,
				"error", err,
			)
			continue
		}
		plain.Decrypted = true
		plain.DecryptionFailure = ""
		events[index] = plain
	}
}

func (c *Client) decryptToDevice(events []Event) {
	for index := range events {
		event := &events[index]
		if event.Type != EventTypeEncrypted {
			continue
		}
		if c.crypto == nil || !c.storeLoaded {
			event.DecryptionFailure = ErrStoreNotLoaded.Error()
			c.metrics.decryptionFailures.Inc()
			continue
		}
		plain, ok := c.crypto.DecryptToDevice(*event)
		if !ok {
			event.DecryptionFailure = "to-device event not decrypted"
			c.metrics.decryptionFailures.Inc()
			c.logger.Debug("to-device event not decrypted", "sender", event.Sender)
			continue
		}
		plain.Decrypted = true
		events[index] = plain
	}
}

// syncBookkeeping records newly encrypted rooms, one-time key counts,
// and device-list changes, then persists the crypto state.
func (c *Client) syncBookkeeping(payload *SyncPayload, newlyEncrypted map[ref.RoomID]struct{}) error {
	for roomID := range newlyEncrypted {
		if c.state.MarkRoomEncrypted(roomID) {
			c.encryptedRoomsDirty = true
			c.logger.Info("room became encrypted", "room_id", roomID)
		}
	}
	// A failed save stays dirty so the retried sync saves again, even
	// though its rooms are no longer newly encrypted.
	if c.encryptedRoomsDirty {
		if err := c.store.SaveEncryptedRooms(c.state.EncryptedRooms()); err != nil {
			return fmt.Errorf("messaging: saving encrypted rooms: %w", err)
		}
		c.encryptedRoomsDirty = false
	}

	if c.crypto == nil {
		return nil
	}
	if payload.DeviceOneTimeKeysCount != nil {
		c.crypto.UpdateOneTimeKeyCounts(payload.DeviceOneTimeKeysCount)
	}

	var changed []ref.UserID
	for _, userID := range slices.Concat(payload.DeviceLists.Changed, payload.DeviceLists.Left) {
		if c.state.SharesEncryptedRoom(userID) && !slices.Contains(changed, userID) {
			changed = append(changed, userID)
		}
	}
	if len(changed) > 0 {
		c.crypto.MarkDevicesChanged(changed)
	}
	return c.persistCrypto()
}

func sortedKeys[V any](rooms map[ref.RoomID]V) []ref.RoomID {
	ids := slices.Collect(maps.Keys(rooms))
	sortRoomIDs(ids)
	return ids
}
