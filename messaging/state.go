// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/secret"
)

// ProtocolState is the client-side view of the account: login
// identity, sync cursor, joined and invited rooms, and the set of
// encrypted rooms. It is mutated only by Client while applying
// responses; callers read it through Client.State.
type ProtocolState struct {
	userID      ref.UserID
	deviceID    ref.DeviceID
	accessToken *secret.Buffer
	nextBatch   string

	rooms     map[ref.RoomID]*Room
	invites   map[ref.RoomID]*InvitedRoom
	leftRooms map[ref.RoomID]*Room

	retainLeftRooms bool

	// encryptedRooms outlives Room values: it is loaded from the store
	// before the first sync creates the rooms it names.
	encryptedRooms map[ref.RoomID]struct{}

	crypto CryptoGateway
}

// NewProtocolState returns an empty state. crypto may be nil.
func NewProtocolState(crypto CryptoGateway, retainLeftRooms bool) *ProtocolState {
	return &ProtocolState{
		rooms:           make(map[ref.RoomID]*Room),
		invites:         make(map[ref.RoomID]*InvitedRoom),
		leftRooms:       make(map[ref.RoomID]*Room),
		retainLeftRooms: retainLeftRooms,
		encryptedRooms:  make(map[ref.RoomID]struct{}),
		crypto:          crypto,
	}
}

// RecordLogin sets the login identity. Recording the same user and
// device again is accepted and replaces the access token; a different
// identity fails with ErrIdentityMismatch. On error nothing changes.
func (s *ProtocolState) RecordLogin(userID ref.UserID, deviceID ref.DeviceID, accessToken string) error {
	if err := s.checkLogin(userID, deviceID, accessToken); err != nil {
		return err
	}
	token, err := protectToken(accessToken)
	if err != nil {
		return err
	}
	s.commitLogin(userID, deviceID, token)
	return nil
}

// checkLogin reports whether RecordLogin would accept the identity.
func (s *ProtocolState) checkLogin(userID ref.UserID, deviceID ref.DeviceID, accessToken string) error {
	if userID.IsZero() || deviceID.IsZero() || accessToken == "" {
		return fmt.Errorf("messaging: login identity requires user ID, device ID, and access token")
	}
	if s.LoggedIn() && (s.userID != userID || s.deviceID != deviceID) {
		return fmt.Errorf("%w: recorded %s/%s, got %s/%s",
			ErrIdentityMismatch, s.userID, s.deviceID, userID, deviceID)
	}
	return nil
}

func protectToken(accessToken string) (*secret.Buffer, error) {
	token, err := secret.NewFromBytes([]byte(accessToken))
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return token, nil
}

// commitLogin installs an identity that passed checkLogin. The state
// takes ownership of token.
func (s *ProtocolState) commitLogin(userID ref.UserID, deviceID ref.DeviceID, token *secret.Buffer) {
	if s.accessToken != nil {
		s.accessToken.Close()
	}
	s.userID = userID
	s.deviceID = deviceID
	s.accessToken = token
}

// reset returns the state to what NewProtocolState built: no identity,
// no cursor, no rooms, and no encrypted room set.
func (s *ProtocolState) reset() {
	s.close()
	*s = *NewProtocolState(s.crypto, s.retainLeftRooms)
}

// LoggedIn reports whether a login identity is recorded.
func (s *ProtocolState) LoggedIn() bool { return s.accessToken != nil }

func (s *ProtocolState) UserID() ref.UserID     { return s.userID }
func (s *ProtocolState) DeviceID() ref.DeviceID { return s.deviceID }

// NextBatch is the sync cursor: the token of the last fully applied
// sync.
func (s *ProtocolState) NextBatch() string { return s.nextBatch }

func (s *ProtocolState) bearerToken() string {
	if s.accessToken == nil {
		return ""
	}
	return s.accessToken.String()
}

// GetOrCreateRoom returns the joined room, creating it on first
// sighting.
func (s *ProtocolState) GetOrCreateRoom(roomID ref.RoomID) *Room {
	if room, ok := s.rooms[roomID]; ok {
		return room
	}
	room := newRoom(roomID)
	if _, encrypted := s.encryptedRooms[roomID]; encrypted {
		room.Encrypted = true
	}
	s.rooms[roomID] = room
	delete(s.leftRooms, roomID)
	return room
}

// PromoteInviteToRoom drops the invite for roomID and returns the
// joined room. Promoting an absent invite just creates the room.
func (s *ProtocolState) PromoteInviteToRoom(roomID ref.RoomID) *Room {
	delete(s.invites, roomID)
	return s.GetOrCreateRoom(roomID)
}

// RemoveRoom drops a joined room or a pending invite. With left-room
// retention the room moves to the left set.
func (s *ProtocolState) RemoveRoom(roomID ref.RoomID) {
	delete(s.invites, roomID)
	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(s.rooms, roomID)
	if s.retainLeftRooms {
		s.leftRooms[roomID] = room
	}
}

func (s *ProtocolState) getOrCreateInvite(roomID ref.RoomID) *InvitedRoom {
	if invite, ok := s.invites[roomID]; ok {
		return invite
	}
	invite := &InvitedRoom{ID: roomID}
	s.invites[roomID] = invite
	return invite
}

// Room returns a joined room.
func (s *ProtocolState) Room(roomID ref.RoomID) (*Room, bool) {
	room, ok := s.rooms[roomID]
	return room, ok
}

// Rooms returns the joined rooms sorted by ID.
func (s *ProtocolState) Rooms() []*Room {
	ids := slices.Collect(maps.Keys(s.rooms))
	sortRoomIDs(ids)
	rooms := make([]*Room, len(ids))
	for index, id := range ids {
		rooms[index] = s.rooms[id]
	}
	return rooms
}

// Invite returns a pending invite.
func (s *ProtocolState) Invite(roomID ref.RoomID) (*InvitedRoom, bool) {
	invite, ok := s.invites[roomID]
	return invite, ok
}

// Invites returns the pending invites sorted by room ID.
func (s *ProtocolState) Invites() []*InvitedRoom {
	ids := slices.Collect(maps.Keys(s.invites))
	sortRoomIDs(ids)
	invites := make([]*InvitedRoom, len(ids))
	for index, id := range ids {
		invites[index] = s.invites[id]
	}
	return invites
}

// LeftRoom returns a retained left room.
func (s *ProtocolState) LeftRoom(roomID ref.RoomID) (*Room, bool) {
	room, ok := s.leftRooms[roomID]
	return room, ok
}

// MarkRoomEncrypted records that roomID is encrypted. The transition
// is one-way. It reports whether the room was newly recorded.
func (s *ProtocolState) MarkRoomEncrypted(roomID ref.RoomID) bool {
	if room, ok := s.rooms[roomID]; ok {
		room.Encrypted = true
	}
	if _, known := s.encryptedRooms[roomID]; known {
		return false
	}
	s.encryptedRooms[roomID] = struct{}{}
	return true
}

// IsRoomEncrypted reports whether roomID was ever seen encrypted.
func (s *ProtocolState) IsRoomEncrypted(roomID ref.RoomID) bool {
	_, ok := s.encryptedRooms[roomID]
	return ok
}

// EncryptedRooms returns every room known to be encrypted, sorted.
func (s *ProtocolState) EncryptedRooms() []ref.RoomID {
	ids := slices.Collect(maps.Keys(s.encryptedRooms))
	sortRoomIDs(ids)
	return ids
}

// RoomContainsUnverifiedDevice reports whether any device of an active
// member, other than this device, has unset trust, or whether a
// member's device list is still unresolved (awaiting a key query).
// Unencrypted rooms and clients without crypto report false.
func (s *ProtocolState) RoomContainsUnverifiedDevice(roomID ref.RoomID) bool {
	room, ok := s.rooms[roomID]
	if !ok || !room.Encrypted || s.crypto == nil {
		return false
	}
	unresolved := make(map[ref.UserID]struct{})
	for _, userID := range s.crypto.UsersNeedingKeyQuery() {
		unresolved[userID] = struct{}{}
	}
	for _, userID := range room.ActiveMembers() {
		if _, pending := unresolved[userID]; pending {
			return true
		}
		for _, device := range s.crypto.Devices(userID) {
			if userID == s.userID && device.DeviceID == s.deviceID {
				continue
			}
			if s.crypto.DeviceTrust(userID, device.DeviceID) == TrustUnset {
				return true
			}
		}
	}
	return false
}

// InvalidateOutboundSession retires the room's outbound group session.
// A session never shared is discarded outright. A shared one is kept
// but marked stale, so the next share replaces it instead of silently
// reusing a key some devices never received.
func (s *ProtocolState) InvalidateOutboundSession(roomID ref.RoomID) {
	if s.crypto == nil {
		return
	}
	info, ok := s.crypto.OutboundGroupSession(roomID)
	if !ok {
		return
	}
	if info.Shared {
		s.crypto.MarkOutboundGroupSessionStale(roomID)
	} else {
		s.crypto.DiscardOutboundGroupSession(roomID)
	}
}

// EncryptedRoomsWith returns the encrypted joined rooms where userID is
// an active member, sorted.
func (s *ProtocolState) EncryptedRoomsWith(userID ref.UserID) []ref.RoomID {
	var shared []ref.RoomID
	for id, room := range s.rooms {
		if room.Encrypted && room.HasActiveMember(userID) {
			shared = append(shared, id)
		}
	}
	sortRoomIDs(shared)
	return shared
}

// SharesEncryptedRoom reports whether userID is an active member of any
// encrypted joined room.
func (s *ProtocolState) SharesEncryptedRoom(userID ref.UserID) bool {
	for _, room := range s.rooms {
		if room.Encrypted && room.HasActiveMember(userID) {
			return true
		}
	}
	return false
}

// close releases the protected token memory.
func (s *ProtocolState) close() {
	if s.accessToken != nil {
		s.accessToken.Close()
		s.accessToken = nil
	}
}
