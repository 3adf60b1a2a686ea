// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/mxengine/lib/clock"
	"github.com/bureau-foundation/mxengine/lib/ref"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Logger is used for structured logging. If nil, logs are discarded.
	Logger *slog.Logger

	// Clock stamps requests and responses. If nil, the real clock.
	Clock clock.Clock

	// Crypto is the end-to-end encryption backend. If nil, every
	// encryption operation fails with ErrStoreNotLoaded and encrypted
	// events are retained as ciphertext.
	Crypto CryptoGateway

	// Store persists the session, the encrypted room set, and the
	// crypto state. If nil, a MemoryStore is used.
	Store Store

	// MetricsRegisterer receives the engine's collectors. If nil they
	// are not registered.
	MetricsRegisterer prometheus.Registerer

	// RetainLeftRooms keeps rooms the account left, readable through
	// ProtocolState.LeftRoom.
	RetainLeftRooms bool

	// DeviceDisplayName is sent as the initial device display name on
	// login.
	DeviceDisplayName string
}

// Client applies typed responses to a ProtocolState. It performs no
// I/O of its own besides calls to the configured Store; HTTPClient adds
// request building and transport framing on top.
//
// Client is not safe for concurrent use. Serialize all calls, for
// example with one mutex around the engine.
type Client struct {
	state   *ProtocolState
	crypto  CryptoGateway
	store   Store
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics

	deviceDisplayName string

	// encryptedRoomsDirty is set while the store lacks a room the
	// state knows to be encrypted.
	encryptedRoomsDirty bool

	// storeLoaded is set once the store has been read after a login
	// or a restore and the crypto backend is bound to the identity.
	storeLoaded bool
}

// NewClient creates a Client with empty state.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	store := config.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Client{
		state:             NewProtocolState(config.Crypto, config.RetainLeftRooms),
		crypto:            config.Crypto,
		store:             store,
		logger:            logger,
		clock:             clk,
		metrics:           newMetrics(config.MetricsRegisterer),
		deviceDisplayName: config.DeviceDisplayName,
	}
}

// State returns the protocol state. Treat it as read-only.
func (c *Client) State() *ProtocolState { return c.state }

// Snapshot returns the process identity for persistence.
func (c *Client) Snapshot() Snapshot {
	return Snapshot{
		UserID:      c.state.userID,
		DeviceID:    c.state.deviceID,
		AccessToken: c.state.bearerToken(),
		NextBatch:   c.state.nextBatch,
	}
}

// RestoreSession resumes a saved session without logging in: the
// identity and cursor are taken from the snapshot and the store is
// loaded as after a login. On error the state is unchanged.
func (c *Client) RestoreSession(snapshot Snapshot) error {
	if err := c.adoptIdentity(snapshot.UserID, snapshot.DeviceID, snapshot.AccessToken, snapshot.NextBatch); err != nil {
		return err
	}
	c.logger.Info("restored matrix session",
		"user_id", snapshot.UserID,
		"device_id", snapshot.DeviceID,
		"next_batch", c.state.nextBatch,
	)
	return nil
}

// RestoreFromStore restores the session the store holds, if any.
func (c *Client) RestoreFromStore() (bool, error) {
	snapshot, found, err := c.store.LoadSession()
	if err != nil {
		return false, fmt.Errorf("messaging: loading session: %w", err)
	}
	if !found || snapshot.AccessToken == "" {
		return false, nil
	}
	if err := c.RestoreSession(snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the protected access token memory. The client is not
// logged in afterwards.
func (c *Client) Close() {
	c.state.close()
	c.storeLoaded = false
}

// ReceiveResponse applies a typed response to the state. Sync
// responses go through the sync applier; other kinds update the state
// and the crypto backend directly. Error responses change nothing.
func (c *Client) ReceiveResponse(response Response) error {
	switch response := response.(type) {
	case *LoginResponse:
		return c.applyLogin(response)

	case *LogoutResponse:
		return c.applyLogout()

	case *SyncResponse:
		return c.applySync(&response.SyncPayload, true)

	case *PartialSyncResponse:
		return c.applySync(&response.SyncPayload, !response.More)

	case *RoomLeaveResponse:
		c.state.RemoveRoom(response.RoomID)
		return nil

	case *JoinedMembersResponse:
		return c.applyJoinedMembers(response)

	case *RoomMessagesResponse:
		c.decryptRoomEvents(response.RoomID, response.Chunk)
		return c.persistCrypto()

	case *KeysUploadResponse:
		if c.crypto == nil {
			return nil
		}
		c.crypto.UpdateOneTimeKeyCounts(response.OneTimeKeyCounts)
		return c.persistCrypto()

	case *KeysQueryResponse:
		return c.applyKeysQuery(response)

	case *KeysClaimResponse:
		if c.crypto == nil {
			return nil
		}
		if err := c.crypto.ReceiveKeysClaim(response.OneTimeKeys); err != nil {
			return fmt.Errorf("messaging: applying claimed keys for %s: %w", response.RoomID, err)
		}
		return c.persistCrypto()

	case *ShareGroupSessionResponse:
		if c.crypto == nil {
			return nil
		}
		c.crypto.MarkGroupSessionShared(response.RoomID, response.Recipients)
		c.logger.Debug("group session shared",
			"room_id", response.RoomID,
			"session_id", response.SessionID,
			"recipients", len(response.Recipients),
		)
		return c.persistCrypto()

	case *ErrorResponse:
		c.logger.Warn("request failed",
			"kind", response.Kind,
			"request_id", response.ID,
			"status", response.StatusCode,
			"errcode", response.Err.Code,
			"error", response.Err.Message,
		)
		return nil
	}
	return nil
}

func (c *Client) applyLogin(response *LoginResponse) error {
	if err := c.adoptIdentity(response.UserID, response.DeviceID, response.AccessToken, ""); err != nil {
		return err
	}
	c.logger.Info("logged in to matrix",
		"user_id", response.UserID,
		"device_id", response.DeviceID,
	)
	return nil
}

// applyLogout drops everything tied to the old identity: the state,
// the crypto backend's keys, and the stored session, so neither a later
// login nor a restart picks them up.
func (c *Client) applyLogout() error {
	c.logger.Info("logged out", "user_id", c.state.userID)
	c.state.reset()
	c.storeLoaded = false
	c.encryptedRoomsDirty = false

	var errs []error
	if c.crypto != nil {
		if err := c.crypto.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("messaging: resetting crypto: %w", err))
		}
	}
	if err := c.store.SaveSession(Snapshot{}); err != nil {
		errs = append(errs, fmt.Errorf("messaging: clearing session: %w", err))
	}
	return errors.Join(errs...)
}

// adoptIdentity records a login identity together with what the store
// holds for it. cursor, when set, replaces the stored cursor. The state
// changes only once every step has succeeded.
func (c *Client) adoptIdentity(userID ref.UserID, deviceID ref.DeviceID, accessToken, cursor string) error {
	if err := c.state.checkLogin(userID, deviceID, accessToken); err != nil {
		return err
	}
	token, err := protectToken(accessToken)
	if err != nil {
		return err
	}

	if c.state.LoggedIn() {
		// Same identity: only the token and possibly the cursor change.
		if cursor == "" {
			cursor = c.state.nextBatch
		}
		if err := c.store.SaveSession(Snapshot{UserID: userID, DeviceID: deviceID, AccessToken: accessToken, NextBatch: cursor}); err != nil {
			token.Close()
			return fmt.Errorf("messaging: saving session: %w", err)
		}
		c.state.commitLogin(userID, deviceID, token)
		c.state.nextBatch = cursor
		return nil
	}

	saved, err := c.loadStore(userID, deviceID)
	if err == nil && cursor == "" {
		cursor = saved.nextBatch
	}
	if err == nil {
		err = c.bindCrypto(userID, deviceID, saved.cryptoState)
	}
	if err == nil {
		if saveErr := c.store.SaveSession(Snapshot{UserID: userID, DeviceID: deviceID, AccessToken: accessToken, NextBatch: cursor}); saveErr != nil {
			err = fmt.Errorf("messaging: saving session: %w", saveErr)
		}
	}
	if err != nil {
		token.Close()
		if c.crypto != nil {
			if resetErr := c.crypto.Reset(); resetErr != nil {
				c.logger.Warn("resetting crypto after a failed login", "error", resetErr)
			}
		}
		return err
	}

	c.state.commitLogin(userID, deviceID, token)
	c.state.nextBatch = cursor
	for _, roomID := range saved.encryptedRooms {
		c.state.MarkRoomEncrypted(roomID)
	}
	c.storeLoaded = c.crypto != nil
	return nil
}

// storedSession is what the store holds for one identity.
type storedSession struct {
	nextBatch      string
	encryptedRooms []ref.RoomID
	cryptoState    []byte
}

// loadStore reads the store for an identity. The cursor, encrypted room
// set, and crypto state are taken only when the saved session belongs
// to the same user and device; another account's data is ignored.
func (c *Client) loadStore(userID ref.UserID, deviceID ref.DeviceID) (storedSession, error) {
	snapshot, found, err := c.store.LoadSession()
	if err != nil {
		return storedSession{}, fmt.Errorf("messaging: loading session: %w", err)
	}
	if !found || snapshot.UserID != userID || snapshot.DeviceID != deviceID {
		if found && !snapshot.UserID.IsZero() {
			c.logger.Info("stored session belongs to another identity, starting fresh",
				"stored_user_id", snapshot.UserID,
				"stored_device_id", snapshot.DeviceID,
			)
		}
		return storedSession{}, nil
	}

	saved := storedSession{nextBatch: snapshot.NextBatch}
	saved.encryptedRooms, err = c.store.LoadEncryptedRooms()
	if err != nil {
		return storedSession{}, fmt.Errorf("messaging: loading encrypted rooms: %w", err)
	}
	if c.crypto != nil {
		saved.cryptoState, err = c.store.LoadCryptoState()
		if err != nil {
			return storedSession{}, fmt.Errorf("messaging: loading crypto state: %w", err)
		}
	}
	return saved, nil
}

// bindCrypto imports the stored crypto state, if any, and binds the
// backend to the identity.
func (c *Client) bindCrypto(userID ref.UserID, deviceID ref.DeviceID, state []byte) error {
	if c.crypto == nil {
		return nil
	}
	if len(state) > 0 {
		if err := c.crypto.Import(state); err != nil {
			return fmt.Errorf("messaging: importing crypto state: %w", err)
		}
	}
	if err := c.crypto.Bind(userID, deviceID); err != nil {
		return fmt.Errorf("messaging: binding crypto to %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

func (c *Client) saveSession() error {
	if err := c.store.SaveSession(c.Snapshot()); err != nil {
		return fmt.Errorf("messaging: saving session: %w", err)
	}
	return nil
}

// persistCrypto saves the crypto state after a mutation.
func (c *Client) persistCrypto() error {
	if c.crypto == nil || !c.storeLoaded {
		return nil
	}
	data, err := c.crypto.Export()
	if err != nil {
		return fmt.Errorf("messaging: exporting crypto state: %w", err)
	}
	if err := c.store.SaveCryptoState(data); err != nil {
		return fmt.Errorf("messaging: saving crypto state: %w", err)
	}
	return nil
}

func (c *Client) applyJoinedMembers(response *JoinedMembersResponse) error {
	room, ok := c.state.Room(response.RoomID)
	if !ok {
		c.logger.Debug("joined members for unknown room", "room_id", response.RoomID)
		return nil
	}
	for userID, member := range response.Members {
		room.Members[userID] = &Member{
			UserID:      userID,
			DisplayName: member.DisplayName,
			AvatarURL:   member.AvatarURL,
			Membership:  MembershipJoin,
		}
	}
	if room.Encrypted && c.crypto != nil {
		c.crypto.TrackUsers(room.ActiveMembers())
		return c.persistCrypto()
	}
	return nil
}

// applyKeysQuery folds queried device keys into the crypto backend.
// Rooms shared with a user whose device set changed get their outbound
// session invalidated, so new devices receive the next key.
func (c *Client) applyKeysQuery(response *KeysQueryResponse) error {
	if c.crypto == nil {
		return nil
	}
	response.Changed = c.crypto.ReceiveKeysQuery(response.DeviceKeys)
	for _, userID := range response.Changed {
		for _, roomID := range c.state.EncryptedRoomsWith(userID) {
			c.state.InvalidateOutboundSession(roomID)
		}
	}
	return c.persistCrypto()
}

// requireCrypto is the store-loaded precondition of every encryption
// operation.
func (c *Client) requireCrypto() error {
	if c.crypto == nil || !c.storeLoaded {
		return ErrStoreNotLoaded
	}
	return nil
}

func (c *Client) requireLogin() error {
	if !c.state.LoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

// VerifyDevice marks a device verified.
func (c *Client) VerifyDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	return c.setDeviceTrust(userID, deviceID, TrustVerified)
}

// UnverifyDevice clears a device's verification.
func (c *Client) UnverifyDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	return c.setDeviceTrust(userID, deviceID, TrustUnset)
}

// BlacklistDevice excludes a device from future key shares.
func (c *Client) BlacklistDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	return c.setDeviceTrust(userID, deviceID, TrustBlacklisted)
}

// UnblacklistDevice returns a blacklisted device to unset trust.
func (c *Client) UnblacklistDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	return c.setDeviceTrust(userID, deviceID, TrustUnset)
}

// setDeviceTrust changes a device's trust and invalidates the outbound
// session of every encrypted room the device's owner is a member of.
func (c *Client) setDeviceTrust(userID ref.UserID, deviceID ref.DeviceID, trust TrustState) error {
	if err := c.requireCrypto(); err != nil {
		return err
	}
	if err := c.crypto.SetDeviceTrust(userID, deviceID, trust); err != nil {
		return fmt.Errorf("messaging: setting trust of %s/%s: %w", userID, deviceID, err)
	}
	rooms := c.state.EncryptedRoomsWith(userID)
	for _, roomID := range rooms {
		c.state.InvalidateOutboundSession(roomID)
	}
	c.logger.Info("device trust changed",
		"user_id", userID,
		"device_id", deviceID,
		"trust", trust,
		"invalidated_rooms", len(rooms),
	)
	return c.persistCrypto()
}

// ShouldUploadKeys reports whether the account's device or one-time
// keys need uploading.
func (c *Client) ShouldUploadKeys() bool {
	return c.requireCrypto() == nil && c.crypto.ShouldUploadKeys()
}

// ShouldQueryKeys reports whether a tracked user's device list is
// outdated.
func (c *Client) ShouldQueryKeys() bool {
	return c.requireCrypto() == nil && len(c.crypto.UsersNeedingKeyQuery()) > 0
}

// MissingSessions returns the devices of the room's members that have
// no pairwise session yet.
func (c *Client) MissingSessions(roomID ref.RoomID) (map[ref.UserID][]ref.DeviceID, error) {
	room, err := c.encryptedRoom(roomID)
	if err != nil {
		return nil, err
	}
	return c.crypto.MissingSessions(room.ActiveMembers()), nil
}

// encryptedRoom returns a joined encrypted room, checking the crypto
// precondition first.
func (c *Client) encryptedRoom(roomID ref.RoomID) (*Room, error) {
	if err := c.requireCrypto(); err != nil {
		return nil, err
	}
	room, ok := c.state.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if !room.Encrypted {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotEncrypted, roomID)
	}
	return room, nil
}
