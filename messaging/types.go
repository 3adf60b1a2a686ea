// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// Event represents a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id,omitzero"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender,omitzero"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitzero"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`

	// Decrypted is set on an event that arrived as m.room.encrypted
	// and was replaced by its plaintext.
	Decrypted bool `json:"-"`

	// DecryptionFailure holds the reason an encrypted event could not
	// be decrypted. The event itself is left as ciphertext.
	DecryptionFailure string `json:"-"`
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64          `json:"age,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	PrevContent   map[string]any `json:"prev_content,omitempty"`
}

// Well-known event types the engine interprets.
const (
	EventTypeEncrypted      ref.EventType = "m.room.encrypted"
	EventTypeEncryption     ref.EventType = "m.room.encryption"
	EventTypeMember         ref.EventType = "m.room.member"
	EventTypeName           ref.EventType = "m.room.name"
	EventTypeTopic          ref.EventType = "m.room.topic"
	EventTypeCanonicalAlias ref.EventType = "m.room.canonical_alias"
	EventTypePowerLevels    ref.EventType = "m.room.power_levels"
	EventTypeMessage        ref.EventType = "m.room.message"
	EventTypeTyping         ref.EventType = "m.typing"
	EventTypeReceipt        ref.EventType = "m.receipt"
	EventTypeRoomKey        ref.EventType = "m.room_key"
)

// ContentAs decodes an event's content into T:
//
//	levels, err := messaging.ContentAs[messaging.PowerLevels](event)
func ContentAs[T any](event Event) (T, error) {
	var result T
	encoded, err := json.Marshal(event.Content)
	if err != nil {
		return result, fmt.Errorf("encoding %s content: %w", event.Type, err)
	}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return result, fmt.Errorf("decoding %s content: %w", event.Type, err)
	}
	return result, nil
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password,omitempty"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// UserIdentifier names the account in a LoginRequest.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// CreateRoomRequest holds parameters for creating a Matrix room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Alias                     string         `json:"room_alias_name,omitempty"` // local alias without # or :server
	RoomVersion               string         `json:"room_version,omitempty"`    // e.g. "11"; empty uses server default
	Visibility                string         `json:"visibility,omitempty"`      // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`          // "private_chat", "public_chat", "trusted_private_chat"
	Invite                    []ref.UserID   `json:"invite,omitempty"`
	IsDirect                  bool           `json:"is_direct,omitempty"`
	CreationContent           map[string]any `json:"creation_content,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// StateEvent is a state event in a CreateRoomRequest's initial state.
type StateEvent struct {
	Type     ref.EventType `json:"type"`
	StateKey string        `json:"state_key"`
	Content  any           `json:"content"`
}

// EncryptionState returns the m.room.encryption initial state event
// for the given algorithm.
func EncryptionState(algorithm string) StateEvent {
	return StateEvent{
		Type:    EventTypeEncryption,
		Content: map[string]any{"algorithm": algorithm},
	}
}

// RoomMessagesOptions controls pagination for room message fetching.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	To        string
	Direction string // "b" (backward/older) or "f" (forward/newer); empty means "b"
	Limit     int    // max events to return; 0 uses server default
	Filter    string // inline JSON RoomEventFilter
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	// Since is the next_batch token to resume from. Empty uses the
	// client's current cursor, which is empty before the first sync.
	Since string

	// Timeout is the long-poll timeout. It is also attached to the
	// request as advisory metadata for the caller's transport.
	Timeout time.Duration

	// SetTimeout sends the timeout parameter even when Timeout is
	// zero, to distinguish "return immediately" from "server default".
	SetTimeout bool

	// Filter is a filter ID or an inline JSON filter.
	Filter string

	FullState bool

	// SetPresence is "online", "offline", or "unavailable"; empty
	// leaves the server default.
	SetPresence string
}

// SyncPayload is the body of a /sync response.
type SyncPayload struct {
	NextBatch              string         `json:"next_batch"`
	Rooms                  RoomsSection   `json:"rooms"`
	Presence               EventsSection  `json:"presence"`
	AccountData            EventsSection  `json:"account_data"`
	ToDevice               EventsSection  `json:"to_device"`
	DeviceLists            DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// EventCount returns the number of events the payload carries across
// every section.
func (p *SyncPayload) EventCount() int {
	count := len(p.ToDevice.Events) + len(p.Presence.Events) + len(p.AccountData.Events)
	for _, room := range p.Rooms.Invite {
		count += len(room.InviteState.Events)
	}
	for _, room := range p.Rooms.Join {
		count += len(room.State.Events) + len(room.Timeline.Events) +
			len(room.Ephemeral.Events) + len(room.AccountData.Events)
	}
	for _, room := range p.Rooms.Leave {
		count += len(room.State.Events) + len(room.Timeline.Events)
	}
	return count
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoomUpdate  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoomUpdate `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoomUpdate    `json:"leave,omitempty"`
}

// JoinedRoomUpdate contains sync data for a room the user has joined.
type JoinedRoomUpdate struct {
	Summary             *RoomSummaryUpdate        `json:"summary,omitempty"`
	State               EventsSection             `json:"state"`
	Timeline            TimelineSection           `json:"timeline"`
	Ephemeral           EventsSection             `json:"ephemeral"`
	AccountData         EventsSection             `json:"account_data"`
	UnreadNotifications *UnreadNotificationCounts `json:"unread_notifications,omitempty"`
}

// InvitedRoomUpdate contains sync data for a room the user was invited to.
type InvitedRoomUpdate struct {
	InviteState EventsSection `json:"invite_state"`
}

// LeftRoomUpdate contains sync data for a room the user has left.
type LeftRoomUpdate struct {
	State    EventsSection   `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// RoomSummaryUpdate carries the fields of a room summary that changed.
// Absent counts are nil.
type RoomSummaryUpdate struct {
	Heroes             []ref.UserID `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int         `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int         `json:"m.invited_member_count,omitempty"`
}

// UnreadNotificationCounts are the per-room notification counters.
type UnreadNotificationCounts struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// EventsSection is any sync section that is a bare list of events.
type EventsSection struct {
	Events []Event `json:"events"`
}

// DeviceLists names users whose device lists changed, and users with
// whom the account no longer shares an encrypted room.
type DeviceLists struct {
	Changed []ref.UserID `json:"changed,omitempty"`
	Left    []ref.UserID `json:"left,omitempty"`
}

// InviteRequest holds the user ID to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// KickRequest is the request body for kicking a user from a room.
type KickRequest struct {
	UserID ref.UserID `json:"user_id"`
	Reason string     `json:"reason,omitempty"`
}

// RedactRequest is the request body for redacting an event.
type RedactRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TypingRequest is the request body for a typing notification.
type TypingRequest struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout,omitempty"` // milliseconds
}

// ReadMarkersRequest moves the fully-read marker and the public read
// receipt of a room.
type ReadMarkersRequest struct {
	FullyRead ref.EventID `json:"m.fully_read,omitzero"`
	Read      ref.EventID `json:"m.read,omitzero"`
}

// DisplayNameRequest is the body of a displayname update.
type DisplayNameRequest struct {
	DisplayName string `json:"displayname"`
}

// JoinedMember is one entry of the /joined_members response.
type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// DeviceInfo is one device of the account as listed by /devices.
type DeviceInfo struct {
	DeviceID    ref.DeviceID `json:"device_id"`
	DisplayName string       `json:"display_name,omitempty"`
	LastSeenIP  string       `json:"last_seen_ip,omitempty"`
	LastSeenTS  int64        `json:"last_seen_ts,omitempty"`
}

// AuthFlow is one user-interactive authentication flow the server
// offers.
type AuthFlow struct {
	Stages []string `json:"stages"`
}

// DeviceKeys is the signed identity of one device, as uploaded by the
// owner and returned by /keys/query.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   ref.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any               `json:"unsigned,omitempty"`
}

// KeysUploadRequest is the body of /keys/upload.
type KeysUploadRequest struct {
	DeviceKeys  *DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys map[string]OneTimeKey `json:"one_time_keys,omitempty"`
}

// OneTimeKey is a one-time key as uploaded or claimed. Unsigned keys
// travel as a bare string; signed keys as an object.
type OneTimeKey struct {
	Key        string
	Signatures map[string]map[string]string
}

func (k OneTimeKey) MarshalJSON() ([]byte, error) {
	if k.Signatures == nil {
		return json.Marshal(k.Key)
	}
	return json.Marshal(struct {
		Key        string                       `json:"key"`
		Signatures map[string]map[string]string `json:"signatures"`
	}{k.Key, k.Signatures})
}

func (k *OneTimeKey) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*k = OneTimeKey{Key: key}
		return nil
	}
	var signed struct {
		Key        string                       `json:"key"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(data, &signed); err != nil {
		return fmt.Errorf("one-time key is neither a string nor an object: %w", err)
	}
	*k = OneTimeKey{Key: signed.Key, Signatures: signed.Signatures}
	return nil
}

// DeviceKey identifies one device of one user.
type DeviceKey struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
}

func (k DeviceKey) String() string {
	return k.UserID.String() + "/" + k.DeviceID.String()
}
