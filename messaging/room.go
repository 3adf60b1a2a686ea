// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"slices"
	"strings"

	"github.com/bureau-foundation/mxengine/lib/ref"
)

// Membership values of m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Member is one room member as folded from m.room.member state.
type Member struct {
	UserID      ref.UserID
	DisplayName string
	AvatarURL   string
	Membership  string
}

// PowerLevels is the content of m.room.power_levels.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
	Ban           int            `json:"ban"`
	Kick          int            `json:"kick"`
	Redact        int            `json:"redact"`
	Invite        int            `json:"invite"`
}

// UserLevel returns the power level of a user.
func (p PowerLevels) UserLevel(userID ref.UserID) int {
	if level, ok := p.Users[userID.String()]; ok {
		return level
	}
	return p.UsersDefault
}

// Receipt is the latest read receipt of one user.
type Receipt struct {
	EventID   ref.EventID
	Timestamp int64
}

// RoomSummary holds the counts and heroes a server sends for naming
// rooms without full membership.
type RoomSummary struct {
	Heroes             []ref.UserID
	JoinedMemberCount  int
	InvitedMemberCount int
}

// Room is a joined room. Rooms are created the first time a sync lists
// them as joined.
type Room struct {
	ID ref.RoomID

	// Encrypted never reverts once set.
	Encrypted           bool
	EncryptionAlgorithm string

	Name           string
	Topic          string
	CanonicalAlias string
	Members        map[ref.UserID]*Member
	PowerLevels    PowerLevels
	Summary        RoomSummary

	// Typing holds the users currently typing, as of the last m.typing.
	Typing   []ref.UserID
	Receipts map[ref.UserID]Receipt
	Unread   UnreadNotificationCounts

	// PrevBatch paginates backwards from the earliest event the last
	// sync delivered.
	PrevBatch string
}

func newRoom(id ref.RoomID) *Room {
	return &Room{
		ID:       id,
		Members:  make(map[ref.UserID]*Member),
		Receipts: make(map[ref.UserID]Receipt),
	}
}

// ActiveMembers returns the users whose membership is join or invite,
// sorted. These are the users whose devices receive room keys.
func (r *Room) ActiveMembers() []ref.UserID {
	members := make([]ref.UserID, 0, len(r.Members))
	for userID, member := range r.Members {
		if member.Membership == MembershipJoin || member.Membership == MembershipInvite {
			members = append(members, userID)
		}
	}
	sortUserIDs(members)
	return members
}

// HasActiveMember reports whether userID is joined or invited.
func (r *Room) HasActiveMember(userID ref.UserID) bool {
	member, ok := r.Members[userID]
	return ok && (member.Membership == MembershipJoin || member.Membership == MembershipInvite)
}

// foldState applies one state event and reports whether it turned
// encryption on.
func (r *Room) foldState(event *Event) bool {
	switch event.Type {
	case EventTypeEncryption:
		if r.Encrypted {
			return false
		}
		r.Encrypted = true
		r.EncryptionAlgorithm = contentString(event.Content, "algorithm")
		return true

	case EventTypeMember:
		if event.StateKey == nil {
			return false
		}
		userID, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return false
		}
		membership := contentString(event.Content, "membership")
		if membership == MembershipLeave || membership == MembershipBan {
			delete(r.Members, userID)
			return false
		}
		r.Members[userID] = &Member{
			UserID:      userID,
			DisplayName: contentString(event.Content, "displayname"),
			AvatarURL:   contentString(event.Content, "avatar_url"),
			Membership:  membership,
		}

	case EventTypeName:
		r.Name = contentString(event.Content, "name")
	case EventTypeTopic:
		r.Topic = contentString(event.Content, "topic")
	case EventTypeCanonicalAlias:
		r.CanonicalAlias = contentString(event.Content, "alias")

	case EventTypePowerLevels:
		levels, err := ContentAs[PowerLevels](*event)
		if err == nil {
			r.PowerLevels = levels
		}
	}
	return false
}

func (r *Room) applySummary(summary *RoomSummaryUpdate) {
	if summary.Heroes != nil {
		r.Summary.Heroes = slices.Clone(summary.Heroes)
	}
	if summary.JoinedMemberCount != nil {
		r.Summary.JoinedMemberCount = *summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount != nil {
		r.Summary.InvitedMemberCount = *summary.InvitedMemberCount
	}
}

func (r *Room) applyEphemeral(event *Event) {
	switch event.Type {
	case EventTypeTyping:
		raw, _ := event.Content["user_ids"].([]any)
		typing := make([]ref.UserID, 0, len(raw))
		for _, value := range raw {
			text, _ := value.(string)
			if userID, err := ref.ParseUserID(text); err == nil {
				typing = append(typing, userID)
			}
		}
		r.Typing = typing

	case EventTypeReceipt:
		for rawEventID, byType := range event.Content {
			eventID, err := ref.ParseEventID(rawEventID)
			if err != nil {
				continue
			}
			receipts, _ := byType.(map[string]any)
			readers, _ := receipts["m.read"].(map[string]any)
			for rawUserID, data := range readers {
				userID, err := ref.ParseUserID(rawUserID)
				if err != nil {
					continue
				}
				fields, _ := data.(map[string]any)
				timestamp, _ := fields["ts"].(float64)
				if previous, ok := r.Receipts[userID]; ok && previous.Timestamp > int64(timestamp) {
					continue
				}
				r.Receipts[userID] = Receipt{EventID: eventID, Timestamp: int64(timestamp)}
			}
		}
	}
}

// InvitedRoom is a room the account was invited to but has not
// joined. It is dropped when the room appears as joined.
type InvitedRoom struct {
	ID        ref.RoomID
	Inviter   ref.UserID
	Name      string
	Topic     string
	Encrypted bool

	// InviteState is the stripped state the server shared with the
	// invite, one event per type and state key, in first-arrival order.
	InviteState []Event
}

// foldState records a stripped state event, replacing a held event with
// the same type and state key.
func (r *InvitedRoom) foldState(event *Event, ownUserID ref.UserID) {
	replaced := false
	for index := range r.InviteState {
		if sameStateSlot(&r.InviteState[index], event) {
			r.InviteState[index] = *event
			replaced = true
			break
		}
	}
	if !replaced {
		r.InviteState = append(r.InviteState, *event)
	}
	switch event.Type {
	case EventTypeMember:
		if event.StateKey != nil && *event.StateKey == ownUserID.String() &&
			contentString(event.Content, "membership") == MembershipInvite {
			r.Inviter = event.Sender
		}
	case EventTypeName:
		r.Name = contentString(event.Content, "name")
	case EventTypeTopic:
		r.Topic = contentString(event.Content, "topic")
	case EventTypeEncryption:
		r.Encrypted = true
	}
}

func sameStateSlot(a, b *Event) bool {
	if a.Type != b.Type {
		return false
	}
	if a.StateKey == nil || b.StateKey == nil {
		return a.StateKey == nil && b.StateKey == nil
	}
	return *a.StateKey == *b.StateKey
}

func contentString(content map[string]any, key string) string {
	value, _ := content[key].(string)
	return value
}

func sortUserIDs(ids []ref.UserID) {
	slices.SortFunc(ids, func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
}

func sortRoomIDs(ids []ref.RoomID) {
	slices.SortFunc(ids, func(a, b ref.RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
}
