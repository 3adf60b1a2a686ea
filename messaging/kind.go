// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "fmt"

// RequestKind names the operation a request performs. The kind picks
// the response variant built from the reply.
type RequestKind int

const (
	KindLogin RequestKind = iota
	KindLogout
	KindSync
	KindRoomSend
	KindRoomPutState
	KindRoomRedact
	KindRoomKick
	KindRoomInvite
	KindJoin
	KindRoomLeave
	KindRoomCreate
	KindRoomMessages
	KindJoinedMembers
	KindTyping
	KindReadMarkers
	KindKeysUpload
	KindKeysQuery
	KindKeysClaim
	KindShareGroupSession
	KindToDevice
	KindDevices
	KindDeleteDevices
	KindGetDisplayName
	KindSetDisplayName

	kindCount
)

var kindNames = [kindCount]string{
	KindLogin:             "login",
	KindLogout:            "logout",
	KindSync:              "sync",
	KindRoomSend:          "room_send",
	KindRoomPutState:      "room_put_state",
	KindRoomRedact:        "room_redact",
	KindRoomKick:          "room_kick",
	KindRoomInvite:        "room_invite",
	KindJoin:              "join",
	KindRoomLeave:         "room_leave",
	KindRoomCreate:        "room_create",
	KindRoomMessages:      "room_messages",
	KindJoinedMembers:     "joined_members",
	KindTyping:            "typing",
	KindReadMarkers:       "read_markers",
	KindKeysUpload:        "keys_upload",
	KindKeysQuery:         "keys_query",
	KindKeysClaim:         "keys_claim",
	KindShareGroupSession: "share_group_session",
	KindToDevice:          "to_device",
	KindDevices:           "devices",
	KindDeleteDevices:     "delete_devices",
	KindGetDisplayName:    "get_displayname",
	KindSetDisplayName:    "set_displayname",
}

func (k RequestKind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k RequestKind) valid() bool {
	return k >= 0 && k < kindCount
}
