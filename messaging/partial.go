// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/mxengine/lib/ref"
)

// partialSync is a sync response being applied chunk by chunk.
type partialSync struct {
	info   ResponseInfo
	chunks []*SyncPayload
	next   int
}

// take returns the next chunk as a response. More is false on the last.
func (p *partialSync) take() *PartialSyncResponse {
	index := p.next
	p.next++
	return &PartialSyncResponse{
		ResponseInfo: p.info,
		SyncPayload:  *p.chunks[index],
		Index:        index,
		More:         p.next < len(p.chunks),
	}
}

func (p *partialSync) done() bool { return p.next >= len(p.chunks) }

// splitSync divides a payload into chunks of at most maxEvents events.
// Events keep the order the applier would visit them in: to-device,
// presence, account data, invites, then per joined room its state,
// timeline, ephemeral, and account data, then left rooms. A room's
// summary, unread counts, and timeline metadata ride with its first
// entry; device lists and one-time key counts ride with the last chunk.
// Every chunk carries the payload's next_batch.
func splitSync(payload *SyncPayload, maxEvents int) []*SyncPayload {
	s := &syncChunker{max: maxEvents, token: payload.NextBatch}

	for _, event := range payload.ToDevice.Events {
		index := s.place()
		chunk := s.chunks[index]
		chunk.ToDevice.Events = append(chunk.ToDevice.Events, event)
	}
	for _, event := range payload.Presence.Events {
		index := s.place()
		chunk := s.chunks[index]
		chunk.Presence.Events = append(chunk.Presence.Events, event)
	}
	for _, event := range payload.AccountData.Events {
		index := s.place()
		chunk := s.chunks[index]
		chunk.AccountData.Events = append(chunk.AccountData.Events, event)
	}

	for _, roomID := range sortedKeys(payload.Rooms.Invite) {
		events := payload.Rooms.Invite[roomID].InviteState.Events
		if len(events) == 0 {
			s.invite(s.last(), roomID)
		}
		for _, event := range events {
			entry := s.invite(s.place(), roomID)
			entry.InviteState.Events = append(entry.InviteState.Events, event)
		}
	}

	for _, roomID := range sortedKeys(payload.Rooms.Join) {
		update := payload.Rooms.Join[roomID]
		first := -1
		s.placeJoined(roomID, update.State.Events, &first, func(e *JoinedRoomUpdate) *[]Event { return &e.State.Events })
		s.placeJoined(roomID, update.Timeline.Events, &first, func(e *JoinedRoomUpdate) *[]Event { return &e.Timeline.Events })
		s.placeJoined(roomID, update.Ephemeral.Events, &first, func(e *JoinedRoomUpdate) *[]Event { return &e.Ephemeral.Events })
		s.placeJoined(roomID, update.AccountData.Events, &first, func(e *JoinedRoomUpdate) *[]Event { return &e.AccountData.Events })
		if first < 0 {
			first = s.last()
		}
		entry := s.joined(first, roomID)
		entry.Summary = update.Summary
		entry.UnreadNotifications = update.UnreadNotifications
		entry.Timeline.PrevBatch = update.Timeline.PrevBatch
		entry.Timeline.Limited = update.Timeline.Limited
	}

	for _, roomID := range sortedKeys(payload.Rooms.Leave) {
		update := payload.Rooms.Leave[roomID]
		if len(update.State.Events)+len(update.Timeline.Events) == 0 {
			s.left(s.last(), roomID)
		}
		for _, event := range update.State.Events {
			entry := s.left(s.place(), roomID)
			entry.State.Events = append(entry.State.Events, event)
		}
		for _, event := range update.Timeline.Events {
			entry := s.left(s.place(), roomID)
			entry.Timeline.Events = append(entry.Timeline.Events, event)
		}
	}

	return s.finish(payload)
}

type syncChunker struct {
	max    int
	count  int
	token  string
	chunks []*SyncPayload

	// Room entries are staged by pointer and copied into the chunks'
	// value maps by finish.
	invites []map[ref.RoomID]*InvitedRoomUpdate
	joins   []map[ref.RoomID]*JoinedRoomUpdate
	leaves  []map[ref.RoomID]*LeftRoomUpdate
}

func (s *syncChunker) open() {
	s.chunks = append(s.chunks, &SyncPayload{NextBatch: s.token})
	s.invites = append(s.invites, make(map[ref.RoomID]*InvitedRoomUpdate))
	s.joins = append(s.joins, make(map[ref.RoomID]*JoinedRoomUpdate))
	s.leaves = append(s.leaves, make(map[ref.RoomID]*LeftRoomUpdate))
	s.count = 0
}

// place returns the index of the chunk that receives the next event,
// opening a new chunk when the current one is full.
func (s *syncChunker) place() int {
	if len(s.chunks) == 0 || s.count >= s.max {
		s.open()
	}
	s.count++
	return len(s.chunks) - 1
}

// last returns the index of the current chunk without counting an
// event against it.
func (s *syncChunker) last() int {
	if len(s.chunks) == 0 {
		s.open()
	}
	return len(s.chunks) - 1
}

func (s *syncChunker) invite(index int, roomID ref.RoomID) *InvitedRoomUpdate {
	entry, ok := s.invites[index][roomID]
	if !ok {
		entry = &InvitedRoomUpdate{}
		s.invites[index][roomID] = entry
	}
	return entry
}

func (s *syncChunker) joined(index int, roomID ref.RoomID) *JoinedRoomUpdate {
	entry, ok := s.joins[index][roomID]
	if !ok {
		entry = &JoinedRoomUpdate{}
		s.joins[index][roomID] = entry
	}
	return entry
}

func (s *syncChunker) left(index int, roomID ref.RoomID) *LeftRoomUpdate {
	entry, ok := s.leaves[index][roomID]
	if !ok {
		entry = &LeftRoomUpdate{}
		s.leaves[index][roomID] = entry
	}
	return entry
}

func (s *syncChunker) placeJoined(roomID ref.RoomID, events []Event, first *int, section func(*JoinedRoomUpdate) *[]Event) {
	for _, event := range events {
		index := s.place()
		if *first < 0 {
			*first = index
		}
		target := section(s.joined(index, roomID))
		*target = append(*target, event)
	}
}

func (s *syncChunker) finish(payload *SyncPayload) []*SyncPayload {
	s.last()
	for index, chunk := range s.chunks {
		if len(s.invites[index]) > 0 {
			chunk.Rooms.Invite = make(map[ref.RoomID]InvitedRoomUpdate, len(s.invites[index]))
			for roomID, entry := range s.invites[index] {
				chunk.Rooms.Invite[roomID] = *entry
			}
		}
		if len(s.joins[index]) > 0 {
			chunk.Rooms.Join = make(map[ref.RoomID]JoinedRoomUpdate, len(s.joins[index]))
			for roomID, entry := range s.joins[index] {
				chunk.Rooms.Join[roomID] = *entry
			}
		}
		if len(s.leaves[index]) > 0 {
			chunk.Rooms.Leave = make(map[ref.RoomID]LeftRoomUpdate, len(s.leaves[index]))
			for roomID, entry := range s.leaves[index] {
				chunk.Rooms.Leave[roomID] = *entry
			}
		}
	}
	last := s.chunks[len(s.chunks)-1]
	last.DeviceLists = payload.DeviceLists
	last.DeviceOneTimeKeysCount = payload.DeviceOneTimeKeysCount
	return s.chunks
}
