// matrix-timeline - A Matrix client timeline engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TimelineNode is one event placed in a room's timeline. Nodes form
// doubly-linked runs: PrevEventID/NextEventID link contiguous neighbors,
// and an empty link marks a run boundary. A boundary may additionally
// carry a gap token on that side, meaning more history may exist there
// and can be fetched by paginating from the token.
//
// A node never has both a link and a gap token on the same side. The
// handler and the gap filler maintain that invariant; readers treat a
// violation as corruption (see checkLinkGapExclusive).
type TimelineNode struct {
	RoomID  id.RoomID
	EventID id.EventID
	Event   *event.Event

	PrevEventID id.EventID
	NextEventID id.EventID

	// GapBefore/GapAfter hold pagination tokens for the matching side,
	// empty when there is no gap. Both set at once is the "Both" gap of
	// a node isolated on both sides.
	GapBefore string
	GapAfter  string

	// Decrypted caches the outcome of the decryption pipeline. nil means
	// not yet attempted (or a previous attempt timed out, which is never
	// cached). Non-nil results are persisted and final.
	Decrypted *DecryptionResult
}

// DecryptionResult is a persisted decrypt outcome: either the cleartext
// content or a terminal error string. Retryable conditions (missing key,
// timeout) are never stored as a DecryptionResult.
type DecryptionResult struct {
	Content *event.Content `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (dr *DecryptionResult) OK() bool {
	return dr != nil && dr.Error == ""
}

func (n *TimelineNode) hasGapBefore() bool {
	return n.GapBefore != ""
}

func (n *TimelineNode) hasGapAfter() bool {
	return n.GapAfter != ""
}

// checkLinkGapExclusive reports whether the node violates the
// link-xor-gap invariant on either side.
func (n *TimelineNode) checkLinkGapExclusive() bool {
	if n.NextEventID != "" && n.GapAfter != "" {
		return false
	}
	if n.PrevEventID != "" && n.GapBefore != "" {
		return false
	}
	return true
}

// Relation is an edge recorded when an ingested event references another
// event via an edit, reaction or reference relation. Indexed by
// (target, type) so aggregation can collect all relating events.
type Relation struct {
	RoomID          id.RoomID
	RelatingEventID id.EventID
	Type            event.RelationType
	TargetEventID   id.EventID
}

// Room holds the subset of room state the timeline engine maintains.
type Room struct {
	ID            id.RoomID
	LastEventID   id.EventID
	CreateEventID id.EventID

	Membership    event.Membership
	Encrypted     bool
	Algorithm     id.Algorithm
	MembersLoaded bool

	// Upgrade links, cached from m.room.create / m.room.tombstone state
	// so the reader can cross room-upgrade boundaries without re-parsing
	// events.
	PredecessorRoomID  id.RoomID
	PredecessorEventID id.EventID
	SuccessorRoomID    id.RoomID
	TombstoneEventID   id.EventID
}

// OutboxMessage is a locally authored message that has not been confirmed
// sent. TransactionID doubles as the idempotency key for the send call and
// for reconciling the server echo arriving through sync.
type OutboxMessage struct {
	RoomID        id.RoomID
	TransactionID string
	EventType     event.Type
	Content       json.RawMessage

	// MediaPath is a local file to upload before sending; MediaURI is the
	// resolved remote URI once the upload succeeded.
	MediaPath string
	MediaURI  string

	CreatedAt time.Time
	SentAt    *time.Time
	EventID   id.EventID
	SendError string
}

// Sent reports whether the message was confirmed by the server.
func (m *OutboxMessage) Sent() bool {
	return m.SentAt != nil
}

// ParsedContent decodes the queued content into an event.Content.
func (m *OutboxMessage) ParsedContent() (*event.Content, error) {
	var content event.Content
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return nil, err
	}
	return &content, nil
}
