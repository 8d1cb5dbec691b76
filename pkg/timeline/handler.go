// matrix-timeline - A Matrix client timeline engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventHandler ingests newly-synced event batches into the gapped
// per-room event graph. All writes for a room run under the room's write
// lock so the linked-list tail is never observed half-updated; different
// rooms ingest concurrently.
type EventHandler struct {
	store     Store
	locks     *roomLocks
	hook      StateHook
	ownUserID id.UserID
	log       zerolog.Logger
}

func NewEventHandler(store Store, locks *roomLocks, hook StateHook, ownUserID id.UserID, log zerolog.Logger) *EventHandler {
	return &EventHandler{
		store:     store,
		locks:     locks,
		hook:      hook,
		ownUserID: ownUserID,
		log:       log.With().Str("component", "timeline_handler").Logger(),
	}
}

// AppendSync appends an ordered sync batch at the end of the room's
// timeline.
//
// If the room has no known last event, the batch starts a fresh run and
// prevBatch (if any) becomes a gap before the first node. Otherwise the
// batch is linked after the current tail when it demonstrably continues
// it: the sync was not limited and the batch's prevBatch token matches
// the tail's trailing token (or the tail has none). Any other batch may
// hide history in between, so the tail keeps its trailing gap and the
// batch starts a separate run behind its own leading gap; the gap filler
// joins the runs once the gap resolves. nextBatch becomes the new
// trailing gap.
func (h *EventHandler) AppendSync(ctx context.Context, roomID id.RoomID, events []*event.Event, prevBatch, nextBatch string, hasGapBefore bool) error {
	if len(events) == 0 {
		return nil
	}
	unlock := h.locks.Lock(roomID)
	defer unlock()

	return h.store.DoTxn(ctx, func(ctx context.Context) error {
		room, err := h.store.GetRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("failed to get room: %w", err)
		}
		if room == nil {
			room = &Room{ID: roomID}
		}
		var tail *TimelineNode
		if room.LastEventID != "" {
			tail, err = h.store.GetNode(ctx, roomID, room.LastEventID)
			if err != nil {
				return err
			}
		}

		// Classify the batch up front; a batch with no fresh events is a
		// replay and changes nothing.
		type batchEntry struct {
			evt      *event.Event
			existing *TimelineNode
		}
		entries := make([]batchEntry, 0, len(events))
		freshCount := 0
		for _, evt := range events {
			if evt.ID == room.LastEventID {
				continue
			}
			existing, err := h.store.GetNode(ctx, roomID, evt.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				freshCount++
			}
			entries = append(entries, batchEntry{evt: evt, existing: existing})
		}
		if freshCount == 0 {
			return nil
		}

		continuation := false
		var cur *TimelineNode
		pendingGap := ""
		switch {
		case tail == nil:
			pendingGap = prevBatch
		case !hasGapBefore && (tail.GapAfter == "" || tail.GapAfter == prevBatch):
			// The batch picks up exactly where the tail's trailing token
			// points, so the gap (if any) is resolved by the link itself.
			continuation = true
			cur = tail
		default:
			// Soft-preserved gap: the tail keeps its trailing token and
			// the new batch starts a separate run behind its own gap.
			if prevBatch != "" {
				pendingGap = prevBatch
			} else {
				pendingGap = tail.GapAfter
			}
		}

		var touched []*TimelineNode
		seen := make(map[id.EventID]bool)
		touch := func(node *TimelineNode) {
			if !seen[node.EventID] {
				seen[node.EventID] = true
				touched = append(touched, node)
			}
		}
		canExtend := func(node *TimelineNode) bool {
			if node.NextEventID != "" {
				return false
			}
			return node.GapAfter == "" || (continuation && node == tail)
		}
		link := func(from, to *TimelineNode) {
			from.GapAfter = ""
			from.NextEventID = to.EventID
			to.PrevEventID = from.EventID
			touch(from)
			touch(to)
		}

		var fresh []*event.Event
		for _, entry := range entries {
			if entry.existing != nil {
				// An event already in the timeline is never bypassed: it
				// becomes the link anchor for the rest of the batch, and is
				// linked up to only when both facing sides are free.
				if cur != nil && canExtend(cur) && entry.existing.PrevEventID == "" && !entry.existing.hasGapBefore() {
					link(cur, entry.existing)
				}
				cur = entry.existing
				pendingGap = ""
				continue
			}
			node := &TimelineNode{RoomID: roomID, EventID: entry.evt.ID, Event: entry.evt}
			if cur != nil && canExtend(cur) {
				link(cur, node)
			} else if pendingGap != "" {
				node.GapBefore = pendingGap
			}
			pendingGap = ""
			cur = node
			touch(node)
			fresh = append(fresh, entry.evt)
		}

		// The batch's last event is the new tip only when it ends a run;
		// an interior overlap means the timeline already extends past it.
		if cur != nil && cur.NextEventID == "" {
			if nextBatch != "" {
				cur.GapAfter = nextBatch
				touch(cur)
			}
			room.LastEventID = cur.EventID
		}

		if err = h.reconcileEchoes(ctx, roomID, touched); err != nil {
			return err
		}
		if err = h.store.PutNodes(ctx, touched...); err != nil {
			return fmt.Errorf("failed to store timeline nodes: %w", err)
		}
		if err = h.ProcessRelations(ctx, roomID, fresh); err != nil {
			return err
		}

		h.applyStateEvents(ctx, room, fresh)
		if err = h.store.PutRoom(ctx, room); err != nil {
			return fmt.Errorf("failed to store room: %w", err)
		}
		h.log.Debug().
			Str("room_id", roomID.String()).
			Int("events", len(fresh)).
			Str("last_event_id", room.LastEventID.String()).
			Msg("Appended sync batch to timeline")
		return nil
	})
}

// buildRun turns an ordered event batch into a linked run of nodes.
func buildRun(roomID id.RoomID, events []*event.Event) []*TimelineNode {
	nodes := make([]*TimelineNode, len(events))
	for i, evt := range events {
		nodes[i] = &TimelineNode{
			RoomID:  roomID,
			EventID: evt.ID,
			Event:   evt,
		}
		if i > 0 {
			nodes[i].PrevEventID = events[i-1].ID
			nodes[i-1].NextEventID = evt.ID
		}
	}
	return nodes
}

// reconcileEchoes matches ingested events against the outbox by
// transaction id and pre-populates the node's decrypted content from the
// locally authored message, so an echo of our own encrypted message is
// readable before its decryption would complete.
func (h *EventHandler) reconcileEchoes(ctx context.Context, roomID id.RoomID, nodes []*TimelineNode) error {
	for _, node := range nodes {
		txnID := node.Event.Unsigned.TransactionID
		if txnID == "" || node.Decrypted != nil {
			continue
		}
		msg, err := h.store.GetOutboxMessage(ctx, txnID)
		if err != nil {
			return err
		}
		if msg == nil || msg.RoomID != roomID {
			continue
		}
		content, err := msg.ParsedContent()
		if err != nil {
			h.log.Warn().Err(err).Str("transaction_id", txnID).
				Msg("Failed to parse outbox content for echo reconciliation")
			continue
		}
		node.Decrypted = &DecryptionResult{Content: content}
	}
	return nil
}

// ProcessRelations indexes relation edges and applies redactions for a
// batch of newly inserted events. Shared between sync ingestion and gap
// filling. Redactions whose target is not yet known are left alone; the
// target simply hasn't arrived.
func (h *EventHandler) ProcessRelations(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	var redactions []*event.Event
	for _, evt := range events {
		if rel := extractRelation(evt); rel != nil && indexedRelationTypes[rel.Type] {
			err := h.store.AddRelation(ctx, Relation{
				RoomID:          roomID,
				RelatingEventID: evt.ID,
				Type:            rel.Type,
				TargetEventID:   rel.EventID,
			})
			if err != nil {
				return fmt.Errorf("failed to index relation: %w", err)
			}
		}
		if evt.Type == event.EventRedaction {
			redactions = append(redactions, evt)
		}
	}
	// Applied after the whole batch is inserted so redactions can hit
	// targets from the same batch.
	for _, redaction := range redactions {
		targetID := redactionTarget(redaction)
		if targetID == "" {
			continue
		}
		target, err := h.store.GetNode(ctx, roomID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			h.log.Debug().
				Str("room_id", roomID.String()).
				Str("target_id", targetID.String()).
				Msg("Redaction target not known yet, skipping")
			continue
		}
		if err = redactNode(ctx, h.store, target, redaction); err != nil {
			return err
		}
	}
	return nil
}

func (h *EventHandler) applyStateEvents(ctx context.Context, room *Room, events []*event.Event) {
	for _, evt := range events {
		if evt.StateKey == nil {
			continue
		}
		ensureParsed(evt)
		switch evt.Type {
		case event.StateCreate:
			room.CreateEventID = evt.ID
			if content, ok := evt.Content.Parsed.(*event.CreateEventContent); ok && content.Predecessor != nil {
				room.PredecessorRoomID = content.Predecessor.RoomID
				room.PredecessorEventID = content.Predecessor.EventID
			}
		case event.StateTombstone:
			room.TombstoneEventID = evt.ID
			if content, ok := evt.Content.Parsed.(*event.TombstoneEventContent); ok {
				room.SuccessorRoomID = content.ReplacementRoom
			}
		case event.StateEncryption:
			room.Encrypted = true
			if content, ok := evt.Content.Parsed.(*event.EncryptionEventContent); ok {
				room.Algorithm = content.Algorithm
			}
			if h.hook != nil {
				h.hook.HandleEncryption(ctx, room.ID, evt)
			}
		case event.StateMember:
			// A member change invalidates the cached full member list.
			room.MembersLoaded = false
			if content, ok := evt.Content.Parsed.(*event.MemberEventContent); ok && *evt.StateKey == h.ownUserID.String() {
				room.Membership = content.Membership
			}
			if h.hook != nil {
				h.hook.HandleMembership(ctx, room.ID, evt)
			}
		}
	}
}
