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
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// GapFiller resolves a timeline gap by paginating the server's history
// API from the gap's token toward the nearest complementary run
// boundary. One page per call: a partial fill leaves a fresh gap at the
// new frontier and a later call continues from there.
//
// Fills are de-duplicated per room: concurrent callers for the same room
// share one network request and observe its result.
type GapFiller struct {
	store   Store
	client  PaginationClient
	handler *EventHandler
	locks   *roomLocks
	limit   int
	filter  *mautrix.FilterPart
	sf      singleflight.Group
	log     zerolog.Logger
}

func NewGapFiller(store Store, client PaginationClient, handler *EventHandler, locks *roomLocks, limit int, filter *mautrix.FilterPart, log zerolog.Logger) *GapFiller {
	if limit <= 0 {
		limit = 50
	}
	return &GapFiller{
		store:   store,
		client:  client,
		handler: handler,
		locks:   locks,
		limit:   limit,
		filter:  filter,
		log:     log.With().Str("component", "gap_filler").Logger(),
	}
}

// FillGap resolves (one page of) the gap attached to the given node.
// A node with no gap is a no-op. Cancelling the caller's context detaches
// the caller but never aborts a fill shared with other callers.
func (g *GapFiller) FillGap(ctx context.Context, roomID id.RoomID, startEventID id.EventID) error {
	key := roomID.String()
	ch := g.sf.DoChan(key, func() (any, error) {
		defer g.sf.Forget(key)
		return nil, g.fill(context.WithoutCancel(ctx), roomID, startEventID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *GapFiller) fill(ctx context.Context, roomID id.RoomID, startEventID id.EventID) error {
	node, err := g.store.GetNode(ctx, roomID, startEventID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("gap fill start node %s not found in %s", startEventID, roomID)
	}

	var dir mautrix.Direction
	var from string
	switch {
	case node.hasGapBefore():
		dir, from = mautrix.DirectionBackward, node.GapBefore
	case node.hasGapAfter():
		dir, from = mautrix.DirectionForward, node.GapAfter
	default:
		return nil
	}
	to, err := g.boundToken(ctx, roomID, node, dir)
	if err != nil {
		return err
	}

	resp, err := g.client.GetEvents(ctx, roomID, from, to, dir, g.limit, g.filter)
	if err != nil {
		return fmt.Errorf("failed to paginate %s from %q: %w", roomID, from, err)
	}

	unlock := g.locks.Lock(roomID)
	defer unlock()
	return g.store.DoTxn(ctx, func(ctx context.Context) error {
		return g.insertPage(ctx, roomID, startEventID, dir, from, resp)
	})
}

// boundToken finds the token of the nearest node with a gap on the
// complementary side, bounding the pagination so it stops where the
// neighboring run begins. Runs are disjoint, so nearness between them is
// judged by origin server timestamp: for a backward fill the boundary is
// the newest older node with a trailing gap, for a forward fill the
// oldest newer node with a leading gap. Empty when no boundary exists on
// that side (pagination runs unbounded toward the head/tail of history).
func (g *GapFiller) boundToken(ctx context.Context, roomID id.RoomID, start *TimelineNode, dir mautrix.Direction) (string, error) {
	boundaries, err := g.store.NodesWithGap(ctx, roomID)
	if err != nil {
		return "", err
	}
	var best *TimelineNode
	for _, node := range boundaries {
		if node.EventID == start.EventID {
			continue
		}
		if dir == mautrix.DirectionBackward {
			if !node.hasGapAfter() || !nodeOlder(node, start) {
				continue
			}
			if best == nil || nodeOlder(best, node) {
				best = node
			}
		} else {
			if !node.hasGapBefore() || !nodeOlder(start, node) {
				continue
			}
			if best == nil || nodeOlder(node, best) {
				best = node
			}
		}
	}
	if best == nil {
		return "", nil
	}
	return gapToken(best, oppositeDirection(dir)), nil
}

func nodeOlder(a, b *TimelineNode) bool {
	if a.Event.Timestamp != b.Event.Timestamp {
		return a.Event.Timestamp < b.Event.Timestamp
	}
	return a.EventID < b.EventID
}

func (g *GapFiller) insertPage(ctx context.Context, roomID id.RoomID, startEventID id.EventID, dir mautrix.Direction, from string, resp *mautrix.RespMessages) error {
	anchor, err := g.store.GetNode(ctx, roomID, startEventID)
	if err != nil {
		return err
	}
	if anchor == nil {
		return nil
	}
	// A concurrent fill may have resolved or moved this gap while the
	// network call was in flight; only apply a page that still matches.
	if gapToken(anchor, dir) != from {
		g.log.Debug().Str("room_id", roomID.String()).Msg("Gap changed during fill, dropping page")
		return nil
	}

	closedEnd := resp.End == "" || resp.End == from

	if len(resp.Chunk) == 0 {
		if closedEnd {
			// Head/tail of room history: the gap is gone for good.
			setGapToken(anchor, dir, "")
		} else {
			// Nothing in this page but more history claimed; advance the
			// frontier token so the next fill continues from there.
			setGapToken(anchor, dir, resp.End)
		}
		return g.store.PutNodes(ctx, anchor)
	}

	setGapToken(anchor, dir, "")
	touched := []*TimelineNode{anchor}
	cur := anchor
	var newEvents []*event.Event
	var mergeTarget *TimelineNode
	for _, evt := range resp.Chunk {
		if evt.ID == anchor.EventID {
			continue
		}
		existing, err := g.store.GetNode(ctx, roomID, evt.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Already present anywhere in the timeline: link up to it and
			// stop, never re-insert. Protects against a server returning
			// overlapping pages indefinitely.
			mergeTarget = existing
			break
		}
		node := &TimelineNode{RoomID: roomID, EventID: evt.ID, Event: evt}
		linkNodes(cur, node, dir)
		newEvents = append(newEvents, evt)
		touched = append(touched, node)
		cur = node
	}

	switch {
	case mergeTarget != nil:
		if canLinkInto(mergeTarget, dir) {
			linkNodes(cur, mergeTarget, dir)
			setGapToken(mergeTarget, oppositeDirection(dir), "")
			touched = append(touched, mergeTarget)
		} else {
			// The overlap landed mid-run; the runs already meet there, so
			// the gap is simply closed without a new link.
			g.log.Debug().
				Str("room_id", roomID.String()).
				Str("event_id", mergeTarget.EventID.String()).
				Msg("Overlap hit interior of existing run, closing gap without link")
		}
	case closedEnd:
		// Frontier reached the edge of history, no gap marker remains.
	default:
		setGapToken(cur, dir, resp.End)
	}
	for _, node := range touched {
		if !node.checkLinkGapExclusive() {
			g.log.Error().
				Str("room_id", roomID.String()).
				Str("event_id", node.EventID.String()).
				Msg("Link/gap exclusivity violated after gap fill")
		}
	}
	if err = g.store.PutNodes(ctx, touched...); err != nil {
		return fmt.Errorf("failed to store filled nodes: %w", err)
	}
	if err = g.handler.ProcessRelations(ctx, roomID, newEvents); err != nil {
		return err
	}

	// A forward fill growing past the known tip moves the room's tip.
	if dir == mautrix.DirectionForward && mergeTarget == nil && cur != anchor {
		room, err := g.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room != nil && room.LastEventID == anchor.EventID {
			room.LastEventID = cur.EventID
			if err = g.store.PutRoom(ctx, room); err != nil {
				return err
			}
		}
	}
	g.log.Debug().
		Str("room_id", roomID.String()).
		Int("inserted", len(newEvents)).
		Bool("merged", mergeTarget != nil).
		Bool("closed", mergeTarget != nil || closedEnd).
		Msg("Applied history page to timeline")
	return nil
}

func gapToken(node *TimelineNode, dir mautrix.Direction) string {
	if dir == mautrix.DirectionBackward {
		return node.GapBefore
	}
	return node.GapAfter
}

func setGapToken(node *TimelineNode, dir mautrix.Direction, token string) {
	if dir == mautrix.DirectionBackward {
		node.GapBefore = token
	} else {
		node.GapAfter = token
	}
}

// canLinkInto reports whether the merge target's facing side is free to
// accept a link from the walking direction.
func canLinkInto(target *TimelineNode, dir mautrix.Direction) bool {
	if dir == mautrix.DirectionBackward {
		return target.NextEventID == ""
	}
	return target.PrevEventID == ""
}

// linkNodes links next directly beside cur on the walking side.
func linkNodes(cur, next *TimelineNode, dir mautrix.Direction) {
	if dir == mautrix.DirectionBackward {
		cur.PrevEventID = next.EventID
		next.NextEventID = cur.EventID
	} else {
		cur.NextEventID = next.EventID
		next.PrevEventID = cur.EventID
	}
}

func oppositeDirection(dir mautrix.Direction) mautrix.Direction {
	if dir == mautrix.DirectionBackward {
		return mautrix.DirectionForward
	}
	return mautrix.DirectionBackward
}
