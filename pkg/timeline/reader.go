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
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// maxFillsPerWalk caps how many gap fills a single Read may trigger.
// Each encountered gap is filled at most once; the cap is a backstop
// against a server that keeps answering with fresh tokens and no events.
const maxFillsPerWalk = 25

// Reader produces navigable timeline views: it walks links from an
// anchor, triggers gap fills while the view is smaller than the
// requested minimum, and transparently crosses room-upgrade boundaries.
// Reads degrade gracefully: an unresolved gap ends the walk instead of
// failing it.
type Reader struct {
	store   Store
	filler  *GapFiller
	client  PaginationClient
	handler *EventHandler
	locks   *roomLocks
	limit   int
	filter  *mautrix.FilterPart
	log     zerolog.Logger
}

func NewReader(store Store, filler *GapFiller, client PaginationClient, handler *EventHandler, locks *roomLocks, limit int, filter *mautrix.FilterPart, log zerolog.Logger) *Reader {
	if limit <= 0 {
		limit = 50
	}
	return &Reader{
		store:   store,
		filler:  filler,
		client:  client,
		handler: handler,
		locks:   locks,
		limit:   limit,
		filter:  filter,
		log:     log.With().Str("component", "timeline_reader").Logger(),
	}
}

// Read walks the timeline from the anchor in the given direction. The
// anchor is the first element of the result. While fewer than minSize
// nodes are available and a gap blocks the walk, the gap is filled (once
// per gap); maxSize (0 = unbounded) truncates the result and never
// triggers additional fetching.
func (r *Reader) Read(ctx context.Context, roomID id.RoomID, anchorEventID id.EventID, dir mautrix.Direction, minSize, maxSize int) ([]*TimelineNode, error) {
	cur, err := r.store.GetNode(ctx, roomID, anchorEventID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur, err = r.bootstrapAnchor(ctx, roomID, anchorEventID)
		if err != nil {
			return nil, err
		}
	}

	result := []*TimelineNode{cur}
	fills := 0
	filledTokens := make(map[string]bool)
	for maxSize <= 0 || len(result) < maxSize {
		nextID := walkLink(cur, dir)
		if nextID != "" {
			next, err := r.store.GetNode(ctx, cur.RoomID, nextID)
			if err != nil {
				return nil, err
			}
			if next == nil {
				// Dangling link; should not occur given correct ingestion.
				r.log.Error().
					Str("room_id", cur.RoomID.String()).
					Str("event_id", cur.EventID.String()).
					Str("link", nextID.String()).
					Msg("Timeline link points at missing node")
				break
			}
			result = append(result, next)
			cur = next
			continue
		}

		token := gapToken(cur, dir)
		if token != "" {
			if len(result) >= minSize || filledTokens[token] || fills >= maxFillsPerWalk {
				break
			}
			filledTokens[token] = true
			fills++
			if err := r.filler.FillGap(ctx, cur.RoomID, cur.EventID); err != nil {
				r.log.Warn().Err(err).
					Str("room_id", cur.RoomID.String()).
					Str("event_id", cur.EventID.String()).
					Msg("Gap fill failed, stopping walk at gap")
				break
			}
			cur, err = r.store.GetNode(ctx, cur.RoomID, cur.EventID)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				break
			}
			result[len(result)-1] = cur
			continue
		}

		next, err := r.crossUpgrade(ctx, cur, dir)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		result = append(result, next)
		cur = next
	}
	if maxSize > 0 && len(result) > maxSize {
		result = result[:maxSize]
	}
	return result, nil
}

// crossUpgrade continues the walk across a room-upgrade boundary: the
// end of a tombstoned room flows into its replacement's creation event,
// and the start of an upgraded room flows back into its predecessor's
// tombstone. Crossings require the two rooms to reference each other.
func (r *Reader) crossUpgrade(ctx context.Context, cur *TimelineNode, dir mautrix.Direction) (*TimelineNode, error) {
	room, err := r.store.GetRoom(ctx, cur.RoomID)
	if err != nil || room == nil {
		return nil, err
	}
	if dir == mautrix.DirectionForward {
		if room.SuccessorRoomID == "" || cur.EventID != room.TombstoneEventID {
			return nil, nil
		}
		successor, err := r.store.GetRoom(ctx, room.SuccessorRoomID)
		if err != nil {
			return nil, err
		}
		if successor == nil || successor.PredecessorRoomID != room.ID || successor.CreateEventID == "" {
			return nil, nil
		}
		return r.store.GetNode(ctx, successor.ID, successor.CreateEventID)
	}
	if room.PredecessorRoomID == "" || cur.EventID != room.CreateEventID {
		return nil, nil
	}
	predecessor, err := r.store.GetRoom(ctx, room.PredecessorRoomID)
	if err != nil {
		return nil, err
	}
	if predecessor == nil || predecessor.SuccessorRoomID != room.ID {
		return nil, nil
	}
	return r.store.GetNode(ctx, predecessor.ID, room.PredecessorEventID)
}

// bootstrapAnchor materializes a timeline run around an event that has
// no local node yet, using the server's event context endpoint. The run
// gets gaps on both frontiers so later reads can keep expanding it.
func (r *Reader) bootstrapAnchor(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*TimelineNode, error) {
	resp, err := r.client.GetEventContext(ctx, roomID, eventID, r.limit, r.filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch context for %s: %w", eventID, err)
	}
	if resp.Event == nil {
		return nil, fmt.Errorf("no event in context response for %s", eventID)
	}

	unlock := r.locks.Lock(roomID)
	defer unlock()

	var anchor *TimelineNode
	err = r.store.DoTxn(ctx, func(ctx context.Context) error {
		// Another reader may have bootstrapped the same anchor while we
		// were fetching.
		existing, err := r.store.GetNode(ctx, roomID, eventID)
		if err != nil {
			return err
		}
		if existing != nil {
			anchor = existing
			return nil
		}

		// EventsBefore is ordered away from the anchor; flip it so the
		// full run is chronological: oldest ... anchor ... newest.
		events := make([]*event.Event, 0, len(resp.EventsBefore)+1+len(resp.EventsAfter))
		for i := len(resp.EventsBefore) - 1; i >= 0; i-- {
			events = append(events, resp.EventsBefore[i])
		}
		events = append(events, resp.Event)
		events = append(events, resp.EventsAfter...)

		for _, evt := range events {
			exists, err := r.store.HasNode(ctx, roomID, evt.ID)
			if err != nil {
				return err
			}
			if exists {
				// The context overlaps timeline we already have; inserting
				// it blind would corrupt existing links. Leave the store
				// alone and let link-walking reach the anchor instead.
				return fmt.Errorf("context for %s overlaps existing timeline at %s", eventID, evt.ID)
			}
		}

		nodes := buildRun(roomID, events)
		nodes[0].GapBefore = resp.Start
		nodes[len(nodes)-1].GapAfter = resp.End
		if err = r.store.PutNodes(ctx, nodes...); err != nil {
			return err
		}
		if err = r.handler.ProcessRelations(ctx, roomID, events); err != nil {
			return err
		}

		room, err := r.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			room = &Room{ID: roomID, LastEventID: nodes[len(nodes)-1].EventID}
			if err = r.store.PutRoom(ctx, room); err != nil {
				return err
			}
		}
		for _, node := range nodes {
			if node.EventID == eventID {
				anchor = node
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchor, nil
}

// Subscription is a reactive timeline view: C carries a fresh snapshot
// whenever any room covered by the previous snapshot changes. Cancel the
// subscription's context to release it; shared gap fills and decrypts
// keep running for other readers.
type Subscription struct {
	C <-chan []*TimelineNode
}

// Subscribe emits an initial Read snapshot and then re-reads on every
// store change affecting the view, including rooms entered through
// upgrade traversal. The channel closes when ctx is cancelled. Slow
// consumers only ever see the latest snapshot; intermediate ones are
// replaced, not queued.
func (r *Reader) Subscribe(ctx context.Context, roomID id.RoomID, anchorEventID id.EventID, dir mautrix.Direction, minSize, maxSize int) *Subscription {
	out := make(chan []*TimelineNode, 1)
	go func() {
		defer close(out)
		observed := make(map[id.RoomID]<-chan struct{})
		defer func() {
			for room, ch := range observed {
				r.store.Unobserve(room, ch)
			}
		}()
		observed[roomID] = r.store.Observe(roomID)

		for {
			snapshot, err := r.Read(ctx, roomID, anchorEventID, dir, minSize, maxSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Warn().Err(err).
					Str("room_id", roomID.String()).
					Msg("Subscription read failed, retrying on next change")
			} else {
				for _, node := range snapshot {
					if _, ok := observed[node.RoomID]; !ok {
						observed[node.RoomID] = r.store.Observe(node.RoomID)
					}
				}
				// Replace a pending snapshot instead of blocking.
				select {
				case out <- snapshot:
				default:
					select {
					case <-out:
					default:
					}
					out <- snapshot
				}
			}

			if !waitForAnyChange(ctx, observed) {
				return
			}
		}
	}()
	return &Subscription{C: out}
}

// waitForAnyChange blocks until one observed room signals or ctx ends.
func waitForAnyChange(ctx context.Context, observed map[id.RoomID]<-chan struct{}) bool {
	// Merge observed channels into one waiter. The helper goroutines
	// exit as soon as the shared wait finishes.
	merged := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)
	for _, ch := range observed {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				select {
				case merged <- struct{}{}:
				default:
				}
			case <-done:
			}
		}(ch)
	}
	select {
	case <-merged:
		return true
	case <-ctx.Done():
		return false
	}
}

// walkLink returns the link on the walking side.
func walkLink(node *TimelineNode, dir mautrix.Direction) id.EventID {
	if dir == mautrix.DirectionForward {
		return node.NextEventID
	}
	return node.PrevEventID
}
