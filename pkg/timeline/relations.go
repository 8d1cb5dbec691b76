package timeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// redactNode rewrites a node's event to the redacted placeholder: the
// event type and position are preserved, the payload is stripped, and
// any cached decrypted content is replaced so the cleartext does not
// survive the redaction. Idempotent: a target already carrying
// redacted_because is left untouched.
func redactNode(ctx context.Context, store Store, target *TimelineNode, redaction *event.Event) error {
	if isRedacted(target.Event) {
		return nil
	}
	target.Event.Content = event.Content{Raw: map[string]any{}}
	target.Event.Unsigned.RedactedBecause = redaction
	if target.Decrypted != nil {
		target.Decrypted = &DecryptionResult{Content: &event.Content{Raw: map[string]any{}}}
	}
	if err := store.PutNodes(ctx, target); err != nil {
		return fmt.Errorf("failed to store redacted node: %w", err)
	}
	// The redacted event's own relation edges die with its payload.
	if err := store.RemoveRelationsByRelating(ctx, target.RoomID, target.EventID); err != nil {
		return fmt.Errorf("failed to remove relations of redacted event: %w", err)
	}
	return nil
}

// Aggregator computes edit and reaction overlays from the relation index.
// Results are recomputed per call; reactivity comes from re-running the
// aggregation when the store signals a room change.
type Aggregator struct {
	store Store
	log   zerolog.Logger
}

func NewAggregator(store Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, log: log.With().Str("component", "relation_aggregator").Logger()}
}

// ActiveEdit returns the replacement currently in effect for the target,
// or nil when the target is unedited. Only edits authored by the
// target's own sender count; redacted candidates are excluded; the
// newest origin timestamp wins. serverHint is the server's bundled
// replacement event (from the target's aggregation bundle) and is
// preferred when it is newer than anything known locally; pass nil when
// the server provided none.
func (a *Aggregator) ActiveEdit(ctx context.Context, target *TimelineNode, serverHint *event.Event) (*TimelineNode, error) {
	rels, err := a.store.GetRelations(ctx, target.RoomID, target.EventID, event.RelReplace)
	if err != nil {
		return nil, fmt.Errorf("failed to get edit relations: %w", err)
	}
	var best *TimelineNode
	for _, rel := range rels {
		node, err := a.store.GetNode(ctx, target.RoomID, rel.RelatingEventID)
		if err != nil {
			return nil, err
		}
		if node == nil || node.Event == nil {
			continue
		}
		if node.Event.Sender != target.Event.Sender || isRedacted(node.Event) {
			continue
		}
		if best == nil || newerEdit(node.Event, best.Event) {
			best = node
		}
	}
	if serverHint != nil && serverHint.Sender == target.Event.Sender && !isRedacted(serverHint) {
		if best == nil || newerEdit(serverHint, best.Event) {
			best = &TimelineNode{RoomID: target.RoomID, EventID: serverHint.ID, Event: serverHint}
		}
	}
	return best, nil
}

// newerEdit decides edit precedence: later origin timestamp first, event
// id as the deterministic tiebreaker.
func newerEdit(a, b *event.Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID > b.ID
}

// Reactions groups the reaction events targeting an event by their
// reaction key. Redacted reactions have left their group.
func (a *Aggregator) Reactions(ctx context.Context, target *TimelineNode) (map[string][]*TimelineNode, error) {
	rels, err := a.store.GetRelations(ctx, target.RoomID, target.EventID, event.RelAnnotation)
	if err != nil {
		return nil, fmt.Errorf("failed to get reaction relations: %w", err)
	}
	groups := make(map[string][]*TimelineNode)
	for _, rel := range rels {
		node, err := a.store.GetNode(ctx, target.RoomID, rel.RelatingEventID)
		if err != nil {
			return nil, err
		}
		if node == nil || node.Event == nil || isRedacted(node.Event) {
			continue
		}
		key := reactionKey(node.Event)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], node)
	}
	return groups, nil
}

// ApplyRedaction applies a redaction event to its target if the target
// is known. Safe to call repeatedly with the same redaction.
func (a *Aggregator) ApplyRedaction(ctx context.Context, redaction *event.Event) error {
	targetID := redactionTarget(redaction)
	if targetID == "" {
		return nil
	}
	target, err := a.store.GetNode(ctx, redaction.RoomID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return redactNode(ctx, a.store, target, redaction)
}
