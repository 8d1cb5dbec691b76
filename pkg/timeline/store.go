package timeline

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Store is the persistent, reactive source of truth shared by every
// engine component. All cross-component communication goes through the
// store: a late subscriber always observes a consistent state rather
// than a replayed broadcast.
//
// Get methods return (nil, nil) for missing records. Mutations performed
// inside DoTxn become visible atomically.
type Store interface {
	GetNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*TimelineNode, error)
	HasNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error)
	PutNodes(ctx context.Context, nodes ...*TimelineNode) error
	// NodesWithGap returns the room's current run boundaries that still
	// carry a gap token on either side.
	NodesWithGap(ctx context.Context, roomID id.RoomID) ([]*TimelineNode, error)
	// ForgetRoom drops all timeline data for a room. The only way nodes
	// are ever deleted.
	ForgetRoom(ctx context.Context, roomID id.RoomID) error

	AddRelation(ctx context.Context, rel Relation) error
	RemoveRelationsByRelating(ctx context.Context, roomID id.RoomID, relatingEventID id.EventID) error
	GetRelations(ctx context.Context, roomID id.RoomID, targetEventID id.EventID, typ event.RelationType) ([]Relation, error)

	GetRoom(ctx context.Context, roomID id.RoomID) (*Room, error)
	PutRoom(ctx context.Context, room *Room) error
	Rooms(ctx context.Context) ([]*Room, error)

	AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error
	GetOutboxMessage(ctx context.Context, txnID string) (*OutboxMessage, error)
	UpdateOutboxMessage(ctx context.Context, msg *OutboxMessage) error
	DeleteOutboxMessage(ctx context.Context, txnID string) error
	// UnsentOutboxMessages returns messages with no SentAt and no
	// SendError, in creation order.
	UnsentOutboxMessages(ctx context.Context) ([]*OutboxMessage, error)
	OutboxMessages(ctx context.Context, roomID id.RoomID) ([]*OutboxMessage, error)
	DeleteSentOutboxBefore(ctx context.Context, cutoff time.Time) (int, error)

	DoTxn(ctx context.Context, fn func(ctx context.Context) error) error

	// Observe returns a coalescing channel that receives a signal
	// whenever the room's timeline data changes. The channel is never
	// closed by the store; release it with Unobserve.
	Observe(roomID id.RoomID) <-chan struct{}
	Unobserve(roomID id.RoomID, ch <-chan struct{})
}

// notifier implements the Observe half of Store for both the SQL and the
// in-memory implementation. Signals are coalesced: a listener that has a
// pending signal does not accumulate more.
type notifier struct {
	mu        sync.Mutex
	listeners map[id.RoomID][]chan struct{}
}

func (n *notifier) observe(roomID id.RoomID) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[id.RoomID][]chan struct{})
	}
	ch := make(chan struct{}, 1)
	n.listeners[roomID] = append(n.listeners[roomID], ch)
	return ch
}

func (n *notifier) unobserve(roomID id.RoomID, ch <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	chans := n.listeners[roomID]
	for i, c := range chans {
		if c == ch {
			n.listeners[roomID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (n *notifier) notify(roomID id.RoomID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.listeners[roomID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
