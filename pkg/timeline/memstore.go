package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MemoryStore is a Store kept entirely in memory. It backs tests and the
// inspector tooling; production deployments use SQLStore. DoTxn is not
// atomic here, callers rely on the engine's per-room write serialization
// instead.
type MemoryStore struct {
	notifier

	mu        sync.RWMutex
	nodes     map[id.RoomID]map[id.EventID]*TimelineNode
	relations map[id.RoomID][]Relation
	rooms     map[id.RoomID]*Room
	outbox    []*OutboxMessage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[id.RoomID]map[id.EventID]*TimelineNode),
		relations: make(map[id.RoomID][]Relation),
		rooms:     make(map[id.RoomID]*Room),
	}
}

func (s *MemoryStore) GetNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*TimelineNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node := s.nodes[roomID][eventID]
	if node == nil {
		return nil, nil
	}
	copied := *node
	return &copied, nil
}

func (s *MemoryStore) HasNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[roomID][eventID]
	return ok, nil
}

func (s *MemoryStore) PutNodes(ctx context.Context, nodes ...*TimelineNode) error {
	s.mu.Lock()
	touched := make(map[id.RoomID]struct{})
	for _, node := range nodes {
		roomNodes := s.nodes[node.RoomID]
		if roomNodes == nil {
			roomNodes = make(map[id.EventID]*TimelineNode)
			s.nodes[node.RoomID] = roomNodes
		}
		copied := *node
		roomNodes[node.EventID] = &copied
		touched[node.RoomID] = struct{}{}
	}
	s.mu.Unlock()
	for roomID := range touched {
		s.notify(roomID)
	}
	return nil
}

func (s *MemoryStore) NodesWithGap(ctx context.Context, roomID id.RoomID) ([]*TimelineNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TimelineNode
	for _, node := range s.nodes[roomID] {
		if node.hasGapBefore() || node.hasGapAfter() {
			copied := *node
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *MemoryStore) ForgetRoom(ctx context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	delete(s.nodes, roomID)
	delete(s.relations, roomID)
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.notify(roomID)
	return nil
}

func (s *MemoryStore) AddRelation(ctx context.Context, rel Relation) error {
	s.mu.Lock()
	for _, existing := range s.relations[rel.RoomID] {
		if existing == rel {
			s.mu.Unlock()
			return nil
		}
	}
	s.relations[rel.RoomID] = append(s.relations[rel.RoomID], rel)
	s.mu.Unlock()
	s.notify(rel.RoomID)
	return nil
}

func (s *MemoryStore) RemoveRelationsByRelating(ctx context.Context, roomID id.RoomID, relatingEventID id.EventID) error {
	s.mu.Lock()
	rels := s.relations[roomID]
	kept := rels[:0]
	for _, rel := range rels {
		if rel.RelatingEventID != relatingEventID {
			kept = append(kept, rel)
		}
	}
	s.relations[roomID] = kept
	s.mu.Unlock()
	s.notify(roomID)
	return nil
}

func (s *MemoryStore) GetRelations(ctx context.Context, roomID id.RoomID, targetEventID id.EventID, typ event.RelationType) ([]Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relation
	for _, rel := range s.relations[roomID] {
		if rel.TargetEventID == targetEventID && rel.Type == typ {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID id.RoomID) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[roomID]
	if room == nil {
		return nil, nil
	}
	copied := *room
	return &copied, nil
}

func (s *MemoryStore) PutRoom(ctx context.Context, room *Room) error {
	s.mu.Lock()
	copied := *room
	s.rooms[room.ID] = &copied
	s.mu.Unlock()
	s.notify(room.ID)
	return nil
}

func (s *MemoryStore) Rooms(ctx context.Context) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		copied := *room
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	s.mu.Lock()
	copied := *msg
	s.outbox = append(s.outbox, &copied)
	s.mu.Unlock()
	s.notify(msg.RoomID)
	return nil
}

func (s *MemoryStore) GetOutboxMessage(ctx context.Context, txnID string) (*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.outbox {
		if msg.TransactionID == txnID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	s.mu.Lock()
	for i, existing := range s.outbox {
		if existing.TransactionID == msg.TransactionID {
			copied := *msg
			s.outbox[i] = &copied
			break
		}
	}
	s.mu.Unlock()
	s.notify(msg.RoomID)
	return nil
}

func (s *MemoryStore) DeleteOutboxMessage(ctx context.Context, txnID string) error {
	s.mu.Lock()
	var roomID id.RoomID
	for i, msg := range s.outbox {
		if msg.TransactionID == txnID {
			roomID = msg.RoomID
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if roomID != "" {
		s.notify(roomID)
	}
	return nil
}

func (s *MemoryStore) UnsentOutboxMessages(ctx context.Context) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxMessage
	for _, msg := range s.outbox {
		if msg.SentAt == nil && msg.SendError == "" {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) OutboxMessages(ctx context.Context, roomID id.RoomID) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxMessage
	for _, msg := range s.outbox {
		if msg.RoomID == roomID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteSentOutboxBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	removed := 0
	for _, msg := range s.outbox {
		if msg.SentAt != nil && msg.SentAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.outbox = kept
	return removed, nil
}

func (s *MemoryStore) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) Observe(roomID id.RoomID) <-chan struct{} {
	return s.observe(roomID)
}

func (s *MemoryStore) Unobserve(roomID id.RoomID, ch <-chan struct{}) {
	s.unobserve(roomID, ch)
}
