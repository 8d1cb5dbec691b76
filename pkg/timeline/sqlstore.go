package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SQLStore implements Store on top of dbutil, working against SQLite and
// Postgres. Events and decryption results are stored as JSON columns;
// links and gap tokens are plain columns so run walking never has to
// deserialize payloads it does not need.
type SQLStore struct {
	notifier
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(ctx context.Context, db *dbutil.Database) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS timeline_node (
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event TEXT NOT NULL,
			prev_event_id TEXT NOT NULL DEFAULT '',
			next_event_id TEXT NOT NULL DEFAULT '',
			gap_before TEXT NOT NULL DEFAULT '',
			gap_after TEXT NOT NULL DEFAULT '',
			decrypted TEXT,
			PRIMARY KEY (room_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_relation (
			room_id TEXT NOT NULL,
			relating_event_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			target_event_id TEXT NOT NULL,
			PRIMARY KEY (room_id, relating_event_id, relation_type, target_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS room (
			room_id TEXT NOT NULL PRIMARY KEY,
			last_event_id TEXT NOT NULL DEFAULT '',
			create_event_id TEXT NOT NULL DEFAULT '',
			membership TEXT NOT NULL DEFAULT '',
			encrypted BOOLEAN NOT NULL DEFAULT false,
			algorithm TEXT NOT NULL DEFAULT '',
			members_loaded BOOLEAN NOT NULL DEFAULT false,
			predecessor_room_id TEXT NOT NULL DEFAULT '',
			predecessor_event_id TEXT NOT NULL DEFAULT '',
			successor_room_id TEXT NOT NULL DEFAULT '',
			tombstone_event_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_message (
			transaction_id TEXT NOT NULL PRIMARY KEY,
			room_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			content TEXT NOT NULL,
			media_path TEXT NOT NULL DEFAULT '',
			media_uri TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL,
			sent_ts BIGINT,
			event_id TEXT NOT NULL DEFAULT '',
			send_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS timeline_node_gap_idx
			ON timeline_node (room_id, gap_before, gap_after)`,
		`CREATE INDEX IF NOT EXISTS timeline_relation_target_idx
			ON timeline_relation (room_id, target_event_id, relation_type)`,
		`CREATE INDEX IF NOT EXISTS outbox_message_created_idx
			ON outbox_message (created_ts, transaction_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure timeline schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) GetNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*TimelineNode, error) {
	row := s.db.QueryRow(ctx, `
		SELECT room_id, event_id, event, prev_event_id, next_event_id, gap_before, gap_after, decrypted
		FROM timeline_node WHERE room_id=$1 AND event_id=$2
	`, roomID, eventID)
	return scanNode(row)
}

func (s *SQLStore) HasNode(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM timeline_node WHERE room_id=$1 AND event_id=$2
	`, roomID, eventID).Scan(&count)
	return count > 0, err
}

func (s *SQLStore) PutNodes(ctx context.Context, nodes ...*TimelineNode) error {
	touched := make(map[id.RoomID]struct{})
	for _, node := range nodes {
		eventJSON, err := json.Marshal(node.Event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", node.EventID, err)
		}
		var decrypted any
		if node.Decrypted != nil {
			data, err := json.Marshal(node.Decrypted)
			if err != nil {
				return fmt.Errorf("failed to marshal decryption result: %w", err)
			}
			decrypted = string(data)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO timeline_node (room_id, event_id, event, prev_event_id, next_event_id, gap_before, gap_after, decrypted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (room_id, event_id) DO UPDATE
				SET event=excluded.event, prev_event_id=excluded.prev_event_id,
				    next_event_id=excluded.next_event_id, gap_before=excluded.gap_before,
				    gap_after=excluded.gap_after, decrypted=excluded.decrypted
		`, node.RoomID, node.EventID, string(eventJSON), node.PrevEventID, node.NextEventID,
			node.GapBefore, node.GapAfter, decrypted)
		if err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", node.EventID, err)
		}
		touched[node.RoomID] = struct{}{}
	}
	for roomID := range touched {
		s.notifyRoom(ctx, roomID)
	}
	return nil
}

func (s *SQLStore) NodesWithGap(ctx context.Context, roomID id.RoomID) ([]*TimelineNode, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id, event_id, event, prev_event_id, next_event_id, gap_before, gap_after, decrypted
		FROM timeline_node WHERE room_id=$1 AND (gap_before<>'' OR gap_after<>'')
		ORDER BY event_id
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TimelineNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *SQLStore) ForgetRoom(ctx context.Context, roomID id.RoomID) error {
	for _, query := range []string{
		`DELETE FROM timeline_node WHERE room_id=$1`,
		`DELETE FROM timeline_relation WHERE room_id=$1`,
		`DELETE FROM outbox_message WHERE room_id=$1`,
		`DELETE FROM room WHERE room_id=$1`,
	} {
		if _, err := s.db.Exec(ctx, query, roomID); err != nil {
			return fmt.Errorf("failed to forget room %s: %w", roomID, err)
		}
	}
	s.notifyRoom(ctx, roomID)
	return nil
}

func (s *SQLStore) AddRelation(ctx context.Context, rel Relation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO timeline_relation (room_id, relating_event_id, relation_type, target_event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, relating_event_id, relation_type, target_event_id) DO NOTHING
	`, rel.RoomID, rel.RelatingEventID, string(rel.Type), rel.TargetEventID)
	if err != nil {
		return err
	}
	s.notifyRoom(ctx, rel.RoomID)
	return nil
}

func (s *SQLStore) RemoveRelationsByRelating(ctx context.Context, roomID id.RoomID, relatingEventID id.EventID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM timeline_relation WHERE room_id=$1 AND relating_event_id=$2
	`, roomID, relatingEventID)
	if err != nil {
		return err
	}
	s.notifyRoom(ctx, roomID)
	return nil
}

func (s *SQLStore) GetRelations(ctx context.Context, roomID id.RoomID, targetEventID id.EventID, typ event.RelationType) ([]Relation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id, relating_event_id, relation_type, target_event_id
		FROM timeline_relation
		WHERE room_id=$1 AND target_event_id=$2 AND relation_type=$3
		ORDER BY relating_event_id
	`, roomID, targetEventID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var rel Relation
		var relType string
		if err = rows.Scan(&rel.RoomID, &rel.RelatingEventID, &relType, &rel.TargetEventID); err != nil {
			return nil, err
		}
		rel.Type = event.RelationType(relType)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetRoom(ctx context.Context, roomID id.RoomID) (*Room, error) {
	row := s.db.QueryRow(ctx, `
		SELECT room_id, last_event_id, create_event_id, membership, encrypted, algorithm,
		       members_loaded, predecessor_room_id, predecessor_event_id, successor_room_id, tombstone_event_id
		FROM room WHERE room_id=$1
	`, roomID)
	return scanRoom(row)
}

func (s *SQLStore) PutRoom(ctx context.Context, room *Room) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room (room_id, last_event_id, create_event_id, membership, encrypted, algorithm,
			members_loaded, predecessor_room_id, predecessor_event_id, successor_room_id, tombstone_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (room_id) DO UPDATE
			SET last_event_id=excluded.last_event_id, create_event_id=excluded.create_event_id,
			    membership=excluded.membership, encrypted=excluded.encrypted,
			    algorithm=excluded.algorithm, members_loaded=excluded.members_loaded,
			    predecessor_room_id=excluded.predecessor_room_id,
			    predecessor_event_id=excluded.predecessor_event_id,
			    successor_room_id=excluded.successor_room_id,
			    tombstone_event_id=excluded.tombstone_event_id
	`, room.ID, room.LastEventID, room.CreateEventID, string(room.Membership), room.Encrypted,
		string(room.Algorithm), room.MembersLoaded, room.PredecessorRoomID, room.PredecessorEventID,
		room.SuccessorRoomID, room.TombstoneEventID)
	if err != nil {
		return err
	}
	s.notifyRoom(ctx, room.ID)
	return nil
}

func (s *SQLStore) Rooms(ctx context.Context) ([]*Room, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id, last_event_id, create_event_id, membership, encrypted, algorithm,
		       members_loaded, predecessor_room_id, predecessor_event_id, successor_room_id, tombstone_event_id
		FROM room ORDER BY room_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO outbox_message (transaction_id, room_id, event_type, content, media_path, media_uri,
			created_ts, sent_ts, event_id, send_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.TransactionID, msg.RoomID, msg.EventType.Type, string(msg.Content), msg.MediaPath, msg.MediaURI,
		msg.CreatedAt.UnixMilli(), outboxSentTS(msg), msg.EventID, msg.SendError)
	if err != nil {
		return err
	}
	s.notifyRoom(ctx, msg.RoomID)
	return nil
}

func (s *SQLStore) GetOutboxMessage(ctx context.Context, txnID string) (*OutboxMessage, error) {
	row := s.db.QueryRow(ctx, `
		SELECT transaction_id, room_id, event_type, content, media_path, media_uri,
		       created_ts, sent_ts, event_id, send_error
		FROM outbox_message WHERE transaction_id=$1
	`, txnID)
	return scanOutbox(row)
}

func (s *SQLStore) UpdateOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_message
		SET content=$2, media_path=$3, media_uri=$4, sent_ts=$5, event_id=$6, send_error=$7
		WHERE transaction_id=$1
	`, msg.TransactionID, string(msg.Content), msg.MediaPath, msg.MediaURI, outboxSentTS(msg), msg.EventID, msg.SendError)
	if err != nil {
		return err
	}
	s.notifyRoom(ctx, msg.RoomID)
	return nil
}

func (s *SQLStore) DeleteOutboxMessage(ctx context.Context, txnID string) error {
	msg, err := s.GetOutboxMessage(ctx, txnID)
	if err != nil {
		return err
	}
	if _, err = s.db.Exec(ctx, `DELETE FROM outbox_message WHERE transaction_id=$1`, txnID); err != nil {
		return err
	}
	if msg != nil {
		s.notifyRoom(ctx, msg.RoomID)
	}
	return nil
}

func (s *SQLStore) UnsentOutboxMessages(ctx context.Context) ([]*OutboxMessage, error) {
	return s.queryOutbox(ctx, `
		SELECT transaction_id, room_id, event_type, content, media_path, media_uri,
		       created_ts, sent_ts, event_id, send_error
		FROM outbox_message WHERE sent_ts IS NULL AND send_error=''
		ORDER BY created_ts, transaction_id
	`)
}

func (s *SQLStore) OutboxMessages(ctx context.Context, roomID id.RoomID) ([]*OutboxMessage, error) {
	return s.queryOutbox(ctx, `
		SELECT transaction_id, room_id, event_type, content, media_path, media_uri,
		       created_ts, sent_ts, event_id, send_error
		FROM outbox_message WHERE room_id=$1
		ORDER BY created_ts, transaction_id
	`, roomID)
}

func (s *SQLStore) queryOutbox(ctx context.Context, query string, args ...any) ([]*OutboxMessage, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OutboxMessage
	for rows.Next() {
		msg, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSentOutboxBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM outbox_message WHERE sent_ts IS NOT NULL AND sent_ts<$1
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// txnNotifies collects room change signals raised inside a transaction
// so they only fire after commit. A signal for uncommitted state could
// let a subscriber read stale data and never hear about the commit.
type txnNotifies struct {
	mu    sync.Mutex
	rooms map[id.RoomID]struct{}
}

type txnNotifyKey struct{}

func (s *SQLStore) notifyRoom(ctx context.Context, roomID id.RoomID) {
	if pending, ok := ctx.Value(txnNotifyKey{}).(*txnNotifies); ok {
		pending.mu.Lock()
		pending.rooms[roomID] = struct{}{}
		pending.mu.Unlock()
		return
	}
	s.notify(roomID)
}

func (s *SQLStore) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	pending := &txnNotifies{rooms: make(map[id.RoomID]struct{})}
	err := s.db.DoTxn(context.WithValue(ctx, txnNotifyKey{}, pending), nil, fn)
	if err != nil {
		return err
	}
	for roomID := range pending.rooms {
		s.notify(roomID)
	}
	return nil
}

func (s *SQLStore) Observe(roomID id.RoomID) <-chan struct{} {
	return s.observe(roomID)
}

func (s *SQLStore) Unobserve(roomID id.RoomID, ch <-chan struct{}) {
	s.unobserve(roomID, ch)
}

func outboxSentTS(msg *OutboxMessage) any {
	if msg.SentAt == nil {
		return nil
	}
	return msg.SentAt.UnixMilli()
}

func scanNode(row dbutil.Scannable) (*TimelineNode, error) {
	var node TimelineNode
	var eventJSON string
	var decrypted sql.NullString
	err := row.Scan(&node.RoomID, &node.EventID, &eventJSON, &node.PrevEventID, &node.NextEventID,
		&node.GapBefore, &node.GapAfter, &decrypted)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	node.Event = &event.Event{}
	if err = json.Unmarshal([]byte(eventJSON), node.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", node.EventID, err)
	}
	if decrypted.Valid {
		node.Decrypted = &DecryptionResult{}
		if err = json.Unmarshal([]byte(decrypted.String), node.Decrypted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decryption result: %w", err)
		}
	}
	return &node, nil
}

func scanRoom(row dbutil.Scannable) (*Room, error) {
	var room Room
	var membership, algorithm string
	err := row.Scan(&room.ID, &room.LastEventID, &room.CreateEventID, &membership, &room.Encrypted,
		&algorithm, &room.MembersLoaded, &room.PredecessorRoomID, &room.PredecessorEventID,
		&room.SuccessorRoomID, &room.TombstoneEventID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	room.Membership = event.Membership(membership)
	room.Algorithm = id.Algorithm(algorithm)
	return &room, nil
}

func scanOutbox(row dbutil.Scannable) (*OutboxMessage, error) {
	var msg OutboxMessage
	var eventType, content string
	var createdTS int64
	var sentTS sql.NullInt64
	err := row.Scan(&msg.TransactionID, &msg.RoomID, &eventType, &content, &msg.MediaPath, &msg.MediaURI,
		&createdTS, &sentTS, &msg.EventID, &msg.SendError)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	msg.EventType = event.Type{Type: eventType, Class: event.MessageEventType}
	msg.Content = json.RawMessage(content)
	msg.CreatedAt = time.UnixMilli(createdTS)
	if sentTS.Valid {
		sent := time.UnixMilli(sentTS.Int64)
		msg.SentAt = &sent
	}
	return &msg, nil
}
