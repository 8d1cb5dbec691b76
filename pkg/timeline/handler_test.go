package timeline

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func mustGetNode(t *testing.T, store Store, eventID id.EventID) *TimelineNode {
	t.Helper()
	node, err := store.GetNode(context.Background(), testRoom, eventID)
	if err != nil {
		t.Fatalf("GetNode(%s) errored: %v", eventID, err)
	}
	if node == nil {
		t.Fatalf("GetNode(%s) returned nil", eventID)
	}
	return node
}

func TestAppendSyncLinksFreshRun(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	events := []*event.Event{
		textEvent("$e1", testSender, "one", 1000),
		textEvent("$e2", testSender, "two", 2000),
		textEvent("$e3", testSender, "three", 3000),
	}
	if err := handler.AppendSync(ctx, testRoom, events, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	e1 := mustGetNode(t, store, "$e1")
	e2 := mustGetNode(t, store, "$e2")
	e3 := mustGetNode(t, store, "$e3")
	if e1.PrevEventID != "" || e1.GapBefore != "" {
		t.Errorf("first node should have no predecessor or leading gap, got prev=%q gap=%q", e1.PrevEventID, e1.GapBefore)
	}
	if e1.NextEventID != "$e2" || e2.PrevEventID != "$e1" || e2.NextEventID != "$e3" || e3.PrevEventID != "$e2" {
		t.Errorf("run not linked: e1.next=%q e2.prev=%q e2.next=%q e3.prev=%q", e1.NextEventID, e2.PrevEventID, e2.NextEventID, e3.PrevEventID)
	}
	if e3.GapAfter != "t1" {
		t.Errorf("tail gap = %q, want t1", e3.GapAfter)
	}
	room, err := store.GetRoom(ctx, testRoom)
	if err != nil || room == nil {
		t.Fatalf("GetRoom returned %v, %v", room, err)
	}
	if room.LastEventID != "$e3" {
		t.Errorf("room.LastEventID = %s, want $e3", room.LastEventID)
	}
}

func TestAppendSyncContinuationResolvesTrailingGap(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	first := []*event.Event{textEvent("$e1", testSender, "one", 1000)}
	if err := handler.AppendSync(ctx, testRoom, first, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}
	// Continuation: prevBatch matches the tail's trailing token, so the
	// batch links directly and the gap disappears.
	second := []*event.Event{textEvent("$e2", testSender, "two", 2000)}
	if err := handler.AppendSync(ctx, testRoom, second, "t1", "t2", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	e1 := mustGetNode(t, store, "$e1")
	e2 := mustGetNode(t, store, "$e2")
	if e1.NextEventID != "$e2" || e2.PrevEventID != "$e1" {
		t.Errorf("continuation not linked: e1.next=%q e2.prev=%q", e1.NextEventID, e2.PrevEventID)
	}
	if e1.GapAfter != "" {
		t.Errorf("tail gap should be resolved by the link, got %q", e1.GapAfter)
	}
	if e2.GapBefore != "" {
		t.Errorf("continuation should have no leading gap, got %q", e2.GapBefore)
	}
	if !e1.checkLinkGapExclusive() || !e2.checkLinkGapExclusive() {
		t.Error("link/gap exclusivity violated")
	}
}

func TestAppendSyncLimitedPreservesTrailingGap(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	first := []*event.Event{textEvent("$e1", testSender, "one", 1000)}
	if err := handler.AppendSync(ctx, testRoom, first, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}
	// Limited sync: events were skipped between the tail and this batch.
	second := []*event.Event{textEvent("$e5", testSender, "five", 5000)}
	if err := handler.AppendSync(ctx, testRoom, second, "t4", "t5", true); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	e1 := mustGetNode(t, store, "$e1")
	e5 := mustGetNode(t, store, "$e5")
	if e1.GapAfter != "t1" {
		t.Errorf("old tail's gap not preserved, got %q", e1.GapAfter)
	}
	if e1.NextEventID != "" || e5.PrevEventID != "" {
		t.Errorf("limited batch must not link to the tail: e1.next=%q e5.prev=%q", e1.NextEventID, e5.PrevEventID)
	}
	if e5.GapBefore != "t4" {
		t.Errorf("new run's leading gap = %q, want t4", e5.GapBefore)
	}
	if e5.GapAfter != "t5" {
		t.Errorf("new run's trailing gap = %q, want t5", e5.GapAfter)
	}
	room, _ := store.GetRoom(ctx, testRoom)
	if room.LastEventID != "$e5" {
		t.Errorf("room.LastEventID = %s, want $e5", room.LastEventID)
	}
}

func TestAppendSyncDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	events := []*event.Event{
		textEvent("$e1", testSender, "one", 1000),
		textEvent("$e2", testSender, "two", 2000),
	}
	if err := handler.AppendSync(ctx, testRoom, events, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}
	// Replaying the same batch must not relink or move the tip.
	if err := handler.AppendSync(ctx, testRoom, events, "t1", "t2", false); err != nil {
		t.Fatalf("AppendSync replay errored: %v", err)
	}

	e2 := mustGetNode(t, store, "$e2")
	if e2.NextEventID != "" {
		t.Errorf("replay created a link: e2.next=%q", e2.NextEventID)
	}
	if e2.GapAfter != "t1" {
		t.Errorf("replay changed the trailing gap: %q", e2.GapAfter)
	}
	room, _ := store.GetRoom(ctx, testRoom)
	if room.LastEventID != "$e2" {
		t.Errorf("replay moved the tip to %s", room.LastEventID)
	}
}

func TestAppendSyncDoesNotBypassKnownInteriorEvent(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	// $known sits mid-run with both links occupied, e.g. from an earlier
	// backfill elsewhere in the timeline.
	a := &TimelineNode{RoomID: testRoom, EventID: "$a", Event: textEvent("$a", testSender, "a", 1000), NextEventID: "$known"}
	known := &TimelineNode{RoomID: testRoom, EventID: "$known", Event: textEvent("$known", testSender, "known", 2000), PrevEventID: "$a", NextEventID: "$b"}
	b := &TimelineNode{RoomID: testRoom, EventID: "$b", Event: textEvent("$b", testSender, "b", 3000), PrevEventID: "$known"}
	if err := store.PutNodes(ctx, a, known, b); err != nil {
		t.Fatalf("PutNodes errored: %v", err)
	}
	if err := store.PutRoom(ctx, &Room{ID: testRoom, LastEventID: "$b"}); err != nil {
		t.Fatalf("PutRoom errored: %v", err)
	}

	batch := []*event.Event{
		textEvent("$n1", testSender, "n1", 1500),
		textEvent("$known", testSender, "known", 2000),
		textEvent("$n2", testSender, "n2", 2500),
	}
	if err := handler.AppendSync(ctx, testRoom, batch, "", "t9", true); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	n1 := mustGetNode(t, store, "$n1")
	n2 := mustGetNode(t, store, "$n2")
	k := mustGetNode(t, store, "$known")
	if n1.NextEventID == "$n2" || n2.PrevEventID == "$n1" {
		t.Error("fresh neighbors were linked around the known interior event")
	}
	if k.PrevEventID != "$a" || k.NextEventID != "$b" {
		t.Errorf("known node's links changed: prev=%q next=%q", k.PrevEventID, k.NextEventID)
	}
	if n1.NextEventID != "" {
		t.Errorf("fresh node linked into an occupied side: %q", n1.NextEventID)
	}
	if n2.GapAfter != "t9" {
		t.Errorf("batch tail gap = %q, want t9", n2.GapAfter)
	}
	for _, node := range []*TimelineNode{n1, n2, k} {
		if !node.checkLinkGapExclusive() {
			t.Errorf("link/gap exclusivity violated on %s", node.EventID)
		}
	}
}

func TestAppendSyncMergesThroughFreeKnownEvent(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	// A lone bootstrapped node with both sides free gets merged into the
	// batch's run rather than bypassed.
	known := &TimelineNode{RoomID: testRoom, EventID: "$known", Event: textEvent("$known", testSender, "known", 2000)}
	if err := store.PutNodes(ctx, known); err != nil {
		t.Fatalf("PutNodes errored: %v", err)
	}

	batch := []*event.Event{
		textEvent("$n1", testSender, "n1", 1500),
		textEvent("$known", testSender, "known", 2000),
		textEvent("$n2", testSender, "n2", 2500),
	}
	if err := handler.AppendSync(ctx, testRoom, batch, "t0", "t9", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	n1 := mustGetNode(t, store, "$n1")
	n2 := mustGetNode(t, store, "$n2")
	k := mustGetNode(t, store, "$known")
	if n1.NextEventID != "$known" || k.PrevEventID != "$n1" || k.NextEventID != "$n2" || n2.PrevEventID != "$known" {
		t.Errorf("batch not merged through known node: n1.next=%q k.prev=%q k.next=%q n2.prev=%q", n1.NextEventID, k.PrevEventID, k.NextEventID, n2.PrevEventID)
	}
	if n1.GapBefore != "t0" || n2.GapAfter != "t9" {
		t.Errorf("run edge gaps = %q / %q, want t0 / t9", n1.GapBefore, n2.GapAfter)
	}
	room, _ := store.GetRoom(ctx, testRoom)
	if room.LastEventID != "$n2" {
		t.Errorf("room.LastEventID = %s, want $n2", room.LastEventID)
	}
}

func TestAppendSyncAppliesInBatchRedaction(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	events := []*event.Event{
		textEvent("$msg", testSender, "oops", 1000),
		redactionEvent("$redact", testSender, "$msg", 2000),
	}
	if err := handler.AppendSync(ctx, testRoom, events, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	target := mustGetNode(t, store, "$msg")
	if target.Event.Unsigned.RedactedBecause == nil {
		t.Fatal("redaction not applied to same-batch target")
	}
	if target.Event.Unsigned.RedactedBecause.ID != "$redact" {
		t.Errorf("redacted_because = %s, want $redact", target.Event.Unsigned.RedactedBecause.ID)
	}
	if len(target.Event.Content.Raw) != 0 || target.Event.Content.Parsed != nil {
		t.Error("redacted content not stripped")
	}
	// Position and links survive redaction.
	if target.NextEventID != "$redact" {
		t.Errorf("redacted node lost its link: next=%q", target.NextEventID)
	}
}

func TestAppendSyncIndexesRelations(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	events := []*event.Event{
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$edit", testSender, "$msg", "hello world", 2000),
		reactionEvent("$react", testSender, "$msg", "👍", 3000),
	}
	if err := handler.AppendSync(ctx, testRoom, events, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	edits, err := store.GetRelations(ctx, testRoom, "$msg", event.RelReplace)
	if err != nil {
		t.Fatalf("GetRelations errored: %v", err)
	}
	if len(edits) != 1 || edits[0].RelatingEventID != "$edit" {
		t.Errorf("edit relation not indexed: %+v", edits)
	}
	reactions, err := store.GetRelations(ctx, testRoom, "$msg", event.RelAnnotation)
	if err != nil {
		t.Fatalf("GetRelations errored: %v", err)
	}
	if len(reactions) != 1 || reactions[0].RelatingEventID != "$react" {
		t.Errorf("reaction relation not indexed: %+v", reactions)
	}
}

func TestAppendSyncReconcilesLocalEcho(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	err := store.AddOutboxMessage(ctx, &OutboxMessage{
		RoomID:        testRoom,
		TransactionID: "txn-1",
		EventType:     event.EventMessage,
		Content:       []byte(`{"msgtype":"m.text","body":"my own message"}`),
	})
	if err != nil {
		t.Fatalf("AddOutboxMessage errored: %v", err)
	}

	echo := encryptedEvent("$echo", testSelf, "session", 1000)
	echo.Unsigned.TransactionID = "txn-1"
	if err := handler.AppendSync(ctx, testRoom, []*event.Event{echo}, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	node := mustGetNode(t, store, "$echo")
	if !node.Decrypted.OK() {
		t.Fatal("echo node has no pre-populated decrypted content")
	}
	if body, _ := node.Decrypted.Content.Raw["body"].(string); body != "my own message" {
		t.Errorf("echo content body = %q", body)
	}
}

func TestAppendSyncUpdatesRoomState(t *testing.T) {
	store := NewMemoryStore()
	handler := newTestHandler(store)
	ctx := context.Background()

	stateKey := ""
	create := &event.Event{
		ID: "$create", RoomID: testRoom, Sender: testSender,
		Type: event.StateCreate, StateKey: &stateKey, Timestamp: 1,
		Content: event.Content{Parsed: &event.CreateEventContent{}},
	}
	encryption := &event.Event{
		ID: "$enc", RoomID: testRoom, Sender: testSender,
		Type: event.StateEncryption, StateKey: &stateKey, Timestamp: 2,
		Content: event.Content{Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}},
	}
	selfKey := testSelf.String()
	member := &event.Event{
		ID: "$member", RoomID: testRoom, Sender: testSelf,
		Type: event.StateMember, StateKey: &selfKey, Timestamp: 3,
		Content: event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}},
	}
	tombstone := &event.Event{
		ID: "$tomb", RoomID: testRoom, Sender: testSender,
		Type: event.StateTombstone, StateKey: &stateKey, Timestamp: 4,
		Content: event.Content{Parsed: &event.TombstoneEventContent{ReplacementRoom: "!new:example.com"}},
	}
	err := handler.AppendSync(ctx, testRoom, []*event.Event{create, encryption, member, tombstone}, "", "t1", false)
	if err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}

	room, _ := store.GetRoom(ctx, testRoom)
	if room.CreateEventID != "$create" {
		t.Errorf("CreateEventID = %s", room.CreateEventID)
	}
	if !room.Encrypted || room.Algorithm != id.AlgorithmMegolmV1 {
		t.Errorf("encryption state not applied: %v %s", room.Encrypted, room.Algorithm)
	}
	if room.Membership != event.MembershipJoin {
		t.Errorf("Membership = %s", room.Membership)
	}
	if room.SuccessorRoomID != "!new:example.com" || room.TombstoneEventID != "$tomb" {
		t.Errorf("tombstone state not applied: %s %s", room.SuccessorRoomID, room.TombstoneEventID)
	}
}
