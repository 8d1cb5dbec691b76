package timeline

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const otherSender = id.UserID("@bob:example.com")

func setupAggregator(t *testing.T, events ...*event.Event) (*Aggregator, *EventHandler, Store) {
	t.Helper()
	store := NewMemoryStore()
	handler := newTestHandler(store)
	if err := handler.AppendSync(context.Background(), testRoom, events, "", "t1", false); err != nil {
		t.Fatalf("AppendSync errored: %v", err)
	}
	return NewAggregator(store, nopLog()), handler, store
}

func TestActiveEditPicksLatest(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$edit1", testSender, "$msg", "hello world", 5000),
		editEvent("$edit2", testSender, "$msg", "hello there", 10000),
	)
	ctx := context.Background()

	target := mustGetNode(t, store, "$msg")
	edit, err := agg.ActiveEdit(ctx, target, nil)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	if edit == nil || edit.EventID != "$edit2" {
		t.Errorf("active edit = %v, want $edit2", edit)
	}
}

func TestActiveEditIgnoresOtherSenders(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$forged", otherSender, "$msg", "h4x", 99000),
	)
	target := mustGetNode(t, store, "$msg")
	edit, err := agg.ActiveEdit(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	if edit != nil {
		t.Errorf("edit from another sender applied: %s", edit.EventID)
	}
}

func TestActiveEditIgnoresRedactedEdits(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$edit1", testSender, "$msg", "hello world", 5000),
		editEvent("$edit2", testSender, "$msg", "hello there", 10000),
		redactionEvent("$redact", testSender, "$edit2", 11000),
	)
	target := mustGetNode(t, store, "$msg")
	edit, err := agg.ActiveEdit(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	// The newest edit was redacted, so the previous one is in effect.
	if edit == nil || edit.EventID != "$edit1" {
		t.Errorf("active edit = %v, want $edit1", edit)
	}
}

func TestActiveEditPrefersNewerServerHint(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$edit1", testSender, "$msg", "hello world", 5000),
	)
	ctx := context.Background()
	target := mustGetNode(t, store, "$msg")

	// A newer bundled edit from the server wins over the local one.
	hint := editEvent("$edit2", testSender, "$msg", "hello from the server", 10000)
	edit, err := agg.ActiveEdit(ctx, target, hint)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	if edit == nil || edit.EventID != "$edit2" {
		t.Errorf("active edit = %v, want $edit2", edit)
	}

	// An older hint loses to the local state.
	stale := editEvent("$edit0", testSender, "$msg", "stale", 2000)
	edit, err = agg.ActiveEdit(ctx, target, stale)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	if edit == nil || edit.EventID != "$edit1" {
		t.Errorf("active edit = %v, want $edit1", edit)
	}
}

func TestReactionsGroupByKey(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		reactionEvent("$r1", testSender, "$msg", "👍", 2000),
		reactionEvent("$r2", otherSender, "$msg", "👍", 3000),
		reactionEvent("$r3", testSender, "$msg", "❤️", 4000),
		reactionEvent("$r4", otherSender, "$msg", "😂", 5000),
		redactionEvent("$redact", otherSender, "$r4", 6000),
	)
	target := mustGetNode(t, store, "$msg")
	groups, err := agg.Reactions(context.Background(), target)
	if err != nil {
		t.Fatalf("Reactions errored: %v", err)
	}
	if len(groups["👍"]) != 2 {
		t.Errorf("👍 count = %d, want 2", len(groups["👍"]))
	}
	if len(groups["❤️"]) != 1 {
		t.Errorf("❤️ count = %d, want 1", len(groups["❤️"]))
	}
	// The redacted reaction left its group entirely.
	if _, ok := groups["😂"]; ok {
		t.Error("redacted reaction still grouped")
	}
}

func TestApplyRedactionIsIdempotent(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
	)
	ctx := context.Background()

	first := redactionEvent("$redact1", testSender, "$msg", 2000)
	if err := agg.ApplyRedaction(ctx, first); err != nil {
		t.Fatalf("ApplyRedaction errored: %v", err)
	}
	target := mustGetNode(t, store, "$msg")
	if target.Event.Unsigned.RedactedBecause == nil {
		t.Fatal("redaction not applied")
	}

	// A second redaction of the same target changes nothing: the original
	// redacted_because survives.
	second := redactionEvent("$redact2", testSender, "$msg", 3000)
	if err := agg.ApplyRedaction(ctx, second); err != nil {
		t.Fatalf("repeat ApplyRedaction errored: %v", err)
	}
	target = mustGetNode(t, store, "$msg")
	if target.Event.Unsigned.RedactedBecause.ID != "$redact1" {
		t.Errorf("redacted_because = %s, want $redact1", target.Event.Unsigned.RedactedBecause.ID)
	}
}

func TestRedactionRemovesTargetsRelations(t *testing.T) {
	agg, _, store := setupAggregator(t,
		textEvent("$msg", testSender, "hello", 1000),
		editEvent("$edit", testSender, "$msg", "hello world", 5000),
		redactionEvent("$redact", testSender, "$edit", 6000),
	)
	ctx := context.Background()

	// The redacted edit's own relation edge is gone from the index.
	rels, err := store.GetRelations(ctx, testRoom, "$msg", event.RelReplace)
	if err != nil {
		t.Fatalf("GetRelations errored: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("redacted edit's relation survived: %+v", rels)
	}
	target := mustGetNode(t, store, "$msg")
	edit, err := agg.ActiveEdit(ctx, target, nil)
	if err != nil {
		t.Fatalf("ActiveEdit errored: %v", err)
	}
	if edit != nil {
		t.Errorf("redacted edit still active: %s", edit.EventID)
	}
}

func TestRedactionScrubsDecryptedContent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	node := &TimelineNode{
		RoomID:  testRoom,
		EventID: "$enc",
		Event:   encryptedEvent("$enc", testSender, "session", 1000),
		Decrypted: &DecryptionResult{Content: &event.Content{
			Raw: map[string]any{"body": "secret"},
		}},
	}
	if err := store.PutNodes(ctx, node); err != nil {
		t.Fatalf("PutNodes errored: %v", err)
	}

	agg := NewAggregator(store, nopLog())
	if err := agg.ApplyRedaction(ctx, redactionEvent("$redact", testSender, "$enc", 2000)); err != nil {
		t.Fatalf("ApplyRedaction errored: %v", err)
	}
	got := mustGetNode(t, store, "$enc")
	if got.Decrypted == nil {
		t.Fatal("decrypted placeholder missing after redaction")
	}
	if _, ok := got.Decrypted.Content.Raw["body"]; ok {
		t.Error("cleartext survived redaction")
	}
}
