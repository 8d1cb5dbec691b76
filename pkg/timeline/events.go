package timeline

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// indexedRelationTypes are the relation types recorded into the relation
// table at ingestion time.
var indexedRelationTypes = map[event.RelationType]bool{
	event.RelReplace:    true,
	event.RelAnnotation: true,
	event.RelReference:  true,
}

func ensureParsed(evt *event.Event) {
	if evt.Content.Parsed == nil && evt.Content.Raw != nil {
		_ = evt.Content.ParseRaw(evt.Type)
	}
}

// extractRelation pulls the m.relates_to edge out of an event. For
// encrypted events the relation lives in the cleartext part of the
// payload, so this works before decryption.
func extractRelation(evt *event.Event) *event.RelatesTo {
	ensureParsed(evt)
	switch content := evt.Content.Parsed.(type) {
	case *event.MessageEventContent:
		if content.RelatesTo != nil && content.RelatesTo.Type != "" {
			return content.RelatesTo
		}
	case *event.ReactionEventContent:
		if content.RelatesTo.Type != "" {
			return &content.RelatesTo
		}
	case *event.EncryptedEventContent:
		if content.RelatesTo != nil && content.RelatesTo.Type != "" {
			return content.RelatesTo
		}
	}
	// Fallback for content that didn't parse into a known struct.
	rawRel, ok := evt.Content.Raw["m.relates_to"].(map[string]any)
	if !ok {
		return nil
	}
	relType, _ := rawRel["rel_type"].(string)
	targetID, _ := rawRel["event_id"].(string)
	key, _ := rawRel["key"].(string)
	if relType == "" || targetID == "" {
		return nil
	}
	return &event.RelatesTo{
		Type:    event.RelationType(relType),
		EventID: id.EventID(targetID),
		Key:     key,
	}
}

// redactionTarget returns the event id a redaction erases, or "" if the
// event is not a redaction.
func redactionTarget(evt *event.Event) id.EventID {
	if evt.Type != event.EventRedaction {
		return ""
	}
	if evt.Redacts != "" {
		return evt.Redacts
	}
	ensureParsed(evt)
	if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
		return content.Redacts
	}
	return ""
}

// reactionKey returns the annotation key (usually an emoji) of a
// reaction event.
func reactionKey(evt *event.Event) string {
	if rel := extractRelation(evt); rel != nil {
		return rel.Key
	}
	return ""
}

func isRedacted(evt *event.Event) bool {
	return evt.Unsigned.RedactedBecause != nil
}
