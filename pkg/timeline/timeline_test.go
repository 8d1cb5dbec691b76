package timeline

import (
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testRoom   = id.RoomID("!room:example.com")
	testSender = id.UserID("@alice:example.com")
	testSelf   = id.UserID("@me:example.com")
)

func nopLog() zerolog.Logger {
	return zerolog.Nop()
}

func textEvent(eventID id.EventID, sender id.UserID, body string, ts int64) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: ts,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func editEvent(eventID id.EventID, sender id.UserID, targetID id.EventID, body string, ts int64) *event.Event {
	evt := textEvent(eventID, sender, "* "+body, ts)
	content := evt.Content.Parsed.(*event.MessageEventContent)
	content.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: targetID}
	content.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	return evt
}

func reactionEvent(eventID id.EventID, sender id.UserID, targetID id.EventID, key string, ts int64) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Sender:    sender,
		Type:      event.EventReaction,
		Timestamp: ts,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: targetID, Key: key},
		}},
	}
}

func redactionEvent(eventID id.EventID, sender id.UserID, targetID id.EventID, ts int64) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Sender:    sender,
		Type:      event.EventRedaction,
		Timestamp: ts,
		Redacts:   targetID,
		Content:   event.Content{Parsed: &event.RedactionEventContent{Redacts: targetID}},
	}
}

func encryptedEvent(eventID id.EventID, sender id.UserID, sessionID id.SessionID, ts int64) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Sender:    sender,
		Type:      event.EventEncrypted,
		Timestamp: ts,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmMegolmV1,
			SessionID: sessionID,
		}},
	}
}

func newTestHandler(store Store) *EventHandler {
	return NewEventHandler(store, newRoomLocks(), nil, testSelf, nopLog())
}
