package timeline

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// PaginationClient fetches ordered event batches from the server. It is
// satisfied by a thin wrapper around *mautrix.Client; the engine never
// talks to the wire directly.
type PaginationClient interface {
	// GetEvents paginates room history starting at the `from` token,
	// moving in `dir`. The chunk is ordered moving away from `from`.
	// `to` bounds the walk and may be empty.
	GetEvents(ctx context.Context, roomID id.RoomID, from, to string, dir mautrix.Direction, limit int, filter *mautrix.FilterPart) (*mautrix.RespMessages, error)
	// GetEventContext fetches a single event plus surrounding history,
	// used to bootstrap a timeline around an anchor with no local node.
	GetEventContext(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int, filter *mautrix.FilterPart) (*mautrix.RespContext, error)
}

// Decryptor attempts to decrypt a single encrypted event. One
// implementation exists per encryption algorithm; the cache dispatches on
// the event's algorithm field. Implementations report missing key
// material with ErrUnknownSession / ErrUnknownMessageIndex and anything
// unrecoverable with ErrValidationFailed (or any other error, which is
// treated as terminal).
type Decryptor interface {
	Decrypt(ctx context.Context, evt *event.Event) (*event.Content, error)
}

// SessionKeySource asks an external source (key backup or peer devices)
// to supply a missing Megolm session. Fire-and-forget: arrival is
// signaled separately through DecryptionCache.OnSessionReceived.
type SessionKeySource interface {
	RequestSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID)
}

// StateHook receives membership and encryption state changes observed
// during ingestion, letting the member-list and crypto layers react
// without the handler knowing about them.
type StateHook interface {
	HandleMembership(ctx context.Context, roomID id.RoomID, evt *event.Event)
	HandleEncryption(ctx context.Context, roomID id.RoomID, evt *event.Event)
}
