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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Decryption errors. ErrUnknownSession and ErrUnknownMessageIndex mean
// the needed key material hasn't arrived and the attempt should suspend;
// ErrDecryptionTimeout is returned when it never does within the
// configured window and is retryable by calling Content again. All other
// decrypt errors are terminal and cached.
var (
	ErrUnknownSession      = errors.New("megolm session not known")
	ErrUnknownMessageIndex = errors.New("megolm session known only at a later message index")
	ErrValidationFailed    = errors.New("event failed decryption validation")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrDecryptionTimeout   = errors.New("timed out waiting for decryption key")
	ErrNoDecryptor         = errors.New("no decryptor for algorithm")
	ErrNotEncrypted        = errors.New("event is not encrypted")
)

// DecryptionCache coordinates on-demand decryption with at-most-once
// semantics per event: concurrent callers share one in-flight attempt,
// successful and terminal results are persisted into the node, and
// attempts blocked on a missing session key suspend until the key
// arrives or the timeout fires.
type DecryptionCache struct {
	store      Store
	decryptors map[id.Algorithm]Decryptor
	backup     SessionKeySource // nil when key backup is disabled
	devices    SessionKeySource
	timeout    time.Duration

	sf singleflight.Group

	waitersLock sync.Mutex
	waiters     map[sessionKey]*sessionWaiter

	log zerolog.Logger
}

type sessionKey struct {
	roomID    id.RoomID
	sessionID id.SessionID
}

// sessionWaiter is a reference-counted wake channel shared by all
// attempts suspended on one session. The entry is dropped when the key
// arrives or when the last suspended attempt gives up, so sessions whose
// keys never arrive don't accumulate.
type sessionWaiter struct {
	ch   chan struct{}
	refs int
}

func NewDecryptionCache(store Store, decryptors map[id.Algorithm]Decryptor, backup, devices SessionKeySource, timeout time.Duration, log zerolog.Logger) *DecryptionCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DecryptionCache{
		store:      store,
		decryptors: decryptors,
		backup:     backup,
		devices:    devices,
		timeout:    timeout,
		waiters:    make(map[sessionKey]*sessionWaiter),
		log:        log.With().Str("component", "decryption_cache").Logger(),
	}
}

// Content returns the node's decrypted content, decrypting at most once.
// Cached results (success or terminal failure) never re-invoke the
// provider. A timeout is reported as ErrDecryptionTimeout and is not
// cached: a later call starts a fresh attempt. Cancelling ctx detaches
// this caller without aborting an attempt shared with others.
func (c *DecryptionCache) Content(ctx context.Context, node *TimelineNode) (*event.Content, error) {
	if res := node.Decrypted; res != nil {
		return cachedResult(res)
	}
	// The caller's node may be stale; check the store before starting an
	// attempt another caller already finished.
	fresh, err := c.store.GetNode(ctx, node.RoomID, node.EventID)
	if err != nil {
		return nil, err
	}
	if fresh != nil && fresh.Decrypted != nil {
		node.Decrypted = fresh.Decrypted
		return cachedResult(fresh.Decrypted)
	}

	key := node.RoomID.String() + "/" + node.EventID.String()
	ch := c.sf.DoChan(key, func() (any, error) {
		defer c.sf.Forget(key)
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		content, err := c.attempt(attemptCtx, node)
		c.persist(context.WithoutCancel(ctx), node, content, err)
		return content, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*event.Content), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cachedResult(res *DecryptionResult) (*event.Content, error) {
	if res.OK() {
		return res.Content, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, res.Error)
}

// attempt runs the decrypt state machine: try, and while the session key
// is missing, request it and suspend until it arrives or the deadline
// fires.
func (c *DecryptionCache) attempt(ctx context.Context, node *TimelineNode) (*event.Content, error) {
	evt := node.Event
	ensureParsed(evt)
	encrypted, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEncrypted, evt.Type.Type)
	}
	decryptor := c.decryptors[encrypted.Algorithm]
	if decryptor == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDecryptor, encrypted.Algorithm)
	}
	sess := sessionKey{roomID: node.RoomID, sessionID: encrypted.SessionID}

	for {
		// Register the waiter before trying so a key arriving between the
		// failed try and the wait is not missed.
		arrived := c.acquireWaiter(sess)
		content, err := decryptor.Decrypt(ctx, evt)
		switch {
		case err == nil:
			c.releaseWaiter(sess, arrived)
			return content, nil
		case errors.Is(err, ErrUnknownSession):
			c.requestSession(ctx, sess, false)
		case errors.Is(err, ErrUnknownMessageIndex):
			// The session is locally known but starts at a later index;
			// "have it" is not good enough, ask backup for an earlier copy.
			c.requestSession(ctx, sess, true)
		default:
			c.releaseWaiter(sess, arrived)
			return nil, err
		}
		select {
		case <-arrived:
			// The key arrival already dropped the registry entry.
		case <-ctx.Done():
			c.releaseWaiter(sess, arrived)
			return nil, ErrDecryptionTimeout
		}
	}
}

func (c *DecryptionCache) requestSession(ctx context.Context, sess sessionKey, indexMismatch bool) {
	// Backup is preferred when enabled, including the index-mismatch
	// case where the session is nominally known: the backup may hold an
	// older checkpoint of the same session.
	source := c.backup
	if source == nil {
		source = c.devices
	}
	if source == nil {
		return
	}
	c.log.Debug().
		Str("room_id", sess.roomID.String()).
		Str("session_id", string(sess.sessionID)).
		Bool("index_mismatch", indexMismatch).
		Msg("Requesting missing megolm session")
	source.RequestSession(ctx, sess.roomID, sess.sessionID)
}

// persist writes successful and terminal results back into the node so
// future reads never re-decrypt. Retryable outcomes are left uncached.
func (c *DecryptionCache) persist(ctx context.Context, node *TimelineNode, content *event.Content, attemptErr error) {
	var result *DecryptionResult
	switch {
	case attemptErr == nil:
		result = &DecryptionResult{Content: content}
	case errors.Is(attemptErr, ErrDecryptionTimeout),
		errors.Is(attemptErr, ErrUnknownSession),
		errors.Is(attemptErr, ErrUnknownMessageIndex):
		return
	default:
		result = &DecryptionResult{Error: attemptErr.Error()}
	}
	fresh, err := c.store.GetNode(ctx, node.RoomID, node.EventID)
	if err != nil || fresh == nil {
		return
	}
	if fresh.Decrypted != nil {
		node.Decrypted = fresh.Decrypted
		return
	}
	fresh.Decrypted = result
	if err = c.store.PutNodes(ctx, fresh); err != nil {
		c.log.Err(err).
			Str("room_id", node.RoomID.String()).
			Str("event_id", node.EventID.String()).
			Msg("Failed to persist decryption result")
		return
	}
	node.Decrypted = result
}

// OnSessionReceived wakes every decrypt attempt suspended on the given
// session. Call it whenever new Megolm key material lands in the session
// store (from sync, key backup, or a forwarded key).
func (c *DecryptionCache) OnSessionReceived(roomID id.RoomID, sessionID id.SessionID) {
	key := sessionKey{roomID: roomID, sessionID: sessionID}
	c.waitersLock.Lock()
	waiter, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.waitersLock.Unlock()
	if ok {
		close(waiter.ch)
	}
}

func (c *DecryptionCache) acquireWaiter(key sessionKey) <-chan struct{} {
	c.waitersLock.Lock()
	defer c.waitersLock.Unlock()
	waiter, ok := c.waiters[key]
	if !ok {
		waiter = &sessionWaiter{ch: make(chan struct{})}
		c.waiters[key] = waiter
	}
	waiter.refs++
	return waiter.ch
}

// releaseWaiter drops one reference to the session's wake channel. The
// channel identity check skips entries already replaced after a key
// arrival woke and re-registered other attempts.
func (c *DecryptionCache) releaseWaiter(key sessionKey, ch <-chan struct{}) {
	c.waitersLock.Lock()
	defer c.waitersLock.Unlock()
	waiter, ok := c.waiters[key]
	if !ok || (<-chan struct{})(waiter.ch) != ch {
		return
	}
	waiter.refs--
	if waiter.refs <= 0 {
		delete(c.waiters, key)
	}
}
