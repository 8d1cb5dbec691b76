// matrix-timeline - A Matrix client timeline engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package outbox delivers locally authored messages: queued in the
// store, sent in order while the sync connection is up, retried with
// backoff on transient failures, and swept once confirmed and old
// enough. The transaction id attached to every send lets the ingestion
// handler reconcile the server echo instead of duplicating the message.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/retryafter"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-timeline/pkg/timeline"
)

// SendClient performs the protocol send call. Satisfied by a thin
// wrapper around *mautrix.Client.
type SendClient interface {
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, txnID string) (*mautrix.RespSendEvent, error)
}

// MediaUploader resolves a local cache file to a remote content URI
// before the message referencing it can be sent.
type MediaUploader interface {
	UploadFile(ctx context.Context, path, mimeType string, progress func(uploaded, total int64)) (id.ContentURIString, error)
}

type Config struct {
	// RetryFloor/RetryCeiling bound the exponential backoff after
	// transient send failures. Retries are unbounded in count.
	RetryFloor   time.Duration
	RetryCeiling time.Duration
	// SendTimeout is the per-attempt deadline; transient retries get a
	// fresh one each attempt.
	SendTimeout time.Duration
	// Retention is how long sent messages stay before the sweep
	// removes them.
	Retention     time.Duration
	SweepInterval time.Duration
}

// ConfigFrom maps the engine's tuning block onto outbox settings.
func ConfigFrom(cfg *timeline.Config) Config {
	return Config{
		RetryFloor:   cfg.OutboxRetryFloorDuration(),
		RetryCeiling: cfg.OutboxRetryCeilingDuration(),
		SendTimeout:  cfg.SendTimeoutDuration(),
		Retention:    cfg.OutboxRetentionDuration(),
	}
}

func (c *Config) applyDefaults() {
	if c.RetryFloor <= 0 {
		c.RetryFloor = 2 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

type retryState struct {
	attempts    int
	nextAttempt time.Time
}

// Outbox drains the store's queue of unsent messages. Processing is
// serial in store iteration order, gated on connectivity, and never
// blocks ingestion or reads.
type Outbox struct {
	store     timeline.Store
	client    SendClient
	media     MediaUploader
	connected *exsync.Event
	cfg       Config
	log       zerolog.Logger

	wake chan struct{}

	retryMu sync.Mutex
	retries map[string]*retryState
}

func New(store timeline.Store, client SendClient, media MediaUploader, cfg Config, log zerolog.Logger) *Outbox {
	cfg.applyDefaults()
	return &Outbox{
		store:     store,
		client:    client,
		media:     media,
		connected: exsync.NewEvent(),
		cfg:       cfg,
		log:       log.With().Str("component", "outbox").Logger(),
		wake:      make(chan struct{}, 1),
		retries:   make(map[string]*retryState),
	}
}

// SetConnected reflects the sync connection state. The outbox only
// sends while connected and goes back to waiting when the connection
// drops.
func (o *Outbox) SetConnected(connected bool) {
	if connected {
		o.connected.Set()
	} else {
		o.connected.Clear()
	}
	o.poke()
}

// Enqueue queues a message for delivery and returns the stored record.
// mediaPath may name a local file to upload before sending.
func (o *Outbox) Enqueue(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, mediaPath string) (*timeline.OutboxMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	msg := &timeline.OutboxMessage{
		RoomID:        roomID,
		TransactionID: uuid.New().String(),
		EventType:     evtType,
		Content:       raw,
		MediaPath:     mediaPath,
		CreatedAt:     time.Now(),
	}
	if err = o.store.AddOutboxMessage(ctx, msg); err != nil {
		return nil, err
	}
	o.poke()
	return msg, nil
}

// Cancel abandons a queued message. A cancellation racing an in-flight
// media upload wins: the upload result is dropped when the row is gone.
func (o *Outbox) Cancel(ctx context.Context, txnID string) error {
	o.clearRetry(txnID)
	return o.store.DeleteOutboxMessage(ctx, txnID)
}

func (o *Outbox) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	sweep := time.NewTicker(o.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		if !o.connected.IsSet() {
			select {
			case <-ctx.Done():
				return
			case <-o.connected.GetChan():
				continue
			case <-sweep.C:
				o.Sweep(ctx)
				continue
			}
		}

		nextDue := o.processOnce(ctx)
		wait := time.Minute
		if !nextDue.IsZero() {
			if until := time.Until(nextDue); until < wait {
				wait = until
			}
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.wake:
		case <-sweep.C:
			o.Sweep(ctx)
		case <-timer.C:
		}
		timer.Stop()
	}
}

// processOnce attempts every due unsent message once, in queue order,
// and returns the earliest future retry time (zero when idle).
func (o *Outbox) processOnce(ctx context.Context) time.Time {
	msgs, err := o.store.UnsentOutboxMessages(ctx)
	if err != nil {
		o.log.Err(err).Msg("Failed to list unsent outbox messages")
		return time.Time{}
	}
	var nextDue time.Time
	now := time.Now()
	for _, msg := range msgs {
		if ctx.Err() != nil || !o.connected.IsSet() {
			break
		}
		if state := o.getRetry(msg.TransactionID); state != nil && state.nextAttempt.After(now) {
			if nextDue.IsZero() || state.nextAttempt.Before(nextDue) {
				nextDue = state.nextAttempt
			}
			continue
		}
		o.attempt(ctx, msg)
		if state := o.getRetry(msg.TransactionID); state != nil {
			if nextDue.IsZero() || state.nextAttempt.Before(nextDue) {
				nextDue = state.nextAttempt
			}
		}
	}
	return nextDue
}

func (o *Outbox) attempt(ctx context.Context, msg *timeline.OutboxMessage) {
	log := o.log.With().
		Str("room_id", msg.RoomID.String()).
		Str("transaction_id", msg.TransactionID).
		Logger()

	// Reload: the message may have been cancelled since listing.
	msg, err := o.store.GetOutboxMessage(ctx, msg.TransactionID)
	if err != nil || msg == nil || msg.Sent() {
		return
	}

	if msg.MediaPath != "" && msg.MediaURI == "" {
		if !o.resolveMedia(ctx, log, msg) {
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	resp, err := o.client.SendMessage(sendCtx, msg.RoomID, msg.EventType, json.RawMessage(msg.Content), msg.TransactionID)
	cancel()
	switch {
	case err == nil:
		now := time.Now()
		msg.SentAt = &now
		msg.EventID = resp.EventID
		if err = o.store.UpdateOutboxMessage(ctx, msg); err != nil {
			log.Err(err).Msg("Failed to mark outbox message sent")
			return
		}
		o.clearRetry(msg.TransactionID)
		log.Debug().Str("event_id", resp.EventID.String()).Msg("Outbox message sent")
	case isRateLimited(err):
		delay := o.rateLimitDelay(err)
		o.scheduleRetry(msg.TransactionID, delay, false)
		log.Debug().Dur("delay", delay).Msg("Send rate-limited, waiting out server delay")
	case isPermanent(err):
		msg.SendError = err.Error()
		if uerr := o.store.UpdateOutboxMessage(ctx, msg); uerr != nil {
			log.Err(uerr).Msg("Failed to record permanent send error")
			return
		}
		o.clearRetry(msg.TransactionID)
		log.Warn().Err(err).Msg("Outbox message rejected by server")
	default:
		delay := o.scheduleRetry(msg.TransactionID, 0, true)
		log.Debug().Err(err).Dur("delay", delay).Msg("Transient send failure, backing off")
	}
}

// resolveMedia uploads the message's local file and patches the content
// with the resolved URI. Returns false when the attempt ended (failure
// scheduled for retry, or the message was cancelled mid-upload).
func (o *Outbox) resolveMedia(ctx context.Context, log zerolog.Logger, msg *timeline.OutboxMessage) bool {
	mimeType := ""
	if mt, err := mimetype.DetectFile(msg.MediaPath); err == nil {
		mimeType = mt.String()
	}
	uri, err := o.media.UploadFile(ctx, msg.MediaPath, mimeType, func(uploaded, total int64) {
		log.Debug().Int64("uploaded", uploaded).Int64("total", total).Msg("Media upload progress")
	})
	if err != nil {
		delay := o.scheduleRetry(msg.TransactionID, 0, true)
		log.Debug().Err(err).Dur("delay", delay).Msg("Media upload failed, backing off")
		return false
	}

	// Cancellation check: if the row disappeared during the upload, the
	// send is abandoned without error.
	current, err := o.store.GetOutboxMessage(ctx, msg.TransactionID)
	if err != nil || current == nil {
		log.Debug().Msg("Outbox message cancelled during media upload")
		return false
	}

	var content map[string]any
	if err = json.Unmarshal(msg.Content, &content); err != nil {
		msg.SendError = "invalid media message content: " + err.Error()
		_ = o.store.UpdateOutboxMessage(ctx, msg)
		return false
	}
	content["url"] = string(uri)
	if mimeType != "" {
		info, _ := content["info"].(map[string]any)
		if info == nil {
			info = make(map[string]any)
		}
		info["mimetype"] = mimeType
		content["info"] = info
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return false
	}
	msg.Content = raw
	msg.MediaURI = string(uri)
	if err = o.store.UpdateOutboxMessage(ctx, msg); err != nil {
		log.Err(err).Msg("Failed to store resolved media URI")
		return false
	}
	return true
}

// Sweep removes sent messages older than the retention window.
func (o *Outbox) Sweep(ctx context.Context) {
	removed, err := o.store.DeleteSentOutboxBefore(ctx, time.Now().Add(-o.cfg.Retention))
	if err != nil {
		o.log.Err(err).Msg("Outbox sweep failed")
		return
	}
	if removed > 0 {
		o.log.Debug().Int("removed", removed).Msg("Swept sent outbox messages")
	}
}

func (o *Outbox) getRetry(txnID string) *retryState {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	return o.retries[txnID]
}

func (o *Outbox) clearRetry(txnID string) {
	o.retryMu.Lock()
	delete(o.retries, txnID)
	o.retryMu.Unlock()
}

// scheduleRetry records the next attempt time. With backoff=true the
// delay doubles per attempt between the configured floor and ceiling;
// otherwise the given delay (e.g. a server-specified rate-limit wait)
// is used as-is without counting toward backoff growth.
func (o *Outbox) scheduleRetry(txnID string, delay time.Duration, backoff bool) time.Duration {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	state := o.retries[txnID]
	if state == nil {
		state = &retryState{}
		o.retries[txnID] = state
	}
	if backoff {
		delay = o.cfg.RetryFloor << state.attempts
		if delay > o.cfg.RetryCeiling || delay <= 0 {
			delay = o.cfg.RetryCeiling
		}
		state.attempts++
	}
	state.nextAttempt = time.Now().Add(delay)
	return delay
}

func isRateLimited(err error) bool {
	return errors.Is(err, mautrix.MLimitExceeded)
}

// isPermanent reports whether the error is a structured server
// rejection. Bare transport errors stay retryable forever.
func isPermanent(err error) bool {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.RespError != nil
}

func (o *Outbox) rateLimitDelay(err error) time.Duration {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RespError != nil {
			if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok {
				return time.Duration(ms) * time.Millisecond
			}
		}
		if httpErr.Response != nil {
			return retryafter.Parse(httpErr.Response.Header.Get("Retry-After"), o.cfg.RetryFloor)
		}
	}
	return o.cfg.RetryFloor
}
