// matrix-timeline - A Matrix client timeline engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Engine wires the timeline components around one shared store and one
// per-room lock table. The store is the single source of truth; the
// locks and single-flight groups inside the components are advisory
// coordination only.
type Engine struct {
	Store      Store
	Handler    *EventHandler
	GapFiller  *GapFiller
	Reader     *Reader
	Decryption *DecryptionCache
	Aggregator *Aggregator
}

// EngineOpts collects the external collaborators the engine consumes.
type EngineOpts struct {
	Store      Store
	Pagination PaginationClient
	Decryptors map[id.Algorithm]Decryptor
	KeyBackup  SessionKeySource // nil disables backup fallback
	KeyDevices SessionKeySource
	StateHook  StateHook
	OwnUserID  id.UserID
	Filter     *mautrix.FilterPart
	Config     *Config
	Log        zerolog.Logger
}

func NewEngine(opts EngineOpts) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{}
	}
	_ = cfg.PostProcess()

	locks := newRoomLocks()
	handler := NewEventHandler(opts.Store, locks, opts.StateHook, opts.OwnUserID, opts.Log)
	filler := NewGapFiller(opts.Store, opts.Pagination, handler, locks, cfg.PageLimit, opts.Filter, opts.Log)
	reader := NewReader(opts.Store, filler, opts.Pagination, handler, locks, cfg.PageLimit, opts.Filter, opts.Log)
	return &Engine{
		Store:      opts.Store,
		Handler:    handler,
		GapFiller:  filler,
		Reader:     reader,
		Decryption: NewDecryptionCache(opts.Store, opts.Decryptors, opts.KeyBackup, opts.KeyDevices, cfg.DecryptTimeoutDuration(), opts.Log),
		Aggregator: NewAggregator(opts.Store, opts.Log),
	}
}
