// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package convlist

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
)

// View is one merged conversation-list entry: the canonical document
// with the fresher ephemeral preview/unread values layered on top.
// Canonical stays authoritative for membership and everything the
// ephemeral cache lacks.
type View struct {
	Conversation *chat.Conversation
	LastMessage  chat.Preview
	Unread       int64
}

type Config struct {
	// ThrottleWindow bounds emission frequency, coalescing update
	// bursts during backfill or reconnection. Zero emits synchronously
	// (used by tests).
	ThrottleWindow time.Duration
	// PageLimit bounds the canonical conversation query.
	PageLimit int
}

// Synchronizer produces a continuously updated, sorted conversation
// list for one user. The last emitted list is cached and replayed
// synchronously to new subscribers, so a UI remount never flashes
// empty.
type Synchronizer struct {
	userID string
	canon  canonical.Store
	mux    *ephemeral.Multiplexer
	log    zerolog.Logger

	mu        sync.Mutex
	cfg       Config
	docs      map[string]*chat.Conversation
	meta      map[string]*chat.EphemeralMeta
	unread    map[string]map[string]int64
	watches   map[string][]*ephemeral.Handle
	observers map[int]func([]View)
	nextObsID int
	lastList  []View
	hasList   bool
	timer     *time.Timer
	dirty     bool
	teardown  func()
	closed    bool
}

func New(userID string, canon canonical.Store, mux *ephemeral.Multiplexer, cfg Config, log zerolog.Logger) *Synchronizer {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	return &Synchronizer{
		userID: userID,
		canon:  canon,
		mux:    mux,
		log: log.With().
			Str("component", "convlist").
			Str("user_id", userID).
			Logger(),
		cfg:       cfg,
		docs:      make(map[string]*chat.Conversation),
		meta:      make(map[string]*chat.EphemeralMeta),
		unread:    make(map[string]map[string]int64),
		watches:   make(map[string][]*ephemeral.Handle),
		observers: make(map[int]func([]View)),
	}
}

// Start warms the document map and subscribes to the canonical feed.
// A missing composite index downgrades to the unordered query (the
// list is sorted client-side anyway); a permission error yields a
// permanently empty list; any other canonical error degrades to
// stale/empty rather than propagating.
func (s *Synchronizer) Start(ctx context.Context) error {
	convs, err := s.canon.QueryConversations(ctx, s.userID, s.cfg.PageLimit)
	if errors.Is(err, canonical.ErrMissingIndex) {
		s.log.Warn().Msg("Ordered conversation query unavailable, falling back to unordered")
		convs, err = s.canon.QueryConversationsUnordered(ctx, s.userID, s.cfg.PageLimit)
	}
	switch {
	case errors.Is(err, canonical.ErrPermissionDenied):
		s.log.Error().Err(err).Msg("Conversation query denied, staying empty")
		s.scheduleEmit()
		return nil
	case err != nil:
		s.log.Error().Err(err).Msg("Conversation query failed, degrading to empty list")
	default:
		s.mu.Lock()
		for _, conv := range convs {
			s.docs[conv.ID] = conv
		}
		s.mu.Unlock()
	}
	s.syncWatches()

	teardown, err := s.canon.SubscribeConversations(ctx, s.userID, s.onChange)
	if err != nil {
		if errors.Is(err, canonical.ErrPermissionDenied) {
			s.log.Error().Err(err).Msg("Conversation subscription denied, staying empty")
			s.scheduleEmit()
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.teardown = teardown
	s.mu.Unlock()
	s.scheduleEmit()
	return nil
}

// Subscribe attaches an observer. The cached list, if any, is
// delivered synchronously before any new emission.
func (s *Synchronizer) Subscribe(fn func([]View)) func() {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	replay := s.lastList
	hasReplay := s.hasList
	s.mu.Unlock()
	if hasReplay {
		fn(replay)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// SetThrottleWindow adjusts the emission throttle at runtime (config
// hot-reload hook).
func (s *Synchronizer) SetThrottleWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ThrottleWindow = d
}

// Close tears down the canonical subscription, all multiplexed
// ephemeral watches and the throttle timer, and drops the cached list.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	teardown := s.teardown
	s.teardown = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	var handles []*ephemeral.Handle
	for _, hs := range s.watches {
		handles = append(handles, hs...)
	}
	s.watches = make(map[string][]*ephemeral.Handle)
	s.observers = make(map[int]func([]View))
	s.lastList = nil
	s.hasList = false
	s.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	for _, h := range handles {
		h.Close()
	}
}

func (s *Synchronizer) onChange(change canonical.ConversationChange) {
	conv := change.Conversation
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch change.Kind {
	case canonical.Added, canonical.Modified:
		s.docs[conv.ID] = conv
	case canonical.Removed:
		delete(s.docs, conv.ID)
		delete(s.meta, conv.ID)
		delete(s.unread, conv.ID)
	}
	s.mu.Unlock()
	s.syncWatches()
	s.scheduleEmit()
}

// syncWatches re-subscribes the ephemeral multiplexer to exactly the
// current id set: watches for departed conversations are torn down
// first, then new ones attached.
func (s *Synchronizer) syncWatches() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var stale []*ephemeral.Handle
	for id, hs := range s.watches {
		if _, ok := s.docs[id]; !ok {
			stale = append(stale, hs...)
			delete(s.watches, id)
		}
	}
	var missing []string
	for id := range s.docs {
		if _, ok := s.watches[id]; !ok {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		h.Close()
	}
	for _, id := range missing {
		id := id
		metaHandle, err := s.mux.Watch(ephemeral.MetaKey(id), func(value []byte) {
			s.onMeta(id, value)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to watch ephemeral meta")
			continue
		}
		unreadHandle, err := s.mux.Watch(ephemeral.UnreadKey(id), func(value []byte) {
			s.onUnread(id, value)
		})
		if err != nil {
			metaHandle.Close()
			s.log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to watch unread counters")
			continue
		}
		s.mu.Lock()
		if _, ok := s.docs[id]; ok && !s.closed {
			s.watches[id] = []*ephemeral.Handle{metaHandle, unreadHandle}
			s.mu.Unlock()
		} else {
			// The conversation left the set while we were subscribing.
			s.mu.Unlock()
			metaHandle.Close()
			unreadHandle.Close()
		}
	}
}

func (s *Synchronizer) onMeta(convID string, value []byte) {
	var meta chat.EphemeralMeta
	if err := json.Unmarshal(value, &meta); err != nil {
		s.log.Debug().Err(err).Str("conversation_id", convID).Msg("Dropping malformed ephemeral meta")
		return
	}
	meta.UpdatedAt = chat.UnixMS(meta.UpdatedAt)
	meta.Preview.Timestamp = chat.UnixMS(meta.Preview.Timestamp)
	s.mu.Lock()
	s.meta[convID] = &meta
	s.mu.Unlock()
	s.scheduleEmit()
}

func (s *Synchronizer) onUnread(convID string, value []byte) {
	var counters map[string]int64
	if err := json.Unmarshal(value, &counters); err != nil {
		return
	}
	s.mu.Lock()
	s.unread[convID] = counters
	s.mu.Unlock()
	s.scheduleEmit()
}

// scheduleEmit coalesces bursts: the first dirty mark arms one timer
// for the throttle window; everything landing before it fires rides
// along. A zero window emits synchronously.
func (s *Synchronizer) scheduleEmit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	window := s.cfg.ThrottleWindow
	if window <= 0 {
		s.mu.Unlock()
		s.emit()
		return
	}
	if s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = true
	s.timer = time.AfterFunc(window, func() {
		s.mu.Lock()
		s.dirty = false
		s.timer = nil
		s.mu.Unlock()
		s.emit()
	})
	s.mu.Unlock()
}

func (s *Synchronizer) emit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	list := s.mergeLocked()
	s.lastList = list
	s.hasList = true
	observers := make([]func([]View), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(list)
	}
}

// mergeLocked computes the visible sorted list from the current maps.
// Idempotent and commutative over the order the maps were updated in.
func (s *Synchronizer) mergeLocked() []View {
	list := make([]View, 0, len(s.docs))
	for id, doc := range s.docs {
		if doc.HiddenFor(s.userID) {
			continue
		}
		view := View{
			Conversation: doc,
			LastMessage:  doc.LastMessage,
			Unread:       int64(doc.Unread[s.userID]),
		}
		if meta, ok := s.meta[id]; ok && meta.Preview.Timestamp > 0 {
			view.LastMessage = meta.Preview
		}
		if counters, ok := s.unread[id]; ok {
			if n, ok := counters[s.userID]; ok {
				view.Unread = n
			}
		}
		// A cleared conversation stays hidden until something newer than
		// the watermark lands. No watermark means never cleared; brand-new
		// empty conversations stay visible.
		if wm := doc.ClearedBeforeFor(s.userID); wm > 0 && view.LastMessage.Timestamp <= wm {
			continue
		}
		list = append(list, view)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LastMessage.Timestamp != list[j].LastMessage.Timestamp {
			return list[i].LastMessage.Timestamp > list[j].LastMessage.Timestamp
		}
		return list[i].Conversation.ID < list[j].Conversation.ID
	})
	return list
}
