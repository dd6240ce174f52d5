// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ephemeral

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Multiplexer is a reference-counted subscription pool: any number of
// watchers of the same key share one underlying Client subscription.
// The first watcher triggers the subscription, the last Close tears it
// down. Watchers joining an already-live key synchronously receive the
// last known value. Reference-count transitions are atomic under one
// mutex, so a concurrent unwatch/watch pair can neither double-tear
// nor miss a teardown.
type Multiplexer struct {
	client Client
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*muxEntry
	closed  bool
}

type muxEntry struct {
	teardown  func()
	watchers  map[int]func([]byte)
	nextID    int
	lastValue []byte
	hasValue  bool
}

// Handle detaches one watcher. Closing is idempotent.
type Handle struct {
	once  sync.Once
	close func()
}

func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.once.Do(h.close)
}

func NewMultiplexer(client Client, log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		client:  client,
		log:     log.With().Str("component", "ephemeral_mux").Logger(),
		entries: make(map[string]*muxEntry),
	}
}

// Watch attaches fn to key. If the key has a known value (cached
// from the live subscription, or read from the store when the key is
// first watched) fn is invoked with it before Watch returns.
func (m *Multiplexer) Watch(key string, fn func(value []byte)) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok {
		entry = &muxEntry{watchers: make(map[int]func([]byte))}
		m.entries[key] = entry
		teardown, err := m.client.Subscribe(key, func(value []byte) {
			m.deliver(key, value)
		})
		if err != nil {
			delete(m.entries, key)
			m.mu.Unlock()
			return nil, err
		}
		entry.teardown = teardown
	}
	if !entry.hasValue {
		// Seed the cache with the current value. This also covers a
		// watcher joining while the first watcher is still between
		// Subscribe and Get. A concurrent live delivery wins: it is at
		// least as fresh.
		m.mu.Unlock()
		current, err := m.client.Get(context.Background(), key)
		m.mu.Lock()
		if m.entries[key] != entry {
			// Torn down while seeding.
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if err == nil && current != nil && !entry.hasValue {
			entry.lastValue = current
			entry.hasValue = true
		}
	}
	id := entry.nextID
	entry.nextID++
	entry.watchers[id] = fn
	var replay []byte
	hasReplay := entry.hasValue
	if hasReplay {
		replay = entry.lastValue
	}
	m.mu.Unlock()

	if hasReplay {
		fn(replay)
	}
	return &Handle{close: func() { m.unwatch(key, id) }}, nil
}

// WatchCount returns the number of attached watchers for key. Test and
// introspection hook.
func (m *Multiplexer) WatchCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return 0
	}
	return len(entry.watchers)
}

// Close tears down every live subscription. Outstanding handles become
// no-ops.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	teardowns := make([]func(), 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.teardown != nil {
			teardowns = append(teardowns, entry.teardown)
		}
	}
	m.entries = make(map[string]*muxEntry)
	m.mu.Unlock()
	for _, td := range teardowns {
		td()
	}
}

func (m *Multiplexer) deliver(key string, value []byte) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		// Late callback from a torn-down subscription.
		m.mu.Unlock()
		return
	}
	entry.lastValue = append([]byte(nil), value...)
	entry.hasValue = true
	watchers := make([]func([]byte), 0, len(entry.watchers))
	for _, fn := range entry.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(value)
	}
}

func (m *Multiplexer) unwatch(key string, id int) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(entry.watchers, id)
	var teardown func()
	if len(entry.watchers) == 0 {
		teardown = entry.teardown
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if teardown != nil {
		teardown()
	}
}
