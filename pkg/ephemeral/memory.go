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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryClient is an in-process implementation of Client. It backs
// local/offline mode and every test in this module: fan-out order is
// the write order, disconnect writes fire deterministically, and
// SetConnected lets tests drive connection-state transitions.
type MemoryClient struct {
	log zerolog.Logger

	mu          sync.Mutex
	values      map[string][]byte
	counters    map[string]map[string]int64
	subscribers map[string]map[int]func([]byte)
	nextSubID   int

	disconnects map[int]disconnectWrite
	nextDiscID  int

	connected    bool
	connWatchers map[int]func(bool)
	nextConnID   int

	closed bool
}

type disconnectWrite struct {
	key   string
	value []byte
}

func NewMemoryClient(log zerolog.Logger) *MemoryClient {
	return &MemoryClient{
		log:          log.With().Str("component", "ephemeral_memory").Logger(),
		values:       make(map[string][]byte),
		counters:     make(map[string]map[string]int64),
		subscribers:  make(map[string]map[int]func([]byte)),
		disconnects:  make(map[int]disconnectWrite),
		connWatchers: make(map[int]func(bool)),
		connected:    true,
	}
}

func (m *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if v, ok := m.values[key]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	if c, ok := m.counters[key]; ok && len(c) > 0 {
		return json.Marshal(c)
	}
	return nil, nil
}

func (m *MemoryClient) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.values[key] = append([]byte(nil), value...)
	subs := m.snapshotSubsLocked(key)
	m.mu.Unlock()
	dispatch(subs, value)
	return nil
}

func (m *MemoryClient) Merge(ctx context.Context, key string, fields map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	obj := map[string]any{}
	if prev, ok := m.values[key]; ok {
		if err := json.Unmarshal(prev, &obj); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("merge %s: existing value is not an object: %w", key, err)
		}
	}
	for k, v := range fields {
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.values[key] = merged
	subs := m.snapshotSubsLocked(key)
	m.mu.Unlock()
	dispatch(subs, merged)
	return nil
}

func (m *MemoryClient) IncrField(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	c := m.counters[key]
	if c == nil {
		c = make(map[string]int64)
		m.counters[key] = c
	}
	c[field] += delta
	val := c[field]
	payload, _ := json.Marshal(c)
	subs := m.snapshotSubsLocked(key)
	m.mu.Unlock()
	dispatch(subs, payload)
	return val, nil
}

func (m *MemoryClient) SetCounter(_ context.Context, key, field string, value int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	c := m.counters[key]
	if c == nil {
		c = make(map[string]int64)
		m.counters[key] = c
	}
	c[field] = value
	payload, _ := json.Marshal(c)
	subs := m.snapshotSubsLocked(key)
	m.mu.Unlock()
	dispatch(subs, payload)
	return nil
}

func (m *MemoryClient) Subscribe(key string, fn func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextSubID
	m.nextSubID++
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[int]func([]byte))
	}
	m.subscribers[key][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subscribers[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subscribers, key)
			}
		}
	}, nil
}

func (m *MemoryClient) OnDisconnect(key string, value []byte) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextDiscID
	m.nextDiscID++
	m.disconnects[id] = disconnectWrite{key: key, value: append([]byte(nil), value...)}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.disconnects, id)
	}, nil
}

func (m *MemoryClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

func (m *MemoryClient) WatchConnection(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextConnID
	m.nextConnID++
	m.connWatchers[id] = fn
	current := m.connected && !m.closed
	m.mu.Unlock()
	fn(current)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.connWatchers, id)
	}
}

// SetConnected simulates a connection drop or recovery. Dropping runs
// the registered disconnect writes, exactly like the real store's
// server side would.
func (m *MemoryClient) SetConnected(connected bool) {
	m.mu.Lock()
	if m.closed || m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	watchers := make([]func(bool), 0, len(m.connWatchers))
	for _, fn := range m.connWatchers {
		watchers = append(watchers, fn)
	}
	var pending []disconnectWrite
	if !connected {
		for _, dw := range m.disconnects {
			pending = append(pending, dw)
		}
		// A registration fires at most once; the owner re-registers on
		// reconnect.
		m.disconnects = make(map[int]disconnectWrite)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(connected)
	}
	for _, dw := range pending {
		if err := m.Set(context.Background(), dw.key, dw.value); err != nil {
			m.log.Warn().Err(err).Str("key", dw.key).Msg("Disconnect write failed")
		}
	}
}

func (m *MemoryClient) Close() error {
	m.SetConnected(false)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscribers = make(map[string]map[int]func([]byte))
	m.connWatchers = make(map[int]func(bool))
	return nil
}

func (m *MemoryClient) snapshotSubsLocked(key string) []func([]byte) {
	subs := m.subscribers[key]
	if len(subs) == 0 {
		return nil
	}
	out := make([]func([]byte), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func dispatch(subs []func([]byte), value []byte) {
	for _, fn := range subs {
		fn(value)
	}
}
