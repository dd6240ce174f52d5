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
	"errors"
)

// The ephemeral store is a low-latency key-value broadcast store: every
// write to a key is fanned out to that key's subscribers. It has no
// durable query capability and is never authoritative for content or
// membership; it exists for the things the canonical store is bad at:
// high-frequency counters and sub-second signaling.

var ErrClosed = errors.New("ephemeral: client closed")

// Client is the ephemeral store client surface. Plain values are JSON
// documents; counter keys are field→int64 maps with atomic increments.
// Get on a missing key returns (nil, nil): absence is empty state, not
// an error.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Merge shallow-merges fields into the JSON object stored at key,
	// creating it if absent.
	Merge(ctx context.Context, key string, fields map[string]any) error

	// IncrField atomically increments a counter field, returning the new
	// value. SetCounter overwrites one (used for unread reset).
	IncrField(ctx context.Context, key, field string, delta int64) (int64, error)
	SetCounter(ctx context.Context, key, field string, value int64) error

	// Subscribe delivers every subsequent value written to key, in write
	// order, until the returned teardown is called. Teardown must be
	// called before re-subscribing to the same key.
	Subscribe(key string, fn func(value []byte)) (func(), error)

	// OnDisconnect registers a write the store performs when this
	// client's connection is lost, the crash-safety fallback for
	// presence. The returned func cancels the registration.
	OnDisconnect(key string, value []byte) (func(), error)

	// Connected reports the current connection state; WatchConnection
	// delivers transitions (including the current state immediately).
	Connected() bool
	WatchConnection(fn func(connected bool)) func()

	Close() error
}

// Well-known key layout. Everything per-conversation hangs off the
// conversation id, presence off the user id.
func MetaKey(convID string) string     { return "meta/" + convID }
func UnreadKey(convID string) string   { return "unread/" + convID }
func SignalKey(convID string) string   { return "signal/" + convID }
func TypingKey(convID string) string   { return "typing/" + convID }
func PresenceKey(userID string) string { return "presence/" + userID }
