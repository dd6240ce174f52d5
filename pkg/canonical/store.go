// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package canonical

import (
	"context"
	"errors"

	"github.com/lrhodin/chatsync/pkg/chat"
)

// The canonical store is the durable, strongly consistent per-document
// database: the source of truth for message content and conversation
// membership. It enforces a per-document write-rate ceiling, which is
// why high-frequency counters live in the ephemeral store instead.

var (
	// ErrNotFound is empty state, not a failure; callers treat it as
	// "no document".
	ErrNotFound = errors.New("canonical: document not found")

	// ErrMissingIndex is returned by ordered queries when the composite
	// ordering index is unavailable. Callers fall back to an unordered
	// query and sort client-side.
	ErrMissingIndex = errors.New("canonical: missing composite index for ordered query")

	// ErrPermissionDenied is terminal for the subscription that hit it:
	// tear down, surface empty state, never auto-retry.
	ErrPermissionDenied = errors.New("canonical: permission denied")
)

// ChangeKind classifies change-feed events.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ConversationChange is one event on a per-user conversation feed.
// Removed means the conversation no longer contains the subscribed
// user; the document itself may live on for the other participants.
type ConversationChange struct {
	Kind         ChangeKind
	Conversation *chat.Conversation
}

// MessageChange is one event on a per-conversation message feed.
type MessageChange struct {
	Kind    ChangeKind
	Message *chat.Message
}

// Cursor is a pagination position in a conversation's message history,
// keyed the same way messages are ordered.
type Cursor struct {
	Timestamp int64
	ID        string
}

// CursorFor returns the pagination cursor pointing at msg.
func CursorFor(msg *chat.Message) Cursor {
	return Cursor{Timestamp: msg.CreatedAt, ID: msg.ID}
}

// Store is the canonical store client surface. Subscriptions return a
// teardown that must be called before re-subscribing to the same
// logical target. SubscribeConversations emits the current set as
// Added events before live changes; SubscribeMessages emits live
// changes only (callers seed history via RecentMessages).
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)

	// CreateDirectConversation transactionally creates the 1:1
	// conversation for (a, b), or returns the existing one. Concurrent
	// first-contact attempts from both sides converge on a single
	// document.
	CreateDirectConversation(ctx context.Context, a, b string) (*chat.Conversation, error)
	CreateGroupConversation(ctx context.Context, participants []string) (*chat.Conversation, error)

	// UpdateConversation runs a transactional read-modify-write of one
	// conversation document.
	UpdateConversation(ctx context.Context, id string, mutate func(*chat.Conversation) error) error

	// InsertMessage stores a message idempotently (a retry with the same
	// client-generated id is a no-op) and updates the conversation's
	// last-message preview and unread counters in the same transaction.
	InsertMessage(ctx context.Context, msg *chat.Message) error

	MarkDelivered(ctx context.Context, convID string, msgIDs []string) error
	MarkRead(ctx context.Context, convID string, msgIDs []string) error

	// QueryConversations returns up to limit conversations containing
	// userID, ordered by last-message timestamp descending. Returns
	// ErrMissingIndex when the ordering index is unavailable.
	QueryConversations(ctx context.Context, userID string, limit int) ([]*chat.Conversation, error)
	QueryConversationsUnordered(ctx context.Context, userID string, limit int) ([]*chat.Conversation, error)

	// RecentMessages returns the newest n messages ascending, the live
	// tail seed. QueryMessagesBefore pages backwards from cursor,
	// returning up to limit messages ascending.
	RecentMessages(ctx context.Context, convID string, n int) ([]*chat.Message, error)
	QueryMessagesBefore(ctx context.Context, convID string, cursor Cursor, limit int) ([]*chat.Message, error)

	SubscribeConversations(ctx context.Context, userID string, fn func(ConversationChange)) (func(), error)
	SubscribeMessages(ctx context.Context, convID string, fn func(MessageChange)) (func(), error)

	// TouchUserActivity refreshes the per-user freshness timestamp the
	// low-frequency heartbeat maintains.
	TouchUserActivity(ctx context.Context, userID string, ts int64) error
	GetUserActivity(ctx context.Context, userID string) (int64, error)

	Close() error
}
