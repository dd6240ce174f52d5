// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package canonical

import (
	"sync"

	"github.com/lrhodin/chatsync/pkg/chat"
)

// changeHub fans committed writes out to change-feed subscribers.
// Conversation events are classified per subscriber against the
// membership delta: a user gaining membership sees Added, keeping it
// sees Modified, losing it sees Removed.
type changeHub struct {
	mu       sync.Mutex
	convSubs map[int]*convSub
	msgSubs  map[int]*msgSub
	nextID   int
	closed   bool
}

type convSub struct {
	userID string
	fn     func(ConversationChange)
}

type msgSub struct {
	convID string
	fn     func(MessageChange)
}

func newChangeHub() *changeHub {
	return &changeHub{
		convSubs: make(map[int]*convSub),
		msgSubs:  make(map[int]*msgSub),
	}
}

func (h *changeHub) subscribeConversations(userID string, fn func(ConversationChange)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.convSubs[id] = &convSub{userID: userID, fn: fn}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.convSubs, id)
	}
}

func (h *changeHub) subscribeMessages(convID string, fn func(MessageChange)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.msgSubs[id] = &msgSub{convID: convID, fn: fn}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.msgSubs, id)
	}
}

// broadcastConversation delivers the post-commit document. prevMembers
// is the pre-write membership (nil for a fresh document).
func (h *changeHub) broadcastConversation(prevMembers map[string]bool, conv *chat.Conversation) {
	type delivery struct {
		fn     func(ConversationChange)
		change ConversationChange
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var deliveries []delivery
	for _, sub := range h.convSubs {
		was := prevMembers[sub.userID]
		now := conv.HasParticipant(sub.userID)
		var kind ChangeKind
		switch {
		case !was && now:
			kind = Added
		case was && now:
			kind = Modified
		case was && !now:
			kind = Removed
		default:
			continue
		}
		deliveries = append(deliveries, delivery{sub.fn, ConversationChange{Kind: kind, Conversation: conv}})
	}
	h.mu.Unlock()
	for _, d := range deliveries {
		d.fn(d.change)
	}
}

func (h *changeHub) broadcastMessage(change MessageChange) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var fns []func(MessageChange)
	for _, sub := range h.msgSubs {
		if sub.convID == change.Message.ConversationID {
			fns = append(fns, sub.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.convSubs = make(map[int]*convSub)
	h.msgSubs = make(map[int]*msgSub)
}
