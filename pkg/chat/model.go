// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"sort"
	"strings"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessageSystem     MessageType = "system"
)

// Preview is the denormalized last-message summary shown in the
// conversation list. It lives in both stores: the canonical copy is
// authoritative, the ephemeral copy is fresher.
type Preview struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// Conversation is the canonical conversation document. It is jointly
// owned: any participant may mutate the metadata maps, which are all
// keyed by participant user id.
type Conversation struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants"`
	DisplayNames map[string]string `json:"display_names,omitempty"`
	LastMessage  Preview           `json:"last_message"`

	// Unread counts per participant. The canonical copy lags behind the
	// ephemeral one; list views prefer the ephemeral value when present.
	Unread map[string]int `json:"unread,omitempty"`

	// ClearedBefore hides all messages at or before the given unix-ms
	// timestamp for that participant ("clear history" watermark).
	ClearedBefore map[string]int64 `json:"cleared_before,omitempty"`

	// Hidden removes the conversation from that participant's list
	// without affecting anyone else.
	Hidden map[string]bool `json:"hidden,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ClearedBeforeFor returns the cleared-before watermark for userID,
// zero if none is set.
func (c *Conversation) ClearedBeforeFor(userID string) int64 {
	if c.ClearedBefore == nil {
		return 0
	}
	return c.ClearedBefore[userID]
}

// HiddenFor reports whether userID has hidden the conversation.
func (c *Conversation) HiddenFor(userID string) bool {
	return c.Hidden != nil && c.Hidden[userID]
}

// Message is a canonical message document. The id is generated
// client-side before any network write so retries are idempotent.
// Payload is immutable once delivered; delivered/read flags are
// mutated by recipients.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Type           MessageType     `json:"type"`
	Payload        string          `json:"payload"`
	CreatedAt      int64           `json:"created_at"`
	Delivered      bool            `json:"delivered"`
	Read           bool            `json:"read"`
	Deleted        bool            `json:"deleted,omitempty"`
	HiddenFor      map[string]bool `json:"hidden_for,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`

	// Client-local lifecycle tags, never persisted. Pending marks an
	// optimistic entry awaiting durable confirmation; Signal marks
	// content delivered through the ephemeral store ahead of the
	// canonical write.
	Pending bool `json:"-"`
	Signal  bool `json:"-"`
}

// VisibleTo reports whether the message survives viewerID's filters:
// not soft-deleted, not in the viewer's hide set, and strictly after
// the cleared-before watermark.
func (m *Message) VisibleTo(viewerID string, clearedBefore int64) bool {
	if m.Deleted {
		return false
	}
	if m.HiddenFor != nil && m.HiddenFor[viewerID] {
		return false
	}
	return m.CreatedAt > clearedBefore
}

// AsPreview derives the list-view summary for the message.
func (m *Message) AsPreview() Preview {
	text := m.Payload
	switch m.Type {
	case MessageAttachment:
		text = "Attachment"
	case MessageSystem:
		// System payloads are already display text.
	}
	return Preview{Sender: m.SenderID, Text: text, Timestamp: m.CreatedAt}
}

// EphemeralMeta is the low-latency per-conversation metadata cache.
// Never authoritative for content or membership.
type EphemeralMeta struct {
	ConversationID string           `json:"conversation_id"`
	Preview        Preview          `json:"preview"`
	UpdatedAt      int64            `json:"updated_at"`
	Unread         map[string]int64 `json:"unread,omitempty"`
}

// Presence states. There are exactly two; "away"-style intermediate
// states are a consumer-side interpretation of LastChanged.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceRecord is the per-user ephemeral presence value. Written
// only by its owner; the registered on-disconnect write of the offline
// state is the crash-safety fallback.
type PresenceRecord struct {
	UserID             string `json:"user_id"`
	State              string `json:"state"`
	LastChanged        int64  `json:"last_changed"`
	ActiveConversation string `json:"active_conversation,omitempty"`
}

// Online reports whether the record marks the user online.
func (p *PresenceRecord) Online() bool {
	return p != nil && p.State == PresenceOnline
}

// DirectConversationID returns the deterministic conversation id for a
// 1:1 pair: the sorted user ids joined with ":". Both sides of a first
// contact compute the same id, which is what makes the transactional
// check-then-create converge on a single document.
func DirectConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// IsDirectID reports whether id has the sorted-pair shape.
func IsDirectID(id string) bool {
	return strings.Contains(id, ":")
}

// SortMessages orders messages ascending by timestamp with a
// lexicographic id tie-break. The order is deterministic for any input
// permutation, which keeps renders flicker-free.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// TailFlags marks, for each message in an already-ordered sequence,
// whether it is the last message of a same-sender run. Pure function of
// the sequence; callers recompute it only when the sequence changes.
func TailFlags(msgs []*Message) []bool {
	flags := make([]bool, len(msgs))
	for i := range msgs {
		flags[i] = i == len(msgs)-1 || msgs[i+1].SenderID != msgs[i].SenderID
	}
	return flags
}
