// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
)

// Reconciler merges four message sources for one open conversation
// (an on-demand history page, the canonical live tail, ephemeral signal
// messages, and local optimistic entries) into a single deduplicated,
// ordered, filtered sequence.
//
// The merge is idempotent and commutative over buffer update order:
// survivors are inserted into an id-keyed map in buffer order
// history → tail → signal → pending, first insert wins, so canonical
// data supersedes a pending placeholder or transient signal as soon as
// it exists. Final order is ascending (timestamp, id), deterministic
// for any arrival interleaving.
type Reconciler struct {
	convID   string
	viewerID string
	canon    canonical.Store
	eph      ephemeral.Client
	log      zerolog.Logger

	tailSize  int
	signalCap int
	pageSize  int

	mu      sync.Mutex
	history []*chat.Message
	tail    []*chat.Message
	signals []*chat.Message
	pending map[string]*chat.Message

	// seenCanonical records every id ever observed in a durable buffer.
	// A pending or signal entry whose id is in here never comes back;
	// this is the sole optimistic-lifecycle termination mechanism (no
	// timers, no ack channel).
	seenCanonical map[string]bool

	clearedBefore int64
	typing        map[string]int64
	exhausted     bool

	observers  map[int]func(Snapshot)
	nextObsID  int
	lastEmit   string
	teardowns  []func()
	started    bool
	closed     bool
}

// Snapshot is one emission: the visible ordered messages plus the
// auxiliary state that travels with them.
type Snapshot struct {
	Messages []*chat.Message
	// TailFlags[i] marks the last message of a same-sender run
	// (avatar/tail marker). Same length as Messages.
	TailFlags []bool
	// Typing holds user ids with a live typing signal.
	Typing []string
	// HistoryExhausted is set once a load-older page came back short.
	HistoryExhausted bool
}

type Config struct {
	TailSize  int
	SignalCap int
	PageSize  int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TailSize <= 0 {
		out.TailSize = 50
	}
	if out.SignalCap <= 0 {
		out.SignalCap = 20
	}
	if out.PageSize <= 0 {
		out.PageSize = 50
	}
	return out
}

func New(convID, viewerID string, canon canonical.Store, eph ephemeral.Client, cfg Config, log zerolog.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		convID:        convID,
		viewerID:      viewerID,
		canon:         canon,
		eph:           eph,
		log: log.With().
			Str("component", "reconciler").
			Str("conversation_id", convID).
			Logger(),
		tailSize:      cfg.TailSize,
		signalCap:     cfg.SignalCap,
		pageSize:      cfg.PageSize,
		pending:       make(map[string]*chat.Message),
		seenCanonical: make(map[string]bool),
		typing:        make(map[string]int64),
		observers:     make(map[int]func(Snapshot)),
	}
}

// Start seeds the live tail and wires up all four sources. Must be
// called once before Subscribe/Send/LoadOlder.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reconciler for %s already started", r.convID)
	}
	r.started = true
	r.mu.Unlock()

	conv, err := r.canon.GetConversation(ctx, r.convID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	seed, err := r.canon.RecentMessages(ctx, r.convID, r.tailSize)
	if err != nil {
		return fmt.Errorf("failed to seed live tail: %w", err)
	}

	r.mu.Lock()
	r.clearedBefore = conv.ClearedBeforeFor(r.viewerID)
	r.tail = seed
	for _, msg := range seed {
		r.seenCanonical[msg.ID] = true
	}
	if len(seed) < r.tailSize {
		r.exhausted = true
	}
	r.mu.Unlock()

	msgTeardown, err := r.canon.SubscribeMessages(ctx, r.convID, r.onMessageChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to canonical messages: %w", err)
	}
	convTeardown, err := r.canon.SubscribeConversations(ctx, r.viewerID, r.onConversationChange)
	if err != nil {
		msgTeardown()
		return fmt.Errorf("failed to subscribe to conversation metadata: %w", err)
	}
	sigTeardown, err := r.eph.Subscribe(ephemeral.SignalKey(r.convID), r.onSignal)
	if err != nil {
		msgTeardown()
		convTeardown()
		return fmt.Errorf("failed to subscribe to signal key: %w", err)
	}
	typTeardown, err := r.eph.Subscribe(ephemeral.TypingKey(r.convID), r.onTyping)
	if err != nil {
		msgTeardown()
		convTeardown()
		sigTeardown()
		return fmt.Errorf("failed to subscribe to typing key: %w", err)
	}

	r.mu.Lock()
	r.teardowns = append(r.teardowns, msgTeardown, convTeardown, sigTeardown, typTeardown)
	r.mu.Unlock()
	r.emit()
	return nil
}

// Subscribe attaches an observer. The current snapshot is delivered
// synchronously; subsequent snapshots follow every sequence change.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = fn
	snap := r.snapshotLocked()
	r.mu.Unlock()
	fn(snap)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// Send performs an optimistic send: the id is generated before any
// network call, a pending entry appears immediately, a signal copy is
// broadcast for sub-second echo on other views, then the canonical
// write is issued. Durable success is detected implicitly once the
// canonical feed surfaces the same id; on failure the pending entry is
// removed and the error returned. The caller owns retry.
func (r *Reconciler) Send(ctx context.Context, msgType chat.MessageType, payload, replyTo string) (string, error) {
	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: r.convID,
		SenderID:       r.viewerID,
		Type:           msgType,
		Payload:        payload,
		CreatedAt:      chat.NowMS(),
		ReplyTo:        replyTo,
	}

	optimistic := *msg
	optimistic.Pending = true
	r.mu.Lock()
	r.pending[msg.ID] = &optimistic
	r.mu.Unlock()
	r.emit()

	if data, err := json.Marshal(msg); err == nil {
		if err := r.eph.Set(ctx, ephemeral.SignalKey(r.convID), data); err != nil {
			r.log.Debug().Err(err).Msg("Signal publish failed, relying on canonical path")
		}
	}

	if err := r.canon.InsertMessage(ctx, msg); err != nil {
		r.mu.Lock()
		delete(r.pending, msg.ID)
		r.mu.Unlock()
		r.emit()
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	r.bumpEphemeralMeta(ctx, msg)
	return msg.ID, nil
}

// bumpEphemeralMeta updates the low-latency conversation metadata
// other open list views consume: last-message preview plus one unread
// increment per non-sending participant.
func (r *Reconciler) bumpEphemeralMeta(ctx context.Context, msg *chat.Message) {
	preview := msg.AsPreview()
	err := r.eph.Merge(ctx, ephemeral.MetaKey(r.convID), map[string]any{
		"conversation_id": r.convID,
		"preview":         preview,
		"updated_at":      msg.CreatedAt,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to merge ephemeral meta")
	}
	conv, err := r.canon.GetConversation(ctx, r.convID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to load conversation for unread bump")
		return
	}
	for _, p := range conv.Participants {
		if p == msg.SenderID {
			continue
		}
		if _, err := r.eph.IncrField(ctx, ephemeral.UnreadKey(r.convID), p, 1); err != nil {
			r.log.Warn().Err(err).Str("user_id", p).Msg("Failed to increment unread counter")
		}
	}
}

// LoadOlder fetches the page preceding the oldest buffered canonical
// message and prepends it to the history buffer. A short page sets the
// exhausted flag.
func (r *Reconciler) LoadOlder(ctx context.Context) ([]*chat.Message, error) {
	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		return nil, nil
	}
	oldest := r.oldestCanonicalLocked()
	r.mu.Unlock()
	if oldest == nil {
		return nil, nil
	}

	page, err := r.canon.QueryMessagesBefore(ctx, r.convID, canonical.CursorFor(oldest), r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load older messages: %w", err)
	}

	r.mu.Lock()
	r.history = append(append([]*chat.Message{}, page...), r.history...)
	for _, msg := range page {
		r.seenCanonical[msg.ID] = true
	}
	if len(page) < r.pageSize {
		r.exhausted = true
	}
	r.pruneLocked()
	r.mu.Unlock()
	r.emit()
	return page, nil
}

// SetTyping publishes or clears the viewer's typing signal.
func (r *Reconciler) SetTyping(ctx context.Context, typing bool) error {
	var ts int64
	if typing {
		ts = chat.NowMS()
	}
	return r.eph.Merge(ctx, ephemeral.TypingKey(r.convID), map[string]any{r.viewerID: ts})
}

// MarkDelivered flags inbound undelivered messages as delivered.
func (r *Reconciler) MarkDelivered(ctx context.Context) error {
	r.mu.Lock()
	var ids []string
	for _, msg := range append(append([]*chat.Message{}, r.history...), r.tail...) {
		if msg.SenderID != r.viewerID && !msg.Delivered {
			ids = append(ids, msg.ID)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return r.canon.MarkDelivered(ctx, r.convID, ids)
}

// Close tears down all subscriptions. Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	teardowns := r.teardowns
	r.teardowns = nil
	r.observers = make(map[int]func(Snapshot))
	r.mu.Unlock()
	for _, td := range teardowns {
		td()
	}
}

func (r *Reconciler) onMessageChange(change canonical.MessageChange) {
	msg := change.Message
	r.mu.Lock()
	switch change.Kind {
	case canonical.Added:
		r.seenCanonical[msg.ID] = true
		if !r.inBufferLocked(msg.ID) {
			r.tail = append(r.tail, msg)
			r.trimTailLocked()
		}
	case canonical.Modified:
		r.seenCanonical[msg.ID] = true
		r.replaceLocked(msg)
	case canonical.Removed:
		r.removeLocked(msg.ID)
	}
	r.pruneLocked()
	r.mu.Unlock()
	r.emit()
}

func (r *Reconciler) onConversationChange(change canonical.ConversationChange) {
	if change.Conversation.ID != r.convID || change.Kind == canonical.Removed {
		return
	}
	r.mu.Lock()
	r.clearedBefore = change.Conversation.ClearedBeforeFor(r.viewerID)
	r.mu.Unlock()
	r.emit()
}

func (r *Reconciler) onSignal(value []byte) {
	var msg chat.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		r.log.Debug().Err(err).Msg("Dropping malformed signal message")
		return
	}
	if msg.ID == "" || msg.ConversationID != r.convID {
		return
	}
	msg.Signal = true
	r.mu.Lock()
	if r.seenCanonical[msg.ID] {
		// Already superseded by the canonical copy.
		r.mu.Unlock()
		return
	}
	r.signals = append(r.signals, &msg)
	if len(r.signals) > r.signalCap {
		r.signals = r.signals[len(r.signals)-r.signalCap:]
	}
	r.mu.Unlock()
	r.emit()
}

func (r *Reconciler) onTyping(value []byte) {
	var state map[string]int64
	if err := json.Unmarshal(value, &state); err != nil {
		return
	}
	r.mu.Lock()
	r.typing = state
	r.mu.Unlock()
	r.emit()
}

// pruneLocked drops pending and signal entries whose id now appears in
// a durable buffer. Runs after every canonical or history update.
func (r *Reconciler) pruneLocked() {
	for id := range r.pending {
		if r.seenCanonical[id] {
			delete(r.pending, id)
		}
	}
	kept := r.signals[:0]
	for _, sig := range r.signals {
		if !r.seenCanonical[sig.ID] {
			kept = append(kept, sig)
		}
	}
	r.signals = kept
}

// trimTailLocked keeps the live tail at its bound by migrating the
// overflow into the history buffer; trimmed messages stay visible.
func (r *Reconciler) trimTailLocked() {
	chat.SortMessages(r.tail)
	if len(r.tail) <= r.tailSize {
		return
	}
	overflow := len(r.tail) - r.tailSize
	r.history = append(r.history, r.tail[:overflow]...)
	r.tail = r.tail[overflow:]
}

func (r *Reconciler) inBufferLocked(id string) bool {
	for _, msg := range r.history {
		if msg.ID == id {
			return true
		}
	}
	for _, msg := range r.tail {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func (r *Reconciler) replaceLocked(msg *chat.Message) {
	replaced := false
	for i, m := range r.history {
		if m.ID == msg.ID {
			r.history[i] = msg
			replaced = true
		}
	}
	for i, m := range r.tail {
		if m.ID == msg.ID {
			r.tail[i] = msg
			replaced = true
		}
	}
	if !replaced {
		r.tail = append(r.tail, msg)
		r.trimTailLocked()
	}
}

func (r *Reconciler) removeLocked(id string) {
	filter := func(msgs []*chat.Message) []*chat.Message {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ID != id {
				kept = append(kept, m)
			}
		}
		return kept
	}
	r.history = filter(r.history)
	r.tail = filter(r.tail)
}

func (r *Reconciler) oldestCanonicalLocked() *chat.Message {
	var oldest *chat.Message
	for _, msg := range append(append([]*chat.Message{}, r.history...), r.tail...) {
		if oldest == nil || msg.CreatedAt < oldest.CreatedAt ||
			(msg.CreatedAt == oldest.CreatedAt && msg.ID < oldest.ID) {
			oldest = msg
		}
	}
	return oldest
}

func (r *Reconciler) snapshotLocked() Snapshot {
	merged := make(map[string]*chat.Message)
	insert := func(msg *chat.Message) {
		if !msg.VisibleTo(r.viewerID, r.clearedBefore) {
			return
		}
		if _, exists := merged[msg.ID]; !exists {
			merged[msg.ID] = msg
		}
	}
	for _, msg := range r.history {
		insert(msg)
	}
	for _, msg := range r.tail {
		insert(msg)
	}
	for _, msg := range r.signals {
		insert(msg)
	}
	for _, msg := range r.pending {
		insert(msg)
	}

	msgs := make([]*chat.Message, 0, len(merged))
	for _, msg := range merged {
		msgs = append(msgs, msg)
	}
	chat.SortMessages(msgs)

	var typing []string
	for user, ts := range r.typing {
		if user != r.viewerID && ts > 0 {
			typing = append(typing, user)
		}
	}
	sort.Strings(typing)

	return Snapshot{
		Messages:         msgs,
		TailFlags:        chat.TailFlags(msgs),
		Typing:           typing,
		HistoryExhausted: r.exhausted,
	}
}

func (r *Reconciler) emit() {
	r.mu.Lock()
	snap := r.snapshotLocked()
	sig := snapshotSignature(snap)
	if sig == r.lastEmit {
		r.mu.Unlock()
		return
	}
	r.lastEmit = sig
	observers := make([]func(Snapshot), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// snapshotSignature is a cheap change detector so observers only hear
// about actual sequence or aux-state changes.
func snapshotSignature(snap Snapshot) string {
	var b []byte
	for _, msg := range snap.Messages {
		b = append(b, msg.ID...)
		b = append(b, '|')
		b = fmt.Appendf(b, "%d;%t;%t;%t;%t;", msg.CreatedAt, msg.Delivered, msg.Read, msg.Pending, msg.Signal)
		b = append(b, msg.Payload...)
		b = append(b, '\n')
	}
	b = fmt.Appendf(b, "typing=%v exhausted=%t", snap.Typing, snap.HistoryExhausted)
	return string(b)
}
