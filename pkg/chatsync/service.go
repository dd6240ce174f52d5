// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatsync assembles the synchronization engine for one
// signed-in user: the canonical and ephemeral store clients, the
// conversation list synchronizer, per-conversation reconcilers and the
// presence manager, behind a single lifecycle.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/convlist"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
	"github.com/lrhodin/chatsync/pkg/presence"
	"github.com/lrhodin/chatsync/pkg/reconcile"
)

var (
	ErrNotStarted = errors.New("service not started")
	ErrNotOpen    = errors.New("conversation not open")
)

// Service is the per-sign-in engine instance. Create one at sign-in,
// Close it at sign-out; a second sign-in gets a fresh Service.
type Service struct {
	userID string
	cfg    *Config
	log    zerolog.Logger

	canon canonical.Store
	eph   ephemeral.Client
	mux   *ephemeral.Multiplexer
	list  *convlist.Synchronizer
	pres  *presence.Manager

	// ownsStores marks store clients the service constructed itself
	// and must close on sign-out.
	ownsStores bool

	mu      sync.Mutex
	open    map[string]*openConversation
	started bool
	closed  bool
}

type openConversation struct {
	rec  *reconcile.Reconciler
	refs int
	// ready closes once Start finished; startErr is only read after.
	ready    chan struct{}
	startErr error
}

// New builds a service with its own store clients: a SQLite canonical
// store at cfg.Storage.Path and either a Redis ephemeral client or the
// in-process broker, depending on cfg.Ephemeral.RedisAddr.
func New(userID string, cfg *Config, log zerolog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	canon, err := canonical.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.OrderedIndex, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open canonical store: %w", err)
	}
	var eph ephemeral.Client
	if cfg.Ephemeral.RedisAddr != "" {
		eph = ephemeral.NewRedisClient(cfg.Ephemeral.RedisAddr, log)
	} else {
		eph = ephemeral.NewMemoryClient(log)
	}
	svc := NewWithStores(userID, cfg, canon, eph, log)
	svc.ownsStores = true
	return svc, nil
}

// NewWithStores builds a service on caller-owned store clients. The
// caller closes them after the service is closed.
func NewWithStores(userID string, cfg *Config, canon canonical.Store, eph ephemeral.Client, log zerolog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log = log.With().Str("user_id", userID).Logger()
	mux := ephemeral.NewMultiplexer(eph, log)
	s := &Service{
		userID: userID,
		cfg:    cfg,
		log:    log.With().Str("component", "service").Logger(),
		canon:  canon,
		eph:    eph,
		mux:    mux,
		open:   make(map[string]*openConversation),
	}
	s.list = convlist.New(userID, canon, mux, convlist.Config{
		ThrottleWindow: cfg.ThrottleWindow(),
	}, log)
	s.pres = presence.New(userID, canon, eph, mux, presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, log)
	return s
}

func (s *Service) UserID() string { return s.userID }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.canon.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure canonical schema: %w", err)
	}
	if err := s.list.Start(ctx); err != nil {
		return fmt.Errorf("failed to start conversation list: %w", err)
	}
	if err := s.pres.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	s.log.Info().Msg("Sync engine started")
	return nil
}

// SubscribeConversationList registers fn for merged conversation list
// snapshots. The current list is replayed immediately if one exists.
func (s *Service) SubscribeConversationList(fn func([]convlist.View)) func() {
	return s.list.Subscribe(fn)
}

// OpenConversation returns the reconciler for convID, starting one on
// first open and sharing it with later opens. The release func must be
// called when the view closes; the last release tears the reconciler
// down. Opening a conversation on screen also resets the viewer's
// unread count and marks inbound messages delivered.
func (s *Service) OpenConversation(ctx context.Context, convID string) (*reconcile.Reconciler, func(), error) {
	rec, release, err := s.acquireConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ResetUnread(ctx, convID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to reset unread on open")
	}
	if err := rec.MarkDelivered(ctx); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to mark messages delivered on open")
	}
	return rec, release, nil
}

// acquireConversation is the refcounted reconciler checkout without the
// on-view side effects. Send uses it directly: a background send must
// not clear the sender's own unread badge.
func (s *Service) acquireConversation(ctx context.Context, convID string) (*reconcile.Reconciler, func(), error) {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil, nil, ErrNotStarted
	}
	oc := s.open[convID]
	if oc != nil {
		oc.refs++
		s.mu.Unlock()
		// A concurrent first open may still be starting.
		select {
		case <-oc.ready:
		case <-ctx.Done():
			s.releaseConversation(convID, oc)
			return nil, nil, ctx.Err()
		}
		if oc.startErr != nil {
			s.releaseConversation(convID, oc)
			return nil, nil, oc.startErr
		}
	} else {
		oc = &openConversation{
			rec: reconcile.New(convID, s.userID, s.canon, s.eph, reconcile.Config{
				TailSize:  s.cfg.Sync.LiveTailSize,
				SignalCap: s.cfg.Sync.SignalBuffer,
				PageSize:  s.cfg.Sync.PageSize,
			}, s.log),
			refs:  1,
			ready: make(chan struct{}),
		}
		s.open[convID] = oc
		s.mu.Unlock()
		oc.startErr = oc.rec.Start(ctx)
		close(oc.ready)
		if oc.startErr != nil {
			s.mu.Lock()
			delete(s.open, convID)
			s.mu.Unlock()
			oc.rec.Close()
			return nil, nil, oc.startErr
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { s.releaseConversation(convID, oc) })
	}
	return oc.rec, release, nil
}

func (s *Service) releaseConversation(convID string, oc *openConversation) {
	s.mu.Lock()
	oc.refs--
	// A failed Start already removed (and closed) the entry; only the
	// last release of a live entry tears the reconciler down.
	if oc.refs > 0 || s.open[convID] != oc {
		s.mu.Unlock()
		return
	}
	delete(s.open, convID)
	s.mu.Unlock()
	oc.rec.Close()
}

func (s *Service) openRec(convID string) (*reconcile.Reconciler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil, ErrNotStarted
	}
	oc := s.open[convID]
	if oc == nil {
		return nil, ErrNotOpen
	}
	return oc.rec, nil
}

// SendMessage sends a text message into convID through its reconciler,
// opening one transiently when the conversation is not on screen. It
// returns the message id.
func (s *Service) SendMessage(ctx context.Context, convID string, msgType chat.MessageType, payload, replyTo string) (string, error) {
	rec, err := s.openRec(convID)
	if err == nil {
		return rec.Send(ctx, msgType, payload, replyTo)
	}
	if err != ErrNotOpen {
		return "", err
	}
	rec, release, err := s.acquireConversation(ctx, convID)
	if err != nil {
		return "", err
	}
	defer release()
	return rec.Send(ctx, msgType, payload, replyTo)
}

// LoadOlderMessages extends the history window of an open
// conversation by one page.
func (s *Service) LoadOlderMessages(ctx context.Context, convID string) ([]*chat.Message, error) {
	rec, err := s.openRec(convID)
	if err != nil {
		return nil, err
	}
	return rec.LoadOlder(ctx)
}

// SetTyping publishes the viewer's typing state for an open
// conversation.
func (s *Service) SetTyping(ctx context.Context, convID string, typing bool) error {
	rec, err := s.openRec(convID)
	if err != nil {
		return err
	}
	return rec.SetTyping(ctx, typing)
}

// ResetUnread zeroes the viewer's unread count in both stores, so
// neither a list resync nor an ephemeral replay can resurrect a badge
// the viewer already dismissed.
func (s *Service) ResetUnread(ctx context.Context, convID string) error {
	if err := s.eph.SetCounter(ctx, ephemeral.UnreadKey(convID), s.userID, 0); err != nil {
		return err
	}
	return s.canon.UpdateConversation(ctx, convID, func(conv *chat.Conversation) error {
		if conv.Unread == nil {
			conv.Unread = make(map[string]int)
		}
		conv.Unread[s.userID] = 0
		return nil
	})
}

// StartDirectConversation creates or finds the 1:1 conversation
// between the signed-in user and other.
func (s *Service) StartDirectConversation(ctx context.Context, other string) (*chat.Conversation, error) {
	return s.canon.CreateDirectConversation(ctx, s.userID, other)
}

func (s *Service) StartGroupConversation(ctx context.Context, participants []string) (*chat.Conversation, error) {
	return s.canon.CreateGroupConversation(ctx, participants)
}

// HideConversation removes the conversation from this user's list
// without touching anyone else's view.
func (s *Service) HideConversation(ctx context.Context, convID string) error {
	return s.canon.UpdateConversation(ctx, convID, func(conv *chat.Conversation) error {
		if conv.Hidden == nil {
			conv.Hidden = make(map[string]bool)
		}
		conv.Hidden[s.userID] = true
		return nil
	})
}

// ClearHistory sets this user's cleared-before watermark to now.
// Messages at or before the watermark disappear from their view;
// other participants keep the full history.
func (s *Service) ClearHistory(ctx context.Context, convID string) error {
	now := chat.NowMS()
	return s.canon.UpdateConversation(ctx, convID, func(conv *chat.Conversation) error {
		if conv.ClearedBefore == nil {
			conv.ClearedBefore = make(map[string]int64)
		}
		conv.ClearedBefore[s.userID] = now
		return nil
	})
}

// SubscribePresence observes another user's presence record. Close
// the returned handle to stop.
func (s *Service) SubscribePresence(userID string, fn func(*chat.PresenceRecord)) (*ephemeral.Handle, error) {
	return s.pres.Observe(userID, fn)
}

// SetActiveConversation publishes which conversation the user is
// currently looking at, alongside their online state.
func (s *Service) SetActiveConversation(convID string) error {
	return s.pres.SetActiveConversation(convID)
}

// Close tears the engine down in dependency order: reconcilers and
// the list first, then presence (which publishes offline), then the
// shared fan-out and, when owned, the store clients. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := s.open
	s.open = make(map[string]*openConversation)
	s.mu.Unlock()

	for _, oc := range open {
		oc.rec.Close()
	}
	s.list.Close()
	s.pres.Close()
	s.mux.Close()
	if s.ownsStores {
		if err := s.eph.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close ephemeral client")
		}
		if err := s.canon.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close canonical store")
		}
	}
	s.log.Info().Msg("Sync engine closed")
	return nil
}
