// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
)

// Manager owns the local user's presence state and exposes a pooled
// read API for everyone else's.
//
// Going online is paired with a pre-registered store-executed write of
// the offline record, so presence is eventually correct after a crash
// or network loss, bounded by the store's connection timeout. A
// low-frequency heartbeat refreshes a freshness timestamp in the
// durable store, decoupled from the fast presence key to keep the
// durable write rate negligible at scale.
type Manager struct {
	userID string
	canon  canonical.Store
	eph    ephemeral.Client
	mux    *ephemeral.Multiplexer
	log    zerolog.Logger

	heartbeatInterval time.Duration
	heartbeatCh       chan time.Duration

	mu               sync.Mutex
	online           bool
	activeConv       string
	cancelDisconnect func()
	connTeardown     func()
	stop             chan struct{}
	wg               sync.WaitGroup
	closed           bool
}

type Config struct {
	// HeartbeatInterval is deliberately long (tens of minutes): it only
	// keeps "recently active" filters from hiding genuinely online
	// users, the fast path is the ephemeral presence key.
	HeartbeatInterval time.Duration
}

func New(userID string, canon canonical.Store, eph ephemeral.Client, mux *ephemeral.Multiplexer, cfg Config, log zerolog.Logger) *Manager {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Minute
	}
	return &Manager{
		userID: userID,
		canon:  canon,
		eph:    eph,
		mux:    mux,
		log: log.With().
			Str("component", "presence").
			Str("user_id", userID).
			Logger(),
		heartbeatInterval: interval,
		heartbeatCh:       make(chan time.Duration, 1),
		stop:              make(chan struct{}),
	}
}

// Start wires presence to the connection lifecycle: every transition
// to connected republishes the online record and re-registers the
// on-disconnect offline write.
func (m *Manager) Start(ctx context.Context) error {
	teardown := m.eph.WatchConnection(func(connected bool) {
		if connected {
			m.goOnline()
		} else {
			m.mu.Lock()
			m.online = false
			m.cancelDisconnect = nil
			m.mu.Unlock()
			m.log.Info().Msg("Ephemeral connection lost, presence now owned by the disconnect write")
		}
	})
	m.mu.Lock()
	m.connTeardown = teardown
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop()
	return nil
}

func (m *Manager) goOnline() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.online = true
	active := m.activeConv
	prevCancel := m.cancelDisconnect
	m.cancelDisconnect = nil
	m.mu.Unlock()

	// The store executes a registration at most once; a survivor from
	// the previous session must be cancelled before arming a fresh one,
	// or registrations pile up one per connect cycle.
	if prevCancel != nil {
		prevCancel()
	}

	offline, _ := json.Marshal(&chat.PresenceRecord{
		UserID:      m.userID,
		State:       chat.PresenceOffline,
		LastChanged: chat.NowMS(),
	})
	cancel, err := m.eph.OnDisconnect(ephemeral.PresenceKey(m.userID), offline)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to register disconnect write")
	} else {
		m.mu.Lock()
		m.cancelDisconnect = cancel
		m.mu.Unlock()
	}

	if err := m.publish(chat.PresenceOnline, active); err != nil {
		m.log.Warn().Err(err).Msg("Failed to publish online presence")
	} else {
		m.log.Info().Msg("Presence online")
	}
}

// SetActiveConversation publishes the conversation the user currently
// has open (empty for none). Consumed externally to suppress duplicate
// notifications for an already-viewed conversation.
func (m *Manager) SetActiveConversation(convID string) error {
	m.mu.Lock()
	m.activeConv = convID
	online := m.online
	m.mu.Unlock()
	if !online {
		return nil
	}
	return m.publish(chat.PresenceOnline, convID)
}

// ActiveConversation returns the locally tracked open conversation.
func (m *Manager) ActiveConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeConv
}

// Observe attaches fn to userID's presence through the shared
// reference-counted pool: any number of observers of the same user
// share one underlying subscription, and joining observers get the
// last known record synchronously.
func (m *Manager) Observe(userID string, fn func(*chat.PresenceRecord)) (*ephemeral.Handle, error) {
	return m.mux.Watch(ephemeral.PresenceKey(userID), func(value []byte) {
		var rec chat.PresenceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			m.log.Debug().Err(err).Str("target", userID).Msg("Dropping malformed presence record")
			return
		}
		rec.LastChanged = chat.UnixMS(rec.LastChanged)
		fn(&rec)
	})
}

// Close publishes offline, cancels the disconnect registration and
// stops the heartbeat. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	online := m.online
	m.online = false
	cancel := m.cancelDisconnect
	m.cancelDisconnect = nil
	teardown := m.connTeardown
	m.connTeardown = nil
	close(m.stop)
	m.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	if online {
		if err := m.publish(chat.PresenceOffline, ""); err != nil {
			m.log.Warn().Err(err).Msg("Failed to publish offline presence on close")
		}
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) publish(state, activeConv string) error {
	record, err := json.Marshal(&chat.PresenceRecord{
		UserID:             m.userID,
		State:              state,
		LastChanged:        chat.NowMS(),
		ActiveConversation: activeConv,
	})
	if err != nil {
		return err
	}
	if err := m.eph.Set(context.Background(), ephemeral.PresenceKey(m.userID), record); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	return nil
}

// SetHeartbeatInterval applies a new interval to the running loop.
// The next tick fires a full interval after the change.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case m.heartbeatCh <- d:
	default:
		// A pending unapplied interval gets replaced.
		select {
		case <-m.heartbeatCh:
		default:
		}
		m.heartbeatCh <- d
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		m.touch()
		select {
		case <-m.stop:
			return
		case d := <-m.heartbeatCh:
			ticker.Reset(d)
		case <-ticker.C:
		}
	}
}

func (m *Manager) touch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.canon.TouchUserActivity(ctx, m.userID, chat.NowMS()); err != nil {
		m.log.Warn().Err(err).Msg("Heartbeat write failed")
	}
}
