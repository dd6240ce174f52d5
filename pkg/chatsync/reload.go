// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig reloads the config file whenever it changes and applies
// the tunables that take effect without a restart. Currently that is
// the conversation list throttle window and the presence heartbeat
// interval; storage and broker settings need a new Service. The
// returned stop func closes the watcher.
func (s *Service) WatchConfig(path string) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors that rename a temp
	// file over the target drop the watch on the file itself.
	if err = watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	log := s.log.With().Str("action", "config reload").Logger()
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(abs)
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring unparseable config change")
					continue
				}
				s.applyTunables(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func (s *Service) applyTunables(cfg *Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if cfg.Sync.ThrottleWindowMS != old.Sync.ThrottleWindowMS {
		s.list.SetThrottleWindow(cfg.ThrottleWindow())
		s.log.Info().
			Int("throttle_window_ms", cfg.Sync.ThrottleWindowMS).
			Msg("Applied new conversation list throttle window")
	}
	if cfg.Presence.HeartbeatMinutes != old.Presence.HeartbeatMinutes {
		s.pres.SetHeartbeatInterval(cfg.HeartbeatInterval())
		s.log.Info().
			Int("heartbeat_minutes", cfg.Presence.HeartbeatMinutes).
			Msg("Applied new presence heartbeat interval")
	}
}
