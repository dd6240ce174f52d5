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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	// Path is the canonical store database file.
	Path string `yaml:"path"`

	// OrderedIndex provisions the composite last-message ordering
	// index. Without it the conversation list query takes the
	// unordered fallback path and sorts client-side.
	OrderedIndex bool `yaml:"ordered_index"`
}

type EphemeralConfig struct {
	// RedisAddr points the ephemeral store at a Redis instance.
	// Empty runs the in-process broker (local/offline mode).
	RedisAddr string `yaml:"redis_addr"`
}

type SyncConfig struct {
	// ThrottleWindowMS bounds conversation-list emission frequency.
	ThrottleWindowMS int `yaml:"throttle_window_ms"`

	// LiveTailSize is the number of most recent canonical messages
	// kept in the live tail per open conversation.
	LiveTailSize int `yaml:"live_tail_size"`

	// SignalBuffer bounds the transient signal-message buffer.
	SignalBuffer int `yaml:"signal_buffer"`

	// PageSize is the load-older history page size.
	PageSize int `yaml:"page_size"`
}

type PresenceConfig struct {
	// HeartbeatMinutes is the durable freshness-write interval.
	HeartbeatMinutes int `yaml:"heartbeat_minutes"`
}

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Sync      SyncConfig      `yaml:"sync"`
	Presence  PresenceConfig  `yaml:"presence"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Storage.Path == "" {
		c.Storage.Path = "chatsync.db"
	}
	if c.Sync.ThrottleWindowMS < 0 {
		return fmt.Errorf("sync.throttle_window_ms must not be negative")
	}
	if c.Sync.ThrottleWindowMS == 0 {
		c.Sync.ThrottleWindowMS = 250
	}
	if c.Sync.LiveTailSize == 0 {
		c.Sync.LiveTailSize = 50
	}
	if c.Sync.SignalBuffer == 0 {
		c.Sync.SignalBuffer = 20
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 50
	}
	if c.Presence.HeartbeatMinutes == 0 {
		c.Presence.HeartbeatMinutes = 20
	}
	return nil
}

func (c *Config) ThrottleWindow() time.Duration {
	return time.Duration(c.Sync.ThrottleWindowMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Presence.HeartbeatMinutes) * time.Minute
}

func DefaultConfig() *Config {
	var cfg Config
	_ = cfg.PostProcess()
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// An empty document never reaches UnmarshalYAML.
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
