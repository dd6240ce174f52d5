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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisClient implements Client over Redis: plain values as JSON
// strings, counters as hashes (HINCRBY is the atomic increment), and
// value-change subscription via one Pub/Sub channel per key. Every
// write publishes the new value after committing it.
//
// Redis has no server-executed on-disconnect write, so registered
// disconnect values are approximated two ways: the guarded key carries
// a TTL refreshed while the connection is healthy (crash/network-loss
// expiry, bounded by disconnectTTL), and a clean Close writes the
// registered values immediately.
type RedisClient struct {
	rdb *redis.Client
	log zerolog.Logger

	mu           sync.Mutex
	disconnects  map[int]disconnectWrite
	nextDiscID   int
	connected    bool
	connWatchers map[int]func(bool)
	nextConnID   int
	closed       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

const (
	// disconnectTTL bounds how long a guarded key (presence) outlives a
	// crashed client. Mirrors the broadcast store's connection timeout.
	disconnectTTL = 60 * time.Second

	pingInterval = 5 * time.Second
)

func NewRedisClient(addr string, log zerolog.Logger) *RedisClient {
	c := &RedisClient{
		rdb:          redis.NewClient(&redis.Options{Addr: addr}),
		log:          log.With().Str("component", "ephemeral_redis").Logger(),
		disconnects:  make(map[int]disconnectWrite),
		connWatchers: make(map[int]func(bool)),
		stop:         make(chan struct{}),
	}
	c.wg.Add(1)
	go c.connectionLoop()
	return c
}

func channelFor(key string) string { return "ch/" + key }

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ephemeral get %s: %w", key, err)
	}
	// Counter keys live as hashes under the same name.
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ephemeral get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return marshalCounterHash(fields), nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("ephemeral set %s: %w", key, err)
	}
	return c.publish(ctx, key, value)
}

func (c *RedisClient) Merge(ctx context.Context, key string, fields map[string]any) error {
	var merged []byte
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		obj := map[string]any{}
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &obj); err != nil {
				return fmt.Errorf("existing value is not an object: %w", err)
			}
		}
		for k, v := range fields {
			obj[k] = v
		}
		merged, err = json.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("ephemeral merge %s: %w", key, err)
	}
	return c.publish(ctx, key, merged)
}

func (c *RedisClient) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := c.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("ephemeral incr %s.%s: %w", key, field, err)
	}
	c.publishCounterHash(ctx, key)
	return val, nil
}

func (c *RedisClient) SetCounter(ctx context.Context, key, field string, value int64) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("ephemeral set counter %s.%s: %w", key, field, err)
	}
	c.publishCounterHash(ctx, key)
	return nil
}

func (c *RedisClient) Subscribe(key string, fn func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(context.Background(), channelFor(key))
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			case <-done:
				return
			case <-c.stop:
				return
			}
		}
	}()

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("Failed to close pubsub")
			}
		})
	}
	return teardown, nil
}

func (c *RedisClient) OnDisconnect(key string, value []byte) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	id := c.nextDiscID
	c.nextDiscID++
	c.disconnects[id] = disconnectWrite{key: key, value: append([]byte(nil), value...)}
	// Arm the TTL immediately so a crash before the first refresh tick
	// still expires the key.
	if err := c.rdb.PExpire(context.Background(), key, disconnectTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to arm disconnect TTL")
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.disconnects, id)
		c.rdb.Persist(context.Background(), key)
	}, nil
}

func (c *RedisClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *RedisClient) WatchConnection(fn func(bool)) func() {
	c.mu.Lock()
	id := c.nextConnID
	c.nextConnID++
	c.connWatchers[id] = fn
	current := c.connected && !c.closed
	c.mu.Unlock()
	fn(current)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connWatchers, id)
	}
}

func (c *RedisClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]disconnectWrite, 0, len(c.disconnects))
	for _, dw := range c.disconnects {
		pending = append(pending, dw)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, dw := range pending {
		if err := c.rdb.Set(ctx, dw.key, dw.value, 0).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", dw.key).Msg("Disconnect write failed on close")
		} else {
			_ = c.publish(ctx, dw.key, dw.value)
		}
	}
	close(c.stop)
	err := c.rdb.Close()
	c.wg.Wait()
	return err
}

func (c *RedisClient) publish(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Publish(ctx, channelFor(key), value).Err(); err != nil {
		return fmt.Errorf("ephemeral publish %s: %w", key, err)
	}
	return nil
}

func (c *RedisClient) publishCounterHash(ctx context.Context, key string) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to read counter hash for publish")
		return
	}
	if err := c.publish(ctx, key, marshalCounterHash(fields)); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to publish counter hash")
	}
}

// connectionLoop keeps the connected flag current and refreshes the
// TTLs guarding disconnect-registered keys while the link is healthy.
func (c *RedisClient) connectionLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
		err := c.rdb.Ping(ctx).Err()
		cancel()
		c.setConnected(err == nil)
		if err == nil {
			c.mu.Lock()
			seen := make(map[string]struct{}, len(c.disconnects))
			keys := make([]string, 0, len(c.disconnects))
			for _, dw := range c.disconnects {
				if _, dup := seen[dw.key]; dup {
					continue
				}
				seen[dw.key] = struct{}{}
				keys = append(keys, dw.key)
			}
			c.mu.Unlock()
			for _, key := range keys {
				if err := c.rdb.PExpire(context.Background(), key, disconnectTTL).Err(); err != nil {
					c.log.Warn().Err(err).Str("key", key).Msg("Failed to refresh disconnect TTL")
				}
			}
		}
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *RedisClient) setConnected(connected bool) {
	c.mu.Lock()
	if c.closed || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	watchers := make([]func(bool), 0, len(c.connWatchers))
	for _, fn := range c.connWatchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(connected)
	}
}

func marshalCounterHash(fields map[string]string) []byte {
	counters := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counters[k] = n
	}
	payload, _ := json.Marshal(counters)
	return payload
}
