package presence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
)

// countingClient wraps the memory client and counts underlying
// subscribe/teardown pairs per key.
type countingClient struct {
	*ephemeral.MemoryClient
	mu         sync.Mutex
	subscribes map[string]int
	teardowns  map[string]int
}

func newCountingClient() *countingClient {
	return &countingClient{
		MemoryClient: ephemeral.NewMemoryClient(zerolog.Nop()),
		subscribes:   make(map[string]int),
		teardowns:    make(map[string]int),
	}
}

func (c *countingClient) Subscribe(key string, fn func([]byte)) (func(), error) {
	c.mu.Lock()
	c.subscribes[key]++
	c.mu.Unlock()
	inner, err := c.MemoryClient.Subscribe(key, fn)
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		c.teardowns[key]++
		c.mu.Unlock()
		inner()
	}, nil
}

func (c *countingClient) counts(key string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[key], c.teardowns[key]
}

func newTestStore(t *testing.T) *canonical.SQLiteStore {
	t.Helper()
	store, err := canonical.NewSQLiteStore(filepath.Join(t.TempDir(), "canonical.db"), true, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManager(t *testing.T, userID string, client ephemeral.Client, cfg Config) (*Manager, *ephemeral.Multiplexer) {
	t.Helper()
	mux := ephemeral.NewMultiplexer(client, zerolog.Nop())
	t.Cleanup(mux.Close)
	m := New(userID, newTestStore(t), client, mux, cfg, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Close)
	return m, mux
}

func TestOnlineOfflineLifecycle(t *testing.T) {
	client := ephemeral.NewMemoryClient(zerolog.Nop())
	m, _ := newManager(t, "alice", client, Config{})

	var mu sync.Mutex
	var states []string
	handle, err := m.Observe("alice", func(rec *chat.PresenceRecord) {
		mu.Lock()
		states = append(states, rec.State)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer handle.Close()

	mu.Lock()
	if len(states) == 0 || states[len(states)-1] != chat.PresenceOnline {
		t.Fatalf("expected online after start, got %v", states)
	}
	mu.Unlock()

	// Connection loss triggers the registered offline write.
	client.SetConnected(false)
	mu.Lock()
	defer mu.Unlock()
	if states[len(states)-1] != chat.PresenceOffline {
		t.Fatalf("expected offline after disconnect, got %v", states)
	}
}

func TestObserverPoolSharesOneSubscription(t *testing.T) {
	client := newCountingClient()
	m, mux := newManager(t, "alice", client, Config{})

	const n = 7
	var handles []*ephemeral.Handle
	for i := 0; i < n; i++ {
		h, err := m.Observe("bob", func(*chat.PresenceRecord) {})
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	key := ephemeral.PresenceKey("bob")
	if subs, _ := client.counts(key); subs != 1 {
		t.Fatalf("expected 1 underlying subscription for %d observers, got %d", n, subs)
	}
	if mux.WatchCount(key) != n {
		t.Fatalf("expected %d pooled watchers, got %d", n, mux.WatchCount(key))
	}

	for _, h := range handles {
		h.Close()
	}
	if subs, tears := client.counts(key); subs != 1 || tears != 1 {
		t.Fatalf("expected exactly one teardown, got subs=%d tears=%d", subs, tears)
	}
}

func TestJoiningObserverGetsLastKnownValue(t *testing.T) {
	client := ephemeral.NewMemoryClient(zerolog.Nop())
	m, _ := newManager(t, "alice", client, Config{})

	// First observer triggers the subscription; alice's own manager
	// already published online.
	h1, err := m.Observe("alice", func(*chat.PresenceRecord) {})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer h1.Close()
	if err := m.SetActiveConversation("c42"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	var rec *chat.PresenceRecord
	h2, err := m.Observe("alice", func(r *chat.PresenceRecord) { rec = r })
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer h2.Close()
	if rec == nil {
		t.Fatal("joining observer should synchronously get the last value")
	}
	if !rec.Online() || rec.ActiveConversation != "c42" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestReconnectCycleFiresOneOfflineWrite(t *testing.T) {
	client := ephemeral.NewMemoryClient(zerolog.Nop())
	newManager(t, "alice", client, Config{})

	var mu sync.Mutex
	var offlineWrites int
	teardown, err := client.Subscribe(ephemeral.PresenceKey("alice"), func(v []byte) {
		var rec chat.PresenceRecord
		if err := json.Unmarshal(v, &rec); err == nil && rec.State == chat.PresenceOffline {
			mu.Lock()
			offlineWrites++
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer teardown()

	// Two full connect/disconnect cycles. Each drop must execute
	// exactly one offline write: the registration from the session that
	// just ended, never survivors from earlier sessions.
	client.SetConnected(false)
	mu.Lock()
	if offlineWrites != 1 {
		t.Fatalf("first disconnect fired %d offline writes, want 1", offlineWrites)
	}
	mu.Unlock()

	client.SetConnected(true)
	client.SetConnected(false)
	mu.Lock()
	defer mu.Unlock()
	if offlineWrites != 2 {
		t.Fatalf("second disconnect fired %d offline writes, want 1", offlineWrites-1)
	}
}

func TestHeartbeatTouchesDurableStore(t *testing.T) {
	client := ephemeral.NewMemoryClient(zerolog.Nop())
	store := newTestStore(t)
	mux := ephemeral.NewMultiplexer(client, zerolog.Nop())
	t.Cleanup(mux.Close)
	m := New("alice", store, client, mux, Config{HeartbeatInterval: 10 * time.Millisecond}, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Close)

	deadline := time.Now().Add(2 * time.Second)
	var first int64
	for time.Now().Before(deadline) {
		ts, err := store.GetUserActivity(context.Background(), "alice")
		if err == nil {
			first = ts
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if first == 0 {
		t.Fatal("heartbeat never touched the durable store")
	}
}

func TestCloseIsIdempotentAndPublishesOffline(t *testing.T) {
	client := ephemeral.NewMemoryClient(zerolog.Nop())
	mux := ephemeral.NewMultiplexer(client, zerolog.Nop())
	t.Cleanup(mux.Close)
	m := New("alice", newTestStore(t), client, mux, Config{}, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var last *chat.PresenceRecord
	teardown, err := client.Subscribe(ephemeral.PresenceKey("alice"), func(v []byte) {
		var rec chat.PresenceRecord
		if err := json.Unmarshal(v, &rec); err == nil {
			last = &rec
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer teardown()

	m.Close()
	m.Close()
	if last == nil || last.State != chat.PresenceOffline {
		t.Fatalf("expected offline publish on close, got %+v", last)
	}
}
