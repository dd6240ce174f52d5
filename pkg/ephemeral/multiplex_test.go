package ephemeral

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingClient wraps MemoryClient and counts underlying Subscribe /
// teardown calls so tests can assert the refcounting behavior.
type countingClient struct {
	*MemoryClient
	mu         sync.Mutex
	subscribes map[string]int
	teardowns  map[string]int
}

func newCountingClient() *countingClient {
	return &countingClient{
		MemoryClient: NewMemoryClient(zerolog.Nop()),
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

func (c *countingClient) counts(key string) (subs, tears int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[key], c.teardowns[key]
}

func TestMultiplexerSharesOneSubscription(t *testing.T) {
	client := newCountingClient()
	mux := NewMultiplexer(client, zerolog.Nop())
	defer mux.Close()

	const n = 5
	var handles []*Handle
	got := make([]int, n)
	for i := 0; i < n; i++ {
		i := i
		h, err := mux.Watch("presence/alice", func([]byte) { got[i]++ })
		if err != nil {
			t.Fatalf("watch %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	subs, _ := client.counts("presence/alice")
	if subs != 1 {
		t.Fatalf("expected exactly 1 underlying subscription, got %d", subs)
	}
	if mux.WatchCount("presence/alice") != n {
		t.Fatalf("expected %d watchers, got %d", n, mux.WatchCount("presence/alice"))
	}

	if err := client.Set(context.Background(), "presence/alice", []byte(`{"state":"online"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i, count := range got {
		if count != 1 {
			t.Fatalf("watcher %d received %d updates, want 1", i, count)
		}
	}

	for _, h := range handles {
		h.Close()
	}
	subs, tears := client.counts("presence/alice")
	if subs != 1 || tears != 1 {
		t.Fatalf("expected 1 subscribe / 1 teardown, got %d / %d", subs, tears)
	}

	// Double-close of a handle must not tear down a fresh subscription.
	h2, err := mux.Watch("presence/alice", func([]byte) {})
	if err != nil {
		t.Fatalf("re-watch: %v", err)
	}
	handles[0].Close()
	if mux.WatchCount("presence/alice") != 1 {
		t.Fatal("stale handle close affected the new subscription")
	}
	h2.Close()
}

func TestMultiplexerReplaysLastValue(t *testing.T) {
	client := newCountingClient()
	mux := NewMultiplexer(client, zerolog.Nop())
	defer mux.Close()

	h1, err := mux.Watch("meta/c1", func([]byte) {})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer h1.Close()
	if err := client.Set(context.Background(), "meta/c1", []byte(`{"updated_at":42}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	var replayed []byte
	h2, err := mux.Watch("meta/c1", func(v []byte) { replayed = v })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer h2.Close()
	if replayed == nil {
		t.Fatal("joining watcher did not synchronously receive the last value")
	}
	var decoded map[string]int64
	if err := json.Unmarshal(replayed, &decoded); err != nil || decoded["updated_at"] != 42 {
		t.Fatalf("unexpected replayed value %s", replayed)
	}
}

func TestMemoryClientCounters(t *testing.T) {
	client := NewMemoryClient(zerolog.Nop())
	ctx := context.Background()

	var lastSeen map[string]int64
	teardown, err := client.Subscribe("unread/c1", func(v []byte) {
		var m map[string]int64
		if err := json.Unmarshal(v, &m); err == nil {
			lastSeen = m
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer teardown()

	if n, err := client.IncrField(ctx, "unread/c1", "bob", 1); err != nil || n != 1 {
		t.Fatalf("incr: n=%d err=%v", n, err)
	}
	if n, err := client.IncrField(ctx, "unread/c1", "bob", 1); err != nil || n != 2 {
		t.Fatalf("incr: n=%d err=%v", n, err)
	}
	if lastSeen["bob"] != 2 {
		t.Fatalf("subscriber saw %d, want 2", lastSeen["bob"])
	}

	if err := client.SetCounter(ctx, "unread/c1", "bob", 0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if lastSeen["bob"] != 0 {
		t.Fatalf("subscriber saw %d after reset, want 0", lastSeen["bob"])
	}

	val, err := client.Get(ctx, "unread/c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var m map[string]int64
	if err := json.Unmarshal(val, &m); err != nil || m["bob"] != 0 {
		t.Fatalf("unexpected counter state %s", val)
	}
}

func TestMemoryClientDisconnectWrites(t *testing.T) {
	client := NewMemoryClient(zerolog.Nop())
	ctx := context.Background()

	var last []byte
	teardown, err := client.Subscribe("presence/alice", func(v []byte) { last = v })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer teardown()

	cancel, err := client.OnDisconnect("presence/alice", []byte(`{"state":"offline"}`))
	if err != nil {
		t.Fatalf("ondisconnect: %v", err)
	}
	_ = cancel

	if err := client.Set(ctx, "presence/alice", []byte(`{"state":"online"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	client.SetConnected(false)

	var rec map[string]string
	if err := json.Unmarshal(last, &rec); err != nil || rec["state"] != "offline" {
		t.Fatalf("expected offline write on disconnect, got %s", last)
	}

	// A fired registration is consumed: the next drop must not replay
	// it over fresher state.
	client.SetConnected(true)
	if err := client.Set(ctx, "presence/alice", []byte(`{"state":"online"}`)); err != nil {
		t.Fatalf("set after reconnect: %v", err)
	}
	client.SetConnected(false)
	if err := json.Unmarshal(last, &rec); err != nil || rec["state"] != "online" {
		t.Fatalf("consumed registration fired again, got %s", last)
	}
}

func TestMemoryClientMerge(t *testing.T) {
	client := NewMemoryClient(zerolog.Nop())
	ctx := context.Background()

	if err := client.Merge(ctx, "meta/c1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := client.Merge(ctx, "meta/c1", map[string]any{"b": 2}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	val, err := client.Get(ctx, "meta/c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(val, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["a"] != 1 || m["b"] != 2 {
		t.Fatalf("merge lost fields: %v", m)
	}
}

// slowGetClient blocks the first Get until released, holding the
// first watcher's cache seed in flight.
type slowGetClient struct {
	*MemoryClient
	mu      sync.Mutex
	release chan struct{}
	seeding bool
}

func (c *slowGetClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	first := !c.seeding
	c.seeding = true
	c.mu.Unlock()
	if first {
		<-c.release
	}
	return c.MemoryClient.Get(ctx, key)
}

func (c *slowGetClient) seedInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeding
}

func TestJoinerDuringSeedGetsReplay(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryClient(zerolog.Nop())
	if err := inner.Set(ctx, "presence/bob", []byte(`{"state":"online"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	client := &slowGetClient{MemoryClient: inner, release: make(chan struct{})}
	mux := NewMultiplexer(client, zerolog.Nop())
	defer mux.Close()

	var h1 *Handle
	var err1 error
	done := make(chan struct{})
	go func() {
		defer close(done)
		h1, err1 = mux.Watch("presence/bob", func([]byte) {})
	}()
	for !client.seedInFlight() {
		time.Sleep(time.Millisecond)
	}

	// The first watcher is parked inside its seed read; a joiner must
	// still get the stored value synchronously.
	var got []byte
	h2, err := mux.Watch("presence/bob", func(v []byte) { got = v })
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer h2.Close()
	if got == nil {
		t.Fatal("joining watcher got no synchronous replay while the seed read was in flight")
	}

	close(client.release)
	<-done
	if err1 != nil {
		t.Fatalf("first watch: %v", err1)
	}
	defer h1.Close()
}
