package chatsync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/canonical"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/convlist"
	"github.com/lrhodin/chatsync/pkg/ephemeral"
)

func newServicePair(t *testing.T) (alice, bob *Service) {
	t.Helper()
	log := zerolog.Nop()
	store, err := canonical.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"), true, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	eph := ephemeral.NewMemoryClient(log)
	t.Cleanup(func() { eph.Close() })

	// Zero throttle makes list emission synchronous.
	alice = NewWithStores("alice", &Config{}, store, eph, log)
	bob = NewWithStores("bob", &Config{}, store, eph, log)
	t.Cleanup(func() { alice.Close() })
	t.Cleanup(func() { bob.Close() })

	ctx := context.Background()
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	return alice, bob
}

func findView(views []convlist.View, convID string) *convlist.View {
	for i := range views {
		if views[i].Conversation.ID == convID {
			return &views[i]
		}
	}
	return nil
}

func TestUnreadLifecycle(t *testing.T) {
	alice, bob := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var mu sync.Mutex
	var latest []convlist.View
	unsub := bob.SubscribeConversationList(func(views []convlist.View) {
		mu.Lock()
		latest = views
		mu.Unlock()
	})
	defer unsub()

	if _, err := alice.SendMessage(ctx, conv.ID, chat.MessageText, "hey bob", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	view := findView(latest, conv.ID)
	if view == nil {
		t.Fatalf("conversation missing from bob's list")
	}
	if view.Unread != 1 {
		t.Fatalf("bob unread = %d, want 1", view.Unread)
	}
	if view.LastMessage.Text != "hey bob" {
		t.Fatalf("preview = %q, want %q", view.LastMessage.Text, "hey bob")
	}
	mu.Unlock()

	// Opening the conversation resets the badge in both stores.
	_, release, err := bob.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer release()

	mu.Lock()
	view = findView(latest, conv.ID)
	if view == nil || view.Unread != 0 {
		t.Fatalf("unread after open = %+v, want 0", view)
	}
	mu.Unlock()

	stored, err := bob.canon.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Unread["bob"] != 0 {
		t.Fatalf("canonical unread = %d, want 0", stored.Unread["bob"])
	}
}

func TestSimultaneousFirstContact(t *testing.T) {
	alice, bob := newServicePair(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*chat.Conversation, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = alice.StartDirectConversation(ctx, "bob")
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = bob.StartDirectConversation(ctx, "alice")
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("side %d: %v", i, err)
		}
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("sides diverged: %q vs %q", results[0].ID, results[1].ID)
	}
}

func TestSendWithoutOpenConversation(t *testing.T) {
	alice, _ := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	id, err := alice.SendMessage(ctx, conv.ID, chat.MessageText, "fire and forget", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The transient reconciler is released after the send.
	alice.mu.Lock()
	if len(alice.open) != 0 {
		t.Fatalf("open conversations after send = %d, want 0", len(alice.open))
	}
	alice.mu.Unlock()

	msgs, err := alice.canon.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("canonical messages = %+v, want the sent message", msgs)
	}
}

func TestOpenMarksInboundDelivered(t *testing.T) {
	alice, bob := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := alice.SendMessage(ctx, conv.ID, chat.MessageText, "hey bob", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := bob.canon.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Delivered {
		t.Fatalf("message should be undelivered before bob opens: %+v", msgs)
	}

	_, release, err := bob.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer release()

	msgs, err = bob.canon.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("recent after open: %v", err)
	}
	if !msgs[0].Delivered {
		t.Fatalf("open did not mark inbound message delivered: %+v", msgs[0])
	}
}

func TestTransientSendKeepsUnreadBadge(t *testing.T) {
	alice, bob := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var mu sync.Mutex
	var latest []convlist.View
	unsub := bob.SubscribeConversationList(func(views []convlist.View) {
		mu.Lock()
		latest = views
		mu.Unlock()
	})
	defer unsub()

	if _, err := alice.SendMessage(ctx, conv.ID, chat.MessageText, "ping", ""); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	// Replying without the conversation on screen must not clear the
	// badge: only an explicit open counts as viewing.
	if _, err := bob.SendMessage(ctx, conv.ID, chat.MessageText, "quick reply", ""); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	mu.Lock()
	view := findView(latest, conv.ID)
	if view == nil || view.Unread != 1 {
		t.Fatalf("bob unread after transient send = %+v, want 1", view)
	}
	mu.Unlock()

	_, release, err := bob.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer release()

	mu.Lock()
	defer mu.Unlock()
	view = findView(latest, conv.ID)
	if view == nil || view.Unread != 0 {
		t.Fatalf("bob unread after open = %+v, want 0", view)
	}
}

func TestOpenConversationRefcount(t *testing.T) {
	alice, _ := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	rec1, release1, err := alice.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	rec2, release2, err := alice.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if rec1 != rec2 {
		t.Fatalf("expected shared reconciler")
	}

	release1()
	release1() // double release is a no-op
	if _, err := alice.LoadOlderMessages(ctx, conv.ID); err != nil {
		t.Fatalf("load older while still open: %v", err)
	}

	release2()
	if _, err := alice.LoadOlderMessages(ctx, conv.ID); err != ErrNotOpen {
		t.Fatalf("load older after last release: err = %v, want ErrNotOpen", err)
	}
}

func TestHideAndClearHistory(t *testing.T) {
	alice, bob := newServicePair(t)
	ctx := context.Background()

	conv, err := alice.StartDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := alice.SendMessage(ctx, conv.ID, chat.MessageText, "old news", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := bob.HideConversation(ctx, conv.ID); err != nil {
		t.Fatalf("hide: %v", err)
	}
	if err := bob.ClearHistory(ctx, conv.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	stored, err := bob.canon.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.HiddenFor("bob") {
		t.Fatalf("expected hidden for bob")
	}
	if stored.ClearedBeforeFor("bob") == 0 {
		t.Fatalf("expected cleared watermark for bob")
	}
	if stored.HiddenFor("alice") || stored.ClearedBeforeFor("alice") != 0 {
		t.Fatalf("alice's view should be untouched: %+v", stored)
	}
}

func TestPresenceAcrossServices(t *testing.T) {
	alice, _ := newServicePair(t)

	var mu sync.Mutex
	var last *chat.PresenceRecord
	handle, err := alice.SubscribePresence("bob", func(rec *chat.PresenceRecord) {
		mu.Lock()
		last = rec
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe presence: %v", err)
	}
	defer handle.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		rec := last
		mu.Unlock()
		if rec.Online() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed bob online, last = %+v", rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sync.ThrottleWindowMS != 250 {
		t.Fatalf("throttle default = %d", cfg.Sync.ThrottleWindowMS)
	}
	if cfg.Sync.LiveTailSize != 50 || cfg.Sync.SignalBuffer != 20 || cfg.Sync.PageSize != 50 {
		t.Fatalf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Presence.HeartbeatMinutes != 20 {
		t.Fatalf("heartbeat default = %d", cfg.Presence.HeartbeatMinutes)
	}
	if cfg.Storage.Path == "" {
		t.Fatalf("expected default storage path")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("storage:\n  path: /tmp/x.db\n  ordered_index: true\nsync:\n  throttle_window_ms: 100\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/x.db" || !cfg.Storage.OrderedIndex {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Sync.ThrottleWindowMS != 100 {
		t.Fatalf("throttle = %d", cfg.Sync.ThrottleWindowMS)
	}
	// Untouched sections still get defaults.
	if cfg.Sync.PageSize != 50 || cfg.Presence.HeartbeatMinutes != 20 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("sync:\n  throttle_window_ms: -5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatalf("expected validation error for negative throttle")
	}
}

func TestWatchConfigAppliesThrottle(t *testing.T) {
	alice, _ := newServicePair(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  throttle_window_ms: 50\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	stop, err := alice.WatchConfig(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("sync:\n  throttle_window_ms: 120\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		alice.mu.Lock()
		got := alice.cfg.Sync.ThrottleWindowMS
		alice.mu.Unlock()
		if got == 120 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("throttle never applied, still %d", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
