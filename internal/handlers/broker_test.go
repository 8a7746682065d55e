package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

func newBrokerServer(t *testing.T) (*store.MemStore, string) {
	t.Helper()
	eng := store.NewMemStore()
	r := chi.NewRouter()
	r.Get("/api/v1/store/ws", NewBrokerHandler(eng).HandleStoreWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/store/ws"
	return eng, url
}

func dialBroker(t *testing.T, url string) *store.WSClient {
	t.Helper()
	c, err := store.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBrokerRoundtrip(t *testing.T) {
	ctx := context.Background()
	_, url := newBrokerServer(t)
	c := dialBroker(t, url)

	t.Run("write and read", func(t *testing.T) {
		if err := c.Write(ctx, "rooms/r1", map[string]any{"id": "r1", "status": "active"}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		raw, err := c.Read(ctx, "rooms/r1/status")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if string(raw) != `"active"` {
			t.Fatalf("got %s", raw)
		}
	})

	t.Run("read missing returns nil", func(t *testing.T) {
		raw, err := c.Read(ctx, "nope")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if raw != nil {
			t.Fatalf("got %s", raw)
		}
	})

	t.Run("append generates ordered keys", func(t *testing.T) {
		k1, err := c.Append(ctx, "rooms/r1/messages", map[string]any{"text": "one"})
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}
		k2, _ := c.Append(ctx, "rooms/r1/messages", map[string]any{"text": "two"})
		if k1 >= k2 {
			t.Fatalf("keys not ordered: %s >= %s", k1, k2)
		}
	})

	t.Run("conditional delete", func(t *testing.T) {
		existed, err := c.Delete(ctx, "rooms/r1/status")
		if err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		if !existed {
			t.Fatal("expected existed=true")
		}
		existed, _ = c.Delete(ctx, "rooms/r1/status")
		if existed {
			t.Fatal("expected existed=false")
		}
	})

	t.Run("server timestamp resolves", func(t *testing.T) {
		before := time.Now().UnixMilli()
		if err := c.Write(ctx, "ts", map[string]any{"at": c.ServerTimestamp()}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		raw, _ := c.Read(ctx, "ts/at")
		var got int64
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		if got < before || got > time.Now().UnixMilli() {
			t.Fatalf("timestamp out of range: %d", got)
		}
	})
}

func waitForValue(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestBrokerSubscribeAcrossClients(t *testing.T) {
	ctx := context.Background()
	_, url := newBrokerServer(t)
	writer := dialBroker(t, url)
	watcher := dialBroker(t, url)

	values := make(chan string, 16)
	unsub, err := watcher.Subscribe("matches/u1", func(raw json.RawMessage) {
		values <- string(raw)
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsub()

	// 初期値（未存在）の通知
	waitForValue(t, values, "")

	if err := writer.Write(ctx, "matches/u1", map[string]any{"roomId": "r9"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	waitForValue(t, values, `{"roomId":"r9"}`)
}

func TestBrokerChildAddedAcrossClients(t *testing.T) {
	ctx := context.Background()
	_, url := newBrokerServer(t)
	writer := dialBroker(t, url)
	watcher := dialBroker(t, url)

	_, _ = writer.Append(ctx, "msgs", "one")

	keys := make(chan string, 16)
	unsub, err := watcher.SubscribeChildAdded("msgs", func(key string, value json.RawMessage) {
		keys <- string(value)
	})
	if err != nil {
		t.Fatalf("SubscribeChildAdded error: %v", err)
	}
	defer unsub()

	// 既存の子 → 新しい子の順
	waitForValue(t, keys, `"one"`)
	_, _ = writer.Append(ctx, "msgs", "two")
	waitForValue(t, keys, `"two"`)
}

func TestBrokerSlowSubscriberDoesNotStallOthers(t *testing.T) {
	ctx := context.Background()
	_, url := newBrokerServer(t)
	writer := dialBroker(t, url)
	watcher := dialBroker(t, url)

	// 詰まった購読コールバックが他の購読の配信を止めないこと
	release := make(chan struct{})
	var slowMu sync.Mutex
	var slowLast string
	unsubSlow, err := watcher.Subscribe("slow", func(raw json.RawMessage) {
		<-release
		slowMu.Lock()
		slowLast = string(raw)
		slowMu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubSlow()

	fastCh := make(chan string, 16)
	unsubFast, err := watcher.Subscribe("fast", func(raw json.RawMessage) {
		fastCh <- string(raw)
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubFast()
	waitForValue(t, fastCh, "")

	for i := 0; i < 300; i++ {
		if err := writer.Write(ctx, "slow", i); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}
	if err := writer.Write(ctx, "fast", "ping"); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	waitForValue(t, fastCh, `"ping"`)

	// 詰まりを解消すると溜まった通知が順に流れ、最後の値に追いつく
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		slowMu.Lock()
		last := slowLast
		slowMu.Unlock()
		if last == "299" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	slowMu.Lock()
	defer slowMu.Unlock()
	t.Fatalf("slow subscriber never caught up, last=%q", slowLast)
}

func TestBrokerDisconnectWrite(t *testing.T) {
	ctx := context.Background()
	eng, url := newBrokerServer(t)
	c := dialBroker(t, url)

	rec := map[string]any{"online": false}
	if err := c.OnDisconnectWrite(ctx, "rooms/r1/presence/u1", rec); err != nil {
		t.Fatalf("OnDisconnectWrite error: %v", err)
	}

	// 切断前は未反映
	raw, _ := eng.Read(ctx, "rooms/r1/presence/u1")
	if raw != nil {
		t.Fatalf("expected no write before disconnect, got %s", raw)
	}

	_ = c.Close()

	// サーバー側が切断を検知して書き込むのを待つ
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		raw, _ := eng.Read(ctx, "rooms/r1/presence/u1/online")
		if string(raw) == "false" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("disconnect write not applied")
}
