package store

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestMemStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	t.Run("missing path returns nil", func(t *testing.T) {
		raw, err := m.Read(ctx, "nope/nothing")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if raw != nil {
			t.Fatalf("expected nil, got %s", raw)
		}
	})

	t.Run("scalar roundtrip", func(t *testing.T) {
		if err := m.Write(ctx, "a/b", "hello"); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		raw, _ := m.Read(ctx, "a/b")
		if string(raw) != `"hello"` {
			t.Fatalf("got %s", raw)
		}
	})

	t.Run("object decomposes into children", func(t *testing.T) {
		if err := m.Write(ctx, "rooms/r1", map[string]any{"id": "r1", "status": "active"}); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		// 兄弟パスへの書き込みが既存フィールドを消さない
		if err := m.Write(ctx, "rooms/r1/status", "ended"); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		raw, _ := m.Read(ctx, "rooms/r1")
		var got map[string]string
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		want := map[string]string{"id": "r1", "status": "ended"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("write replaces whole subtree", func(t *testing.T) {
		_ = m.Write(ctx, "cfg", map[string]any{"x": 1, "y": 2})
		_ = m.Write(ctx, "cfg", map[string]any{"z": 3})
		raw, _ := m.Read(ctx, "cfg")
		var got map[string]int
		_ = json.Unmarshal(raw, &got)
		if len(got) != 1 || got["z"] != 3 {
			t.Fatalf("got %v", got)
		}
	})
}

func TestMemStoreDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	_ = m.Write(ctx, "queue/speakers/u1", map[string]any{"id": "u1"})

	existed, err := m.Delete(ctx, "queue/speakers/u1")
	if err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if !existed {
		t.Fatal("expected existed=true on first delete")
	}

	existed, _ = m.Delete(ctx, "queue/speakers/u1")
	if existed {
		t.Fatal("expected existed=false on second delete")
	}

	// 空になった祖先も消える
	raw, _ := m.Read(ctx, "queue")
	if raw != nil {
		t.Fatalf("expected empty tree, got %s", raw)
	}
}

func TestMemStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	var got []string
	unsub, err := m.Subscribe("rooms/r1", func(raw json.RawMessage) {
		got = append(got, string(raw))
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsub()

	if len(got) != 1 || got[0] != "" {
		t.Fatalf("expected initial nil notification, got %v", got)
	}

	_ = m.Write(ctx, "rooms/r1/status", "active")
	if len(got) != 2 {
		t.Fatalf("expected notification on child write, got %v", got)
	}
	var snap map[string]string
	if err := json.Unmarshal([]byte(got[1]), &snap); err != nil || snap["status"] != "active" {
		t.Fatalf("unexpected snapshot %q", got[1])
	}

	unsub()
	_ = m.Write(ctx, "rooms/r1/status", "ended")
	if len(got) != 2 {
		t.Fatal("expected no notification after unsubscribe")
	}
}

func TestMemStoreSubscribeChildAdded(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	k1, _ := m.Append(ctx, "msgs", "one")
	k2, _ := m.Append(ctx, "msgs", "two")

	var keys []string
	unsub, err := m.SubscribeChildAdded("msgs", func(key string, value json.RawMessage) {
		keys = append(keys, key)
	})
	if err != nil {
		t.Fatalf("SubscribeChildAdded error: %v", err)
	}
	defer unsub()

	// 既存の子は追記順に通知される
	if !reflect.DeepEqual(keys, []string{k1, k2}) {
		t.Fatalf("got %v, want [%s %s]", keys, k1, k2)
	}

	k3, _ := m.Append(ctx, "msgs", "three")
	if len(keys) != 3 || keys[2] != k3 {
		t.Fatalf("expected new child notification, got %v", keys)
	}

	// 同じ子の上書きは再通知しない
	_ = m.Write(ctx, "msgs/"+k3, "three-edited")
	if len(keys) != 3 {
		t.Fatalf("expected no re-notification, got %v", keys)
	}

	// 削除された子は再追加で再通知される
	_, _ = m.Delete(ctx, "msgs/"+k3)
	_ = m.Write(ctx, "msgs/"+k3, "three-again")
	if len(keys) != 4 || keys[3] != k3 {
		t.Fatalf("expected re-add notification, got %v", keys)
	}
}

func TestMemStoreServerTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	now := time.UnixMilli(1700000000000)
	m.SetNow(func() time.Time { return now })

	rec := map[string]any{"online": true, "lastSeen": m.ServerTimestamp()}
	if err := m.Write(ctx, "rooms/r1/presence/u1", rec); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	raw, _ := m.Read(ctx, "rooms/r1/presence/u1/lastSeen")
	if string(raw) != "1700000000000" {
		t.Fatalf("expected resolved timestamp, got %s", raw)
	}
}

func TestSessionDisconnectWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	sess := m.NewSession()
	rec := map[string]any{"online": false}
	if err := sess.OnDisconnectWrite(ctx, "rooms/r1/presence/u1", rec); err != nil {
		t.Fatalf("OnDisconnectWrite error: %v", err)
	}

	// クローズ前は未反映
	raw, _ := m.Read(ctx, "rooms/r1/presence/u1")
	if raw != nil {
		t.Fatalf("expected no write before close, got %s", raw)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	raw, _ = m.Read(ctx, "rooms/r1/presence/u1/online")
	if string(raw) != "false" {
		t.Fatalf("expected deferred write after close, got %s", raw)
	}

	// 冪等: 2回目のCloseで再実行されない
	_ = m.Write(ctx, "rooms/r1/presence/u1/online", true)
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	raw, _ = m.Read(ctx, "rooms/r1/presence/u1/online")
	if string(raw) != "true" {
		t.Fatalf("deferred write ran twice, got %s", raw)
	}

	if err := sess.OnDisconnectWrite(ctx, "x", "y"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLeaves(t *testing.T) {
	raw := json.RawMessage(`{"a":{"b":1,"c":"x"},"d":true}`)
	got := Leaves(raw)
	want := map[string]string{"a/b": "1", "a/c": `"x"`, "d": "true"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if string(got[k]) != v {
			t.Fatalf("leaf %s: got %s, want %s", k, got[k], v)
		}
	}
}

func TestSubscribeDoesNotReorderAroundInitial(t *testing.T) {
	ctx := context.Background()

	// 購読の登録と初期通知の間に書き込みが割り込んでも、
	// 古い初期値が新しい値の後に届くことはない
	for i := 0; i < 25; i++ {
		m := NewMemStore()
		start := make(chan struct{})
		done := make(chan struct{})

		go func() {
			defer close(done)
			<-start
			for v := 0; v < 50; v++ {
				_ = m.Write(ctx, "counter", v)
			}
		}()

		var mu sync.Mutex
		var got []int
		close(start)
		unsub, err := m.Subscribe("counter", func(raw json.RawMessage) {
			var v int
			if raw == nil {
				v = -1
			} else if err := json.Unmarshal(raw, &v); err != nil {
				t.Errorf("unmarshal %s: %v", raw, err)
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		<-done
		unsub()

		mu.Lock()
		for j := 1; j < len(got); j++ {
			if got[j] < got[j-1] {
				mu.Unlock()
				t.Fatalf("values went backwards: %d after %d (iteration %d)", got[j], got[j-1], i)
			}
		}
		mu.Unlock()
	}
}

func TestSubscribeChildAddedDoesNotReorderAroundInitial(t *testing.T) {
	ctx := context.Background()

	// 既存の子の通知中に追加された子は、既存ぶんの後に追加順で届く
	for i := 0; i < 25; i++ {
		m := NewMemStore()
		for v := 0; v < 5; v++ {
			_, _ = m.Append(ctx, "log", v)
		}

		start := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-start
			for v := 5; v < 30; v++ {
				_, _ = m.Append(ctx, "log", v)
			}
		}()

		var mu sync.Mutex
		var keys []string
		close(start)
		unsub, err := m.SubscribeChildAdded("log", func(key string, value json.RawMessage) {
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("SubscribeChildAdded error: %v", err)
		}
		<-done
		unsub()

		mu.Lock()
		for j := 1; j < len(keys); j++ {
			if keys[j] < keys[j-1] {
				mu.Unlock()
				t.Fatalf("child keys out of order: %s after %s (iteration %d)", keys[j], keys[j-1], i)
			}
		}
		mu.Unlock()
	}
}
