package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

func enqueue(t *testing.T, st store.Store, role models.Role, userId string, at int64) {
	t.Helper()
	entry := models.QueueEntry{Id: userId, Role: role, EnqueuedAt: at}
	if err := st.Write(context.Background(), store.QueueEntryPath(role, userId), entry); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
}

func readRoom(t *testing.T, st store.Store, roomId string) models.Room {
	t.Helper()
	raw, err := st.Read(context.Background(), store.RoomPath(roomId))
	if err != nil || raw == nil {
		t.Fatalf("room %s not found: %v", roomId, err)
	}
	var room models.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		t.Fatalf("room unmarshal error: %v", err)
	}
	return room
}

func waitFor(t *testing.T, st store.Store, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if raw, _ := st.Read(context.Background(), path); raw != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func TestTryMatchFIFO(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := NewManager(st, time.Second)

	enqueue(t, st, models.RoleListener, "l-late", 2000)
	enqueue(t, st, models.RoleListener, "l-early", 1000)

	roomId, matched, err := m.TryMatch(ctx, "s1", models.RoleSpeaker)
	if err != nil {
		t.Fatalf("TryMatch error: %v", err)
	}
	if !matched {
		t.Fatal("expected a match")
	}

	room := readRoom(t, st, roomId)
	if room.SpeakerId != "s1" || room.ListenerId != "l-early" {
		t.Fatalf("expected earliest listener, got %+v", room)
	}
	if room.Status != models.RoomStatusActive {
		t.Fatalf("expected active room, got %q", room.Status)
	}

	// 相手のエントリは消え、後続は残る
	raw, _ := st.Read(ctx, store.QueueEntryPath(models.RoleListener, "l-early"))
	if raw != nil {
		t.Fatal("matched listener entry should be gone")
	}
	raw, _ = st.Read(ctx, store.QueueEntryPath(models.RoleListener, "l-late"))
	if raw == nil {
		t.Fatal("later listener entry should remain")
	}

	// 両者のメールボックスに同じ通知が届く
	for _, uid := range []string{"s1", "l-early"} {
		raw, _ := st.Read(ctx, store.MatchPath(uid))
		var n models.MatchNotice
		if raw == nil || json.Unmarshal(raw, &n) != nil || n.RoomId != roomId {
			t.Fatalf("missing notice for %s: %s", uid, raw)
		}
	}
}

func TestTryMatchTieBreakByKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := NewManager(st, time.Second)

	enqueue(t, st, models.RoleSpeaker, "s-b", 1000)
	enqueue(t, st, models.RoleSpeaker, "s-a", 1000)

	roomId, matched, err := m.TryMatch(ctx, "l1", models.RoleListener)
	if err != nil || !matched {
		t.Fatalf("TryMatch: matched=%v, err=%v", matched, err)
	}
	room := readRoom(t, st, roomId)
	if room.SpeakerId != "s-a" {
		t.Fatalf("expected key-order tie break, got %+v", room)
	}
}

func TestTryMatchEmptyPool(t *testing.T) {
	st := store.NewMemStore()
	m := NewManager(st, time.Second)

	_, matched, err := m.TryMatch(context.Background(), "s1", models.RoleSpeaker)
	if err != nil {
		t.Fatalf("TryMatch error: %v", err)
	}
	if matched {
		t.Fatal("expected no match on empty pool")
	}
}

// lostRaceStore は指定パスのDeleteを一度だけ「既に消えていた」ことにします
type lostRaceStore struct {
	store.Store
	path string
	used bool
}

func (s *lostRaceStore) Delete(ctx context.Context, path string) (bool, error) {
	if !s.used && path == s.path {
		s.used = true
		_, _ = s.Store.Delete(ctx, path)
		return false, nil
	}
	return s.Store.Delete(ctx, path)
}

func TestTryMatchSkipsLostRace(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	enqueue(t, mem, models.RoleListener, "l1", 1000)
	enqueue(t, mem, models.RoleListener, "l2", 2000)

	st := &lostRaceStore{Store: mem, path: store.QueueEntryPath(models.RoleListener, "l1")}
	m := NewManager(st, time.Second)

	roomId, matched, err := m.TryMatch(ctx, "s1", models.RoleSpeaker)
	if err != nil || !matched {
		t.Fatalf("TryMatch: matched=%v, err=%v", matched, err)
	}
	room := readRoom(t, mem, roomId)
	if room.ListenerId != "l2" {
		t.Fatalf("expected fallback to next candidate, got %+v", room)
	}
}

// failingWriteStore は指定プレフィックスへの書き込みを一度だけ失敗させます
type failingWriteStore struct {
	store.Store
	prefix string
	used   bool
}

func (s *failingWriteStore) Write(ctx context.Context, path string, value any) error {
	if !s.used && strings.HasPrefix(path, s.prefix) {
		s.used = true
		return errors.New("write rejected")
	}
	return s.Store.Write(ctx, path, value)
}

func TestTryMatchRestoresEntryOnWriteFailure(t *testing.T) {
	ctx := context.Background()

	// 相手のエントリを消した後の書き込みが失敗しても、
	// 相手は元の待ち順でキューへ戻る
	cases := []struct {
		name   string
		prefix string
	}{
		{name: "room creation fails", prefix: "rooms/"},
		{name: "counterpart notice fails", prefix: store.MatchPath("l1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemStore()
			enqueue(t, mem, models.RoleListener, "l1", 1234)

			st := &failingWriteStore{Store: mem, prefix: tc.prefix}
			m := NewManager(st, time.Second)

			_, matched, err := m.TryMatch(ctx, "s1", models.RoleSpeaker)
			if err == nil || matched {
				t.Fatalf("expected failure, got matched=%v, err=%v", matched, err)
			}

			raw, _ := mem.Read(ctx, store.QueueEntryPath(models.RoleListener, "l1"))
			if raw == nil {
				t.Fatal("counterpart entry should be restored")
			}
			var entry models.QueueEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				t.Fatalf("entry unmarshal error: %v", err)
			}
			if entry.EnqueuedAt != 1234 {
				t.Fatalf("expected original position preserved, got %+v", entry)
			}

			// 相手に通知は届いていない
			if raw, _ := mem.Read(ctx, store.MatchPath("l1")); raw != nil {
				t.Fatalf("unexpected notice: %s", raw)
			}
		})
	}
}

func TestJoinRemovesOppositeEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := NewManager(st, time.Second)

	enqueue(t, st, models.RoleListener, "u1", 1000)
	if err := m.Join(ctx, "u1", models.RoleSpeaker); err != nil {
		t.Fatalf("Join error: %v", err)
	}

	raw, _ := st.Read(ctx, store.QueueEntryPath(models.RoleListener, "u1"))
	if raw != nil {
		t.Fatal("opposite pool entry should be removed")
	}
	raw, _ = st.Read(ctx, store.QueueEntryPath(models.RoleSpeaker, "u1"))
	if raw == nil {
		t.Fatal("own entry should exist")
	}
}

func TestRunMatchesPair(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := NewManager(st, 2*time.Second)

	type result struct {
		roomId string
		err    error
	}
	speakerCh := make(chan result, 1)
	go func() {
		roomId, err := m.Run(ctx, "s1", models.RoleSpeaker)
		speakerCh <- result{roomId, err}
	}()

	// 話し手がキューに入ってから聞き手を参加させる
	waitFor(t, st, store.QueueEntryPath(models.RoleSpeaker, "s1"))

	listenerRoom, err := m.Run(ctx, "l1", models.RoleListener)
	if err != nil {
		t.Fatalf("listener Run error: %v", err)
	}
	sp := <-speakerCh
	if sp.err != nil {
		t.Fatalf("speaker Run error: %v", sp.err)
	}
	if sp.roomId != listenerRoom {
		t.Fatalf("room mismatch: speaker=%s, listener=%s", sp.roomId, listenerRoom)
	}

	room := readRoom(t, st, listenerRoom)
	if room.SpeakerId != "s1" || room.ListenerId != "l1" {
		t.Fatalf("unexpected room %+v", room)
	}

	// キューとメールボックスは消費済み
	for _, p := range []string{
		store.QueueEntryPath(models.RoleSpeaker, "s1"),
		store.QueueEntryPath(models.RoleListener, "l1"),
		store.MatchPath("s1"),
		store.MatchPath("l1"),
	} {
		if raw, _ := st.Read(ctx, p); raw != nil {
			t.Fatalf("expected %s to be consumed, got %s", p, raw)
		}
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := NewManager(st, 50*time.Millisecond)

	_, err := m.Run(ctx, "s1", models.RoleSpeaker)
	if !errors.Is(err, ErrMatchTimeout) {
		t.Fatalf("expected ErrMatchTimeout, got %v", err)
	}

	raw, _ := st.Read(ctx, store.QueueEntryPath(models.RoleSpeaker, "s1"))
	if raw != nil {
		t.Fatal("entry should be removed on timeout")
	}
}

func TestJoinInvalidRole(t *testing.T) {
	st := store.NewMemStore()
	m := NewManager(st, time.Second)
	if err := m.Join(context.Background(), "u1", "moderator"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}
