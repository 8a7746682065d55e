// Package queue は話し手と聞き手の待機キューとマッチングを担当します
// キューはブローカーストア上の共有状態で、中央のマッチメーカーは存在せず、
// キューに入った各クライアントが自分でマッチ成立を試みます
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

// ErrMatchTimeout は制限時間内にマッチが成立しなかった場合に返されます
var ErrMatchTimeout = errors.New("queue: no match within timeout")

// Manager は待機キューへの参加・離脱とマッチングを提供します
type Manager struct {
	st      store.Store
	timeout time.Duration // Runの待機時間
}

// NewManager は新しいManagerを作成します
func NewManager(st store.Store, timeout time.Duration) *Manager {
	return &Manager{st: st, timeout: timeout}
}

// Join はユーザーを指定役割のキューに登録し、その場でマッチを試みます
// 処理の流れ:
// 1. 反対役割のプールに残っている自分のエントリを削除（同時に両プールには入れない）
// 2. 自分のエントリを書き込み
// 3. マッチを試行
func (m *Manager) Join(ctx context.Context, userId string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("queue: invalid role %q", role)
	}
	if _, err := m.st.Delete(ctx, store.QueueEntryPath(role.Opposite(), userId)); err != nil {
		return err
	}

	entry := models.QueueEntry{Id: userId, Role: role, EnqueuedAt: time.Now().UnixMilli()}
	if err := m.st.Write(ctx, store.QueueEntryPath(role, userId), entry); err != nil {
		return err
	}

	_, _, err := m.TryMatch(ctx, userId, role)
	return err
}

// Leave はユーザーを指定役割のキューから外します
func (m *Manager) Leave(ctx context.Context, userId string, role models.Role) error {
	_, err := m.st.Delete(ctx, store.QueueEntryPath(role, userId))
	return err
}

// TryMatch は反対役割のプールから相手を選んでマッチを成立させます
// 候補は待機開始の早い順（同時刻はキーの辞書順）に試します
// 相手のエントリ削除が成功した者だけがルームを作れるため、
// 同じ相手を同時に取り合っても成立するマッチは1つだけです
// 削除してからルームを作る順序なので、負けた側は何も作らずに次の候補へ進みます
func (m *Manager) TryMatch(ctx context.Context, userId string, role models.Role) (string, bool, error) {
	candidates, err := m.listPool(ctx, role.Opposite())
	if err != nil {
		return "", false, err
	}

	for _, c := range candidates {
		existed, err := m.st.Delete(ctx, store.QueueEntryPath(role.Opposite(), c.Id))
		if err != nil {
			return "", false, err
		}
		if !existed {
			// 別のクライアントに先を越された
			continue
		}

		roomId, err := m.createRoom(ctx, userId, role, c.Id)
		if err != nil {
			m.requeue(ctx, role.Opposite(), c)
			return "", false, err
		}

		notice := models.MatchNotice{RoomId: roomId}
		if err := m.st.Write(ctx, store.MatchPath(c.Id), notice); err != nil {
			// 相手はまだ通知を受け取っていないので列へ戻す
			m.requeue(ctx, role.Opposite(), c)
			return "", false, err
		}
		if err := m.st.Write(ctx, store.MatchPath(userId), notice); err != nil {
			// 相手には通知済みでルームも存在するため、ここでは戻さない
			return "", false, err
		}

		log.Printf("queue: matched: roomId=%s, %s=%s, %s=%s", roomId, role, userId, role.Opposite(), c.Id)
		return roomId, true, nil
	}

	return "", false, nil
}

// Run はキューに参加してマッチ成立を待ちます
// マッチ通知を受け取ると自分のキューエントリと通知を消費してルームIDを返します
// 制限時間内に成立しなければキューから離脱してErrMatchTimeoutを返します
func (m *Manager) Run(ctx context.Context, userId string, role models.Role) (string, error) {
	noticeCh := make(chan string, 1)
	unsub, err := m.st.Subscribe(store.MatchPath(userId), func(raw json.RawMessage) {
		if raw == nil {
			return
		}
		var n models.MatchNotice
		if err := json.Unmarshal(raw, &n); err != nil || n.RoomId == "" {
			return
		}
		select {
		case noticeCh <- n.RoomId:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer unsub()

	// 購読を張ってから参加する（Join内で即マッチした場合も通知を取りこぼさない）
	if err := m.Join(ctx, userId, role); err != nil {
		return "", err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case roomId := <-noticeCh:
		if _, err := m.st.Delete(ctx, store.QueueEntryPath(role, userId)); err != nil {
			log.Printf("queue: failed to remove own entry: userId=%s, error=%v", userId, err)
		}
		if _, err := m.st.Delete(ctx, store.MatchPath(userId)); err != nil {
			log.Printf("queue: failed to consume notice: userId=%s, error=%v", userId, err)
		}
		return roomId, nil

	case <-timer.C:
		if err := m.Leave(ctx, userId, role); err != nil {
			log.Printf("queue: failed to leave on timeout: userId=%s, error=%v", userId, err)
		}
		return "", ErrMatchTimeout

	case <-ctx.Done():
		// 呼び出し側のctxは既に死んでいるため、後始末は独立したctxで行う
		if err := m.Leave(context.Background(), userId, role); err != nil {
			log.Printf("queue: failed to leave on cancel: userId=%s, error=%v", userId, err)
		}
		return "", ctx.Err()
	}
}

// listPool はプールの全エントリを待機開始の早い順に返します
func (m *Manager) listPool(ctx context.Context, role models.Role) ([]models.QueueEntry, error) {
	raw, err := m.st.Read(ctx, store.QueuePath(role))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var pool map[string]models.QueueEntry
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, err
	}

	entries := make([]models.QueueEntry, 0, len(pool))
	for id, e := range pool {
		e.Id = id
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt != entries[j].EnqueuedAt {
			return entries[i].EnqueuedAt < entries[j].EnqueuedAt
		}
		return entries[i].Id < entries[j].Id
	})
	return entries, nil
}

// requeue は取り込み済みの相手エントリを元の位置へ戻します（ベストエフォート）
// EnqueuedAtを保持したまま書き戻すため、相手の待ち順は変わりません
func (m *Manager) requeue(ctx context.Context, role models.Role, e models.QueueEntry) {
	if err := m.st.Write(ctx, store.QueueEntryPath(role, e.Id), e); err != nil {
		log.Printf("queue: failed to restore entry: userId=%s, error=%v", e.Id, err)
	}
}

// createRoom はマッチ成立時のルームを作成します
func (m *Manager) createRoom(ctx context.Context, userId string, role models.Role, peerId string) (string, error) {
	roomId := idgen.NewRoomID()
	room := models.Room{
		Id:        roomId,
		CreatedAt: time.Now().UnixMilli(),
		Status:    models.RoomStatusActive,
	}
	if role == models.RoleSpeaker {
		room.SpeakerId, room.ListenerId = userId, peerId
	} else {
		room.SpeakerId, room.ListenerId = peerId, userId
	}
	if err := m.st.Write(ctx, store.RoomPath(roomId), room); err != nil {
		return "", err
	}
	return roomId, nil
}
