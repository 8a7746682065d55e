// Package service はビジネスロジックを担当します
// ルームセッションの取得・終了とキューの統計情報を提供します
package service

import (
	"context"
	"encoding/json"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

// SessionService はルームセッションのビジネスロジックを提供します
type SessionService struct {
	st store.Store // ブローカーストア
}

// NewSessionService は新しいSessionServiceを作成します
func NewSessionService(st store.Store) *SessionService {
	return &SessionService{st: st}
}

// Get は指定されたルームの情報を取得します
// 戻り値: ルーム情報、存在フラグ、エラー
func (s *SessionService) Get(ctx context.Context, roomId string) (models.Room, bool, error) {
	raw, err := s.st.Read(ctx, store.RoomPath(roomId))
	if err != nil {
		return models.Room{}, false, err
	}
	if raw == nil {
		return models.Room{}, false, nil
	}
	// presenceやmessagesを含むサブツリー全体が返るため、ルーム本体のフィールドだけ読む
	var r models.Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Room{}, false, err
	}
	return r, true, nil
}

// Load はルームを取得し、リクエストユーザーが参加者であることを確認します
// 処理の流れ:
// 1. ルームの存在確認
// 2. リクエストユーザーが参加者かを確認
func (s *SessionService) Load(ctx context.Context, roomId, userId string) (models.Room, error) {
	room, ok, err := s.Get(ctx, roomId)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	if !room.Member(userId) {
		return models.Room{}, ErrRoomAccessDenied
	}
	return room, nil
}

// End はルームセッションを終了します（参加者のみ実行可能）
// 処理の流れ:
// 1. 参加者確認
// 2. 自分のプレゼンスをオフラインに更新
// 3. ルームの状態をendedに更新
// 4. シグナリングデータを破棄
func (s *SessionService) End(ctx context.Context, roomId, userId string) error {
	room, err := s.Load(ctx, roomId, userId)
	if err != nil {
		return err
	}
	if room.Status == models.RoomStatusEnded {
		return ErrRoomEnded
	}

	offline := map[string]any{"online": false, "lastSeen": s.st.ServerTimestamp()}
	if err := s.st.Write(ctx, store.PresencePath(roomId, userId), offline); err != nil {
		return err
	}
	if err := s.st.Write(ctx, store.RoomPath(roomId)+"/status", models.RoomStatusEnded); err != nil {
		return err
	}
	// 残ったoffer/answer/候補は次のセッションを汚染するため消しておく
	if _, err := s.st.Delete(ctx, store.CallPath(roomId)); err != nil {
		return err
	}
	return nil
}

// RemoveFromQueue は指定ユーザーを待機キューから外します
// 戻り値はエントリが存在したかどうかです
func (s *SessionService) RemoveFromQueue(ctx context.Context, userId string, role models.Role) (bool, error) {
	return s.st.Delete(ctx, store.QueueEntryPath(role, userId))
}

// QueueStats は役割ごとの待機人数を返します
func (s *SessionService) QueueStats(ctx context.Context) (map[models.Role]int, error) {
	stats := make(map[models.Role]int)
	for _, role := range []models.Role{models.RoleSpeaker, models.RoleListener} {
		raw, err := s.st.Read(ctx, store.QueuePath(role))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			stats[role] = 0
			continue
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, err
		}
		stats[role] = len(entries)
	}
	return stats, nil
}
