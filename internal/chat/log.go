// Package chat はルーム内チャットの追記専用ログを担当します
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

// Log は1ルームぶんのメッセージログです
type Log struct {
	st       store.Store
	roomId   string
	selfId   string
	selfRole models.Role
}

// NewLog は新しいLogを作成します
func NewLog(st store.Store, roomId, selfId string, selfRole models.Role) *Log {
	return &Log{st: st, roomId: roomId, selfId: selfId, selfRole: selfRole}
}

// Send はテキストメッセージを追記します
func (l *Log) Send(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("chat: empty message")
	}
	return l.append(ctx, models.Message{
		Kind: models.MessageKindText,
		Text: text,
	})
}

// SendVoice はボイスメッセージを追記します
// audioDataはbase64エンコード済みの音声、durationは録音秒数です
func (l *Log) SendVoice(ctx context.Context, audioData string, duration int) (string, error) {
	if audioData == "" {
		return "", fmt.Errorf("chat: empty audio data")
	}
	return l.append(ctx, models.Message{
		Kind:      models.MessageKindVoice,
		AudioData: audioData,
		Duration:  duration,
	})
}

func (l *Log) append(ctx context.Context, msg models.Message) (string, error) {
	msg.SenderId = l.selfId
	msg.SenderRole = l.selfRole
	msg.Timestamp = time.Now().UnixMilli()
	msg.CreatedAt = l.st.ServerTimestamp()
	return l.st.Append(ctx, store.MessagesPath(l.roomId), msg)
}

// Subscribe はメッセージの追記を購読します
// 既存のメッセージを追記順に通知した後、新着を通知します
func (l *Log) Subscribe(fn func(models.Message)) (func(), error) {
	return l.st.SubscribeChildAdded(store.MessagesPath(l.roomId), func(key string, value json.RawMessage) {
		if value == nil {
			return
		}
		var msg models.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return
		}
		msg.Id = key
		fn(msg)
	})
}
