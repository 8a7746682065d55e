// Package models はアプリケーションで使用するデータ構造を定義します
package models

// Role はマッチングにおけるユーザーの役割を表します
// 1回のキュー/マッチングサイクルの間は固定です
type Role string

const (
	RoleSpeaker  Role = "speaker"  // 話したい人
	RoleListener Role = "listener" // 聞きたい人
)

// Valid は既知の役割かどうかを返します
func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleListener
}

// Opposite は反対側の役割を返します
func (r Role) Opposite() Role {
	if r == RoleSpeaker {
		return RoleListener
	}
	return RoleSpeaker
}

// Slot はICE候補の方向を識別する列挙子です
// ルーム作成時に役割から決定的に導出されます
type Slot string

const (
	SlotSpeaker  Slot = "speaker"
	SlotListener Slot = "listener"
)

// SlotForRole は役割に対応する自分側のスロットを返します
func SlotForRole(r Role) Slot {
	if r == RoleSpeaker {
		return SlotSpeaker
	}
	return SlotListener
}

// Opposite は相手側のスロットを返します
func (s Slot) Opposite() Slot {
	if s == SlotSpeaker {
		return SlotListener
	}
	return SlotSpeaker
}

// QueueEntry は待機キューの1エントリを表します
// ユーザーごと・役割プールごとに最大1件です
type QueueEntry struct {
	Id         string `json:"id"`         // ユーザーID
	Role       Role   `json:"role"`       // 役割
	EnqueuedAt int64  `json:"enqueuedAt"` // キュー参加日時（Unixミリ秒）
}

// ルームの状態
const (
	RoomStatusActive = "active"
	RoomStatusEnded  = "ended"
)

// Room は話し手と聞き手1名ずつのペアリングを表します
// 作成後はstatus以外イミュータブルです
type Room struct {
	Id         string `json:"id"`         // ルームの一意な識別子
	SpeakerId  string `json:"speakerId"`  // 話し手のユーザーID
	ListenerId string `json:"listenerId"` // 聞き手のユーザーID
	CreatedAt  int64  `json:"createdAt"`  // ルーム作成日時（Unixミリ秒）
	Status     string `json:"status"`     // active | ended
}

// Member は指定ユーザーがルームの参加者かどうかを返します
func (r Room) Member(userId string) bool {
	return r.SpeakerId == userId || r.ListenerId == userId
}

// Peer は相手側のユーザーIDを返します（参加者でなければ空文字）
func (r Room) Peer(userId string) string {
	switch userId {
	case r.SpeakerId:
		return r.ListenerId
	case r.ListenerId:
		return r.SpeakerId
	}
	return ""
}

// RoleOf は指定ユーザーのルーム内役割を返します（参加者でなければ空）
func (r Room) RoleOf(userId string) Role {
	switch userId {
	case r.SpeakerId:
		return RoleSpeaker
	case r.ListenerId:
		return RoleListener
	}
	return ""
}

// MatchNotice はマッチ成立をユーザーに通知する一度きりのレコードです
// 受信側が読み取り後に削除（消費）します
type MatchNotice struct {
	RoomId string `json:"roomId"`
}

// PresenceRecord はルーム内ユーザーのオンライン状態を表します
type PresenceRecord struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // サーバー時刻（Unixミリ秒）
}

// メッセージ種別
const (
	MessageKindText  = "text"
	MessageKindVoice = "voice"
)

// Message はルーム内チャットの1メッセージです
// タイムスタンプ順の追記専用ログとして保存されます
type Message struct {
	Id         string `json:"id,omitempty"`        // pushキー（購読時に付与）
	Kind       string `json:"type"`                // text | voice
	Text       string `json:"text,omitempty"`      // テキスト本文
	AudioData  string `json:"audioData,omitempty"` // base64エンコード済み音声（voice時）
	Duration   int    `json:"duration,omitempty"`  // 録音秒数（voice時）
	SenderId   string `json:"senderId"`
	SenderRole Role   `json:"senderRole"`
	Timestamp  int64  `json:"timestamp"` // クライアント時刻（表示順に使用）
	CreatedAt  any    `json:"createdAt"` // サーバー時刻（書き込み時に解決）
}

// SessionDesc はSDPのoffer/answerを表します
// SDP本文は不透明なペイロードとして素通しします
type SessionDesc struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"` // offer | answer
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}
