package store

import "encoding/json"

// brokerdとのWebSocketプロトコルのフレーム定義
// クライアント→サーバーはFrame、サーバー→クライアントはReplyです

// 操作種別
const (
	OpWrite          = "write"
	OpRead           = "read"
	OpAppend         = "append"
	OpDelete         = "delete"
	OpSubscribe      = "subscribe"
	OpSubscribeChild = "subscribe_child"
	OpUnsubscribe    = "unsubscribe"
	OpOnDisconnect   = "ondisconnect"
)

// 応答種別
const (
	ReplyResult     = "result"
	ReplyError      = "error"
	ReplyEvent      = "event"       // 値購読の通知
	ReplyChildAdded = "child_added" // 子追加の通知
)

// Frame はクライアントからの1リクエストです
// Subは購読系操作でクライアントが採番する購読IDです
type Frame struct {
	Id    int64           `json:"id,omitempty"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Sub   int64           `json:"sub,omitempty"`
}

// Reply はサーバーからの1応答または購読通知です
type Reply struct {
	Id       int64           `json:"id,omitempty"`
	Type     string          `json:"type"`
	Sub      int64           `json:"sub,omitempty"`
	Key      string          `json:"key,omitempty"`      // child_addedの子キー
	Value    json.RawMessage `json:"value,omitempty"`    // スナップショット
	Existed  bool            `json:"existed,omitempty"`  // deleteの結果
	ChildKey string          `json:"childKey,omitempty"` // appendで生成された子キー
	Error    string          `json:"error,omitempty"`
}
