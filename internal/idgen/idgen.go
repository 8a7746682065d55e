// Package idgen は各種IDの生成を担当します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は時刻順にソート可能なULIDを生成します
// 辞書順 = 挿入順になるため、pushキーとキュー/メッセージの順序付けに使用します
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewRoomID は新しいルームIDを生成します
func NewRoomID() string {
	return NewULID()
}
