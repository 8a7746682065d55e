// Package presence はルーム内ユーザーのオンライン状態の報告と監視を担当します
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

// State は監視対象ユーザーの観測状態です
type State int

const (
	// StateUnknown はまだオンライン報告を観測していない状態です
	StateUnknown State = iota
	// StateOnline はオンライン報告を観測した状態です
	StateOnline
	// StateOffline は離脱が確定した終端状態です
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Monitor はプレゼンスの報告と相手の監視を提供します
type Monitor struct {
	st    store.Store
	grace time.Duration // 一度もオンラインを観測しないまま離脱と判定するまでの猶予
}

// NewMonitor は新しいMonitorを作成します
func NewMonitor(st store.Store, grace time.Duration) *Monitor {
	return &Monitor{st: st, grace: grace}
}

// MarkOnline は自分のオンライン状態を書き込みます
func (m *Monitor) MarkOnline(ctx context.Context, roomId, userId string) error {
	rec := map[string]any{"online": true, "lastSeen": m.st.ServerTimestamp()}
	return m.st.Write(ctx, store.PresencePath(roomId, userId), rec)
}

// MarkOffline は自分のオフライン状態を書き込みます
func (m *Monitor) MarkOffline(ctx context.Context, roomId, userId string) error {
	rec := map[string]any{"online": false, "lastSeen": m.st.ServerTimestamp()}
	return m.st.Write(ctx, store.PresencePath(roomId, userId), rec)
}

// RegisterOfflineOnDisconnect は接続断の際にオフラインを書き込むようストアに登録します
// プロセスが突然落ちても相手側には離脱が伝わります
func (m *Monitor) RegisterOfflineOnDisconnect(ctx context.Context, roomId, userId string) error {
	rec := map[string]any{"online": false, "lastSeen": m.st.ServerTimestamp()}
	return m.st.OnDisconnectWrite(ctx, store.PresencePath(roomId, userId), rec)
}

// WatchPeer は相手のプレゼンスを監視し、状態が変わるたびにfnを呼び出します
// 状態遷移は Unknown → Online → Offline の一方向です
// まだ入室していない相手（Unknown）は猶予時間が過ぎた時点でOfflineと判定します
// 一度Onlineを観測した後は、レコードの消失または明示的なofflineを即座にOfflineとします
// Offlineは終端で、以後の通知はありません
func (m *Monitor) WatchPeer(roomId, peerId string, fn func(State)) (func(), error) {
	w := &watcher{fn: fn, state: StateUnknown}

	// 猶予時間内にオンラインが観測されなければ離脱扱い
	w.graceTimer = time.AfterFunc(m.grace, func() {
		w.mu.Lock()
		notify := w.state == StateUnknown
		if notify {
			w.state = StateOffline
		}
		w.mu.Unlock()
		if notify {
			fn(StateOffline)
		}
	})

	unsub, err := m.st.Subscribe(store.PresencePath(roomId, peerId), w.observe)
	if err != nil {
		w.graceTimer.Stop()
		return nil, err
	}

	return func() {
		w.graceTimer.Stop()
		unsub()
	}, nil
}

// watcher は1人の相手ぶんの監視状態です
type watcher struct {
	fn         func(State)
	graceTimer *time.Timer

	mu    sync.Mutex
	state State
}

func (w *watcher) observe(raw json.RawMessage) {
	var rec *models.PresenceRecord
	if raw != nil {
		var r models.PresenceRecord
		if err := json.Unmarshal(raw, &r); err == nil {
			rec = &r
		}
	}

	w.mu.Lock()
	prev := w.state
	next := prev

	switch prev {
	case StateUnknown:
		if rec != nil && rec.Online {
			next = StateOnline
		}
	case StateOnline:
		// レコード消失も明示的なofflineも即離脱
		if rec == nil || !rec.Online {
			next = StateOffline
		}
	case StateOffline:
		// 終端
	}

	w.state = next
	w.mu.Unlock()

	if next != prev {
		if next == StateOffline {
			w.graceTimer.Stop()
		}
		w.fn(next)
	}
}
