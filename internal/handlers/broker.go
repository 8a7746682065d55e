package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
	"github.com/gorilla/websocket"
)

// BrokerHandler はブローカーストアへのWebSocket接続を処理するハンドラー
// 接続ごとにストアセッションを作り、切断時にセッションをクローズすることで
// 登録済みの切断時書き込みをサーバー側で実行します
type BrokerHandler struct {
	eng      *store.MemStore    // 共有ツリーエンジン
	upgrader websocket.Upgrader // HTTPからWebSocketへのアップグレーダー
}

// NewBrokerHandler は新しいBrokerHandlerを作成します
func NewBrokerHandler(eng *store.MemStore) *BrokerHandler {
	return &BrokerHandler{
		eng: eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 本番環境では適切なOriginチェックを実装してください
				return true
			},
		},
	}
}

// brokerConn は1つのクライアント接続です
// gorillaのコネクションは単一ライター前提のため、送信はwriteMuで直列化します
type brokerConn struct {
	conn *websocket.Conn
	sess *store.Session

	writeMu sync.Mutex

	subMu  sync.Mutex
	unsubs map[int64]func()
}

func (bc *brokerConn) send(rep store.Reply) {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if err := bc.conn.WriteJSON(rep); err != nil {
		log.Printf("broker: failed to send reply: %v", err)
	}
}

// HandleStoreWS はストアへのWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続専用のストアセッションの作成
// 3. フレーム受信ループの開始
// 4. 切断時の購読解除とセッションクローズ（切断時書き込みの実行）
func (h *BrokerHandler) HandleStoreWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	bc := &brokerConn{
		conn:   conn,
		sess:   h.eng.NewSession(),
		unsubs: make(map[int64]func()),
	}
	defer func() {
		bc.subMu.Lock()
		for id, unsub := range bc.unsubs {
			unsub()
			delete(bc.unsubs, id)
		}
		bc.subMu.Unlock()

		// 切断時書き込みを実行する
		if err := bc.sess.Close(); err != nil {
			log.Printf("broker: failed to close session: %v", err)
		}
		conn.Close()
	}()

	log.Printf("broker: client connected: remote=%s", conn.RemoteAddr())

	for {
		var f store.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("broker: connection lost: %v", err)
			}
			break
		}
		h.dispatch(bc, f)
	}

	log.Printf("broker: client disconnected: remote=%s", conn.RemoteAddr())
}

// dispatch は1フレームを処理して応答を返します
func (h *BrokerHandler) dispatch(bc *brokerConn, f store.Frame) {
	ctx := context.Background()

	switch f.Op {
	case store.OpWrite:
		h.eng.WriteRaw(f.Path, f.Value)
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult})

	case store.OpRead:
		snap, _ := bc.sess.Read(ctx, f.Path)
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult, Value: snap})

	case store.OpAppend:
		key, err := bc.sess.Append(ctx, f.Path, f.Value)
		if err != nil {
			bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: err.Error()})
			return
		}
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult, ChildKey: key})

	case store.OpDelete:
		existed, err := bc.sess.Delete(ctx, f.Path)
		if err != nil {
			bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: err.Error()})
			return
		}
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult, Existed: existed})

	case store.OpSubscribe:
		subId := f.Sub
		unsub, err := bc.sess.Subscribe(f.Path, func(value json.RawMessage) {
			bc.send(store.Reply{Type: store.ReplyEvent, Sub: subId, Value: value})
		})
		if err != nil {
			bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: err.Error()})
			return
		}
		bc.subMu.Lock()
		bc.unsubs[subId] = unsub
		bc.subMu.Unlock()
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult, Sub: subId})

	case store.OpSubscribeChild:
		subId := f.Sub
		unsub, err := bc.sess.SubscribeChildAdded(f.Path, func(key string, value json.RawMessage) {
			bc.send(store.Reply{Type: store.ReplyChildAdded, Sub: subId, Key: key, Value: value})
		})
		if err != nil {
			bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: err.Error()})
			return
		}
		bc.subMu.Lock()
		bc.unsubs[subId] = unsub
		bc.subMu.Unlock()
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult, Sub: subId})

	case store.OpUnsubscribe:
		bc.subMu.Lock()
		if unsub, ok := bc.unsubs[f.Sub]; ok {
			unsub()
			delete(bc.unsubs, f.Sub)
		}
		bc.subMu.Unlock()
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult})

	case store.OpOnDisconnect:
		if err := bc.sess.OnDisconnectWrite(ctx, f.Path, f.Value); err != nil {
			bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: err.Error()})
			return
		}
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyResult})

	default:
		log.Printf("broker: unknown op: %s", f.Op)
		bc.send(store.Reply{Id: f.Id, Type: store.ReplyError, Error: "unknown op"})
	}
}
