package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WSClient はbrokerdにWebSocketで接続するリモートストア実装です
// 切断時書き込みはサーバー側のセッションが接続断を検知して実行するため、
// クライアントのプロセスが突然落ちても登録済みの書き込みは失われません
type WSClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorillaのコネクションは単一ライター前提

	reqMu   sync.Mutex
	nextId  int64
	pending map[int64]chan Reply

	subMu   sync.Mutex
	nextSub int64
	subs    map[int64]*subEntry

	closeOnce sync.Once
	done      chan struct{}
}

// Dial はbrokerdへ接続します
func Dial(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	c := &WSClient{
		conn:    conn,
		pending: make(map[int64]chan Reply),
		subs:    make(map[int64]*subEntry),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// subEntry は1つの購読です
// 通知は購読ごとのゴルーチンで順序を保って配信します
// 受信ループ上でコールバックを直接呼ぶと、コールバック内のストア操作が
// 自分の応答を待ってデッドロックするため、配信は必ず切り離します
// キューは可変長で、コールバックが詰まっても受信ループと他の購読は止まりません
type subEntry struct {
	mu     sync.Mutex
	queue  []Reply
	kick   chan struct{} // 容量1。新着を配信ゴルーチンへ知らせる
	closed bool
}

// enqueue は通知を積んで配信ゴルーチンを起こします
func (e *subEntry) enqueue(rep Reply) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, rep)
	e.mu.Unlock()
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *subEntry) close() {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	e.mu.Unlock()
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (c *WSClient) addSub(fn func(Reply)) int64 {
	e := &subEntry{kick: make(chan struct{}, 1)}
	go func() {
		for range e.kick {
			for {
				e.mu.Lock()
				if len(e.queue) == 0 {
					done := e.closed
					e.mu.Unlock()
					if done {
						return
					}
					break
				}
				batch := e.queue
				e.queue = nil
				e.mu.Unlock()
				for _, rep := range batch {
					fn(rep)
				}
			}
		}
	}()

	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = e
	c.subMu.Unlock()
	return id
}

func (c *WSClient) removeSub(id int64) {
	c.subMu.Lock()
	e, ok := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if ok {
		e.close()
	}
}

// deliver は購読通知を配信キューへ渡します
func (c *WSClient) deliver(rep Reply) {
	c.subMu.Lock()
	e, ok := c.subs[rep.Sub]
	c.subMu.Unlock()
	if ok {
		e.enqueue(rep)
	}
}

// readLoop はサーバーからの応答と購読通知を振り分けます
func (c *WSClient) readLoop() {
	defer c.Close()
	for {
		var rep Reply
		if err := c.conn.ReadJSON(&rep); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("store: broker connection lost: %v", err)
			}
			return
		}

		switch rep.Type {
		case ReplyEvent, ReplyChildAdded:
			c.deliver(rep)
		default:
			c.reqMu.Lock()
			ch := c.pending[rep.Id]
			delete(c.pending, rep.Id)
			c.reqMu.Unlock()
			if ch != nil {
				ch <- rep
			}
		}
	}
}

// call はリクエストを送って応答を待ちます
func (c *WSClient) call(ctx context.Context, f Frame) (Reply, error) {
	select {
	case <-c.done:
		return Reply{}, ErrClosed
	default:
	}

	ch := make(chan Reply, 1)
	c.reqMu.Lock()
	c.nextId++
	f.Id = c.nextId
	c.pending[f.Id] = ch
	c.reqMu.Unlock()

	if err := c.send(f); err != nil {
		c.reqMu.Lock()
		delete(c.pending, f.Id)
		c.reqMu.Unlock()
		return Reply{}, err
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return Reply{}, ErrClosed
		}
		if rep.Type == ReplyError {
			return Reply{}, fmt.Errorf("store: %s", rep.Error)
		}
		return rep, nil
	case <-ctx.Done():
		c.reqMu.Lock()
		delete(c.pending, f.Id)
		c.reqMu.Unlock()
		return Reply{}, ctx.Err()
	case <-c.done:
		return Reply{}, ErrClosed
	}
}

func (c *WSClient) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *WSClient) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Frame{Op: OpWrite, Path: path, Value: raw})
	return err
}

func (c *WSClient) Read(ctx context.Context, path string) (json.RawMessage, error) {
	rep, err := c.call(ctx, Frame{Op: OpRead, Path: path})
	if err != nil {
		return nil, err
	}
	return rep.Value, nil
}

func (c *WSClient) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	rep, err := c.call(ctx, Frame{Op: OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return rep.ChildKey, nil
}

func (c *WSClient) Delete(ctx context.Context, path string) (bool, error) {
	rep, err := c.call(ctx, Frame{Op: OpDelete, Path: path})
	if err != nil {
		return false, err
	}
	return rep.Existed, nil
}

// Subscribe は値購読を開始します
// 通知を取りこぼさないよう、購読リクエスト送信前にコールバックを登録します
func (c *WSClient) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	id := c.addSub(func(rep Reply) { fn(rep.Value) })

	if _, err := c.call(context.Background(), Frame{Op: OpSubscribe, Path: path, Sub: id}); err != nil {
		c.removeSub(id)
		return nil, err
	}

	return func() { c.unsubscribe(id) }, nil
}

func (c *WSClient) SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (func(), error) {
	id := c.addSub(func(rep Reply) { fn(rep.Key, rep.Value) })

	if _, err := c.call(context.Background(), Frame{Op: OpSubscribeChild, Path: path, Sub: id}); err != nil {
		c.removeSub(id)
		return nil, err
	}

	return func() { c.unsubscribe(id) }, nil
}

func (c *WSClient) unsubscribe(id int64) {
	c.removeSub(id)
	_, _ = c.call(context.Background(), Frame{Op: OpUnsubscribe, Sub: id})
}

func (c *WSClient) OnDisconnectWrite(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Frame{Op: OpOnDisconnect, Path: path, Value: raw})
	return err
}

func (c *WSClient) ServerTimestamp() any { return ServerTimestamp() }

// Close は接続を閉じます
// サーバー側セッションが切断を検知し、登録済みの切断時書き込みを実行します
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		// 待機中のリクエストを解放する
		c.reqMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.reqMu.Unlock()

		// 配信ゴルーチンを終了させる
		c.subMu.Lock()
		entries := make([]*subEntry, 0, len(c.subs))
		for id, e := range c.subs {
			entries = append(entries, e)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
		for _, e := range entries {
			e.close()
		}
	})
	return nil
}
