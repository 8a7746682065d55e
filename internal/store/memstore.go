package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/idgen"
)

// node はツリーの1ノードです
// leafが非nilなら値ノード、そうでなければ内部ノードです
type node struct {
	leaf     json.RawMessage
	children map[string]*node
}

func (n *node) empty() bool {
	return n.leaf == nil && len(n.children) == 0
}

// subQueue は購読開始直後の通知順序を守るためのバッファです
// 初期スナップショットの配信が終わるまでライブ通知はbacklogに積まれ、
// 配信後に積まれた順で流してから直接配信に切り替わります
// これがないと、登録とfn(initial)の間に割り込んだ書き込みが
// 初期値より先に届き、新しい値が古い値で上書きされて見えます
type subQueue struct {
	started bool
	backlog []event
}

// valueSub はパス単位の値購読です
type valueSub struct {
	subQueue
	path string
	fn   func(json.RawMessage)
}

// childSub は子追加の購読です
// seenで通知済みの子キーを管理し、削除された子は再追加時に再通知します
type childSub struct {
	subQueue
	path string
	fn   func(key string, value json.RawMessage)
	seen map[string]bool
}

// event は発火待ちの通知です（ロック解放後に呼び出します）
type event struct {
	fn    func()
}

// MemStore はブローカーストアのインメモリ実装です
// brokerdのエンジンとしても、コンポーネントのテスト用フェイクとしても使用します
// 1つのミューテーションはパス単位でアトミックです（パス間の原子性はありません）
type MemStore struct {
	mu        sync.Mutex
	root      *node
	valueSubs map[int]*valueSub
	childSubs map[int]*childSub
	nextSub   int

	onMutate []func(path string, value json.RawMessage, deleted bool)

	sessMu   sync.Mutex
	deferred []deferredWrite // MemStore自身をセッションとして使う場合の切断時書き込み
	closed   bool

	now func() time.Time // テストで差し替え可能
}

type deferredWrite struct {
	path string
	raw  json.RawMessage
}

// NewMemStore は空のMemStoreを作成します
func NewMemStore() *MemStore {
	return &MemStore{
		root:      &node{},
		valueSubs: make(map[int]*valueSub),
		childSubs: make(map[int]*childSub),
		now:       time.Now,
	}
}

// OnMutate はミューテーションごとに呼ばれるフックを登録します
// brokerdがRedisへのミラーリングに使用します
func (m *MemStore) OnMutate(fn func(path string, value json.RawMessage, deleted bool)) {
	m.mu.Lock()
	m.onMutate = append(m.onMutate, fn)
	m.mu.Unlock()
}

// Write はpathの値を完全上書きします
func (m *MemStore) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.WriteRaw(path, raw)
	return nil
}

// WriteRaw はマーシャル済みの値を書き込みます（サーバー時刻センチネルを解決します）
// brokerdがクライアントからの生JSONを適用する際にも使用します
func (m *MemStore) WriteRaw(path string, raw json.RawMessage) {
	m.mu.Lock()
	raw = resolveTimestamps(raw, m.now().UnixMilli())
	m.setLeafLocked(splitPath(path), raw)
	events := m.collectEventsLocked(path, false)
	hooks := m.onMutate
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(path, raw, false)
	}
	fire(events)
}

// Read はpathのスナップショットを返します（存在しなければnil）
func (m *MemStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path), nil
}

// Append は挿入順にソート可能なULIDを子キーとして生成し、値を書き込みます
func (m *MemStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := idgen.NewULID()
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	m.WriteRaw(path+"/"+key, raw)
	return key, nil
}

// Delete はpath以下を削除し、何かが存在したかどうかを返します
// 「存在しなければfalse」を返すことがマッチ競合解決の条件付き削除の土台になります
func (m *MemStore) Delete(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	existed := m.deleteLocked(splitPath(path))
	var events []event
	if existed {
		events = m.collectEventsLocked(path, true)
	}
	hooks := m.onMutate
	m.mu.Unlock()

	if existed {
		for _, fn := range hooks {
			fn(path, nil, true)
		}
	}
	fire(events)
	return existed, nil
}

// Subscribe は現在値で即時に1回、以後は変更のたびにfnを呼び出します
func (m *MemStore) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &valueSub{path: path, fn: fn}
	m.valueSubs[id] = sub
	initial := m.snapshotLocked(path)
	m.mu.Unlock()

	fn(initial)
	m.drainBacklog(&sub.subQueue)

	return func() {
		m.mu.Lock()
		delete(m.valueSubs, id)
		m.mu.Unlock()
	}, nil
}

// SubscribeChildAdded は既存の子をキー順に通知した後、新しく追加された子を通知します
func (m *MemStore) SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (func(), error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &childSub{path: path, fn: fn, seen: make(map[string]bool)}
	m.childSubs[id] = sub

	type kv struct {
		key string
		raw json.RawMessage
	}
	var initial []kv
	if n := m.getLocked(splitPath(path)); n != nil {
		for _, key := range sortedKeys(n.children) {
			sub.seen[key] = true
			initial = append(initial, kv{key: key, raw: m.snapshotLocked(path + "/" + key)})
		}
	}
	m.mu.Unlock()

	for _, e := range initial {
		fn(e.key, e.raw)
	}
	m.drainBacklog(&sub.subQueue)

	return func() {
		m.mu.Lock()
		delete(m.childSubs, id)
		m.mu.Unlock()
	}, nil
}

// drainBacklog は初期通知の配信中に積まれたライブ通知を順に流し、
// 空になった時点で直接配信へ切り替えます
func (m *MemStore) drainBacklog(q *subQueue) {
	for {
		m.mu.Lock()
		pending := q.backlog
		q.backlog = nil
		if len(pending) == 0 {
			q.started = true
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		fire(pending)
	}
}

// OnDisconnectWrite は切断時書き込みを登録します
// MemStoreを直接セッションとして使う場合、Close時に実行されます
func (m *MemStore) OnDisconnectWrite(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deferred = append(m.deferred, deferredWrite{path: path, raw: raw})
	return nil
}

// ServerTimestamp はサーバー時刻センチネルを返します
func (m *MemStore) ServerTimestamp() any { return ServerTimestamp() }

// Close は登録済みの切断時書き込みを実行します（冪等）
func (m *MemStore) Close() error {
	m.sessMu.Lock()
	if m.closed {
		m.sessMu.Unlock()
		return nil
	}
	m.closed = true
	writes := m.deferred
	m.deferred = nil
	m.sessMu.Unlock()

	for _, w := range writes {
		m.WriteRaw(w.path, w.raw)
	}
	return nil
}

// SetNow はサーバー時刻の取得関数を差し替えます（テスト用）
func (m *MemStore) SetNow(fn func() time.Time) {
	m.mu.Lock()
	m.now = fn
	m.mu.Unlock()
}

// ── セッション ───────────────────────────────────────────

// Session は1クライアント接続ぶんのストアビューです
// OnDisconnectWriteの登録先がセッション単位になる点だけがMemStoreと異なります
// brokerdはWebSocket接続ごとにセッションを作り、切断時にCloseを呼びます
type Session struct {
	st *MemStore

	mu       sync.Mutex
	deferred []deferredWrite
	closed   bool
}

// NewSession は新しいセッションを作成します
func (m *MemStore) NewSession() *Session {
	return &Session{st: m}
}

func (s *Session) Write(ctx context.Context, path string, value any) error {
	return s.st.Write(ctx, path, value)
}

func (s *Session) Read(ctx context.Context, path string) (json.RawMessage, error) {
	return s.st.Read(ctx, path)
}

func (s *Session) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	return s.st.Subscribe(path, fn)
}

func (s *Session) SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (func(), error) {
	return s.st.SubscribeChildAdded(path, fn)
}

func (s *Session) Append(ctx context.Context, path string, value any) (string, error) {
	return s.st.Append(ctx, path, value)
}

func (s *Session) Delete(ctx context.Context, path string) (bool, error) {
	return s.st.Delete(ctx, path)
}

func (s *Session) OnDisconnectWrite(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deferred = append(s.deferred, deferredWrite{path: path, raw: raw})
	return nil
}

func (s *Session) ServerTimestamp() any { return ServerTimestamp() }

// Close はセッションを終了し、登録済みの切断時書き込みを実行します（冪等）
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writes := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, w := range writes {
		s.st.WriteRaw(w.path, w.raw)
	}
	return nil
}

// ── 内部実装 ─────────────────────────────────────────────

func (m *MemStore) getLocked(segs []string) *node {
	n := m.root
	for _, s := range segs {
		c, ok := n.children[s]
		if !ok {
			return nil
		}
		n = c
	}
	return n
}

// setLeafLocked はpathに値を設定します
// JSONオブジェクトは子ノードに分解して格納するため、
// 兄弟パスへの書き込みがオブジェクト全体を消すことはありません
func (m *MemStore) setLeafLocked(segs []string, raw json.RawMessage) {
	n := m.root
	var parent *node
	var lastKey string
	for _, s := range segs {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		// 値ノードの配下に書く場合は内部ノードへ変換
		n.leaf = nil
		c, ok := n.children[s]
		if !ok {
			c = &node{}
			n.children[s] = c
		}
		parent, lastKey = n, s
		n = c
	}
	built := buildNode(raw)
	n.leaf = built.leaf
	n.children = built.children
	if n.empty() && parent != nil {
		// 空オブジェクトの書き込みは削除と同じ扱い
		delete(parent.children, lastKey)
	}
}

// buildNode は生JSONをツリーノードへ変換します
// オブジェクトは子ノードへ再帰的に分解し、それ以外は値ノードになります
func buildNode(raw json.RawMessage) *node {
	if !startsWithBrace(raw) {
		return &node{leaf: raw}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &node{leaf: raw}
	}
	n := &node{children: make(map[string]*node)}
	for k, v := range obj {
		child := buildNode(v)
		if !child.empty() {
			n.children[k] = child
		}
	}
	return n
}

func startsWithBrace(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func (m *MemStore) deleteLocked(segs []string) bool {
	if len(segs) == 0 {
		existed := !m.root.empty()
		m.root = &node{}
		return existed
	}
	type step struct {
		n   *node
		key string
	}
	var chain []step
	n := m.root
	for _, s := range segs {
		c, ok := n.children[s]
		if !ok {
			return false
		}
		chain = append(chain, step{n: n, key: s})
		n = c
	}
	if n.empty() {
		return false
	}
	// 末尾を削除して、空になった祖先を刈り取る
	last := chain[len(chain)-1]
	delete(last.n.children, last.key)
	for i := len(chain) - 2; i >= 0; i-- {
		st := chain[i]
		child := st.n.children[st.key]
		if child != nil && child.empty() {
			delete(st.n.children, st.key)
		}
	}
	return true
}

// snapshotLocked はpathのJSONスナップショットを組み立てます
// 内部ノードは子キーの辞書順（ULIDキーなら挿入順）のオブジェクトになります
func (m *MemStore) snapshotLocked(path string) json.RawMessage {
	n := m.getLocked(splitPath(path))
	if n == nil || n.empty() {
		return nil
	}
	return renderNode(n)
}

func renderNode(n *node) json.RawMessage {
	if n.leaf != nil {
		out := make(json.RawMessage, len(n.leaf))
		copy(out, n.leaf)
		return out
	}
	buf := []byte{'{'}
	for i, key := range sortedKeys(n.children) {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, _ := json.Marshal(key)
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, renderNode(n.children[key])...)
	}
	buf = append(buf, '}')
	return buf
}

func sortedKeys(children map[string]*node) []string {
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// collectEventsLocked はpathのミューテーションで発火すべき通知を集めます
// 値購読: 変更点と同一チェーン上（祖先・自身・子孫）の購読に最新スナップショットを配信
// 子購読: 購読パス直下に新しい子が現れたら child_added を配信
func (m *MemStore) collectEventsLocked(path string, deleted bool) []event {
	var events []event

	for _, sub := range m.valueSubs {
		if isUnderOrEqual(path, sub.path) || isUnderOrEqual(sub.path, path) {
			snap := m.snapshotLocked(sub.path)
			fn := sub.fn
			ev := event{fn: func() { fn(snap) }}
			if !sub.started {
				sub.backlog = append(sub.backlog, ev)
				continue
			}
			events = append(events, ev)
		}
	}

	for _, sub := range m.childSubs {
		if !isUnderOrEqual(path, sub.path) || path == sub.path {
			if deleted && isUnderOrEqual(sub.path, path) {
				// 購読パスごと消えた場合は既知の子をリセット
				sub.seen = make(map[string]bool)
			}
			continue
		}
		if deleted {
			// 消えた子は既知セットから外し、再追加時に再通知できるようにする
			n := m.getLocked(splitPath(sub.path))
			for key := range sub.seen {
				if n == nil || n.children[key] == nil {
					delete(sub.seen, key)
				}
			}
			continue
		}
		// pathのうち購読パス直下の子キーを特定
		rel := splitPath(path)[len(splitPath(sub.path)):]
		if len(rel) == 0 {
			continue
		}
		key := rel[0]
		if sub.seen[key] {
			continue
		}
		sub.seen[key] = true
		snap := m.snapshotLocked(sub.path + "/" + key)
		fn := sub.fn
		ev := event{fn: func() { fn(key, snap) }}
		if !sub.started {
			sub.backlog = append(sub.backlog, ev)
			continue
		}
		events = append(events, ev)
	}

	return events
}

func fire(events []event) {
	for _, e := range events {
		e.fn()
	}
}
