// Package store はブローカーストア（共有ツリー型KVストア）へのクライアント契約を定義します
// 書き込み・購読・切断時書き込みの4操作契約に対して、
// インメモリ実装（MemStore）とWebSocket経由のリモート実装（WSClient）を提供します
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed はクローズ済みのストアへの操作で返されます
var ErrClosed = errors.New("store: closed")

// serverTimestampKey はサーバー時刻センチネルのキーです
// 書き込みコミット時にサーバー側でUnixミリ秒へ解決されます
const serverTimestampKey = ".sv"

// Store はブローカーストアへの操作契約です
// パス単位のlast-write-wins整合のみを提供し、パスをまたぐトランザクションはありません
// Deleteは対象が存在したかどうかを報告します（条件付き削除のプリミティブ）
type Store interface {
	// Write はpathの値（サブツリー）を完全上書きします
	Write(ctx context.Context, path string, value any) error
	// Read はpathのスナップショットを返します（存在しなければnil）
	Read(ctx context.Context, path string) (json.RawMessage, error)
	// Subscribe は現在値で即時に1回、以後は変更のたびにfnを呼び出します
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)
	// SubscribeChildAdded は既存の子をキー順に通知した後、新しく追加された子を通知します
	SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (func(), error)
	// Append は挿入順にソート可能な子キーを生成して値を書き込みます
	Append(ctx context.Context, path string, value any) (string, error)
	// Delete はpath以下を削除し、何かが存在したかどうかを返します
	Delete(ctx context.Context, path string) (bool, error)
	// OnDisconnectWrite はこのセッションの接続が失われたときに
	// ストア側で自動実行される書き込みを登録します（セッションごとに再登録が必要）
	OnDisconnectWrite(ctx context.Context, path string, value any) error
	// ServerTimestamp は書き込みコミット時にサーバー時刻へ解決されるセンチネルを返します
	ServerTimestamp() any
	// Close はセッションを終了し、登録済みの切断時書き込みを実行させます
	Close() error
}

// ServerTimestamp はサーバー時刻センチネルを返します
// どの実装でも同じ形式を使うためパッケージ関数としても公開します
func ServerTimestamp() any {
	return map[string]string{serverTimestampKey: "timestamp"}
}

// isServerTimestamp はデコード済みの値がセンチネルかどうかを判定します
func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	s, ok := m[serverTimestampKey].(string)
	return ok && s == "timestamp"
}

// resolveTimestamps はraw JSON内のセンチネルをnowMillisに置き換えます
// センチネルが含まれない場合は入力をそのまま返します
func resolveTimestamps(raw json.RawMessage, nowMillis int64) json.RawMessage {
	if !containsSentinel(raw) {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	v = replaceSentinels(v, nowMillis)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func containsSentinel(raw json.RawMessage) bool {
	// 速いパスとして単純な部分一致で判定（誤検知してもreplaceSentinelsが無害に処理する）
	return jsonContains(raw, serverTimestampKey)
}

func jsonContains(raw json.RawMessage, sub string) bool {
	s := string(raw)
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Leaves は生JSONを値ノード単位に平坦化します
// キーは相対パス（スカラー値なら空文字）、値はそのリーフのJSONです
// brokerdが永続化ミラーへリーフ単位で保存するために使用します
func Leaves(raw json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	collectLeaves("", raw, out)
	return out
}

func collectLeaves(prefix string, raw json.RawMessage, out map[string]json.RawMessage) {
	if startsWithBrace(raw) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			for k, v := range obj {
				p := k
				if prefix != "" {
					p = prefix + "/" + k
				}
				collectLeaves(p, v, out)
			}
			return
		}
	}
	out[prefix] = raw
}

func replaceSentinels(v any, nowMillis int64) any {
	if isServerTimestamp(v) {
		return nowMillis
	}
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = replaceSentinels(e, nowMillis)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = replaceSentinels(e, nowMillis)
		}
		return t
	}
	return v
}
