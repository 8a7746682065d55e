// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIAddr       = ":8080"          // brokerdのデフォルトリッスンアドレス
	defaultRedisAddr     = ""               // 空の場合はメモリのみで動作
	defaultBrokerURL     = "ws://localhost:8080/api/v1/store/ws"
	defaultQueueTimeout  = 30 * time.Second // マッチ待ちの自動離脱までの時間
	defaultPresenceGrace = 15 * time.Second // 相手の初回presence書き込みを待つ猶予
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string        // brokerdのリッスンアドレス
	RedisAddr     string        // Redisの接続先（空ならメモリのみ）
	BrokerURL     string        // agentが接続するbrokerdのWebSocket URL
	QueueTimeout  time.Duration // キュー待機のタイムアウト
	PresenceGrace time.Duration // presence初期化の猶予期間
	AllowedOrigin []string      // CORSで許可するオリジン一覧
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() Config {
	return Config{
		APIAddr:       envOr("API_ADDR", defaultAPIAddr),
		RedisAddr:     envOr("REDIS_ADDR", defaultRedisAddr),
		BrokerURL:     envOr("BROKER_URL", defaultBrokerURL),
		QueueTimeout:  envSec("QUEUE_TIMEOUT_SEC", defaultQueueTimeout),
		PresenceGrace: envSec("PRESENCE_GRACE_SEC", defaultPresenceGrace),
		AllowedOrigin: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
	}
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envSec は環境変数から秒数を取得してDurationに変換します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envSec(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i <= 0 {
			log.Printf("invalid %s=%s, fallback to default (%s)", key, v, def)
			return def
		}
		return time.Duration(i) * time.Second
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
