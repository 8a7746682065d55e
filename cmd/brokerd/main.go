package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/config"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Match/backend/match-server/internal/http"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/repo"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/service"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

func main() {
	cfg := config.Load()

	eng := store.NewMemStore()

	// REDIS_ADDRが設定されていればツリーをRedisへミラーし、起動時に復元する
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})

		// Redis接続確認
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		log.Println("connected to redis")

		tree := repo.NewRedisTreeRepo(rdb)
		if err := restore(eng, tree); err != nil {
			log.Fatalf("failed to restore tree from redis: %v", err)
		}
		mirror(eng, tree)
	} else {
		log.Println("REDIS_ADDR not set, running in-memory only")
	}

	svc := service.NewSessionService(eng)
	h := handlers.NewStatsHandler(svc)
	broker := handlers.NewBrokerHandler(eng)
	router := httpx.NewRouter(h, broker, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		log.Printf("listening on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	log.Println("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}

// restore はRedisに保存されたリーフをツリーへ書き戻します
func restore(eng *store.MemStore, tree repo.TreeRepo) error {
	leaves, err := tree.LoadAll(context.Background())
	if err != nil {
		return err
	}
	for path, value := range leaves {
		eng.WriteRaw(path, value)
	}
	if len(leaves) > 0 {
		log.Printf("restored %d leaves from redis", len(leaves))
	}
	return nil
}

// mirror はツリーへのミューテーションをリーフ単位でRedisへ反映します
// リーフ単位にしておくことで、復元時の適用順序に依存しません
func mirror(eng *store.MemStore, tree repo.TreeRepo) {
	eng.OnMutate(func(path string, value json.RawMessage, deleted bool) {
		ctx := context.Background()
		if deleted {
			if err := tree.DeletePrefix(ctx, path); err != nil {
				log.Printf("mirror: delete failed: path=%s, error=%v", path, err)
			}
			return
		}

		// このパスの祖先はもう値ノードではない
		for _, p := range store.Ancestors(path) {
			if err := tree.DeleteLeaf(ctx, p); err != nil {
				log.Printf("mirror: ancestor cleanup failed: path=%s, error=%v", p, err)
			}
		}
		if err := tree.DeletePrefix(ctx, path); err != nil {
			log.Printf("mirror: overwrite cleanup failed: path=%s, error=%v", path, err)
		}
		for rel, leaf := range store.Leaves(value) {
			lp := path
			if rel != "" {
				lp = path + "/" + rel
			}
			if err := tree.SaveLeaf(ctx, lp, leaf); err != nil {
				log.Printf("mirror: save failed: path=%s, error=%v", lp, err)
			}
		}
	})
}
