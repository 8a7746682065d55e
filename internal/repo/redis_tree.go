package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisTreeRepo struct{ rdb *redis.Client }

func NewRedisTreeRepo(rdb *redis.Client) *RedisTreeRepo {
	return &RedisTreeRepo{rdb: rdb}
}

func leafKey(path string) string {
	return fmt.Sprintf("tree:%s", path)
}

func (tr *RedisTreeRepo) SaveLeaf(ctx context.Context, path string, value json.RawMessage) error {
	return tr.rdb.Set(ctx, leafKey(path), []byte(value), 0).Err()
}

func (tr *RedisTreeRepo) DeleteLeaf(ctx context.Context, path string) error {
	return tr.rdb.Del(ctx, leafKey(path)).Err()
}

func (tr *RedisTreeRepo) DeletePrefix(ctx context.Context, path string) error {
	// Luaスクリプトでアトミックに処理
	script := `
		local exact = KEYS[1]
		local pattern = ARGV[1]

		local keys_to_delete = {exact}
		local cursor = '0'
		repeat
			local res = redis.call('SCAN', cursor, 'MATCH', pattern, 'COUNT', 100)
			cursor = res[1]
			for _, k in ipairs(res[2]) do
				table.insert(keys_to_delete, k)
			end
		until cursor == '0'

		if #keys_to_delete > 0 then
			redis.call('DEL', unpack(keys_to_delete))
		end

		return 'OK'
	`

	pattern := leafKey(path) + "/*"
	return tr.rdb.Eval(ctx, script, []string{leafKey(path)}, pattern).Err()
}

func (tr *RedisTreeRepo) LoadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	res := make(map[string]json.RawMessage)
	var cursor uint64
	for {
		keys, next, err := tr.rdb.Scan(ctx, cursor, "tree:*", 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			vals, err := tr.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, val := range vals {
				if val == nil {
					continue
				}
				b, ok := val.(string)
				if !ok {
					continue
				}
				path := strings.TrimPrefix(keys[i], "tree:")
				res[path] = json.RawMessage(b)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return res, nil
}
