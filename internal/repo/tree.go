package repo

import (
	"context"
	"encoding/json"
)

// TreeRepo はブローカーストアのツリーを永続化するための契約です
// リーフ単位で保存し、起動時にLoadAllで全リーフを復元します
type TreeRepo interface {
	SaveLeaf(ctx context.Context, path string, value json.RawMessage) error
	DeleteLeaf(ctx context.Context, path string) error
	DeletePrefix(ctx context.Context, path string) error
	LoadAll(ctx context.Context) (map[string]json.RawMessage, error)
}
