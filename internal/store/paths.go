package store

import (
	"fmt"
	"strings"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
)

// ツリー上のパス構築ヘルパー
// パスは "/" 区切りで、各セグメントは空文字を含みません

func QueuePath(role models.Role) string {
	return fmt.Sprintf("queue/%ss", role)
}

func QueueEntryPath(role models.Role, userId string) string {
	return fmt.Sprintf("queue/%ss/%s", role, userId)
}

func MatchPath(userId string) string {
	return fmt.Sprintf("matches/%s", userId)
}

func RoomPath(roomId string) string {
	return fmt.Sprintf("rooms/%s", roomId)
}

func PresencePath(roomId, userId string) string {
	return fmt.Sprintf("rooms/%s/presence/%s", roomId, userId)
}

func MessagesPath(roomId string) string {
	return fmt.Sprintf("rooms/%s/messages", roomId)
}

func CallPath(roomId string) string {
	return fmt.Sprintf("calls/%s", roomId)
}

func OfferPath(roomId string) string {
	return fmt.Sprintf("calls/%s/offer", roomId)
}

func AnswerPath(roomId string) string {
	return fmt.Sprintf("calls/%s/answer", roomId)
}

func CandidatesPath(roomId string, slot models.Slot) string {
	return fmt.Sprintf("calls/%s/candidates/%s", roomId, slot)
}

// splitPath はパスをセグメントに分解します（空セグメントは除去）
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// joinPath はセグメントをパスに結合します
func joinPath(segs []string) string {
	return strings.Join(segs, "/")
}

// isUnderOrEqual はpがbase自身またはbase配下かどうかを返します
func isUnderOrEqual(p, base string) bool {
	if base == "" {
		return true
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

// Ancestors はpathの真の祖先パスをルート側から返します（ルート自身は含みません）
func Ancestors(path string) []string {
	segs := splitPath(path)
	var out []string
	for i := 1; i < len(segs); i++ {
		out = append(out, joinPath(segs[:i]))
	}
	return out
}

// parentOf はpathの親パスと末尾キーを返します
func parentOf(path string) (parent, key string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return "", ""
	}
	return joinPath(segs[:len(segs)-1]), segs[len(segs)-1]
}
