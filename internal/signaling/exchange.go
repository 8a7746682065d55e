// Package signaling はルーム内のSDPとICE候補の交換を担当します
// SDP本文と候補は不透明なペイロードとしてストア経由で素通しします
package signaling

import (
	"context"
	"encoding/json"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

// Exchange は1ルームぶんのシグナリング経路です
type Exchange struct {
	st     store.Store
	roomId string
	selfId string
}

// NewExchange は新しいExchangeを作成します
func NewExchange(st store.Store, roomId, selfId string) *Exchange {
	return &Exchange{st: st, roomId: roomId, selfId: selfId}
}

// SendOffer はofferを書き込みます（既存のofferは上書き）
func (e *Exchange) SendOffer(ctx context.Context, desc models.SessionDesc) error {
	desc.From = e.selfId
	return e.st.Write(ctx, store.OfferPath(e.roomId), desc)
}

// SendAnswer はanswerを書き込みます
func (e *Exchange) SendAnswer(ctx context.Context, desc models.SessionDesc) error {
	desc.From = e.selfId
	return e.st.Write(ctx, store.AnswerPath(e.roomId), desc)
}

// SendCandidate は自分側スロットにICE候補を追記します
func (e *Exchange) SendCandidate(ctx context.Context, slot models.Slot, candidate json.RawMessage) (string, error) {
	return e.st.Append(ctx, store.CandidatesPath(e.roomId, slot), candidate)
}

// OnOffer は相手からのofferを購読します
// nil（未設定・削除）と自分自身が書いたofferは通知しません
func (e *Exchange) OnOffer(fn func(models.SessionDesc)) (func(), error) {
	return e.onDesc(store.OfferPath(e.roomId), fn)
}

// OnAnswer は相手からのanswerを購読します
func (e *Exchange) OnAnswer(fn func(models.SessionDesc)) (func(), error) {
	return e.onDesc(store.AnswerPath(e.roomId), fn)
}

func (e *Exchange) onDesc(path string, fn func(models.SessionDesc)) (func(), error) {
	return e.st.Subscribe(path, func(raw json.RawMessage) {
		if raw == nil {
			return
		}
		var desc models.SessionDesc
		if err := json.Unmarshal(raw, &desc); err != nil {
			return
		}
		if desc.From == e.selfId || desc.SDP == "" {
			return
		}
		fn(desc)
	})
}

// OnCandidate は指定スロットへのICE候補の追記を購読します
// 既存の候補は追記順に通知されます
func (e *Exchange) OnCandidate(slot models.Slot, fn func(candidate json.RawMessage)) (func(), error) {
	return e.st.SubscribeChildAdded(store.CandidatesPath(e.roomId, slot), func(key string, value json.RawMessage) {
		if value == nil {
			return
		}
		fn(value)
	})
}

// Clear はこのルームのシグナリングデータをすべて破棄します
// どちらの側が呼んでも、残ったoffer/answer/候補が次の通話を汚染しないようにします
func (e *Exchange) Clear(ctx context.Context) error {
	_, err := e.st.Delete(ctx, store.CallPath(e.roomId))
	return err
}
