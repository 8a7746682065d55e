// Package call は1対1音声通話の状態機械とWebRTC接続の管理を担当します
// メディア取得とピア接続はインターフェースの背後に置き、
// シグナリングはsignaling.Exchange経由で行います
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/signaling"
)

// カスタムエラー定義
var (
	ErrCallInProgress = errors.New("call: already in progress")
	ErrCallEnded      = errors.New("call: already ended")
)

// Phase は通話の進行状態です
type Phase int

const (
	PhaseIdle            Phase = iota // 待機
	PhaseRequestingMedia              // マイク取得中
	PhaseConnecting                   // シグナリング・接続確立中
	PhaseActive                       // 通話中
	PhaseEnded                        // 終了
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestingMedia:
		return "requesting_media"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "idle"
	}
}

// Devices はローカル音声の取得を抽象化します
type Devices interface {
	AcquireAudio(ctx context.Context) (Stream, error)
}

// Stream は取得済みのローカルメディアです
// Closeでトラックを停止し、マイクを解放します
type Stream interface {
	Close()
}

// Connector は取得済みのStreamからピア接続を構築します
type Connector interface {
	NewPeer(stream Stream) (Peer, error)
}

// Peer は1つのWebRTC接続です
type Peer interface {
	CreateOffer(ctx context.Context) (models.SessionDesc, error)
	CreateAnswer(ctx context.Context, offer models.SessionDesc) (models.SessionDesc, error)
	AcceptAnswer(ctx context.Context, answer models.SessionDesc) error
	AddRemoteCandidate(candidate json.RawMessage) error
	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnConnected(fn func())
	Close() error
}

// Machine は1通話ぶんの状態機械です
type Machine struct {
	ex        *signaling.Exchange
	devices   Devices
	connector Connector
	selfId    string
	slot      models.Slot

	mu        sync.Mutex
	phase     Phase
	initiator bool
	stream    Stream
	peer      Peer
	remoteSet bool              // リモート記述を設定済みか
	pending   []json.RawMessage // リモート記述設定前に届いたICE候補
	unsubs    []func()

	onPhase func(Phase)
}

// NewMachine は新しいMachineを作成します
func NewMachine(ex *signaling.Exchange, devices Devices, connector Connector, selfId string, slot models.Slot) *Machine {
	return &Machine{
		ex:        ex,
		devices:   devices,
		connector: connector,
		selfId:    selfId,
		slot:      slot,
		phase:     PhaseIdle,
	}
}

// OnPhase は状態遷移の通知先を設定します（開始前に設定してください）
func (m *Machine) OnPhase(fn func(Phase)) {
	m.mu.Lock()
	m.onPhase = fn
	m.mu.Unlock()
}

// Phase は現在の状態を返します
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Start は発信側として通話を開始します
// 処理の流れ:
// 1. マイクを取得
// 2. ピア接続を構築してローカル候補の発行を開始
// 3. answer・相手候補・相手offer（グレア検出用）を購読
// 4. offerを送信して接続確立を待つ
func (m *Machine) Start(ctx context.Context) error {
	return m.begin(ctx, true)
}

// Accept は応答側として通話を開始します
// マイクは先に取得しておき、相手のofferが届いた時点でanswerを返します
func (m *Machine) Accept(ctx context.Context) error {
	return m.begin(ctx, false)
}

func (m *Machine) begin(ctx context.Context, initiator bool) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.phase = PhaseRequestingMedia
	m.initiator = initiator
	m.mu.Unlock()
	m.notify(PhaseRequestingMedia)

	stream, err := m.devices.AcquireAudio(ctx)
	if err != nil {
		m.abort()
		return fmt.Errorf("call: acquire audio: %w", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.phase = PhaseConnecting
	m.mu.Unlock()
	m.notify(PhaseConnecting)

	if initiator {
		peer, err := m.buildPeer(stream)
		if err != nil {
			m.abort()
			return err
		}
		m.mu.Lock()
		m.peer = peer
		m.mu.Unlock()
	}

	if err := m.subscribeSignals(initiator); err != nil {
		m.abort()
		return err
	}

	if initiator {
		m.mu.Lock()
		if m.remoteSet {
			// 購読を張った時点で相手のofferが既にあり、グレアに譲って
			// answer側へ回った場合は自分のofferを出さない
			m.mu.Unlock()
			return nil
		}
		peer := m.peer
		m.mu.Unlock()

		offer, err := peer.CreateOffer(ctx)
		if err != nil {
			m.abort()
			return err
		}
		// 送信はロックの外で行う（ストア通知が同期的に自分へ戻ってくるため）
		if err := m.ex.SendOffer(ctx, offer); err != nil {
			m.abort()
			return err
		}
	}

	return nil
}

// buildPeer はピア接続を構築してコールバックを配線します
func (m *Machine) buildPeer(stream Stream) (Peer, error) {
	peer, err := m.connector.NewPeer(stream)
	if err != nil {
		return nil, fmt.Errorf("call: build peer: %w", err)
	}

	peer.OnLocalCandidate(func(candidate json.RawMessage) {
		if _, err := m.ex.SendCandidate(context.Background(), m.slot, candidate); err != nil {
			log.Printf("call: failed to publish candidate: %v", err)
		}
	})
	peer.OnConnected(func() {
		m.mu.Lock()
		notify := m.phase == PhaseConnecting
		if notify {
			m.phase = PhaseActive
		}
		m.mu.Unlock()
		if notify {
			m.notify(PhaseActive)
		}
	})

	return peer, nil
}

// subscribeSignals はシグナリング経路の購読を張ります
func (m *Machine) subscribeSignals(initiator bool) error {
	var unsubs []func()

	unsub, err := m.ex.OnCandidate(m.slot.Opposite(), m.handleRemoteCandidate)
	if err != nil {
		return err
	}
	unsubs = append(unsubs, unsub)

	unsub, err = m.ex.OnOffer(m.handleOffer)
	if err != nil {
		for _, u := range unsubs {
			u()
		}
		return err
	}
	unsubs = append(unsubs, unsub)

	if initiator {
		unsub, err = m.ex.OnAnswer(m.handleAnswer)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return err
		}
		unsubs = append(unsubs, unsub)
	}

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsubs...)
	m.mu.Unlock()
	return nil
}

// handleOffer は相手からのofferを処理します
// 応答側: 最初のofferに対してanswerを返します
// 発信側: 双方が同時にofferを出した場合（グレア）、ユーザーIDが辞書順で
// 小さい側が自分のofferを維持し、大きい側はofferを破棄して
// 取得済みストリームを使い回した新しいピアでanswerを返します
func (m *Machine) handleOffer(desc models.SessionDesc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnecting || m.remoteSet {
		// 接続前のみ・1度だけ処理する
		return
	}

	if m.initiator {
		if m.selfId < desc.From {
			// 自分のofferが勝つ。相手がanswerしてくるのを待つ
			return
		}
		log.Printf("call: offer glare, yielding to %s", desc.From)
		if m.peer != nil {
			_ = m.peer.Close()
		}
		m.peer = nil
	}

	if m.peer == nil {
		peer, err := m.buildPeer(m.stream)
		if err != nil {
			log.Printf("call: failed to build answering peer: %v", err)
			return
		}
		m.peer = peer
	}

	answer, err := m.peer.CreateAnswer(context.Background(), desc)
	if err != nil {
		log.Printf("call: failed to answer offer from %s: %v", desc.From, err)
		return
	}
	m.remoteSet = true
	m.flushCandidatesLocked()

	if err := m.ex.SendAnswer(context.Background(), answer); err != nil {
		log.Printf("call: failed to send answer: %v", err)
	}
}

// handleAnswer は自分のofferへのanswerを処理します（発信側のみ）
func (m *Machine) handleAnswer(desc models.SessionDesc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnecting || m.remoteSet || m.peer == nil {
		// 重複配信や終了後の遅延配信は捨てる
		return
	}

	if err := m.peer.AcceptAnswer(context.Background(), desc); err != nil {
		log.Printf("call: failed to accept answer from %s: %v", desc.From, err)
		return
	}
	m.remoteSet = true
	m.flushCandidatesLocked()
}

// handleRemoteCandidate は相手のICE候補を処理します
// リモート記述の設定前に届いた候補は到着順にバッファし、設定後にまとめて適用します
func (m *Machine) handleRemoteCandidate(candidate json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnecting && m.phase != PhaseActive {
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, candidate)
		return
	}
	if err := m.peer.AddRemoteCandidate(candidate); err != nil {
		log.Printf("call: failed to add remote candidate: %v", err)
	}
}

func (m *Machine) flushCandidatesLocked() {
	for _, c := range m.pending {
		if err := m.peer.AddRemoteCandidate(c); err != nil {
			log.Printf("call: failed to add buffered candidate: %v", err)
		}
	}
	m.pending = nil
}

// End は通話を終了します（冪等）
// すべての終了経路でトラックを停止し、ピアを閉じ、シグナリングデータを破棄します
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseIdle || m.phase == PhaseEnded {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseEnded
	stream, peer, unsubs := m.stream, m.peer, m.unsubs
	m.stream, m.peer, m.unsubs = nil, nil, nil
	m.remoteSet = false
	m.pending = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if peer != nil {
		_ = peer.Close()
	}
	if stream != nil {
		stream.Close()
	}
	if err := m.ex.Clear(ctx); err != nil {
		log.Printf("call: failed to clear signals: %v", err)
	}

	m.notify(PhaseEnded)

	// 次の通話に備えて待機状態へ戻す
	m.mu.Lock()
	m.phase = PhaseIdle
	m.mu.Unlock()
	return nil
}

// abort は開始処理の失敗時の後始末です
func (m *Machine) abort() {
	_ = m.End(context.Background())
}

func (m *Machine) notify(p Phase) {
	m.mu.Lock()
	fn := m.onPhase
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
