package call

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
)

// Engine はPionによるDevices/Connectorの実装です
// マイク取得はプラットフォーム別の実装に委譲します（Linux以外は受信専用）
type Engine struct{}

// NewEngine は新しいEngineを作成します
func NewEngine() *Engine { return &Engine{} }

func (e *Engine) AcquireAudio(ctx context.Context) (Stream, error) {
	return acquireAudio()
}

func (e *Engine) NewPeer(stream Stream) (Peer, error) {
	pc, err := buildPeerConnection(stream)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

// pionPeer はPeerConnectionをPeerインターフェースに適合させます
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(ctx context.Context) (models.SessionDesc, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDesc{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDesc{}, err
	}
	return models.SessionDesc{SDP: offer.SDP, Type: "offer", Timestamp: time.Now().UnixMilli()}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context, offer models.SessionDesc) (models.SessionDesc, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return models.SessionDesc{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDesc{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDesc{}, err
	}
	return models.SessionDesc{SDP: answer.SDP, Type: "answer", Timestamp: time.Now().UnixMilli()}, nil
}

func (p *pionPeer) AcceptAnswer(ctx context.Context, answer models.SessionDesc) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	return p.pc.SetRemoteDescription(remote)
}

func (p *pionPeer) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) OnLocalCandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// 収集完了
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(b)
	})
}

func (p *pionPeer) OnConnected(fn func()) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("call: peer connection state: %s", s)
		if s == webrtc.PeerConnectionStateConnected {
			fn()
		}
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// addRecvOnlyAudio は受信専用の音声トランシーバーを追加します
// ローカル音声がなくてもSDPに有効なm-lineが入るようにします
func addRecvOnlyAudio(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("call: AddTransceiver(audio) error: %v", err)
	}
}
