//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// nopStream は受信専用時のダミーストリームです
type nopStream struct{}

func (nopStream) Close() {}

// acquireAudio はこのプラットフォームではマイクを取得しません
// mediadevicesのマイクドライバーはmalgoに依存しLinuxのみ対応のため、
// 受信専用ストリームを返します
func acquireAudio() (Stream, error) {
	log.Printf("call: no local audio capture on this platform, receive-only")
	return nopStream{}, nil
}

// buildPeerConnection は受信専用のPeerConnectionを構築します
func buildPeerConnection(_ Stream) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}

	addRecvOnlyAudio(pc)
	return pc, nil
}
