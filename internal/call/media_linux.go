//go:build linux

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// audioStream はmediadevicesで取得したローカル音声です
type audioStream struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func (s *audioStream) Close() {
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
}

// acquireAudio はopusエンコーダ付きでマイクを取得します（malgo経由）
func acquireAudio() (Stream, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("call: local audio captured (%d tracks)", len(stream.GetTracks()))
	return &audioStream{stream: stream, selector: selector}, nil
}

// buildPeerConnection は音声通話用のPeerConnectionを構築します
func buildPeerConnection(stream Stream) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	as, _ := stream.(*audioStream)
	if as != nil {
		as.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// 既定のdisconnectedTimeout(5秒)は中継経路の瞬断で切れてしまうため延長する
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}

	if as != nil {
		for _, track := range as.stream.GetTracks() {
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("call: AddTrack error: %v", err)
			}
		}
	} else {
		addRecvOnlyAudio(pc)
	}

	return pc, nil
}
