package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
)

// WebRTC starts pion peer connections for accepted calls.
type WebRTC struct {
	Config webrtc.Configuration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewWebRTC() *WebRTC {
	return &WebRTC{Config: DefaultWebRTCConfig()}
}

type webrtcConn struct {
	pc     *webrtc.PeerConnection
	roomID domain.RoomID
	cancel context.CancelFunc
}

func (w *WebRTC) Start(ctx context.Context, roomID domain.RoomID, callType domain.CallType) (Connection, error) {
	pc, err := webrtc.NewPeerConnection(w.Config)
	if err != nil {
		return nil, err
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		pc.Close()
		return nil, err
	}
	if callType == domain.CallVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			pc.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &webrtcConn{pc: pc, roomID: roomID, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media.webrtc").Str("room", string(roomID)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media.webrtc").Str("room", string(roomID)).Str("peer_connection_state", s.String()).Msg("peer state")
	})

	log.Info().Str("module", "media.webrtc").Str("room", string(roomID)).Str("call_type", string(callType)).Msg("media session started")
	return conn, nil
}

func (c *webrtcConn) Close() {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media.webrtc").Str("room", string(c.roomID)).Msg("close error")
	} else {
		log.Info().Str("module", "media.webrtc").Str("room", string(c.roomID)).Msg("media session closed")
	}
}
