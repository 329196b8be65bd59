package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
)

// WebRTCConfig maps the media configuration onto pion's.
func WebRTCConfig(cfg config.MediaConfig) webrtc.Configuration {
	servers := cfg.STUNServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// NewWebRTCFactory returns the production TransportFactory.
func NewWebRTCFactory(cfg config.MediaConfig) TransportFactory {
	rtcCfg := WebRTCConfig(cfg)
	return func(peerID domain.UserID, gain *GainNode) (Transport, error) {
		return newWebRTCTransport(rtcCfg, peerID, gain)
	}
}

// webRTCTransport wraps a pion PeerConnection into the Transport
// contract and pumps remote RTP through the peer's gain node.
type webRTCTransport struct {
	pc     *webrtc.PeerConnection
	peerID domain.UserID
	gain   *GainNode
	remote *RemoteStream
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	onICE    func(webrtc.ICECandidateInit)
	onRemote func(*RemoteStream)
	onClosed func()
}

func newWebRTCTransport(cfg webrtc.Configuration, peerID domain.UserID, gain *GainNode) (*webRTCTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &webRTCTransport{
		pc:     pc,
		peerID: peerID,
		gain:   gain,
		remote: NewRemoteStream(peerID),
	}, nil
}

func (t *webRTCTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { t.onICE = fn }
func (t *webRTCTransport) OnRemoteStream(fn func(*RemoteStream))           { t.onRemote = fn }
func (t *webRTCTransport) OnClosed(fn func())                              { t.onClosed = fn }

func (t *webRTCTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media.webrtc").Str("peer", string(t.peerID)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media.webrtc").Str("peer", string(t.peerID)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			t.fireClosed()
		}
	})

	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && t.onICE != nil {
			t.onICE(cand.ToJSON())
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media.webrtc").
			Str("peer", string(t.peerID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		t.startForward(ctx, track)
	})

	return nil
}

// startForward pumps one remote track through the gain node until the
// track ends or the transport closes.
func (t *webRTCTransport) startForward(ctx context.Context, track *webrtc.TrackRemote) {
	trackCtx, stop := context.WithCancel(ctx)
	if !t.remote.TrackStarted(stop) {
		stop()
		return
	}
	if t.onRemote != nil {
		t.onRemote(t.remote)
	}

	go func() {
		defer t.remote.TrackEnded()
		for {
			select {
			case <-trackCtx.Done():
				return
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				log.Debug().Err(err).Str("module", "media.webrtc").Str("peer", string(t.peerID)).Msg("remote track ended")
				return
			}
			if err := t.gain.WriteRTP(pkt); err != nil {
				log.Error().Err(err).Str("module", "media.webrtc").Str("peer", string(t.peerID)).Msg("sink write")
				return
			}
		}
	}()
}

// CreateOffer returns as soon as the local description is set; ICE
// candidates trickle to the peer through OnICECandidate instead of
// being gathered into the SDP.
func (t *webRTCTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return t.pc.LocalDescription(), nil
}

func (t *webRTCTransport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return t.pc.LocalDescription(), nil
}

func (t *webRTCTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *webRTCTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

// AttachLocal adds the shared capture tracks. The enabled flags are
// consulted by pump loops upstream; a muted track still negotiates so
// toggling later needs no renegotiation.
func (t *webRTCTransport) AttachLocal(lm *LocalMedia) error {
	if lm == nil {
		return nil
	}
	if lm.audio != nil {
		if _, err := t.pc.AddTrack(lm.audio); err != nil {
			return err
		}
	}
	if lm.video != nil {
		if _, err := t.pc.AddTrack(lm.video); err != nil {
			return err
		}
	}
	return nil
}

func (t *webRTCTransport) fireClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()

	t.remote.Stop()
	if fn != nil {
		fn()
	}
}

func (t *webRTCTransport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.pc != nil {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "media.webrtc").Str("peer", string(t.peerID)).Msg("close error")
		}
	}
	t.fireClosed()
}
