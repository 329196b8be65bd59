package media

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
)

// Sink is the playout end of the audio graph. The manager forwards
// every audible remote packet here together with the gain the
// proximity engine assigned to its peer.
type Sink interface {
	WriteRTP(peer domain.UserID, pkt *rtp.Packet, gain float64) error
}

// NullSink discards packets. Used when no playout device is wired,
// e.g. headless runs and tests.
type NullSink struct{}

func (NullSink) WriteRTP(domain.UserID, *rtp.Packet, float64) error { return nil }

// GainNode sits between one peer's remote tracks and the sink.
// Updating the gain never touches the peer connection, so volume
// follows proximity without renegotiation.
type GainNode struct {
	peerID domain.UserID
	sink   Sink
	gain   atomic.Uint64 // float64 bits
}

func NewGainNode(peerID domain.UserID, sink Sink) *GainNode {
	n := &GainNode{peerID: peerID, sink: sink}
	n.SetGain(1.0)
	return n
}

func (n *GainNode) SetGain(g float64) {
	if g < 0 {
		g = 0
	}
	if g > 1 {
		g = 1
	}
	n.gain.Store(math.Float64bits(g))
}

func (n *GainNode) Gain() float64 {
	return math.Float64frombits(n.gain.Load())
}

// WriteRTP forwards one packet at the current gain. Fully attenuated
// peers are dropped here instead of burning sink bandwidth.
func (n *GainNode) WriteRTP(pkt *rtp.Packet) error {
	g := n.Gain()
	if g == 0 {
		return nil
	}
	return n.sink.WriteRTP(n.peerID, pkt, g)
}

// RemoteStream owns the remote side of one peer connection: its
// forward loops and their liveness bookkeeping. Stop is idempotent
// and leaves zero live tracks behind.
type RemoteStream struct {
	PeerID domain.UserID

	mu     sync.Mutex
	live   int
	closed bool
	stops  []func()
}

func NewRemoteStream(peerID domain.UserID) *RemoteStream {
	return &RemoteStream{PeerID: peerID}
}

// TrackStarted registers a live remote track and its stop function.
// Returns false if the stream is already stopped, in which case the
// caller must not start the forward loop.
func (s *RemoteStream) TrackStarted(stop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.live++
	s.stops = append(s.stops, stop)
	return true
}

// TrackEnded marks one track's forward loop as finished.
func (s *RemoteStream) TrackEnded() {
	s.mu.Lock()
	if s.live > 0 {
		s.live--
	}
	s.mu.Unlock()
}

// Stop releases every track. Mandatory on all connection exit paths.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stops := s.stops
	s.stops = nil
	s.live = 0
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	log.Debug().Str("module", "media").Str("peer", string(s.PeerID)).Msg("remote stream stopped")
}

func (s *RemoteStream) LiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}
