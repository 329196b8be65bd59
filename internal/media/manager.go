// Package media manages the local capture device and one peer
// connection per remote user, opened and torn down as users move in
// and out of range.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
)

// ConnState is the per-peer connection state. Absent peers have no
// Connection object at all.
type ConnState int32

const (
	StateRequested ConnState = iota + 1
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// Signaler carries negotiation messages to the remote peer through
// the room channel.
type Signaler interface {
	SendOffer(to domain.UserID, sdp webrtc.SessionDescription)
	SendAnswer(to domain.UserID, sdp webrtc.SessionDescription)
	SendCandidate(to domain.UserID, ci webrtc.ICECandidateInit)
}

// ConnectedEvent is published on bus.TopicMediaConnected.
type ConnectedEvent struct {
	PeerID domain.UserID
}

// ClosedEvent is published on bus.TopicMediaClosed.
type ClosedEvent struct {
	PeerID domain.UserID
}

// Connection is the bookkeeping for one remote peer's media link.
type Connection struct {
	PeerID domain.UserID

	mu        sync.Mutex
	state     ConnState
	transport Transport
	gain      *GainNode
	remote    *RemoteStream
	holdsRef  bool
	timeout   *time.Timer
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Manager owns every MediaConnection and the shared local capture
// stream. It is the only component allowed to start or stop capture
// tracks.
type Manager struct {
	cfg      config.MediaConfig
	events   *bus.Bus
	signaler Signaler
	opener   DeviceOpener
	sink     Sink
	factory  TransportFactory

	localMu  sync.Mutex
	local    *LocalMedia
	localErr error

	mu    sync.Mutex
	conns map[domain.UserID]*Connection
}

func NewManager(cfg config.MediaConfig, events *bus.Bus, signaler Signaler, opener DeviceOpener, sink Sink, factory TransportFactory) *Manager {
	if sink == nil {
		sink = NullSink{}
	}
	return &Manager{
		cfg:      cfg,
		events:   events,
		signaler: signaler,
		opener:   opener,
		sink:     sink,
		factory:  factory,
		conns:    make(map[domain.UserID]*Connection),
	}
}

// AcquireLocal opens the capture device once. Repeated calls return
// the existing stream instead of re-prompting; a denied device yields
// MediaAccessError and the manager keeps working receive-only.
func (m *Manager) AcquireLocal(ctx context.Context) (*LocalMedia, error) {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	if m.local != nil {
		return m.local, nil
	}
	if m.opener == nil {
		return nil, &domain.MediaAccessError{Err: errors.New("no capture device configured")}
	}
	audio, video, stop, err := m.opener.OpenCapture(ctx)
	if err != nil {
		m.localErr = &domain.MediaAccessError{Err: err}
		log.Warn().Err(err).Str("module", "media").Msg("capture denied, running receive-only")
		return nil, m.localErr
	}
	m.local = newLocalMedia(audio, video, stop)
	m.local.Retain() // the manager's own reference
	log.Info().Str("module", "media").Msg("local capture acquired")
	return m.local, nil
}

// Local returns the capture stream if one is held.
func (m *Manager) Local() *LocalMedia {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	return m.local
}

// ToggleMic reports the new mic state, or false when no capture
// stream is held.
func (m *Manager) ToggleMic() (bool, error) {
	lm := m.Local()
	if lm == nil {
		return false, &domain.MediaAccessError{Err: errors.New("no local stream")}
	}
	return lm.ToggleMic(), nil
}

func (m *Manager) ToggleCamera() (bool, error) {
	lm := m.Local()
	if lm == nil {
		return false, &domain.MediaAccessError{Err: errors.New("no local stream")}
	}
	return lm.ToggleCamera(), nil
}

// Open initiates a connection to peer. A peer that is already
// requested, connecting or connected is a no-op: there is never more
// than one connection per peer.
func (m *Manager) Open(ctx context.Context, peer domain.UserID) error {
	m.mu.Lock()
	if _, ok := m.conns[peer]; ok {
		m.mu.Unlock()
		return nil
	}
	conn := &Connection{PeerID: peer, state: StateRequested}
	m.conns[peer] = conn
	m.mu.Unlock()

	log.Info().Str("module", "media").Str("peer", string(peer)).Msg("opening connection")

	if err := m.negotiate(ctx, conn, nil); err != nil {
		m.closeConn(conn, err)
		return err
	}
	return nil
}

// HandleOffer answers an inbound call offer. With no local stream the
// answer carries no outgoing media and the connection is receive-only.
func (m *Manager) HandleOffer(ctx context.Context, from domain.UserID, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	if _, ok := m.conns[from]; ok {
		m.mu.Unlock()
		// Glare: we already have a connection in flight with this
		// peer; keep it rather than piling up a duplicate.
		log.Warn().Str("module", "media").Str("peer", string(from)).Msg("offer for existing connection ignored")
		return nil
	}
	conn := &Connection{PeerID: from, state: StateRequested}
	m.conns[from] = conn
	m.mu.Unlock()

	if err := m.negotiate(ctx, conn, &sdp); err != nil {
		m.closeConn(conn, err)
		return err
	}
	return nil
}

// negotiate drives one side of the handshake. offer == nil means we
// are the caller.
func (m *Manager) negotiate(ctx context.Context, conn *Connection, offer *webrtc.SessionDescription) error {
	gain := NewGainNode(conn.PeerID, m.sink)
	transport, err := m.factory(conn.PeerID, gain)
	if err != nil {
		return &domain.PeerConnectionError{PeerID: conn.PeerID, Err: err}
	}

	// Hand the transport to the connection before anything can fail,
	// so closeConn releases it on every exit path.
	conn.mu.Lock()
	conn.transport = transport
	conn.gain = gain
	conn.mu.Unlock()

	peer := conn.PeerID
	transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		m.signaler.SendCandidate(peer, ci)
	})
	transport.OnRemoteStream(func(rs *RemoteStream) {
		m.onRemoteStream(conn, rs)
	})
	transport.OnClosed(func() {
		m.onTransportClosed(conn)
	})

	// Attach the shared capture stream when we hold one; failure to
	// acquire earlier just means a receive-only link.
	var attached bool
	if lm := m.Local(); lm != nil {
		if err := transport.AttachLocal(lm); err != nil {
			return &domain.PeerConnectionError{PeerID: peer, Err: err}
		}
		lm.Retain()
		attached = true
	}

	conn.mu.Lock()
	conn.holdsRef = attached
	conn.state = StateConnecting
	conn.timeout = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.onNegotiationTimeout(conn)
	})
	conn.mu.Unlock()

	if err := transport.Start(ctx); err != nil {
		return &domain.PeerConnectionError{PeerID: peer, Err: err}
	}

	if offer == nil {
		local, err := transport.CreateOffer()
		if err != nil {
			return &domain.PeerConnectionError{PeerID: peer, Err: err}
		}
		m.signaler.SendOffer(peer, *local)
	} else {
		answer, err := transport.ApplyOfferAndCreateAnswer(*offer)
		if err != nil {
			return &domain.PeerConnectionError{PeerID: peer, Err: err}
		}
		m.signaler.SendAnswer(peer, *answer)
	}
	return nil
}

// HandleAnswer completes caller-side negotiation. Unknown peers are a
// no-op: the connection may have been closed while the answer was in
// flight.
func (m *Manager) HandleAnswer(from domain.UserID, sdp webrtc.SessionDescription) {
	conn := m.get(from)
	if conn == nil {
		log.Warn().Str("module", "media").Str("peer", string(from)).Msg("answer for unknown connection")
		return
	}
	conn.mu.Lock()
	transport := conn.transport
	conn.mu.Unlock()
	if transport == nil {
		return
	}
	if err := transport.ApplyAnswer(sdp); err != nil {
		m.closeConn(conn, &domain.PeerConnectionError{PeerID: from, Err: err})
	}
}

// HandleCandidate applies a relayed ICE candidate. Stale peers no-op.
func (m *Manager) HandleCandidate(from domain.UserID, ci webrtc.ICECandidateInit) {
	conn := m.get(from)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	transport := conn.transport
	conn.mu.Unlock()
	if transport == nil {
		return
	}
	if err := transport.AddICECandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "media").Str("peer", string(from)).Msg("add ice candidate")
	}
}

func (m *Manager) onRemoteStream(conn *Connection, rs *RemoteStream) {
	conn.mu.Lock()
	if conn.state == StateClosed {
		conn.mu.Unlock()
		rs.Stop()
		return
	}
	first := conn.state != StateConnected
	conn.state = StateConnected
	conn.remote = rs
	if conn.timeout != nil {
		conn.timeout.Stop()
		conn.timeout = nil
	}
	conn.mu.Unlock()

	if first {
		log.Info().Str("module", "media").Str("peer", string(conn.PeerID)).Msg("connected")
		m.events.Publish(bus.TopicMediaConnected, ConnectedEvent{PeerID: conn.PeerID})
	}
}

func (m *Manager) onTransportClosed(conn *Connection) {
	m.closeConn(conn, nil)
}

func (m *Manager) onNegotiationTimeout(conn *Connection) {
	if conn.State() == StateConnected || conn.State() == StateClosed {
		return
	}
	log.Warn().Str("module", "media").Str("peer", string(conn.PeerID)).Msg("negotiation timed out")
	m.closeConn(conn, &domain.PeerConnectionError{PeerID: conn.PeerID, Err: errors.New("negotiation timeout")})
}

// Close hangs up the connection to peer. Unknown peers are a no-op.
func (m *Manager) Close(peer domain.UserID) {
	conn := m.get(peer)
	if conn == nil {
		return
	}
	m.closeConn(conn, nil)
}

// closeConn is the single exit path: it releases the remote stream,
// drops the local reference, purges the table entry, and reports.
func (m *Manager) closeConn(conn *Connection, cause error) {
	conn.mu.Lock()
	if conn.state == StateClosed {
		conn.mu.Unlock()
		return
	}
	conn.state = StateClosed
	transport := conn.transport
	remote := conn.remote
	holdsRef := conn.holdsRef
	conn.holdsRef = false
	if conn.timeout != nil {
		conn.timeout.Stop()
		conn.timeout = nil
	}
	conn.mu.Unlock()

	if remote != nil {
		remote.Stop()
	}
	if transport != nil {
		transport.Close()
	}
	if holdsRef {
		if lm := m.Local(); lm != nil {
			lm.Release()
		}
	}

	m.mu.Lock()
	delete(m.conns, conn.PeerID)
	m.mu.Unlock()

	if cause != nil {
		m.events.Publish(bus.TopicError, cause)
	}
	m.events.Publish(bus.TopicMediaClosed, ClosedEvent{PeerID: conn.PeerID})
	log.Info().Str("module", "media").Str("peer", string(conn.PeerID)).Msg("closed")
}

// CloseAll tears down every connection, then drops the manager's own
// capture reference.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.closeConn(c, nil)
	}

	m.localMu.Lock()
	lm := m.local
	m.local = nil
	m.localMu.Unlock()
	if lm != nil {
		lm.Release()
	}
}

// SetVolumes applies the proximity engine's gain values without
// touching negotiation.
func (m *Manager) SetVolumes(volumes map[domain.UserID]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, conn := range m.conns {
		v, ok := volumes[peer]
		if !ok {
			continue
		}
		conn.mu.Lock()
		if conn.gain != nil {
			conn.gain.SetGain(v)
		}
		conn.mu.Unlock()
	}
}

// State reports the peer's connection state; absent peers return 0.
func (m *Manager) State(peer domain.UserID) ConnState {
	conn := m.get(peer)
	if conn == nil {
		return 0
	}
	return conn.State()
}

// Peers lists every peer with a live or pending connection.
func (m *Manager) Peers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

func (m *Manager) get(peer domain.UserID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[peer]
}
