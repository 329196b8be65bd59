// Package client wires the room session, presence store, proximity
// engine and media manager into one service object. It is constructed
// once at startup and passed by reference; there is no package-level
// instance.
package client

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/media"
	"github.com/atriumhq/atrium/internal/persist"
	"github.com/atriumhq/atrium/internal/presence"
	"github.com/atriumhq/atrium/internal/proximity"
	"github.com/atriumhq/atrium/internal/session"
)

// Sender is the outbound half of the room channel the coordinator
// needs. *session.Session implements it.
type Sender interface {
	Send(msgType session.MessageType, payload any)
}

// Client is the coordinator. All presence writes flow through its
// handlers, keeping the store single-writer.
type Client struct {
	selfID domain.UserID
	events *bus.Bus
	sender Sender
	store  *presence.Store
	engine *proximity.Engine
	media  *media.Manager
	mirror *persist.Mirror

	mu      sync.Mutex
	zone    domain.ZoneID
	history []domain.ChatMessage
	unsubs  []func()
}

func New(selfID domain.UserID, displayName string, events *bus.Bus, sender Sender, store *presence.Store, engine *proximity.Engine, mediaMgr *media.Manager, mirror *persist.Mirror) *Client {
	c := &Client{
		selfID: selfID,
		events: events,
		sender: sender,
		store:  store,
		engine: engine,
		media:  mediaMgr,
		mirror: mirror,
	}
	// The self record exists for the whole session; the server echoes
	// it back in presence state, which simply re-upserts.
	store.Upsert(domain.PresenceRecord{
		UserID:      selfID,
		DisplayName: displayName,
		Status:      domain.StatusOnline,
	})
	return c
}

// SelfID returns the local user's identity.
func (c *Client) SelfID() domain.UserID { return c.selfID }

// Run subscribes the coordinator to the bus and starts the proximity
// loop. Call Close to undo both.
func (c *Client) Run(ctx context.Context) {
	sub := func(topic bus.Topic, fn bus.Handler) {
		c.mu.Lock()
		c.unsubs = append(c.unsubs, c.events.Subscribe(topic, fn))
		c.mu.Unlock()
	}

	sub(bus.TopicSessionConnected, func(any) { c.onConnected() })
	sub(bus.TopicPresenceState, func(p any) { c.onPresenceState(p.([]domain.PresenceRecord)) })
	sub(bus.TopicPresenceJoined, func(p any) { c.onPresenceJoined(p.(domain.PresenceRecord)) })
	sub(bus.TopicPresenceUpdated, func(p any) { c.onPresenceUpdated(p.(session.PresenceDelta)) })
	sub(bus.TopicPresenceLeft, func(p any) { c.onPresenceLeft(p.(domain.UserID)) })
	sub(bus.TopicChatMessage, func(p any) { c.onChat(p.(domain.ChatMessage)) })
	sub(bus.TopicScreenShare, func(p any) { c.onScreenShare(p.(session.ScreenShareEvent)) })
	sub(bus.TopicProximityNearby, func(p any) { c.onNearby(ctx, p.(proximity.NearbyUpdate)) })
	sub(bus.TopicProximityVolumes, func(p any) { c.media.SetVolumes(p.(proximity.VolumeUpdate).VolumeByUser) })
	sub(bus.TopicCallRequested, func(p any) { c.onCallRequested(p.(session.CallSignal)) })
	sub(bus.TopicCallEnded, func(p any) { c.media.Close(p.(session.CallSignal).FromPeerID) })
	sub(bus.TopicCallOffer, func(p any) { c.onOffer(ctx, p.(session.SDPSignal)) })
	sub(bus.TopicCallAnswer, func(p any) { c.onAnswer(p.(session.SDPSignal)) })
	sub(bus.TopicCallCandidate, func(p any) { c.onCandidate(p.(session.CandidateSignal)) })

	c.engine.Start(ctx)
	log.Info().Str("module", "client").Str("self", string(c.selfID)).Msg("coordinator running")
}

// Close stops the proximity loop, hangs up every call and removes the
// coordinator's subscriptions. Safe to call more than once.
func (c *Client) Close() {
	c.engine.Stop()
	c.media.CloseAll()

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, off := range unsubs {
		off()
	}
}

// ---- inbound handlers: the single writer of presence state ----

func (c *Client) onConnected() {
	c.mirror.SessionStarted("")
}

// onPresenceState replaces the known peer set with the server's
// snapshot. Peers missing from the snapshot are gone.
func (c *Client) onPresenceState(records []domain.PresenceRecord) {
	seen := make(map[domain.UserID]struct{}, len(records)+1)
	seen[c.selfID] = struct{}{}
	for _, rec := range records {
		seen[rec.UserID] = struct{}{}
		c.store.Upsert(rec)
		c.mirror.ParticipantSeen(rec.UserID, rec.DisplayName)
	}
	for _, rec := range c.store.All() {
		if _, ok := seen[rec.UserID]; !ok {
			c.onPresenceLeft(rec.UserID)
		}
	}
}

func (c *Client) onPresenceJoined(rec domain.PresenceRecord) {
	c.store.Upsert(rec)
	c.mirror.ParticipantSeen(rec.UserID, rec.DisplayName)
}

func (c *Client) onPresenceUpdated(d session.PresenceDelta) {
	u := presence.Update{
		DisplayName: d.DisplayName,
		Status:      d.Status,
		Zone:        d.Zone,
		MicOn:       d.MicOn,
		CameraOn:    d.CameraOn,
		ScreenShare: d.ScreenShare,
	}
	if d.X != nil && d.Y != nil {
		u.Position = &domain.Position{X: *d.X, Y: *d.Y}
	}
	c.store.UpdateFields(d.UserID, u)
}

// onPresenceLeft removes the record and tears down any media link: a
// connection must never outlive its peer's presence.
func (c *Client) onPresenceLeft(id domain.UserID) {
	c.store.Remove(id)
	c.media.Close(id)
	c.engine.Tick()
}

func (c *Client) onChat(msg domain.ChatMessage) {
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
	c.mirror.ChatMessage(msg)
}

func (c *Client) onScreenShare(ev session.ScreenShareEvent) {
	on := ev.On
	c.store.UpdateFields(ev.UserID, presence.Update{ScreenShare: &on})
}

// onNearby opens links to newly nearby peers and hangs up those that
// walked away. The lower user ID initiates, so both sides moving into
// range produces one offer, not two.
func (c *Client) onNearby(ctx context.Context, upd proximity.NearbyUpdate) {
	for _, peer := range c.media.Peers() {
		if _, still := upd.Nearby[peer]; !still {
			c.media.Close(peer)
			c.sender.Send(session.MsgEndCall, session.CallPayload{TargetPeerID: peer})
		}
	}
	for peer := range upd.Nearby {
		if c.selfID >= peer {
			continue
		}
		if c.media.State(peer) != 0 {
			continue
		}
		c.sender.Send(session.MsgConnectCall, session.CallPayload{TargetPeerID: peer})
		if err := c.media.Open(ctx, peer); err != nil {
			log.Error().Err(err).Str("module", "client").Str("peer", string(peer)).Msg("open media")
		}
	}
}

// onCallRequested notes inbound call intent. The caller's offer does
// the actual work; a request from an unknown peer is stale.
func (c *Client) onCallRequested(sig session.CallSignal) {
	if _, ok := c.store.Get(sig.FromPeerID); !ok {
		log.Warn().Str("module", "client").Str("peer", string(sig.FromPeerID)).Msg("call request from unknown peer")
		return
	}
	log.Info().Str("module", "client").Str("peer", string(sig.FromPeerID)).Msg("incoming call")
}

func (c *Client) onOffer(ctx context.Context, sig session.SDPSignal) {
	// Offers can race presence: an offer from an unknown peer is
	// stale and dropped.
	if _, ok := c.store.Get(sig.FromPeerID); !ok {
		log.Warn().Str("module", "client").Str("peer", string(sig.FromPeerID)).Msg("offer from unknown peer")
		return
	}
	// Offer glare: both sides called at the same time. The lower ID's
	// offer wins; the higher ID abandons its own attempt and answers.
	// The loser's in-flight offer is ignored remotely the same way.
	if st := c.media.State(sig.FromPeerID); st == media.StateRequested || st == media.StateConnecting {
		if sig.FromPeerID < c.selfID {
			log.Info().Str("module", "client").Str("peer", string(sig.FromPeerID)).Msg("call glare, yielding to peer offer")
			c.media.Close(sig.FromPeerID)
		}
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	if err := c.media.HandleOffer(ctx, sig.FromPeerID, offer); err != nil {
		log.Error().Err(err).Str("module", "client").Str("peer", string(sig.FromPeerID)).Msg("handle offer")
	}
}

func (c *Client) onAnswer(sig session.SDPSignal) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
	c.media.HandleAnswer(sig.FromPeerID, answer)
}

func (c *Client) onCandidate(sig session.CandidateSignal) {
	c.media.HandleCandidate(sig.FromPeerID, sig.ICECandidateInit())
}

// ---- outbound user actions ----

// Move reports the avatar's new position. Loss-tolerant by design.
func (c *Client) Move(x, y float64) {
	c.store.UpdateFields(c.selfID, presence.Update{Position: &domain.Position{X: x, Y: y}})
	c.sender.Send(session.MsgUpdatePlayer, session.PlayerUpdate{X: x, Y: y})
}

func (c *Client) SetStatus(status domain.Status) {
	c.store.UpdateFields(c.selfID, presence.Update{Status: &status})
	pos := c.selfPosition()
	c.sender.Send(session.MsgUpdatePlayer, session.PlayerUpdate{X: pos.X, Y: pos.Y, Status: &status})
}

func (c *Client) JoinZone(zone domain.ZoneID) {
	c.mu.Lock()
	c.zone = zone
	c.mu.Unlock()
	c.store.UpdateFields(c.selfID, presence.Update{Zone: &zone})
	c.sender.Send(session.MsgJoinOffice, session.ZonePayload{ZoneID: zone})
}

func (c *Client) LeaveZone() {
	c.mu.Lock()
	zone := c.zone
	c.zone = ""
	c.mu.Unlock()
	if zone == "" {
		return
	}
	empty := domain.ZoneID("")
	c.store.UpdateFields(c.selfID, presence.Update{Zone: &empty})
	c.sender.Send(session.MsgLeaveOffice, session.ZonePayload{ZoneID: zone})
}

// SendChat sends to the current zone when inside one, globally
// otherwise.
func (c *Client) SendChat(body string) {
	c.mu.Lock()
	zone := c.zone
	c.mu.Unlock()
	if zone != "" {
		c.sender.Send(session.MsgOfficeMessage, session.ChatPayload{Body: body, ZoneID: zone})
		return
	}
	c.sender.Send(session.MsgGlobalMessage, session.ChatPayload{Body: body})
}

// Call explicitly initiates a media link regardless of proximity.
func (c *Client) Call(ctx context.Context, peer domain.UserID) error {
	c.sender.Send(session.MsgConnectCall, session.CallPayload{TargetPeerID: peer})
	return c.media.Open(ctx, peer)
}

func (c *Client) HangUp(peer domain.UserID) {
	c.sender.Send(session.MsgEndCall, session.CallPayload{TargetPeerID: peer})
	c.media.Close(peer)
}

// EnableMedia acquires the capture device ahead of the first call.
func (c *Client) EnableMedia(ctx context.Context) error {
	_, err := c.media.AcquireLocal(ctx)
	return err
}

// ToggleMic flips the mic and republishes the flag so observers see
// it in presence.
func (c *Client) ToggleMic() bool {
	on, err := c.media.ToggleMic()
	if err != nil {
		return false
	}
	c.store.UpdateFields(c.selfID, presence.Update{MicOn: &on})
	pos := c.selfPosition()
	c.sender.Send(session.MsgUpdatePlayer, session.PlayerUpdate{X: pos.X, Y: pos.Y, MicOn: &on})
	return on
}

func (c *Client) ToggleCamera() bool {
	on, err := c.media.ToggleCamera()
	if err != nil {
		return false
	}
	c.store.UpdateFields(c.selfID, presence.Update{CameraOn: &on})
	pos := c.selfPosition()
	c.sender.Send(session.MsgUpdatePlayer, session.PlayerUpdate{X: pos.X, Y: pos.Y, CameraOn: &on})
	return on
}

// SetScreenShare reports a screen sharing toggle to the room.
func (c *Client) SetScreenShare(on bool) {
	c.store.UpdateFields(c.selfID, presence.Update{ScreenShare: &on})
	c.sender.Send(session.MsgScreenShare, session.ScreenShareEvent{UserID: c.selfID, On: on})
}

// ChatHistory returns the messages seen this session, oldest first.
func (c *Client) ChatHistory() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) selfPosition() domain.Position {
	if rec, ok := c.store.Get(c.selfID); ok && rec.Position != nil {
		return *rec.Position
	}
	return domain.Position{}
}

// Signaler adapts the room channel to the media manager's negotiation
// needs.
type Signaler struct {
	Self   domain.UserID
	Sender Sender
}

func (s *Signaler) SendOffer(to domain.UserID, sdp webrtc.SessionDescription) {
	s.Sender.Send(session.MsgOffer, session.SDPSignal{FromPeerID: s.Self, To: to, SDP: sdp.SDP})
}

func (s *Signaler) SendAnswer(to domain.UserID, sdp webrtc.SessionDescription) {
	s.Sender.Send(session.MsgAnswer, session.SDPSignal{FromPeerID: s.Self, To: to, SDP: sdp.SDP})
}

func (s *Signaler) SendCandidate(to domain.UserID, ci webrtc.ICECandidateInit) {
	sig := session.CandidateSignal{FromPeerID: s.Self, To: to, Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		sig.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		sig.SDPMLineIndex = *ci.SDPMLineIndex
	}
	s.Sender.Send(session.MsgCandidate, sig)
}

// BuildConfigured assembles a fully wired client from configuration.
// main calls this once and owns the returned pieces.
func BuildConfigured(cfg *config.Config, events *bus.Bus, sess *session.Session, store *persist.Store, opener media.DeviceOpener, sink media.Sink) *Client {
	selfID := domain.UserID(cfg.Room.Token)
	if selfID == "" {
		selfID = domain.UserID(cfg.DisplayName)
	}

	presenceStore := presence.NewStore()
	engine := proximity.NewEngine(cfg.Proximity, selfID, presenceStore, events)
	signaler := &Signaler{Self: selfID, Sender: sess}
	mediaMgr := media.NewManager(cfg.Media, events, signaler, opener, sink, media.NewWebRTCFactory(cfg.Media))
	mirror := persist.NewMirror(store, string(selfID))

	return New(selfID, cfg.DisplayName, events, sess, presenceStore, engine, mediaMgr, mirror)
}
