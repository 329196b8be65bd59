package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/media"
	"github.com/atriumhq/atrium/internal/presence"
	"github.com/atriumhq/atrium/internal/proximity"
	"github.com/atriumhq/atrium/internal/session"
)

type sentMsg struct {
	Type    session.MessageType
	Payload any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (s *fakeSender) Send(msgType session.MessageType, payload any) {
	s.mu.Lock()
	s.sent = append(s.sent, sentMsg{Type: msgType, Payload: payload})
	s.mu.Unlock()
}

func (s *fakeSender) count(msgType session.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

type stubTransport struct {
	remote *media.RemoteStream

	onRemote func(*media.RemoteStream)
	onClosed func()
	closed   bool
}

func (f *stubTransport) Start(context.Context) error { return nil }
func (f *stubTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, nil
}
func (f *stubTransport) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil
}
func (f *stubTransport) ApplyAnswer(webrtc.SessionDescription) error { return nil }
func (f *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (f *stubTransport) AttachLocal(*media.LocalMedia) error { return nil }
func (f *stubTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (f *stubTransport) OnRemoteStream(fn func(*media.RemoteStream)) { f.onRemote = fn }
func (f *stubTransport) OnClosed(fn func()) { f.onClosed = fn }
func (f *stubTransport) Close() {
	if !f.closed {
		f.closed = true
		f.remote.Stop()
	}
}

func (f *stubTransport) arriveRemote() {
	f.remote.TrackStarted(func() {})
	if f.onRemote != nil {
		f.onRemote(f.remote)
	}
}

type fixture struct {
	client     *Client
	events     *bus.Bus
	sender     *fakeSender
	store      *presence.Store
	engine     *proximity.Engine
	media      *media.Manager
	mu         sync.Mutex
	transports map[domain.UserID]*stubTransport
}

func newFixture(t *testing.T, selfID domain.UserID) *fixture {
	f := &fixture{
		events:     bus.New(),
		sender:     &fakeSender{},
		store:      presence.NewStore(),
		transports: make(map[domain.UserID]*stubTransport),
	}
	proxCfg := config.ProximityConfig{
		Threshold:        150,
		NearRadius:       50,
		MaxAudioDistance: 300,
		TickInterval:     time.Hour, // ticks are driven manually
	}
	f.engine = proximity.NewEngine(proxCfg, selfID, f.store, f.events)

	factory := func(peerID domain.UserID, gain *media.GainNode) (media.Transport, error) {
		st := &stubTransport{remote: media.NewRemoteStream(peerID)}
		f.mu.Lock()
		f.transports[peerID] = st
		f.mu.Unlock()
		return st, nil
	}
	signaler := &Signaler{Self: selfID, Sender: f.sender}
	f.media = media.NewManager(
		config.MediaConfig{NegotiationTimeout: time.Minute},
		f.events, signaler, nil, media.NullSink{}, factory,
	)

	f.client = New(selfID, "self", f.events, f.sender, f.store, f.engine, f.media, nil)
	f.client.Run(context.Background())
	t.Cleanup(f.client.Close)
	return f
}

func (f *fixture) transport(peer domain.UserID) *stubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[peer]
}

func (f *fixture) join(id domain.UserID, x, y float64) {
	f.events.Publish(bus.TopicPresenceJoined, domain.PresenceRecord{
		UserID:      id,
		DisplayName: string(id),
		Position:    &domain.Position{X: x, Y: y},
		Status:      domain.StatusOnline,
	})
}

func TestNearbyPeerOpensConnectionFromLowerID(t *testing.T) {
	f := newFixture(t, "aaa")
	f.client.Move(0, 0)
	f.join("zzz", 100, 0)

	f.engine.Tick()

	if st := f.media.State("zzz"); st == 0 {
		t.Fatal("lower ID must initiate a connection to a nearby peer")
	}
	if f.sender.count(session.MsgConnectCall) != 1 {
		t.Fatal("call intent must be signaled to the server")
	}
	if f.sender.count(session.MsgOffer) != 1 {
		t.Fatal("an offer must be sent")
	}
}

func TestHigherIDWaitsForOffer(t *testing.T) {
	f := newFixture(t, "zzz")
	f.client.Move(0, 0)
	f.join("aaa", 100, 0)

	f.engine.Tick()

	if st := f.media.State("aaa"); st != 0 {
		t.Fatal("higher ID must wait for the peer's offer instead of initiating")
	}
}

func TestWalkingAwayClosesConnection(t *testing.T) {
	f := newFixture(t, "aaa")
	f.client.Move(0, 0)
	f.join("zzz", 100, 0)
	f.engine.Tick()
	f.transport("zzz").arriveRemote()

	if f.media.State("zzz") != media.StateConnected {
		t.Fatal("setup: connection should be connected")
	}

	// Peer walks out of proximity range.
	f.events.Publish(bus.TopicPresenceUpdated, session.PresenceDelta{
		UserID: "zzz", X: ptr(5000.0), Y: ptr(0.0),
	})
	f.engine.Tick()

	if f.media.State("zzz") != 0 {
		t.Fatal("connection must close when the peer moves out of range")
	}
}

func TestPresenceRemovalPurgesConnection(t *testing.T) {
	f := newFixture(t, "aaa")
	f.client.Move(0, 0)
	f.join("zzz", 100, 0)
	f.engine.Tick()
	ft := f.transport("zzz")
	ft.arriveRemote()

	f.events.Publish(bus.TopicPresenceLeft, domain.UserID("zzz"))

	if _, ok := f.store.Get("zzz"); ok {
		t.Fatal("record must be removed")
	}
	if f.media.State("zzz") != 0 {
		t.Fatal("connection must not outlive its peer's presence")
	}
	if ft.remote.LiveTracks() != 0 {
		t.Fatal("remote stream must be released")
	}
}

func TestPresenceStateReplacesPeerSet(t *testing.T) {
	f := newFixture(t, "aaa")
	f.join("gone", 10, 0)
	f.join("stays", 20, 0)

	f.events.Publish(bus.TopicPresenceState, []domain.PresenceRecord{
		{UserID: "stays", DisplayName: "stays", Position: &domain.Position{X: 20}},
		{UserID: "new", DisplayName: "new", Position: &domain.Position{X: 30}},
	})

	if _, ok := f.store.Get("gone"); ok {
		t.Fatal("peer absent from snapshot must be dropped")
	}
	if _, ok := f.store.Get("stays"); !ok {
		t.Fatal("peer in snapshot must stay")
	}
	if _, ok := f.store.Get("new"); !ok {
		t.Fatal("new peer must be added")
	}
	if _, ok := f.store.Get("aaa"); !ok {
		t.Fatal("self record must survive snapshot replacement")
	}
}

func TestInboundOfferAnswered(t *testing.T) {
	f := newFixture(t, "zzz")
	f.join("aaa", 100, 0)

	f.events.Publish(bus.TopicCallOffer, session.SDPSignal{FromPeerID: "aaa", SDP: "offer-sdp"})

	if f.media.State("aaa") == 0 {
		t.Fatal("inbound offer must create a connection")
	}
	if f.sender.count(session.MsgAnswer) != 1 {
		t.Fatal("an answer must be sent back")
	}
}

func TestSimultaneousCallsHigherIDYields(t *testing.T) {
	f := newFixture(t, "zzz")
	f.join("aaa", 100, 0)

	if err := f.client.Call(context.Background(), "aaa"); err != nil {
		t.Fatalf("call: %v", err)
	}
	ours := f.transport("aaa")
	if f.media.State("aaa") != media.StateConnecting {
		t.Fatal("setup: our own attempt should be connecting")
	}

	// The peer called at the same moment; its offer crosses ours.
	f.events.Publish(bus.TopicCallOffer, session.SDPSignal{FromPeerID: "aaa", SDP: "their-offer"})

	if !ours.closed {
		t.Fatal("higher ID must abandon its own attempt on glare")
	}
	if f.media.State("aaa") == 0 {
		t.Fatal("the peer's offer must be accepted as the surviving connection")
	}
	if f.sender.count(session.MsgAnswer) != 1 {
		t.Fatalf("expected one answer, got %d", f.sender.count(session.MsgAnswer))
	}
}

func TestSimultaneousCallsLowerIDKeepsOwnOffer(t *testing.T) {
	f := newFixture(t, "aaa")
	f.join("zzz", 100, 0)

	if err := f.client.Call(context.Background(), "zzz"); err != nil {
		t.Fatalf("call: %v", err)
	}
	ours := f.transport("zzz")

	f.events.Publish(bus.TopicCallOffer, session.SDPSignal{FromPeerID: "zzz", SDP: "their-offer"})

	if ours.closed {
		t.Fatal("lower ID must keep its own offer on glare")
	}
	if f.sender.count(session.MsgAnswer) != 0 {
		t.Fatal("the crossing offer must not be answered")
	}
	if got := len(f.media.Peers()); got != 1 {
		t.Fatalf("expected a single connection, got %d", got)
	}
}

func TestOfferFromUnknownPeerIsDropped(t *testing.T) {
	f := newFixture(t, "zzz")

	f.events.Publish(bus.TopicCallOffer, session.SDPSignal{FromPeerID: "ghost", SDP: "x"})

	if f.media.State("ghost") != 0 {
		t.Fatal("stale offer must not create a connection")
	}
}

func TestChatHistoryAppendsInOrder(t *testing.T) {
	f := newFixture(t, "aaa")

	f.events.Publish(bus.TopicChatMessage, domain.ChatMessage{ID: "m1", SenderID: "u1", Body: "one"})
	f.events.Publish(bus.TopicChatMessage, domain.ChatMessage{ID: "m2", SenderID: "u2", Body: "two"})

	got := f.client.ChatHistory()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestSendChatUsesZoneWhenInside(t *testing.T) {
	f := newFixture(t, "aaa")

	f.client.SendChat("hello all")
	if f.sender.count(session.MsgGlobalMessage) != 1 {
		t.Fatal("outside a zone chat goes global")
	}

	f.client.JoinZone("lounge")
	f.client.SendChat("hello room")
	if f.sender.count(session.MsgOfficeMessage) != 1 {
		t.Fatal("inside a zone chat is zone-scoped")
	}

	f.client.LeaveZone()
	f.client.SendChat("back out")
	if f.sender.count(session.MsgGlobalMessage) != 2 {
		t.Fatal("after leaving the zone chat goes global again")
	}
}

func TestMoveUpdatesSelfAndSends(t *testing.T) {
	f := newFixture(t, "aaa")

	f.client.Move(42, 24)

	rec, ok := f.store.Get("aaa")
	if !ok || rec.Position == nil || rec.Position.X != 42 || rec.Position.Y != 24 {
		t.Fatalf("self position not updated: %+v", rec)
	}
	if f.sender.count(session.MsgUpdatePlayer) != 1 {
		t.Fatal("position update must be sent to the server")
	}
}

func TestScreenShareUpdatesPresence(t *testing.T) {
	f := newFixture(t, "aaa")
	f.join("peer", 10, 0)

	f.events.Publish(bus.TopicScreenShare, session.ScreenShareEvent{UserID: "peer", On: true})

	rec, _ := f.store.Get("peer")
	if !rec.Flags.ScreenSharing {
		t.Fatal("screen share flag must be mirrored into presence")
	}
}

func TestCallEndedClosesConnection(t *testing.T) {
	f := newFixture(t, "aaa")
	f.client.Move(0, 0)
	f.join("zzz", 100, 0)
	f.engine.Tick()

	f.events.Publish(bus.TopicCallEnded, session.CallSignal{FromPeerID: "zzz"})

	if f.media.State("zzz") != 0 {
		t.Fatal("remote hang-up must close the connection")
	}
}

func ptr[T any](v T) *T { return &v }
