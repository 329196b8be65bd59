package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/atriumhq/atrium/internal/domain"
)

// MessageType names every message on the room channel. This file is
// the only place the wire format meets the internal model.
type MessageType string

const (
	// Outbound.
	MsgUpdatePlayer  MessageType = "update_player"
	MsgJoinOffice    MessageType = "join_office"
	MsgLeaveOffice   MessageType = "leave_office"
	MsgGlobalMessage MessageType = "send_global_message"
	MsgOfficeMessage MessageType = "send_office_message"
	MsgConnectCall   MessageType = "connect_to_video_call"
	MsgEndCall       MessageType = "end_video_call"
	MsgPing          MessageType = "ping"

	// Peer-relayed negotiation, both directions.
	MsgOffer     MessageType = "offer"
	MsgAnswer    MessageType = "answer"
	MsgCandidate MessageType = "candidate"

	// Inbound.
	MsgPresenceState   MessageType = "presence_state"
	MsgPresenceJoined  MessageType = "presence_joined"
	MsgPresenceUpdated MessageType = "presence_updated"
	MsgPresenceLeft    MessageType = "presence_left"
	MsgChat            MessageType = "chat"
	MsgZoneJoined      MessageType = "zone_joined"
	MsgZoneLeft        MessageType = "zone_left"
	MsgCallRequest     MessageType = "call_request"
	MsgCallEnded       MessageType = "call_ended"
	MsgScreenShare     MessageType = "screen_share"
	MsgPong            MessageType = "pong"
	MsgError           MessageType = "error"
)

// PlayerUpdate is the frequent, loss-tolerant outbound position and
// flags report. Nil fields are omitted from the wire.
type PlayerUpdate struct {
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Anim     string         `json:"anim,omitempty"`
	Status   *domain.Status `json:"status,omitempty"`
	MicOn    *bool          `json:"mic_on,omitempty"`
	CameraOn *bool          `json:"camera_on,omitempty"`
}

type ZonePayload struct {
	ZoneID domain.ZoneID `json:"zone_id"`
}

type ChatPayload struct {
	Body   string        `json:"body"`
	ZoneID domain.ZoneID `json:"zone_id,omitempty"`
}

type CallPayload struct {
	TargetPeerID domain.UserID `json:"target_peer_id"`
}

// PresenceDelta is the inbound partial presence update. Pointer
// fields distinguish "absent" from zero values so the store can
// shallow-merge.
type PresenceDelta struct {
	UserID      domain.UserID  `json:"user_id"`
	DisplayName *string        `json:"display_name,omitempty"`
	X           *float64       `json:"x,omitempty"`
	Y           *float64       `json:"y,omitempty"`
	Status      *domain.Status `json:"status,omitempty"`
	Zone        *domain.ZoneID `json:"zone,omitempty"`
	MicOn       *bool          `json:"mic_on,omitempty"`
	CameraOn    *bool          `json:"camera_on,omitempty"`
	ScreenShare *bool          `json:"screen_share,omitempty"`
}

// ZoneEvent reports a user entering or leaving an office.
type ZoneEvent struct {
	UserID domain.UserID `json:"user_id"`
	ZoneID domain.ZoneID `json:"zone_id"`
}

// CallSignal carries call intent from a remote peer.
type CallSignal struct {
	FromPeerID domain.UserID `json:"from_peer_id"`
}

// SDPSignal relays one side of a peer negotiation.
type SDPSignal struct {
	FromPeerID domain.UserID `json:"from_peer_id"`
	To         domain.UserID `json:"to,omitempty"`
	SDP        string        `json:"sdp"`
}

// CandidateSignal relays one ICE candidate.
type CandidateSignal struct {
	FromPeerID    domain.UserID `json:"from_peer_id"`
	To            domain.UserID `json:"to,omitempty"`
	Candidate     string        `json:"candidate"`
	SDPMid        string        `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16        `json:"sdpMLineIndex,omitempty"`
}

func (s CandidateSignal) ICECandidateInit() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: s.Candidate}
	if s.SDPMid != "" {
		mid := s.SDPMid
		ci.SDPMid = &mid
	}
	idx := s.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return ci
}

// ScreenShareEvent reports a peer toggling screen sharing.
type ScreenShareEvent struct {
	UserID domain.UserID `json:"user_id"`
	On     bool          `json:"on"`
}
