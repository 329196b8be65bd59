package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/atriumhq/atrium/internal/domain"
)

// Transport is one point-to-point media channel. The production
// implementation wraps a pion PeerConnection; tests substitute a fake
// so the manager's lifecycle logic is exercised without ICE.
type Transport interface {
	// Start configures internal callbacks and binds the transport
	// lifetime to ctx. Callbacks must be set before Start.
	Start(ctx context.Context) error
	// CreateOffer produces the local SDP after ICE gathering completes.
	CreateOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer handles the callee side of negotiation.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer completes the caller side of negotiation.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(ci webrtc.ICECandidateInit) error
	// AttachLocal adds the shared capture tracks for sending. Called
	// at most once, before negotiation.
	AttachLocal(lm *LocalMedia) error
	// OnICECandidate sets the callback for locally gathered candidates.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	// OnRemoteStream fires once remote media starts arriving, with the
	// stream wired through the given gain node.
	OnRemoteStream(fn func(*RemoteStream))
	// OnClosed fires when the underlying transport reports failure or
	// closure, whatever the cause.
	OnClosed(fn func())
	// Close tears the channel down. Safe to call multiple times.
	Close()
}

// TransportFactory builds a transport for one remote peer. The gain
// node is owned by the manager; the transport only feeds it.
type TransportFactory func(peerID domain.UserID, gain *GainNode) (Transport, error)
