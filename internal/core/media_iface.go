package core

import (
	"context"

	"github.com/dkeye/wdi/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaStream is a transport-level stream handle.
type MediaStream interface {
	ID() string
}

// LocalStream is an outgoing stream whose tracks can be attached to a Transport.
type LocalStream interface {
	MediaStream
	Tracks() []webrtc.TrackLocal
}

// Sender is the opaque handle a Transport returns for an attached track.
type Sender any

// SenderPriority is the sending preference applied to every new sender.
type SenderPriority struct {
	DegradationPreference string
	Priority              string
}

// PreferResolution keeps resolution over frame rate at high priority.
var PreferResolution = SenderPriority{
	DegradationPreference: "maintain-resolution",
	Priority:              "high",
}

// StreamResolver provides a local stream for a pull request.
// A nil stream with a nil error means the resolver declines.
type StreamResolver func(ctx context.Context, identity domain.StreamIdentity) (LocalStream, error)

// DataChannel is a transport-level message channel between the two peers.
type DataChannel interface {
	Label() string
	SendText(Frame) error
	OnOpen(func())
	OnMessage(func(Frame))
	OnClose(func())
	Close() error
}

// TransportHandler receives transport events. Calls may arrive from any goroutine.
type TransportHandler interface {
	OnConnectionStateChange(webrtc.PeerConnectionState)
	OnNegotiationNeeded()
	// OnICECandidate receives nil once gathering is complete.
	OnICECandidate(*webrtc.ICECandidateInit)
	OnICECandidateError(code int, text string)
	// OnStreams reports the streams of an incoming track. The same stream may
	// be reported many times across renegotiation.
	OnStreams([]MediaStream)
	OnDataChannel(DataChannel)
}

// Transport is the real-time media transport a session negotiates.
type Transport interface {
	SetHandler(TransportHandler)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	SignalingState() webrtc.SignalingState
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal, stream LocalStream) (Sender, error)
	RemoveTrack(Sender) error
	SetSenderPriority(Sender, SenderPriority) error

	CreateDataChannel(label string) (DataChannel, error)
	// Close should stop all underlying media resources. Safe to call twice.
	Close() error
}

// TransportFactory builds a fresh transport for a session.
type TransportFactory func(sid domain.SessionID) (Transport, error)
