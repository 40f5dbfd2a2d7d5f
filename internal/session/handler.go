package session

import (
	"context"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// transportHandler feeds transport events into the session.
type transportHandler struct{ s *Session }

func (h transportHandler) OnConnectionStateChange(st webrtc.PeerConnectionState) {
	s := h.s
	if s.closed.Load() {
		return
	}
	s.setState(st)
	if st == webrtc.PeerConnectionStateFailed {
		s.shutdown(ErrTransportFailed)
	}
}

func (h transportHandler) OnNegotiationNeeded() { h.s.neg.negotiationNeeded() }

func (h transportHandler) OnICECandidate(c *webrtc.ICECandidateInit) { h.s.neg.localCandidate(c) }

func (h transportHandler) OnICECandidateError(code int, text string) {
	h.s.neg.candidateError(code, text)
}

func (h transportHandler) OnStreams(streams []core.MediaStream) { h.s.onStreams(streams) }

func (h transportHandler) OnDataChannel(dc core.DataChannel) {
	if dc.Label() != ControlLabel {
		h.s.logger.Debug().Str("label", dc.Label()).Msg("ignoring data channel")
		return
	}
	h.s.setDataChannel(dc)
}

// dispatcher answers the conduit's inbound traffic.
type dispatcher struct{ s *Session }

func (d dispatcher) HandleRequest(ctx context.Context, r protocol.Request) (any, error) {
	switch r := r.(type) {
	case protocol.AcquireStream:
		return nil, d.s.serveAcquire(ctx, r)
	case protocol.IdentifyStream:
		d.s.serveIdentify(r)
	case protocol.StreamRemoved:
		d.s.serveRemoved(r)
	}
	return nil, nil
}

func (d dispatcher) HandleNegotiation(n protocol.Negotiation) { d.s.neg.handle(n) }

func (d dispatcher) HandleClosed(err error) { d.s.shutdown(err) }
