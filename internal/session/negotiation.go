package session

import (
	"sync"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// iceErrorNoServer is reported when a STUN/TURN server cannot be reached.
// It is routine on restricted networks and not worth a warning.
const iceErrorNoServer = 701

// negotiator runs every offer/answer step under one lock. When both sides
// offer at once the polite side rolls its offer back and the impolite side
// ignores the remote one.
type negotiator struct {
	s *Session

	mu          sync.Mutex
	needsOffer  bool
	remoteSet   bool
	ignoreOffer bool
	candidates  []webrtc.ICECandidateInit
}

func (n *negotiator) conduit() core.Conduit {
	return n.s.currentConduit()
}

// negotiationNeeded is called by the transport after tracks or channels change.
func (n *negotiator) negotiationNeeded() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.needsOffer = true
	n.offerIfReady()
}

// resume sends an offer that was requested before a conduit existed.
func (n *negotiator) resume() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offerIfReady()
}

func (n *negotiator) offerIfReady() {
	s := n.s
	if !n.needsOffer || s.closed.Load() {
		return
	}
	c := n.conduit()
	if c == nil || s.transport.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	n.needsOffer = false

	offer, err := s.transport.CreateOffer()
	if err != nil {
		s.logger.Error().Err(err).Msg("create offer")
		return
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		s.logger.Error().Err(err).Msg("set local offer")
		return
	}
	if err := c.Negotiate(protocol.Offer(offer)); err != nil {
		s.logger.Warn().Err(err).Msg("send offer")
		return
	}
	s.logger.Debug().Msg("offer sent")
}

// handle processes one inbound negotiation message, in arrival order.
func (n *negotiator) handle(msg protocol.Negotiation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.s.closed.Load() {
		return
	}
	switch msg.Type {
	case protocol.NegotiationOffer:
		n.onOffer(*msg.Offer)
	case protocol.NegotiationAnswer:
		n.onAnswer(*msg.Answer)
	case protocol.NegotiationCandidate:
		n.onCandidate(msg)
	}
}

func (n *negotiator) onOffer(offer webrtc.SessionDescription) {
	s := n.s
	collision := s.transport.SignalingState() != webrtc.SignalingStateStable
	n.ignoreOffer = !s.polite && collision
	if n.ignoreOffer {
		s.logger.Debug().Msg("offer collision, ignoring remote offer")
		return
	}
	if collision {
		s.logger.Debug().Msg("offer collision, rolling back")
		if err := s.transport.Rollback(); err != nil {
			s.logger.Error().Err(err).Msg("rollback")
			return
		}
		// our rolled back changes still need an offer of their own
		n.needsOffer = true
	}

	if err := s.transport.SetRemoteDescription(offer); err != nil {
		s.logger.Error().Err(err).Msg("set remote offer")
		return
	}
	n.remoteDescriptionSet()

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		s.logger.Error().Err(err).Msg("create answer")
		return
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		s.logger.Error().Err(err).Msg("set local answer")
		return
	}
	if c := n.conduit(); c != nil {
		if err := c.Negotiate(protocol.Answer(answer)); err != nil {
			s.logger.Warn().Err(err).Msg("send answer")
			return
		}
	}
	n.offerIfReady()
}

func (n *negotiator) onAnswer(answer webrtc.SessionDescription) {
	s := n.s
	if s.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Warn().Str("state", s.transport.SignalingState().String()).Msg("unexpected answer")
		return
	}
	if err := s.transport.SetRemoteDescription(answer); err != nil {
		s.logger.Error().Err(err).Msg("set remote answer")
		return
	}
	n.remoteDescriptionSet()
	n.offerIfReady()
}

func (n *negotiator) onCandidate(msg protocol.Negotiation) {
	if msg.EndOfCandidates() {
		return
	}
	if !n.remoteSet {
		n.candidates = append(n.candidates, *msg.Candidate)
		return
	}
	n.addCandidate(*msg.Candidate)
}

func (n *negotiator) remoteDescriptionSet() {
	n.remoteSet = true
	queued := n.candidates
	n.candidates = nil
	for _, c := range queued {
		n.addCandidate(c)
	}
}

func (n *negotiator) addCandidate(c webrtc.ICECandidateInit) {
	if err := n.s.transport.AddICECandidate(c); err != nil && !n.ignoreOffer {
		n.s.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

// localCandidate relays a gathered candidate; nil marks the end of gathering.
func (n *negotiator) localCandidate(c *webrtc.ICECandidateInit) {
	conduit := n.conduit()
	if conduit == nil {
		return
	}
	if err := conduit.Negotiate(protocol.Candidate(c)); err != nil {
		n.s.logger.Debug().Err(err).Msg("send candidate")
	}
}

func (n *negotiator) candidateError(code int, text string) {
	if code == iceErrorNoServer {
		return
	}
	n.s.logger.Warn().Int("code", code).Str("error", text).Msg("ice candidate error")
}

// Candidates queued until a remote description is set.
func (n *negotiator) queued() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.candidates)
}
