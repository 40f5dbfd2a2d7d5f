package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const TypeWebRTC = "webrtc"

type NegotiationKind string

const (
	NegotiationOffer     NegotiationKind = "offer"
	NegotiationAnswer    NegotiationKind = "answer"
	NegotiationCandidate NegotiationKind = "candidate"
)

// Negotiation is one offer, answer or ICE candidate relayed between transports.
// A candidate message with a nil Candidate marks the end of candidates.
type Negotiation struct {
	Type      NegotiationKind
	Offer     *webrtc.SessionDescription
	Answer    *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

func Offer(sd webrtc.SessionDescription) Negotiation {
	return Negotiation{Type: NegotiationOffer, Offer: &sd}
}

func Answer(sd webrtc.SessionDescription) Negotiation {
	return Negotiation{Type: NegotiationAnswer, Answer: &sd}
}

func Candidate(c *webrtc.ICECandidateInit) Negotiation {
	return Negotiation{Type: NegotiationCandidate, Candidate: c}
}

// EndOfCandidates reports a candidate message with no candidate.
func (n Negotiation) EndOfCandidates() bool {
	return n.Type == NegotiationCandidate && (n.Candidate == nil || n.Candidate.Candidate == "")
}

func (n Negotiation) MarshalJSON() ([]byte, error) {
	switch n.Type {
	case NegotiationOffer:
		return json.Marshal(struct {
			Type  NegotiationKind            `json:"type"`
			Offer *webrtc.SessionDescription `json:"offer"`
		}{n.Type, n.Offer})
	case NegotiationAnswer:
		return json.Marshal(struct {
			Type   NegotiationKind            `json:"type"`
			Answer *webrtc.SessionDescription `json:"answer"`
		}{n.Type, n.Answer})
	case NegotiationCandidate:
		return json.Marshal(struct {
			Type      NegotiationKind          `json:"type"`
			Candidate *webrtc.ICECandidateInit `json:"candidate"`
		}{n.Type, n.Candidate})
	default:
		return nil, fmt.Errorf("unknown negotiation type %q", n.Type)
	}
}

func (n *Negotiation) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      NegotiationKind            `json:"type"`
		Offer     *webrtc.SessionDescription `json:"offer"`
		Answer    *webrtc.SessionDescription `json:"answer"`
		Candidate *webrtc.ICECandidateInit   `json:"candidate"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case NegotiationOffer:
		if wire.Offer == nil {
			return fmt.Errorf("offer without description")
		}
	case NegotiationAnswer:
		if wire.Answer == nil {
			return fmt.Errorf("answer without description")
		}
	case NegotiationCandidate:
	default:
		return fmt.Errorf("unknown negotiation type %q", wire.Type)
	}
	*n = Negotiation{
		Type:      wire.Type,
		Offer:     wire.Offer,
		Answer:    wire.Answer,
		Candidate: wire.Candidate,
	}
	return nil
}

type negotiationEnvelope struct {
	Type       string      `json:"type"`
	RTCMessage Negotiation `json:"rtcMessage"`
}

func EncodeNegotiation(n Negotiation) ([]byte, error) {
	return json.Marshal(negotiationEnvelope{Type: TypeWebRTC, RTCMessage: n})
}

func DecodeNegotiation(raw []byte) (Negotiation, error) {
	var env negotiationEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Negotiation{}, fmt.Errorf("decode webrtc envelope: %w", err)
	}
	return env.RTCMessage, nil
}
