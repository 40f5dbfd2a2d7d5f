// Package fakertc is an in-memory core.Transport whose descriptions carry only
// the ids of the streams and data channels each side sends.
package fakertc

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/wdi/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("fakertc: closed")

// Stream is the handle reported for an incoming stream.
type Stream struct{ id string }

func NewStream(id string) Stream { return Stream{id: id} }

func (s Stream) ID() string { return s.id }

// Sender is returned by AddTrack.
type Sender struct {
	Track    webrtc.TrackLocal
	StreamID string
}

type Transport struct {
	mu sync.Mutex
	h  core.TransportHandler

	peer *Transport

	senders    []*Sender
	priorities map[*Sender]core.SenderPriority
	removed    int

	signaling webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	connected bool
	closed    bool

	seen       map[string]bool
	candidates []webrtc.ICECandidateInit
	rollbacks  int
	offers     int
}

var _ core.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		signaling:  webrtc.SignalingStateStable,
		priorities: make(map[*Sender]core.SenderPriority),
		seen:       make(map[string]bool),
	}
}

// Pair returns two transports whose data channels reach each other.
func Pair() (*Transport, *Transport) {
	a, b := New(), New()
	a.peer, b.peer = b, a
	return a, b
}

func (t *Transport) SetHandler(h core.TransportHandler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

// async mimics pion invoking callbacks from its own goroutines.
func (t *Transport) async(fn func(core.TransportHandler)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.asyncLocked(fn)
}

func (t *Transport) asyncLocked(fn func(core.TransportHandler)) {
	if t.h == nil {
		return
	}
	go fn(t.h)
}

func (t *Transport) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	var ids []string
	for _, s := range t.senders {
		if !slices.Contains(ids, s.StreamID) {
			ids = append(ids, s.StreamID)
		}
	}
	return webrtc.SessionDescription{Type: typ, SDP: "streams=" + strings.Join(ids, ",")}
}

func streamsOf(sd webrtc.SessionDescription) []string {
	list := strings.TrimPrefix(sd.SDP, "streams=")
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	t.offers++
	return t.describe(webrtc.SDPTypeOffer), nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if t.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("fakertc: answer in state %s", t.signaling)
	}
	return t.describe(webrtc.SDPTypeAnswer), nil
}

func (t *Transport) SetLocalDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if t.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("fakertc: local offer in state %s", t.signaling)
		}
		t.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if t.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("fakertc: local answer in state %s", t.signaling)
		}
		t.signaling = webrtc.SignalingStateStable
		t.markConnected()
	default:
		return fmt.Errorf("fakertc: unsupported local %s", sd.Type)
	}
	t.local = &sd

	t.asyncLocked(func(h core.TransportHandler) {
		h.OnICECandidate(&webrtc.ICECandidateInit{Candidate: "candidate:fake 1 udp 1 127.0.0.1 9 typ host"})
		h.OnICECandidate(nil)
	})
	return nil
}

func (t *Transport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if t.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("fakertc: remote offer in state %s", t.signaling)
		}
		t.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if t.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("fakertc: remote answer in state %s", t.signaling)
		}
		t.signaling = webrtc.SignalingStateStable
		t.markConnected()
	default:
		return fmt.Errorf("fakertc: unsupported remote %s", sd.Type)
	}
	t.remote = &sd

	var fresh []core.MediaStream
	for _, id := range streamsOf(sd) {
		if !t.seen[id] {
			t.seen[id] = true
			fresh = append(fresh, Stream{id: id})
		}
	}
	if len(fresh) > 0 {
		t.asyncLocked(func(h core.TransportHandler) { h.OnStreams(fresh) })
	}
	return nil
}

func (t *Transport) markConnected() {
	if t.connected {
		return
	}
	t.connected = true
	t.asyncLocked(func(h core.TransportHandler) {
		h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	})
}

func (t *Transport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("fakertc: rollback in state %s", t.signaling)
	}
	t.signaling = webrtc.SignalingStateStable
	t.local = nil
	t.rollbacks++
	return nil
}

func (t *Transport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("fakertc: candidate before remote description")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) AddTrack(track webrtc.TrackLocal, stream core.LocalStream) (core.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &Sender{Track: track, StreamID: stream.ID()}
	t.senders = append(t.senders, s)
	t.asyncLocked(func(h core.TransportHandler) { h.OnNegotiationNeeded() })
	return s, nil
}

func (t *Transport) RemoveTrack(sender core.Sender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := sender.(*Sender)
	if !ok {
		return errors.New("fakertc: foreign sender")
	}
	i := slices.Index(t.senders, s)
	if i < 0 {
		return errors.New("fakertc: unknown sender")
	}
	t.senders = slices.Delete(t.senders, i, i+1)
	t.removed++
	t.asyncLocked(func(h core.TransportHandler) { h.OnNegotiationNeeded() })
	return nil
}

func (t *Transport) SetSenderPriority(sender core.Sender, p core.SenderPriority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := sender.(*Sender)
	if !ok {
		return errors.New("fakertc: foreign sender")
	}
	t.priorities[s] = p
	return nil
}

func (t *Transport) CreateDataChannel(label string) (core.DataChannel, error) {
	t.mu.Lock()
	peer := t.peer
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	local, remote := newDataChannelPair(label)
	if peer != nil {
		peer.async(func(h core.TransportHandler) {
			h.OnDataChannel(remote)
			local.open()
			remote.open()
		})
	}
	return local, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.signaling = webrtc.SignalingStateClosed
	t.mu.Unlock()
	t.async(func(h core.TransportHandler) {
		h.OnConnectionStateChange(webrtc.PeerConnectionStateClosed)
	})
	return nil
}

// Fail reports a failed connection, as ICE would after losing the peer.
func (t *Transport) Fail() {
	t.async(func(h core.TransportHandler) {
		h.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
	})
}

// CandidateError reports an ICE gathering error.
func (t *Transport) CandidateError(code int, text string) {
	t.async(func(h core.TransportHandler) { h.OnICECandidateError(code, text) })
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SenderCount is the number of attached tracks.
func (t *Transport) SenderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.senders)
}

// Removed is the number of RemoveTrack calls that succeeded.
func (t *Transport) Removed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

func (t *Transport) Priorities() []core.SenderPriority {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.SenderPriority, 0, len(t.priorities))
	for _, p := range t.priorities {
		out = append(out, p)
	}
	return out
}

func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.candidates)
}

func (t *Transport) Rollbacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *Transport) Offers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}
