// Package media holds the concrete stream types exchanged with the rtc adapter.
package media

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Stream is an outgoing stream: a named group of local tracks.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []webrtc.TrackLocal
}

func NewStream(id string, tracks ...webrtc.TrackLocal) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

func (s *Stream) AddTrack(t webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// NewRTPTrack builds a local track fed with RTP packets, grouped under streamID.
func NewRTPTrack(codec webrtc.RTPCodecCapability, trackID, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("new rtp track %s: %w", trackID, err)
	}
	return t, nil
}

// VP8 and Opus are the codecs the relay forwards by default.
var (
	VP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	Opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)
