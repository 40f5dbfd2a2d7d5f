package media

import (
	"errors"
	"slices"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var ErrNoFeedback = errors.New("stream has no rtcp path")

// Incoming groups the remote tracks the transport received under one stream id.
type Incoming struct {
	id string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
	added  chan struct{}
	rtcp   func([]rtcp.Packet) error
}

func NewIncoming(id string) *Incoming {
	return &Incoming{id: id, added: make(chan struct{})}
}

func (in *Incoming) ID() string { return in.id }

// AddTrack records t and reports whether it was new.
func (in *Incoming) AddTrack(t *webrtc.TrackRemote) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if slices.Contains(in.tracks, t) {
		return false
	}
	in.tracks = append(in.tracks, t)
	close(in.added)
	in.added = make(chan struct{})
	return true
}

func (in *Incoming) RemoteTracks() []*webrtc.TrackRemote {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return slices.Clone(in.tracks)
}

// TrackAdded is closed the next time a track joins the stream.
func (in *Incoming) TrackAdded() <-chan struct{} {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.added
}

// SetFeedback sets the path used to send RTCP back to the stream's sender.
func (in *Incoming) SetFeedback(write func([]rtcp.Packet) error) {
	in.mu.Lock()
	in.rtcp = write
	in.mu.Unlock()
}

// RequestKeyframe sends a picture loss indication for the track with ssrc.
func (in *Incoming) RequestKeyframe(ssrc uint32) error {
	in.mu.RLock()
	write := in.rtcp
	in.mu.RUnlock()
	if write == nil {
		return ErrNoFeedback
	}
	return write([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}
