package sfu

import (
	"sync/atomic"

	"github.com/dkeye/wdi/internal/domain"
	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is the sink side of a relayed track, usually a TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one subscriber's copy of a source track.
type OutTrack struct {
	Dst   domain.SessionID
	Track RTPWriter

	state   atomic.Int32 // TrackStateOk when zero
	written atomic.Uint64
}

func NewOutTrack(dst domain.SessionID, track RTPWriter) *OutTrack {
	return &OutTrack{Dst: dst, Track: track}
}

func (ot *OutTrack) State() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkOk() { ot.state.Store(int32(TrackStateOk)) }

func (ot *OutTrack) MarkMuted() { ot.state.Store(int32(TrackStateMuted)) }

func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }

// Written is the number of packets forwarded to the subscriber.
func (ot *OutTrack) Written() uint64 { return ot.written.Load() }
