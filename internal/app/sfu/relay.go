package sfu

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the source side of a relay, usually a webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay forwards one source track to every subscriber.
type Relay struct {
	Src    RTPReader
	SrcSID domain.SessionID

	mu        sync.RWMutex
	outTracks []*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src RTPReader, srcSID domain.SessionID, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:    src,
		SrcSID: srcSID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			r.cleanupDeleted()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			r.cleanupDeleted()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := slices.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := false
	for _, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = true
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst_sid", ot.Dst.Short()).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = true
				continue
			}
			ot.written.Add(1)
		}
	}

	// Cleanup is done outside the RLock.
	if dirty {
		r.cleanupDeleted()
	}
}

func (r *Relay) cleanupDeleted() {
	r.mu.Lock()
	before := len(r.outTracks)
	r.outTracks = slices.DeleteFunc(r.outTracks, func(ot *OutTrack) bool {
		return ot.State() == TrackStateDelete
	})
	removed := before - len(r.outTracks)
	r.mu.Unlock()
	metrics.RelaySubscribers.Sub(float64(removed))
}

func (r *Relay) markAllDelete() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(ot *OutTrack) {
	r.mu.Lock()
	r.outTracks = append(r.outTracks, ot)
	r.mu.Unlock()
	metrics.RelaySubscribers.Inc()
}

// each calls fn for every subscriber of dst.
func (r *Relay) each(dst domain.SessionID, fn func(*OutTrack)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		if ot.Dst == dst {
			fn(ot)
		}
	}
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
