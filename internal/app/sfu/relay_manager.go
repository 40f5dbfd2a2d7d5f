package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/session"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Directory lists the streams sessions have pushed to the server.
type Directory interface {
	RemoteStreams() []*session.RemoteStream
}

// source is what the rtc adapter reports for an incoming stream.
type source interface {
	RemoteTracks() []*webrtc.TrackRemote
	RequestKeyframe(ssrc uint32) error
}

// RelayManager answers pulls by relaying a stream another session pushed
// under the same url.
type RelayManager struct {
	dir Directory

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(dir Directory) *RelayManager {
	return &RelayManager{
		dir:    dir,
		relays: make(map[string]*Relay),
	}
}

func relayKey(sid domain.SessionID, trackID string) string {
	return string(sid) + "/" + trackID
}

// Resolve is a core.StreamResolver. It declines identities without a url and
// urls nobody else pushed.
func (m *RelayManager) Resolve(ctx context.Context, identity domain.StreamIdentity) (core.LocalStream, error) {
	url := identity.URL()
	if url == "" {
		return nil, nil
	}
	dst, _ := session.IDFromContext(ctx)

	src, tracks := m.findSource(url, dst)
	if src == nil {
		return nil, nil
	}

	out := media.NewStream(uuid.NewString())
	for _, t := range tracks {
		local, err := media.NewRTPTrack(t.Codec().RTPCodecCapability, t.ID(), out.ID())
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", url, err)
		}
		m.StartRelay(src.SessionID, t.ID(), t, src.Ended())
		m.AddSubscriber(src.SessionID, t.ID(), NewOutTrack(dst, local))
		out.AddTrack(local)

		if kf, ok := src.Stream.(source); ok {
			if err := kf.RequestKeyframe(uint32(t.SSRC())); err != nil {
				log.Debug().Err(err).Str("module", "relay").Msg("keyframe request")
			}
		}
	}

	log.Info().
		Str("module", "relay").
		Str("url", url).
		Str("src_sid", src.SessionID.Short()).
		Str("dst_sid", dst.Short()).
		Int("tracks", len(tracks)).
		Msg("relaying stream")
	return out, nil
}

// findSource picks the first stream pushed under url by a session other than dst.
func (m *RelayManager) findSource(url string, dst domain.SessionID) (*session.RemoteStream, []*webrtc.TrackRemote) {
	for _, rs := range m.dir.RemoteStreams() {
		if rs.SessionID == dst || rs.Identity().URL() != url {
			continue
		}
		src, ok := rs.Stream.(source)
		if !ok {
			continue
		}
		if tracks := src.RemoteTracks(); len(tracks) > 0 {
			return rs, tracks
		}
	}
	return nil, nil
}

// StartRelay starts forwarding the source track unless it is already relayed.
// The relay stops when the track ends or ended is closed.
func (m *RelayManager) StartRelay(sid domain.SessionID, trackID string, track RTPReader, ended <-chan struct{}) *Relay {
	key := relayKey(sid, trackID)
	m.mu.Lock()
	if r, ok := m.relays[key]; ok {
		m.mu.Unlock()
		return r
	}
	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRelay(track, sid, cancel)
	m.relays[key] = relay
	m.mu.Unlock()

	logger := log.With().
		Str("module", "relay").
		Str("sid", sid.Short()).
		Str("track", trackID).
		Logger()
	logger.Info().Msg("starting relay loop")

	go func() {
		select {
		case <-ended:
			cancel()
		case <-relay.done:
		}
	}()
	go func() {
		relay.loop(ctx, &logger)
		m.mu.Lock()
		if m.relays[key] == relay {
			delete(m.relays, key)
		}
		m.mu.Unlock()
	}()
	return relay
}

// AddSubscriber attaches ot to the relay of the source track.
func (m *RelayManager) AddSubscriber(sid domain.SessionID, trackID string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[relayKey(sid, trackID)]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(ot)
	return true
}

// SetMuted pauses or resumes forwarding to dst on every relay.
func (m *RelayManager) SetMuted(dst domain.SessionID, muted bool) {
	m.forSubscriber(dst, func(ot *OutTrack) {
		if ot.State() == TrackStateDelete {
			return
		}
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	})
}

// DropSession stops the relays fed by sid and removes sid as a subscriber.
func (m *RelayManager) DropSession(sid domain.SessionID) {
	m.mu.Lock()
	var stop []*Relay
	for key, r := range m.relays {
		if r.SrcSID == sid {
			stop = append(stop, r)
			delete(m.relays, key)
		}
	}
	m.mu.Unlock()

	for _, r := range stop {
		r.markAllDelete()
		r.cancel()
	}
	m.forSubscriber(sid, (*OutTrack).MarkDelete)
}

func (m *RelayManager) forSubscriber(dst domain.SessionID, fn func(*OutTrack)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relays {
		r.each(dst, fn)
	}
}

// HasRelay reports whether the track of sid is being relayed.
func (m *RelayManager) HasRelay(sid domain.SessionID, trackID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[relayKey(sid, trackID)]
	return ok
}

// Relays returns the number of running relays.
func (m *RelayManager) Relays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
