package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/protocol"
)

// AddStream offers stream to the remote under identity. Without a conduit the
// stream is queued until Attach. Otherwise every new track is attached and the
// call waits for the remote to acknowledge the identity.
func (s *Session) AddStream(ctx context.Context, stream core.LocalStream, identity domain.StreamIdentity) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	as := s.findAdded(stream.ID())
	fresh := as == nil
	if fresh {
		as = newAddedStream(stream, identity)
		s.added = append(s.added, as)
	}
	c := s.conduit
	s.mu.Unlock()

	if !fresh {
		s.tracksMu.Lock()
		as.Identity = identity
		s.tracksMu.Unlock()
	}
	if c == nil {
		s.logger.Debug().Str("stream", stream.ID()).Msg("stream queued")
		return nil
	}
	return s.announce(ctx, c, as, identity)
}

// AddStreamURL is AddStream with the {url} shorthand identity.
func (s *Session) AddStreamURL(ctx context.Context, stream core.LocalStream, url string) error {
	return s.AddStream(ctx, stream, domain.IdentityFromURL(url))
}

// announce attaches the stream's tracks and sends identifyStream with the
// identity of this call, so concurrent adds of one stream each get their ack.
func (s *Session) announce(ctx context.Context, c core.Conduit, as *AddedStream, identity domain.StreamIdentity) error {
	s.tracksMu.Lock()
	for _, track := range as.Stream.Tracks() {
		if _, ok := as.senders[track.ID()]; ok {
			continue
		}
		sender, err := s.transport.AddTrack(track, as.Stream)
		if err != nil {
			s.tracksMu.Unlock()
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		if err := s.transport.SetSenderPriority(sender, core.PreferResolution); err != nil {
			s.logger.Debug().Err(err).Str("track", track.ID()).Msg("sender priority")
		}
		as.senders[track.ID()] = sender
	}
	as.announced = true
	s.tracksMu.Unlock()

	_, err := c.Request(ctx, protocol.IdentifyStream{StreamID: as.Stream.ID(), Identity: identity})
	if err != nil {
		return fmt.Errorf("identify stream %s: %w", as.Stream.ID(), err)
	}
	s.logger.Info().Str("stream", as.Stream.ID()).Str("identity", identity.String()).Msg("stream added")
	return nil
}

// RemoveStream detaches stream. It reports false if the stream was never added.
func (s *Session) RemoveStream(ctx context.Context, stream core.LocalStream) (bool, error) {
	s.mu.Lock()
	i := slices.IndexFunc(s.added, func(as *AddedStream) bool { return as.Stream.ID() == stream.ID() })
	if i < 0 {
		s.mu.Unlock()
		return false, nil
	}
	as := s.added[i]
	s.added = slices.Delete(s.added, i, i+1)
	c := s.conduit
	s.mu.Unlock()

	s.tracksMu.Lock()
	for id, sender := range as.senders {
		if err := s.transport.RemoveTrack(sender); err != nil {
			s.logger.Debug().Err(err).Str("track", id).Msg("remove track")
		}
	}
	clear(as.senders)
	announced := as.announced
	s.tracksMu.Unlock()

	if c == nil || !announced {
		return true, nil
	}
	if _, err := c.Request(ctx, protocol.StreamRemoved{StreamID: stream.ID()}); err != nil {
		return true, fmt.Errorf("announce removal of %s: %w", stream.ID(), err)
	}
	s.logger.Info().Str("stream", stream.ID()).Msg("stream removed")
	return true, nil
}

// AcquireStream asks the remote for a stream matching identity and waits for
// it to arrive. ctx bounds the wait.
func (s *Session) AcquireStream(ctx context.Context, identity domain.StreamIdentity) (*RemoteStream, error) {
	acq := domain.NewCorrelationID()
	identity = identity.WithAcquisitionID(acq)

	found := make(chan *RemoteStream, 1)
	match := func(rs *RemoteStream) {
		if rs.Identity().AcquisitionID() != acq {
			return
		}
		select {
		case found <- rs:
		default:
		}
	}
	// subscribe before asking so a fast answer is not missed
	unsubAdded := s.streamAdded.Subscribe(match)
	defer unsubAdded()
	unsubIdentified := s.streamIdentified.Subscribe(match)
	defer unsubIdentified()

	c := s.currentConduit()
	if s.closed.Load() {
		return nil, domain.ErrSessionClosed
	}
	if c == nil {
		return nil, domain.ErrNotConnected
	}

	reqErr := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, protocol.AcquireStream{Identity: identity})
		reqErr <- err
	}()

	for {
		select {
		case rs := <-found:
			return rs, nil
		case err := <-reqErr:
			if err != nil {
				return nil, fmt.Errorf("acquire stream %s: %w", identity, err)
			}
			reqErr = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, domain.ErrSessionClosed
		}
	}
}

// AcquireStreamURL is AcquireStream with the {url} shorthand identity.
func (s *Session) AcquireStreamURL(ctx context.Context, url string) (*RemoteStream, error) {
	return s.AcquireStream(ctx, domain.IdentityFromURL(url))
}

// AddedStreams returns the local streams in insertion order.
func (s *Session) AddedStreams() []*AddedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.added)
}

// RemoteStreams returns the remote streams in arrival order.
func (s *Session) RemoteStreams() []*RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

func (s *Session) findAdded(id string) *AddedStream {
	for _, as := range s.added {
		if as.Stream.ID() == id {
			return as
		}
	}
	return nil
}

func (s *Session) isAdded(as *AddedStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.added, as)
}

// onStreams records streams reported by the transport, once per stream id.
func (s *Session) onStreams(streams []core.MediaStream) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	var fresh []*RemoteStream
	for _, st := range streams {
		if _, ok := s.remote[st.ID()]; ok {
			continue
		}
		rs := newRemoteStream(s.id, st, s.identities[st.ID()])
		s.remote[st.ID()] = rs
		s.order = append(s.order, rs)
		fresh = append(fresh, rs)
	}
	snapshot := slices.Clone(s.order)
	s.mu.Unlock()

	for _, rs := range fresh {
		s.logger.Info().Str("stream", rs.ID()).Str("identity", rs.Identity().String()).Msg("remote stream")
		s.streamAdded.Emit(rs)
	}
	if len(fresh) > 0 {
		s.streamsChanged.Emit(snapshot)
	}
}

func (s *Session) serveAcquire(ctx context.Context, r protocol.AcquireStream) error {
	if s.resolver == nil {
		return &domain.NoProviderError{Identity: r.Identity}
	}
	stream, err := s.resolver(ContextWithID(ctx, s.id), r.Identity)
	if err != nil {
		return err
	}
	if stream == nil {
		return &domain.NoProviderError{Identity: r.Identity}
	}
	return s.AddStream(ctx, stream, r.Identity)
}

func (s *Session) serveIdentify(r protocol.IdentifyStream) {
	s.mu.Lock()
	s.identities[r.StreamID] = r.Identity
	rs := s.remote[r.StreamID]
	var snapshot []*RemoteStream
	if rs != nil {
		rs.setIdentity(r.Identity)
		snapshot = slices.Clone(s.order)
	}
	s.mu.Unlock()

	if rs != nil {
		s.streamIdentified.Emit(rs)
		s.streamsChanged.Emit(snapshot)
	}
}

func (s *Session) serveRemoved(r protocol.StreamRemoved) {
	s.mu.Lock()
	delete(s.identities, r.StreamID)
	rs := s.remote[r.StreamID]
	if rs != nil {
		delete(s.remote, r.StreamID)
		s.order = slices.DeleteFunc(s.order, func(x *RemoteStream) bool { return x == rs })
	}
	snapshot := slices.Clone(s.order)
	s.mu.Unlock()

	if rs == nil {
		return
	}
	rs.end()
	s.logger.Info().Str("stream", rs.ID()).Msg("remote stream removed")
	s.streamRemoved.Emit(rs)
	s.streamsChanged.Emit(snapshot)
}
