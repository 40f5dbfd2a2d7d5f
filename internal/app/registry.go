package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/wdi/internal/adapters/signal"
	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/event"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/dkeye/wdi/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrRegistryClosed = errors.New("registry closed")

type RegistryOption func(*Registry)

// WithSessionOptions applies opts to every accepted session.
func WithSessionOptions(opts ...session.Option) RegistryOption {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithLinkOptions applies opts to every accepted signaling channel.
func WithLinkOptions(opts ...signal.Option) RegistryOption {
	return func(r *Registry) { r.linkOpts = append(r.linkOpts, opts...) }
}

type sessionEntry struct {
	Session  *session.Session
	Accepted time.Time
	unsub    []func()
}

// Registry is the server side: it accepts sessions, answers their pulls
// through a chain of resolvers and aggregates the streams they push.
type Registry struct {
	newTransport core.TransportFactory
	sessionOpts  []session.Option
	linkOpts     []signal.Option

	mu        sync.RWMutex
	sessions  map[domain.SessionID]*sessionEntry
	resolvers []core.StreamResolver
	streams   []*session.RemoteStream
	closed    bool

	sessionAdded   event.Emitter[*session.Session]
	sessionClosed  event.Emitter[*session.Session]
	streamAdded    event.Emitter[*session.RemoteStream]
	streamsChanged event.Emitter[[]*session.RemoteStream]
}

func NewRegistry(newTransport core.TransportFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		newTransport: newTransport,
		sessions:     make(map[domain.SessionID]*sessionEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Accept starts a polite session on ch with diagnostics enabled.
func (r *Registry) Accept(ch core.Channel) (*session.Session, error) {
	sid := domain.NewSessionID()
	transport, err := r.newTransport(sid)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("new transport: %w", err)
	}

	opts := append([]session.Option{
		session.WithID(sid),
		session.WithPolite(true),
		session.WithResolver(r.Resolve),
	}, r.sessionOpts...)
	s := session.New(transport, opts...)
	if err := r.Add(s); err != nil {
		_ = s.Close()
		_ = ch.Close()
		return nil, err
	}

	linkOpts := append([]signal.Option{signal.WithDiagnostics()}, r.linkOpts...)
	if err := s.AttachChannel(ch, linkOpts...); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Add indexes a session built elsewhere, such as one on the peer substrate.
func (r *Registry) Add(s *session.Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[s.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s already registered", s.ID())
	}
	entry := &sessionEntry{Session: s, Accepted: time.Now()}
	r.sessions[s.ID()] = entry
	r.mu.Unlock()

	entry.unsub = []func(){
		s.OnStreamAdded(r.addStream),
		s.OnStreamRemoved(func(rs *session.RemoteStream) {
			r.dropStreams(func(x *session.RemoteStream) bool { return x == rs })
		}),
		s.OnStreamIdentified(func(*session.RemoteStream) { r.streamsChanged.Emit(r.RemoteStreams()) }),
	}
	// streams that arrived before the subscription
	for _, rs := range s.RemoteStreams() {
		r.addStream(rs)
	}
	go r.watch(s)

	metrics.SessionsActive.Inc()
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Msg("session added")
	r.sessionAdded.Emit(s)
	return nil
}

func (r *Registry) watch(s *session.Session) {
	<-s.Done()

	r.mu.Lock()
	entry, ok := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range entry.unsub {
		fn()
	}
	r.dropStreams(func(x *session.RemoteStream) bool { return x.SessionID == s.ID() })

	metrics.SessionsActive.Dec()
	log.Info().
		Str("module", "app.registry").
		Str("sid", string(s.ID())).
		Dur("lifetime", time.Since(entry.Accepted)).
		AnErr("cause", s.Err()).
		Msg("session removed")
	r.sessionClosed.Emit(s)
}

func (r *Registry) addStream(rs *session.RemoteStream) {
	r.mu.Lock()
	if slices.Contains(r.streams, rs) {
		r.mu.Unlock()
		return
	}
	r.streams = append(r.streams, rs)
	snapshot := slices.Clone(r.streams)
	r.mu.Unlock()

	metrics.RemoteStreams.Inc()
	r.streamAdded.Emit(rs)
	r.streamsChanged.Emit(snapshot)
}

func (r *Registry) dropStreams(match func(*session.RemoteStream) bool) {
	r.mu.Lock()
	before := len(r.streams)
	r.streams = slices.DeleteFunc(r.streams, match)
	dropped := before - len(r.streams)
	snapshot := slices.Clone(r.streams)
	r.mu.Unlock()

	if dropped == 0 {
		return
	}
	metrics.RemoteStreams.Sub(float64(dropped))
	r.streamsChanged.Emit(snapshot)
}

// AddStreamResolver appends res to the chain consulted for pulls.
func (r *Registry) AddStreamResolver(res core.StreamResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// Resolve asks each resolver in order. The first stream wins and an error
// stops the chain.
func (r *Registry) Resolve(ctx context.Context, identity domain.StreamIdentity) (core.LocalStream, error) {
	r.mu.RLock()
	chain := slices.Clone(r.resolvers)
	r.mu.RUnlock()

	for _, res := range chain {
		stream, err := res(ctx, identity)
		if err != nil {
			return nil, err
		}
		if stream != nil {
			return stream, nil
		}
	}
	return nil, &domain.NoProviderError{Identity: identity}
}

func (r *Registry) Session(id domain.SessionID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.Session, true
}

// Sessions returns the live sessions, oldest first.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *sessionEntry) int { return a.Accepted.Compare(b.Accepted) })
	out := make([]*session.Session, len(entries))
	for i, e := range entries {
		out[i] = e.Session
	}
	return out
}

// RemoteStreams returns every stream pushed by any session.
func (r *Registry) RemoteStreams() []*session.RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.streams)
}

func (r *Registry) OnSessionAdded(fn func(*session.Session)) func() {
	return r.sessionAdded.Subscribe(fn)
}

func (r *Registry) OnSessionClosed(fn func(*session.Session)) func() {
	return r.sessionClosed.Subscribe(fn)
}

func (r *Registry) OnStreamAdded(fn func(*session.RemoteStream)) func() {
	return r.streamAdded.Subscribe(fn)
}

func (r *Registry) OnStreamsChanged(fn func([]*session.RemoteStream)) func() {
	return r.streamsChanged.Subscribe(fn)
}

// Close refuses new sessions and disconnects the live ones concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, s := range r.Sessions() {
		wg.Go(func() {
			if err := s.Disconnect(ctx, true); err != nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(s.ID())).Msg("disconnect")
			}
		})
	}
	wg.Wait()
	return ctx.Err()
}
