// Package session negotiates one transport over one signaling conduit and
// keeps the directory of streams pushed and pulled across it.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/wdi/internal/adapters/signal"
	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/event"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultGracePeriod = 100 * time.Millisecond

var (
	ErrAlreadyAttached = errors.New("session already has a conduit")
	ErrTransportFailed = errors.New("transport failed")
)

type Option func(*Session)

func WithID(id domain.SessionID) Option {
	return func(s *Session) { s.id = id }
}

// WithResolver answers the remote's acquireStream requests.
func WithResolver(r core.StreamResolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithPolite makes this side yield when both sides offer at once.
func WithPolite(polite bool) Option {
	return func(s *Session) { s.polite = polite }
}

// WithDataChannel opens the control data channel when a conduit is attached.
func WithDataChannel() Option {
	return func(s *Session) { s.openDataChannel = true }
}

// WithGracePeriod is how long Disconnect waits after announcing closure.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

type Session struct {
	id              domain.SessionID
	transport       core.Transport
	resolver        core.StreamResolver
	polite          bool
	openDataChannel bool
	grace           time.Duration
	logger          zerolog.Logger

	mu         sync.Mutex
	conduit    core.Conduit
	state      webrtc.PeerConnectionState
	added      []*AddedStream
	remote     map[string]*RemoteStream
	order      []*RemoteStream
	identities map[string]domain.StreamIdentity
	dc         core.DataChannel
	dcOpen     chan struct{}
	err        error

	// tracksMu serializes track attach and detach on the transport.
	tracksMu sync.Mutex

	neg negotiator

	closed        atomic.Bool
	disconnecting atomic.Bool
	done          chan struct{}

	streamAdded      event.Emitter[*RemoteStream]
	streamIdentified event.Emitter[*RemoteStream]
	streamRemoved    event.Emitter[*RemoteStream]
	streamsChanged   event.Emitter[[]*RemoteStream]
	stateChanged     event.Emitter[webrtc.PeerConnectionState]
}

func New(transport core.Transport, opts ...Option) *Session {
	s := &Session{
		transport:  transport,
		grace:      DefaultGracePeriod,
		state:      webrtc.PeerConnectionStateNew,
		remote:     make(map[string]*RemoteStream),
		identities: make(map[string]domain.StreamIdentity),
		dcOpen:     make(chan struct{}),
		done:       make(chan struct{}),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = domain.NewSessionID()
	}
	s.logger = s.logger.With().
		Str("module", "session").
		Str("sid", s.id.Short()).
		Logger()
	s.neg.s = s
	transport.SetHandler(transportHandler{s})
	return s
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Polite() bool { return s.polite }

// AttachChannel runs the envelope protocol over ch.
func (s *Session) AttachChannel(ch core.Channel, opts ...signal.Option) error {
	opts = append([]signal.Option{signal.WithSessionID(s.id)}, opts...)
	return s.Attach(signal.New(ch, opts...))
}

// Attach starts signaling over c and flushes streams added while detached.
func (s *Session) Attach(c core.Conduit) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = c.Close()
		return domain.ErrSessionClosed
	}
	if s.conduit != nil {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.conduit = c
	queued := append([]*AddedStream(nil), s.added...)
	s.mu.Unlock()

	c.Start(dispatcher{s})
	s.logger.Info().Int("queued", len(queued)).Msg("conduit attached")

	if s.openDataChannel {
		dc, err := s.transport.CreateDataChannel(ControlLabel)
		if err != nil {
			s.logger.Error().Err(err).Msg("create control channel")
		} else {
			s.setDataChannel(dc)
		}
	}
	s.neg.resume()

	if len(queued) > 0 {
		go s.flush(c, queued)
	}
	return nil
}

func (s *Session) flush(c core.Conduit, queued []*AddedStream) {
	ctx := ContextWithID(context.Background(), s.id)
	for _, as := range queued {
		if !s.isAdded(as) {
			continue
		}
		s.tracksMu.Lock()
		identity := as.Identity
		s.tracksMu.Unlock()
		if err := s.announce(ctx, c, as, identity); err != nil {
			s.logger.Warn().Err(err).Str("stream", as.Stream.ID()).Msg("flush queued stream")
		}
	}
}

func (s *Session) currentConduit() core.Conduit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conduit
}

func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil for a local close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) setState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.logger.Debug().Str("state", st.String()).Msg("state changed")
	s.stateChanged.Emit(st)
}

// Close shuts the session down without notifying the remote.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// shutdown is the single close routine. It runs once.
func (s *Session) shutdown(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	if s.disconnecting.Load() {
		// the remote reacting to our own disconnect is not a failure
		cause = nil
	}

	s.mu.Lock()
	s.err = cause
	remotes := s.order
	s.remote = make(map[string]*RemoteStream)
	s.order = nil
	c := s.conduit
	dc := s.dc
	st := s.state
	s.mu.Unlock()

	for _, rs := range remotes {
		rs.end()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}
	if c != nil {
		_ = c.Close()
	}
	if st != webrtc.PeerConnectionStateDisconnected && st != webrtc.PeerConnectionStateFailed {
		s.setState(webrtc.PeerConnectionStateClosed)
	}
	close(s.done)

	if len(remotes) > 0 {
		s.streamsChanged.Emit(nil)
	}
	if cause != nil {
		s.logger.Info().Err(cause).Msg("session ended")
	} else {
		s.logger.Info().Msg("session closed")
	}
}

func (s *Session) OnStreamAdded(fn func(*RemoteStream)) func() {
	return s.streamAdded.Subscribe(fn)
}

// OnStreamIdentified fires when an identity arrives for a stream that was
// already received anonymously.
func (s *Session) OnStreamIdentified(fn func(*RemoteStream)) func() {
	return s.streamIdentified.Subscribe(fn)
}

func (s *Session) OnStreamRemoved(fn func(*RemoteStream)) func() {
	return s.streamRemoved.Subscribe(fn)
}

// OnStreamsChanged receives a snapshot of the remote streams after every change.
func (s *Session) OnStreamsChanged(fn func([]*RemoteStream)) func() {
	return s.streamsChanged.Subscribe(fn)
}

func (s *Session) OnStateChange(fn func(webrtc.PeerConnectionState)) func() {
	return s.stateChanged.Subscribe(fn)
}

type sessionIDKey struct{}

// ContextWithID tags ctx with the session serving a request.
func ContextWithID(ctx context.Context, id domain.SessionID) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// IDFromContext returns the session a resolver is answering for.
func IDFromContext(ctx context.Context) (domain.SessionID, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(domain.SessionID)
	return id, ok
}
