package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/event"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dialer opens a signaling channel to url. It returns once the channel is open.
type Dialer func(ctx context.Context, url string) (core.Channel, error)

type ClientOption func(*Client)

func WithBackoff(b *Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// WithSessionOptions applies opts to every session the client creates.
func WithSessionOptions(opts ...Option) ClientOption {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

type clientStream struct {
	stream   core.LocalStream
	identity domain.StreamIdentity
}

// Client keeps a session to one server alive. Every connection gets a fresh
// session and transport; streams added on the client are replayed onto it.
type Client struct {
	url          string
	dial         Dialer
	newTransport core.TransportFactory
	sessionOpts  []Option
	backoff      *Backoff
	logger       zerolog.Logger

	mu         sync.Mutex
	intent     bool
	connecting bool
	session    *Session
	streams    []clientStream
	retry      *time.Timer
	stable     *time.Timer
	lastDelay  time.Duration
	unwire     []func()

	connected      event.Emitter[*Session]
	streamAdded    event.Emitter[*RemoteStream]
	streamsChanged event.Emitter[[]*RemoteStream]
	stateChanged   event.Emitter[webrtc.PeerConnectionState]
}

func NewClient(url string, dial Dialer, newTransport core.TransportFactory, opts ...ClientOption) *Client {
	c := &Client{
		url:          url,
		dial:         dial,
		newTransport: newTransport,
		backoff:      DefaultBackoff(),
		logger:       log.With().Str("module", "client").Str("url", url).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and starts a session on the new channel. A failed
// dial schedules a reconnect; the error is still returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intent = true
	c.stopTimersLocked()
	if c.session != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	s, err := c.open(ctx)

	c.mu.Lock()
	c.connecting = false
	if err == nil && !c.intent {
		c.mu.Unlock()
		_ = s.Disconnect(ctx, false)
		return domain.ErrNotConnected
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("connect failed")
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Client) open(ctx context.Context) (*Session, error) {
	ch, err := c.dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	sid := domain.NewSessionID()
	transport, err := c.newTransport(sid)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("new transport: %w", err)
	}
	s := New(transport, append([]Option{WithID(sid)}, c.sessionOpts...)...)

	c.mu.Lock()
	streams := slices.Clone(c.streams)
	c.session = s
	c.wireLocked(s)
	c.armStableLocked(s)
	c.mu.Unlock()

	for _, cs := range streams {
		// no conduit yet, so these only queue
		_ = s.AddStream(ctx, cs.stream, cs.identity)
	}
	if err := s.AttachChannel(ch); err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		_ = s.Close()
		return nil, err
	}
	go c.watch(s)

	c.logger.Info().Str("sid", sid.Short()).Int("streams", len(streams)).Msg("connected")
	c.connected.Emit(s)
	return s, nil
}

// watch reconnects when s ends with an error while the client wants a connection.
func (c *Client) watch(s *Session) {
	<-s.Done()
	cause := s.Err()

	c.mu.Lock()
	if c.session == s {
		c.session = nil
		for _, fn := range c.unwire {
			fn()
		}
		c.unwire = nil
		if c.stable != nil {
			c.stable.Stop()
			c.stable = nil
		}
	}
	intent := c.intent
	c.mu.Unlock()

	if intent && cause != nil {
		c.logger.Info().Err(cause).Msg("connection lost")
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.intent || c.retry != nil || c.session != nil {
		return
	}
	delay := c.backoff.Next()
	c.lastDelay = delay
	metrics.Reconnects.Inc()
	c.logger.Info().Dur("delay", delay).Msg("reconnect scheduled")

	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
}

// armStableLocked resets the backoff once s has survived twice the last delay.
func (c *Client) armStableLocked(s *Session) {
	if c.lastDelay == 0 {
		return
	}
	c.stable = time.AfterFunc(2*c.lastDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session != s {
			return
		}
		c.backoff.Reset()
		c.lastDelay = 0
		c.stable = nil
		c.logger.Debug().Msg("backoff reset")
	})
}

func (c *Client) stopTimersLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) wireLocked(s *Session) {
	c.unwire = append(c.unwire,
		s.OnStreamAdded(c.streamAdded.Emit),
		s.OnStreamsChanged(c.streamsChanged.Emit),
		s.OnStateChange(c.stateChanged.Emit),
	)
}

// Disconnect drops the intent to stay connected and closes the current
// session, telling the server first.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.intent = false
	c.stopTimersLocked()
	if c.stable != nil {
		c.stable.Stop()
		c.stable = nil
	}
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Disconnect(ctx, true)
}

// Session returns the live session, if any.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// AddStream records stream for every future connection and offers it on the
// current one.
func (c *Client) AddStream(ctx context.Context, stream core.LocalStream, identity domain.StreamIdentity) error {
	c.mu.Lock()
	i := slices.IndexFunc(c.streams, func(cs clientStream) bool { return cs.stream.ID() == stream.ID() })
	if i >= 0 {
		c.streams[i].identity = identity
	} else {
		c.streams = append(c.streams, clientStream{stream: stream, identity: identity})
	}
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.AddStream(ctx, stream, identity)
}

func (c *Client) AddStreamURL(ctx context.Context, stream core.LocalStream, url string) error {
	return c.AddStream(ctx, stream, domain.IdentityFromURL(url))
}

func (c *Client) RemoveStream(ctx context.Context, stream core.LocalStream) (bool, error) {
	c.mu.Lock()
	before := len(c.streams)
	c.streams = slices.DeleteFunc(c.streams, func(cs clientStream) bool { return cs.stream.ID() == stream.ID() })
	known := len(c.streams) != before
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return known, nil
	}
	removed, err := s.RemoveStream(ctx, stream)
	return known || removed, err
}

func (c *Client) AcquireStream(ctx context.Context, identity domain.StreamIdentity) (*RemoteStream, error) {
	s := c.Session()
	if s == nil {
		return nil, domain.ErrNotConnected
	}
	return s.AcquireStream(ctx, identity)
}

func (c *Client) AcquireStreamURL(ctx context.Context, url string) (*RemoteStream, error) {
	return c.AcquireStream(ctx, domain.IdentityFromURL(url))
}

// OnConnected fires with every new session.
func (c *Client) OnConnected(fn func(*Session)) func() { return c.connected.Subscribe(fn) }

func (c *Client) OnStreamAdded(fn func(*RemoteStream)) func() { return c.streamAdded.Subscribe(fn) }

func (c *Client) OnStreamsChanged(fn func([]*RemoteStream)) func() {
	return c.streamsChanged.Subscribe(fn)
}

func (c *Client) OnStateChange(fn func(webrtc.PeerConnectionState)) func() {
	return c.stateChanged.Subscribe(fn)
}
