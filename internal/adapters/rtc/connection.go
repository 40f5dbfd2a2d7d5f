// Package rtc implements the session transport on pion.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStreamMismatch = errors.New("track stream id does not match stream")
	ErrUnknownSender  = errors.New("sender does not belong to this connection")
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Option func(*factoryConfig)

type factoryConfig struct {
	cfg     webrtc.Configuration
	net     transport.Net
	loggers *LoggerFactory
}

// WithICEServers replaces the default STUN server.
func WithICEServers(urls ...string) Option {
	return func(c *factoryConfig) {
		c.cfg.ICEServers = nil
		if len(urls) > 0 {
			c.cfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
		}
	}
}

// WithNet runs ICE over n, typically a vnet in tests.
func WithNet(n transport.Net) Option {
	return func(c *factoryConfig) { c.net = n }
}

// NewAPI builds a pion API with the default codecs and interceptors.
func NewAPI(opts ...Option) (*webrtc.API, webrtc.Configuration, error) {
	fc := factoryConfig{cfg: DefaultWebRTCConfig(), loggers: NewLoggerFactory()}
	for _, opt := range opts {
		opt(&fc)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fc.cfg, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fc.cfg, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: fc.loggers}
	if fc.net != nil {
		se.SetNet(fc.net)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return api, fc.cfg, nil
}

// NewFactory returns a core.TransportFactory building a Connection per session.
func NewFactory(opts ...Option) (core.TransportFactory, error) {
	api, cfg, err := NewAPI(opts...)
	if err != nil {
		return nil, err
	}
	return func(sid domain.SessionID) (core.Transport, error) {
		return NewConnection(api, cfg, sid)
	}, nil
}

// Connection is a core.Transport over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	logger zerolog.Logger

	mu         sync.Mutex
	handler    core.TransportHandler
	incoming   map[string]*media.Incoming
	priorities map[*webrtc.RTPSender]core.SenderPriority
	closeOnce  sync.Once
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:         pc,
		sid:        sid,
		logger:     log.With().Str("module", "webrtc").Str("sid", sid.Short()).Logger(),
		incoming:   make(map[string]*media.Incoming),
		priorities: make(map[*webrtc.RTPSender]core.SenderPriority),
	}
	c.bind()
	return c, nil
}

func (c *Connection) SetHandler(h core.TransportHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Connection) emit(fn func(core.TransportHandler)) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.emit(func(h core.TransportHandler) { h.OnConnectionStateChange(s) })
	})

	c.pc.OnNegotiationNeeded(func() {
		c.emit(func(h core.TransportHandler) { h.OnNegotiationNeeded() })
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.emit(func(h core.TransportHandler) { h.OnICECandidate(nil) })
			return
		}
		ci := cand.ToJSON()
		c.emit(func(h core.TransportHandler) { h.OnICECandidate(&ci) })
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		in := c.incomingFor(track.StreamID())
		in.AddTrack(track)
		c.emit(func(h core.TransportHandler) { h.OnStreams([]core.MediaStream{in}) })
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.emit(func(h core.TransportHandler) { h.OnDataChannel(dataChannel{dc}) })
	})
}

func (c *Connection) incomingFor(streamID string) *media.Incoming {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.incoming[streamID]
	if !ok {
		in = media.NewIncoming(streamID)
		in.SetFeedback(c.pc.WriteRTCP)
		c.incoming[streamID] = in
	}
	return in
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
		SDP:  pending.SDP,
	})
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches track; its stream id must be the id of stream so the
// remote sees both under one stream.
func (c *Connection) AddTrack(track webrtc.TrackLocal, stream core.LocalStream) (core.Sender, error) {
	if track.StreamID() != stream.ID() {
		return nil, fmt.Errorf("%w: track %s has %q, stream is %q",
			ErrStreamMismatch, track.ID(), track.StreamID(), stream.ID())
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

// drainRTCP keeps the interceptors fed; it returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) RemoveTrack(s core.Sender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return ErrUnknownSender
	}
	c.mu.Lock()
	delete(c.priorities, sender)
	c.mu.Unlock()
	return c.pc.RemoveTrack(sender)
}

// SetSenderPriority records p for the sender. Pion has no per-encoding
// priority, so it only shows up in logs.
func (c *Connection) SetSenderPriority(s core.Sender, p core.SenderPriority) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return ErrUnknownSender
	}
	c.mu.Lock()
	c.priorities[sender] = p
	c.mu.Unlock()
	c.logger.Debug().
		Str("degradation", p.DegradationPreference).
		Str("priority", p.Priority).
		Msg("sender priority")
	return nil
}

// SenderPriority returns what SetSenderPriority recorded for s.
func (c *Connection) SenderPriority(s core.Sender) (core.SenderPriority, bool) {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return core.SenderPriority{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.priorities[sender]
	return p, ok
}

func (c *Connection) CreateDataChannel(label string) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return dataChannel{dc}, nil
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if err = c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return err
}
