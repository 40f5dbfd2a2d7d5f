// Package peer runs a session over an in-process RPC substrate instead of an
// envelope channel: requests are direct method calls on the remote peer and
// negotiation travels as events on the peer's bus.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/dkeye/wdi/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Topics published on every peer's bus.
const (
	TopicOffers        = "offers"
	TopicAnswers       = "answers"
	TopicICECandidates = "iceCandidates"
	TopicStreamRemoved = "streamRemoved"
	TopicClosed        = "closed"
)

var (
	ErrAlreadyConnected = errors.New("peer already connected")
	ErrRemoteClosed     = errors.New("remote peer closed")
)

const inboxSize = 256

type Peer struct {
	id      string
	bus     evbus.Bus
	session *session.Session
	logger  zerolog.Logger

	mu     sync.Mutex
	remote *Peer
	disp   core.Dispatcher
	unsub  []func()

	// closed once the session has attached and disp is set
	ready     chan struct{}
	readyOnce sync.Once

	// last queued request per stream id
	orderMu sync.Mutex
	tails   map[string]chan struct{}

	inbox    chan protocol.Negotiation
	finished atomic.Bool
	done     chan struct{}
}

// New wraps a session on transport. opts configure the session.
func New(transport core.Transport, opts ...session.Option) *Peer {
	p := &Peer{
		id:    uuid.NewString(),
		bus:   evbus.New(),
		inbox: make(chan protocol.Negotiation, inboxSize),
		ready: make(chan struct{}),
		tails: make(map[string]chan struct{}),
		done:  make(chan struct{}),
	}
	p.session = session.New(transport, opts...)
	p.logger = log.With().
		Str("module", "peer").
		Str("peer", p.id[:8]).
		Str("sid", p.session.ID().Short()).
		Logger()
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Session() *session.Session { return p.session }

// Start connects p and remote to each other. Both sides subscribe before
// either session attaches, so nothing published on attach is lost.
func (p *Peer) Start(remote *Peer) error {
	if err := p.subscribe(remote); err != nil {
		return err
	}
	if err := remote.subscribe(p); err != nil {
		return err
	}
	if err := p.attach(remote); err != nil {
		return err
	}
	return remote.attach(p)
}

// Connect subscribes to remote's events and attaches p to its session.
// A peer connects once.
func (p *Peer) Connect(remote *Peer) error {
	if err := p.subscribe(remote); err != nil {
		return err
	}
	return p.attach(remote)
}

func (p *Peer) attach(remote *Peer) error {
	p.logger.Info().Str("remote", remote.id[:8]).Msg("connected")
	return p.session.Attach(rpc{p})
}

func (p *Peer) subscribe(remote *Peer) error {
	p.mu.Lock()
	if p.remote != nil {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.remote = remote
	p.mu.Unlock()

	enqueue := func(n protocol.Negotiation) {
		select {
		case p.inbox <- n:
		case <-p.done:
		}
	}
	removed := func(streamID string) {
		prev, release := p.queue(streamID)
		go func() {
			defer release()
			if prev != nil {
				<-prev
			}
			_, _ = p.serve(context.Background(), protocol.StreamRemoved{StreamID: streamID})
		}()
	}
	closed := func() {
		go p.finish(ErrRemoteClosed)
	}
	subs := []struct {
		topic string
		fn    any
	}{
		{TopicOffers, enqueue},
		{TopicAnswers, enqueue},
		{TopicICECandidates, enqueue},
		{TopicStreamRemoved, removed},
		{TopicClosed, closed},
	}
	for _, sub := range subs {
		if err := remote.bus.Subscribe(sub.topic, sub.fn); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		topic, fn := sub.topic, sub.fn
		p.mu.Lock()
		p.unsub = append(p.unsub, func() { _ = remote.bus.Unsubscribe(topic, fn) })
		p.mu.Unlock()
	}
	return nil
}

// IdentifyStream is called by the remote to announce one of its streams.
func (p *Peer) IdentifyStream(ctx context.Context, streamID string, identity domain.StreamIdentity) error {
	prev, release := p.queue(streamID)
	defer release()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := p.serve(ctx, protocol.IdentifyStream{StreamID: streamID, Identity: identity})
	return err
}

// queue places a request about streamID behind the previous one. The caller
// waits on prev, if any, and calls release when done.
func (p *Peer) queue(streamID string) (prev <-chan struct{}, release func()) {
	done := make(chan struct{})
	p.orderMu.Lock()
	if tail, ok := p.tails[streamID]; ok {
		prev = tail
	}
	p.tails[streamID] = done
	p.orderMu.Unlock()
	return prev, func() {
		close(done)
		p.orderMu.Lock()
		if p.tails[streamID] == done {
			delete(p.tails, streamID)
		}
		p.orderMu.Unlock()
	}
}

// AcquireStream is called by the remote to pull a stream from this peer.
func (p *Peer) AcquireStream(ctx context.Context, identity domain.StreamIdentity) error {
	_, err := p.serve(ctx, protocol.AcquireStream{Identity: identity})
	return err
}

// serve runs r against the session once it has attached. Only the message
// of a failure crosses to the caller, as on the wire.
func (p *Peer) serve(ctx context.Context, r protocol.Request) (json.RawMessage, error) {
	if p.remotePeer() == nil || p.finished.Load() {
		return nil, domain.ErrNotConnected
	}
	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, domain.ErrNotConnected
	}
	if p.finished.Load() {
		return nil, domain.ErrNotConnected
	}
	p.mu.Lock()
	d := p.disp
	p.mu.Unlock()

	res, err := d.HandleRequest(ctx, r)
	if err != nil {
		p.logger.Debug().Err(err).Str("type", string(r.Kind())).Msg("request failed")
		return nil, &protocol.RemoteError{Message: err.Error()}
	}
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func (p *Peer) remotePeer() *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Close ends the session and tells the remote.
func (p *Peer) Close() error {
	return p.session.Close()
}

func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) finish(err error) {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}
	close(p.done)

	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	d := p.disp
	p.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	p.bus.Publish(TopicClosed)

	if err != nil {
		p.logger.Info().Err(err).Msg("peer lost")
	}
	if d != nil {
		d.HandleClosed(err)
	}
}

// rpc is the session's view of the peer.
type rpc struct{ p *Peer }

var _ core.Conduit = rpc{}

func (c rpc) Start(d core.Dispatcher) {
	c.p.mu.Lock()
	c.p.disp = d
	c.p.mu.Unlock()
	c.p.readyOnce.Do(func() { close(c.p.ready) })
	go c.p.loop(d)
}

func (p *Peer) loop(d core.Dispatcher) {
	for {
		select {
		case n := <-p.inbox:
			d.HandleNegotiation(n)
		case <-p.done:
			return
		}
	}
}

func (c rpc) Request(ctx context.Context, r protocol.Request) (json.RawMessage, error) {
	p := c.p
	remote := p.remotePeer()
	if remote == nil {
		return nil, domain.ErrNotConnected
	}
	if p.finished.Load() {
		return nil, domain.ErrSessionClosed
	}

	// streamRemoved is an event, not a call
	if r, ok := r.(protocol.StreamRemoved); ok {
		p.bus.Publish(TopicStreamRemoved, r.StreamID)
		return nil, nil
	}

	type reply struct {
		payload json.RawMessage
		err     error
	}
	out := make(chan reply, 1)
	go func() {
		var err error
		switch r := r.(type) {
		case protocol.IdentifyStream:
			err = remote.IdentifyStream(ctx, r.StreamID, r.Identity.Clone())
		case protocol.AcquireStream:
			err = remote.AcquireStream(ctx, r.Identity.Clone())
		default:
			err = fmt.Errorf("request type '%s' is not supported: %w", r.Kind(), domain.ErrUnsupportedRequest)
		}
		out <- reply{err: err}
	}()

	select {
	case res := <-out:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, domain.ErrSessionClosed
	}
}

func (c rpc) Negotiate(n protocol.Negotiation) error {
	if c.p.finished.Load() {
		return domain.ErrSessionClosed
	}
	switch n.Type {
	case protocol.NegotiationOffer:
		c.p.bus.Publish(TopicOffers, n)
	case protocol.NegotiationAnswer:
		c.p.bus.Publish(TopicAnswers, n)
	case protocol.NegotiationCandidate:
		c.p.bus.Publish(TopicICECandidates, n)
	default:
		return fmt.Errorf("unknown negotiation %q", n.Type)
	}
	return nil
}

func (c rpc) Close() error {
	c.p.finish(nil)
	return nil
}

func (c rpc) Done() <-chan struct{} { return c.p.done }
