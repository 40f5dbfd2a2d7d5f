// Package signal runs the envelope protocol over a core.Channel: correlated
// requests, negotiation relay and inbound validation.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many requests")

type Option func(*Link)

// WithDiagnostics makes the link explain a protocol violation to the remote
// before closing the channel. Servers enable it.
func WithDiagnostics() Option {
	return func(l *Link) { l.diagnostics = true }
}

// WithRateLimit bounds inbound requests per session and kind. One limiter
// may be shared by every link.
func WithRateLimit(rl *RateLimiter) Option {
	return func(l *Link) { l.limiter = rl }
}

// WithSessionID tags log lines with the owning session.
func WithSessionID(sid domain.SessionID) Option {
	return func(l *Link) { l.sid = sid }
}

type result struct {
	payload json.RawMessage
	err     error
}

// Link is a core.Conduit over a core.Channel.
type Link struct {
	ch          core.Channel
	sid         domain.SessionID
	diagnostics bool
	limiter     *RateLimiter
	logger      zerolog.Logger

	disp   core.Dispatcher
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan result
	closed  bool

	// last queued request per stream key; see protocol.StreamKey
	orderMu sync.Mutex
	tails   map[string]chan struct{}

	finished atomic.Bool
	done     chan struct{}
}

var _ core.Conduit = (*Link)(nil)

func New(ch core.Channel, opts ...Option) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		ch:      ch,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan result),
		tails:   make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = log.With().
		Str("module", "signal").
		Str("sid", l.sid.Short()).
		Logger()
	return l
}

func (l *Link) Start(d core.Dispatcher) {
	l.disp = d
	l.ch.Listen(l)
}

// Request sends r with a fresh $rq and waits for the matching response.
func (l *Link) Request(ctx context.Context, r protocol.Request) (json.RawMessage, error) {
	rq := domain.NewCorrelationID()
	data, err := protocol.EncodeRequest(rq, r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Kind(), err)
	}

	wait := make(chan result, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	l.pending[rq] = wait
	l.mu.Unlock()

	if err := l.ch.Send(data); err != nil {
		l.forget(rq)
		metrics.Requests.WithLabelValues("out", string(r.Kind()), "send_error").Inc()
		return nil, fmt.Errorf("send %s: %w", r.Kind(), err)
	}

	select {
	case res := <-wait:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		metrics.Requests.WithLabelValues("out", string(r.Kind()), outcome).Inc()
		return res.payload, res.err
	case <-ctx.Done():
		l.forget(rq)
		metrics.Requests.WithLabelValues("out", string(r.Kind()), "canceled").Inc()
		return nil, ctx.Err()
	}
}

func (l *Link) Negotiate(n protocol.Negotiation) error {
	data, err := protocol.EncodeNegotiation(n)
	if err != nil {
		return fmt.Errorf("encode negotiation: %w", err)
	}
	if err := l.ch.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", n.Type, err)
	}
	return nil
}

// Close closes the channel and rejects every pending request.
func (l *Link) Close() error {
	err := l.ch.Close()
	l.finish(nil)
	return err
}

func (l *Link) Done() <-chan struct{} { return l.done }

// Pending reports the number of requests awaiting a response.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) forget(rq string) {
	l.mu.Lock()
	delete(l.pending, rq)
	l.mu.Unlock()
}

// settle delivers res to the request rq. It reports false when rq is unknown
// or was already settled.
func (l *Link) settle(rq string, res result) bool {
	l.mu.Lock()
	wait, ok := l.pending[rq]
	delete(l.pending, rq)
	l.mu.Unlock()
	if !ok {
		return false
	}
	wait <- res
	return true
}

// finish runs once. The dispatcher may call Close from HandleClosed.
func (l *Link) finish(err error) {
	if !l.finished.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	l.closed = true
	pending := l.pending
	l.pending = make(map[string]chan result)
	l.mu.Unlock()

	for _, wait := range pending {
		wait <- result{err: domain.ErrSessionClosed}
	}
	l.cancel()
	close(l.done)
	if l.limiter != nil {
		l.limiter.Forget(l.limiterPrefix())
	}

	if err != nil {
		l.logger.Info().Err(err).Int("rejected", len(pending)).Msg("channel lost")
	} else {
		l.logger.Debug().Int("rejected", len(pending)).Msg("link closed")
	}
	if l.disp != nil {
		l.disp.HandleClosed(err)
	}
}
