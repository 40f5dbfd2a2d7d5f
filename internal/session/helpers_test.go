package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/dkeye/wdi/internal/testutil/chanpipe"
	"github.com/dkeye/wdi/internal/testutil/fakertc"
	"github.com/dkeye/wdi/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

func newStream(t *testing.T, id string) *media.Stream {
	t.Helper()
	track, err := media.NewRTPTrack(media.VP8, id+"-video", id)
	require.NoError(t, err)
	return media.NewStream(id, track)
}

type pair struct {
	a, b   *Session
	ta, tb *fakertc.Transport
	ea, eb *chanpipe.End
}

// connect links two sessions through a pipe; b is the polite side.
func connect(t *testing.T, aOpts, bOpts []Option) pair {
	t.Helper()
	testlog.Start(t)
	ta, tb := fakertc.Pair()
	ea, eb := chanpipe.New()
	p := pair{
		a:  New(ta, aOpts...),
		b:  New(tb, append([]Option{WithPolite(true)}, bOpts...)...),
		ta: ta, tb: tb, ea: ea, eb: eb,
	}
	require.NoError(t, p.a.AttachChannel(ea))
	require.NoError(t, p.b.AttachChannel(eb))
	t.Cleanup(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("session did not end")
	}
}

func controlOpen(s *Session) bool {
	s.mu.Lock()
	ch := s.dcOpen
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// recordingConduit captures outbound negotiation and answers requests with nil.
type recordingConduit struct {
	mu       sync.Mutex
	negs     []protocol.Negotiation
	requests []protocol.Request
	done     chan struct{}
	once     sync.Once
}

func newRecordingConduit() *recordingConduit {
	return &recordingConduit{done: make(chan struct{})}
}

func (c *recordingConduit) Start(core.Dispatcher) {}

func (c *recordingConduit) Request(_ context.Context, r protocol.Request) (json.RawMessage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.mu.Unlock()
	return nil, nil
}

func (c *recordingConduit) Negotiate(n protocol.Negotiation) error {
	c.mu.Lock()
	c.negs = append(c.negs, n)
	c.mu.Unlock()
	return nil
}

func (c *recordingConduit) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *recordingConduit) Done() <-chan struct{} { return c.done }

func (c *recordingConduit) count(kind protocol.NegotiationKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, neg := range c.negs {
		if neg.Type == kind {
			n++
		}
	}
	return n
}

func (c *recordingConduit) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
