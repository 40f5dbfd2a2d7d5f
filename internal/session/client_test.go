package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/testutil/chanpipe"
	"github.com/dkeye/wdi/internal/testutil/fakertc"
	"github.com/dkeye/wdi/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer hands out pipes whose far end is served by a polite session.
type fakeServer struct {
	mu       sync.Mutex
	sessions []*Session
	fail     atomic.Int32
	dials    atomic.Int32
}

func (f *fakeServer) dial(_ context.Context, _ string) (core.Channel, error) {
	f.dials.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, errors.New("connection refused")
	}
	ea, eb := chanpipe.New()
	srv := New(fakertc.New(), WithPolite(true))
	if err := srv.AttachChannel(eb); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, srv)
	f.mu.Unlock()
	return ea, nil
}

func (f *fakeServer) last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeServer) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		_ = s.Close()
	}
}

func newTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	testlog.Start(t)
	c := NewClient("ws://test/signal", srv.dial,
		func(domain.SessionID) (core.Transport, error) { return fakertc.New(), nil },
		WithBackoff(NewBackoff(time.Millisecond, 2, 10*time.Millisecond)),
	)
	t.Cleanup(func() {
		_ = c.Disconnect(context.Background())
		srv.closeAll()
	})
	return c
}

func TestClientReconnectsAfterDialFailure(t *testing.T) {
	srv := &fakeServer{}
	srv.fail.Store(1)
	c := newTestClient(t, srv)

	err := c.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool { return c.Session() != nil }, wait, tick)
	assert.Equal(t, int32(2), srv.dials.Load())
}

func TestClientReplaysStreamsOnEveryConnection(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.AddStreamURL(ctx, newStream(t, "cam"), "rtsp://cam"))
	require.NoError(t, c.Connect(ctx))

	hasCam := func() bool {
		s := srv.last()
		if s == nil {
			return false
		}
		streams := s.RemoteStreams()
		return len(streams) == 1 && streams[0].Identity().URL() == "rtsp://cam"
	}
	require.Eventually(t, hasCam, wait, tick)
	first := c.Session()

	// losing the server reconnects and pushes the stream again
	srv.last().Close()
	require.Eventually(t, func() bool {
		s := c.Session()
		return s != nil && s != first && srv.count() == 2
	}, wait, tick)
	require.Eventually(t, hasCam, wait, tick)
}

func TestClientDisconnectStopsReconnecting(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	s := c.Session()
	require.NotNil(t, s)

	require.NoError(t, c.Disconnect(ctx))
	waitDone(t, s)
	waitDone(t, srv.last())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.Nil(t, c.Session())
}

func TestClientBackoffResetsAfterStableConnection(t *testing.T) {
	srv := &fakeServer{}
	srv.fail.Store(2)
	c := newTestClient(t, srv)

	_ = c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.Session() != nil }, wait, tick)

	// the connection outlives twice the last delay
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.lastDelay == 0
	}, wait, tick)
	assert.Equal(t, 2*time.Millisecond, c.backoff.Next())
}

func TestClientRemoveAndAcquire(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(t, srv)
	ctx := context.Background()

	stream := newStream(t, "cam")
	require.NoError(t, c.AddStreamURL(ctx, stream, "x"))
	removed, err := c.RemoveStream(ctx, stream)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = c.AcquireStreamURL(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestClientRelaysSessionEvents(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(t, srv)
	ctx := context.Background()

	connected := make(chan *Session, 1)
	c.OnConnected(func(s *Session) { connected <- s })
	added := make(chan *RemoteStream, 1)
	c.OnStreamAdded(func(rs *RemoteStream) { added <- rs })

	require.NoError(t, c.Connect(ctx))
	<-connected

	actx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	require.NoError(t, srv.last().AddStreamURL(actx, newStream(t, "down"), "y"))

	select {
	case rs := <-added:
		assert.Equal(t, "down", rs.ID())
	case <-time.After(wait):
		t.Fatal("stream event not relayed")
	}
}
