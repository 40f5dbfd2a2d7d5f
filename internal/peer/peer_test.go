package peer

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/dkeye/wdi/internal/session"
	"github.com/dkeye/wdi/internal/testutil/fakertc"
	"github.com/dkeye/wdi/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
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

func startPair(t *testing.T, bOpts ...session.Option) (*Peer, *Peer) {
	t.Helper()
	testlog.Start(t)
	ta, tb := fakertc.Pair()
	a := New(ta)
	b := New(tb, append([]session.Option{session.WithPolite(true)}, bOpts...)...)
	require.NoError(t, a.Start(b))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestPushOverPeers(t *testing.T) {
	a, b := startPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	stream := newStream(t, "s1")
	require.NoError(t, a.Session().AddStream(ctx, stream, domain.StreamIdentity{"name": "cam"}))

	require.Eventually(t, func() bool {
		streams := b.Session().RemoteStreams()
		return len(streams) == 1 && streams[0].Identity()["name"] == "cam"
	}, wait, tick)

	removed, err := a.Session().RemoveStream(ctx, stream)
	require.NoError(t, err)
	assert.True(t, removed)
	require.Eventually(t, func() bool { return len(b.Session().RemoteStreams()) == 0 }, wait, tick)
}

func TestPullOverPeers(t *testing.T) {
	resolver := func(_ context.Context, identity domain.StreamIdentity) (core.LocalStream, error) {
		if identity.URL() != "cam" {
			return nil, nil
		}
		return newStream(t, "served"), nil
	}
	a, _ := startPair(t, session.WithResolver(resolver))
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	rs, err := a.Session().AcquireStreamURL(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, "served", rs.ID())
	assert.NotEmpty(t, rs.Identity().AcquisitionID())

	_, err = a.Session().AcquireStreamURL(ctx, "missing")
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no provider for stream with identity")
}

func TestConnectTwice(t *testing.T) {
	a, b := startPair(t)
	assert.ErrorIs(t, a.Connect(b), ErrAlreadyConnected)
}

func TestCloseReachesRemote(t *testing.T) {
	a, b := startPair(t)

	require.NoError(t, a.Close())
	select {
	case <-b.Session().Done():
	case <-time.After(wait):
		t.Fatal("remote session still open")
	}
	assert.ErrorIs(t, b.Session().Err(), ErrRemoteClosed)
	assert.NoError(t, a.Session().Err())

	_, err := a.Session().AcquireStreamURL(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestRequestBeforeConnect(t *testing.T) {
	testlog.Start(t)
	p := New(fakertc.New())
	defer p.Close()

	_, err := rpc{p}.Request(context.Background(), protocol.AcquireStream{Identity: domain.IdentityFromURL("x")})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestStartDeliversQueuedStreams(t *testing.T) {
	testlog.Start(t)
	ta, tb := fakertc.Pair()
	a := New(ta)
	b := New(tb, session.WithPolite(true))
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Session().AddStreamURL(ctx, newStream(t, "from-a"), "a-cam"))
	require.NoError(t, b.Session().AddStreamURL(ctx, newStream(t, "from-b"), "b-cam"))
	require.NoError(t, a.Start(b))

	require.Eventually(t, func() bool {
		streams := b.Session().RemoteStreams()
		return len(streams) == 1 && streams[0].Identity().URL() == "a-cam"
	}, wait, tick)
	require.Eventually(t, func() bool {
		streams := a.Session().RemoteStreams()
		return len(streams) == 1 && streams[0].Identity().URL() == "b-cam"
	}, wait, tick)
}

func TestRequestWaitsForRemoteAttach(t *testing.T) {
	testlog.Start(t)
	ta, tb := fakertc.Pair()
	a := New(ta)
	b := New(tb, session.WithPolite(true))
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.subscribe(b))
	require.NoError(t, b.subscribe(a))
	require.NoError(t, a.attach(b))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := rpc{a}.Request(ctx, protocol.IdentifyStream{StreamID: "s", Identity: domain.IdentityFromURL("u")})
		errc <- err
	}()

	select {
	case err := <-errc:
		t.Fatalf("request settled before the remote attached: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.attach(a))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("request never settled")
	}
}

func TestQueueOrdersRequestsPerStream(t *testing.T) {
	testlog.Start(t)
	p := New(fakertc.New())
	defer p.Close()

	first, releaseFirst := p.queue("s")
	assert.Nil(t, first)
	second, releaseSecond := p.queue("s")
	require.NotNil(t, second)
	other, releaseOther := p.queue("t")
	assert.Nil(t, other)
	releaseOther()

	select {
	case <-second:
		t.Fatal("second request released before the first finished")
	default:
	}
	releaseFirst()
	<-second
	releaseSecond()

	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	assert.Empty(t, p.tails)
}
