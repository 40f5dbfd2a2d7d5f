package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/session"
	"github.com/dkeye/wdi/internal/testutil/chanpipe"
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

// pairedTransports hands the server half of a fakertc pair to the registry
// and keeps the client half for the test.
type pairedTransports struct {
	clients chan *fakertc.Transport
}

func newPairedTransports() *pairedTransports {
	return &pairedTransports{clients: make(chan *fakertc.Transport, 8)}
}

func (p *pairedTransports) factory(domain.SessionID) (core.Transport, error) {
	client, server := fakertc.Pair()
	p.clients <- client
	return server, nil
}

// dial accepts a new session on reg and returns the matching client session.
func dial(t *testing.T, reg *Registry, pt *pairedTransports) (*session.Session, *session.Session) {
	t.Helper()
	clientEnd, serverEnd := chanpipe.New()
	srv, err := reg.Accept(serverEnd)
	require.NoError(t, err)

	client := session.New(<-pt.clients)
	require.NoError(t, client.AttachChannel(clientEnd))
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func serving(id string) core.StreamResolver {
	return func(context.Context, domain.StreamIdentity) (core.LocalStream, error) {
		return media.NewStream(id), nil
	}
}

func declining(calls *atomic.Int32) core.StreamResolver {
	return func(context.Context, domain.StreamIdentity) (core.LocalStream, error) {
		calls.Add(1)
		return nil, nil
	}
}

func TestResolverChainFirstStreamWins(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(newPairedTransports().factory)

	var before, after atomic.Int32
	reg.AddStreamResolver(declining(&before))
	reg.AddStreamResolver(serving("first"))
	reg.AddStreamResolver(declining(&after))

	st, err := reg.Resolve(context.Background(), domain.IdentityFromURL("cam"))
	require.NoError(t, err)
	assert.Equal(t, "first", st.ID())
	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(0), after.Load())
}

func TestResolverChainErrorStops(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(newPairedTransports().factory)
	boom := errors.New("boom")

	var after atomic.Int32
	reg.AddStreamResolver(func(context.Context, domain.StreamIdentity) (core.LocalStream, error) {
		return nil, boom
	})
	reg.AddStreamResolver(declining(&after))

	_, err := reg.Resolve(context.Background(), domain.IdentityFromURL("cam"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), after.Load())
}

func TestResolverChainAllDecline(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(newPairedTransports().factory)
	var calls atomic.Int32
	reg.AddStreamResolver(declining(&calls))

	_, err := reg.Resolve(context.Background(), domain.IdentityFromURL("cam"))
	assert.ErrorIs(t, err, domain.ErrNoProvider)
	var np *domain.NoProviderError
	require.ErrorAs(t, err, &np)
	assert.Equal(t, "cam", np.Identity.URL())
}

func TestRegistryAggregatesPushedStreams(t *testing.T) {
	testlog.Start(t)
	pt := newPairedTransports()
	reg := NewRegistry(pt.factory)

	added := make(chan *session.RemoteStream, 4)
	reg.OnStreamAdded(func(rs *session.RemoteStream) { added <- rs })
	closed := make(chan *session.Session, 1)
	reg.OnSessionClosed(func(s *session.Session) { closed <- s })

	client, srv := dial(t, reg, pt)
	assert.True(t, srv.Polite())
	_, ok := reg.Session(srv.ID())
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, client.AddStreamURL(ctx, newStream(t, "s1"), "rtsp://cam"))

	select {
	case rs := <-added:
		assert.Equal(t, "s1", rs.ID())
		assert.Equal(t, srv.ID(), rs.SessionID)
	case <-time.After(wait):
		t.Fatal("stream not aggregated")
	}
	require.Eventually(t, func() bool {
		streams := reg.RemoteStreams()
		return len(streams) == 1 && streams[0].Identity().URL() == "rtsp://cam"
	}, wait, tick)

	require.NoError(t, client.Close())
	select {
	case s := <-closed:
		assert.Equal(t, srv.ID(), s.ID())
	case <-time.After(wait):
		t.Fatal("session not removed")
	}
	assert.Empty(t, reg.RemoteStreams())
	assert.Empty(t, reg.Sessions())
}

func TestPullAnsweredByRegistryResolver(t *testing.T) {
	testlog.Start(t)
	pt := newPairedTransports()
	reg := NewRegistry(pt.factory)
	asked := make(chan domain.StreamIdentity, 2)
	reg.AddStreamResolver(func(ctx context.Context, identity domain.StreamIdentity) (core.LocalStream, error) {
		asked <- identity
		if identity.URL() != "cam" {
			return nil, nil
		}
		return newStream(t, "served"), nil
	})
	client, _ := dial(t, reg, pt)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	rs, err := client.AcquireStreamURL(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, "served", rs.ID())
	stamped := <-asked
	require.NotEmpty(t, stamped.AcquisitionID())
	assert.Equal(t, stamped.AcquisitionID(), rs.Identity().AcquisitionID())

	_, err = client.AcquireStreamURL(ctx, "other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider for stream with identity")
	assert.NotEqual(t, stamped.AcquisitionID(), (<-asked).AcquisitionID())
}

func TestSessionsOldestFirst(t *testing.T) {
	testlog.Start(t)
	pt := newPairedTransports()
	reg := NewRegistry(pt.factory)

	_, first := dial(t, reg, pt)
	time.Sleep(2 * time.Millisecond)
	_, second := dial(t, reg, pt)

	sessions := reg.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID(), sessions[0].ID())
	assert.Equal(t, second.ID(), sessions[1].ID())
}

func TestCloseDisconnectsSessions(t *testing.T) {
	testlog.Start(t)
	pt := newPairedTransports()
	reg := NewRegistry(pt.factory, WithSessionOptions(session.WithGracePeriod(time.Millisecond)))
	client, srv := dial(t, reg, pt)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, reg.Close(ctx))

	<-srv.Done()
	select {
	case <-client.Done():
	case <-time.After(wait):
		t.Fatal("client session still open")
	}
	assert.NoError(t, srv.Err())

	_, serverEnd := chanpipe.New()
	_, err := reg.Accept(serverEnd)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.True(t, serverEnd.Closed())
}

func TestOrchestratorDeclinesUnknownURL(t *testing.T) {
	testlog.Start(t)
	pt := newPairedTransports()
	o := NewOrchestrator(pt.factory)
	client, _ := dial(t, o.Registry, pt)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := client.AcquireStreamURL(ctx, "rtsp://nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider for stream with identity")

	require.NoError(t, o.Close(ctx))
	assert.Zero(t, o.Relays.Relays())
}
