package rtc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/session"
	"github.com/dkeye/wdi/internal/testutil/chanpipe"
	"github.com/dkeye/wdi/internal/testutil/testlog"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFactoryShiftsLevels(t *testing.T) {
	var buf bytes.Buffer
	f := &LoggerFactory{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	l := f.NewLogger("ice")

	l.Debug("hidden")
	l.Infof("gathered %d", 3)
	l.Warn("careful")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"debug","scope":"ice","message":"gathered 3"`)
	assert.Contains(t, out, `"level":"warn","scope":"ice","message":"careful"`)
}

func newTestConnection(t *testing.T, opts ...Option) *Connection {
	t.Helper()
	testlog.Start(t)
	api, cfg, err := NewAPI(append([]Option{WithICEServers()}, opts...)...)
	require.NoError(t, err)
	c, err := NewConnection(api, cfg, domain.NewSessionID())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAddTrackRequiresMatchingStream(t *testing.T) {
	c := newTestConnection(t)
	track, err := media.NewRTPTrack(media.VP8, "v", "other")
	require.NoError(t, err)

	_, err = c.AddTrack(track, media.NewStream("s1"))
	assert.ErrorIs(t, err, ErrStreamMismatch)
}

func TestSenderPriorityIsRecorded(t *testing.T) {
	c := newTestConnection(t)
	track, err := media.NewRTPTrack(media.VP8, "v", "s1")
	require.NoError(t, err)

	sender, err := c.AddTrack(track, media.NewStream("s1", track))
	require.NoError(t, err)
	require.NoError(t, c.SetSenderPriority(sender, core.PreferResolution))

	p, ok := c.SenderPriority(sender)
	require.True(t, ok)
	assert.Equal(t, core.PreferResolution, p)

	require.NoError(t, c.RemoveTrack(sender))
	_, ok = c.SenderPriority(sender)
	assert.False(t, ok)
	assert.ErrorIs(t, c.RemoveTrack("nope"), ErrUnknownSender)
}

func TestRollbackDiscardsLocalOffer(t *testing.T) {
	c := newTestConnection(t)
	_, err := c.CreateDataChannel("wdi")
	require.NoError(t, err)

	offer, err := c.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, c.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, c.SignalingState())

	require.NoError(t, c.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, c.SignalingState())
	// nothing pending
	assert.NoError(t, c.Rollback())
}

// virtualNets puts two hosts on one vnet router.
func virtualNets(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	a, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	b, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(a))
	require.NoError(t, router.AddNet(b))
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return a, b
}

func TestSessionsOverPion(t *testing.T) {
	netA, netB := virtualNets(t)
	ca := newTestConnection(t, WithNet(netA))
	cb := newTestConnection(t, WithNet(netB))

	a := session.New(ca, session.WithDataChannel())
	b := session.New(cb, session.WithPolite(true))
	defer a.Close()
	defer b.Close()
	ea, eb := chanpipe.New()
	require.NoError(t, a.AttachChannel(ea))
	require.NoError(t, b.AttachChannel(eb))

	track, err := media.NewRTPTrack(media.VP8, "cam-video", "cam")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, a.AddStreamURL(ctx, media.NewStream("cam", track), "rtsp://cam"))

	// remote tracks surface once media flows
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				_ = track.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 96},
					Payload: []byte{0x10, 0x00, 0x00},
				})
			}
		}
	}()

	require.Eventually(t, func() bool {
		streams := b.RemoteStreams()
		return len(streams) == 1 && streams[0].Identity().URL() == "rtsp://cam"
	}, 15*time.Second, 20*time.Millisecond)
	assert.Equal(t, webrtc.PeerConnectionStateConnected, a.State())

	in, ok := b.RemoteStreams()[0].Stream.(*media.Incoming)
	require.True(t, ok)
	assert.Len(t, in.RemoteTracks(), 1)
}
