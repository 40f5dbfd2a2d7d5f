package media

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTracksAreCopied(t *testing.T) {
	track, err := NewRTPTrack(VP8, "video", "cam")
	require.NoError(t, err)

	s := NewStream("cam", track)
	got := s.Tracks()
	got[0] = nil

	assert.Equal(t, "cam", s.ID())
	assert.Equal(t, track, s.Tracks()[0])
	assert.Equal(t, "cam", track.StreamID())
}

func TestStreamGeneratesID(t *testing.T) {
	assert.NotEmpty(t, NewStream("").ID())
}

func TestIncomingTrackAddedSignal(t *testing.T) {
	in := NewIncoming("remote")
	ch := in.TrackAdded()

	// a nil track is enough to exercise the bookkeeping
	assert.True(t, in.AddTrack(nil))
	assert.False(t, in.AddTrack(nil))

	select {
	case <-ch:
	default:
		t.Fatal("TrackAdded not closed")
	}
	assert.Len(t, in.RemoteTracks(), 1)
}

func TestRequestKeyframe(t *testing.T) {
	in := NewIncoming("remote")
	assert.ErrorIs(t, in.RequestKeyframe(1), ErrNoFeedback)

	var sent []rtcp.Packet
	in.SetFeedback(func(pkts []rtcp.Packet) error {
		sent = append(sent, pkts...)
		return nil
	})
	require.NoError(t, in.RequestKeyframe(42))
	require.Len(t, sent, 1)
	pli, ok := sent[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(42), pli.MediaSSRC)
}
