package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackStopDoesNotFireEnded(t *testing.T) {
	released := 0
	track := NewTrack(KindVideo, "camera", nil, func() { released++ })
	fired := false
	track.OnEnded(func() { fired = true })

	track.Stop()
	track.Stop()
	track.End()

	assert.True(t, track.Stopped())
	assert.False(t, track.Enabled())
	assert.False(t, fired)
	assert.Equal(t, 1, released)
}

func TestTrackEndFiresHandlersOnce(t *testing.T) {
	track := NewTrack(KindVideo, "screen", nil, nil)
	count := 0
	track.OnEnded(func() { count++ })
	track.OnEnded(func() { count++ })

	track.End()
	track.End()

	assert.Equal(t, 2, count)
	assert.True(t, track.Stopped())
}

func TestStreamOrdersAudioFirst(t *testing.T) {
	v := NewTrack(KindVideo, "camera", nil, nil)
	a := NewTrack(KindAudio, "mic", nil, nil)
	s := NewStream("s1", v, a)

	tracks := s.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, KindAudio, tracks[0].Kind())
	assert.Len(t, s.AudioTracks(), 1)
	assert.Len(t, s.VideoTracks(), 1)

	s.Stop()
	assert.True(t, v.Stopped())
	assert.True(t, a.Stopped())
}

func TestSyntheticCapture(t *testing.T) {
	ctx := context.Background()
	c := NewSyntheticCapture()

	s, err := c.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.Len(t, s.AudioTracks(), 1)
	assert.Len(t, s.VideoTracks(), 1)
	for _, tr := range s.Tracks() {
		require.NotNil(t, tr.Local())
		assert.Equal(t, s.ID, tr.Local().StreamID())
	}

	voice, err := c.GetUserMedia(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	assert.Empty(t, voice.VideoTracks())

	_, err = c.GetUserMedia(ctx, Constraints{})
	assert.ErrorIs(t, err, ErrNoDevices)

	screen, err := c.GetDisplayMedia(ctx)
	require.NoError(t, err)
	assert.Same(t, screen, c.LastDisplay())
	assert.True(t, IsDisplayLabel(screen.VideoTracks()[0].Label()))
	assert.Len(t, c.UserStreams(), 2)

	c.Deny(true, true)
	_, err = c.GetUserMedia(ctx, Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = c.GetDisplayMedia(ctx)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestIsDisplayLabel(t *testing.T) {
	assert.True(t, IsDisplayLabel("Screen 1"))
	assert.True(t, IsDisplayLabel("display-capture"))
	assert.False(t, IsDisplayLabel("FaceTime HD Camera"))
}
