package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevices        = errors.New("no capture devices available")
)

// Constraints selects which kinds GetUserMedia captures
type Constraints struct {
	Video bool
	Audio bool
}

// Capture acquires local media
type Capture interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
}

// SyntheticCapture produces tracks backed by pion sample tracks that carry no
// frames until something writes to them. It stands in for real devices in
// tests and in the headless CLI.
type SyntheticCapture struct {
	mu          sync.Mutex
	denyUser    bool
	denyDisplay bool
	captured    []*Stream
	displays    []*Stream
}

func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{}
}

// Deny makes the next captures fail as if the user refused permission
func (c *SyntheticCapture) Deny(userMedia, display bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denyUser = userMedia
	c.denyDisplay = display
}

func (c *SyntheticCapture) GetUserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	deny := c.denyUser
	c.mu.Unlock()
	if deny {
		return nil, ErrPermissionDenied
	}
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("at least one of audio or video must be requested: %w", ErrNoDevices)
	}

	streamID := uuid.New().String()
	var tracks []Track
	if cons.Audio {
		t, err := NewSampleTrack(KindAudio, "synthetic microphone", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if cons.Video {
		t, err := NewSampleTrack(KindVideo, "synthetic camera", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	s := NewStream(streamID, tracks...)
	c.mu.Lock()
	c.captured = append(c.captured, s)
	c.mu.Unlock()
	return s, nil
}

func (c *SyntheticCapture) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	deny := c.denyDisplay
	c.mu.Unlock()
	if deny {
		return nil, ErrPermissionDenied
	}

	streamID := uuid.New().String()
	t, err := NewSampleTrack(KindVideo, "synthetic screen", streamID)
	if err != nil {
		return nil, err
	}
	s := NewStream(streamID, t)
	c.mu.Lock()
	c.displays = append(c.displays, s)
	c.mu.Unlock()
	return s, nil
}

// UserStreams returns every stream handed out by GetUserMedia
func (c *SyntheticCapture) UserStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.captured...)
}

// LastDisplay returns the most recent display capture, or nil
func (c *SyntheticCapture) LastDisplay() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.displays) == 0 {
		return nil
	}
	return c.displays[len(c.displays)-1]
}

// NewSampleTrack creates a track backed by a TrackLocalStaticSample using
// Opus for audio and VP8 for video
func NewSampleTrack(kind Kind, label, streamID string) (*BaseTrack, error) {
	mime := webrtc.MimeTypeVP8
	if kind == KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		strings.ReplaceAll(label, " ", "-")+"-"+uuid.New().String(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sample track: %w", kind, err)
	}
	return NewTrack(kind, label, local, nil), nil
}
