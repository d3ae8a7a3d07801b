//go:build mediadevices

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceCapture captures from real cameras, microphones and displays through
// pion/mediadevices. Build with -tags mediadevices; it needs cgo for the
// VP8 and Opus encoders.
type DeviceCapture struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewDeviceCapture builds a capture that encodes VP8 video and Opus audio.
// Call RegisterCodecs on the MediaEngine used for peer connections.
func NewDeviceCapture(logger *zap.Logger) (*DeviceCapture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init Opus encoder: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	for _, d := range devices {
		logger.Debug("Media device", zap.String("kind", fmt.Sprint(d.Kind)), zap.String("label", d.Label))
	}

	return &DeviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.Named("capture"),
	}, nil
}

// RegisterCodecs adds the encoder codecs to a MediaEngine
func (c *DeviceCapture) RegisterCodecs(m *webrtc.MediaEngine) {
	c.selector.Populate(m)
}

func (c *DeviceCapture) GetUserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("at least one of audio or video must be requested: %w", ErrNoDevices)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if cons.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if cons.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevices, err)
	}
	return c.wrap(ms, "camera"), nil
}

func (c *DeviceCapture) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevices, err)
	}
	return c.wrap(ms, "screen"), nil
}

func (c *DeviceCapture) wrap(ms mediadevices.MediaStream, videoLabel string) *Stream {
	var tracks []Track
	for _, mt := range ms.GetTracks() {
		kind := KindFromCodecType(mt.Kind())
		label := "microphone"
		if kind == KindVideo {
			label = videoLabel
		}
		dt := mt
		t := NewTrack(kind, label, dt, func() { dt.Close() })
		dt.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warn("Capture track ended", zap.String("track", dt.ID()), zap.Error(err))
			}
			t.End()
		})
		tracks = append(tracks, t)
	}
	return NewStream("", tracks...)
}
