//go:build !mediadevices

package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceCapture is unavailable without the mediadevices build tag
type DeviceCapture struct {
	SyntheticCapture
}

func NewDeviceCapture(logger *zap.Logger) (*DeviceCapture, error) {
	return nil, errors.New("device capture requires building with -tags mediadevices")
}

func (c *DeviceCapture) RegisterCodecs(m *webrtc.MediaEngine) {}
