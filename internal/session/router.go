package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
)

// ShareScreen captures a display and sends it on every link's video sender in
// place of the camera. The OS-level stop control ends the share. Without an
// active call it does nothing.
func (m *Manager) ShareScreen(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	if m.callType != models.CallTypeVideo {
		m.mu.Unlock()
		return callerr.InvalidState("screen sharing needs a video call")
	}
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stream, err := m.capture.GetDisplayMedia(ctx)
	if err != nil {
		return callerr.MediaAcquisition(err)
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		stream.Stop()
		return callerr.MediaAcquisition(errors.New("display capture has no video track"))
	}
	screen := tracks[0]

	m.mu.Lock()
	if !m.active || m.screen != nil {
		m.mu.Unlock()
		stream.Stop()
		return nil
	}
	m.screen = stream
	links := m.linksLocked()
	m.bus.Publish(Event{Type: EventScreenShareChanged, SessionID: m.sessionID, Sharing: true})
	m.mu.Unlock()

	screen.OnEnded(func() {
		m.logger.Info("Screen capture ended by the system")
		m.stopScreenShare(stream)
	})
	m.replaceAll(links, media.KindVideo, screen)
	m.broadcast(links, mediaStateFrame(true))
	m.logger.Info("Screen share started", zap.Int("peers", len(links)))
	return nil
}

// StopScreenShare puts the camera back on every link, or nothing when the
// camera is off, and stops the screen capture
func (m *Manager) StopScreenShare() {
	m.stopScreenShare(nil)
}

// stopScreenShare ends the share of stream, or the current one when stream is nil
func (m *Manager) stopScreenShare(stream *media.Stream) {
	m.mu.Lock()
	current := m.screen
	if current == nil || (stream != nil && current != stream) {
		m.mu.Unlock()
		return
	}
	m.screen = nil
	var camera media.Track
	if m.local != nil {
		if video := m.local.VideoTracks(); len(video) > 0 && video[0].Enabled() {
			camera = video[0]
		}
	}
	links := m.linksLocked()
	m.bus.Publish(Event{Type: EventScreenShareChanged, SessionID: m.sessionID, Sharing: false})
	m.mu.Unlock()

	m.replaceAll(links, media.KindVideo, camera)
	current.Stop()
	m.broadcast(links, mediaStateFrame(false))
	m.logger.Info("Screen share stopped", zap.Int("peers", len(links)))
}
