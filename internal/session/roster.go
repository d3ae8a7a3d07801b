package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/rtc"
)

func (m *Manager) watchRoster(sessionID string) error {
	m.mu.Lock()
	ctx := m.callCtx
	m.mu.Unlock()

	unwatch, err := m.transport.WatchSession(ctx, sessionID, m.onRoster)
	if err != nil {
		m.metrics.TransportErrors.WithLabelValues("watch_session").Inc()
		return callerr.Transport(err, "watch session")
	}

	m.mu.Lock()
	if !m.active || m.sessionID != sessionID {
		m.mu.Unlock()
		unwatch()
		return nil
	}
	m.unwatch = unwatch
	m.mu.Unlock()
	return nil
}

// onRoster runs for every version of the session record. Attendees that left
// are not unlinked here: a peer that is gone shows up as a failed connection,
// and a join racing a leave must not look like one.
func (m *Manager) onRoster(rec models.CallSession) {
	if rec.Ended() {
		m.endedRemotely(rec.ID)
		return
	}
	m.syncRoster(rec)
}

func (m *Manager) endedRemotely(sessionID string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.SessionID() != sessionID {
		return
	}
	m.logger.Info("Session ended remotely", zap.String("session_id", sessionID))

	ctx, cancel := context.WithTimeout(context.Background(), m.timing.OperationTimeout)
	defer cancel()
	m.cleanup(ctx, false)
}

// syncRoster opens a link to every attendee that does not have one yet. Links
// are keyed by remote id, so overlapping roster versions never produce two
// links to the same peer.
func (m *Manager) syncRoster(rec models.CallSession) {
	m.mu.Lock()
	if !m.active || rec.ID != m.sessionID {
		m.mu.Unlock()
		return
	}
	var pending []*peerEntry
	for _, id := range rec.Attendees {
		if id == m.selfID {
			continue
		}
		if _, ok := m.peers[id]; ok {
			continue
		}
		e := &peerEntry{id: id, state: rtc.ConnectionNew}
		m.peers[id] = e
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.opening.Add(1)
	defer m.opening.Done()
	cfg := peer.Config{
		SessionID: m.sessionID,
		SelfID:    m.selfID,
		Transport: m.transport,
		Factory:   m.factory,
		Stream:    m.local,
		Timing:    m.timing,
		Logger:    m.logger,
		Metrics:   m.metrics,
	}
	ctx := m.callCtx
	m.mu.Unlock()

	for _, e := range pending {
		m.openLink(ctx, cfg, e)
	}
}

func (m *Manager) openLink(ctx context.Context, cfg peer.Config, e *peerEntry) {
	cfg.RemoteID = e.id
	cfg.Handler = m.handlerFor(e)

	link, err := peer.Open(ctx, cfg)
	if err != nil {
		m.logger.Warn("Failed to open peer link", zap.String("peer", e.id), zap.Error(err))
		m.mu.Lock()
		if m.peers[e.id] == e {
			delete(m.peers, e.id)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.peers[e.id] != e || e.closed {
		// Hung up, or the link already failed, while it was opening
		m.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), m.timing.OperationTimeout)
		defer cancel()
		link.Close(closeCtx)
		return
	}
	e.link = link
	// The channel can open before the link is stored here
	hint := e.channelOpen && m.screen != nil
	m.mu.Unlock()

	m.syncOutgoing(link)
	if hint {
		m.sendFrame(e, mediaStateFrame(true))
	}
}

// syncOutgoing brings a new link's senders in line with a muted microphone, a
// disabled camera or a running screen share
func (m *Manager) syncOutgoing(link *peer.Link) {
	m.mu.Lock()
	var replace []func() error
	if m.local != nil {
		if audio := m.local.AudioTracks(); len(audio) > 0 && !audio[0].Enabled() {
			replace = append(replace, func() error { return link.ReplaceTrack(media.KindAudio, nil) })
		}
		switch video := m.local.VideoTracks(); {
		case m.screen != nil:
			if tracks := m.screen.VideoTracks(); len(tracks) > 0 {
				screen := tracks[0]
				replace = append(replace, func() error { return link.ReplaceTrack(media.KindVideo, screen) })
			}
		case len(video) > 0 && !video[0].Enabled():
			replace = append(replace, func() error { return link.ReplaceTrack(media.KindVideo, nil) })
		}
	}
	m.mu.Unlock()

	for _, fn := range replace {
		if err := fn(); err != nil {
			m.logger.Warn("Failed to sync outgoing track", zap.String("peer", link.RemoteID()), zap.Error(err))
		}
	}
}

// handlerFor binds link events to e. Events from a link whose entry has been
// replaced or removed are dropped.
func (m *Manager) handlerFor(e *peerEntry) peer.Handler {
	return peer.Handler{
		StateChanged: func(remoteID string, s rtc.ConnectionState) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.peers[remoteID] != e {
				return
			}
			e.state = s
			m.bus.Publish(Event{Type: EventPeerStateChanged, SessionID: m.sessionID, PeerID: remoteID, State: s})
		},
		Track: func(remoteID string, t rtc.RemoteTrack) {
			m.updateRemote(e, func() bool {
				for _, have := range e.tracks {
					if have.ID == t.ID {
						return false
					}
				}
				e.tracks = append(e.tracks, t)
				if e.streamID == "" {
					e.streamID = t.StreamID
				}
				return true
			})
		},
		ChannelOpen: func(remoteID string) {
			m.mu.Lock()
			if m.peers[remoteID] != e {
				m.mu.Unlock()
				return
			}
			e.channelOpen = true
			sharing := m.screen != nil
			m.mu.Unlock()
			if sharing {
				m.sendFrame(e, mediaStateFrame(true))
			}
		},
		Message: func(remoteID string, data []byte) {
			m.handleFrame(e, data)
		},
		Closed: func(remoteID string, err error) {
			if err != nil {
				m.logger.Warn("Lost peer", zap.String("peer", remoteID), zap.Error(err))
			}
			m.updateRemote(e, func() bool {
				e.closed = true
				e.link = nil
				delete(m.peers, remoteID)
				return true
			})
		},
	}
}

// updateRemote applies fn to a live entry under the lock and publishes the
// remote stream maps that changed as a result
func (m *Manager) updateRemote(e *peerEntry, fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[e.id] != e {
		e.closed = true
		return
	}
	beforeStreams, beforeScreens := m.remoteLocked()
	if !fn() {
		return
	}
	afterStreams, afterScreens := m.remoteLocked()
	if !sameStreams(beforeStreams, afterStreams) {
		m.bus.Publish(Event{Type: EventRemoteStreamsChanged, SessionID: m.sessionID, Streams: afterStreams})
	}
	if !sameStreams(beforeScreens, afterScreens) {
		m.bus.Publish(Event{Type: EventRemoteScreensChanged, SessionID: m.sessionID, Streams: afterScreens})
	}
}

// remoteLocked splits the remote media into camera and screen slots
func (m *Manager) remoteLocked() (streams, screens map[string]RemoteStream) {
	streams = make(map[string]RemoteStream)
	screens = make(map[string]RemoteStream)
	for id, e := range m.peers {
		if len(e.tracks) == 0 {
			continue
		}
		rs := RemoteStream{
			PeerID:   id,
			StreamID: e.streamID,
			Tracks:   append([]rtc.RemoteTrack(nil), e.tracks...),
		}
		if e.isScreen() {
			screens[id] = rs
		} else {
			streams[id] = rs
		}
	}
	return streams, screens
}

// isScreen trusts the peer's own announcement. Without one, only a track or
// stream id naming a display capture counts as a screen; tracks arrive one
// at a time, so a video track seen before its audio is still a camera.
func (e *peerEntry) isScreen() bool {
	if e.sharing != nil {
		return *e.sharing
	}
	for _, t := range e.tracks {
		if t.Kind == media.KindVideo && (media.IsDisplayLabel(t.ID) || media.IsDisplayLabel(t.StreamID)) {
			return true
		}
	}
	return false
}

func sameStreams(a, b map[string]RemoteStream) bool {
	if len(a) != len(b) {
		return false
	}
	for id, x := range a {
		y, ok := b[id]
		if !ok || x.StreamID != y.StreamID || len(x.Tracks) != len(y.Tracks) {
			return false
		}
	}
	return true
}
