// Package session coordinates one participant's side of a mesh call: local
// media, the roster of attendees, one peer link per remote attendee, chat and
// screen sharing.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/callerr"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/rtc"
	"github.com/mossy-p/meshcall/internal/signaling"
)

// Deps are the collaborators a Manager is built from
type Deps struct {
	Transport signaling.Transport
	Capture   media.Capture
	Factory   rtc.Factory
	Config    config.CallConfig
	Logger    *zap.Logger
	// Metrics defaults to unregistered collectors
	Metrics *metrics.Metrics
}

// Manager is the public face of a call. One Manager handles at most one call
// at a time; after HangUp it can start or answer another.
type Manager struct {
	transport signaling.Transport
	capture   media.Capture
	factory   rtc.Factory
	timing    config.CallConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	bus       *Bus

	// lifecycle serializes start, answer, hang-up and remote end
	lifecycle sync.Mutex
	// opening tracks roster passes that may still be creating links
	opening sync.WaitGroup

	mu         sync.Mutex
	active     bool
	sessionID  string
	selfID     string
	callType   models.CallType
	local      *media.Stream
	screen     *media.Stream
	peers      map[string]*peerEntry
	messages   []models.ChatMessage
	unwatch    signaling.Unsubscribe
	callCtx    context.Context
	cancelCall context.CancelFunc
}

// peerEntry is the table slot for one remote attendee. It exists from the
// moment a link starts opening until that link is torn down.
type peerEntry struct {
	id          string
	link        *peer.Link
	closed      bool
	state       rtc.ConnectionState
	channelOpen bool
	streamID    string
	tracks      []rtc.RemoteTrack
	// sharing is the peer's own screen-share announcement, nil until one
	// arrives
	sharing *bool
}

// PeerInfo describes one remote attendee link
type PeerInfo struct {
	ID          string
	Role        peer.Role
	State       rtc.ConnectionState
	ChannelOpen bool
}

func New(deps Deps) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		transport: deps.Transport,
		capture:   deps.Capture,
		factory:   deps.Factory,
		timing:    deps.Config,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		bus:       NewBus(),
		peers:     make(map[string]*peerEntry),
	}
}

// Subscribe registers fn for every event this manager publishes
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.bus.Subscribe(fn)
}

// StartCall captures local media, creates the session record with the
// initiator as its only attendee and starts watching the roster.
func (m *Manager) StartCall(ctx context.Context, callType models.CallType, initiatorID string, participants []string) (string, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !callType.Valid() {
		return "", callerr.InvalidState(fmt.Sprintf("unknown call type %q", callType))
	}
	if m.isActive() {
		return "", callerr.InvalidState("a call is already in progress")
	}

	stream, err := m.capture.GetUserMedia(ctx, constraintsFor(callType))
	if err != nil {
		return "", callerr.MediaAcquisition(err)
	}

	id, err := m.transport.CreateSession(ctx, models.NewCallSession(callType, initiatorID, participants))
	if err != nil {
		stream.Stop()
		m.metrics.TransportErrors.WithLabelValues("create_session").Inc()
		return "", callerr.Transport(err, "create session")
	}

	m.begin(id, initiatorID, callType, stream)
	if err := m.watchRoster(id); err != nil {
		m.cleanup(ctx, true)
		return "", err
	}

	m.logger.Info("Call started",
		zap.String("session_id", id),
		zap.String("type", string(callType)),
		zap.Int("participants", len(participants)))
	return id, nil
}

// AnswerCall joins an existing session and links up with everyone already in
// it. An ended or missing session fails with SESSION_UNAVAILABLE.
func (m *Manager) AnswerCall(ctx context.Context, sessionID, selfID string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.isActive() {
		return callerr.InvalidState("a call is already in progress")
	}

	rec, err := m.transport.GetSession(ctx, sessionID)
	if err != nil {
		return m.lookupError(sessionID, err, "get session")
	}
	if rec.Ended() {
		return callerr.SessionUnavailable(sessionID, nil)
	}

	stream, err := m.capture.GetUserMedia(ctx, constraintsFor(rec.Type))
	if err != nil {
		return callerr.MediaAcquisition(err)
	}

	updated, err := m.transport.UpdateSession(ctx, sessionID, models.SessionPatch{
		AddAttendees: []string{selfID},
		Accept:       true,
	})
	if err != nil {
		stream.Stop()
		return m.lookupError(sessionID, err, "join session")
	}
	if updated.Ended() || !updated.HasAttendee(selfID) {
		stream.Stop()
		return callerr.SessionUnavailable(sessionID, nil)
	}

	m.begin(sessionID, selfID, rec.Type, stream)
	m.syncRoster(updated)
	if err := m.watchRoster(sessionID); err != nil {
		m.cleanup(ctx, true)
		return err
	}

	m.logger.Info("Call answered",
		zap.String("session_id", sessionID),
		zap.Int("attendees", len(updated.Attendees)))
	return nil
}

// DeclineCall records that selfID will not join. A ringing call that every
// invitee has declined ends.
func (m *Manager) DeclineCall(ctx context.Context, sessionID, selfID string) error {
	rec, err := m.transport.UpdateSession(ctx, sessionID, models.SessionPatch{Decline: selfID})
	if err != nil {
		return m.lookupError(sessionID, err, "decline call")
	}
	m.logger.Info("Call declined",
		zap.String("session_id", sessionID),
		zap.String("status", string(rec.Status)))
	return nil
}

// HangUp leaves the call. The last attendee to leave ends the session.
// Without an active call it does nothing.
func (m *Manager) HangUp(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.cleanup(ctx, true)
}

// Close hangs up and stops event delivery
func (m *Manager) Close(ctx context.Context) error {
	err := m.HangUp(ctx)
	m.bus.Close()
	return err
}

// ToggleMute flips the microphone and reports whether it is now muted
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	if !m.active || m.local == nil {
		m.mu.Unlock()
		return false, callerr.InvalidState("no active call")
	}
	audio := m.local.AudioTracks()
	if len(audio) == 0 {
		m.mu.Unlock()
		return false, callerr.InvalidState("call has no microphone track")
	}
	track := audio[0]
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	links := m.linksLocked()
	m.mu.Unlock()

	var out media.Track
	if enabled {
		out = track
	}
	m.replaceAll(links, media.KindAudio, out)
	m.logger.Debug("Microphone toggled", zap.Bool("muted", !enabled))
	return !enabled, nil
}

// ToggleVideo flips the camera and reports whether it is now off. While a
// screen share is running the senders keep carrying the screen.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	if !m.active || m.local == nil {
		m.mu.Unlock()
		return false, callerr.InvalidState("no active call")
	}
	video := m.local.VideoTracks()
	if len(video) == 0 {
		m.mu.Unlock()
		return false, callerr.InvalidState("call has no camera track")
	}
	track := video[0]
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	sharing := m.screen != nil
	links := m.linksLocked()
	m.mu.Unlock()

	if !sharing {
		var out media.Track
		if enabled {
			out = track
		}
		m.replaceAll(links, media.KindVideo, out)
	}
	m.logger.Debug("Camera toggled", zap.Bool("off", !enabled))
	return !enabled, nil
}

// SessionID returns the id of the active call, or "" when idle
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// LocalStream returns the captured camera/microphone stream
func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// RemoteStreams returns the camera streams of remote attendees
func (m *Manager) RemoteStreams() map[string]RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams, _ := m.remoteLocked()
	return streams
}

// RemoteScreens returns the screen-share streams of remote attendees
func (m *Manager) RemoteScreens() map[string]RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, screens := m.remoteLocked()
	return screens
}

// Messages returns the chat of the active call, oldest first
func (m *Manager) Messages() []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages)
}

// Peers lists the current links by remote id
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for id, e := range m.peers {
		out = append(out, PeerInfo{ID: id, Role: peer.RoleOf(m.selfID, id), State: e.state, ChannelOpen: e.channelOpen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func constraintsFor(t models.CallType) media.Constraints {
	return media.Constraints{Video: t == models.CallTypeVideo, Audio: true}
}

func (m *Manager) lookupError(sessionID string, err error, op string) error {
	if errors.Is(err, signaling.ErrSessionNotFound) {
		return callerr.SessionUnavailable(sessionID, err)
	}
	m.metrics.TransportErrors.WithLabelValues(op).Inc()
	return callerr.Transport(err, op)
}

func (m *Manager) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) begin(sessionID, selfID string, callType models.CallType, stream *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.sessionID = sessionID
	m.selfID = selfID
	m.callType = callType
	m.local = stream
	m.screen = nil
	m.peers = make(map[string]*peerEntry)
	m.messages = nil
	m.callCtx, m.cancelCall = context.WithCancel(context.Background())
	m.bus.Publish(Event{Type: EventLocalStreamReady, SessionID: sessionID, LocalStream: stream})
}

// cleanup is the single teardown path for hang-up, failed joins and a session
// ended by someone else. leave removes self from the roster. Callers hold
// the lifecycle lock.
func (m *Manager) cleanup(ctx context.Context, leave bool) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	sessionID, selfID := m.sessionID, m.selfID
	unwatch := m.unwatch
	m.unwatch = nil
	m.cancelCall()
	streams, screens := m.remoteLocked()
	peers := m.peers
	m.peers = make(map[string]*peerEntry)
	local, screen := m.local, m.screen
	m.local, m.screen = nil, nil
	m.messages = nil
	m.sessionID = ""
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	m.opening.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range peers {
		if e.link == nil {
			continue
		}
		link := e.link
		g.Go(func() error { return link.Close(gctx) })
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Peer links did not close cleanly", zap.String("session_id", sessionID), zap.Error(err))
	}

	if screen != nil {
		screen.Stop()
	}
	if local != nil {
		local.Stop()
	}

	var leaveErr error
	if leave {
		_, err := m.transport.UpdateSession(ctx, sessionID, models.SessionPatch{
			RemoveAttendees: []string{selfID},
			EndIfEmpty:      true,
		})
		if err != nil && !errors.Is(err, signaling.ErrSessionNotFound) {
			m.metrics.TransportErrors.WithLabelValues("leave_session").Inc()
			leaveErr = callerr.Transport(err, "leave session")
		}
	}

	if len(streams) > 0 {
		m.bus.Publish(Event{Type: EventRemoteStreamsChanged, SessionID: sessionID, Streams: map[string]RemoteStream{}})
	}
	if len(screens) > 0 {
		m.bus.Publish(Event{Type: EventRemoteScreensChanged, SessionID: sessionID, Streams: map[string]RemoteStream{}})
	}
	m.bus.Publish(Event{Type: EventCallEnded, SessionID: sessionID})
	m.logger.Info("Call ended", zap.String("session_id", sessionID), zap.Bool("left", leave))
	return leaveErr
}

func (m *Manager) linksLocked() []*peer.Link {
	out := make([]*peer.Link, 0, len(m.peers))
	for _, e := range m.peers {
		if e.link != nil {
			out = append(out, e.link)
		}
	}
	return out
}

func (m *Manager) replaceAll(links []*peer.Link, kind media.Kind, t media.Track) {
	for _, l := range links {
		if err := l.ReplaceTrack(kind, t); err != nil {
			m.logger.Warn("Failed to replace track",
				zap.String("peer", l.RemoteID()),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}
}
