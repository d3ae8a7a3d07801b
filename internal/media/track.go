// Package media holds the local capture side of a call: tracks, streams and
// the Capture interface that produces them.
package media

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindFromCodecType maps a pion codec type to a Kind
func KindFromCodecType(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

// Track is a local media track. Tracks are shared by every peer sender that
// carries them; only the owner of the stream stops them.
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture source. Ended handlers do not fire.
	Stop()
	Stopped() bool
	// OnEnded registers fn for when the source ends on its own, e.g. the
	// user pressed the system "stop sharing" control.
	OnEnded(fn func())
	// Local is the pion track to attach to a sender. It may be nil for
	// tracks that never reach a real peer connection.
	Local() webrtc.TrackLocal
}

// BaseTrack implements Track around an optional pion TrackLocal
type BaseTrack struct {
	id      string
	kind    Kind
	label   string
	local   webrtc.TrackLocal
	release func()

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

// NewTrack creates an enabled track. release, when set, runs once when the
// track stops or ends.
func NewTrack(kind Kind, label string, local webrtc.TrackLocal, release func()) *BaseTrack {
	id := uuid.New().String()
	if local != nil {
		id = local.ID()
	}
	return &BaseTrack{
		id:      id,
		kind:    kind,
		label:   label,
		local:   local,
		release: release,
		enabled: true,
	}
}

func (t *BaseTrack) ID() string               { return t.id }
func (t *BaseTrack) Kind() Kind               { return t.kind }
func (t *BaseTrack) Label() string            { return t.label }
func (t *BaseTrack) Local() webrtc.TrackLocal { return t.local }

func (t *BaseTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *BaseTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *BaseTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *BaseTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

func (t *BaseTrack) Stop() {
	t.finish()
}

// End marks the source as gone and fires the ended handlers, the way an
// OS-level stop would
func (t *BaseTrack) End() {
	handlers, ok := t.finish()
	if !ok {
		return
	}
	for _, fn := range handlers {
		fn()
	}
}

func (t *BaseTrack) finish() ([]func(), bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, false
	}
	t.stopped = true
	t.enabled = false
	handlers := t.onEnded
	t.onEnded = nil
	release := t.release
	t.mu.Unlock()

	if release != nil {
		release()
	}
	return handlers, true
}

// IsDisplayLabel reports whether a track label or id names a display capture
func IsDisplayLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "screen") || strings.Contains(l, "display")
}

// Stream groups the tracks of one capture
type Stream struct {
	ID string

	mu     sync.Mutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	if id == "" {
		id = uuid.New().String()
	}
	return &Stream{ID: id, tracks: tracks}
}

// Tracks returns every track, audio first
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			out = append(out, t)
		}
	}
	for _, t := range s.tracks {
		if t.Kind() != KindAudio {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }
func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(k Kind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track in the stream
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
