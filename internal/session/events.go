package session

import (
	"sync"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/queue"
	"github.com/mossy-p/meshcall/internal/rtc"
)

type EventType string

const (
	EventLocalStreamReady     EventType = "local-stream-ready"
	EventRemoteStreamsChanged EventType = "remote-streams-changed"
	EventRemoteScreensChanged EventType = "remote-screen-stream-changed"
	EventNewChatMessages      EventType = "new-chat-messages"
	EventScreenShareChanged   EventType = "screen-share-changed"
	EventPeerStateChanged     EventType = "peer-state-changed"
	EventCallEnded            EventType = "call-ended"
)

// RemoteStream is what one remote attendee is sending us
type RemoteStream struct {
	PeerID   string
	StreamID string
	Tracks   []rtc.RemoteTrack
}

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string

	// EventLocalStreamReady
	LocalStream *media.Stream
	// EventRemoteStreamsChanged and EventRemoteScreensChanged carry the
	// whole map, keyed by peer id
	Streams map[string]RemoteStream
	// EventNewChatMessages
	Messages []models.ChatMessage
	// EventScreenShareChanged
	Sharing bool
	// EventPeerStateChanged
	PeerID string
	State  rtc.ConnectionState
}

type subscriber struct {
	id int
	fn func(Event)
}

// Bus delivers events to every subscriber in registration order, one event at
// a time and in publish order, on its own goroutine. Publish never blocks.
type Bus struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID int
	box    *queue.Mailbox
}

func NewBus() *Bus {
	return &Bus{box: queue.NewMailbox()}
}

// Subscribe registers fn and returns a function that removes it
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.box.Post(func() {
		b.mu.Lock()
		subs := b.subs
		b.mu.Unlock()
		for _, s := range subs {
			s.fn(ev)
		}
	})
}

// Close stops delivery once already published events have gone out
func (b *Bus) Close() {
	b.box.Close()
}
