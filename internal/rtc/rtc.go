// Package rtc is the narrow peer-connection surface the call coordinator
// drives. Session descriptions and ICE candidates pass through it opaquely.
package rtc

import (
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
)

type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

func (s ConnectionState) String() string { return string(s) }

// Terminal reports whether a link in this state must be torn down
func (s ConnectionState) Terminal() bool {
	switch s {
	case ConnectionDisconnected, ConnectionFailed, ConnectionClosed:
		return true
	}
	return false
}

// Sender is an outgoing track slot. Replacing its track never renegotiates.
type Sender interface {
	Track() media.Track
	// ReplaceTrack swaps the outgoing track in place. nil sends nothing.
	ReplaceTrack(t media.Track) error
}

// RemoteTrack describes a track that arrived from the peer
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     media.Kind
}

type DataChannel interface {
	Label() string
	Open() bool
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// PeerConnection is one side of a peer-to-peer connection. Callbacks may fire
// on any goroutine.
type PeerConnection interface {
	AddTrack(t media.Track, streamID string) (Sender, error)
	Senders() []Sender
	CreateDataChannel(label string) (DataChannel, error)

	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	// SetLocalDescription rejects a rollback: an applied local offer stays
	// until its answer arrives or the connection closes.
	SetLocalDescription(d models.SessionDescription) error
	SetRemoteDescription(d models.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c models.ICECandidate) error

	SignalingState() SignalingState
	ConnectionState() ConnectionState

	// OnICECandidate fires for each gathered candidate and with nil once
	// gathering completes.
	OnICECandidate(fn func(c *models.ICECandidate))
	OnNegotiationNeeded(fn func())
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))
	OnDataChannel(fn func(DataChannel))

	Close() error
}

// Factory creates peer connections towards a remote attendee
type Factory interface {
	NewPeerConnection(remoteID string) (PeerConnection, error)
}
