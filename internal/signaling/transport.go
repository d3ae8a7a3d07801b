// Package signaling carries call session records and signaling envelopes
// between attendees. Transport is the only thing the call coordinator knows
// about; memory, Redis, Firestore and relay-websocket implementations live
// alongside it.
package signaling

import (
	"context"
	"errors"

	"github.com/mossy-p/meshcall/internal/models"
)

var (
	ErrSessionNotFound = errors.New("call session not found")
	ErrClosed          = errors.New("signaling transport closed")
)

// Unsubscribe stops a watch. It is idempotent and never blocks on callbacks.
type Unsubscribe func()

// Filter selects envelopes by recipient and, optionally, sender
type Filter struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// Match reports whether env passes the filter
func (f Filter) Match(env models.SignalingEnvelope) bool {
	if f.To != "" && env.To != f.To {
		return false
	}
	if f.From != "" && env.From != f.From {
		return false
	}
	return true
}

// Transport is an at-least-once publish/subscribe store for session records
// and per-recipient envelopes. Consumers delete envelopes after processing them.
//
// Watch callbacks for a single subscription are invoked sequentially, in the
// order the transport observed the writes.
type Transport interface {
	CreateSession(ctx context.Context, s models.CallSession) (string, error)
	GetSession(ctx context.Context, id string) (models.CallSession, error)
	// UpdateSession applies patch against the stored value in one transaction
	// and returns the result.
	UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.CallSession, error)
	// WatchSession fires with the current value, then on every update.
	WatchSession(ctx context.Context, id string, fn func(models.CallSession)) (Unsubscribe, error)

	SendEnvelope(ctx context.Context, env models.SignalingEnvelope) (string, error)
	// WatchEnvelopes delivers every pending envelope matching filter, then
	// every new one.
	WatchEnvelopes(ctx context.Context, sessionID string, filter Filter, fn func(models.SignalingEnvelope)) (Unsubscribe, error)
	DeleteEnvelope(ctx context.Context, sessionID, envelopeID string) error
	// PurgeEnvelopes deletes every pending envelope matching filter in one
	// round trip. Deleting nothing is not an error.
	PurgeEnvelopes(ctx context.Context, sessionID string, filter Filter) error
}
