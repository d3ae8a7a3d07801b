package signaling

import (
	"errors"

	"github.com/mossy-p/meshcall/internal/models"
)

// FrameOp identifies a relay websocket frame
type FrameOp string

const (
	// Client requests
	FrameCreateSession  FrameOp = "create_session"
	FrameGetSession     FrameOp = "get_session"
	FrameUpdateSession  FrameOp = "update_session"
	FrameWatchSession   FrameOp = "watch_session"
	FrameSendEnvelope   FrameOp = "send_envelope"
	FrameWatchEnvelopes FrameOp = "watch_envelopes"
	FrameDeleteEnvelope FrameOp = "delete_envelope"
	FramePurgeEnvelopes FrameOp = "purge_envelopes"
	FrameUnwatch        FrameOp = "unwatch"

	// Server replies and pushes
	FrameResult        FrameOp = "result"
	FrameSessionEvent  FrameOp = "session_event"
	FrameEnvelopeEvent FrameOp = "envelope_event"
)

// Error codes carried in Frame.Code
const (
	FrameCodeNotFound    = "not_found"
	FrameCodeForbidden   = "forbidden"
	FrameCodeRateLimited = "rate_limited"
	FrameCodeBadRequest  = "bad_request"
	FrameCodeInternal    = "internal"
)

// Frame is the JSON message exchanged over the relay websocket. Requests carry
// an ID that the matching result echoes; watch requests carry a client-chosen
// WatchID that tags every pushed event.
type Frame struct {
	ID         string                    `json:"id,omitempty"`
	Op         FrameOp                   `json:"op"`
	SessionID  string                    `json:"sessionId,omitempty"`
	WatchID    string                    `json:"watchId,omitempty"`
	Session    *models.CallSession       `json:"session,omitempty"`
	Patch      *models.SessionPatch      `json:"patch,omitempty"`
	Envelope   *models.SignalingEnvelope `json:"envelope,omitempty"`
	EnvelopeID string                    `json:"envelopeId,omitempty"`
	Filter     *Filter                   `json:"filter,omitempty"`
	Code       string                    `json:"code,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// RemoteError is a failure reported by the relay
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "relay: " + e.Code + ": " + e.Message
}

// Err converts an error result back into an error value
func (f Frame) Err() error {
	if f.Error == "" && f.Code == "" {
		return nil
	}
	if f.Code == FrameCodeNotFound {
		return ErrSessionNotFound
	}
	return &RemoteError{Code: f.Code, Message: f.Error}
}

// ErrorFrame builds the result for a failed request
func ErrorFrame(requestID string, err error) Frame {
	code, msg := FrameCodeInternal, err.Error()
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		code = FrameCodeNotFound
	case errors.Is(err, models.ErrInvalidEnvelope):
		code = FrameCodeBadRequest
	case errors.As(err, &remote):
		code, msg = remote.Code, remote.Message
	}
	return Frame{ID: requestID, Op: FrameResult, Code: code, Error: msg}
}
