package callerr

import (
	"errors"
	"fmt"
)

// Code classifies failures surfaced by the call coordinator
type Code string

const (
	// Camera, microphone or display capture denied or unavailable
	CodeMediaAcquisition Code = "MEDIA_ACQUISITION"
	// Signaling read/write failure
	CodeTransport Code = "TRANSPORT"
	// Answering a session that is ended or missing
	CodeSessionUnavailable Code = "SESSION_UNAVAILABLE"
	// ICE/DTLS failure of a single peer connection
	CodePeerConnectionFailure Code = "PEER_CONNECTION_FAILURE"
	// Operation not valid in the current call state
	CodeInvalidState Code = "INVALID_STATE"
)

// Error is a coded error that wraps its cause
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is(err, MediaAcquisition("")) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New creates an Error with no cause
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping err
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func MediaAcquisition(err error) *Error {
	return Wrap(err, CodeMediaAcquisition, "media capture unavailable")
}

func Transport(err error, op string) *Error {
	return Wrap(err, CodeTransport, op)
}

func SessionUnavailable(sessionID string, err error) *Error {
	return Wrap(err, CodeSessionUnavailable, fmt.Sprintf("session %s is not available", sessionID))
}

func PeerConnectionFailure(peerID string, err error) *Error {
	return Wrap(err, CodePeerConnectionFailure, fmt.Sprintf("peer %s connection failed", peerID))
}

func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}
