package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PayloadType tags the payload carried by a SignalingEnvelope
type PayloadType string

const (
	PayloadOffer     PayloadType = "offer"
	PayloadAnswer    PayloadType = "answer"
	PayloadCandidate PayloadType = "candidate"
)

// SDPType mirrors the session description types a peer connection understands
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is carried opaquely; the SDP text is never parsed here.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is the JSON form of an ICE candidate (RTCIceCandidateInit)
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingEnvelope is a write-once message from one attendee to another.
// The recipient deletes it after consuming it.
type SignalingEnvelope struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"sessionId"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Type        PayloadType         `json:"type"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidates  []ICECandidate      `json:"candidates,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// NewOffer builds an offer envelope
func NewOffer(sessionID, from, to string, desc SessionDescription) SignalingEnvelope {
	return newEnvelope(sessionID, from, to, PayloadOffer, &desc, nil)
}

// NewAnswer builds an answer envelope
func NewAnswer(sessionID, from, to string, desc SessionDescription) SignalingEnvelope {
	return newEnvelope(sessionID, from, to, PayloadAnswer, &desc, nil)
}

// NewCandidates builds a candidate envelope carrying a batch of candidates
func NewCandidates(sessionID, from, to string, candidates []ICECandidate) SignalingEnvelope {
	return newEnvelope(sessionID, from, to, PayloadCandidate, nil, candidates)
}

func newEnvelope(sessionID, from, to string, t PayloadType, desc *SessionDescription, candidates []ICECandidate) SignalingEnvelope {
	return SignalingEnvelope{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		From:        from,
		To:          to,
		Type:        t,
		Description: desc,
		Candidates:  candidates,
		CreatedAt:   time.Now().UTC(),
	}
}

var ErrInvalidEnvelope = errors.New("invalid signaling envelope")

// Validate checks that the tagged payload matches its type
func (e SignalingEnvelope) Validate() error {
	if e.SessionID == "" || e.From == "" || e.To == "" {
		return fmt.Errorf("%w: sessionId, from and to are required", ErrInvalidEnvelope)
	}
	switch e.Type {
	case PayloadOffer, PayloadAnswer:
		if e.Description == nil || e.Description.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidEnvelope, e.Type)
		}
	case PayloadCandidate:
		if len(e.Candidates) == 0 {
			return fmt.Errorf("%w: candidate without entries", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// ChatMessage is scoped to the call's lifetime and never persisted
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewChatMessage stamps a fresh id and timestamp
func NewChatMessage(senderID, senderName, text string) ChatMessage {
	return ChatMessage{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  time.Now().UTC(),
	}
}
