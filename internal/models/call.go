package models

import (
	"fmt"
	"slices"
	"time"
)

// CallType selects which local media a participant captures
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusEnded    CallStatus = "ended"
)

// CallSession is the shared record every attendee watches.
// Attendees is mutated by several independent parties, so it is only ever
// changed through a SessionPatch applied against the store's current value.
type CallSession struct {
	ID           string     `json:"id" firestore:"-"`
	Type         CallType   `json:"type" firestore:"type"`
	Status       CallStatus `json:"status" firestore:"status"`
	CreatedBy    string     `json:"createdBy" firestore:"createdBy"`
	Participants []string   `json:"participants" firestore:"participants"`
	Attendees    []string   `json:"attendees" firestore:"attendees"`
	Declined     []string   `json:"declined,omitempty" firestore:"declined"`
	CreatedAt    time.Time  `json:"createdAt" firestore:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" firestore:"updatedAt"`
}

// NewCallSession builds the record an initiator persists when starting a call.
// The initiator is the only attendee regardless of how many were invited.
func NewCallSession(callType CallType, initiatorID string, participants []string) CallSession {
	now := time.Now().UTC()
	return CallSession{
		Type:         callType,
		Status:       CallStatusRinging,
		CreatedBy:    initiatorID,
		Participants: slices.Clone(participants),
		Attendees:    []string{initiatorID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasAttendee reports whether id is currently joined
func (s CallSession) HasAttendee(id string) bool {
	return slices.Contains(s.Attendees, id)
}

// IsParticipant reports whether id created the session or was invited to it
func (s CallSession) IsParticipant(id string) bool {
	return s.CreatedBy == id || slices.Contains(s.Participants, id)
}

// Ended reports whether the session reached its terminal status
func (s CallSession) Ended() bool {
	return s.Status == CallStatusEnded
}

// Clone returns a deep copy safe to hand to another goroutine
func (s CallSession) Clone() CallSession {
	s.Participants = slices.Clone(s.Participants)
	s.Attendees = slices.Clone(s.Attendees)
	s.Declined = slices.Clone(s.Declined)
	return s
}

// Validate checks the fields a transport needs before persisting a new session
func (s CallSession) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("invalid call type %q", s.Type)
	}
	if s.CreatedBy == "" {
		return fmt.Errorf("createdBy is required")
	}
	return nil
}

// SessionPatch describes a conditional mutation of a CallSession.
// Attendee changes are set union/difference against the current value, never
// an overwrite.
type SessionPatch struct {
	AddAttendees    []string `json:"addAttendees,omitempty"`
	RemoveAttendees []string `json:"removeAttendees,omitempty"`
	Decline         string   `json:"decline,omitempty"`
	// Accept moves a ringing session to accepted.
	Accept bool `json:"accept,omitempty"`
	// End unconditionally ends the session.
	End bool `json:"end,omitempty"`
	// EndIfEmpty ends the session when no attendee remains after the patch.
	EndIfEmpty bool `json:"endIfEmpty,omitempty"`
}

// Apply applies p to s and reports whether anything changed.
// An ended session is terminal: Apply never revives it and ignores joins.
func (s *CallSession) Apply(p SessionPatch) bool {
	if s.Ended() {
		return false
	}

	changed := false
	for _, id := range p.AddAttendees {
		if id == "" || slices.Contains(s.Attendees, id) {
			continue
		}
		s.Attendees = append(s.Attendees, id)
		changed = true
	}
	if len(p.RemoveAttendees) > 0 {
		before := len(s.Attendees)
		s.Attendees = slices.DeleteFunc(s.Attendees, func(id string) bool {
			return slices.Contains(p.RemoveAttendees, id)
		})
		changed = changed || len(s.Attendees) != before
	}
	if p.Decline != "" && !slices.Contains(s.Declined, p.Decline) {
		s.Declined = append(s.Declined, p.Decline)
		changed = true
	}
	if p.Accept && s.Status == CallStatusRinging {
		s.Status = CallStatusAccepted
		changed = true
	}

	switch {
	case p.End:
		s.Status = CallStatusEnded
		changed = true
	case p.EndIfEmpty && len(s.Attendees) == 0:
		s.Status = CallStatusEnded
		changed = true
	case p.Decline != "" && s.everyoneDeclined():
		s.Status = CallStatusEnded
		changed = true
	}

	if changed {
		s.UpdatedAt = time.Now().UTC()
	}
	return changed
}

// everyoneDeclined reports whether a still-ringing call has been declined by
// every invited participant other than its creator.
func (s CallSession) everyoneDeclined() bool {
	if s.Status != CallStatusRinging {
		return false
	}
	invited := 0
	for _, p := range s.Participants {
		if p == s.CreatedBy {
			continue
		}
		invited++
		if !slices.Contains(s.Declined, p) {
			return false
		}
	}
	return invited > 0
}
